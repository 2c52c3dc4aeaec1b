package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/idbroker/idbroker/internal/cache"
	"github.com/idbroker/idbroker/internal/config"
	"github.com/idbroker/idbroker/internal/utils"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

const oauthStatePrefix = "oauth:state:"

// OAuthService is an upstream social identity source. Implementations hold no
// per-login state, the PKCE verifier travels through the broker's cache.
type OAuthService interface {
	Init() error
	GetAuthURL(state string, verifier string) string
	VerifyCode(ctx context.Context, code string, verifier string) (*oauth2.Token, error)
	Userinfo(ctx context.Context, token *oauth2.Token) (config.Claims, error)
	GetName() string
}

// OAuthPending is what the broker remembers between the redirect to the
// provider and the callback
type OAuthPending struct {
	Provider    string `json:"provider"`
	Verifier    string `json:"verifier"`
	RedirectURI string `json:"redirect_uri,omitempty"`
}

type OAuthBrokerServiceConfig struct {
	Providers   map[string]config.OAuthServiceConfig
	Timeout     int
	StateExpiry int
}

type OAuthBrokerService struct {
	config   OAuthBrokerServiceConfig
	services map[string]OAuthService
	cache    cache.Store
}

func NewOAuthBrokerService(config OAuthBrokerServiceConfig, store cache.Store) *OAuthBrokerService {
	return &OAuthBrokerService{
		config:   config,
		services: make(map[string]OAuthService),
		cache:    store,
	}
}

func (broker *OAuthBrokerService) Init() error {
	timeout := time.Duration(broker.config.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	if broker.config.StateExpiry <= 0 {
		broker.config.StateExpiry = 600
	}

	for name, cfg := range broker.config.Providers {
		switch name {
		case "github":
			broker.services[name] = NewGithubOAuthService(cfg, timeout)
		case "google":
			broker.services[name] = NewGoogleOAuthService(cfg, timeout)
		default:
			broker.services[name] = NewGenericOAuthService(cfg, timeout)
		}
	}

	for name, service := range broker.services {
		err := service.Init()
		if err != nil {
			log.Error().Err(err).Str("service", name).Msg("Failed to initialize OAuth service")
			return err
		}
		log.Info().Str("service", name).Msg("Initialized OAuth service")
	}

	return nil
}

func (broker *OAuthBrokerService) GetConfiguredServices() []string {
	services := make([]string, 0, len(broker.services))
	for name := range broker.services {
		services = append(services, name)
	}
	slices.Sort(services)
	return services
}

func (broker *OAuthBrokerService) GetService(name string) (OAuthService, bool) {
	service, exists := broker.services[name]
	return service, exists
}

// GetOrganization returns the organization slug users of the provider land in
func (broker *OAuthBrokerService) GetOrganization(name string) string {
	return firstNonEmpty(broker.config.Providers[name].Organization, DefaultOrganization)
}

// GetSessionClient returns the client application bound to the provider, it
// receives a session token after each login. Empty when none is configured.
func (broker *OAuthBrokerService) GetSessionClient(name string) string {
	return broker.config.Providers[name].SessionClient
}

// Begin creates a state and PKCE verifier for a login through the named
// provider and returns the provider URL to send the browser to
func (broker *OAuthBrokerService) Begin(ctx context.Context, name string, redirectURI string) (string, string, error) {
	service, exists := broker.services[name]
	if !exists {
		return "", "", fmt.Errorf("%w: oauth provider %s", ErrNotFound, name)
	}

	state, err := utils.GenerateToken(32)
	if err != nil {
		return "", "", fmt.Errorf("failed to generate state: %w", err)
	}

	pending := OAuthPending{
		Provider:    name,
		Verifier:    oauth2.GenerateVerifier(),
		RedirectURI: redirectURI,
	}

	raw, err := json.Marshal(pending)
	if err != nil {
		return "", "", err
	}

	err = broker.cache.Set(ctx, oauthStatePrefix+state, raw, time.Duration(broker.config.StateExpiry)*time.Second)
	if err != nil {
		return "", "", fmt.Errorf("failed to store oauth state: %w", err)
	}

	return service.GetAuthURL(state, pending.Verifier), state, nil
}

// Complete redeems a state exactly once, exchanges the code and fetches the
// upstream profile
func (broker *OAuthBrokerService) Complete(ctx context.Context, name string, state string, code string) (config.Claims, OAuthPending, error) {
	service, exists := broker.services[name]
	if !exists {
		return config.Claims{}, OAuthPending{}, fmt.Errorf("%w: oauth provider %s", ErrNotFound, name)
	}

	raw, err := broker.cache.GetDel(ctx, oauthStatePrefix+state)
	if errors.Is(err, cache.ErrCacheMiss) {
		return config.Claims{}, OAuthPending{}, fmt.Errorf("%w: unknown or expired oauth state", ErrUnauthorized)
	}
	if err != nil {
		return config.Claims{}, OAuthPending{}, fmt.Errorf("failed to read oauth state: %w", err)
	}

	var pending OAuthPending
	if err := json.Unmarshal(raw, &pending); err != nil {
		return config.Claims{}, OAuthPending{}, fmt.Errorf("failed to decode oauth state: %w", err)
	}

	if pending.Provider != name {
		return config.Claims{}, OAuthPending{}, fmt.Errorf("%w: oauth state belongs to another provider", ErrUnauthorized)
	}

	token, err := service.VerifyCode(ctx, code, pending.Verifier)
	if err != nil {
		log.Warn().Err(err).Str("provider", name).Msg("Failed to exchange upstream authorization code")
		return config.Claims{}, OAuthPending{}, fmt.Errorf("%w: upstream code exchange failed", ErrUnauthorized)
	}

	operation := func() (config.Claims, error) {
		return service.Userinfo(ctx, token)
	}

	claims, err := backoff.Retry(ctx, operation, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	if err != nil {
		return config.Claims{}, OAuthPending{}, fmt.Errorf("failed to fetch upstream profile: %w", err)
	}

	if claims.Sub == "" {
		return config.Claims{}, OAuthPending{}, fmt.Errorf("%w: upstream profile has no subject", ErrValidation)
	}

	return claims, pending, nil
}

// getJSON fetches a JSON document with an oauth2 client. Client errors are
// permanent, only transport errors and 5xx are worth retrying.
func getJSON(client *http.Client, url string, accept string, target any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}

	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode >= 500 {
		return fmt.Errorf("request failed with status: %s", res.Status)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return backoff.Permanent(fmt.Errorf("request failed with status: %s", res.Status))
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, target); err != nil {
		return backoff.Permanent(err)
	}

	return nil
}

func oauthContext(ctx context.Context, client *http.Client) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, client)
}
