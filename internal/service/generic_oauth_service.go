package service

import (
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"time"

	"github.com/idbroker/idbroker/internal/config"

	"golang.org/x/oauth2"
)

type GenericOAuthService struct {
	config             oauth2.Config
	httpClient         *http.Client
	timeout            time.Duration
	insecureSkipVerify bool
	userinfoURL        string
	name               string
}

func NewGenericOAuthService(config config.OAuthServiceConfig, timeout time.Duration) *GenericOAuthService {
	return &GenericOAuthService{
		config: oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       config.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  config.AuthURL,
				TokenURL: config.TokenURL,
			},
		},
		timeout:            timeout,
		insecureSkipVerify: config.InsecureSkipVerify,
		userinfoURL:        config.UserinfoURL,
		name:               config.Name,
	}
}

func (generic *GenericOAuthService) Init() error {
	if generic.config.Endpoint.AuthURL == "" || generic.config.Endpoint.TokenURL == "" || generic.userinfoURL == "" {
		return errors.New("auth, token and userinfo urls are required for generic oauth providers")
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: generic.insecureSkipVerify,
			MinVersion:         tls.VersionTLS12,
		},
	}

	generic.httpClient = &http.Client{
		Transport: transport,
		Timeout:   generic.timeout,
	}

	return nil
}

func (generic *GenericOAuthService) GetAuthURL(state string, verifier string) string {
	return generic.config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.S256ChallengeOption(verifier))
}

func (generic *GenericOAuthService) VerifyCode(ctx context.Context, code string, verifier string) (*oauth2.Token, error) {
	return generic.config.Exchange(oauthContext(ctx, generic.httpClient), code, oauth2.VerifierOption(verifier))
}

func (generic *GenericOAuthService) Userinfo(ctx context.Context, token *oauth2.Token) (config.Claims, error) {
	var user config.Claims

	client := generic.config.Client(oauthContext(ctx, generic.httpClient), token)

	if err := getJSON(client, generic.userinfoURL, "application/json", &user); err != nil {
		return config.Claims{}, err
	}

	return user, nil
}

func (generic *GenericOAuthService) GetName() string {
	return generic.name
}
