package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/idbroker/idbroker/internal/config"
	"github.com/idbroker/idbroker/internal/repository"
	"github.com/idbroker/idbroker/internal/utils"

	"github.com/rs/zerolog/log"
)

const DefaultOrganization = "default"

var DefaultClientScopes = []string{"openid", "profile", "email"}

const (
	ClientStatusActive   = "active"
	ClientStatusDisabled = "disabled"
)

type ClientServiceConfig struct {
	Organizations     map[string]config.OrganizationConfig
	Clients           map[string]config.ClientConfig
	AccessTokenExpiry int
	BcryptCost        int
}

type ClientService struct {
	config  ClientServiceConfig
	queries *repository.Queries
}

func NewClientService(config ClientServiceConfig, queries *repository.Queries) *ClientService {
	return &ClientService{
		config:  config,
		queries: queries,
	}
}

func (clients *ClientService) Init() error {
	ctx := context.Background()

	orgs, err := clients.syncOrganizations(ctx)
	if err != nil {
		return err
	}

	return clients.syncClients(ctx, orgs)
}

func (clients *ClientService) syncOrganizations(ctx context.Context) (map[string]repository.Organization, error) {
	slugs := map[string]string{DefaultOrganization: "Default"}

	for slug, cfg := range clients.config.Organizations {
		name := cfg.Name
		if name == "" {
			name = utils.Capitalize(slug)
		}
		slugs[slug] = name
	}

	orgs := make(map[string]repository.Organization, len(slugs))
	now := time.Now().Unix()

	for slug, name := range slugs {
		org, err := clients.queries.UpsertOrganization(ctx, repository.UpsertOrganizationParams{
			ID:        utils.GenerateUUID("organization:" + slug),
			Slug:      slug,
			Name:      name,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to sync organization %s: %w", slug, err)
		}
		orgs[slug] = org
	}

	log.Debug().Int("count", len(orgs)).Msg("Synced organizations from config")
	return orgs, nil
}

func (clients *ClientService) syncClients(ctx context.Context, orgs map[string]repository.Organization) error {
	configured := make(map[string]bool, len(clients.config.Clients))

	for name, cfg := range clients.config.Clients {
		clientID := cfg.ClientID
		if clientID == "" {
			clientID = name
		}

		secret := utils.GetSecret(cfg.ClientSecret, cfg.ClientSecretFile)
		if secret == "" {
			log.Warn().Str("client_id", clientID).Msg("Client secret is empty, skipping client")
			continue
		}

		if cfg.RedirectURI == "" {
			log.Warn().Str("client_id", clientID).Msg("No redirect URI configured for client, skipping client")
			continue
		}

		orgSlug := cfg.Organization
		if orgSlug == "" {
			orgSlug = DefaultOrganization
		}

		org, ok := orgs[orgSlug]
		if !ok {
			return fmt.Errorf("client %s references unknown organization %s", clientID, orgSlug)
		}

		// entries may themselves be space delimited
		scopes := utils.SplitScopes(utils.JoinScopes(cfg.Scopes))
		if len(scopes) == 0 {
			scopes = DefaultClientScopes
		}

		ttl := cfg.AccessTokenExpiry
		if ttl <= 0 {
			ttl = clients.config.AccessTokenExpiry
		}

		status := ClientStatusActive
		if cfg.Disabled {
			status = ClientStatusDisabled
		}

		hash, err := clients.secretHash(ctx, clientID, secret)
		if err != nil {
			return err
		}

		displayName := cfg.Name
		if displayName == "" {
			displayName = name
		}

		now := time.Now().Unix()

		_, err = clients.queries.UpsertClient(ctx, repository.UpsertClientParams{
			ClientID:         clientID,
			ClientSecretHash: hash,
			Name:             displayName,
			OrganizationID:   org.ID,
			RedirectURI:      cfg.RedirectURI,
			Scopes:           utils.JoinScopes(scopes),
			Status:           status,
			AccessTokenTtl:   int64(ttl),
			RefreshEnabled:   !cfg.DisableRefreshTokens,
			WebhookURL:       cfg.WebhookURL,
			WebhookSecret:    utils.GetSecret(cfg.WebhookSecret, cfg.WebhookSecretFile),
			CreatedAt:        now,
			UpdatedAt:        now,
		})
		if err != nil {
			return fmt.Errorf("failed to sync client %s: %w", clientID, err)
		}

		configured[clientID] = true
		log.Info().Str("client_id", clientID).Str("organization", orgSlug).Msg("Synced client from config")
	}

	existing, err := clients.queries.ListClients(ctx)
	if err != nil {
		return fmt.Errorf("failed to list clients: %w", err)
	}

	for _, client := range existing {
		if configured[client.ClientID] {
			continue
		}
		if err := clients.queries.DeleteClient(ctx, client.ClientID); err != nil {
			return fmt.Errorf("failed to delete client %s: %w", client.ClientID, err)
		}
		log.Info().Str("client_id", client.ClientID).Msg("Deleted client no longer present in config")
	}

	return nil
}

// secretHash keeps the stored hash when it still matches so restarts do not
// pay the bcrypt cost for every client
func (clients *ClientService) secretHash(ctx context.Context, clientID string, secret string) (string, error) {
	existing, err := clients.queries.GetClient(ctx, clientID)
	if err == nil && utils.VerifySecret(secret, existing.ClientSecretHash) {
		return existing.ClientSecretHash, nil
	}
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to look up client %s: %w", clientID, err)
	}

	hash, err := utils.HashSecret(secret, clients.config.BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret of client %s: %w", clientID, err)
	}
	return hash, nil
}

func (clients *ClientService) GetOrganization(ctx context.Context, slug string) (repository.Organization, error) {
	if slug == "" {
		slug = DefaultOrganization
	}
	org, err := clients.queries.GetOrganizationBySlug(ctx, slug)
	if errors.Is(err, sql.ErrNoRows) {
		return repository.Organization{}, fmt.Errorf("%w: organization %s", ErrNotFound, slug)
	}
	return org, err
}

func (clients *ClientService) GetClient(ctx context.Context, clientID string) (repository.Client, error) {
	client, err := clients.queries.GetClient(ctx, clientID)
	if errors.Is(err, sql.ErrNoRows) {
		return repository.Client{}, fmt.Errorf("%w: client %s", ErrNotFound, clientID)
	}
	if err != nil {
		return repository.Client{}, fmt.Errorf("failed to get client: %w", err)
	}
	return client, nil
}

// Authenticate checks the client secret in constant time. Unknown clients,
// wrong secrets and disabled clients all return ErrUnauthorized.
func (clients *ClientService) Authenticate(ctx context.Context, clientID string, secret string) (repository.Client, error) {
	if clientID == "" || secret == "" {
		return repository.Client{}, fmt.Errorf("%w: missing client credentials", ErrUnauthorized)
	}

	client, err := clients.GetClient(ctx, clientID)
	if errors.Is(err, ErrNotFound) {
		return repository.Client{}, fmt.Errorf("%w: unknown client", ErrUnauthorized)
	}
	if err != nil {
		return repository.Client{}, err
	}

	if !utils.VerifySecret(secret, client.ClientSecretHash) {
		return repository.Client{}, fmt.Errorf("%w: invalid client secret", ErrUnauthorized)
	}

	if !IsClientActive(client) {
		return repository.Client{}, fmt.Errorf("%w: client is disabled", ErrUnauthorized)
	}

	return client, nil
}

func IsClientActive(client repository.Client) bool {
	return client.Status == ClientStatusActive
}

func (clients *ClientService) ValidateRedirectURI(client repository.Client, redirectURI string) bool {
	return redirectURI != "" && client.RedirectURI == redirectURI
}

// ValidateScope returns the granted scope for a request. Every requested
// token must be allowed; an empty request grants everything the client may
// ask for.
func (clients *ClientService) ValidateScope(client repository.Client, requested string) ([]string, error) {
	allowed := utils.SplitScopes(client.Scopes)
	scopes := utils.SplitScopes(requested)

	if len(scopes) == 0 {
		return allowed, nil
	}

	for _, scope := range scopes {
		if !slices.Contains(allowed, scope) {
			return nil, fmt.Errorf("%w: scope %s is not allowed for this client", ErrValidation, scope)
		}
	}

	return scopes, nil
}
