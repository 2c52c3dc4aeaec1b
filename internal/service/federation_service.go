package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/idbroker/idbroker/internal/config"
	"github.com/idbroker/idbroker/internal/metrics"
	"github.com/idbroker/idbroker/internal/repository"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// FederatedLogin is a successful login at an upstream identity source
type FederatedLogin struct {
	Provider       string
	ProviderUserID string
	Profile        IdentityProfile
	AccessToken    string
	IP             string
}

type FederationServiceConfig struct {
	Now func() time.Time
}

type FederationService struct {
	config   FederationServiceConfig
	queries  *repository.Queries
	identity *IdentityService
	now      func() time.Time
}

func NewFederationService(config FederationServiceConfig, queries *repository.Queries, identity *IdentityService) *FederationService {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &FederationService{
		config:   config,
		queries:  queries,
		identity: identity,
		now:      now,
	}
}

// CompleteLogin resolves the local user behind an upstream login. An existing
// connection wins, then the national id, then the email. The connection is
// upserted with a snapshot of the upstream profile.
func (federation *FederationService) CompleteLogin(ctx context.Context, organizationID string, login FederatedLogin) (repository.User, bool, error) {
	if login.Provider == "" || login.ProviderUserID == "" {
		return repository.User{}, false, fmt.Errorf("%w: provider and provider user id are required", ErrValidation)
	}

	user, created, err := federation.resolve(ctx, organizationID, login)
	if err != nil {
		metrics.Logins.WithLabelValues(login.Provider, "failure").Inc()
		return repository.User{}, false, err
	}

	snapshot, err := json.Marshal(login.Profile)
	if err != nil {
		return repository.User{}, false, err
	}

	now := federation.now().Unix()

	_, err = federation.queries.UpsertFederatedConnection(ctx, repository.UpsertFederatedConnectionParams{
		ID:             uuid.New().String(),
		UserID:         user.ID,
		Provider:       login.Provider,
		ProviderUserID: login.ProviderUserID,
		Profile:        string(snapshot),
		AccessToken:    login.AccessToken,
		CreatedAt:      now,
		UpdatedAt:      now,
	})

	if repository.IsUniqueViolation(err) {
		metrics.Logins.WithLabelValues(login.Provider, "failure").Inc()
		return repository.User{}, false, fmt.Errorf("%w: upstream account is linked to another user", ErrConflict)
	}

	if err != nil {
		return repository.User{}, false, fmt.Errorf("failed to store federated connection: %w", err)
	}

	if err := federation.identity.RecordLoginSuccess(ctx, user, login.IP, login.Provider); err != nil {
		return repository.User{}, false, err
	}

	metrics.Logins.WithLabelValues(login.Provider, "success").Inc()
	log.Debug().Str("provider", login.Provider).Str("user_id", user.ID).Bool("created", created).Msg("Completed federated login")

	return user, created, nil
}

func (federation *FederationService) resolve(ctx context.Context, organizationID string, login FederatedLogin) (repository.User, bool, error) {
	connection, err := federation.queries.GetFederatedConnection(ctx, repository.GetFederatedConnectionParams{
		Provider:       login.Provider,
		ProviderUserID: login.ProviderUserID,
	})

	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return repository.User{}, false, fmt.Errorf("failed to look up federated connection: %w", err)
	}

	if err == nil {
		user, err := federation.identity.GetUser(ctx, connection.UserID)
		if err != nil {
			return repository.User{}, false, err
		}
		if user.OrganizationID != organizationID {
			return repository.User{}, false, fmt.Errorf("%w: upstream account belongs to another organization", ErrConflict)
		}
		user, err = federation.identity.UpdateProfile(ctx, user, login.Profile)
		return user, false, err
	}

	return federation.identity.FindOrCreate(ctx, organizationID, login.Profile)
}

func (federation *FederationService) ListConnections(ctx context.Context, userID string) ([]repository.FederatedConnection, error) {
	connections, err := federation.queries.ListUserFederatedConnections(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list federated connections: %w", err)
	}
	return connections, nil
}

// ProfileFromClaims maps upstream OAuth claims. Social providers only hand
// out addresses they have verified.
func ProfileFromClaims(claims config.Claims) IdentityProfile {
	return IdentityProfile{
		Email:         claims.Email,
		EmailVerified: claims.Email != "",
		Name:          firstNonEmpty(claims.Name, claims.PreferredUsername),
		GivenName:     claims.GivenName,
		FamilyName:    claims.FamilyName,
		Picture:       claims.Picture,
	}
}
