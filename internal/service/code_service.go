package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/idbroker/idbroker/internal/repository"
	"github.com/idbroker/idbroker/internal/utils"
)

const codeBytes = 32

type CodeServiceConfig struct {
	CodeExpiry int
	Now        func() time.Time
}

type CodeService struct {
	config  CodeServiceConfig
	queries *repository.Queries
	now     func() time.Time
}

func NewCodeService(config CodeServiceConfig, queries *repository.Queries) *CodeService {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &CodeService{
		config:  config,
		queries: queries,
		now:     now,
	}
}

func (codes *CodeService) Issue(ctx context.Context, userID string, clientID string, redirectURI string, scope []string) (string, error) {
	code, err := utils.GenerateToken(codeBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate authorization code: %w", err)
	}

	now := codes.now()

	err = codes.queries.CreateAuthorizationCode(ctx, repository.CreateAuthorizationCodeParams{
		Code:        code,
		UserID:      userID,
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Scope:       utils.JoinScopes(scope),
		ExpiresAt:   now.Add(time.Duration(codes.config.CodeExpiry) * time.Second).Unix(),
		CreatedAt:   now.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store authorization code: %w", err)
	}

	return code, nil
}

// Consume removes the code in the same statement that checks its bindings,
// so of several concurrent callers at most one gets the row back. A caller
// with the wrong client or redirect URI does not burn the code.
func (codes *CodeService) Consume(ctx context.Context, code string, clientID string, redirectURI string) (repository.AuthorizationCode, error) {
	now := codes.now().Unix()

	consumed, err := codes.queries.ConsumeAuthorizationCode(ctx, repository.ConsumeAuthorizationCodeParams{
		Code:        code,
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Now:         now,
	})

	if err == nil {
		return consumed, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		return repository.AuthorizationCode{}, fmt.Errorf("failed to consume authorization code: %w", err)
	}

	return repository.AuthorizationCode{}, codes.diagnose(ctx, code, clientID, redirectURI, now)
}

func (codes *CodeService) diagnose(ctx context.Context, code string, clientID string, redirectURI string, now int64) error {
	existing, err := codes.queries.GetAuthorizationCode(ctx, code)

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: authorization code", ErrNotFound)
	}

	if err != nil {
		return fmt.Errorf("failed to get authorization code: %w", err)
	}

	switch {
	case existing.ExpiresAt <= now:
		if err := codes.queries.DeleteAuthorizationCode(ctx, code); err != nil {
			return fmt.Errorf("failed to delete expired authorization code: %w", err)
		}
		return fmt.Errorf("%w: authorization code", ErrExpired)
	case existing.ClientID != clientID:
		return fmt.Errorf("%w: authorization code issued to another client", ErrClientMismatch)
	case existing.RedirectURI != redirectURI:
		return fmt.Errorf("%w: authorization code bound to another redirect uri", ErrRedirectMismatch)
	default:
		// the row matched but another caller deleted it first
		return fmt.Errorf("%w: authorization code", ErrNotFound)
	}
}

func (codes *CodeService) DeleteExpired(ctx context.Context) (int64, error) {
	return codes.queries.DeleteExpiredAuthorizationCodes(ctx, codes.now().Unix())
}
