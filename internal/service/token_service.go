package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/idbroker/idbroker/internal/cache"
	"github.com/idbroker/idbroker/internal/metrics"
	"github.com/idbroker/idbroker/internal/repository"
	"github.com/idbroker/idbroker/internal/utils"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	refreshTokenBytes        = 32
	defaultAccessTokenExpiry = 3600
	denylistPrefix           = "denylist:"
)

const (
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeSession           = "session"
)

const (
	TokenKindAccess  = "access_token"
	TokenKindRefresh = "refresh_token"
)

type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope"`
	UserID       string `json:"-"`
}

type TokenServiceConfig struct {
	RefreshTokenExpiry int
	Denylist           bool
	Now                func() time.Time
}

type TokenService struct {
	config   TokenServiceConfig
	queries  *repository.Queries
	signing  *SigningService
	codes    *CodeService
	clients  *ClientService
	identity *IdentityService
	webhooks *WebhookService
	cache    cache.Store
	now      func() time.Time
}

func NewTokenService(config TokenServiceConfig, queries *repository.Queries, signing *SigningService, codes *CodeService, clients *ClientService, identity *IdentityService, webhooks *WebhookService, store cache.Store) *TokenService {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &TokenService{
		config:   config,
		queries:  queries,
		signing:  signing,
		codes:    codes,
		clients:  clients,
		identity: identity,
		webhooks: webhooks,
		cache:    store,
		now:      now,
	}
}

func (tokens *TokenService) IssueAccessToken(userID string, organizationID string, clientID string, scope []string, ttl int64) (string, error) {
	if ttl <= 0 {
		ttl = defaultAccessTokenExpiry
	}
	return tokens.signing.Sign(AccessClaims{
		ClientID:         clientID,
		Scope:            utils.JoinScopes(scope),
		OrganizationID:   organizationID,
		RegisteredClaims: jwt.RegisteredClaims{Subject: userID},
	}, time.Duration(ttl)*time.Second)
}

func (tokens *TokenService) IssueRefreshToken(ctx context.Context, userID string, clientID string, scope []string) (string, error) {
	value, err := utils.GenerateToken(refreshTokenBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate refresh token: %w", err)
	}

	now := tokens.now()

	_, err = tokens.queries.CreateRefreshToken(ctx, repository.CreateRefreshTokenParams{
		ID:        uuid.NewString(),
		Token:     value,
		UserID:    userID,
		ClientID:  clientID,
		Scope:     utils.JoinScopes(scope),
		ExpiresAt: now.Add(time.Duration(tokens.config.RefreshTokenExpiry) * time.Second).Unix(),
		CreatedAt: now.Unix(),
		UpdatedAt: now.Unix(),
	})
	if err != nil {
		return "", fmt.Errorf("failed to store refresh token: %w", err)
	}

	return value, nil
}

func (tokens *TokenService) grant(ctx context.Context, client repository.Client, user repository.User, scope []string, withRefresh bool) (TokenResponse, error) {
	ttl := client.AccessTokenTtl
	if ttl <= 0 {
		ttl = defaultAccessTokenExpiry
	}

	accessToken, err := tokens.IssueAccessToken(user.ID, user.OrganizationID, client.ClientID, scope, ttl)
	if err != nil {
		return TokenResponse{}, err
	}

	res := TokenResponse{
		AccessToken: accessToken,
		TokenType:   "Bearer",
		ExpiresIn:   ttl,
		Scope:       utils.JoinScopes(scope),
		UserID:      user.ID,
	}

	if withRefresh {
		res.RefreshToken, err = tokens.IssueRefreshToken(ctx, user.ID, client.ClientID, scope)
		if err != nil {
			return TokenResponse{}, err
		}
	}

	return res, nil
}

func (tokens *TokenService) ExchangeCode(ctx context.Context, code string, clientID string, clientSecret string, redirectURI string) (TokenResponse, error) {
	client, err := tokens.clients.Authenticate(ctx, clientID, clientSecret)
	if err != nil {
		return TokenResponse{}, err
	}

	if code == "" {
		return TokenResponse{}, fmt.Errorf("%w: code is required", ErrValidation)
	}

	consumed, err := tokens.codes.Consume(ctx, code, client.ClientID, redirectURI)
	if err != nil {
		return TokenResponse{}, err
	}

	user, err := tokens.identity.GetUser(ctx, consumed.UserID)
	if err != nil {
		return TokenResponse{}, err
	}

	scope := utils.SplitScopes(consumed.Scope)

	res, err := tokens.grant(ctx, client, user, scope, client.RefreshEnabled)
	if err != nil {
		return TokenResponse{}, err
	}

	metrics.TokensIssued.WithLabelValues(GrantTypeAuthorizationCode).Inc()

	tokens.webhooks.Emit(client, WebhookEvent{
		Event:  EventTokenIssued,
		UserID: user.ID,
		Scope:  res.Scope,
		Fields: map[string]any{"grant_type": GrantTypeAuthorizationCode},
	})

	return res, nil
}

// Refresh rotates the refresh token and mints a new access token. The
// rotation is one conditional update, two callers presenting the same value
// cannot both succeed.
func (tokens *TokenService) Refresh(ctx context.Context, refreshToken string, clientID string, clientSecret string, requestedScope string) (TokenResponse, error) {
	client, err := tokens.clients.Authenticate(ctx, clientID, clientSecret)
	if err != nil {
		return TokenResponse{}, err
	}

	if refreshToken == "" {
		return TokenResponse{}, fmt.Errorf("%w: refresh_token is required", ErrValidation)
	}

	var narrowed []string
	if requestedScope != "" {
		narrowed, err = tokens.narrowScope(ctx, refreshToken, client.ClientID, requestedScope)
		if err != nil {
			return TokenResponse{}, err
		}
	}

	newValue, err := utils.GenerateToken(refreshTokenBytes)
	if err != nil {
		return TokenResponse{}, fmt.Errorf("failed to generate refresh token: %w", err)
	}

	now := tokens.now().Unix()

	rotated, err := tokens.queries.RotateRefreshToken(ctx, repository.RotateRefreshTokenParams{
		NewToken:  newValue,
		UpdatedAt: now,
		OldToken:  refreshToken,
		ClientID:  client.ClientID,
		Now:       now,
	})

	if errors.Is(err, sql.ErrNoRows) {
		return TokenResponse{}, tokens.diagnoseRefresh(ctx, refreshToken, client.ClientID, now)
	}

	if err != nil {
		return TokenResponse{}, fmt.Errorf("failed to rotate refresh token: %w", err)
	}

	user, err := tokens.identity.GetUser(ctx, rotated.UserID)
	if err != nil {
		return TokenResponse{}, err
	}

	scope := utils.SplitScopes(rotated.Scope)
	if narrowed != nil {
		scope = narrowed
	}

	res, err := tokens.grant(ctx, client, user, scope, false)
	if err != nil {
		return TokenResponse{}, err
	}
	res.RefreshToken = rotated.Token

	metrics.TokensIssued.WithLabelValues(GrantTypeRefreshToken).Inc()

	tokens.webhooks.Emit(client, WebhookEvent{
		Event:  EventTokenRefreshed,
		UserID: user.ID,
		Scope:  res.Scope,
		Fields: map[string]any{"grant_type": GrantTypeRefreshToken},
	})

	return res, nil
}

// narrowScope checks a requested scope against the scope originally granted
// to the refresh token. Only the access token is narrowed.
func (tokens *TokenService) narrowScope(ctx context.Context, refreshToken string, clientID string, requested string) ([]string, error) {
	existing, err := tokens.queries.GetRefreshToken(ctx, refreshToken)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: refresh token", ErrInvalidToken)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}

	// another client learns nothing about the token
	if existing.ClientID != clientID || existing.Revoked {
		return nil, fmt.Errorf("%w: refresh token", ErrInvalidToken)
	}

	granted := utils.SplitScopes(existing.Scope)
	scopes := utils.SplitScopes(requested)

	for _, scope := range scopes {
		if !slices.Contains(granted, scope) {
			return nil, fmt.Errorf("%w: scope %s exceeds the original grant", ErrValidation, scope)
		}
	}

	return scopes, nil
}

func (tokens *TokenService) diagnoseRefresh(ctx context.Context, refreshToken string, clientID string, now int64) error {
	existing, err := tokens.queries.GetRefreshToken(ctx, refreshToken)

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: refresh token", ErrInvalidToken)
	}

	if err != nil {
		return fmt.Errorf("failed to get refresh token: %w", err)
	}

	switch {
	case existing.Revoked:
		return fmt.Errorf("%w: refresh token revoked", ErrInvalidToken)
	case existing.ExpiresAt <= now:
		if err := tokens.queries.DeleteRefreshToken(ctx, refreshToken); err != nil {
			return fmt.Errorf("failed to delete expired refresh token: %w", err)
		}
		return fmt.Errorf("%w: refresh token", ErrExpired)
	case existing.ClientID != clientID:
		return fmt.Errorf("%w: refresh token issued to another client", ErrClientMismatch)
	default:
		return fmt.Errorf("%w: refresh token", ErrInvalidToken)
	}
}

// Revoke invalidates a token owned by the authenticated client and reports
// which kind it was. Unknown tokens are not an error.
func (tokens *TokenService) Revoke(ctx context.Context, token string, hint string, clientID string, clientSecret string) (string, error) {
	client, err := tokens.clients.Authenticate(ctx, clientID, clientSecret)
	if err != nil {
		return "", err
	}

	if token == "" {
		return "", nil
	}

	attempts := []func(context.Context, string, string) (bool, error){tokens.revokeAccessToken, tokens.revokeRefreshToken}
	kinds := []string{TokenKindAccess, TokenKindRefresh}

	if hint == TokenKindRefresh {
		slices.Reverse(attempts)
		slices.Reverse(kinds)
	}

	for i, revoke := range attempts {
		ok, err := revoke(ctx, token, client.ClientID)
		if err != nil {
			return "", err
		}
		if ok {
			return kinds[i], nil
		}
	}

	return "", nil
}

func (tokens *TokenService) revokeAccessToken(ctx context.Context, token string, clientID string) (bool, error) {
	claims, err := tokens.signing.Verify(token)
	if err != nil || claims.ClientID != clientID {
		return false, nil
	}

	if !tokens.config.Denylist {
		log.Debug().Str("client_id", clientID).Msg("Access token revocation requested but the denylist is disabled")
		return true, nil
	}

	ttl := claims.ExpiresAt.Sub(tokens.now())
	if ttl <= 0 {
		return true, nil
	}

	// leeway keeps the entry around as long as verification would accept the token
	ttl += time.Duration(tokens.signing.config.Leeway) * time.Second

	if err := tokens.cache.Set(ctx, denylistPrefix+claims.ID, []byte(claims.Subject), ttl); err != nil {
		return false, fmt.Errorf("failed to denylist access token: %w", err)
	}

	return true, nil
}

func (tokens *TokenService) revokeRefreshToken(ctx context.Context, token string, clientID string) (bool, error) {
	deleted, err := tokens.queries.DeleteClientRefreshToken(ctx, repository.DeleteClientRefreshTokenParams{
		Token:    token,
		ClientID: clientID,
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete refresh token: %w", err)
	}
	return deleted > 0, nil
}

func (tokens *TokenService) VerifyAccessToken(ctx context.Context, accessToken string) (*AccessClaims, error) {
	claims, err := tokens.signing.Verify(accessToken)
	if err != nil {
		return nil, err
	}

	if tokens.config.Denylist {
		revoked, err := tokens.cache.Exists(ctx, denylistPrefix+claims.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to check token denylist: %w", err)
		}
		if revoked {
			return nil, fmt.Errorf("%w: token revoked", ErrInvalidToken)
		}
	}

	return claims, nil
}

func (tokens *TokenService) GetUserInfo(ctx context.Context, accessToken string) (UserInfo, error) {
	claims, err := tokens.VerifyAccessToken(ctx, accessToken)
	if err != nil {
		return UserInfo{}, err
	}

	user, err := tokens.identity.GetUser(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return UserInfo{}, fmt.Errorf("%w: subject no longer exists", ErrInvalidToken)
	}
	if err != nil {
		return UserInfo{}, err
	}

	org, err := tokens.queries.GetOrganization(ctx, user.OrganizationID)
	if err != nil {
		return UserInfo{}, notFound(err, "organization")
	}

	return tokens.identity.UserInfo(user, org.Slug), nil
}

// IssueSessionToken mints tokens for a user who logged in through a bridge
// (SAML, federation) rather than the authorization code flow
func (tokens *TokenService) IssueSessionToken(ctx context.Context, user repository.User, clientID string) (TokenResponse, error) {
	client, err := tokens.clients.GetClient(ctx, clientID)
	if err != nil {
		return TokenResponse{}, err
	}

	if !IsClientActive(client) {
		return TokenResponse{}, fmt.Errorf("%w: client is disabled", ErrUnauthorized)
	}

	if client.OrganizationID != user.OrganizationID {
		return TokenResponse{}, fmt.Errorf("%w: client belongs to another organization", ErrUnauthorized)
	}

	scope := utils.SplitScopes(client.Scopes)

	res, err := tokens.grant(ctx, client, user, scope, client.RefreshEnabled)
	if err != nil {
		return TokenResponse{}, err
	}

	metrics.TokensIssued.WithLabelValues(GrantTypeSession).Inc()

	tokens.webhooks.Emit(client, WebhookEvent{
		Event:  EventTokenIssued,
		UserID: user.ID,
		Scope:  res.Scope,
		Fields: map[string]any{"grant_type": GrantTypeSession},
	})

	return res, nil
}

// RevokeUserTokens ends every refresh token chain of a user, used on logout
func (tokens *TokenService) RevokeUserTokens(ctx context.Context, userID string) (int64, error) {
	return tokens.queries.RevokeUserRefreshTokens(ctx, repository.RevokeUserRefreshTokensParams{
		UpdatedAt: tokens.now().Unix(),
		UserID:    userID,
	})
}

func (tokens *TokenService) DeleteExpired(ctx context.Context) (int64, error) {
	return tokens.queries.DeleteExpiredRefreshTokens(ctx, tokens.now().Unix())
}
