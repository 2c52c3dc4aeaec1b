package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/idbroker/idbroker/internal/metrics"
	"github.com/idbroker/idbroker/internal/repository"
	"github.com/idbroker/idbroker/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pquerna/otp/totp"
	"github.com/rs/zerolog/log"
)

const (
	ProviderPassword = "password"
	ProviderSAML     = "saml"
	ProviderEID      = "eid"
)

const totpPendingExpiry = 300

type AuthServiceConfig struct {
	SessionExpiry     int
	SecureCookie      bool
	CookieDomain      string
	SessionCookieName string
	Now               func() time.Time
}

type AuthService struct {
	config   AuthServiceConfig
	queries  *repository.Queries
	identity *IdentityService
	clients  *ClientService
	now      func() time.Time
}

func NewAuthService(config AuthServiceConfig, queries *repository.Queries, identity *IdentityService, clients *ClientService) *AuthService {
	now := config.Now
	if now == nil {
		now = time.Now
	}
	return &AuthService{
		config:   config,
		queries:  queries,
		identity: identity,
		clients:  clients,
		now:      now,
	}
}

func (auth *AuthService) Init() error {
	if auth.config.SessionExpiry <= 0 {
		return errors.New("session expiry must be greater than 0")
	}
	return nil
}

func (auth *AuthService) CreateSession(ctx context.Context, user repository.User, provider string, totpPending bool) (repository.Session, error) {
	expiry := auth.config.SessionExpiry
	if totpPending {
		expiry = totpPendingExpiry
	}

	now := auth.now()

	session, err := auth.queries.CreateSession(ctx, repository.CreateSessionParams{
		ID:             uuid.NewString(),
		UserID:         user.ID,
		OrganizationID: user.OrganizationID,
		Provider:       provider,
		TotpPending:    totpPending,
		ExpiresAt:      now.Add(time.Duration(expiry) * time.Second).Unix(),
		CreatedAt:      now.Unix(),
	})
	if err != nil {
		return repository.Session{}, fmt.Errorf("failed to create session: %w", err)
	}

	return session, nil
}

// GetSession returns a live session. Expired rows are deleted on sight.
func (auth *AuthService) GetSession(ctx context.Context, id string) (repository.Session, error) {
	session, err := auth.queries.GetSession(ctx, id)

	if errors.Is(err, sql.ErrNoRows) {
		return repository.Session{}, fmt.Errorf("%w: session", ErrNotFound)
	}

	if err != nil {
		return repository.Session{}, fmt.Errorf("failed to get session: %w", err)
	}

	if session.ExpiresAt <= auth.now().Unix() {
		if err := auth.queries.DeleteSession(ctx, id); err != nil {
			log.Warn().Err(err).Msg("Failed to delete expired session")
		}
		return repository.Session{}, fmt.Errorf("%w: session", ErrExpired)
	}

	return session, nil
}

func (auth *AuthService) DeleteSession(ctx context.Context, id string) error {
	return auth.queries.DeleteSession(ctx, id)
}

func (auth *AuthService) EndUserSessions(ctx context.Context, userID string) error {
	return auth.queries.DeleteUserSessions(ctx, userID)
}

func (auth *AuthService) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	return auth.queries.DeleteExpiredSessions(ctx, auth.now().Unix())
}

func (auth *AuthService) cookieDomain() string {
	if auth.config.CookieDomain == "" {
		return ""
	}
	return fmt.Sprintf(".%s", auth.config.CookieDomain)
}

func (auth *AuthService) SetSessionCookie(c *gin.Context, session repository.Session) {
	maxAge := int(session.ExpiresAt - auth.now().Unix())
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.config.SessionCookieName, session.ID, maxAge, "/", auth.cookieDomain(), auth.config.SecureCookie, true)
}

func (auth *AuthService) DeleteSessionCookie(c *gin.Context) {
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.config.SessionCookieName, "", -1, "/", auth.cookieDomain(), auth.config.SecureCookie, true)
}

func (auth *AuthService) GetSessionCookie(c *gin.Context) (string, error) {
	return c.Cookie(auth.config.SessionCookieName)
}

// Login verifies an email and password within an organization. Users with a
// TOTP secret get a pending session that VerifyTotp upgrades.
func (auth *AuthService) Login(ctx context.Context, organization string, email string, password string, ip string) (repository.Session, repository.User, error) {
	org, err := auth.clients.GetOrganization(ctx, organization)
	if errors.Is(err, ErrNotFound) {
		return repository.Session{}, repository.User{}, fmt.Errorf("%w: unknown organization", ErrUnauthorized)
	}
	if err != nil {
		return repository.Session{}, repository.User{}, err
	}

	user, err := auth.identity.FindByEmail(ctx, org.ID, email)
	if errors.Is(err, ErrNotFound) {
		metrics.Logins.WithLabelValues(ProviderPassword, "failure").Inc()
		return repository.Session{}, repository.User{}, fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
	}
	if err != nil {
		return repository.Session{}, repository.User{}, err
	}

	if err := auth.identity.CheckLockout(user); err != nil {
		return repository.Session{}, user, err
	}

	if user.PasswordHash == "" || !utils.VerifySecret(password, user.PasswordHash) {
		metrics.Logins.WithLabelValues(ProviderPassword, "failure").Inc()
		if err := auth.identity.RecordLoginFailure(ctx, user); err != nil {
			return repository.Session{}, user, err
		}
		return repository.Session{}, user, fmt.Errorf("%w: invalid credentials", ErrUnauthorized)
	}

	if user.TotpSecret != "" {
		log.Debug().Str("user_id", user.ID).Msg("User has TOTP enabled, requiring TOTP verification")
		session, err := auth.CreateSession(ctx, user, ProviderPassword, true)
		return session, user, err
	}

	if err := auth.identity.RecordLoginSuccess(ctx, user, ip, ProviderPassword); err != nil {
		return repository.Session{}, user, err
	}

	metrics.Logins.WithLabelValues(ProviderPassword, "success").Inc()

	session, err := auth.CreateSession(ctx, user, ProviderPassword, false)
	return session, user, err
}

func (auth *AuthService) VerifyTotp(ctx context.Context, pending repository.Session, code string, ip string) (repository.Session, repository.User, error) {
	if !pending.TotpPending {
		return repository.Session{}, repository.User{}, fmt.Errorf("%w: no pending totp verification", ErrUnauthorized)
	}

	user, err := auth.identity.GetUser(ctx, pending.UserID)
	if err != nil {
		return repository.Session{}, repository.User{}, err
	}

	if err := auth.identity.CheckLockout(user); err != nil {
		return repository.Session{}, user, err
	}

	if !totp.Validate(code, user.TotpSecret) {
		metrics.Logins.WithLabelValues(pending.Provider, "failure").Inc()
		if err := auth.identity.RecordLoginFailure(ctx, user); err != nil {
			return repository.Session{}, user, err
		}
		return repository.Session{}, user, fmt.Errorf("%w: invalid totp code", ErrUnauthorized)
	}

	if err := auth.DeleteSession(ctx, pending.ID); err != nil {
		return repository.Session{}, user, fmt.Errorf("failed to delete pending session: %w", err)
	}

	if err := auth.identity.RecordLoginSuccess(ctx, user, ip, pending.Provider); err != nil {
		return repository.Session{}, user, err
	}

	metrics.Logins.WithLabelValues(pending.Provider, "success").Inc()

	session, err := auth.CreateSession(ctx, user, pending.Provider, false)
	return session, user, err
}
