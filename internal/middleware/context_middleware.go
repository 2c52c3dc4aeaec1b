package middleware

import (
	"errors"

	"github.com/idbroker/idbroker/internal/config"
	"github.com/idbroker/idbroker/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type ContextMiddleware struct {
	auth     *service.AuthService
	identity *service.IdentityService
}

func NewContextMiddleware(auth *service.AuthService, identity *service.IdentityService) *ContextMiddleware {
	return &ContextMiddleware{
		auth:     auth,
		identity: identity,
	}
}

func (m *ContextMiddleware) Init() error {
	return nil
}

// Middleware resolves the session cookie into a config.UserContext stored
// under "context". Requests without a usable session carry no context.
func (m *ContextMiddleware) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := m.auth.GetSessionCookie(c)

		if err != nil || sessionID == "" {
			c.Next()
			return
		}

		session, err := m.auth.GetSession(c.Request.Context(), sessionID)

		if err != nil {
			if !errors.Is(err, service.ErrNotFound) && !errors.Is(err, service.ErrExpired) {
				log.Error().Err(err).Msg("Failed to load session")
			}
			m.auth.DeleteSessionCookie(c)
			c.Next()
			return
		}

		user, err := m.identity.GetUser(c.Request.Context(), session.UserID)

		if err != nil {
			log.Warn().Err(err).Str("session", session.ID).Msg("Session user is gone, dropping session")
			if err := m.auth.DeleteSession(c.Request.Context(), session.ID); err != nil {
				log.Error().Err(err).Msg("Failed to delete orphaned session")
			}
			m.auth.DeleteSessionCookie(c)
			c.Next()
			return
		}

		c.Set("context", &config.UserContext{
			SessionID:      session.ID,
			UserID:         user.ID,
			OrganizationID: session.OrganizationID,
			Email:          user.Email.String,
			Name:           user.Name,
			Provider:       session.Provider,
			IsLoggedIn:     !session.TotpPending,
			TotpPending:    session.TotpPending,
			TotpEnabled:    user.TotpSecret != "",
		})

		c.Next()
	}
}
