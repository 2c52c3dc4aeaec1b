package tlog

import "github.com/gin-gonic/gin"

func AuditLoginSuccess(c *gin.Context, userID, provider string) {
	Audit.Info().
		Str("event", "login").
		Str("result", "success").
		Str("user_id", userID).
		Str("provider", provider).
		Str("ip", c.ClientIP()).
		Send()
}

func AuditLoginFailure(c *gin.Context, identifier, provider, reason string) {
	Audit.Warn().
		Str("event", "login").
		Str("result", "failure").
		Str("identifier", identifier).
		Str("provider", provider).
		Str("reason", reason).
		Str("ip", c.ClientIP()).
		Send()
}

func AuditLogout(c *gin.Context, userID, provider string) {
	Audit.Info().
		Str("event", "logout").
		Str("result", "success").
		Str("user_id", userID).
		Str("provider", provider).
		Str("ip", c.ClientIP()).
		Send()
}

func AuditCodeIssued(c *gin.Context, userID, clientID, scope string) {
	Audit.Info().
		Str("event", "authorization_code").
		Str("result", "issued").
		Str("user_id", userID).
		Str("client_id", clientID).
		Str("scope", scope).
		Str("ip", c.ClientIP()).
		Send()
}

func AuditTokenIssued(c *gin.Context, userID, clientID, grantType string) {
	Audit.Info().
		Str("event", "token").
		Str("result", "issued").
		Str("user_id", userID).
		Str("client_id", clientID).
		Str("grant_type", grantType).
		Str("ip", c.ClientIP()).
		Send()
}

func AuditTokenDenied(c *gin.Context, clientID, grantType, reason string) {
	Audit.Warn().
		Str("event", "token").
		Str("result", "denied").
		Str("client_id", clientID).
		Str("grant_type", grantType).
		Str("reason", reason).
		Str("ip", c.ClientIP()).
		Send()
}

func AuditTokenRevoked(c *gin.Context, clientID, kind string) {
	Audit.Info().
		Str("event", "revoke").
		Str("result", "success").
		Str("client_id", clientID).
		Str("token_kind", kind).
		Str("ip", c.ClientIP()).
		Send()
}

func AuditWebhookExhausted(clientID, event, deliveryID string, attempts int) {
	Audit.Warn().
		Str("event", "webhook").
		Str("result", "exhausted").
		Str("client_id", clientID).
		Str("webhook_event", event).
		Str("delivery_id", deliveryID).
		Int("attempts", attempts).
		Send()
}
