package controller

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/idbroker/idbroker/internal/config"
	"github.com/idbroker/idbroker/internal/metrics"
	"github.com/idbroker/idbroker/internal/service"
	"github.com/idbroker/idbroker/internal/utils"
	"github.com/idbroker/idbroker/internal/utils/tlog"

	"github.com/gin-gonic/gin"
	"github.com/google/go-querystring/query"
	"github.com/rs/zerolog/log"
)

const invalidGrantDescription = "The authorization grant is invalid, expired, revoked or was issued to another client"

type AuthorizeRequest struct {
	ResponseType string `form:"response_type" url:"response_type"`
	ClientID     string `form:"client_id" url:"client_id"`
	RedirectURI  string `form:"redirect_uri" url:"redirect_uri"`
	Scope        string `form:"scope" url:"scope,omitempty"`
	State        string `form:"state" url:"state,omitempty"`
}

type AuthorizeResponse struct {
	Code             string `url:"code,omitempty"`
	Error            string `url:"error,omitempty"`
	ErrorDescription string `url:"error_description,omitempty"`
	State            string `url:"state,omitempty"`
}

type TokenRequest struct {
	GrantType    string `form:"grant_type" json:"grant_type" url:"grant_type"`
	Code         string `form:"code" json:"code" url:"code,omitempty"`
	RefreshToken string `form:"refresh_token" json:"refresh_token" url:"refresh_token,omitempty"`
	RedirectURI  string `form:"redirect_uri" json:"redirect_uri" url:"redirect_uri,omitempty"`
	Scope        string `form:"scope" json:"scope" url:"scope,omitempty"`
	ClientID     string `form:"client_id" json:"client_id" url:"client_id,omitempty"`
	ClientSecret string `form:"client_secret" json:"client_secret" url:"client_secret,omitempty"`
}

type RevokeRequest struct {
	Token         string `form:"token" json:"token" url:"token"`
	TokenTypeHint string `form:"token_type_hint" json:"token_type_hint" url:"token_type_hint,omitempty"`
	ClientID      string `form:"client_id" json:"client_id" url:"client_id,omitempty"`
	ClientSecret  string `form:"client_secret" json:"client_secret" url:"client_secret,omitempty"`
}

type OAuthControllerConfig struct {
	AppURL string
}

type OAuthController struct {
	config   OAuthControllerConfig
	router   *gin.RouterGroup
	clients  *service.ClientService
	codes    *service.CodeService
	tokens   *service.TokenService
	webhooks *service.WebhookService
}

func NewOAuthController(config OAuthControllerConfig, router *gin.RouterGroup, clients *service.ClientService, codes *service.CodeService, tokens *service.TokenService, webhooks *service.WebhookService) *OAuthController {
	return &OAuthController{
		config:   config,
		router:   router,
		clients:  clients,
		codes:    codes,
		tokens:   tokens,
		webhooks: webhooks,
	}
}

func (controller *OAuthController) SetupRoutes() {
	oauthGroup := controller.router.Group("/oauth")
	oauthGroup.GET("/authorize", controller.authorizeHandler)
	oauthGroup.POST("/token", controller.tokenHandler)
	oauthGroup.GET("/userinfo", controller.userinfoHandler)
	oauthGroup.POST("/userinfo", controller.userinfoHandler)
	oauthGroup.POST("/revoke", controller.revokeHandler)
}

func (controller *OAuthController) authorizeHandler(c *gin.Context) {
	var req AuthorizeRequest

	err := c.ShouldBindQuery(&req)
	if err != nil {
		log.Error().Err(err).Msg("Failed to bind authorize query")
		controller.directError(c, http.StatusBadRequest, "invalid_request", "Malformed request")
		return
	}

	// Until the redirect URI is validated every error is answered directly

	if req.ClientID == "" || req.RedirectURI == "" {
		controller.directError(c, http.StatusBadRequest, "invalid_request", "client_id and redirect_uri are required")
		return
	}

	if req.ResponseType != "code" {
		controller.directError(c, http.StatusBadRequest, "unsupported_response_type", "Only the code response type is supported")
		return
	}

	client, err := controller.clients.GetClient(c.Request.Context(), req.ClientID)
	if errors.Is(err, service.ErrNotFound) {
		log.Warn().Str("client_id", req.ClientID).Msg("Authorization request for unknown client")
		controller.directError(c, http.StatusNotFound, "invalid_client", "Unknown client")
		return
	}
	if err != nil {
		log.Error().Err(err).Msg("Failed to get client")
		controller.directError(c, http.StatusInternalServerError, "server_error", "Internal Server Error")
		return
	}

	if !service.IsClientActive(client) {
		log.Warn().Str("client_id", client.ClientID).Msg("Authorization request for disabled client")
		controller.directError(c, http.StatusUnauthorized, "unauthorized_client", "Client is disabled")
		return
	}

	if !controller.clients.ValidateRedirectURI(client, req.RedirectURI) {
		log.Warn().Str("client_id", client.ClientID).Msg("Redirect URI mismatch")
		controller.directError(c, http.StatusBadRequest, "invalid_request", "Invalid redirect_uri")
		return
	}

	scope, err := controller.clients.ValidateScope(client, req.Scope)
	if err != nil {
		log.Warn().Err(err).Str("client_id", client.ClientID).Msg("Rejected requested scope")
		controller.redirectError(c, req, "invalid_scope", "Requested scope is not allowed for this client")
		return
	}

	userContext, err := utils.GetContext(c)
	if err != nil || !userContext.IsLoggedIn {
		controller.redirectToLogin(c)
		return
	}

	if userContext.TotpPending {
		controller.redirectError(c, req, "access_denied", "TOTP verification required")
		return
	}

	if userContext.OrganizationID != client.OrganizationID {
		log.Warn().Str("client_id", client.ClientID).Str("user_id", userContext.UserID).Msg("User and client belong to different organizations")
		controller.redirectError(c, req, "access_denied", "User is not a member of the client organization")
		return
	}

	code, err := controller.codes.Issue(c.Request.Context(), userContext.UserID, client.ClientID, req.RedirectURI, scope)
	if err != nil {
		log.Error().Err(err).Msg("Failed to issue authorization code")
		controller.redirectError(c, req, "server_error", "Internal Server Error")
		return
	}

	granted := utils.JoinScopes(scope)

	metrics.AuthorizationCodesIssued.Inc()
	tlog.AuditCodeIssued(c, userContext.UserID, client.ClientID, granted)

	controller.webhooks.Emit(client, service.WebhookEvent{
		Event:  service.EventAuthorizationGranted,
		UserID: userContext.UserID,
		Scope:  granted,
	})

	controller.redirectBack(c, req.RedirectURI, AuthorizeResponse{
		Code:  code,
		State: req.State,
	})
}

func (controller *OAuthController) tokenHandler(c *gin.Context) {
	var req TokenRequest

	err := c.ShouldBind(&req)
	if err != nil {
		log.Error().Err(err).Msg("Failed to bind token request")
		controller.tokenError(c, http.StatusBadRequest, "invalid_request", "Malformed request")
		return
	}

	clientID, clientSecret, basic := clientCredentials(c, req.ClientID, req.ClientSecret)

	c.Header("Cache-Control", "no-store")
	c.Header("Pragma", "no-cache")

	var res service.TokenResponse

	switch req.GrantType {
	case service.GrantTypeAuthorizationCode:
		res, err = controller.tokens.ExchangeCode(c.Request.Context(), req.Code, clientID, clientSecret, req.RedirectURI)
	case service.GrantTypeRefreshToken:
		res, err = controller.tokens.Refresh(c.Request.Context(), req.RefreshToken, clientID, clientSecret, req.Scope)
	case "":
		controller.tokenError(c, http.StatusBadRequest, "invalid_request", "grant_type is required")
		return
	default:
		tlog.AuditTokenDenied(c, clientID, req.GrantType, "unsupported grant type")
		controller.tokenError(c, http.StatusBadRequest, "unsupported_grant_type", "Unsupported grant_type")
		return
	}

	if err != nil {
		tlog.AuditTokenDenied(c, clientID, req.GrantType, err.Error())

		switch {
		case errors.Is(err, service.ErrUnauthorized):
			if basic {
				c.Header("WWW-Authenticate", `Basic realm="idbroker"`)
			}
			controller.tokenError(c, http.StatusUnauthorized, "invalid_client", "Client authentication failed")
		case errors.Is(err, service.ErrValidation) && req.GrantType == service.GrantTypeRefreshToken && req.Scope != "":
			controller.tokenError(c, http.StatusBadRequest, "invalid_scope", "Requested scope exceeds the original grant")
		case errors.Is(err, service.ErrValidation):
			controller.tokenError(c, http.StatusBadRequest, "invalid_request", "Missing or malformed parameters")
		case service.IsGrantError(err):
			log.Debug().Err(err).Str("client_id", clientID).Msg("Rejected grant")
			controller.tokenError(c, http.StatusBadRequest, "invalid_grant", invalidGrantDescription)
		default:
			log.Error().Err(err).Msg("Failed to issue tokens")
			controller.tokenError(c, http.StatusInternalServerError, "server_error", "Internal Server Error")
		}
		return
	}

	tlog.AuditTokenIssued(c, res.UserID, clientID, req.GrantType)

	c.JSON(http.StatusOK, res)
}

func (controller *OAuthController) userinfoHandler(c *gin.Context) {
	accessToken, ok := bearerToken(c)
	if !ok {
		c.Header("WWW-Authenticate", `Bearer realm="idbroker"`)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":             "invalid_token",
			"error_description": "Missing access token",
		})
		return
	}

	userInfo, err := controller.tokens.GetUserInfo(c.Request.Context(), accessToken)

	if errors.Is(err, service.ErrInvalidToken) || errors.Is(err, service.ErrExpired) {
		log.Debug().Err(err).Msg("Rejected access token")
		c.Header("WWW-Authenticate", `Bearer realm="idbroker", error="invalid_token"`)
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":             "invalid_token",
			"error_description": "Invalid or expired access token",
		})
		return
	}

	if err != nil {
		log.Error().Err(err).Msg("Failed to get user info")
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":             "server_error",
			"error_description": "Internal Server Error",
		})
		return
	}

	c.JSON(http.StatusOK, userInfo)
}

func (controller *OAuthController) revokeHandler(c *gin.Context) {
	var req RevokeRequest

	if err := c.ShouldBind(&req); err != nil {
		log.Warn().Err(err).Msg("Failed to bind revoke request")
		c.JSON(http.StatusOK, gin.H{})
		return
	}

	clientID, clientSecret, _ := clientCredentials(c, req.ClientID, req.ClientSecret)

	kind, err := controller.tokens.Revoke(c.Request.Context(), req.Token, req.TokenTypeHint, clientID, clientSecret)

	switch {
	case errors.Is(err, service.ErrUnauthorized):
		log.Warn().Str("client_id", clientID).Msg("Revocation request with invalid client credentials")
	case err != nil:
		log.Error().Err(err).Msg("Failed to revoke token")
	case kind != "":
		tlog.AuditTokenRevoked(c, clientID, kind)
	}

	c.JSON(http.StatusOK, gin.H{})
}

func (controller *OAuthController) redirectToLogin(c *gin.Context) {
	authorizeURL := fmt.Sprintf("%s%s", controller.config.AppURL, c.Request.URL.Path)
	if c.Request.URL.RawQuery != "" {
		authorizeURL = fmt.Sprintf("%s?%s", authorizeURL, c.Request.URL.RawQuery)
	}

	queries, err := query.Values(config.RedirectQuery{
		RedirectURI: authorizeURL,
	})

	if err != nil {
		log.Error().Err(err).Msg("Failed to encode login redirect query")
		controller.directError(c, http.StatusInternalServerError, "server_error", "Internal Server Error")
		return
	}

	c.Redirect(http.StatusFound, fmt.Sprintf("%s/login?%s", controller.config.AppURL, queries.Encode()))
}

func (controller *OAuthController) redirectError(c *gin.Context, req AuthorizeRequest, code string, description string) {
	controller.redirectBack(c, req.RedirectURI, AuthorizeResponse{
		Error:            code,
		ErrorDescription: description,
		State:            req.State,
	})
}

// redirectBack appends the response to the client redirect URI, keeping any
// query the client registered
func (controller *OAuthController) redirectBack(c *gin.Context, redirectURI string, res AuthorizeResponse) {
	redirectURL, err := url.Parse(redirectURI)
	if err != nil {
		controller.directError(c, http.StatusBadRequest, "invalid_request", "Invalid redirect_uri")
		return
	}

	values, err := query.Values(res)
	if err != nil {
		log.Error().Err(err).Msg("Failed to encode authorize response")
		controller.directError(c, http.StatusInternalServerError, "server_error", "Internal Server Error")
		return
	}

	existing := redirectURL.Query()
	for key, value := range values {
		existing[key] = value
	}
	redirectURL.RawQuery = existing.Encode()

	c.Redirect(http.StatusFound, redirectURL.String())
}

func (controller *OAuthController) directError(c *gin.Context, status int, code string, description string) {
	c.JSON(status, gin.H{
		"error":             code,
		"error_description": description,
	})
}

func (controller *OAuthController) tokenError(c *gin.Context, status int, code string, description string) {
	c.JSON(status, gin.H{
		"error":             code,
		"error_description": description,
	})
}

// clientCredentials prefers HTTP Basic (client_secret_basic) over the body
// (client_secret_post)
func clientCredentials(c *gin.Context, bodyID string, bodySecret string) (string, string, bool) {
	if rawID, rawSecret, ok := c.Request.BasicAuth(); ok {
		id, errID := url.QueryUnescape(rawID)
		secret, errSecret := url.QueryUnescape(rawSecret)
		if errID == nil && errSecret == nil {
			return id, secret, true
		}
	}
	return bodyID, bodySecret, false
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token := strings.TrimSpace(header[7:])
		return token, token != ""
	}
	return "", false
}
