package controller

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/idbroker/idbroker/internal/config"
	"github.com/idbroker/idbroker/internal/repository"
	"github.com/idbroker/idbroker/internal/service"
	"github.com/idbroker/idbroker/internal/utils"
	"github.com/idbroker/idbroker/internal/utils/tlog"

	"github.com/gin-gonic/gin"
	"github.com/google/go-querystring/query"
	"github.com/rs/zerolog/log"
)

const maxCallbackBody = 64 << 10

type OAuthRequest struct {
	Provider string `uri:"provider" binding:"required"`
}

type OAuthURLQuery struct {
	RedirectURI string `form:"redirect_uri"`
}

type EIDInitiateRequest struct {
	Identifier string `json:"identifier" binding:"required"`
	Channel    string `json:"channel"`
}

type EIDStatusRequest struct {
	TransactionID string `uri:"id" binding:"required"`
}

type FederationControllerConfig struct {
	AppURL         string
	CookieDomain   string
	CSRFCookieName string
	EIDCookieName  string
	SecureCookie   bool
}

type FederationController struct {
	config     FederationControllerConfig
	router     *gin.RouterGroup
	broker     *service.OAuthBrokerService
	eid        *service.EIDService
	federation *service.FederationService
	auth       *service.AuthService
	clients    *service.ClientService
	tokens     *service.TokenService
	webhooks   *service.WebhookService
}

// NewFederationController wires the upstream login flows. eid may be nil when
// the national eID provider is disabled.
func NewFederationController(config FederationControllerConfig, router *gin.RouterGroup, broker *service.OAuthBrokerService, eid *service.EIDService, federation *service.FederationService, auth *service.AuthService, clients *service.ClientService, tokens *service.TokenService, webhooks *service.WebhookService) *FederationController {
	return &FederationController{
		config:     config,
		router:     router,
		broker:     broker,
		eid:        eid,
		federation: federation,
		auth:       auth,
		clients:    clients,
		tokens:     tokens,
		webhooks:   webhooks,
	}
}

func (controller *FederationController) SetupRoutes() {
	federationGroup := controller.router.Group("/federation")
	federationGroup.GET("/oauth/:provider/url", controller.oauthURLHandler)
	federationGroup.GET("/oauth/:provider/callback", controller.oauthCallbackHandler)
	federationGroup.GET("/connections", controller.connectionsHandler)

	if controller.eid != nil {
		federationGroup.POST("/eid/initiate", controller.eidInitiateHandler)
		federationGroup.GET("/eid/status/:id", controller.eidStatusHandler)
		federationGroup.POST("/eid/callback", controller.eidCallbackHandler)
	}
}

func (controller *FederationController) oauthURLHandler(c *gin.Context) {
	var req OAuthRequest

	err := c.BindUri(&req)
	if err != nil {
		log.Error().Err(err).Msg("Failed to bind URI")
		c.JSON(400, gin.H{
			"status":  400,
			"message": "Bad Request",
		})
		return
	}

	var params OAuthURLQuery

	if err := c.ShouldBindQuery(&params); err != nil {
		log.Error().Err(err).Msg("Failed to bind query")
		c.JSON(400, gin.H{
			"status":  400,
			"message": "Bad Request",
		})
		return
	}

	redirectURI := ""
	if utils.IsRedirectSafe(params.RedirectURI, controller.config.CookieDomain) {
		redirectURI = params.RedirectURI
	}

	authURL, state, err := controller.broker.Begin(c.Request.Context(), req.Provider, redirectURI)

	if errors.Is(err, service.ErrNotFound) {
		log.Warn().Str("provider", req.Provider).Msg("OAuth provider not found")
		c.JSON(404, gin.H{
			"status":  404,
			"message": "Not Found",
		})
		return
	}

	if err != nil {
		log.Error().Err(err).Msg("Failed to start OAuth login")
		c.JSON(500, gin.H{
			"status":  500,
			"message": "Internal Server Error",
		})
		return
	}

	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(controller.config.CSRFCookieName, state, int(time.Hour.Seconds()), "/", "", controller.config.SecureCookie, true)

	c.JSON(200, gin.H{
		"status":  200,
		"message": "OK",
		"url":     authURL,
	})
}

func (controller *FederationController) oauthCallbackHandler(c *gin.Context) {
	var req OAuthRequest

	err := c.BindUri(&req)
	if err != nil {
		log.Error().Err(err).Msg("Failed to bind URI")
		controller.errorRedirect(c)
		return
	}

	state := c.Query("state")
	csrfCookie, err := c.Cookie(controller.config.CSRFCookieName)

	if err != nil || state == "" || !utils.SecureCompare(state, csrfCookie) {
		log.Warn().Err(err).Msg("CSRF token mismatch or cookie missing")
		controller.errorRedirect(c)
		return
	}

	c.SetCookie(controller.config.CSRFCookieName, "", -1, "/", "", controller.config.SecureCookie, true)

	claims, pending, err := controller.broker.Complete(c.Request.Context(), req.Provider, state, c.Query("code"))

	if err != nil {
		log.Error().Err(err).Str("provider", req.Provider).Msg("Failed to complete OAuth login")
		tlog.AuditLoginFailure(c, "", req.Provider, err.Error())
		controller.errorRedirect(c)
		return
	}

	org, err := controller.clients.GetOrganization(c.Request.Context(), controller.broker.GetOrganization(req.Provider))
	if err != nil {
		log.Error().Err(err).Str("provider", req.Provider).Msg("OAuth provider organization is missing")
		controller.errorRedirect(c)
		return
	}

	user, err := controller.completeLogin(c, org.ID, service.FederatedLogin{
		Provider:       req.Provider,
		ProviderUserID: claims.Sub,
		Profile:        service.ProfileFromClaims(claims),
		IP:             c.ClientIP(),
	})

	if err != nil {
		controller.errorRedirect(c)
		return
	}

	target := controller.config.AppURL

	if pending.RedirectURI != "" {
		queries, err := query.Values(config.RedirectQuery{
			RedirectURI: pending.RedirectURI,
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to encode redirect URI query")
			controller.errorRedirect(c)
			return
		}
		target = fmt.Sprintf("%s/continue?%s", controller.config.AppURL, queries.Encode())
	}

	// a bound client gets its tokens on its registered redirect uri only
	if clientID := controller.broker.GetSessionClient(req.Provider); clientID != "" {
		client, res, err := controller.sessionToken(c, user, clientID, req.Provider)
		if err != nil {
			log.Error().Err(err).Str("client_id", clientID).Msg("Failed to issue session token")
			controller.errorRedirect(c)
			return
		}

		fragment, err := query.Values(SessionTokenFragment{
			AccessToken:  res.AccessToken,
			TokenType:    res.TokenType,
			ExpiresIn:    res.ExpiresIn,
			RefreshToken: res.RefreshToken,
			Scope:        res.Scope,
		})
		if err != nil {
			log.Error().Err(err).Msg("Failed to encode session token")
			controller.errorRedirect(c)
			return
		}

		parsed, err := url.Parse(client.RedirectURI)
		if err != nil || client.RedirectURI == "" {
			log.Error().Err(err).Str("client_id", clientID).Msg("Session client has no usable redirect URI")
			controller.errorRedirect(c)
			return
		}
		parsed.Fragment = fragment.Encode()
		target = parsed.String()
	}

	c.Redirect(http.StatusTemporaryRedirect, target)
}

func (controller *FederationController) eidInitiateHandler(c *gin.Context) {
	var req EIDInitiateRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		log.Error().Err(err).Msg("Failed to bind JSON")
		c.JSON(400, gin.H{
			"status":  400,
			"message": "Bad Request",
		})
		return
	}

	initiation, err := controller.eid.Initiate(c.Request.Context(), req.Identifier, service.EIDChannel(req.Channel))

	if errors.Is(err, service.ErrValidation) {
		c.JSON(400, gin.H{
			"status":  400,
			"message": "Bad Request",
		})
		return
	}

	if err != nil {
		log.Error().Err(err).Msg("Failed to initiate eID transaction")
		c.JSON(502, gin.H{
			"status":  502,
			"message": "eID provider unavailable",
		})
		return
	}

	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(controller.config.EIDCookieName, initiation.Binding, int(initiation.ExpiresIn), "/api/federation/eid", "", controller.config.SecureCookie, true)

	c.JSON(200, gin.H{
		"status":        200,
		"message":       "OK",
		"transactionId": initiation.TransactionID,
		"challenge":     initiation.Challenge,
		"expiresIn":     initiation.ExpiresIn,
	})
}

func (controller *FederationController) eidStatusHandler(c *gin.Context) {
	var req EIDStatusRequest

	if err := c.BindUri(&req); err != nil {
		log.Error().Err(err).Msg("Failed to bind URI")
		c.JSON(400, gin.H{
			"status":  400,
			"message": "Bad Request",
		})
		return
	}

	binding, _ := c.Cookie(controller.config.EIDCookieName)

	result, err := controller.eid.CheckStatus(c.Request.Context(), req.TransactionID, binding)

	if errors.Is(err, service.ErrUnauthorized) {
		log.Warn().Str("ip", c.ClientIP()).Msg("eID status polled without the initiating browser binding")
		c.JSON(401, gin.H{
			"status":  401,
			"message": "Unauthorized",
		})
		return
	}

	if err != nil {
		log.Error().Err(err).Msg("Failed to check eID transaction")
		c.JSON(502, gin.H{
			"status":  502,
			"message": "eID provider unavailable",
		})
		return
	}

	if result.Status != service.EIDStatusPending {
		c.SetCookie(controller.config.EIDCookieName, "", -1, "/api/federation/eid", "", controller.config.SecureCookie, true)
	}

	if result.Status != service.EIDStatusApproved {
		c.JSON(200, gin.H{
			"status":      200,
			"message":     "OK",
			"transaction": result.Status,
		})
		return
	}

	org, err := controller.clients.GetOrganization(c.Request.Context(), controller.eid.Organization())
	if err != nil {
		log.Error().Err(err).Msg("eID organization is missing")
		c.JSON(500, gin.H{
			"status":  500,
			"message": "Internal Server Error",
		})
		return
	}

	user, err := controller.completeLogin(c, org.ID, service.FederatedLogin{
		Provider:       service.ProviderEID,
		ProviderUserID: result.Profile.NationalID,
		Profile:        *result.Profile,
		IP:             c.ClientIP(),
	})

	if err != nil {
		status, message := statusFromError(err)
		c.JSON(status, gin.H{
			"status":  status,
			"message": message,
		})
		return
	}

	response := gin.H{
		"status":      200,
		"message":     "OK",
		"transaction": result.Status,
	}

	if clientID := controller.eid.SessionClient(); clientID != "" {
		_, res, err := controller.sessionToken(c, user, clientID, service.ProviderEID)
		if err != nil {
			log.Error().Err(err).Str("client_id", clientID).Msg("Failed to issue session token")
			c.JSON(401, gin.H{
				"status":  401,
				"message": "Unauthorized",
			})
			return
		}
		response["token"] = res
	}

	c.JSON(200, response)
}

func (controller *FederationController) eidCallbackHandler(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBody))
	if err != nil {
		c.JSON(400, gin.H{
			"status":  400,
			"message": "Bad Request",
		})
		return
	}

	err = controller.eid.HandleCallback(c.Request.Context(), body, c.GetHeader("X-EID-Signature"))

	switch {
	case errors.Is(err, service.ErrUnauthorized):
		log.Warn().Str("ip", c.ClientIP()).Msg("Rejected eID callback with a bad signature")
		c.JSON(401, gin.H{
			"status":  401,
			"message": "Unauthorized",
		})
	case errors.Is(err, service.ErrValidation):
		c.JSON(400, gin.H{
			"status":  400,
			"message": "Bad Request",
		})
	case errors.Is(err, service.ErrNotFound):
		c.JSON(404, gin.H{
			"status":  404,
			"message": "Not Found",
		})
	case err != nil:
		log.Error().Err(err).Msg("Failed to handle eID callback")
		c.JSON(500, gin.H{
			"status":  500,
			"message": "Internal Server Error",
		})
	default:
		c.JSON(200, gin.H{
			"status":  200,
			"message": "OK",
		})
	}
}

func (controller *FederationController) connectionsHandler(c *gin.Context) {
	context, err := utils.GetContext(c)

	if err != nil || !context.IsLoggedIn {
		c.JSON(401, gin.H{
			"status":  401,
			"message": "Unauthorized",
		})
		return
	}

	connections, err := controller.federation.ListConnections(c.Request.Context(), context.UserID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list connections")
		c.JSON(500, gin.H{
			"status":  500,
			"message": "Internal Server Error",
		})
		return
	}

	providers := make([]gin.H, 0, len(connections))
	for _, connection := range connections {
		providers = append(providers, gin.H{
			"provider":  connection.Provider,
			"linkedAt":  time.Unix(connection.CreatedAt, 0).UTC().Format(time.RFC3339),
			"updatedAt": time.Unix(connection.UpdatedAt, 0).UTC().Format(time.RFC3339),
		})
	}

	c.JSON(200, gin.H{
		"status":      200,
		"message":     "OK",
		"connections": providers,
	})
}

func (controller *FederationController) completeLogin(c *gin.Context, organizationID string, login service.FederatedLogin) (repository.User, error) {
	user, _, err := controller.federation.CompleteLogin(c.Request.Context(), organizationID, login)

	if err != nil {
		log.Error().Err(err).Str("provider", login.Provider).Msg("Failed to complete federated login")
		tlog.AuditLoginFailure(c, login.ProviderUserID, login.Provider, err.Error())
		return repository.User{}, err
	}

	session, err := controller.auth.CreateSession(c.Request.Context(), user, login.Provider, false)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create session")
		return repository.User{}, err
	}

	controller.auth.SetSessionCookie(c, session)
	tlog.AuditLoginSuccess(c, user.ID, login.Provider)

	return user, nil
}

func (controller *FederationController) sessionToken(c *gin.Context, user repository.User, clientID string, provider string) (repository.Client, service.TokenResponse, error) {
	ctx := c.Request.Context()

	client, err := controller.clients.GetClient(ctx, clientID)
	if err != nil {
		return repository.Client{}, service.TokenResponse{}, err
	}

	res, err := controller.tokens.IssueSessionToken(ctx, user, client.ClientID)
	if err != nil {
		return repository.Client{}, service.TokenResponse{}, err
	}

	tlog.AuditTokenIssued(c, user.ID, client.ClientID, service.GrantTypeSession)

	controller.webhooks.Emit(client, service.WebhookEvent{
		Event:  service.EventFederatedLogin,
		UserID: user.ID,
		Scope:  res.Scope,
		Fields: map[string]any{"provider": provider},
	})

	return client, res, nil
}

func (controller *FederationController) errorRedirect(c *gin.Context) {
	c.Redirect(http.StatusTemporaryRedirect, fmt.Sprintf("%s/error", controller.config.AppURL))
}
