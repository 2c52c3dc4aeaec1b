package controller

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/idbroker/idbroker/internal/repository"
	"github.com/idbroker/idbroker/internal/service"
	"github.com/idbroker/idbroker/internal/utils"
	"github.com/idbroker/idbroker/internal/utils/tlog"

	"github.com/gin-gonic/gin"
	"github.com/google/go-querystring/query"
	"github.com/rs/zerolog/log"
)

type SAMLRequest struct {
	TenantUUID string `uri:"uuid" binding:"required"`
}

// SAMLFieldPost is the plain assertion shape accepted from development IdPs
type SAMLFieldPost struct {
	NameID     string              `json:"nameID" form:"nameID"`
	Attributes map[string][]string `json:"-" form:"-"`
	RelayState string              `json:"RelayState" form:"RelayState"`
}

// SessionTokenFragment is appended to the app redirect after a SAML login
// when the tenant is bound to a client
type SessionTokenFragment struct {
	AccessToken  string `url:"access_token"`
	TokenType    string `url:"token_type"`
	ExpiresIn    int64  `url:"expires_in"`
	RefreshToken string `url:"refresh_token,omitempty"`
	Scope        string `url:"scope,omitempty"`
}

type SAMLControllerConfig struct {
	AppURL       string
	CookieDomain string
}

type SAMLController struct {
	config   SAMLControllerConfig
	router   *gin.RouterGroup
	saml     *service.SAMLService
	auth     *service.AuthService
	tokens   *service.TokenService
	clients  *service.ClientService
	webhooks *service.WebhookService
}

func NewSAMLController(config SAMLControllerConfig, router *gin.RouterGroup, saml *service.SAMLService, auth *service.AuthService, tokens *service.TokenService, clients *service.ClientService, webhooks *service.WebhookService) *SAMLController {
	return &SAMLController{
		config:   config,
		router:   router,
		saml:     saml,
		auth:     auth,
		tokens:   tokens,
		clients:  clients,
		webhooks: webhooks,
	}
}

func (controller *SAMLController) SetupRoutes() {
	samlGroup := controller.router.Group("/saml/:uuid")
	samlGroup.GET("/login", controller.loginHandler)
	samlGroup.POST("/acs", controller.acsHandler)
	samlGroup.GET("/logout", controller.logoutHandler)
	samlGroup.GET("/sls", controller.slsHandler)
	samlGroup.POST("/sls", controller.slsHandler)
	samlGroup.GET("/metadata", controller.metadataHandler)
}

func (controller *SAMLController) tenant(c *gin.Context) (*service.SAMLTenant, bool) {
	var req SAMLRequest

	if err := c.BindUri(&req); err != nil {
		log.Error().Err(err).Msg("Failed to bind URI")
		c.JSON(400, gin.H{
			"status":  400,
			"message": "Bad Request",
		})
		return nil, false
	}

	tenant, err := controller.saml.GetTenant(req.TenantUUID)
	if err != nil {
		log.Warn().Str("uuid", req.TenantUUID).Msg("SAML tenant not found")
		c.JSON(404, gin.H{
			"status":  404,
			"message": "Not Found",
		})
		return nil, false
	}

	return tenant, true
}

func (controller *SAMLController) loginHandler(c *gin.Context) {
	tenant, ok := controller.tenant(c)
	if !ok {
		return
	}

	relayState := controller.landing(tenant, c.Query("redirect_uri"))

	redirectURL, err := controller.saml.BuildLoginRedirect(tenant, relayState)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build SAML login redirect")
		c.JSON(500, gin.H{
			"status":  500,
			"message": "Internal Server Error",
		})
		return
	}

	c.Redirect(http.StatusFound, redirectURL)
}

func (controller *SAMLController) acsHandler(c *gin.Context) {
	tenant, ok := controller.tenant(c)
	if !ok {
		return
	}

	assertion, relayState, err := controller.readAssertion(c, tenant)

	if err != nil {
		status, message := statusFromError(err)
		log.Warn().Err(err).Str("tenant", tenant.Name).Msg("Rejected SAML assertion")
		tlog.AuditLoginFailure(c, assertion.NameID, service.ProviderSAML, err.Error())
		c.JSON(status, gin.H{
			"status":  status,
			"message": message,
		})
		return
	}

	user, err := controller.saml.ConsumeAssertion(c.Request.Context(), tenant, assertion, c.ClientIP())

	if err != nil {
		status, message := statusFromError(err)
		log.Warn().Err(err).Str("tenant", tenant.Name).Msg("Failed to map SAML assertion to a user")
		tlog.AuditLoginFailure(c, assertion.NameID, service.ProviderSAML, err.Error())
		c.JSON(status, gin.H{
			"status":  status,
			"message": message,
		})
		return
	}

	session, err := controller.auth.CreateSession(c.Request.Context(), user, service.ProviderSAML, false)
	if err != nil {
		log.Error().Err(err).Msg("Failed to create session")
		c.JSON(500, gin.H{
			"status":  500,
			"message": "Internal Server Error",
		})
		return
	}

	controller.auth.SetSessionCookie(c, session)
	tlog.AuditLoginSuccess(c, user.ID, service.ProviderSAML)

	target := controller.landing(tenant, relayState)

	if tenant.ClientID != "" {
		target, err = controller.withSessionToken(c, tenant, user, target)
		if err != nil {
			log.Error().Err(err).Str("tenant", tenant.Name).Msg("Failed to issue session token")
			c.JSON(500, gin.H{
				"status":  500,
				"message": "Internal Server Error",
			})
			return
		}
	}

	c.Redirect(http.StatusSeeOther, target)
}

func (controller *SAMLController) withSessionToken(c *gin.Context, tenant *service.SAMLTenant, user repository.User, target string) (string, error) {
	ctx := c.Request.Context()

	client, err := controller.clients.GetClient(ctx, tenant.ClientID)
	if err != nil {
		return "", err
	}

	res, err := controller.tokens.IssueSessionToken(ctx, user, client.ClientID)
	if err != nil {
		return "", err
	}

	tlog.AuditTokenIssued(c, user.ID, client.ClientID, service.GrantTypeSession)

	controller.webhooks.Emit(client, service.WebhookEvent{
		Event:  service.EventSAMLLogin,
		UserID: user.ID,
		Scope:  res.Scope,
		Fields: map[string]any{"tenant": tenant.UUID},
	})

	fragment, err := query.Values(SessionTokenFragment{
		AccessToken:  res.AccessToken,
		TokenType:    res.TokenType,
		ExpiresIn:    res.ExpiresIn,
		RefreshToken: res.RefreshToken,
		Scope:        res.Scope,
	})
	if err != nil {
		return "", err
	}

	parsed, err := url.Parse(target)
	if err != nil {
		return "", err
	}
	parsed.Fragment = fragment.Encode()

	return parsed.String(), nil
}

// readAssertion accepts a signed SAMLResponse, or a plain field post when the
// tenant allows unsigned assertions
func (controller *SAMLController) readAssertion(c *gin.Context, tenant *service.SAMLTenant) (service.SAMLAssertion, string, error) {
	if samlResponse := c.PostForm("SAMLResponse"); samlResponse != "" {
		assertion, err := controller.saml.ConsumeResponse(c.Request.Context(), tenant, samlResponse)
		return assertion, c.PostForm("RelayState"), err
	}

	if !tenant.AllowUnsignedAssertions {
		return service.SAMLAssertion{}, "", fmt.Errorf("%w: SAMLResponse is required", service.ErrUnauthorized)
	}

	var fields SAMLFieldPost

	if c.ContentType() == gin.MIMEJSON {
		var body struct {
			NameID     string         `json:"nameID"`
			Attributes map[string]any `json:"attributes"`
			RelayState string         `json:"RelayState"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			return service.SAMLAssertion{}, "", fmt.Errorf("%w: malformed assertion", service.ErrValidation)
		}
		fields.NameID = body.NameID
		fields.RelayState = body.RelayState
		fields.Attributes = attributeValues(body.Attributes)
	} else {
		if err := c.ShouldBind(&fields); err != nil {
			return service.SAMLAssertion{}, "", fmt.Errorf("%w: malformed assertion", service.ErrValidation)
		}
		if raw := c.PostForm("attributes"); raw != "" {
			var attributes map[string]any
			if err := json.Unmarshal([]byte(raw), &attributes); err != nil {
				return service.SAMLAssertion{}, "", fmt.Errorf("%w: attributes must be a JSON object", service.ErrValidation)
			}
			fields.Attributes = attributeValues(attributes)
		}
	}

	log.Debug().Str("tenant", tenant.Name).Msg("Accepting unsigned SAML field post")

	return service.SAMLAssertion{
		NameID:     fields.NameID,
		Attributes: fields.Attributes,
	}, fields.RelayState, nil
}

func (controller *SAMLController) logoutHandler(c *gin.Context) {
	tenant, ok := controller.tenant(c)
	if !ok {
		return
	}

	controller.endSession(c)

	redirectURL, err := controller.saml.BuildLogoutRedirect(tenant)
	if err != nil {
		log.Error().Err(err).Msg("Failed to build SAML logout redirect")
		c.JSON(500, gin.H{
			"status":  500,
			"message": "Internal Server Error",
		})
		return
	}

	c.Redirect(http.StatusFound, redirectURL)
}

func (controller *SAMLController) slsHandler(c *gin.Context) {
	tenant, ok := controller.tenant(c)
	if !ok {
		return
	}

	controller.endSession(c)

	c.Redirect(http.StatusFound, controller.landing(tenant, ""))
}

func (controller *SAMLController) metadataHandler(c *gin.Context) {
	tenant, ok := controller.tenant(c)
	if !ok {
		return
	}

	metadata, err := controller.saml.GenerateMetadata(tenant)
	if err != nil {
		log.Error().Err(err).Msg("Failed to generate SAML metadata")
		c.JSON(500, gin.H{
			"status":  500,
			"message": "Internal Server Error",
		})
		return
	}

	c.Data(http.StatusOK, "application/xml", metadata)
}

func (controller *SAMLController) endSession(c *gin.Context) {
	context, err := utils.GetContext(c)

	if err == nil && context.SessionID != "" {
		if err := controller.auth.DeleteSession(c.Request.Context(), context.SessionID); err != nil {
			log.Error().Err(err).Msg("Failed to delete session")
		} else {
			tlog.AuditLogout(c, context.UserID, context.Provider)
		}
	}

	controller.auth.DeleteSessionCookie(c)
}

// landing picks where the browser goes after the IdP round trip: a safe
// requested URL, the tenant app, or the broker itself
func (controller *SAMLController) landing(tenant *service.SAMLTenant, requested string) string {
	if utils.IsRedirectSafe(requested, controller.config.CookieDomain) {
		return requested
	}
	if tenant.AppRedirectURL != "" {
		return tenant.AppRedirectURL
	}
	return controller.config.AppURL
}

func attributeValues(raw map[string]any) map[string][]string {
	attributes := make(map[string][]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case string:
			attributes[key] = []string{v}
		case []any:
			for _, item := range v {
				attributes[key] = append(attributes[key], fmt.Sprint(item))
			}
		case nil:
		default:
			attributes[key] = []string{fmt.Sprint(v)}
		}
	}
	return attributes
}
