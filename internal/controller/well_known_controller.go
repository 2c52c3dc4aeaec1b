package controller

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/idbroker/idbroker/internal/service"

	"github.com/gin-gonic/gin"
)

type OpenIDConfiguration struct {
	Issuer                            string   `json:"issuer"`
	AuthorizationEndpoint             string   `json:"authorization_endpoint"`
	TokenEndpoint                     string   `json:"token_endpoint"`
	UserinfoEndpoint                  string   `json:"userinfo_endpoint"`
	RevocationEndpoint                string   `json:"revocation_endpoint"`
	ScopesSupported                   []string `json:"scopes_supported"`
	ResponseTypesSupported            []string `json:"response_types_supported"`
	GrantTypesSupported               []string `json:"grant_types_supported"`
	SubjectTypesSupported             []string `json:"subject_types_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
	RevocationEndpointAuthMethods     []string `json:"revocation_endpoint_auth_methods_supported"`
	AccessTokenSigningAlgValues       []string `json:"access_token_signing_alg_values_supported"`
	ClaimsSupported                   []string `json:"claims_supported"`
}

type WellKnownControllerConfig struct {
	AppURL string
}

type WellKnownController struct {
	config  WellKnownControllerConfig
	router  *gin.RouterGroup
	signing *service.SigningService
}

func NewWellKnownController(config WellKnownControllerConfig, router *gin.RouterGroup, signing *service.SigningService) *WellKnownController {
	return &WellKnownController{
		config:  config,
		router:  router,
		signing: signing,
	}
}

func (controller *WellKnownController) SetupRoutes() {
	controller.router.GET("/oauth/.well-known/openid_configuration", controller.openIDConfigurationHandler)
	controller.router.GET("/.well-known/openid-configuration", controller.openIDConfigurationHandler)
}

func (controller *WellKnownController) openIDConfigurationHandler(c *gin.Context) {
	baseURL := strings.TrimSuffix(controller.config.AppURL, "/")

	c.JSON(http.StatusOK, OpenIDConfiguration{
		Issuer:                            controller.signing.Issuer(),
		AuthorizationEndpoint:             fmt.Sprintf("%s/oauth/authorize", baseURL),
		TokenEndpoint:                     fmt.Sprintf("%s/oauth/token", baseURL),
		UserinfoEndpoint:                  fmt.Sprintf("%s/oauth/userinfo", baseURL),
		RevocationEndpoint:                fmt.Sprintf("%s/oauth/revoke", baseURL),
		ScopesSupported:                   service.DefaultClientScopes,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{service.GrantTypeAuthorizationCode, service.GrantTypeRefreshToken},
		SubjectTypesSupported:             []string{"public"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_basic", "client_secret_post"},
		RevocationEndpointAuthMethods:     []string{"client_secret_basic", "client_secret_post"},
		AccessTokenSigningAlgValues:       []string{"HS256"},
		ClaimsSupported:                   []string{"sub", "email", "email_verified", "name", "given_name", "family_name", "picture", "localized_names", "org"},
	})
}
