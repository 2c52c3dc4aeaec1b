package bootstrap

import (
	"fmt"
	"sort"
	"strings"

	"github.com/idbroker/idbroker/internal/controller"
	"github.com/idbroker/idbroker/internal/middleware"
	"github.com/idbroker/idbroker/internal/service"

	"github.com/gin-gonic/gin"
)

func (app *BootstrapApp) setupRouter() (*gin.Engine, error) {
	engine := gin.New()
	engine.Use(gin.Recovery())

	if len(app.config.Server.TrustedProxies) > 0 {
		err := engine.SetTrustedProxies(strings.Split(app.config.Server.TrustedProxies, ","))

		if err != nil {
			return nil, fmt.Errorf("failed to set trusted proxies: %w", err)
		}
	}

	zerologMiddleware := middleware.NewZerologMiddleware()

	err := zerologMiddleware.Init()

	if err != nil {
		return nil, fmt.Errorf("failed to initialize zerolog middleware: %w", err)
	}

	engine.Use(zerologMiddleware.Middleware())

	contextMiddleware := middleware.NewContextMiddleware(app.services.authService, app.services.identityService)

	err = contextMiddleware.Init()

	if err != nil {
		return nil, fmt.Errorf("failed to initialize context middleware: %w", err)
	}

	engine.Use(contextMiddleware.Middleware())

	rootRouter := &engine.RouterGroup
	apiRouter := engine.Group("/api")

	// Protocol endpoints
	oauthController := controller.NewOAuthController(controller.OAuthControllerConfig{
		AppURL: app.config.AppURL,
	}, rootRouter, app.services.clientService, app.services.codeService, app.services.tokenService, app.services.webhookService)

	oauthController.SetupRoutes()

	wellKnownController := controller.NewWellKnownController(controller.WellKnownControllerConfig{
		AppURL: app.config.AppURL,
	}, rootRouter, app.services.signingService)

	wellKnownController.SetupRoutes()

	samlController := controller.NewSAMLController(controller.SAMLControllerConfig{
		AppURL:       app.config.AppURL,
		CookieDomain: app.context.cookieDomain,
	}, rootRouter, app.services.samlService, app.services.authService, app.services.tokenService, app.services.clientService, app.services.webhookService)

	samlController.SetupRoutes()

	if app.config.Metrics.Enabled {
		metricsController := controller.NewMetricsController(rootRouter)

		metricsController.SetupRoutes()
	}

	// Login and account endpoints
	userController := controller.NewUserController(controller.UserControllerConfig{}, apiRouter, app.services.authService)

	userController.SetupRoutes()

	federationController := controller.NewFederationController(controller.FederationControllerConfig{
		AppURL:         app.config.AppURL,
		CookieDomain:   app.context.cookieDomain,
		CSRFCookieName: app.context.csrfCookieName,
		EIDCookieName:  app.context.eidCookieName,
		SecureCookie:   app.config.Auth.SecureCookie,
	}, apiRouter, app.services.oauthBrokerService, app.services.eidService, app.services.federationService, app.services.authService, app.services.clientService, app.services.tokenService, app.services.webhookService)

	federationController.SetupRoutes()

	providers := app.services.oauthBrokerService.GetConfiguredServices()
	sort.Strings(providers)

	organizations := make([]string, 0, len(app.config.Organizations)+1)
	organizations = append(organizations, service.DefaultOrganization)

	for slug := range app.config.Organizations {
		if slug != service.DefaultOrganization {
			organizations = append(organizations, slug)
		}
	}

	sort.Strings(organizations[1:])

	contextController := controller.NewContextController(controller.ContextControllerConfig{
		ConfiguredProviders: providers,
		Organizations:       organizations,
		EIDEnabled:          app.services.eidService != nil,
		AppURL:              app.config.AppURL,
		Domain:              app.context.cookieDomain,
	}, apiRouter)

	contextController.SetupRoutes()

	healthController := controller.NewHealthController(apiRouter, app.db)

	healthController.SetupRoutes()

	return engine, nil
}
