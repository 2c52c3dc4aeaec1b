package bootstrap

import (
	"fmt"

	"github.com/idbroker/idbroker/internal/cache"
	"github.com/idbroker/idbroker/internal/repository"
	"github.com/idbroker/idbroker/internal/service"

	"github.com/rs/zerolog/log"
)

type Services struct {
	signingService     *service.SigningService
	clientService      *service.ClientService
	identityService    *service.IdentityService
	codeService        *service.CodeService
	webhookService     *service.WebhookService
	tokenService       *service.TokenService
	authService        *service.AuthService
	samlService        *service.SAMLService
	oauthBrokerService *service.OAuthBrokerService
	federationService  *service.FederationService
	eidService         *service.EIDService
}

func (app *BootstrapApp) initServices(queries *repository.Queries, store cache.Store) (Services, error) {
	services := Services{}

	signingService := service.NewSigningService(service.SigningServiceConfig{
		Secret: app.context.signingSecret,
		Issuer: app.config.Tokens.Issuer,
		Leeway: app.config.Tokens.Leeway,
	})

	err := signingService.Init()

	if err != nil {
		return Services{}, fmt.Errorf("signing: %w", err)
	}

	services.signingService = signingService

	// Clients and organizations are synced to the database before any
	// tenant or provider refers to them
	clientService := service.NewClientService(service.ClientServiceConfig{
		Organizations:     app.config.Organizations,
		Clients:           app.config.Clients,
		AccessTokenExpiry: app.config.Tokens.AccessTokenExpiry,
		BcryptCost:        app.config.Auth.BcryptCost,
	}, queries)

	err = clientService.Init()

	if err != nil {
		return Services{}, fmt.Errorf("clients: %w", err)
	}

	services.clientService = clientService

	identityService := service.NewIdentityService(service.IdentityServiceConfig{
		LoginMaxRetries: app.config.Auth.LoginMaxRetries,
		LoginTimeout:    app.config.Auth.LoginTimeout,
	}, queries)

	services.identityService = identityService

	codeService := service.NewCodeService(service.CodeServiceConfig{
		CodeExpiry: app.config.Tokens.CodeExpiry,
	}, queries)

	services.codeService = codeService

	webhookService := service.NewWebhookService(service.WebhookServiceConfig{
		Timeout:       app.config.Webhooks.Timeout,
		RetryInterval: app.config.Webhooks.RetryInterval,
		MaxAttempts:   app.config.Webhooks.MaxAttempts,
		BaseBackoff:   app.config.Webhooks.BaseBackoff,
	}, queries)

	err = webhookService.Init()

	if err != nil {
		return Services{}, fmt.Errorf("webhooks: %w", err)
	}

	services.webhookService = webhookService

	tokenService := service.NewTokenService(service.TokenServiceConfig{
		RefreshTokenExpiry: app.config.Tokens.RefreshTokenExpiry,
		Denylist:           app.config.Tokens.Denylist,
	}, queries, signingService, codeService, clientService, identityService, webhookService, store)

	services.tokenService = tokenService

	authService := service.NewAuthService(service.AuthServiceConfig{
		SessionExpiry:     app.config.Auth.SessionExpiry,
		SecureCookie:      app.config.Auth.SecureCookie,
		CookieDomain:      app.context.cookieDomain,
		SessionCookieName: app.context.sessionCookieName,
	}, queries, identityService, clientService)

	err = authService.Init()

	if err != nil {
		return Services{}, fmt.Errorf("auth: %w", err)
	}

	services.authService = authService

	samlService := service.NewSAMLService(service.SAMLServiceConfig{
		AppURL:  app.config.AppURL,
		Tenants: app.config.SAML,
	}, clientService, identityService, store)

	err = samlService.Init()

	if err != nil {
		return Services{}, fmt.Errorf("saml: %w", err)
	}

	services.samlService = samlService

	oauthBrokerService := service.NewOAuthBrokerService(service.OAuthBrokerServiceConfig{
		Providers: app.context.oauthProviders,
		Timeout:   app.config.OAuth.Timeout,
	}, store)

	err = oauthBrokerService.Init()

	if err != nil {
		return Services{}, fmt.Errorf("oauth broker: %w", err)
	}

	services.oauthBrokerService = oauthBrokerService

	services.federationService = service.NewFederationService(service.FederationServiceConfig{}, queries, identityService)

	if app.config.EID.Enabled {
		log.Warn().Msg("National eID is backed by the mock provider, do not enable it in production")

		provider := service.NewMockEIDProvider(service.MockEIDProviderConfig{
			ApproveAfter:      app.config.EID.ApproveAfter,
			RejectIdentifiers: app.config.EID.RejectIdentifiers,
		})

		eidService := service.NewEIDService(service.EIDServiceConfig{
			Organization:      app.config.EID.Organization,
			SessionClient:     app.config.EID.SessionClient,
			CallbackSecret:    app.context.eidCallbackSecret,
			TransactionExpiry: app.config.EID.TransactionExpiry,
		}, provider, store)

		err = eidService.Init()

		if err != nil {
			return Services{}, fmt.Errorf("eid: %w", err)
		}

		services.eidService = eidService
	}

	return services, nil
}
