package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/idbroker/idbroker/internal/cache"
	"github.com/idbroker/idbroker/internal/config"
	"github.com/idbroker/idbroker/internal/repository"
	"github.com/idbroker/idbroker/internal/utils"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

type BootstrapApp struct {
	config  config.Config
	context struct {
		uuid              string
		cookieDomain      string
		sessionCookieName string
		csrfCookieName    string
		eidCookieName     string
		signingSecret     string
		eidCallbackSecret string
		oauthProviders    map[string]config.OAuthServiceConfig
	}
	db       *sql.DB
	queries  *repository.Queries
	store    cache.Store
	services Services
	router   *gin.Engine
}

func NewBootstrapApp(config config.Config) *BootstrapApp {
	return &BootstrapApp{
		config: config,
	}
}

// Setup builds the database, cache, services and router without serving
func (app *BootstrapApp) Setup() error {
	appUrl, err := url.Parse(app.config.AppURL)

	if err != nil || appUrl.Host == "" {
		return fmt.Errorf("invalid app url %q", app.config.AppURL)
	}

	app.config.AppURL = strings.TrimSuffix(app.config.AppURL, "/")

	if app.config.Tokens.Issuer == "" {
		app.config.Tokens.Issuer = app.config.AppURL
	}

	// Secrets
	app.context.signingSecret = utils.GetSecret(app.config.Tokens.SigningSecret, app.config.Tokens.SigningSecretFile)
	app.context.eidCallbackSecret = utils.GetSecret(app.config.EID.CallbackSecret, app.config.EID.CallbackSecretFile)

	if app.config.EID.Enabled && app.context.eidCallbackSecret == "" {
		log.Warn().Msg("No eID callback secret configured, provider callbacks will be rejected")
	}

	// Setup OAuth providers
	app.context.oauthProviders = make(map[string]config.OAuthServiceConfig, len(app.config.OAuth.Providers))

	for id, provider := range app.config.OAuth.Providers {
		provider.ClientSecret = utils.GetSecret(provider.ClientSecret, provider.ClientSecretFile)
		provider.ClientSecretFile = ""

		if provider.RedirectURL == "" {
			provider.RedirectURL = app.config.AppURL + "/api/federation/oauth/" + id + "/callback"
		}

		if provider.Name == "" {
			if name, ok := config.OverrideProviders[id]; ok {
				provider.Name = name
			} else {
				provider.Name = utils.Capitalize(id)
			}
		}

		app.context.oauthProviders[id] = provider
	}

	// Get cookie domain, hosts without a registrable parent get host-only cookies
	cookieDomain, err := utils.GetCookieDomain(app.config.AppURL)

	if err != nil {
		log.Warn().Err(err).Str("host", appUrl.Hostname()).Msg("Cannot share cookies with a parent domain, using host-only cookies")
		cookieDomain = ""
	}

	app.context.cookieDomain = cookieDomain

	// Cookie names
	app.context.uuid = utils.GenerateUUID(appUrl.Hostname())
	cookieId := strings.Split(app.context.uuid, "-")[0]
	app.context.sessionCookieName = fmt.Sprintf("%s-%s", config.SessionCookieName, cookieId)
	app.context.csrfCookieName = fmt.Sprintf("%s-%s", config.CSRFCookieName, cookieId)
	app.context.eidCookieName = fmt.Sprintf("%s-%s", config.EIDCookieName, cookieId)

	// Dumps
	log.Trace().Str("cookieDomain", app.context.cookieDomain).Msg("Cookie domain")
	log.Trace().Str("sessionCookieName", app.context.sessionCookieName).Msg("Session cookie name")
	log.Trace().Str("csrfCookieName", app.context.csrfCookieName).Msg("CSRF cookie name")
	log.Trace().Str("eidCookieName", app.context.eidCookieName).Msg("eID cookie name")

	// Database
	db, err := SetupDatabase(app.config.DatabasePath)

	if err != nil {
		return fmt.Errorf("failed to setup database: %w", err)
	}

	app.db = db
	app.queries = repository.New(db)

	// Cache
	store, err := app.setupCache()

	if err != nil {
		return fmt.Errorf("failed to setup cache: %w", err)
	}

	app.store = store

	// Services
	services, err := app.initServices(app.queries, app.store)

	if err != nil {
		return fmt.Errorf("failed to initialize services: %w", err)
	}

	app.services = services

	// Setup router
	router, err := app.setupRouter()

	if err != nil {
		return fmt.Errorf("failed to setup routes: %w", err)
	}

	app.router = router

	return nil
}

// Handler returns the configured router, Setup must have been called
func (app *BootstrapApp) Handler() http.Handler {
	return app.router
}

// Run starts the background routines and serves until the context is done
func (app *BootstrapApp) Run(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", app.config.Server.Address, app.config.Server.Port)

	server := &http.Server{
		Addr:              address,
		Handler:           app.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, ctx := errgroup.WithContext(ctx)

	log.Debug().Msg("Starting database cleanup routine")
	group.Go(func() error {
		app.dbCleanup(ctx)
		return nil
	})

	log.Debug().Msg("Starting webhook retry routine")
	group.Go(func() error {
		app.webhookRetry(ctx)
		return nil
	})

	group.Go(func() error {
		log.Info().Msgf("Starting server on %s", address)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		log.Info().Msg("Shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err := group.Wait()

	if closeErr := app.Close(); closeErr != nil {
		log.Error().Err(closeErr).Msg("Failed to close resources")
	}

	return err
}

// Close waits for in-flight webhook deliveries to record their outcome, then
// releases the cache and database
func (app *BootstrapApp) Close() error {
	var errs []error

	if app.services.webhookService != nil {
		app.services.webhookService.Wait()
	}

	if app.store != nil {
		errs = append(errs, app.store.Close())
	}

	if app.db != nil {
		errs = append(errs, app.db.Close())
	}

	return errors.Join(errs...)
}

func (app *BootstrapApp) setupCache() (cache.Store, error) {
	if app.config.Redis.URL == "" {
		log.Info().Msg("No redis url configured, using in-memory cache. Do not run more than one instance")
		return cache.NewMemoryStore(), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := cache.NewRedisStore(ctx, app.config.Redis.URL, "idbroker:")

	if err != nil {
		return nil, err
	}

	log.Info().Msg("Connected to redis cache")
	return store, nil
}

func (app *BootstrapApp) dbCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(30) * time.Minute)
	defer ticker.Stop()

	for {
		log.Debug().Msg("Cleaning up expired codes, tokens and sessions")

		if _, err := app.services.codeService.DeleteExpired(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to clean up expired authorization codes")
		}

		if _, err := app.services.tokenService.DeleteExpired(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to clean up expired refresh tokens")
		}

		if _, err := app.services.authService.DeleteExpiredSessions(ctx); err != nil {
			log.Error().Err(err).Msg("Failed to clean up expired sessions")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (app *BootstrapApp) webhookRetry(ctx context.Context) {
	interval := app.config.Webhooks.RetryInterval

	if interval <= 0 {
		interval = 300
	}

	ticker := time.NewTicker(time.Duration(interval) * time.Second)
	defer ticker.Stop()

	for {
		retried, err := app.services.webhookService.RetryDue(ctx)

		if err != nil {
			log.Error().Err(err).Msg("Failed to retry webhook deliveries")
		} else if retried > 0 {
			log.Debug().Int("count", retried).Msg("Retried webhook deliveries")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
