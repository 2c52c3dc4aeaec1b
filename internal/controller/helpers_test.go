package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/idbroker/idbroker/internal/bootstrap"
	"github.com/idbroker/idbroker/internal/config"
	"github.com/idbroker/idbroker/internal/repository"
	"github.com/idbroker/idbroker/internal/service"
	"github.com/idbroker/idbroker/internal/utils"
	"github.com/idbroker/idbroker/internal/utils/tlog"

	"github.com/gin-gonic/gin"
	"gotest.tools/v3/assert"
	"gotest.tools/v3/poll"
)

const (
	appURL            = "https://auth.example.com"
	appClientID       = "app"
	appClientSecret   = "app-secret"
	appRedirectURI    = "https://app.example.com/cb"
	appWebhookSecret  = "app-webhook-secret"
	samlTenantUUID    = "3d2a1c4b-5e6f-4a7b-8c9d-0e1f2a3b4c5d"
	eidCallbackSecret = "eid-callback-secret"
	userPassword      = "password"
)

// hookReceiver collects webhook deliveries
type hookReceiver struct {
	mu         sync.Mutex
	server     *httptest.Server
	deliveries []hookDelivery
}

type hookDelivery struct {
	Event     string
	Signature string
	Body      []byte
}

func newHookReceiver(t *testing.T) *hookReceiver {
	t.Helper()

	receiver := &hookReceiver{}
	receiver.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		receiver.mu.Lock()
		receiver.deliveries = append(receiver.deliveries, hookDelivery{
			Event:     r.Header.Get("X-Webhook-Event"),
			Signature: r.Header.Get("X-Webhook-Signature"),
			Body:      body,
		})
		receiver.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	t.Cleanup(receiver.server.Close)

	return receiver
}

func (receiver *hookReceiver) find(event string) (hookDelivery, bool) {
	receiver.mu.Lock()
	defer receiver.mu.Unlock()
	for _, delivery := range receiver.deliveries {
		if delivery.Event == event {
			return delivery, true
		}
	}
	return hookDelivery{}, false
}

func waitForDelivery(t *testing.T, receiver *hookReceiver, event string) hookDelivery {
	t.Helper()

	var delivery hookDelivery

	poll.WaitOn(t, func(poll.LogT) poll.Result {
		found, ok := receiver.find(event)
		if !ok {
			return poll.Continue("no %s delivery yet", event)
		}
		delivery = found
		return poll.Success()
	}, poll.WithTimeout(5*time.Second), poll.WithDelay(20*time.Millisecond))

	return delivery
}

type testApp struct {
	handler  http.Handler
	queries  *repository.Queries
	identity *service.IdentityService
	hooks    *hookReceiver
	cookies  map[string]*http.Cookie
}

type testAppOption func(*config.Config)

func withOAuthProvider(name string, provider config.OAuthServiceConfig) testAppOption {
	return func(cfg *config.Config) {
		cfg.OAuth.Providers[name] = provider
	}
}

func newTestApp(t *testing.T, opts ...testAppOption) *testApp {
	t.Helper()

	gin.SetMode(gin.TestMode)
	tlog.NewSimpleLogger().Init()

	hooks := newHookReceiver(t)
	databasePath := filepath.Join(t.TempDir(), "idbroker.db")

	cfg := config.NewDefaultConfiguration()
	cfg.AppURL = appURL
	cfg.DatabasePath = databasePath
	cfg.Auth.BcryptCost = 4
	cfg.Metrics.Enabled = false
	cfg.Tokens.SigningSecret = "controller-test-signing-secret"
	cfg.Organizations = map[string]config.OrganizationConfig{"partners": {}}
	cfg.Clients = map[string]config.ClientConfig{
		appClientID: {
			ClientSecret:  appClientSecret,
			RedirectURI:   appRedirectURI,
			Scopes:        []string{"read", "write"},
			WebhookURL:    hooks.server.URL,
			WebhookSecret: appWebhookSecret,
		},
		"partner-app": {
			ClientSecret: "partner-secret",
			RedirectURI:  "https://partner.example.com/cb",
			Organization: "partners",
		},
	}
	cfg.SAML = map[string]config.SAMLTenantConfig{
		"corp": {
			UUID:                    samlTenantUUID,
			IdPSSOURL:               "https://idp.corp.example.com/sso",
			AppRedirectURL:          "https://app.example.com/home",
			ClientID:                appClientID,
			AllowUnsignedAssertions: true,
		},
	}
	cfg.OAuth.Providers = map[string]config.OAuthServiceConfig{}
	cfg.EID.Enabled = true
	cfg.EID.ApproveAfter = 0
	cfg.EID.CallbackSecret = eidCallbackSecret
	cfg.EID.SessionClient = appClientID

	for _, opt := range opts {
		opt(cfg)
	}

	app := bootstrap.NewBootstrapApp(*cfg)
	assert.NilError(t, app.Setup())
	t.Cleanup(func() { app.Close() })

	// a second connection for fixtures, sqlite in WAL mode serves both
	db, err := bootstrap.SetupDatabase(databasePath)
	assert.NilError(t, err)
	t.Cleanup(func() { db.Close() })

	queries := repository.New(db)

	return &testApp{
		handler:  app.Handler(),
		queries:  queries,
		identity: service.NewIdentityService(service.IdentityServiceConfig{}, queries),
		hooks:    hooks,
		cookies:  map[string]*http.Cookie{},
	}
}

func (app *testApp) createUser(t *testing.T, organization string, email string) repository.User {
	t.Helper()
	ctx := context.Background()

	org, err := app.queries.GetOrganizationBySlug(ctx, organization)
	assert.NilError(t, err)

	hash, err := utils.HashSecret(userPassword, 4)
	assert.NilError(t, err)

	user, err := app.identity.Create(ctx, org.ID, service.IdentityProfile{
		Email:         email,
		EmailVerified: true,
		Name:          "Test User",
	}, hash)
	assert.NilError(t, err)

	return user
}

// do sends the request with the cookies collected so far and records any
// cookies the response sets or clears
func (app *testApp) do(req *http.Request) *httptest.ResponseRecorder {
	for _, cookie := range app.cookies {
		req.AddCookie(cookie)
	}

	recorder := httptest.NewRecorder()
	app.handler.ServeHTTP(recorder, req)

	for _, cookie := range recorder.Result().Cookies() {
		if cookie.MaxAge < 0 || cookie.Value == "" {
			delete(app.cookies, cookie.Name)
			continue
		}
		app.cookies[cookie.Name] = cookie
	}

	return recorder
}

// otherBrowser shares the server but starts with an empty cookie jar
func (app *testApp) otherBrowser() *testApp {
	other := *app
	other.cookies = map[string]*http.Cookie{}
	return &other
}

func (app *testApp) get(target string) *httptest.ResponseRecorder {
	return app.do(httptest.NewRequest(http.MethodGet, target, nil))
}

func (app *testApp) postJSON(t *testing.T, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	assert.NilError(t, err)
	req := httptest.NewRequest(http.MethodPost, target, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	return app.do(req)
}

func (app *testApp) postForm(target string, values url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return app.do(req)
}

func (app *testApp) login(t *testing.T, email string) {
	t.Helper()
	recorder := app.postJSON(t, "/api/user/login", map[string]string{
		"email":    email,
		"password": userPassword,
	})
	assert.Equal(t, recorder.Code, http.StatusOK)
}

func decodeJSON(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	assert.NilError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	return body
}
