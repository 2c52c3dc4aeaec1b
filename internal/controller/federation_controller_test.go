package controller_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/idbroker/idbroker/internal/config"
	"github.com/idbroker/idbroker/internal/service"
	"github.com/idbroker/idbroker/internal/utils"

	"gotest.tools/v3/assert"
)

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := r.ParseForm(); err != nil || r.Form.Get("code") != "upstream-code" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "upstream-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})

	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(config.Claims{
			Sub:   "upstream-7",
			Name:  "Olivia Upstream",
			Email: "olivia@example.com",
		})
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return server
}

func withUpstream(upstream *httptest.Server, sessionClient string) testAppOption {
	return withOAuthProvider("acme", config.OAuthServiceConfig{
		ClientID:      "broker",
		ClientSecret:  "broker-secret",
		AuthURL:       upstream.URL + "/authorize",
		TokenURL:      upstream.URL + "/token",
		UserinfoURL:   upstream.URL + "/userinfo",
		SessionClient: sessionClient,
	})
}

func TestOAuthFederationLogin(t *testing.T) {
	app := newTestApp(t, withUpstream(newUpstream(t), appClientID))

	recorder := app.get("/api/federation/oauth/acme/url")
	assert.Equal(t, recorder.Code, http.StatusOK)

	authURL, err := url.Parse(decodeJSON(t, recorder)["url"].(string))
	assert.NilError(t, err)

	state := authURL.Query().Get("state")
	assert.Assert(t, state != "")
	assert.Equal(t, authURL.Query().Get("redirect_uri"), appURL+"/api/federation/oauth/acme/callback")

	recorder = app.get("/api/federation/oauth/acme/callback?" + url.Values{"state": {state}, "code": {"upstream-code"}}.Encode())
	assert.Equal(t, recorder.Code, http.StatusTemporaryRedirect)

	// tokens only travel to the bound client's registered redirect uri
	location, err := url.Parse(recorder.Header().Get("Location"))
	assert.NilError(t, err)
	assert.Equal(t, location.Scheme+"://"+location.Host+location.Path, appRedirectURI)

	fragment, err := url.ParseQuery(location.Fragment)
	assert.NilError(t, err)
	assert.Assert(t, fragment.Get("access_token") != "")
	assert.Equal(t, fragment.Get("token_type"), "Bearer")

	// the browser now carries a broker session
	recorder = app.get("/api/context/user")
	assert.Equal(t, recorder.Code, http.StatusOK)

	body := decodeJSON(t, recorder)
	assert.Equal(t, body["email"], "olivia@example.com")
	assert.Equal(t, body["provider"], "acme")

	recorder = app.get("/api/federation/connections")
	assert.Equal(t, recorder.Code, http.StatusOK)
	assert.Equal(t, len(decodeJSON(t, recorder)["connections"].([]any)), 1)

	waitForDelivery(t, app.hooks, service.EventFederatedLogin)
}

func TestOAuthFederationIgnoresRequestedClient(t *testing.T) {
	app := newTestApp(t, withUpstream(newUpstream(t), ""))

	recorder := app.get("/api/federation/oauth/acme/url?client_id=" + appClientID)
	assert.Equal(t, recorder.Code, http.StatusOK)

	authURL, err := url.Parse(decodeJSON(t, recorder)["url"].(string))
	assert.NilError(t, err)

	recorder = app.get("/api/federation/oauth/acme/callback?" + url.Values{"state": {authURL.Query().Get("state")}, "code": {"upstream-code"}}.Encode())
	assert.Equal(t, recorder.Code, http.StatusTemporaryRedirect)

	// a session cookie but no tokens for a client named in the query
	location, err := url.Parse(recorder.Header().Get("Location"))
	assert.NilError(t, err)
	assert.Equal(t, location.Host, "auth.example.com")
	assert.Equal(t, location.Fragment, "")

	recorder = app.get("/api/context/user")
	assert.Equal(t, recorder.Code, http.StatusOK)
}

func TestOAuthFederationRejectsForgedState(t *testing.T) {
	app := newTestApp(t, withUpstream(newUpstream(t), appClientID))

	recorder := app.get("/api/federation/oauth/acme/url")
	assert.Equal(t, recorder.Code, http.StatusOK)

	recorder = app.get("/api/federation/oauth/acme/callback?state=forged&code=upstream-code")
	assert.Equal(t, recorder.Code, http.StatusTemporaryRedirect)
	assert.Equal(t, recorder.Header().Get("Location"), appURL+"/error")

	recorder = app.get("/api/context/user")
	assert.Equal(t, recorder.Code, http.StatusUnauthorized)

	recorder = app.get("/api/federation/oauth/unknown/url")
	assert.Equal(t, recorder.Code, http.StatusNotFound)
}

func TestEIDLogin(t *testing.T) {
	app := newTestApp(t)

	recorder := app.postJSON(t, "/api/federation/eid/initiate", map[string]string{
		"identifier": "199001011234",
		"channel":    "push",
	})
	assert.Equal(t, recorder.Code, http.StatusOK)

	transactionID := decodeJSON(t, recorder)["transactionId"].(string)

	recorder = app.get("/api/federation/eid/status/" + transactionID)
	assert.Equal(t, recorder.Code, http.StatusOK)

	body := decodeJSON(t, recorder)
	assert.Equal(t, body["transaction"], "approved")

	token := body["token"].(map[string]any)
	assert.Assert(t, token["access_token"] != "")

	recorder = app.get("/api/context/user")
	assert.Equal(t, recorder.Code, http.StatusOK)
	assert.Equal(t, decodeJSON(t, recorder)["provider"], service.ProviderEID)

	// the approval is handed out once
	recorder = app.get("/api/federation/eid/status/" + transactionID)
	assert.Equal(t, recorder.Code, http.StatusOK)
	assert.Equal(t, decodeJSON(t, recorder)["transaction"], "expired")
}

func TestEIDStatusBoundToInitiatingBrowser(t *testing.T) {
	app := newTestApp(t)

	recorder := app.postJSON(t, "/api/federation/eid/initiate", map[string]string{
		"identifier": "199001011234",
		"channel":    "qr",
	})
	assert.Equal(t, recorder.Code, http.StatusOK)

	body := decodeJSON(t, recorder)
	transactionID := body["transactionId"].(string)

	// whoever reads the QR code learns neither the poll handle nor the binding
	challenge := body["challenge"].(string)
	assert.Assert(t, !strings.Contains(challenge, transactionID))
	for _, cookie := range recorder.Result().Cookies() {
		assert.Assert(t, !strings.Contains(challenge, cookie.Value))
	}

	onlooker := app.otherBrowser()

	recorder = onlooker.get("/api/federation/eid/status/" + transactionID)
	assert.Equal(t, recorder.Code, http.StatusUnauthorized)

	recorder = onlooker.get("/api/context/user")
	assert.Equal(t, recorder.Code, http.StatusUnauthorized)

	// the initiating browser still receives the approval
	recorder = app.get("/api/federation/eid/status/" + transactionID)
	assert.Equal(t, recorder.Code, http.StatusOK)
	assert.Equal(t, decodeJSON(t, recorder)["transaction"], "approved")
}

func TestEIDWithoutSessionClient(t *testing.T) {
	app := newTestApp(t, func(cfg *config.Config) {
		cfg.EID.SessionClient = ""
	})

	recorder := app.postJSON(t, "/api/federation/eid/initiate", map[string]string{"identifier": "199001011234"})
	assert.Equal(t, recorder.Code, http.StatusOK)

	transactionID := decodeJSON(t, recorder)["transactionId"].(string)

	recorder = app.get("/api/federation/eid/status/" + transactionID + "?client_id=" + appClientID)
	assert.Equal(t, recorder.Code, http.StatusOK)

	body := decodeJSON(t, recorder)
	assert.Equal(t, body["transaction"], "approved")
	_, hasToken := body["token"]
	assert.Assert(t, !hasToken)

	recorder = app.get("/api/context/user")
	assert.Equal(t, recorder.Code, http.StatusOK)
}

func TestEIDInitiateValidation(t *testing.T) {
	app := newTestApp(t)

	recorder := app.postJSON(t, "/api/federation/eid/initiate", map[string]string{})
	assert.Equal(t, recorder.Code, http.StatusBadRequest)

	recorder = app.postJSON(t, "/api/federation/eid/initiate", map[string]string{
		"identifier": "199001011234",
		"channel":    "fax",
	})
	assert.Equal(t, recorder.Code, http.StatusBadRequest)
}

func TestEIDCallbackSignature(t *testing.T) {
	app := newTestApp(t, func(cfg *config.Config) {
		cfg.EID.ApproveAfter = 3600
	})

	recorder := app.postJSON(t, "/api/federation/eid/initiate", map[string]string{"identifier": "199001011234"})
	assert.Equal(t, recorder.Code, http.StatusOK)

	transactionID := decodeJSON(t, recorder)["transactionId"].(string)

	body, err := json.Marshal(service.EIDCallback{
		TransactionID: transactionID,
		Status:        service.EIDStatusRejected,
	})
	assert.NilError(t, err)

	callback := func(signature string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/federation/eid/callback", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-EID-Signature", signature)
		return app.do(req)
	}

	recorder = callback(utils.SignHMAC(body, "not-the-secret"))
	assert.Equal(t, recorder.Code, http.StatusUnauthorized)

	recorder = callback("sha256=" + utils.SignHMAC(body, eidCallbackSecret))
	assert.Equal(t, recorder.Code, http.StatusOK)

	recorder = app.get("/api/federation/eid/status/" + transactionID)
	assert.Equal(t, recorder.Code, http.StatusOK)
	assert.Equal(t, decodeJSON(t, recorder)["transaction"], "rejected")
}
