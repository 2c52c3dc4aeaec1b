package controller_test

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/idbroker/idbroker/internal/service"

	"gotest.tools/v3/assert"
)

func TestSAMLFieldPostLogin(t *testing.T) {
	app := newTestApp(t)

	recorder := app.postJSON(t, "/saml/"+samlTenantUUID+"/acs", map[string]any{
		"nameID": "user@corp.com",
		"attributes": map[string]any{
			"email":     "user@corp.com",
			"firstName": "A",
			"lastName":  "B",
		},
	})
	assert.Equal(t, recorder.Code, http.StatusSeeOther)

	location, err := url.Parse(recorder.Header().Get("Location"))
	assert.NilError(t, err)
	assert.Equal(t, location.Host, "app.example.com")
	assert.Equal(t, location.Path, "/home")

	fragment, err := url.ParseQuery(location.Fragment)
	assert.NilError(t, err)
	assert.Assert(t, fragment.Get("access_token") != "")
	assert.Assert(t, fragment.Get("refresh_token") != "")

	org, err := app.queries.GetOrganizationBySlug(context.Background(), service.DefaultOrganization)
	assert.NilError(t, err)

	user, err := app.identity.FindByEmail(context.Background(), org.ID, "user@corp.com")
	assert.NilError(t, err)
	assert.Equal(t, user.GivenName, "A")
	assert.Equal(t, user.FamilyName, "B")
	assert.Equal(t, user.Name, "A B")

	recorder = app.get("/api/context/user")
	assert.Equal(t, recorder.Code, http.StatusOK)
	assert.Equal(t, decodeJSON(t, recorder)["userId"], user.ID)

	waitForDelivery(t, app.hooks, service.EventSAMLLogin)

	// a second assertion for the same address finds the same identity
	recorder = app.postForm("/saml/"+samlTenantUUID+"/acs", url.Values{
		"nameID":     {"USER@corp.com"},
		"RelayState": {"https://app.example.com/reports"},
	})
	assert.Equal(t, recorder.Code, http.StatusSeeOther)

	location, err = url.Parse(recorder.Header().Get("Location"))
	assert.NilError(t, err)
	assert.Equal(t, location.Path, "/reports")

	recorder = app.get("/api/context/user")
	assert.Equal(t, decodeJSON(t, recorder)["userId"], user.ID)
}

func TestSAMLErrors(t *testing.T) {
	app := newTestApp(t)

	recorder := app.postJSON(t, "/saml/00000000-0000-0000-0000-000000000000/acs", map[string]any{"nameID": "user@corp.com"})
	assert.Equal(t, recorder.Code, http.StatusNotFound)

	recorder = app.postJSON(t, "/saml/"+samlTenantUUID+"/acs", map[string]any{"attributes": map[string]any{"firstName": "A"}})
	assert.Equal(t, recorder.Code, http.StatusBadRequest)

	// a SAMLResponse always needs idp metadata to be verified
	recorder = app.postForm("/saml/"+samlTenantUUID+"/acs", url.Values{"SAMLResponse": {"PFJlc3BvbnNlLz4="}})
	assert.Equal(t, recorder.Code, http.StatusUnauthorized)
}

func TestSAMLLoginLogoutAndMetadata(t *testing.T) {
	app := newTestApp(t)

	recorder := app.get("/saml/" + samlTenantUUID + "/login?redirect_uri=" + url.QueryEscape("https://evil.test/steal"))
	assert.Equal(t, recorder.Code, http.StatusFound)

	location, err := url.Parse(recorder.Header().Get("Location"))
	assert.NilError(t, err)
	assert.Equal(t, location.Host, "idp.corp.example.com")
	assert.Equal(t, location.Query().Get("RelayState"), "https://app.example.com/home")

	recorder = app.get("/saml/" + samlTenantUUID + "/metadata")
	assert.Equal(t, recorder.Code, http.StatusOK)
	assert.Equal(t, recorder.Header().Get("Content-Type"), "application/xml")
	assert.Assert(t, strings.Contains(recorder.Body.String(), appURL+"/saml/"+samlTenantUUID+"/acs"))

	recorder = app.postJSON(t, "/saml/"+samlTenantUUID+"/acs", map[string]any{"nameID": "user@corp.com"})
	assert.Equal(t, recorder.Code, http.StatusSeeOther)

	recorder = app.get("/saml/" + samlTenantUUID + "/logout")
	assert.Equal(t, recorder.Code, http.StatusFound)
	assert.Equal(t, recorder.Header().Get("Location"), "https://app.example.com/home")

	recorder = app.get("/api/context/user")
	assert.Equal(t, recorder.Code, http.StatusUnauthorized)
}
