package utils_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/idbroker/idbroker/internal/config"
	"github.com/idbroker/idbroker/internal/utils"

	"github.com/gin-gonic/gin"
	"gotest.tools/v3/assert"
)

func TestGetCookieDomain(t *testing.T) {
	// Normal case
	result, err := utils.GetCookieDomain("http://auth.idbroker.test.example.com")
	assert.NilError(t, err)
	assert.Equal(t, "idbroker.test.example.com", result)

	// Single subdomain
	result, err = utils.GetCookieDomain("https://auth.example.com/path")
	assert.NilError(t, err)
	assert.Equal(t, "example.com", result)

	// URL with port
	result, err = utils.GetCookieDomain("http://auth.example.com:8080")
	assert.NilError(t, err)
	assert.Equal(t, "example.com", result)

	// No subdomain
	_, err = utils.GetCookieDomain("http://example.com")
	assert.Error(t, err, "invalid app url, must be at least second level domain")

	// IP address
	_, err = utils.GetCookieDomain("http://10.10.10.10")
	assert.ErrorContains(t, err, "IP addresses not allowed")

	// Domain managed by ICANN
	_, err = utils.GetCookieDomain("http://example.co.uk")
	assert.Error(t, err, "domain in public suffix list, cannot set cookies")
}

func TestGetContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(nil)

	// No context
	_, err := utils.GetContext(c)
	assert.Error(t, err, "no user context in request")

	// Normal case
	c.Set("context", &config.UserContext{UserID: "user-1", IsLoggedIn: true})
	result, err := utils.GetContext(c)
	assert.NilError(t, err)
	assert.Equal(t, "user-1", result.UserID)

	// Invalid context type
	c.Set("context", "invalid type")
	_, err = utils.GetContext(c)
	assert.Error(t, err, "invalid user context in request")
}

func TestIsRedirectSafe(t *testing.T) {
	domain := "example.com"

	assert.Equal(t, true, utils.IsRedirectSafe("https://example.com/welcome", domain))
	assert.Equal(t, true, utils.IsRedirectSafe("http://sub.example.com:8080/page", domain))
	assert.Equal(t, false, utils.IsRedirectSafe("http://malicious.com/phishing", domain))
	assert.Equal(t, false, utils.IsRedirectSafe("http://evilexample.com/", domain))
	assert.Equal(t, false, utils.IsRedirectSafe("/relative", domain))
	assert.Equal(t, false, utils.IsRedirectSafe("javascript://example.com/%0aalert(1)", domain))
	assert.Equal(t, false, utils.IsRedirectSafe("", domain))
	assert.Equal(t, false, utils.IsRedirectSafe("http://[::1]:namedport", domain))
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	err := os.WriteFile(path, []byte("contents"), 0600)
	assert.NilError(t, err)

	data, err := utils.ReadFile(path)
	assert.NilError(t, err)
	assert.Equal(t, "contents", data)

	_, err = utils.ReadFile(filepath.Join(t.TempDir(), "missing"))
	assert.Assert(t, err != nil)
}
