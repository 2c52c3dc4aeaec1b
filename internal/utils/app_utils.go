package utils

import (
	"errors"
	"net"
	"net/url"
	"os"
	"strings"

	"github.com/idbroker/idbroker/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/weppos/publicsuffix-go/publicsuffix"
)

// GetCookieDomain returns the parent domain of the app URL host, the session
// cookie is scoped to it (e.g. auth.example.com -> example.com)
func GetCookieDomain(appUrl string) (string, error) {
	parsed, err := url.Parse(appUrl)
	if err != nil {
		return "", err
	}

	host := parsed.Hostname()

	if netIP := net.ParseIP(host); netIP != nil {
		return "", errors.New("IP addresses not allowed")
	}

	parts := strings.Split(host, ".")

	if len(parts) < 3 {
		return "", errors.New("invalid app url, must be at least second level domain")
	}

	domain := strings.Join(parts[1:], ".")

	_, err = publicsuffix.DomainFromListWithOptions(publicsuffix.DefaultList, domain, nil)

	if err != nil {
		return "", errors.New("domain in public suffix list, cannot set cookies")
	}

	return domain, nil
}

func GetContext(c *gin.Context) (config.UserContext, error) {
	userContextValue, exists := c.Get("context")

	if !exists {
		return config.UserContext{}, errors.New("no user context in request")
	}

	userContext, ok := userContextValue.(*config.UserContext)

	if !ok {
		return config.UserContext{}, errors.New("invalid user context in request")
	}

	return *userContext, nil
}

// IsRedirectSafe reports whether redirectURL is an absolute URL on the cookie
// domain or one of its subdomains
func IsRedirectSafe(redirectURL string, domain string) bool {
	if redirectURL == "" || domain == "" {
		return false
	}

	parsedURL, err := url.Parse(redirectURL)

	if err != nil || !parsedURL.IsAbs() {
		return false
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return false
	}

	host := parsedURL.Hostname()

	return host == domain || strings.HasSuffix(host, "."+domain)
}

func ReadFile(file string) (string, error) {
	_, err := os.Stat(file)
	if err != nil {
		return "", err
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return "", err
	}

	return string(data), nil
}
