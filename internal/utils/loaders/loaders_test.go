package loaders_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/idbroker/idbroker/internal/config"
	"github.com/idbroker/idbroker/internal/utils/loaders"

	"github.com/traefik/paerser/cli"
	"gotest.tools/v3/assert"
)

func newCommand() (*cli.Command, *config.Config) {
	cfg := config.NewDefaultConfiguration()
	return &cli.Command{
		Name:          "idbroker",
		Configuration: cfg,
	}, cfg
}

func TestEnvLoader(t *testing.T) {
	t.Setenv("IDBROKER_APPURL", "https://auth.example.com")
	t.Setenv("IDBROKER_SERVER_PORT", "8080")
	t.Setenv("IDBROKER_CLIENTS_WEB_REDIRECTURI", "https://app.example.com/callback")
	t.Setenv("IDBROKER_CLIENTS_WEB_SCOPES", "read,write")

	cmd, cfg := newCommand()

	loaded, err := (&loaders.EnvLoader{}).Load(nil, cmd)
	assert.NilError(t, err)
	assert.Assert(t, loaded)

	assert.Equal(t, cfg.AppURL, "https://auth.example.com")
	assert.Equal(t, cfg.Server.Port, 8080)
	assert.Equal(t, cfg.Clients["web"].RedirectURI, "https://app.example.com/callback")
	assert.DeepEqual(t, cfg.Clients["web"].Scopes, []string{"read", "write"})

	// untouched values keep their defaults
	assert.Equal(t, cfg.Tokens.AccessTokenExpiry, 3600)
}

func TestEnvLoaderWithoutVariables(t *testing.T) {
	cmd, _ := newCommand()

	loaded, err := (&loaders.EnvLoader{}).Load(nil, cmd)
	assert.NilError(t, err)
	assert.Assert(t, !loaded)
}

func TestFlagLoader(t *testing.T) {
	cmd, cfg := newCommand()

	loaded, err := (&loaders.FlagLoader{}).Load([]string{
		"--appurl=https://auth.example.com",
		"--tokens.denylist=false",
		"--webhooks.maxattempts=5",
	}, cmd)
	assert.NilError(t, err)
	assert.Assert(t, loaded)

	assert.Equal(t, cfg.AppURL, "https://auth.example.com")
	assert.Equal(t, cfg.Tokens.Denylist, false)
	assert.Equal(t, cfg.Webhooks.MaxAttempts, 5)
}

func TestFileLoader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "idbroker.yaml")

	err := os.WriteFile(path, []byte("appUrl: https://auth.example.com\nserver:\n  port: 9000\n"), 0600)
	assert.NilError(t, err)

	cmd, cfg := newCommand()

	loaded, err := (&loaders.FileLoader{}).Load([]string{"--experimental.configfile=" + path}, cmd)
	assert.NilError(t, err)
	assert.Assert(t, loaded)

	assert.Equal(t, cfg.AppURL, "https://auth.example.com")
	assert.Equal(t, cfg.Server.Port, 9000)
}

func TestFileLoaderWithoutFile(t *testing.T) {
	cmd, _ := newCommand()

	loaded, err := (&loaders.FileLoader{}).Load([]string{"--appurl=https://auth.example.com"}, cmd)
	assert.NilError(t, err)
	assert.Assert(t, !loaded)
}
