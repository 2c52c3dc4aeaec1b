package tlog_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/idbroker/idbroker/internal/config"
	"github.com/idbroker/idbroker/internal/utils/tlog"

	"github.com/rs/zerolog"
	"gotest.tools/v3/assert"
)

func TestNewLogger(t *testing.T) {
	logger := tlog.NewLogger(config.LogConfig{
		Level: "debug",
		Json:  true,
		Streams: config.LogStreams{
			HTTP:  config.LogStreamConfig{Enabled: true, Level: "info"},
			App:   config.LogStreamConfig{Enabled: true},
			Audit: config.LogStreamConfig{Enabled: false},
		},
	})

	assert.Assert(t, logger != nil)
	assert.Equal(t, logger.HTTP.GetLevel(), zerolog.InfoLevel)
	assert.Equal(t, logger.App.GetLevel(), zerolog.DebugLevel)
	assert.Equal(t, logger.Audit.GetLevel(), zerolog.Disabled)
}

func TestNewSimpleLogger(t *testing.T) {
	logger := tlog.NewSimpleLogger()

	assert.Equal(t, logger.HTTP.GetLevel(), zerolog.InfoLevel)
	assert.Equal(t, logger.App.GetLevel(), zerolog.InfoLevel)
	assert.Equal(t, logger.Audit.GetLevel(), zerolog.Disabled)
}

func TestInvalidLevelFallsBackToInfo(t *testing.T) {
	logger := tlog.NewLogger(config.LogConfig{
		Level: "loud",
		Streams: config.LogStreams{
			App: config.LogStreamConfig{Enabled: true},
		},
	})

	assert.Equal(t, logger.App.GetLevel(), zerolog.InfoLevel)
	assert.Equal(t, logger.HTTP.GetLevel(), zerolog.Disabled)
}

func TestLogStreamField(t *testing.T) {
	var buf bytes.Buffer

	logger := tlog.NewLogger(config.LogConfig{
		Level: "info",
		Json:  true,
		Streams: config.LogStreams{
			HTTP:  config.LogStreamConfig{Enabled: true},
			App:   config.LogStreamConfig{Enabled: true},
			Audit: config.LogStreamConfig{Enabled: true},
		},
	})

	logger.Audit = logger.Audit.Output(&buf)
	logger.Init()

	tlog.AuditWebhookExhausted("client-1", "token_issued", "delivery-1", 3)

	var entry map[string]any
	err := json.Unmarshal(buf.Bytes(), &entry)
	assert.NilError(t, err)

	assert.Equal(t, entry["log_stream"], "audit")
	assert.Equal(t, entry["client_id"], "client-1")
	assert.Equal(t, entry["attempts"], float64(3))
}

func TestInitReplacesGlobalLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := tlog.NewLoggerWithOutput(config.LogConfig{
		Level: "info",
		Json:  true,
		Streams: config.LogStreams{
			App: config.LogStreamConfig{Enabled: true, Level: "warn"},
		},
	}, &buf)
	logger.Init()

	tlog.App.Info().Msg("dropped")
	assert.Equal(t, buf.Len(), 0)

	tlog.App.Warn().Msg("kept")

	var entry map[string]any
	err := json.Unmarshal(buf.Bytes(), &entry)
	assert.NilError(t, err)
	assert.Equal(t, entry["message"], "kept")
	assert.Equal(t, entry["log_stream"], "app")

	buf.Reset()
	tlog.HTTP.Error().Msg("disabled stream")
	assert.Equal(t, buf.Len(), 0)

	tlog.NewSimpleLogger().Init()
}
