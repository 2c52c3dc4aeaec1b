package tlog

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/idbroker/idbroker/internal/config"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger groups the named log streams. The package level copies are what
// the rest of the broker writes to once Init has been called.
type Logger struct {
	Base  zerolog.Logger
	Audit zerolog.Logger
	HTTP  zerolog.Logger
	App   zerolog.Logger
}

var (
	Audit = zerolog.Nop()
	HTTP  = zerolog.Nop()
	App   = zerolog.Nop()
)

func NewLogger(cfg config.LogConfig) *Logger {
	return newLogger(cfg, os.Stderr)
}

func newLogger(cfg config.LogConfig, out io.Writer) *Logger {
	if !cfg.Json {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	base := zerolog.New(out).
		With().
		Timestamp().
		Caller().
		Logger().
		Level(parseLogLevel(cfg.Level))

	return &Logger{
		Base:  base,
		Audit: stream("audit", cfg.Streams.Audit, base),
		HTTP:  stream("http", cfg.Streams.HTTP, base),
		App:   stream("app", cfg.Streams.App, base),
	}
}

// NewSimpleLogger is used by the CLI subcommands and tests
func NewSimpleLogger() *Logger {
	return NewLogger(config.LogConfig{
		Level: "info",
		Streams: config.LogStreams{
			HTTP: config.LogStreamConfig{Enabled: true},
			App:  config.LogStreamConfig{Enabled: true},
		},
	})
}

func (l *Logger) Init() {
	Audit = l.Audit
	HTTP = l.HTTP
	App = l.App
	log.Logger = l.Base
}

func stream(name string, cfg config.LogStreamConfig, base zerolog.Logger) zerolog.Logger {
	if !cfg.Enabled {
		return zerolog.Nop()
	}
	logger := base.With().Str("log_stream", name).Logger()
	if cfg.Level != "" {
		logger = logger.Level(parseLogLevel(cfg.Level))
	}
	return logger
}

func parseLogLevel(level string) zerolog.Level {
	if level == "" {
		return zerolog.InfoLevel
	}
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || parsed == zerolog.NoLevel {
		log.Warn().Str("level", level).Msg("Invalid log level, defaulting to info")
		return zerolog.InfoLevel
	}
	return parsed
}
