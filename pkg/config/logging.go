package config

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogLevelEnv overrides logging.level when set.
const LogLevelEnv = "ASTRORELAY_LOG_LEVEL"

// Level resolves the effective log level: the env override first, then
// verbose mode, then the configured level.
func (c *Config) Level() zerolog.Level {
	if raw := strings.TrimSpace(os.Getenv(LogLevelEnv)); raw != "" {
		if lvl, err := zerolog.ParseLevel(strings.ToLower(raw)); err == nil {
			return lvl
		}
	}
	if c.Verbose {
		return zerolog.DebugLevel
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.Logging.Level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// NewLogger builds the root logger writing to out.
func (c *Config) NewLogger(out io.Writer) zerolog.Logger {
	if out == nil {
		out = os.Stderr
	}
	if c.Logging.Format != "json" {
		cw := zerolog.ConsoleWriter{Out: out, TimeFormat: time.DateTime}
		if !c.Logging.Timestamps {
			cw.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		out = cw
	}
	ctx := zerolog.New(out).Level(c.Level()).With()
	if c.Logging.Timestamps {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}
