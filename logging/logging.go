// Package logging builds the zerolog logger shared by the responder.
package logging

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/bobuhiro11/mpdev/term"
	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "MPDEV_LOG_LEVEL"
	EnvLogFormat  = "MPDEV_LOG_FORMAT"
	EnvLogNoColor = "MPDEV_LOG_NOCOLOR"
)

// Config selects level and output format. Format is "console" (default)
// or "json".
type Config struct {
	Level   string
	Format  string
	NoColor bool
	Out     io.Writer
}

// ApplyEnv overrides cfg with the MPDEV_LOG_* variables that are set.
func ApplyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Level = v
	}

	if v := strings.TrimSpace(os.Getenv(EnvLogFormat)); v != "" {
		cfg.Format = v
	}

	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvLogNoColor))); err == nil {
		cfg.NoColor = v
	}
}

// New returns a logger writing to cfg.Out (stderr when nil).
func New(app string, cfg Config) (zerolog.Logger, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	out := cfg.Out
	if out == nil {
		out = os.Stderr
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Format)) {
	case "", "console", "text":
		noColor := cfg.NoColor
		if f, ok := out.(*os.File); ok && !term.IsTerminal(f.Fd()) {
			noColor = true
		}

		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    noColor,
		}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("unknown log format %q", cfg.Format)
	}

	return zerolog.New(out).Level(lvl).With().Timestamp().Str("app", app).Logger(), nil
}

// ParseLevel accepts zerolog level names plus "warning" and "off".
func ParseLevel(raw string) (zerolog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, nil
	case "trace":
		return zerolog.TraceLevel, nil
	case "debug":
		return zerolog.DebugLevel, nil
	case "info":
		return zerolog.InfoLevel, nil
	case "warn", "warning":
		return zerolog.WarnLevel, nil
	case "error":
		return zerolog.ErrorLevel, nil
	case "disabled", "off", "none":
		return zerolog.Disabled, nil
	}

	return zerolog.NoLevel, fmt.Errorf("unknown log level %q", raw)
}
