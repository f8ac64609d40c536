package logging_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/bobuhiro11/mpdev/logging"
	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for in, expected := range map[string]zerolog.Level{
		"":        zerolog.InfoLevel,
		"DEBUG":   zerolog.DebugLevel,
		"warning": zerolog.WarnLevel,
		" error ": zerolog.ErrorLevel,
		"off":     zerolog.Disabled,
		"trace":   zerolog.TraceLevel,
	} {
		actual, err := logging.ParseLevel(in)
		if err != nil {
			t.Fatal(err)
		}

		if actual != expected {
			t.Fatalf("%q: expected: %v, actual: %v", in, expected, actual)
		}
	}

	if _, err := logging.ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

func TestNewJSON(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	log, err := logging.New("mpdev", logging.Config{Level: "debug", Format: "json", Out: &buf})
	if err != nil {
		t.Fatal(err)
	}

	log.Debug().Str("cmd", "PCI_CFGREAD").Msg("frame")

	out := buf.String()
	for _, s := range []string{`"app":"mpdev"`, `"cmd":"PCI_CFGREAD"`, `"level":"debug"`} {
		if !strings.Contains(out, s) {
			t.Fatalf("missing %s in %s", s, out)
		}
	}
}

func TestNewConsoleFiltersLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	log, err := logging.New("mpdev", logging.Config{Level: "warn", NoColor: true, Out: &buf})
	if err != nil {
		t.Fatal(err)
	}

	log.Info().Msg("hidden")
	log.Warn().Msg("shown")

	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	if _, err := logging.New("mpdev", logging.Config{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(logging.EnvLogLevel, "debug")
	t.Setenv(logging.EnvLogFormat, "json")
	t.Setenv(logging.EnvLogNoColor, "true")

	cfg := logging.Config{Level: "info", Format: "console"}
	logging.ApplyEnv(&cfg)

	if cfg.Level != "debug" || cfg.Format != "json" || !cfg.NoColor {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}
