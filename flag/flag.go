package flag

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/bobuhiro11/mpdev/logging"
	"github.com/bobuhiro11/mpdev/mpqemu"
	"github.com/bobuhiro11/mpdev/pci"
	"github.com/bobuhiro11/mpdev/remote"
	"github.com/rs/zerolog"
)

// Settings is the resolved runtime configuration.
type Settings struct {
	LogLevel     string
	LogFormat    string
	NoColor      bool
	ByteOrder    string
	StrictSizes  bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Profile      string
}

func DefaultSettings() Settings {
	return Settings{
		LogLevel:  "info",
		LogFormat: "console",
		ByteOrder: "native",
	}
}

type fileConfig struct {
	LogLevel     string `toml:"log_level"`
	LogFormat    string `toml:"log_format"`
	NoColor      bool   `toml:"no_color"`
	ByteOrder    string `toml:"byte_order"`
	StrictSizes  bool   `toml:"strict_sizes"`
	ReadTimeout  string `toml:"read_timeout"`
	WriteTimeout string `toml:"write_timeout"`
	Profile      string `toml:"profile"`
}

// LoadSettings overlays the keys present in the TOML file at path onto cfg.
func LoadSettings(path string, cfg Settings) (Settings, error) {
	var raw fileConfig

	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Settings{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}

	if meta.IsDefined("no_color") {
		cfg.NoColor = raw.NoColor
	}

	if meta.IsDefined("byte_order") {
		cfg.ByteOrder = strings.TrimSpace(raw.ByteOrder)
	}

	if meta.IsDefined("strict_sizes") {
		cfg.StrictSizes = raw.StrictSizes
	}

	if meta.IsDefined("read_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ReadTimeout))
		if err != nil {
			return Settings{}, fmt.Errorf("parse read_timeout: %w", err)
		}

		cfg.ReadTimeout = d
	}

	if meta.IsDefined("write_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.WriteTimeout))
		if err != nil {
			return Settings{}, fmt.Errorf("parse write_timeout: %w", err)
		}

		cfg.WriteTimeout = d
	}

	if meta.IsDefined("profile") {
		cfg.Profile = strings.TrimSpace(raw.Profile)
	}

	return cfg, nil
}

// Logger builds the process logger from s.
func (s Settings) Logger() (zerolog.Logger, error) {
	return logging.New("mpdev", logging.Config{
		Level:   s.LogLevel,
		Format:  s.LogFormat,
		NoColor: s.NoColor,
	})
}

// SessionConfig builds the codec and device a session serves.
func (s Settings) SessionConfig(log *zerolog.Logger) (remote.Config, error) {
	order, err := mpqemu.ParseByteOrder(s.ByteOrder)
	if err != nil {
		return remote.Config{}, err
	}

	var profile *pci.Profile

	if s.Profile != "" {
		if profile, err = pci.LoadProfile(s.Profile); err != nil {
			return remote.Config{}, err
		}
	}

	dev, err := pci.NewDevice(pci.DeviceConfig{Profile: profile, Logger: log})
	if err != nil {
		return remote.Config{}, err
	}

	return remote.Config{
		Codec:        mpqemu.NewCodec(order),
		Device:       dev,
		Logger:       log,
		StrictSizes:  s.StrictSizes,
		ReadTimeout:  s.ReadTimeout,
		WriteTimeout: s.WriteTimeout,
	}, nil
}
