package flag

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/mpdev/channel"
	"github.com/bobuhiro11/mpdev/logging"
	"github.com/bobuhiro11/mpdev/probe"
	"github.com/bobuhiro11/mpdev/remote"
	"golang.org/x/sys/unix"
)

// Globals are accepted by every subcommand. Flags left at their zero value
// do not override the configuration file.
type Globals struct {
	Config       string        `help:"TOML runtime configuration file." type:"path" placeholder:"FILE"`
	Profile      string        `help:"Device profile (.yaml, .yml or .toml)." type:"path" placeholder:"FILE"`
	LogLevel     string        `help:"Log level: trace, debug, info, warn, error or off."`
	LogFormat    string        `help:"Log format: console or json."`
	ByteOrder    string        `help:"Wire byte order: native, little or big."`
	StrictSizes  bool          `help:"Reject frames whose declared size differs from the record size."`
	ReadTimeout  time.Duration `help:"Deadline for reading the rest of a frame after its header."`
	WriteTimeout time.Duration `help:"Deadline for writing a reply."`
}

type CLI struct {
	Globals

	// "mpdev <fd>" is the launch form used by the proxy.
	Serve ServeCMD `cmd:"" default:"withargs" help:"Serve the device side of a connected mpqemu socket."`
	Probe ProbeCMD `cmd:"" help:"Enumerate the emulated function over an in-process socketpair."`
}

type ServeCMD struct {
	FD int `arg:"" name:"fd" help:"Descriptor of the connected stream socket inherited from the proxy."`
}

type ProbeCMD struct{}

func Options() []kong.Option {
	programName := "mpdev"
	programDesc := "mpdev answers QEMU multi-process remote PCI requests for an emulated function"

	return []kong.Option{
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}),
	}
}

func Parse() error {
	c := CLI{}

	ctx := kong.Parse(&c, Options()...)

	err := ctx.Run(&c.Globals)

	return err
}

// Resolve merges defaults, the configuration file, the MPDEV_LOG_*
// variables and the flags, in that order.
func (g *Globals) Resolve() (Settings, error) {
	s := DefaultSettings()

	if g.Config != "" {
		var err error
		if s, err = LoadSettings(g.Config, s); err != nil {
			return Settings{}, err
		}
	}

	lc := logging.Config{Level: s.LogLevel, Format: s.LogFormat, NoColor: s.NoColor}
	logging.ApplyEnv(&lc)
	s.LogLevel, s.LogFormat, s.NoColor = lc.Level, lc.Format, lc.NoColor

	if g.Profile != "" {
		s.Profile = g.Profile
	}

	if g.LogLevel != "" {
		s.LogLevel = g.LogLevel
	}

	if g.LogFormat != "" {
		s.LogFormat = g.LogFormat
	}

	if g.ByteOrder != "" {
		s.ByteOrder = g.ByteOrder
	}

	if g.StrictSizes {
		s.StrictSizes = true
	}

	if g.ReadTimeout != 0 {
		s.ReadTimeout = g.ReadTimeout
	}

	if g.WriteTimeout != 0 {
		s.WriteTimeout = g.WriteTimeout
	}

	return s, nil
}

func (s *ServeCMD) Run(g *Globals) error {
	ch, err := channel.FromFD(s.FD)
	if err != nil {
		return err
	}
	defer ch.Close()

	settings, err := g.Resolve()
	if err != nil {
		return err
	}

	log, err := settings.Logger()
	if err != nil {
		return err
	}

	cfg, err := settings.SessionConfig(&log)
	if err != nil {
		return err
	}

	sess, err := remote.NewSession(ch, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	if err := sess.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (p *ProbeCMD) Run(g *Globals) error {
	settings, err := g.Resolve()
	if err != nil {
		return err
	}

	log, err := settings.Logger()
	if err != nil {
		return err
	}

	cfg, err := settings.SessionConfig(&log)
	if err != nil {
		return err
	}

	r, err := probe.Run(context.Background(), cfg)
	if err != nil {
		return err
	}

	return probe.Print(os.Stdout, r)
}
