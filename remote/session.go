// Package remote serves the device side of an mpqemu link. A Session reads
// one request frame at a time, applies it to its pci.Device and writes the
// reply before reading the next frame.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bobuhiro11/mpdev/memory"
	"github.com/bobuhiro11/mpdev/mpqemu"
	"github.com/bobuhiro11/mpdev/pci"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// Config wires a Session. A nil Device is replaced by the default mock
// function; a zero Codec uses the host byte order.
type Config struct {
	Codec  mpqemu.Codec
	Device *pci.Device
	Logger *zerolog.Logger

	// StrictSizes rejects config and BAR frames whose declared size differs
	// from the record size. Otherwise the record is read anyway and the
	// mismatch is logged.
	StrictSizes bool

	// ReadTimeout bounds reading the rest of a frame once its header has
	// arrived. WriteTimeout bounds writing a reply. Zero disables either.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Session is one synchronous request/response loop over a channel.
type Session struct {
	id     string
	rw     io.ReadWriter
	codec  mpqemu.Codec
	dev    *pci.Device
	sysmem memory.Sysmem
	log    zerolog.Logger

	strict       bool
	readTimeout  time.Duration
	writeTimeout time.Duration

	frames uint64
}

// NewSession binds a session to rw. rw is usually a *channel.Channel.
func NewSession(rw io.ReadWriter, cfg Config) (*Session, error) {
	s := &Session{
		id:           xid.New().String(),
		rw:           rw,
		codec:        mpqemu.NewCodec(cfg.Codec.Order),
		dev:          cfg.Device,
		strict:       cfg.StrictSizes,
		readTimeout:  cfg.ReadTimeout,
		writeTimeout: cfg.WriteTimeout,
		log:          zerolog.Nop(),
	}

	if cfg.Logger != nil {
		s.log = cfg.Logger.With().Str("session", s.id).Logger()
	}

	if s.dev == nil {
		dev, err := pci.NewDevice(pci.DeviceConfig{Logger: &s.log})
		if err != nil {
			return nil, err
		}

		s.dev = dev
	}

	return s, nil
}

// ID is the session identifier attached to every log line.
func (s *Session) ID() string { return s.id }

// Device returns the function served by the session.
func (s *Session) Device() *pci.Device { return s.dev }

// Regions returns the guest memory table from the last SYNC_SYSMEM.
func (s *Session) Regions() []memory.Region { return s.sysmem.Regions() }

// Serve runs the loop until the peer closes the stream at a frame boundary
// (nil), a frame cannot be handled (the error), or ctx is done (ctx.Err()).
// When rw is an io.Closer it is closed as soon as ctx is done so that a
// blocked read returns.
func (s *Session) Serve(ctx context.Context) (err error) {
	if c, ok := s.rw.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = c.Close() })
		defer stop()
	}

	s.log.Info().Msg("session started")

	defer func() {
		if ctx.Err() != nil {
			err = ctx.Err()
		}

		s.finish(err)
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		h, err := s.readHeader()
		if errors.Is(err, io.EOF) {
			return nil
		}

		if err != nil {
			return err
		}

		if err := s.handle(h); err != nil {
			return err
		}

		s.frames++
	}
}

func (s *Session) finish(err error) {
	ev := s.log.Info()
	if err != nil && !errors.Is(err, context.Canceled) {
		ev = s.log.Error().Err(err)
	}

	ev.Uint64("frames", s.frames).
		Uint64("unmodeled", s.dev.Unmodeled()).
		Int("regions", len(s.sysmem.Regions())).
		Msg("session ended")
}

func (s *Session) handle(h mpqemu.Header) error {
	cmd, err := h.Command()
	if err != nil {
		return err
	}

	switch cmd {
	case mpqemu.CmdSyncSysmem:
		return s.syncSysmem(h)
	case mpqemu.CmdRet:
		return fmt.Errorf("%v frame size %d: %w", cmd, h.Size, mpqemu.ErrUnexpectedRet)
	case mpqemu.CmdPciCfgWrite:
		m, err := s.readConfig(cmd, h)
		if err != nil {
			return err
		}

		s.dev.ConfigWrite(m.Addr, m.Val, m.Len)

		return s.reply(s.codec.ReplyNoData())
	case mpqemu.CmdPciCfgRead:
		m, err := s.readConfig(cmd, h)
		if err != nil {
			return err
		}

		return s.reply(s.codec.ReplyU64(s.dev.ConfigRead(m.Addr, m.Len)))
	case mpqemu.CmdBarWrite:
		m, err := s.readBar(cmd, h)
		if err != nil {
			return err
		}

		s.dev.BarWrite(m.Addr, m.Val, m.Size, m.Memory != 0)

		return s.reply(s.codec.ReplyNoData())
	case mpqemu.CmdBarRead:
		m, err := s.readBar(cmd, h)
		if err != nil {
			return err
		}

		return s.reply(s.codec.ReplyU64(s.dev.BarRead(m.Addr, m.Size, m.Memory != 0)))
	case mpqemu.CmdSetIRQFD:
		if err := s.noPayload(cmd, h); err != nil {
			return err
		}

		// The interrupt eventfd arrives out of band; there is nothing to
		// acknowledge.
		s.log.Debug().Stringer("cmd", cmd).Msg("frame")

		return nil
	case mpqemu.CmdDeviceReset:
		if err := s.noPayload(cmd, h); err != nil {
			return err
		}

		s.log.Debug().Stringer("cmd", cmd).Msg("frame")
		s.dev.Reset()

		return s.reply(s.codec.ReplyNoData())
	}

	return &mpqemu.UnknownCommandError{Ordinal: h.Cmd}
}

func (s *Session) syncSysmem(h mpqemu.Header) error {
	if h.Size != mpqemu.SyncSysmemSize {
		return fmt.Errorf("%v: size %d, want %d: %w",
			mpqemu.CmdSyncSysmem, h.Size, mpqemu.SyncSysmemSize, mpqemu.ErrSizeMismatch)
	}

	b, err := s.readPayload(mpqemu.SyncSysmemSize)
	if err != nil {
		return err
	}

	m, err := s.codec.DecodeSyncSysmem(b)
	if err != nil {
		return err
	}

	if err := s.sysmem.Sync(m.GPAs[:], m.Sizes[:], m.Offsets[:]); err != nil {
		return fmt.Errorf("%v: %w: %w", mpqemu.CmdSyncSysmem, mpqemu.ErrProtocol, err)
	}

	s.log.Debug().
		Stringer("cmd", mpqemu.CmdSyncSysmem).
		Int("regions", len(s.sysmem.Regions())).
		Uint64("bytes", s.sysmem.Size()).
		Msg("frame")

	return s.reply(s.codec.ReplyNoData())
}

func (s *Session) readConfig(cmd mpqemu.Command, h mpqemu.Header) (mpqemu.PciConfDataMsg, error) {
	if err := s.checkSize(cmd, h, mpqemu.PciConfDataSize); err != nil {
		return mpqemu.PciConfDataMsg{}, err
	}

	b, err := s.readPayload(mpqemu.PciConfDataSize)
	if err != nil {
		return mpqemu.PciConfDataMsg{}, err
	}

	m, err := s.codec.DecodePciConfData(b)
	if err != nil {
		return m, err
	}

	s.log.Debug().
		Stringer("cmd", cmd).
		Uint64("size", h.Size).
		Uint32("addr", m.Addr).
		Uint32("val", m.Val).
		Int32("len", m.Len).
		Msg("frame")

	return m, nil
}

func (s *Session) readBar(cmd mpqemu.Command, h mpqemu.Header) (mpqemu.BarAccessMsg, error) {
	if err := s.checkSize(cmd, h, mpqemu.BarAccessSize); err != nil {
		return mpqemu.BarAccessMsg{}, err
	}

	b, err := s.readPayload(mpqemu.BarAccessSize)
	if err != nil {
		return mpqemu.BarAccessMsg{}, err
	}

	m, err := s.codec.DecodeBarAccess(b)
	if err != nil {
		return m, err
	}

	s.log.Debug().
		Stringer("cmd", cmd).
		Uint64("size", h.Size).
		Uint64("addr", m.Addr).
		Uint64("val", m.Val).
		Uint32("width", m.Size).
		Bool("memory", m.Memory != 0).
		Msg("frame")

	return m, nil
}

// checkSize applies the declared-size policy for fixed-record commands.
func (s *Session) checkSize(cmd mpqemu.Command, h mpqemu.Header, want int) error {
	if h.Size == uint64(want) {
		return nil
	}

	if s.strict {
		return fmt.Errorf("%v: size %d, want %d: %w", cmd, h.Size, want, mpqemu.ErrSizeMismatch)
	}

	s.log.Warn().
		Stringer("cmd", cmd).
		Uint64("size", h.Size).
		Int("want", want).
		Msg("declared size does not match record")

	return nil
}

func (s *Session) noPayload(cmd mpqemu.Command, h mpqemu.Header) error {
	if h.Size != 0 {
		return fmt.Errorf("%v: size %d: %w", cmd, h.Size, mpqemu.ErrUnexpectedPayload)
	}

	return nil
}

func (s *Session) readHeader() (mpqemu.Header, error) {
	// Waiting for the next request is unbounded.
	if err := s.setReadDeadline(0); err != nil {
		return mpqemu.Header{}, err
	}

	return s.codec.ReadHeader(s.rw)
}

func (s *Session) readPayload(n int) ([]byte, error) {
	if err := s.setReadDeadline(s.readTimeout); err != nil {
		return nil, err
	}

	return s.codec.ReadPayload(s.rw, n)
}

func (s *Session) reply(frame []byte) error {
	if d, ok := s.rw.(deadliner); ok && s.writeTimeout > 0 {
		if err := d.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w: %w", mpqemu.ErrChannel, err)
		}
	}

	return mpqemu.WriteFrame(s.rw, frame)
}

func (s *Session) setReadDeadline(timeout time.Duration) error {
	d, ok := s.rw.(deadliner)
	if !ok || s.readTimeout == 0 {
		return nil
	}

	var t time.Time
	if timeout > 0 {
		t = time.Now().Add(timeout)
	}

	if err := d.SetReadDeadline(t); err != nil {
		return fmt.Errorf("set read deadline: %w: %w", mpqemu.ErrChannel, err)
	}

	return nil
}
