package pci

import (
	"strconv"

	"github.com/bobuhiro11/mpdev/iodev"
	"github.com/rs/zerolog"
)

// DeviceConfig wires a Device. Zero fields take defaults: the mock SCSI
// profile, unmapped BAR backends and a disabled logger.
type DeviceConfig struct {
	Profile *Profile
	Memory  iodev.Device
	IO      iodev.Device
	Logger  *zerolog.Logger
}

// Device holds the state of one remote PCI function. It is owned by a
// single session and is not safe for concurrent use.
type Device struct {
	t    *table
	bars [NumBARs]uint32

	memory iodev.Device
	io     iodev.Device

	log       zerolog.Logger
	unmodeled uint64
}

// NewDevice returns a device in its reset state.
func NewDevice(cfg DeviceConfig) (*Device, error) {
	p := cfg.Profile
	if p == nil {
		p = DefaultProfile()
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	d := &Device{
		t:      p.table(),
		memory: cfg.Memory,
		io:     cfg.IO,
		log:    zerolog.Nop(),
	}

	if d.memory == nil {
		d.memory = newBacking(p.Backing, "mmio")
	}

	if d.io == nil {
		d.io = newBacking(p.Backing, "pio")
	}

	if cfg.Logger != nil {
		d.log = cfg.Logger.With().Str("profile", p.Name).Logger()
	}

	d.Reset()

	return d, nil
}

// ConfigRead answers a configuration-space read at addr.
func (d *Device) ConfigRead(addr uint32, width int32) uint64 {
	if i, ok := barIndex(addr); ok {
		return uint64(d.bars[i])
	}

	if v, ok := d.t.regs[addr]; ok {
		return v
	}

	d.report("config read", uint64(addr), int(width), nil)

	return Unmodeled
}

// ConfigWrite applies a configuration-space write. A write to a sized BAR
// slot latches its size mask whatever the written value; a write to any
// other BAR slot clears it.
func (d *Device) ConfigWrite(addr, val uint32, width int32) {
	if i, ok := barIndex(addr); ok {
		d.bars[i] = d.t.masks[i]

		return
	}

	if d.t.ignore[addr] {
		return
	}

	d.report("config write", uint64(addr), int(width), nil)
}

// BarRead serves a read inside a BAR window. Unbacked reads return
// Unmodeled.
func (d *Device) BarRead(addr uint64, size uint32, memory bool) uint64 {
	if !validWidth(size) {
		d.report("bar read", addr, int(size), nil)

		return Unmodeled
	}

	data := make([]byte, size)

	if err := d.backend(memory).Read(addr, data); err != nil {
		d.report("bar read", addr, int(size), err)

		return Unmodeled
	}

	return BytesToNum(data)
}

// BarWrite serves a write inside a BAR window. Unbacked writes are dropped.
func (d *Device) BarWrite(addr, val uint64, size uint32, memory bool) {
	if !validWidth(size) {
		d.report("bar write", addr, int(size), nil)

		return
	}

	data := NumToBytes(val)[:size]

	if err := d.backend(memory).Write(addr, data); err != nil {
		d.report("bar write", addr, int(size), err)
	}
}

// Reset restores the BAR shadow registers to the profile defaults and
// clears backends that keep state.
func (d *Device) Reset() {
	d.bars = d.t.defaults

	for _, b := range []iodev.Device{d.memory, d.io} {
		if r, ok := b.(iodev.Resetter); ok {
			r.Reset()
		}
	}
}

// Snapshot returns a copy of the BAR shadow registers.
func (d *Device) Snapshot() [NumBARs]uint32 {
	return d.bars
}

// Unmodeled returns how many accesses were answered with the sentinel or
// dropped since the device was created.
func (d *Device) Unmodeled() uint64 {
	return d.unmodeled
}

func newBacking(kind, space string) iodev.Device {
	if kind == BackingScratch {
		return iodev.NewScratch()
	}

	return iodev.Unmapped{Space: space}
}

func (d *Device) backend(memory bool) iodev.Device {
	if memory {
		return d.memory
	}

	return d.io
}

func (d *Device) report(op string, addr uint64, width int, err error) {
	d.unmodeled++

	ev := d.log.Debug().
		Bool("unmodeled", true).
		Str("op", op).
		Str("addr", "0x"+strconv.FormatUint(addr, 16)).
		Int("width", width)

	if err != nil {
		ev = ev.Err(err)
	}

	ev.Msg("access not emulated")
}

func validWidth(size uint32) bool {
	switch size {
	case 1, 2, 4, 8:
		return true
	}

	return false
}
