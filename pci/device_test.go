package pci_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/bobuhiro11/mpdev/pci"
	"github.com/rs/zerolog"
)

func newDevice(t *testing.T) *pci.Device {
	t.Helper()

	d, err := pci.NewDevice(pci.DeviceConfig{})
	if err != nil {
		t.Fatal(err)
	}

	return d
}

func TestConfigReadIdentity(t *testing.T) {
	t.Parallel()

	d := newDevice(t)

	for addr, expected := range map[uint32]uint64{
		0x00: 0x1000,
		0x02: 0x0001,
		0x04: 0x0,
		0x08: 0x1000000,
		0x0a: 0x0100,
		0x0e: 0x0,
		0x10: 0x1,
		0x14: 0x0,
		0x28: 0x0,
		0x2e: 0x1000,
		0x30: 0x0,
		0x3c: 0xb,
		0x3d: 0x1,
	} {
		if actual := d.ConfigRead(addr, 4); actual != expected {
			t.Fatalf("offset %#x: expected: %#x, actual: %#x", addr, expected, actual)
		}
	}
}

func TestConfigReadUnmodeled(t *testing.T) {
	t.Parallel()

	d := newDevice(t)

	for _, addr := range []uint32{0x06, 0x0c, 0x40, 0xff, 0x12} {
		if actual := d.ConfigRead(addr, 2); actual != pci.Unmodeled {
			t.Fatalf("offset %#x: expected: %#x, actual: %#x", addr, pci.Unmodeled, actual)
		}
	}

	if d.Unmodeled() != 5 {
		t.Fatalf("expected: 5, actual: %v", d.Unmodeled())
	}
}

func TestBARSizing(t *testing.T) {
	t.Parallel()

	d := newDevice(t)

	d.ConfigWrite(0x10, 0xffffffff, 4)

	if actual := d.ConfigRead(0x10, 4); actual != 0xffffff01 {
		t.Fatalf("expected: 0xffffff01, actual: %#x", actual)
	}

	d.ConfigWrite(0x14, 0x12345678, 4)

	if actual := d.ConfigRead(0x14, 4); actual != 0xfffffc00 {
		t.Fatalf("expected: 0xfffffc00, actual: %#x", actual)
	}
}

func TestBARClear(t *testing.T) {
	t.Parallel()

	d := newDevice(t)

	for _, addr := range []uint32{0x18, 0x1c, 0x20, 0x24, 0x28} {
		d.ConfigWrite(addr, 0xffffffff, 4)

		if actual := d.ConfigRead(addr, 4); actual != 0 {
			t.Fatalf("offset %#x: expected: 0, actual: %#x", addr, actual)
		}
	}

	if d.Unmodeled() != 0 {
		t.Fatalf("BAR writes must not count as unmodeled: %v", d.Unmodeled())
	}
}

func TestWriteSlot6DoesNotTouchSlot5(t *testing.T) {
	t.Parallel()

	p := pci.DefaultProfile()
	p.BARDefaults = []uint32{0x1, 0, 0, 0, 0, 0xaa, 0xbb}

	d, err := pci.NewDevice(pci.DeviceConfig{Profile: p})
	if err != nil {
		t.Fatal(err)
	}

	d.ConfigWrite(0x28, 0, 4)

	s := d.Snapshot()
	if s[5] != 0xaa || s[6] != 0 {
		t.Fatalf("unexpected shadow registers: %#x", s)
	}
}

func TestExpansionROMWriteIgnored(t *testing.T) {
	t.Parallel()

	d := newDevice(t)
	d.ConfigWrite(pci.ExpansionROMOffset, 0xfffff800, 4)

	if d.Unmodeled() != 0 {
		t.Fatalf("expected: 0, actual: %v", d.Unmodeled())
	}

	d.ConfigWrite(0x04, 0x7, 2)

	if d.Unmodeled() != 1 {
		t.Fatalf("expected: 1, actual: %v", d.Unmodeled())
	}

	if actual := d.ConfigRead(0x04, 2); actual != 0 {
		t.Fatalf("command register must stay constant: %#x", actual)
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	d := newDevice(t)
	expected := [pci.NumBARs]uint32{0x1, 0, 0, 0, 0, 0, 0}

	for i := 0; i < pci.NumBARs; i++ {
		d.ConfigWrite(pci.BAROffsetOf(i), 0xffffffff, 4)
	}

	d.Reset()

	if actual := d.Snapshot(); actual != expected {
		t.Fatalf("expected: %#x, actual: %#x", expected, actual)
	}

	d.Reset()

	if actual := d.Snapshot(); actual != expected {
		t.Fatalf("second reset: expected: %#x, actual: %#x", expected, actual)
	}
}

type recordingBackend struct {
	reads  []uint64
	writes map[uint64][]byte
	value  []byte
}

func (r *recordingBackend) Read(addr uint64, data []byte) error {
	r.reads = append(r.reads, addr)
	copy(data, r.value)

	return nil
}

func (r *recordingBackend) Write(addr uint64, data []byte) error {
	if r.writes == nil {
		r.writes = map[uint64][]byte{}
	}

	r.writes[addr] = append([]byte(nil), data...)

	return nil
}

func TestBarAccessUnmapped(t *testing.T) {
	t.Parallel()

	d := newDevice(t)

	if actual := d.BarRead(0x100, 4, true); actual != pci.Unmodeled {
		t.Fatalf("expected: %#x, actual: %#x", pci.Unmodeled, actual)
	}

	if actual := d.BarRead(0x100, 2, false); actual != pci.Unmodeled {
		t.Fatalf("expected: %#x, actual: %#x", pci.Unmodeled, actual)
	}

	d.BarWrite(0x100, 0x55, 1, true)

	if d.Unmodeled() != 3 {
		t.Fatalf("expected: 3, actual: %v", d.Unmodeled())
	}
}

func TestBarAccessRouted(t *testing.T) {
	t.Parallel()

	mmio := &recordingBackend{value: []byte{0x78, 0x56, 0x34, 0x12}}
	pio := &recordingBackend{}

	d, err := pci.NewDevice(pci.DeviceConfig{Memory: mmio, IO: pio})
	if err != nil {
		t.Fatal(err)
	}

	if actual := d.BarRead(0x20, 4, true); actual != 0x12345678 {
		t.Fatalf("expected: 0x12345678, actual: %#x", actual)
	}

	d.BarWrite(0x8, 0xaabbccdd, 2, false)

	if !bytes.Equal(pio.writes[0x8], []byte{0xdd, 0xcc}) {
		t.Fatalf("unexpected pio write: %x", pio.writes[0x8])
	}

	if len(mmio.reads) != 1 || len(pio.reads) != 0 {
		t.Fatalf("accesses routed to the wrong space: mmio=%v pio=%v", mmio.reads, pio.reads)
	}

	if actual := d.BarRead(0x20, 3, true); actual != pci.Unmodeled {
		t.Fatalf("width 3: expected: %#x, actual: %#x", pci.Unmodeled, actual)
	}

	if len(mmio.reads) != 1 {
		t.Fatal("invalid width must not reach the backend")
	}
}

func TestBarAccessScratch(t *testing.T) {
	t.Parallel()

	p := pci.DefaultProfile()
	p.Backing = pci.BackingScratch

	d, err := pci.NewDevice(pci.DeviceConfig{Profile: p})
	if err != nil {
		t.Fatal(err)
	}

	d.BarWrite(0xfe000000, 0x12345678, 4, true)

	if actual := d.BarRead(0xfe000000, 2, true); actual != 0x5678 {
		t.Fatalf("expected: %#x, actual: %#x", 0x5678, actual)
	}

	// I/O space has its own store.
	if actual := d.BarRead(0xfe000000, 4, false); actual != 0 {
		t.Fatalf("expected: 0, actual: %#x", actual)
	}

	d.Reset()

	if actual := d.BarRead(0xfe000000, 4, true); actual != 0 {
		t.Fatalf("expected a cleared window after reset, actual: %#x", actual)
	}

	if n := d.Unmodeled(); n != 0 {
		t.Fatalf("expected: 0, actual: %d", n)
	}
}

func TestUnmodeledIsLogged(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	d, err := pci.NewDevice(pci.DeviceConfig{Logger: &logger})
	if err != nil {
		t.Fatal(err)
	}

	d.ConfigRead(0x44, 4)

	out := buf.String()
	for _, s := range []string{`"unmodeled":true`, `"addr":"0x44"`, `"profile":"mock-scsi"`} {
		if !strings.Contains(out, s) {
			t.Fatalf("missing %s in %s", s, out)
		}
	}
}

func TestNewDeviceRejectsInvalidProfile(t *testing.T) {
	t.Parallel()

	p := pci.DefaultProfile()
	p.Registers = append(p.Registers, pci.Register{Name: "bad", Offset: 0x14, Value: 1})

	if _, err := pci.NewDevice(pci.DeviceConfig{Profile: p}); err == nil {
		t.Fatal("expected error for register shadowing a BAR")
	}
}

func TestProfileValidate(t *testing.T) {
	t.Parallel()

	cases := map[string]func(p *pci.Profile){
		"offset range": func(p *pci.Profile) {
			p.Registers = append(p.Registers, pci.Register{Offset: 0x100})
		},
		"duplicate register": func(p *pci.Profile) {
			p.Registers = append(p.Registers, pci.Register{Offset: 0x00})
		},
		"bar index": func(p *pci.Profile) {
			p.BARs = append(p.BARs, pci.BAR{Index: 7})
		},
		"duplicate bar": func(p *pci.Profile) {
			p.BARs = append(p.BARs, pci.BAR{Index: 0})
		},
		"bar size": func(p *pci.Profile) {
			p.BARs = append(p.BARs, pci.BAR{Index: 3, Size: 0x300})
		},
		"defaults": func(p *pci.Profile) {
			p.BARDefaults = make([]uint32, 8)
		},
		"ignore range": func(p *pci.Profile) {
			p.IgnoreWrites = []uint32{0x400}
		},
		"ignore bar": func(p *pci.Profile) {
			p.IgnoreWrites = append(p.IgnoreWrites, 0x18)
		},
		"backing": func(p *pci.Profile) {
			p.Backing = "ram"
		},
	}

	for name, mutate := range cases {
		p := pci.DefaultProfile()
		mutate(p)

		if err := p.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}

	if err := pci.DefaultProfile().Validate(); err != nil {
		t.Fatalf("default profile: %v", err)
	}
}

func TestBARSizeMask(t *testing.T) {
	t.Parallel()

	for _, c := range []struct {
		bar      pci.BAR
		expected uint32
	}{
		{pci.BAR{Size: 0x100, IO: true}, 0xffffff01},
		{pci.BAR{Size: 0x400}, 0xfffffc00},
		{pci.BAR{Mask: 0xfff0000c, Size: 0x10}, 0xfff0000c},
		{pci.BAR{}, 0},
	} {
		if actual := c.bar.SizeMask(); actual != c.expected {
			t.Fatalf("%+v: expected: %#x, actual: %#x", c.bar, c.expected, actual)
		}
	}
}
