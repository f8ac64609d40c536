package pci

import (
	"errors"
	"fmt"
	"math/bits"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var (
	errProfileFormat   = errors.New("unsupported profile format")
	errOffsetRange     = errors.New("offset outside configuration space")
	errOffsetConflict  = errors.New("offset defined twice")
	errBARIndex        = errors.New("BAR index out of range")
	errBARSize         = errors.New("BAR size is not a power of two")
	errTooManyDefaults = errors.New("too many BAR defaults")
	errBacking         = errors.New("unknown BAR backing")
)

// Register is a configuration-space offset answering a constant value.
type Register struct {
	Name   string `yaml:"name"   toml:"name"`
	Offset uint32 `yaml:"offset" toml:"offset"`
	Value  uint64 `yaml:"value"  toml:"value"`
}

// BAR describes how a shadow slot answers the BAR sizing write. A slot
// with neither Size nor Mask is cleared by any write.
type BAR struct {
	Index int    `yaml:"index" toml:"index"`
	Size  uint32 `yaml:"size"  toml:"size"`
	IO    bool   `yaml:"io"    toml:"io"`
	Mask  uint32 `yaml:"mask"  toml:"mask"`
}

// SizeMask is the value the slot takes after a write.
func (b BAR) SizeMask() uint32 {
	if b.Mask != 0 {
		return b.Mask
	}

	if b.Size == 0 {
		return 0
	}

	if b.IO {
		return SizeToBits(b.Size) | 0x1
	}

	return SizeToBits(b.Size)
}

// Profile is the swappable description of the emulated function.
type Profile struct {
	Name         string     `yaml:"name"          toml:"name"`
	Registers    []Register `yaml:"registers"     toml:"registers"`
	BARs         []BAR      `yaml:"bars"          toml:"bars"`
	IgnoreWrites []uint32   `yaml:"ignore_writes" toml:"ignore_writes"`
	BARDefaults  []uint32   `yaml:"bar_defaults"  toml:"bar_defaults"`

	// Backing selects the BAR window backend when none is given to
	// NewDevice: "unmapped" (default) or "scratch".
	Backing string `yaml:"backing" toml:"backing"`
}

const (
	BackingUnmapped = "unmapped"
	BackingScratch  = "scratch"
)

// DefaultProfile is the mock SCSI-class function answered out of the box.
func DefaultProfile() *Profile {
	return &Profile{
		Name: "mock-scsi",
		Registers: []Register{
			{Name: "vendor id", Offset: 0x00, Value: 0x1000},
			{Name: "device id", Offset: 0x02, Value: 0x0001},
			{Name: "command", Offset: 0x04, Value: 0x0},
			{Name: "revision/class", Offset: 0x08, Value: 0x1000000},
			{Name: "class code", Offset: 0x0a, Value: 0x0100},
			{Name: "header type", Offset: 0x0e, Value: 0x0},
			{Name: "subsystem id", Offset: 0x2e, Value: 0x1000},
			{Name: "expansion rom", Offset: ExpansionROMOffset, Value: 0x0},
			{Name: "capabilities pointer", Offset: 0x34, Value: 0x0},
			{Name: "interrupt line", Offset: 0x3c, Value: 0xb},
			{Name: "interrupt pin", Offset: 0x3d, Value: 0x1},
		},
		BARs: []BAR{
			{Index: 0, Size: 0x100, IO: true},
			{Index: 1, Size: 0x400},
		},
		IgnoreWrites: []uint32{ExpansionROMOffset},
		BARDefaults:  []uint32{0x1, 0, 0, 0, 0, 0, 0},
	}
}

// LoadProfile reads a profile from a .yaml, .yml or .toml file.
func LoadProfile(path string) (*Profile, error) {
	p := &Profile{}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("load profile: %w", err)
		}

		if err := yaml.Unmarshal(b, p); err != nil {
			return nil, fmt.Errorf("load profile %s: %w", path, err)
		}
	case ".toml":
		if _, err := toml.DecodeFile(path, p); err != nil {
			return nil, fmt.Errorf("load profile %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("%w: %s", errProfileFormat, path)
	}

	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("profile %s: %w", path, err)
	}

	return p, nil
}

// Validate checks that offsets do not collide and fit the 256-byte window.
func (p *Profile) Validate() error {
	seen := map[uint32]string{}

	for _, r := range p.Registers {
		if r.Offset >= ConfigSpaceSize {
			return fmt.Errorf("register %q at %#x: %w", r.Name, r.Offset, errOffsetRange)
		}

		if _, ok := barIndex(r.Offset); ok {
			return fmt.Errorf("register %q at %#x shadows a BAR: %w", r.Name, r.Offset, errOffsetConflict)
		}

		if prev, ok := seen[r.Offset]; ok {
			return fmt.Errorf("register %q at %#x (also %q): %w", r.Name, r.Offset, prev, errOffsetConflict)
		}

		seen[r.Offset] = r.Name
	}

	bars := map[int]bool{}

	for _, b := range p.BARs {
		if b.Index < 0 || b.Index >= NumBARs {
			return fmt.Errorf("bar %d: %w", b.Index, errBARIndex)
		}

		if bars[b.Index] {
			return fmt.Errorf("bar %d: %w", b.Index, errOffsetConflict)
		}

		if b.Size != 0 && bits.OnesCount32(b.Size) != 1 {
			return fmt.Errorf("bar %d size %#x: %w", b.Index, b.Size, errBARSize)
		}

		bars[b.Index] = true
	}

	for _, off := range p.IgnoreWrites {
		if off >= ConfigSpaceSize {
			return fmt.Errorf("ignored write at %#x: %w", off, errOffsetRange)
		}

		if _, ok := barIndex(off); ok {
			return fmt.Errorf("ignored write at %#x shadows a BAR: %w", off, errOffsetConflict)
		}
	}

	if len(p.BARDefaults) > NumBARs {
		return fmt.Errorf("%w: %d > %d", errTooManyDefaults, len(p.BARDefaults), NumBARs)
	}

	switch p.Backing {
	case "", BackingUnmapped, BackingScratch:
	default:
		return fmt.Errorf("%w: %q", errBacking, p.Backing)
	}

	return nil
}

// table is the lookup form of a Profile used on the hot path.
type table struct {
	name     string
	regs     map[uint32]uint64
	masks    [NumBARs]uint32
	ignore   map[uint32]bool
	defaults [NumBARs]uint32
}

func (p *Profile) table() *table {
	t := &table{
		name:   p.Name,
		regs:   make(map[uint32]uint64, len(p.Registers)),
		ignore: make(map[uint32]bool, len(p.IgnoreWrites)),
	}

	for _, r := range p.Registers {
		t.regs[r.Offset] = r.Value
	}

	for _, b := range p.BARs {
		t.masks[b.Index] = b.SizeMask()
	}

	for _, off := range p.IgnoreWrites {
		t.ignore[off] = true
	}

	copy(t.defaults[:], p.BARDefaults)

	return t
}
