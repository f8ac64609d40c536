// Package probe enumerates the emulated function over an in-process
// socketpair, the same way a QEMU proxy would after connecting.
package probe

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/bobuhiro11/mpdev/channel"
	"github.com/bobuhiro11/mpdev/memory"
	"github.com/bobuhiro11/mpdev/mpqemu"
	"github.com/bobuhiro11/mpdev/pci"
	"github.com/bobuhiro11/mpdev/remote"
	"golang.org/x/sync/errgroup"
)

// Field is one standard configuration header field.
type Field struct {
	Name   string
	Offset uint32
	Width  int32
}

// Fields are read in this order.
var Fields = []Field{
	{"vendor id", 0x00, 2},
	{"device id", 0x02, 2},
	{"command", 0x04, 2},
	{"status", 0x06, 2},
	{"class/revision", 0x08, 4},
	{"class", 0x0a, 2},
	{"header type", 0x0e, 1},
	{"subsystem vendor", 0x2c, 2},
	{"subsystem id", 0x2e, 2},
	{"expansion rom", 0x30, 4},
	{"capabilities", 0x34, 1},
	{"interrupt line", 0x3c, 1},
	{"interrupt pin", 0x3d, 1},
}

type FieldValue struct {
	Field
	Value uint64
}

// Modeled reports whether the device answered with a real value.
func (f FieldValue) Modeled() bool { return f.Value != pci.Unmodeled }

// BARSize is the outcome of sizing one BAR slot.
type BARSize struct {
	Index int
	Mask  uint32
	IO    bool
	Size  uint64
}

// Report is everything probe learns about the function.
type Report struct {
	Session   string
	Fields    []FieldValue
	BARs      []BARSize
	BAR0Reset uint32
	Regions   []memory.Region
	Unmodeled uint64
}

// Run serves a fresh session on one end of a socketpair and drives it from
// the other. cfg configures the session; a nil cfg.Device gets the default
// mock function.
func Run(ctx context.Context, cfg remote.Config) (*Report, error) {
	devEnd, peerEnd, err := channel.Pair()
	if err != nil {
		return nil, err
	}

	defer devEnd.Close()
	defer peerEnd.Close()

	s, err := remote.NewSession(devEnd, cfg)
	if err != nil {
		return nil, err
	}

	r := &Report{Session: s.ID()}
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return s.Serve(ctx)
	})

	g.Go(func() error {
		// Closing our end is the clean end of the session.
		defer peerEnd.Close()

		return enumerate(remote.NewClient(peerEnd, cfg.Codec), r)
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}

	r.Regions = s.Regions()
	r.Unmodeled = s.Device().Unmodeled()

	return r, nil
}

func enumerate(c *remote.Client, r *Report) error {
	var sysmem mpqemu.SyncSysmemMsg
	sysmem.GPAs[0], sysmem.Sizes[0] = 0, 1<<20

	if err := c.SyncSysmem(sysmem); err != nil {
		return err
	}

	if err := c.SetIRQFD(); err != nil {
		return err
	}

	for _, f := range Fields {
		v, err := c.ConfigRead(f.Offset, f.Width)
		if err != nil {
			return err
		}

		r.Fields = append(r.Fields, FieldValue{Field: f, Value: v})
	}

	for i := 0; i < pci.NumBARs; i++ {
		off := pci.BAROffsetOf(i)

		if err := c.ConfigWrite(off, 0xffffffff, 4); err != nil {
			return err
		}

		v, err := c.ConfigRead(off, 4)
		if err != nil {
			return err
		}

		r.BARs = append(r.BARs, sizeBAR(i, uint32(v)))
	}

	if err := c.Reset(); err != nil {
		return err
	}

	v, err := c.ConfigRead(pci.BAROffset, 4)
	if err != nil {
		return err
	}

	r.BAR0Reset = uint32(v)

	return nil
}

func sizeBAR(i int, mask uint32) BARSize {
	b := BARSize{Index: i, Mask: mask}

	if mask == 0 {
		return b
	}

	b.IO = mask&0x1 != 0

	base := mask &^ 0xf
	if b.IO {
		base = mask &^ 0x3
	}

	b.Size = uint64(^base) + 1

	return b
}

// Print writes r as two aligned tables.
func Print(w io.Writer, r *Report) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)

	fmt.Fprintf(tw, "session\t%s\n\n", r.Session)
	fmt.Fprintf(tw, "offset\tfield\twidth\tvalue\n")

	for _, f := range r.Fields {
		val := fmt.Sprintf("%#x", f.Value)
		if !f.Modeled() {
			val = "unmodeled"
		}

		fmt.Fprintf(tw, "%#04x\t%s\t%d\t%s\n", f.Offset, f.Name, f.Width, val)
	}

	fmt.Fprintf(tw, "\nbar\tmask\ttype\tsize\n")

	for _, b := range r.BARs {
		kind, size := "memory", fmt.Sprintf("%#x", b.Size)
		if b.IO {
			kind = "io"
		}

		if b.Mask == 0 {
			kind, size = "-", "unimplemented"
		}

		fmt.Fprintf(tw, "%d\t%#08x\t%s\t%s\n", b.Index, b.Mask, kind, size)
	}

	fmt.Fprintf(tw, "\nbar0 after reset\t%#x\n", r.BAR0Reset)
	fmt.Fprintf(tw, "memory regions\t%d\n", len(r.Regions))
	fmt.Fprintf(tw, "unmodeled accesses\t%d\n", r.Unmodeled)

	return tw.Flush()
}
