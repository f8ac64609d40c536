package remote

import (
	"errors"
	"fmt"
	"io"

	"github.com/bobuhiro11/mpdev/mpqemu"
)

// Client is the proxy side of the link. It encodes requests the way a QEMU
// peer does and checks every reply. It is used by the probe command and by
// tests; it is not safe for concurrent use.
type Client struct {
	rw    io.ReadWriter
	codec mpqemu.Codec
}

// NewClient wraps rw. A zero codec uses the host byte order.
func NewClient(rw io.ReadWriter, codec mpqemu.Codec) *Client {
	return &Client{rw: rw, codec: mpqemu.NewCodec(codec.Order)}
}

// ConfigRead reads width bytes of configuration space at addr.
func (c *Client) ConfigRead(addr uint32, width int32) (uint64, error) {
	m := mpqemu.PciConfDataMsg{Addr: addr, Len: width}

	if err := c.send(mpqemu.CmdPciCfgRead, c.codec.EncodePciConfData(m)); err != nil {
		return 0, err
	}

	return c.replyU64(mpqemu.CmdPciCfgRead)
}

// ConfigWrite writes val to configuration space at addr.
func (c *Client) ConfigWrite(addr, val uint32, width int32) error {
	m := mpqemu.PciConfDataMsg{Addr: addr, Val: val, Len: width}

	if err := c.send(mpqemu.CmdPciCfgWrite, c.codec.EncodePciConfData(m)); err != nil {
		return err
	}

	return c.replyNoData(mpqemu.CmdPciCfgWrite)
}

// BarRead reads size bytes at addr inside a BAR window.
func (c *Client) BarRead(addr uint64, size uint32, memory bool) (uint64, error) {
	m := mpqemu.BarAccessMsg{Addr: addr, Size: size, Memory: boolToU32(memory)}

	if err := c.send(mpqemu.CmdBarRead, c.codec.EncodeBarAccess(m)); err != nil {
		return 0, err
	}

	return c.replyU64(mpqemu.CmdBarRead)
}

// BarWrite writes size bytes of val at addr inside a BAR window.
func (c *Client) BarWrite(addr, val uint64, size uint32, memory bool) error {
	m := mpqemu.BarAccessMsg{Addr: addr, Val: val, Size: size, Memory: boolToU32(memory)}

	if err := c.send(mpqemu.CmdBarWrite, c.codec.EncodeBarAccess(m)); err != nil {
		return err
	}

	return c.replyNoData(mpqemu.CmdBarWrite)
}

// SyncSysmem announces the guest memory table.
func (c *Client) SyncSysmem(m mpqemu.SyncSysmemMsg) error {
	if err := c.send(mpqemu.CmdSyncSysmem, c.codec.EncodeSyncSysmem(m)); err != nil {
		return err
	}

	return c.replyNoData(mpqemu.CmdSyncSysmem)
}

// SetIRQFD announces the interrupt eventfd. The device sends no reply.
func (c *Client) SetIRQFD() error {
	return c.send(mpqemu.CmdSetIRQFD, nil)
}

// Reset asks the device to return to its reset state.
func (c *Client) Reset() error {
	if err := c.send(mpqemu.CmdDeviceReset, nil); err != nil {
		return err
	}

	return c.replyNoData(mpqemu.CmdDeviceReset)
}

// Send writes a frame with an arbitrary header, for exercising error paths.
func (c *Client) Send(h mpqemu.Header, payload []byte) error {
	return mpqemu.WriteFrame(c.rw, c.codec.Frame(h, payload))
}

func (c *Client) send(cmd mpqemu.Command, payload []byte) error {
	h := mpqemu.Header{Cmd: int32(cmd), Size: uint64(len(payload))}

	if err := c.Send(h, payload); err != nil {
		return fmt.Errorf("%v: %w", cmd, err)
	}

	return nil
}

func (c *Client) replyHeader(cmd mpqemu.Command, want mpqemu.Header) error {
	h, err := c.codec.ReadHeader(c.rw)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%v reply: %w", cmd, mpqemu.ErrTruncated)
		}

		return fmt.Errorf("%v reply: %w", cmd, err)
	}

	if h != want {
		return fmt.Errorf("%v reply: cmd %d size %d: %w", cmd, h.Cmd, h.Size, mpqemu.ErrUnexpectedReply)
	}

	return nil
}

func (c *Client) replyNoData(cmd mpqemu.Command) error {
	return c.replyHeader(cmd, mpqemu.RetNoData)
}

func (c *Client) replyU64(cmd mpqemu.Command) (uint64, error) {
	if err := c.replyHeader(cmd, mpqemu.RetU64); err != nil {
		return 0, err
	}

	b, err := c.codec.ReadPayload(c.rw, mpqemu.U64Size)
	if err != nil {
		return 0, fmt.Errorf("%v reply: %w", cmd, err)
	}

	return c.codec.DecodeU64(b)
}

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}

	return 0
}
