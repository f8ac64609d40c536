package mpqemu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// MaxFDs is the number of memory regions a SYNC_SYSMEM message describes.
const MaxFDs = 8

// Wire sizes. The header keeps the 64-bit C layout (int cmd, 4 bytes of
// padding, size_t size) but with a fixed width on every host.
const (
	HeaderSize      = 16
	SyncSysmemSize  = 3 * 8 * MaxFDs
	PciConfDataSize = 12
	BarAccessSize   = 24
	U64Size         = 8
)

// Header starts every frame.
type Header struct {
	Cmd  int32
	Size uint64
}

var (
	// RetNoData acknowledges a request without payload.
	RetNoData = Header{Cmd: int32(CmdRet), Size: 0}

	// RetU64 acknowledges a request with one trailing uint64.
	RetU64 = Header{Cmd: int32(CmdRet), Size: U64Size}
)

// Command maps the raw ordinal; see ParseCommand.
func (h Header) Command() (Command, error) {
	return ParseCommand(h.Cmd)
}

// SyncSysmemMsg describes up to MaxFDs shared guest memory regions. The
// region file descriptors travel out of band and are not modelled.
type SyncSysmemMsg struct {
	GPAs    [MaxFDs]uint64
	Sizes   [MaxFDs]uint64
	Offsets [MaxFDs]int64
}

// PciConfDataMsg is a configuration-space access. Val is only meaningful
// for writes.
type PciConfDataMsg struct {
	Addr uint32
	Val  uint32
	Len  int32
}

// BarAccessMsg is an access inside a BAR window. Memory is non-zero for
// memory-space accesses and zero for I/O-space accesses.
type BarAccessMsg struct {
	Addr   uint64
	Val    uint64
	Size   uint32
	Memory uint32
}

// Codec encodes and decodes records with a declared byte order.
type Codec struct {
	Order binary.ByteOrder
}

// DefaultCodec uses the host byte order, which is what a peer on the same
// host writes.
var DefaultCodec = Codec{Order: binary.NativeEndian}

// NewCodec returns a codec for order, falling back to the host order.
func NewCodec(order binary.ByteOrder) Codec {
	if order == nil {
		return DefaultCodec
	}

	return Codec{Order: order}
}

// ParseByteOrder accepts "native", "little" or "big".
func ParseByteOrder(s string) (binary.ByteOrder, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "native", "host":
		return binary.NativeEndian, nil
	case "little", "le":
		return binary.LittleEndian, nil
	case "big", "be":
		return binary.BigEndian, nil
	}

	return nil, fmt.Errorf("unknown byte order %q", s)
}

func (c Codec) EncodeHeader(h Header) []byte {
	b := make([]byte, HeaderSize)
	c.Order.PutUint32(b[0:4], uint32(h.Cmd))
	c.Order.PutUint64(b[8:16], h.Size)

	return b
}

func (c Codec) DecodeHeader(b []byte) (Header, error) {
	if len(b) != HeaderSize {
		return Header{}, lengthError("header", HeaderSize, len(b))
	}

	return Header{
		Cmd:  int32(c.Order.Uint32(b[0:4])),
		Size: c.Order.Uint64(b[8:16]),
	}, nil
}

func (c Codec) EncodeSyncSysmem(m SyncSysmemMsg) []byte {
	b := make([]byte, SyncSysmemSize)

	for i := 0; i < MaxFDs; i++ {
		c.Order.PutUint64(b[i*8:], m.GPAs[i])
		c.Order.PutUint64(b[64+i*8:], m.Sizes[i])
		c.Order.PutUint64(b[128+i*8:], uint64(m.Offsets[i]))
	}

	return b
}

func (c Codec) DecodeSyncSysmem(b []byte) (SyncSysmemMsg, error) {
	var m SyncSysmemMsg

	if len(b) != SyncSysmemSize {
		return m, lengthError("SyncSysmemMsg", SyncSysmemSize, len(b))
	}

	for i := 0; i < MaxFDs; i++ {
		m.GPAs[i] = c.Order.Uint64(b[i*8:])
		m.Sizes[i] = c.Order.Uint64(b[64+i*8:])
		m.Offsets[i] = int64(c.Order.Uint64(b[128+i*8:]))
	}

	return m, nil
}

func (c Codec) EncodePciConfData(m PciConfDataMsg) []byte {
	b := make([]byte, PciConfDataSize)
	c.Order.PutUint32(b[0:4], m.Addr)
	c.Order.PutUint32(b[4:8], m.Val)
	c.Order.PutUint32(b[8:12], uint32(m.Len))

	return b
}

func (c Codec) DecodePciConfData(b []byte) (PciConfDataMsg, error) {
	if len(b) != PciConfDataSize {
		return PciConfDataMsg{}, lengthError("PciConfDataMsg", PciConfDataSize, len(b))
	}

	return PciConfDataMsg{
		Addr: c.Order.Uint32(b[0:4]),
		Val:  c.Order.Uint32(b[4:8]),
		Len:  int32(c.Order.Uint32(b[8:12])),
	}, nil
}

func (c Codec) EncodeBarAccess(m BarAccessMsg) []byte {
	b := make([]byte, BarAccessSize)
	c.Order.PutUint64(b[0:8], m.Addr)
	c.Order.PutUint64(b[8:16], m.Val)
	c.Order.PutUint32(b[16:20], m.Size)
	c.Order.PutUint32(b[20:24], m.Memory)

	return b
}

func (c Codec) DecodeBarAccess(b []byte) (BarAccessMsg, error) {
	if len(b) != BarAccessSize {
		return BarAccessMsg{}, lengthError("BarAccessMsg", BarAccessSize, len(b))
	}

	return BarAccessMsg{
		Addr:   c.Order.Uint64(b[0:8]),
		Val:    c.Order.Uint64(b[8:16]),
		Size:   c.Order.Uint32(b[16:20]),
		Memory: c.Order.Uint32(b[20:24]),
	}, nil
}

func (c Codec) EncodeU64(v uint64) []byte {
	b := make([]byte, U64Size)
	c.Order.PutUint64(b, v)

	return b
}

func (c Codec) DecodeU64(b []byte) (uint64, error) {
	if len(b) != U64Size {
		return 0, lengthError("u64", U64Size, len(b))
	}

	return c.Order.Uint64(b), nil
}

// Frame concatenates an encoded header and payload. The header's Size is
// taken from h as given.
func (c Codec) Frame(h Header, payload []byte) []byte {
	b := make([]byte, 0, HeaderSize+len(payload))
	b = append(b, c.EncodeHeader(h)...)

	return append(b, payload...)
}

// ReplyNoData is the RET/size=0 frame.
func (c Codec) ReplyNoData() []byte {
	return c.EncodeHeader(RetNoData)
}

// ReplyU64 is the RET/size=8 frame carrying v.
func (c Codec) ReplyU64(v uint64) []byte {
	return c.Frame(RetU64, c.EncodeU64(v))
}

// ReadHeader reads one header. It returns io.EOF unwrapped when the stream
// ends cleanly before the first header byte.
func (c Codec) ReadHeader(r io.Reader) (Header, error) {
	var buf [HeaderSize]byte

	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Header{}, io.EOF
		}

		return Header{}, readError("header", err)
	}

	return c.DecodeHeader(buf[:])
}

// ReadPayload reads exactly n bytes belonging to a frame already started.
func (c Codec) ReadPayload(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)

	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, readError("payload", err)
	}

	return buf, nil
}

// WriteFrame writes an already encoded frame with a single Write.
func WriteFrame(w io.Writer, frame []byte) error {
	n, err := w.Write(frame)
	if err != nil {
		return fmt.Errorf("write frame: %w: %w", ErrChannel, err)
	}

	if n != len(frame) {
		return fmt.Errorf("write frame: %w: short write %d/%d", ErrChannel, n, len(frame))
	}

	return nil
}

func readError(what string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("read %s: %w", what, ErrTruncated)
	}

	return fmt.Errorf("read %s: %w: %w", what, ErrChannel, err)
}
