// Package pci emulates the configuration space and BAR shadow registers of
// a single remote PCI function.
//
// refs
// https://wiki.osdev.org/PCI
// https://www.qemu.org/docs/master/devel/multi-process.html
package pci

// Type 0 header layout used by the shadow registers. Slot 6 sits at 0x28
// and is kept as a seventh shadow register.
const (
	ConfigSpaceSize = 0x100

	BAROffset = 0x10
	BARStride = 4
	NumBARs   = 7

	ExpansionROMOffset = 0x30
)

// Unmodeled is returned for every read this device does not emulate.
const Unmodeled = ^uint64(0)

// barIndex returns the shadow register slot that backs offset.
func barIndex(offset uint32) (int, bool) {
	if offset < BAROffset || offset >= BAROffset+NumBARs*BARStride {
		return 0, false
	}

	if (offset-BAROffset)%BARStride != 0 {
		return 0, false
	}

	return int((offset - BAROffset) / BARStride), true
}

// BAROffsetOf returns the configuration-space offset of BAR slot i.
func BAROffsetOf(i int) uint32 {
	return BAROffset + uint32(i)*BARStride
}

// SizeToBits converts a BAR window size into the mask software reads back
// after writing all-ones.
func SizeToBits(size uint32) uint32 {
	if size == 0 {
		return 0
	}

	return ^(size - 1)
}

// BytesToNum decodes a little-endian value of up to 8 bytes.
func BytesToNum(bytes []byte) uint64 {
	res := uint64(0)

	for i := len(bytes) - 1; i >= 0; i-- {
		res <<= 8
		res |= uint64(bytes[i])
	}

	return res
}

// NumToBytes encodes an unsigned integer little-endian. Other types yield
// an empty slice.
func NumToBytes(x interface{}) []byte {
	var n uint64

	size := 0

	switch v := x.(type) {
	case uint8:
		n, size = uint64(v), 1
	case uint16:
		n, size = uint64(v), 2
	case uint32:
		n, size = uint64(v), 4
	case uint64:
		n, size = v, 8
	default:
		return []byte{}
	}

	b := make([]byte, size)
	for i := 0; i < size; i++ {
		b[i] = byte(n >> (8 * i))
	}

	return b
}
