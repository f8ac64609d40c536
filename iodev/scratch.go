package iodev

import (
	"errors"
	"fmt"
)

// ErrScratchFull is returned once a Scratch backend holds its limit.
var ErrScratchFull = errors.New("scratch backend full")

// DefaultScratchLimit bounds the bytes a Scratch backend retains.
const DefaultScratchLimit = 1 << 20

// Scratch is a sparse byte store: a read returns what was last written at
// each address and zero elsewhere. It has no device side effects.
type Scratch struct {
	Limit int

	mem map[uint64]byte
}

func NewScratch() *Scratch {
	return &Scratch{Limit: DefaultScratchLimit, mem: map[uint64]byte{}}
}

func (s *Scratch) Read(addr uint64, data []byte) error {
	for i := range data {
		data[i] = s.mem[addr+uint64(i)]
	}

	return nil
}

func (s *Scratch) Write(addr uint64, data []byte) error {
	if s.mem == nil {
		s.mem = map[uint64]byte{}
	}

	for i, b := range data {
		a := addr + uint64(i)
		if _, ok := s.mem[a]; !ok && s.Limit > 0 && len(s.mem) >= s.Limit {
			return fmt.Errorf("write %#x/%d: %w", addr, len(data), ErrScratchFull)
		}

		s.mem[a] = b
	}

	return nil
}

// Reset forgets every write.
func (s *Scratch) Reset() {
	s.mem = map[uint64]byte{}
}

// Resetter is implemented by backends with state that DEVICE_RESET clears.
type Resetter interface {
	Reset()
}
