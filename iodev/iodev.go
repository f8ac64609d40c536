// Package iodev defines the backends that serve accesses inside a BAR
// window.
package iodev

import (
	"errors"
	"fmt"
)

// ErrUnmapped is returned for an address no backend claims.
var ErrUnmapped = errors.New("address is not backed")

// Device serves reads and writes inside a BAR window. len(data) is the
// access width.
type Device interface {
	Read(addr uint64, data []byte) error
	Write(addr uint64, data []byte) error
}

// Unmapped refuses every access. It is the backend of a function that
// does not emulate MMIO or port I/O.
type Unmapped struct {
	Space string
}

func (u Unmapped) Read(addr uint64, data []byte) error {
	return fmt.Errorf("%s read %#x/%d: %w", u.space(), addr, len(data), ErrUnmapped)
}

func (u Unmapped) Write(addr uint64, data []byte) error {
	return fmt.Errorf("%s write %#x/%d: %w", u.space(), addr, len(data), ErrUnmapped)
}

func (u Unmapped) space() string {
	if u.Space == "" {
		return "bar"
	}

	return u.Space
}
