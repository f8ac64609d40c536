// Package memory keeps the table of guest memory regions shared with the
// remote device.
package memory

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrInvalidRegion  = errors.New("invalid memory region")
	errRegionOverflow = fmt.Errorf("%w: region wraps the address space", ErrInvalidRegion)
	errRegionOverlap  = fmt.Errorf("%w: regions overlap", ErrInvalidRegion)
	errNegativeOffset = fmt.Errorf("%w: negative file offset", ErrInvalidRegion)
)

// Region is one guest-physical window backed by a shared file. Slot is the
// index of the file descriptor that accompanied the sync message.
type Region struct {
	Slot   int
	GPA    uint64
	Size   uint64
	Offset int64
}

// last is the inclusive last address. A region may end at the top of the
// address space, so the exclusive end is never computed.
func (r Region) last() uint64 {
	return r.GPA + (r.Size - 1)
}

func (r Region) contains(gpa uint64) bool {
	return gpa >= r.GPA && gpa-r.GPA < r.Size
}

func (r Region) String() string {
	return fmt.Sprintf("slot%d[%#x-%#x]+%#x", r.Slot, r.GPA, r.last(), r.Offset)
}

// Sysmem is the current region table. The zero value is empty.
type Sysmem struct {
	regions []Region
}

// Sync replaces the table with the non-empty entries of the given arrays.
// The previous table is kept if the new one is invalid.
func (s *Sysmem) Sync(gpas, sizes []uint64, offsets []int64) error {
	n := len(gpas)
	if len(sizes) != n || len(offsets) != n {
		return fmt.Errorf("%w: %d gpas, %d sizes, %d offsets", ErrInvalidRegion, n, len(sizes), len(offsets))
	}

	regions := make([]Region, 0, n)

	for i := 0; i < n; i++ {
		if sizes[i] == 0 {
			continue
		}

		r := Region{Slot: i, GPA: gpas[i], Size: sizes[i], Offset: offsets[i]}

		if r.last() < r.GPA {
			return fmt.Errorf("%v: %w", r, errRegionOverflow)
		}

		if r.Offset < 0 {
			return fmt.Errorf("%v: %w", r, errNegativeOffset)
		}

		regions = append(regions, r)
	}

	sort.Slice(regions, func(i, j int) bool { return regions[i].GPA < regions[j].GPA })

	for i := 1; i < len(regions); i++ {
		if regions[i].GPA <= regions[i-1].last() {
			return fmt.Errorf("%v and %v: %w", regions[i-1], regions[i], errRegionOverlap)
		}
	}

	s.regions = regions

	return nil
}

// Regions returns the table ordered by guest address.
func (s *Sysmem) Regions() []Region {
	return append([]Region(nil), s.regions...)
}

// Lookup finds the region containing gpa.
func (s *Sysmem) Lookup(gpa uint64) (Region, bool) {
	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].last() >= gpa })
	if i < len(s.regions) && s.regions[i].contains(gpa) {
		return s.regions[i], true
	}

	return Region{}, false
}

// Size is the total number of bytes described by the table.
func (s *Sysmem) Size() uint64 {
	total := uint64(0)
	for _, r := range s.regions {
		total += r.Size
	}

	return total
}
