// Package bitfield extracts named bit ranges out of packed flag words.
//
// The guest's MMVAD flags word packs several independent fields into a
// single 64-bit word. Rather than scatter shift-and-mask expressions across
// the VAD walker, it extracts each field through a Word and a Range
// supplied by the profile. Page-table entries are decoded in package paging
// with its own fixed bit masks, not through this package.
package bitfield

import "fmt"

// Range is an inclusive bit range [Start, End], bit 0 being the LSB.
type Range struct {
	Start uint8
	End   uint8
}

// Word is a packed flag word ready for field extraction.
type Word uint64

// Get extracts the bits in r and returns them right-shifted into the low
// bits of the result, i.e. the same value a C bitfield member would hold.
func (w Word) Get(r Range) uint64 {
	if r.End < r.Start || r.End > 63 {
		return 0
	}
	shifted := uint64(w) >> r.Start
	width := uint64(r.End-r.Start) + 1
	mask := (uint64(1) << width) - 1
	return shifted & mask
}

// Validate reports an error if r does not describe a sane bit range for a
// 64-bit word. Used when a Profile is loaded, so a malformed offsets file
// fails fast instead of silently extracting garbage later.
func (r Range) Validate() error {
	if r.End > 63 {
		return fmt.Errorf("bit range end %d exceeds word width", r.End)
	}
	if r.End < r.Start {
		return fmt.Errorf("bit range [%d,%d] has end before start", r.Start, r.End)
	}
	return nil
}
