package image

import (
	"errors"
	"fmt"
)

// WriteGranularity is the smallest unit the bootloader writes.
const WriteGranularity = 8

// PadByte fills the tail of the image up to WriteGranularity.
const PadByte = 0xFF

var (
	ErrOutOfOrderSegments    = errors.New("out of order segments")
	ErrNonContiguousSegments = errors.New("non-contiguous segments")
)

// Segment is a loadable piece of firmware at its physical address.
type Segment struct {
	Address uint32
	Data    []byte
}

// Image is a contiguous, padded byte buffer anchored at Base.
type Image struct {
	Base uint32
	Data []byte
}

// End returns the first address past the image.
func (img *Image) End() uint64 {
	return uint64(img.Base) + uint64(len(img.Data))
}

// SegmentError reports the segment that broke contiguity.
type SegmentError struct {
	Index    int
	Address  uint32
	Expected uint64
	Err      error
}

func (e *SegmentError) Error() string {
	return fmt.Sprintf("segment %d at 0x%08X: %v (expected 0x%08X)",
		e.Index, e.Address, e.Err, e.Expected)
}

func (e *SegmentError) Unwrap() error {
	return e.Err
}

// Linearize merges segments, in the order given, into one image starting at
// base. Segments must follow each other without gaps or overlaps. The result
// is padded with PadByte to a multiple of WriteGranularity.
func Linearize(segments []Segment, base uint32) (*Image, error) {
	var data []byte
	end := uint64(base)

	for i, s := range segments {
		gap := int64(s.Address) - int64(end)
		switch {
		case gap < 0:
			return nil, &SegmentError{Index: i, Address: s.Address, Expected: end, Err: ErrOutOfOrderSegments}
		case gap > 0:
			return nil, &SegmentError{Index: i, Address: s.Address, Expected: end, Err: ErrNonContiguousSegments}
		}
		data = append(data, s.Data...)
		end += uint64(len(s.Data))
	}

	for len(data)%WriteGranularity != 0 {
		data = append(data, PadByte)
	}

	return &Image{Base: base, Data: data}, nil
}
