package image

import (
	"bytes"
	"errors"
	"testing"
)

const base = 0x08000000

func TestLinearize_Contiguous(t *testing.T) {
	tests := []struct {
		name     string
		segments []Segment
		wantLen  int
	}{
		{"empty", nil, 0},
		{"exact", []Segment{{base, []byte{1, 2, 3, 4, 5, 6, 7, 8}}}, 8},
		{"one byte", []Segment{{base, []byte{0xAA}}}, 8},
		{"two segments", []Segment{
			{base, []byte{1, 2, 3}},
			{base + 3, []byte{4, 5, 6, 7, 8, 9}},
		}, 16},
		{"empty segment in between", []Segment{
			{base, []byte{1, 2}},
			{base + 2, nil},
			{base + 2, []byte{3}},
		}, 8},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			img, err := Linearize(tc.segments, base)
			if err != nil {
				t.Fatalf("Linearize() error = %v", err)
			}
			if img.Base != base {
				t.Errorf("Linearize() base = 0x%X, want 0x%X", img.Base, base)
			}
			if len(img.Data) != tc.wantLen {
				t.Fatalf("Linearize() length = %d, want %d", len(img.Data), tc.wantLen)
			}

			var prefix []byte
			for _, s := range tc.segments {
				prefix = append(prefix, s.Data...)
			}
			if !bytes.Equal(img.Data[:len(prefix)], prefix) {
				t.Errorf("Linearize() prefix = %X, want %X", img.Data[:len(prefix)], prefix)
			}
			for i := len(prefix); i < len(img.Data); i++ {
				if img.Data[i] != PadByte {
					t.Errorf("Linearize() pad[%d] = 0x%02X, want 0x%02X", i, img.Data[i], PadByte)
				}
			}
		})
	}
}

func TestLinearize_Gap(t *testing.T) {
	segments := []Segment{
		{base, []byte{1, 2, 3, 4}},
		{base + 8, []byte{5}},
	}
	img, err := Linearize(segments, base)
	if !errors.Is(err, ErrNonContiguousSegments) {
		t.Fatalf("Linearize() error = %v, want %v", err, ErrNonContiguousSegments)
	}
	if img != nil {
		t.Errorf("Linearize() returned partial image %v", img)
	}

	var se *SegmentError
	if !errors.As(err, &se) {
		t.Fatalf("Linearize() error type = %T, want *SegmentError", err)
	}
	if se.Index != 1 || se.Expected != base+4 {
		t.Errorf("SegmentError = {Index: %d, Expected: 0x%X}, want {1, 0x%X}", se.Index, se.Expected, base+4)
	}
}

func TestLinearize_FirstSegmentAboveBase(t *testing.T) {
	_, err := Linearize([]Segment{{base + 0x100, []byte{1}}}, base)
	if !errors.Is(err, ErrNonContiguousSegments) {
		t.Errorf("Linearize() error = %v, want %v", err, ErrNonContiguousSegments)
	}
}

func TestLinearize_Overlap(t *testing.T) {
	segments := []Segment{
		{base, []byte{1, 2, 3, 4}},
		{base + 2, []byte{5}},
	}
	_, err := Linearize(segments, base)
	if !errors.Is(err, ErrOutOfOrderSegments) {
		t.Errorf("Linearize() error = %v, want %v", err, ErrOutOfOrderSegments)
	}
}

func TestLinearize_BelowBase(t *testing.T) {
	_, err := Linearize([]Segment{{base - 8, []byte{1}}}, base)
	if !errors.Is(err, ErrOutOfOrderSegments) {
		t.Errorf("Linearize() error = %v, want %v", err, ErrOutOfOrderSegments)
	}
}

func TestLinearize_NotSorted(t *testing.T) {
	segments := []Segment{
		{base + 4, []byte{5, 6, 7, 8}},
		{base, []byte{1, 2, 3, 4}},
	}
	_, err := Linearize(segments, base)
	if !errors.Is(err, ErrNonContiguousSegments) {
		t.Errorf("Linearize() error = %v, want %v", err, ErrNonContiguousSegments)
	}
}

func TestImage_End(t *testing.T) {
	img := &Image{Base: base, Data: make([]byte, 16)}
	if img.End() != base+16 {
		t.Errorf("End() = 0x%X, want 0x%X", img.End(), base+16)
	}
}
