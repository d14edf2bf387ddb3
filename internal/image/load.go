package image

import (
	"debug/elf"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/marcinbor85/gohex"
)

// Load reads a firmware file and returns its loadable segments in file
// order. The format is chosen by extension: .hex is Intel HEX, .bin is a raw
// image placed at base, anything else is parsed as ELF.
func Load(path string, base uint32) ([]Segment, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".hex", ".ihex":
		return LoadHex(path)
	case ".bin":
		return LoadBin(path, base)
	default:
		return LoadELF(path)
	}
}

// LoadELF returns the PT_LOAD program segments with file content, keyed by
// their physical address.
func LoadELF(path string) ([]Segment, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open ELF file: %w", err)
	}
	defer f.Close()

	var segments []Segment
	for _, p := range f.Progs {
		if p.Type != elf.PT_LOAD || p.Filesz == 0 {
			continue
		}
		if p.Paddr > 0xFFFFFFFF {
			return nil, fmt.Errorf("segment physical address 0x%X does not fit 32 bits", p.Paddr)
		}
		data, err := io.ReadAll(io.LimitReader(p.Open(), int64(p.Filesz)))
		if err != nil {
			return nil, fmt.Errorf("failed to read segment at 0x%X: %w", p.Paddr, err)
		}
		segments = append(segments, Segment{Address: uint32(p.Paddr), Data: data})
	}

	return segments, nil
}

// LoadHex parses an Intel HEX file into its data segments.
func LoadHex(path string) ([]Segment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open HEX file: %w", err)
	}
	defer f.Close()

	mem := gohex.NewMemory()
	if err := mem.ParseIntelHex(f); err != nil {
		return nil, fmt.Errorf("failed to parse HEX file: %w", err)
	}

	var segments []Segment
	for _, s := range mem.GetDataSegments() {
		segments = append(segments, Segment{Address: s.Address, Data: s.Data})
	}
	return segments, nil
}

// LoadBin reads a raw binary image that starts at base.
func LoadBin(path string, base uint32) ([]Segment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read binary file: %w", err)
	}
	return []Segment{{Address: base, Data: data}}, nil
}
