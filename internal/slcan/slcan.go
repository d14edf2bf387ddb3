package slcan

import (
	"errors"
	"fmt"
)

const (
	CR   = '\r'
	Bell = 0x07 // adapter error response

	MaxStdID = 0x7FF
	MaxExtID = 0x1FFFFFFF
	MaxData  = 8
)

var (
	ErrNotFrame  = errors.New("slcan: not a data frame")
	ErrMalformed = errors.New("slcan: malformed frame")
)

// Adapter commands
var (
	OpenChannel  = []byte("O\r")
	CloseChannel = []byte("C\r")
)

var bitrates = map[int]byte{
	10000:   '0',
	20000:   '1',
	50000:   '2',
	100000:  '3',
	125000:  '4',
	250000:  '5',
	500000:  '6',
	800000:  '7',
	1000000: '8',
}

// Bitrate returns the setup command for a standard CAN bitrate.
func Bitrate(bitrate int) ([]byte, error) {
	code, ok := bitrates[bitrate]
	if !ok {
		return nil, fmt.Errorf("slcan: unsupported bitrate: %d", bitrate)
	}
	return []byte{'S', code, CR}, nil
}

const hexDigits = "0123456789ABCDEF"

// Encode formats a data frame as an SLCAN transmit command. Ids above
// MaxStdID are sent as extended frames.
func Encode(id uint32, data []byte) []byte {
	// Pre-allocate for the longest frame
	result := make([]byte, 0, 1+8+1+2*MaxData+1)

	digits := 3
	if id > MaxStdID {
		result = append(result, 'T')
		digits = 8
	} else {
		result = append(result, 't')
	}
	for i := digits - 1; i >= 0; i-- {
		result = append(result, hexDigits[(id>>(4*uint(i)))&0xF])
	}

	result = append(result, hexDigits[len(data)&0xF])
	for _, b := range data {
		result = append(result, hexDigits[b>>4], hexDigits[b&0xF])
	}

	result = append(result, CR)
	return result
}

// Decode parses a received frame line (without the trailing CR).
// Lines that are not data frames return ErrNotFrame.
func Decode(line []byte) (id uint32, data []byte, err error) {
	if len(line) == 0 {
		return 0, nil, ErrNotFrame
	}

	var digits int
	switch line[0] {
	case 't':
		digits = 3
	case 'T':
		digits = 8
	default:
		return 0, nil, ErrNotFrame
	}

	if len(line) < 1+digits+1 {
		return 0, nil, ErrMalformed
	}
	for _, c := range line[1 : 1+digits] {
		v, ok := hexValue(c)
		if !ok {
			return 0, nil, ErrMalformed
		}
		id = id<<4 | uint32(v)
	}
	if (digits == 3 && id > MaxStdID) || id > MaxExtID {
		return 0, nil, ErrMalformed
	}

	n, ok := hexValue(line[1+digits])
	if !ok || n > MaxData {
		return 0, nil, ErrMalformed
	}

	// Some adapters append a timestamp; ignore anything after the payload
	payload := line[2+digits:]
	if len(payload) < 2*int(n) {
		return 0, nil, ErrMalformed
	}

	data = make([]byte, n)
	for i := range data {
		hi, ok1 := hexValue(payload[2*i])
		lo, ok2 := hexValue(payload[2*i+1])
		if !ok1 || !ok2 {
			return 0, nil, ErrMalformed
		}
		data[i] = hi<<4 | lo
	}

	return id, data, nil
}

// ReadFrame extracts one line from a byte stream.
// Returns the line (without its terminator) and remaining bytes. A bell
// byte is returned as a one-byte line of its own.
func ReadFrame(data []byte) (line []byte, remaining []byte) {
	for i, b := range data {
		switch b {
		case CR:
			return data[:i], data[i+1:]
		case Bell:
			if i == 0 {
				return data[:1], data[1:]
			}
			return data[:i], data[i:]
		}
	}

	// Line not complete yet
	return nil, data
}

func hexValue(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	default:
		return 0, false
	}
}
