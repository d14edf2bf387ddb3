package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/bigbag/stm32-canflash/internal/image"
)

// Direction tells whether a step sends a frame or waits for one.
type Direction int

const (
	Send Direction = iota
	Receive
)

// RetryPolicy decides what happens when a Receive step times out.
type RetryPolicy int

const (
	// Fatal aborts the plan on the first timeout.
	Fatal RetryPolicy = iota
	// RetryFromPriorSend rewinds to the closest preceding Send step and
	// transmits it again, consuming one attempt from the shared budget.
	RetryFromPriorSend
)

func (r RetryPolicy) String() string {
	switch r {
	case Fatal:
		return "fatal"
	case RetryFromPriorSend:
		return "prior-send"
	default:
		return fmt.Sprintf("RetryPolicy(%d)", int(r))
	}
}

// Phase groups steps for progress reporting.
type Phase int

const (
	PhaseConnect Phase = iota
	PhaseErase
	PhaseProgram
	PhaseVerify
	PhaseJump
)

func (p Phase) String() string {
	switch p {
	case PhaseConnect:
		return "connect"
	case PhaseErase:
		return "erase"
	case PhaseProgram:
		return "program"
	case PhaseVerify:
		return "verify"
	case PhaseJump:
		return "jump"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Step is one entry of a Plan. For Send steps Data is the outbound payload.
// For Receive steps Data is the exact payload the inbound frame must carry.
type Step struct {
	Dir     Direction
	Phase   Phase
	ID      uint32
	Data    []byte
	Timeout time.Duration
	Retry   RetryPolicy
	Message string
}

// Matches reports whether an inbound frame satisfies a Receive step.
func (s Step) Matches(id uint32, data []byte) bool {
	if s.Dir != Receive || s.ID != id || len(s.Data) != len(data) {
		return false
	}
	for i := range data {
		if s.Data[i] != data[i] {
			return false
		}
	}
	return true
}

func (s Step) String() string {
	var b strings.Builder
	if s.Dir == Send {
		b.WriteString("TX ")
	} else {
		b.WriteString("RX ")
	}
	fmt.Fprintf(&b, "%03X [%d]", s.ID, len(s.Data))
	for _, d := range s.Data {
		fmt.Fprintf(&b, " %02X", d)
	}
	if s.Dir == Receive {
		fmt.Fprintf(&b, " timeout=%s retry=%s", s.Timeout, s.Retry)
	}
	return b.String()
}

// Plan is the full, ordered sequence of steps for one flash operation.
type Plan []Step

// PriorSend returns the index of the closest Send step before i, or -1.
func (p Plan) PriorSend(i int) int {
	for j := i - 1; j >= 0; j-- {
		if p[j].Dir == Send {
			return j
		}
	}
	return -1
}

// Count returns the number of steps in phase with direction dir.
func (p Plan) Count(phase Phase, dir Direction) int {
	n := 0
	for _, s := range p {
		if s.Phase == phase && s.Dir == dir {
			n++
		}
	}
	return n
}

// Build compiles an image into the command plan: connect, global erase,
// program, verify and jump. The result depends only on the image.
func Build(img *image.Image) (Plan, error) {
	if len(img.Data)%SubChunkSize != 0 {
		return nil, fmt.Errorf("image length %d is not a multiple of %d", len(img.Data), SubChunkSize)
	}
	if img.End() > 1<<32 {
		return nil, fmt.Errorf("image at 0x%08X with %d bytes exceeds the 32-bit address space", img.Base, len(img.Data))
	}

	b := &builder{}

	b.phase = PhaseConnect
	b.send(CmdConnect, nil)
	b.ack(CmdConnect, ShortTimeout, RetryFromPriorSend, "Error connecting to bootloader")

	b.phase = PhaseErase
	b.send(CmdErase, EraseData())
	b.ack(CmdErase, LongTimeout, RetryFromPriorSend, "Error erasing flash")
	// A timeout here re-sends the erase request, not just re-waits for this ack
	b.ack(CmdErase, LongTimeout, RetryFromPriorSend, "Error erasing flash")

	b.phase = PhaseProgram
	forEachChunk(img, func(addr uint32, chunk []byte) {
		b.send(CmdWrite, AddressLengthData(addr, len(chunk)))
		b.ack(CmdWrite, LongTimeout, RetryFromPriorSend, fmt.Sprintf("Error starting write at 0x%08X", addr))
		for off := 0; off < len(chunk); off += SubChunkSize {
			b.send(CmdData, chunk[off:off+SubChunkSize])
			b.ack(CmdWrite, LongTimeout, Fatal, fmt.Sprintf("Error writing data at 0x%08X", addr+uint32(off)))
		}
		b.ack(CmdWrite, LongTimeout, Fatal, fmt.Sprintf("Error completing write at 0x%08X", addr))
	})

	b.phase = PhaseVerify
	forEachChunk(img, func(addr uint32, chunk []byte) {
		b.send(CmdRead, AddressLengthData(addr, len(chunk)))
		b.ack(CmdRead, LongTimeout, RetryFromPriorSend, fmt.Sprintf("Error starting read at 0x%08X", addr))
		for off := 0; off < len(chunk); off += SubChunkSize {
			b.expect(CmdRead, chunk[off:off+SubChunkSize], LongTimeout, Fatal,
				fmt.Sprintf("Verification failed at 0x%08X", addr+uint32(off)))
		}
		b.ack(CmdRead, LongTimeout, Fatal, fmt.Sprintf("Error completing read at 0x%08X", addr))
	})

	b.phase = PhaseJump
	b.send(CmdGo, GoData(img.Base))
	b.ack(CmdGo, ShortTimeout, RetryFromPriorSend, "Starting the program")

	return b.plan, nil
}

// forEachChunk calls fn for every ChunkSize slice of the image.
func forEachChunk(img *image.Image, fn func(addr uint32, chunk []byte)) {
	for off := 0; off < len(img.Data); off += ChunkSize {
		end := min(off+ChunkSize, len(img.Data))
		fn(img.Base+uint32(off), img.Data[off:end])
	}
}

type builder struct {
	plan  Plan
	phase Phase
}

func (b *builder) send(id uint32, data []byte) {
	b.plan = append(b.plan, Step{
		Dir:   Send,
		Phase: b.phase,
		ID:    id,
		Data:  append([]byte(nil), data...),
	})
}

func (b *builder) ack(id uint32, timeout time.Duration, retry RetryPolicy, msg string) {
	b.expect(id, AckData(), timeout, retry, msg)
}

func (b *builder) expect(id uint32, data []byte, timeout time.Duration, retry RetryPolicy, msg string) {
	b.plan = append(b.plan, Step{
		Dir:     Receive,
		Phase:   b.phase,
		ID:      id,
		Data:    append([]byte(nil), data...),
		Timeout: timeout,
		Retry:   retry,
		Message: msg,
	})
}
