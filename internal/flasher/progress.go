package flasher

import (
	"time"

	"github.com/bigbag/stm32-canflash/internal/protocol"
)

// Progress describes the engine after a step completed or a terminal
// state was reached.
type Progress struct {
	State State
	Phase protocol.Phase

	// Step is the number of completed plan steps
	Step  int
	Total int

	// AttemptsRemaining is what is left of the retry budget
	AttemptsRemaining int

	Elapsed time.Duration
}

// Percentage returns completion in the range 0 to 100.
func (p Progress) Percentage() float64 {
	if p.Total == 0 {
		return 100
	}
	return float64(p.Step) * 100 / float64(p.Total)
}

// ProgressCallback is called from the engine's goroutine and should return
// quickly.
type ProgressCallback func(Progress)
