package flasher

import (
	"errors"
	"fmt"

	"github.com/bigbag/stm32-canflash/internal/protocol"
)

var (
	// ErrTimeout is wrapped by StepError when a response did not arrive.
	ErrTimeout = errors.New("timeout waiting for response")

	// ErrBusClosed means the transport stopped delivering frames.
	ErrBusClosed = errors.New("bus closed")
)

// StepError reports the plan step that ended the flash operation.
type StepError struct {
	Index   int
	Phase   protocol.Phase
	Message string
	Err     error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Message, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}
