package flasher

import (
	"context"
	"fmt"
	"time"

	"github.com/bigbag/stm32-canflash/internal/can"
	"github.com/bigbag/stm32-canflash/internal/image"
	"github.com/bigbag/stm32-canflash/internal/protocol"
)

// Run executes the plan until it completes, fails or ctx is done. Frame
// delivery, the response timer and cancellation are serialized onto the
// calling goroutine, so the engine state is never touched concurrently.
func (e *Engine) Run(ctx context.Context) error {
	frames := e.bus.Frames()

	timer := time.NewTimer(time.Hour)
	stopTimer(timer)
	defer stopTimer(timer)

	var generation uint64
	e.Start()

	for !e.state.Terminal() {
		if gen, timeout, ok := e.Timer(); ok && gen != generation {
			generation = gen
			stopTimer(timer)
			timer.Reset(timeout)
		}

		select {
		case f, ok := <-frames:
			if !ok {
				e.Abort(ErrBusClosed)
				continue
			}
			e.Handle(Event{Kind: FrameReceived, Frame: f})
		case <-timer.C:
			e.Handle(Event{Kind: TimerExpired})
		case <-ctx.Done():
			e.Abort(ctx.Err())
		}
	}

	return e.err
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

// Prepare linearizes the segments at base and compiles the command plan.
// No I/O is performed.
func Prepare(segments []image.Segment, base uint32) (*image.Image, protocol.Plan, error) {
	img, err := image.Linearize(segments, base)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to prepare image: %w", err)
	}

	plan, err := protocol.Build(img)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build plan: %w", err)
	}

	return img, plan, nil
}

// Execute starts the bus, runs the plan and stops the bus on every exit
// path.
func Execute(ctx context.Context, bus can.Bus, plan protocol.Plan, opts ...Option) (err error) {
	defer func() {
		if serr := bus.Stop(); serr != nil && err == nil {
			err = fmt.Errorf("failed to stop bus: %w", serr)
		}
	}()

	if err := bus.Start(); err != nil {
		return fmt.Errorf("failed to start bus: %w", err)
	}

	return NewEngine(plan, bus, opts...).Run(ctx)
}

// Flash writes the segments to flash at base, verifies them and starts
// the program. The bus is stopped before Flash returns, also when the
// segments cannot be planned.
func Flash(ctx context.Context, bus can.Bus, segments []image.Segment, base uint32, opts ...Option) error {
	_, plan, err := Prepare(segments, base)
	if err != nil {
		bus.Stop()
		return err
	}
	return Execute(ctx, bus, plan, opts...)
}
