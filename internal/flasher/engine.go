package flasher

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/stm32-canflash/internal/can"
	"github.com/bigbag/stm32-canflash/internal/protocol"
)

// State of the execution engine.
type State int

const (
	Idle State = iota
	Sending
	AwaitingResponse
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Sending:
		return "sending"
	case AwaitingResponse:
		return "awaiting response"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Terminal reports whether no further events are processed.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

// EventKind enumerates the inputs of the engine.
type EventKind int

const (
	FrameReceived EventKind = iota
	TimerExpired
)

// Event is one input of the engine. Frame is set for FrameReceived.
type Event struct {
	Kind  EventKind
	Frame can.Frame
}

// Engine walks a plan against a bus, one outstanding request at a time.
// All state is mutated from Start and Handle only; callers must serialize
// them, which Run does.
type Engine struct {
	plan protocol.Plan
	bus  can.Bus
	cfg  Config
	log  logrus.FieldLogger

	state    State
	cursor   int
	attempts int
	err      error
	started  time.Time

	// timer request: armed is the generation of the latest timer, timeout
	// its duration; the owner of the clock re-arms when armed changes
	armed   uint64
	timeout time.Duration
	waiting bool
}

// NewEngine creates an engine for plan. The bus must already be started
// before Start is called.
func NewEngine(plan protocol.Plan, bus can.Bus, opts ...Option) *Engine {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	return &Engine{
		plan:     plan,
		bus:      bus,
		cfg:      cfg,
		log:      cfg.Logger,
		attempts: cfg.Retries,
	}
}

// State returns the current state.
func (e *Engine) State() State {
	return e.state
}

// Cursor returns the index of the current plan step.
func (e *Engine) Cursor() int {
	return e.cursor
}

// AttemptsRemaining returns what is left of the retry budget.
func (e *Engine) AttemptsRemaining() int {
	return e.attempts
}

// Err returns the failure cause once the engine is Failed.
func (e *Engine) Err() error {
	return e.err
}

// Timer returns the generation and duration of the armed response timer.
// ok is false when no timer is armed.
func (e *Engine) Timer() (generation uint64, timeout time.Duration, ok bool) {
	return e.armed, e.timeout, e.waiting
}

// Start begins executing the plan. It sends until the first response is
// awaited.
func (e *Engine) Start() {
	if e.state != Idle {
		return
	}
	e.started = time.Now()
	e.log.WithField("steps", len(e.plan)).Debug("plan started")
	e.advance()
}

// Handle processes one event. Events in a terminal state are ignored.
func (e *Engine) Handle(ev Event) {
	if e.state.Terminal() {
		return
	}

	switch ev.Kind {
	case FrameReceived:
		e.onFrame(ev.Frame)
	case TimerExpired:
		e.onTimeout()
	}
}

// Abort fails the engine with err unless it already finished.
func (e *Engine) Abort(err error) {
	if e.state.Terminal() {
		return
	}
	step := e.cursor
	if step >= len(e.plan) {
		step = len(e.plan) - 1
	}
	se := &StepError{Index: e.cursor, Message: "flash aborted", Err: err}
	if step >= 0 {
		se.Phase = e.plan[step].Phase
	}
	e.fail(se)
}

func (e *Engine) advance() {
	e.state = Sending

	for e.cursor < len(e.plan) {
		step := &e.plan[e.cursor]

		if step.Dir == protocol.Receive {
			e.arm(step.Timeout)
			e.state = AwaitingResponse
			return
		}

		e.stepLog(step).Debug("tx")
		if err := e.bus.Send(can.Frame{ID: step.ID, Data: step.Data}); err != nil {
			e.fail(&StepError{
				Index:   e.cursor,
				Phase:   step.Phase,
				Message: fmt.Sprintf("failed to send %s request", protocol.CommandName(step.ID)),
				Err:     err,
			})
			return
		}
		e.cursor++
		e.report()
	}

	e.complete()
}

func (e *Engine) onFrame(f can.Frame) {
	if e.state != AwaitingResponse {
		return
	}

	step := &e.plan[e.cursor]
	if !step.Matches(f.ID, f.Data) {
		msg := "discarded frame"
		if f.ID == step.ID && len(f.Data) == 1 && f.Data[0] == protocol.Nack {
			msg = "bootloader rejected request"
		}
		e.stepLog(step).WithField("frame", f.String()).Debug(msg)
		return
	}

	e.stepLog(step).Debug("rx")
	e.disarm()
	e.cursor++
	e.report()

	if e.cursor == len(e.plan) {
		e.complete()
		return
	}
	e.advance()
}

func (e *Engine) onTimeout() {
	if e.state != AwaitingResponse {
		return
	}

	step := &e.plan[e.cursor]
	e.disarm()

	if step.Retry == protocol.RetryFromPriorSend && e.attempts > 0 {
		if target := e.plan.PriorSend(e.cursor); target >= 0 {
			e.attempts--
			e.stepLog(step).WithField("attempts", e.attempts).Warn("response timeout, retrying")
			e.cursor = target
			e.advance()
			return
		}
	}

	e.fail(&StepError{
		Index:   e.cursor,
		Phase:   step.Phase,
		Message: step.Message,
		Err:     ErrTimeout,
	})
}

func (e *Engine) arm(timeout time.Duration) {
	e.armed++
	e.timeout = timeout
	e.waiting = true
}

func (e *Engine) disarm() {
	e.waiting = false
}

func (e *Engine) complete() {
	e.disarm()
	e.state = Completed
	e.log.WithField("elapsed", time.Since(e.started).Round(time.Millisecond)).Info("plan completed")
	e.report()
}

func (e *Engine) fail(err error) {
	e.disarm()
	e.state = Failed
	e.err = err
	e.log.WithError(err).WithField("step", e.cursor).Error("plan failed")
	e.report()
}

func (e *Engine) report() {
	if e.cfg.ProgressCallback == nil {
		return
	}

	p := Progress{
		State:             e.state,
		Step:              e.cursor,
		Total:             len(e.plan),
		AttemptsRemaining: e.attempts,
		Elapsed:           time.Since(e.started),
	}
	if i := min(e.cursor, len(e.plan)-1); i >= 0 {
		p.Phase = e.plan[i].Phase
	}
	e.cfg.ProgressCallback(p)
}

func (e *Engine) stepLog(step *protocol.Step) logrus.FieldLogger {
	return e.log.WithFields(logrus.Fields{
		"step":  e.cursor,
		"phase": step.Phase.String(),
		"id":    fmt.Sprintf("0x%02X", step.ID),
		"data":  fmt.Sprintf("%X", step.Data),
	})
}
