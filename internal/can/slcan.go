package can

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bigbag/stm32-canflash/internal/serial"
	"github.com/bigbag/stm32-canflash/internal/slcan"
)

const commandTimeout = 100 * time.Millisecond

// port is the part of serial.Port the SLCAN bus uses.
type port interface {
	Write(data []byte) (int, error)
	Read(buf []byte) (int, error)
	ReadWithTimeout(buf []byte, timeout time.Duration) (int, error)
	Flush() error
	Close() error
}

// SLCAN is a CAN bus reached through a serial adapter speaking the
// Lawicel ASCII protocol.
type SLCAN struct {
	portName string
	baudRate int
	bitrate  int
	log      logrus.FieldLogger

	// open is replaced in tests
	open func(name string, baud int) (port, error)

	mu      sync.Mutex
	port    port
	started bool
	stopped bool
	frames  chan Frame
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewSLCAN creates a bus for the adapter at portName.
func NewSLCAN(portName string, cfg Config) *SLCAN {
	baud := cfg.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	bitrate := cfg.Bitrate
	if bitrate == 0 {
		bitrate = DefaultBitrate
	}

	return &SLCAN{
		portName: portName,
		baudRate: baud,
		bitrate:  bitrate,
		log:      cfg.logger().WithField("device", portName),
		open: func(name string, baud int) (port, error) {
			return serial.Open(name, baud)
		},
		frames: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
}

// Start opens the serial port, sets the bitrate and opens the CAN channel.
func (s *SLCAN) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	setup, err := slcan.Bitrate(s.bitrate)
	if err != nil {
		return err
	}

	p, err := s.open(s.portName, s.baudRate)
	if err != nil {
		return err
	}

	// The channel may still be open from a previous run; the adapter
	// answers with an error in that case which is fine to ignore.
	s.command(p, slcan.CloseChannel)

	if err := s.command(p, setup); err != nil {
		p.Close()
		return fmt.Errorf("failed to set bitrate %d: %w", s.bitrate, err)
	}
	if err := s.command(p, slcan.OpenChannel); err != nil {
		p.Close()
		return fmt.Errorf("failed to open CAN channel: %w", err)
	}
	p.Flush()

	s.port = p
	s.started = true
	s.wg.Add(1)
	go s.readLoop()

	s.log.WithField("bitrate", s.bitrate).Debug("slcan started")
	return nil
}

// command writes an adapter command and checks the reply for a bell.
func (s *SLCAN) command(p port, cmd []byte) error {
	if _, err := p.Write(cmd); err != nil {
		return err
	}

	buf := make([]byte, 16)
	n, err := p.ReadWithTimeout(buf, commandTimeout)
	if err != nil {
		return err
	}
	if bytes.IndexByte(buf[:n], slcan.Bell) >= 0 {
		return fmt.Errorf("adapter rejected %q", bytes.TrimRight(cmd, "\r"))
	}
	return nil
}

// Stop closes the CAN channel and the serial port.
func (s *SLCAN) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.stopped {
		return nil
	}
	s.stopped = true

	close(s.done)
	s.wg.Wait()

	_, werr := s.port.Write(slcan.CloseChannel)
	cerr := s.port.Close()
	s.log.Debug("slcan stopped")
	return errors.Join(werr, cerr)
}

// Send transmits one frame.
func (s *SLCAN) Send(f Frame) error {
	if err := checkFrame(f); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.stopped {
		return ErrNotStarted
	}
	if _, err := s.port.Write(slcan.Encode(f.ID, f.Data)); err != nil {
		return fmt.Errorf("failed to send on %s: %w", s.portName, err)
	}
	return nil
}

// Frames returns the receive channel.
func (s *SLCAN) Frames() <-chan Frame {
	return s.frames
}

func (s *SLCAN) readLoop() {
	defer s.wg.Done()
	defer close(s.frames)

	var buffer []byte
	chunk := make([]byte, 256)
	for {
		select {
		case <-s.done:
			return
		default:
		}

		n, err := s.port.Read(chunk)
		if err != nil {
			s.log.WithError(err).Error("slcan receive failed")
			return
		}
		buffer = append(buffer, chunk[:n]...)

		for {
			line, remaining := slcan.ReadFrame(buffer)
			if line == nil {
				break
			}
			buffer = remaining

			f, ok := s.decode(line)
			if !ok {
				continue
			}
			select {
			case s.frames <- f:
			case <-s.done:
				return
			}
		}
	}
}

func (s *SLCAN) decode(line []byte) (Frame, bool) {
	if len(line) == 1 && line[0] == slcan.Bell {
		s.log.Debug("slcan adapter reported an error")
		return Frame{}, false
	}

	id, data, err := slcan.Decode(line)
	if err != nil {
		if !errors.Is(err, slcan.ErrNotFrame) {
			s.log.WithError(err).WithField("line", string(line)).Debug("slcan dropped line")
		}
		return Frame{}, false
	}
	return Frame{ID: id, Data: data}, true
}
