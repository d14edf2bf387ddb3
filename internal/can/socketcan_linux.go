package can

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// struct can_frame
const frameSize = 16

const readTimeout = 100 * time.Millisecond

// SocketCAN is a raw CAN socket bound to one network interface.
type SocketCAN struct {
	ifname string
	log    logrus.FieldLogger

	mu      sync.Mutex
	fd      int
	started bool
	stopped bool
	frames  chan Frame
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewSocketCAN creates a bus for the interface ifname.
func NewSocketCAN(ifname string, cfg Config) *SocketCAN {
	return &SocketCAN{
		ifname: ifname,
		log:    cfg.logger().WithField("device", ifname),
		fd:     -1,
		frames: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
}

// Start opens the socket with local loopback disabled and an accept-all
// receive filter, then starts receiving.
func (s *SocketCAN) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	iface, err := net.InterfaceByName(s.ifname)
	if err != nil {
		return fmt.Errorf("failed to find interface %s: %w", s.ifname, err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW, unix.CAN_RAW)
	if err != nil {
		return fmt.Errorf("failed to open CAN socket: %w", err)
	}

	if err := configure(fd, iface.Index); err != nil {
		unix.Close(fd)
		return fmt.Errorf("failed to configure %s: %w", s.ifname, err)
	}

	s.fd = fd
	s.started = true
	s.wg.Add(1)
	go s.readLoop()

	s.log.Debug("socketcan started")
	return nil
}

func configure(fd, ifindex int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_LOOPBACK, 0); err != nil {
		return fmt.Errorf("disable loopback: %w", err)
	}

	filter := []unix.CanFilter{{Id: 0, Mask: 0}}
	if err := unix.SetsockoptCanRawFilter(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FILTER, filter); err != nil {
		return fmt.Errorf("set filter: %w", err)
	}

	// Bounded reads let the receive loop notice Stop
	tv := unix.NsecToTimeval(readTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("set read timeout: %w", err)
	}

	return unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifindex})
}

// Stop ends the receive loop and closes the socket.
func (s *SocketCAN) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.stopped {
		return nil
	}
	s.stopped = true

	close(s.done)
	s.wg.Wait()

	err := unix.Close(s.fd)
	s.fd = -1
	s.log.Debug("socketcan stopped")
	return err
}

// Send writes one frame. Failures such as a down interface are returned
// as is.
func (s *SocketCAN) Send(f Frame) error {
	if err := checkFrame(f); err != nil {
		return err
	}

	s.mu.Lock()
	fd, ok := s.fd, s.started && !s.stopped
	s.mu.Unlock()
	if !ok {
		return ErrNotStarted
	}

	buf := encodeFrame(f)
	if _, err := unix.Write(fd, buf[:]); err != nil {
		return fmt.Errorf("failed to send on %s: %w", s.ifname, err)
	}
	return nil
}

// Frames returns the receive channel.
func (s *SocketCAN) Frames() <-chan Frame {
	return s.frames
}

func (s *SocketCAN) readLoop() {
	defer s.wg.Done()
	defer close(s.frames)

	buf := make([]byte, frameSize)
	for {
		n, err := unix.Read(s.fd, buf)

		select {
		case <-s.done:
			return
		default:
		}

		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			s.log.WithError(err).Error("socketcan receive failed")
			return
		}
		if n != frameSize {
			continue
		}

		f, ok := decodeFrame(buf)
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

func encodeFrame(f Frame) [frameSize]byte {
	var buf [frameSize]byte

	id := f.ID
	if id > unix.CAN_SFF_MASK {
		id = id&unix.CAN_EFF_MASK | unix.CAN_EFF_FLAG
	}
	binary.NativeEndian.PutUint32(buf[0:4], id)
	buf[4] = byte(len(f.Data))
	copy(buf[8:], f.Data)

	return buf
}

// decodeFrame returns false for error, remote and malformed frames.
func decodeFrame(buf []byte) (Frame, bool) {
	id := binary.NativeEndian.Uint32(buf[0:4])
	if id&(unix.CAN_ERR_FLAG|unix.CAN_RTR_FLAG) != 0 {
		return Frame{}, false
	}
	if id&unix.CAN_EFF_FLAG != 0 {
		id &= unix.CAN_EFF_MASK
	} else {
		id &= unix.CAN_SFF_MASK
	}

	n := int(buf[4])
	if n > MaxData {
		return Frame{}, false
	}

	data := make([]byte, n)
	copy(data, buf[8:8+n])
	return Frame{ID: id, Data: data}, true
}

// ARPHRD_CAN
const arphrdCAN = "280"

// ListInterfaces returns the names of CAN network interfaces.
func ListInterfaces() ([]string, error) {
	entries, err := os.ReadDir("/sys/class/net")
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range entries {
		t, err := os.ReadFile(filepath.Join("/sys/class/net", e.Name(), "type"))
		if err != nil {
			continue
		}
		if strings.TrimSpace(string(t)) == arphrdCAN {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
