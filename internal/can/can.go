package can

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
)

// Defaults for the command line.
const (
	DefaultDevice   = "can0"
	DefaultBitrate  = 1000000
	DefaultBaudRate = 115200
)

// MaxData is the payload limit of a classic CAN frame.
const MaxData = 8

var (
	ErrUnsupported    = errors.New("can: transport not supported on this platform")
	ErrNotStarted     = errors.New("can: bus not started")
	ErrPayloadTooLong = errors.New("can: payload longer than 8 bytes")
	ErrAlreadyStarted = errors.New("can: bus already started")
)

// Frame is a classic CAN data frame.
type Frame struct {
	ID   uint32
	Data []byte
}

func (f Frame) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%03X#", f.ID)
	for _, d := range f.Data {
		fmt.Fprintf(&b, "%02X", d)
	}
	return b.String()
}

// Bus is a started-on-demand CAN interface. Received frames are delivered
// on the Frames channel, which is closed after Stop or a fatal receive
// error. Stop may be called more than once.
type Bus interface {
	Start() error
	Stop() error
	Send(f Frame) error
	Frames() <-chan Frame
}

// Config holds transport settings. Bitrate and BaudRate only apply to
// serial adapters; SocketCAN interfaces are configured by the system.
type Config struct {
	Bitrate  int
	BaudRate int
	Logger   logrus.FieldLogger
}

func (c Config) logger() logrus.FieldLogger {
	if c.Logger == nil {
		return logrus.StandardLogger()
	}
	return c.Logger
}

// IsSerialDevice reports whether device names a serial CAN adapter rather
// than a network interface.
func IsSerialDevice(device string) bool {
	return strings.HasPrefix(device, "/dev/") || strings.HasPrefix(strings.ToUpper(device), "COM")
}

// Open returns an unstarted bus for device. Serial device paths get an
// SLCAN adapter, everything else is treated as a SocketCAN interface.
func Open(device string, cfg Config) Bus {
	if IsSerialDevice(device) {
		return NewSLCAN(device, cfg)
	}
	return NewSocketCAN(device, cfg)
}

func checkFrame(f Frame) error {
	if len(f.Data) > MaxData {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLong, len(f.Data))
	}
	return nil
}
