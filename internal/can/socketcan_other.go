//go:build !linux

package can

// SocketCAN is a stub for non-Linux platforms.
// Serial adapters (SLCAN) are the only transport there.
type SocketCAN struct {
	frames chan Frame
}

// NewSocketCAN returns a bus whose Start always fails.
func NewSocketCAN(ifname string, cfg Config) *SocketCAN {
	frames := make(chan Frame)
	close(frames)
	return &SocketCAN{frames: frames}
}

// Start is a stub - SocketCAN only exists on Linux.
func (s *SocketCAN) Start() error {
	return ErrUnsupported
}

// Stop is a stub - nothing was started.
func (s *SocketCAN) Stop() error {
	return nil
}

// Send is a stub - SocketCAN only exists on Linux.
func (s *SocketCAN) Send(f Frame) error {
	return ErrUnsupported
}

// Frames returns a closed channel.
func (s *SocketCAN) Frames() <-chan Frame {
	return s.frames
}

// ListInterfaces returns no interfaces on non-Linux platforms.
func ListInterfaces() ([]string, error) {
	return nil, nil
}
