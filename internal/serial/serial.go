package serial

import (
	"fmt"
	"time"

	"go.bug.st/serial"
)

// DefaultReadTimeout bounds a single Read call.
const DefaultReadTimeout = 100 * time.Millisecond

// Port wraps a serial port that carries a CAN adapter's ASCII protocol.
type Port struct {
	port serial.Port
}

// Open opens a serial port with the specified baud rate.
func Open(portName string, baudRate int) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open port %s: %w", portName, err)
	}

	if err := port.SetReadTimeout(DefaultReadTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set read timeout: %w", err)
	}

	return &Port{port: port}, nil
}

// Close closes the serial port.
func (p *Port) Close() error {
	if p.port != nil {
		return p.port.Close()
	}
	return nil
}

// Write writes data to the serial port.
func (p *Port) Write(data []byte) (int, error) {
	return p.port.Write(data)
}

// Read reads data from the serial port. It returns 0, nil when the read
// timeout elapses without data.
func (p *Port) Read(buf []byte) (int, error) {
	return p.port.Read(buf)
}

// ReadWithTimeout reads data with a specific timeout.
func (p *Port) ReadWithTimeout(buf []byte, timeout time.Duration) (int, error) {
	if err := p.port.SetReadTimeout(timeout); err != nil {
		return 0, err
	}
	defer p.port.SetReadTimeout(DefaultReadTimeout)

	return p.port.Read(buf)
}

// Flush discards any buffered data.
func (p *Port) Flush() error {
	return p.port.ResetInputBuffer()
}

// ListPorts returns a list of available serial ports.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, err
	}
	return ports, nil
}
