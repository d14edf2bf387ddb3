package protocol

import "time"

// Bootloader commands, carried as the CAN frame id.
const (
	CmdConnect = 0x79
	CmdErase   = 0x43
	CmdWrite   = 0x31
	CmdRead    = 0x11
	CmdData    = 0x04
	CmdGo      = 0x21
)

// Response bytes
const (
	Ack  = 0x79
	Nack = 0x1F
)

// Transfer sizes
const (
	ChunkSize    = 256 // address range per write/read command
	SubChunkSize = 8   // one CAN frame payload
	MaxPayload   = 8
)

// Response timeouts
const (
	ShortTimeout = 100 * time.Millisecond
	LongTimeout  = 1000 * time.Millisecond
)

// DefaultFlashBase is the start of internal flash on STM32 parts.
const DefaultFlashBase = 0x08000000

// GlobalErase selects mass erase in the erase command.
const GlobalErase = 0xFF

// CommandName returns human-readable name for a command id
func CommandName(id uint32) string {
	switch id {
	case CmdConnect:
		return "connect"
	case CmdErase:
		return "erase"
	case CmdWrite:
		return "write"
	case CmdRead:
		return "read"
	case CmdData:
		return "data"
	case CmdGo:
		return "go"
	default:
		return "unknown"
	}
}
