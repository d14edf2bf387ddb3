package protocol

import "encoding/binary"

// EraseData returns the payload of a global erase request.
func EraseData() []byte {
	return []byte{GlobalErase}
}

// AddressLengthData returns the header payload of a write or read command:
// the big-endian start address followed by the byte count minus one.
func AddressLengthData(address uint32, length int) []byte {
	data := make([]byte, 5)
	binary.BigEndian.PutUint32(data[0:4], address)
	data[4] = byte(length - 1)
	return data
}

// GoData returns the payload of a jump request.
func GoData(address uint32) []byte {
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, address)
	return data
}

// AckData returns the expected payload of a positive acknowledgment.
func AckData() []byte {
	return []byte{Ack}
}
