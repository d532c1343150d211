package knx

import (
	"errors"
	"fmt"
)

// Command is the APCI of a group telegram.
type Command uint16

// Group value APCI codes.
const (
	GroupRead     Command = 0x0000
	GroupResponse Command = 0x0040
	GroupWrite    Command = 0x0080
)

func (c Command) String() string {
	switch c {
	case GroupRead:
		return "read"
	case GroupResponse:
		return "response"
	case GroupWrite:
		return "write"
	default:
		return fmt.Sprintf("apci(0x%03X)", uint16(c))
	}
}

// ErrShortAPDU is returned when an APDU is shorter than the two APCI bytes.
var ErrShortAPDU = errors.New("knx: apdu too short")

// APDU is a decoded group value telegram payload.
type APDU struct {
	Command Command
	// Data holds the value bytes. For values packed into the APCI byte
	// (6 bits or less) it has length 1.
	Data []byte
	// Small reports whether Data was packed into the APCI byte.
	Small bool
}

// EncodeAPDU builds the wire APDU for a group command. Small data (a single byte
// no larger than 0x3F) is merged into the second APCI byte.
func EncodeAPDU(cmd Command, data []byte, small bool) ([]byte, error) {
	if cmd == GroupRead {
		return []byte{0x00, 0x00}, nil
	}
	if small {
		if len(data) != 1 || data[0] > 0x3F {
			return nil, fmt.Errorf("knx: small apdu data must be one byte <= 0x3F, got %X", data)
		}
		return []byte{byte(cmd >> 8), byte(cmd) | data[0]}, nil
	}
	if len(data) > 14 {
		return nil, fmt.Errorf("knx: apdu data too long (%d bytes)", len(data))
	}
	out := make([]byte, 2, 2+len(data))
	out[0] = byte(cmd >> 8)
	out[1] = byte(cmd)
	return append(out, data...), nil
}

// DecodeAPDU parses a group value APDU.
func DecodeAPDU(b []byte) (APDU, error) {
	if len(b) < 2 {
		return APDU{}, ErrShortAPDU
	}
	apci := Command((uint16(b[0]&0x03)<<8 | uint16(b[1])) & 0x03C0)
	switch apci {
	case GroupRead, GroupResponse, GroupWrite:
	default:
		return APDU{}, fmt.Errorf("knx: not a group value apdu (apci 0x%03X)", uint16(apci))
	}
	a := APDU{Command: apci}
	if apci == GroupRead {
		return a, nil
	}
	if len(b) == 2 {
		a.Data = []byte{b[1] & 0x3F}
		a.Small = true
		return a, nil
	}
	a.Data = append([]byte(nil), b[2:]...)
	return a, nil
}
