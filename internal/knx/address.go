// Package knx holds the KNX/EIB data types shared by the eibd client, the gateway
// and the web frames: group and individual addresses, group APDUs and datapoint codecs.
package knx

import (
	"fmt"
	"strconv"
	"strings"
)

// GroupAddress is a 16-bit KNX group address.
type GroupAddress uint16

// ParseGroupAddress parses a group address in three-level ("1/2/3"),
// two-level ("1/515") or plain decimal ("2563") notation.
func ParseGroupAddress(s string) (GroupAddress, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("knx: empty group address")
	}
	parts := strings.Split(s, "/")
	nums := make([]uint64, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil {
			return 0, fmt.Errorf("knx: invalid group address %q", s)
		}
		nums[i] = n
	}

	switch len(nums) {
	case 1:
		return GroupAddress(nums[0]), nil
	case 2:
		if nums[0] > 31 || nums[1] > 2047 {
			return 0, fmt.Errorf("knx: group address %q out of range", s)
		}
		return GroupAddress(nums[0]<<11 | nums[1]), nil
	case 3:
		if nums[0] > 31 || nums[1] > 7 || nums[2] > 255 {
			return 0, fmt.Errorf("knx: group address %q out of range", s)
		}
		return GroupAddress(nums[0]<<11 | nums[1]<<8 | nums[2]), nil
	default:
		return 0, fmt.Errorf("knx: invalid group address %q", s)
	}
}

// MustParseGroupAddress is like ParseGroupAddress but panics on error.
func MustParseGroupAddress(s string) GroupAddress {
	ga, err := ParseGroupAddress(s)
	if err != nil {
		panic(err)
	}
	return ga
}

// GroupAddressFromParts builds a three-level group address.
func GroupAddressFromParts(main, middle, sub int) (GroupAddress, error) {
	if main < 0 || main > 31 || middle < 0 || middle > 7 || sub < 0 || sub > 255 {
		return 0, fmt.Errorf("knx: group address %d/%d/%d out of range", main, middle, sub)
	}
	return GroupAddress(main<<11 | middle<<8 | sub), nil
}

// Main returns the main group (5 bits).
func (ga GroupAddress) Main() int { return int(ga>>11) & 0x1F }

// Middle returns the middle group (3 bits).
func (ga GroupAddress) Middle() int { return int(ga>>8) & 0x07 }

// Sub returns the sub group (8 bits).
func (ga GroupAddress) Sub() int { return int(ga) & 0xFF }

// String renders the three-level form.
func (ga GroupAddress) String() string {
	return fmt.Sprintf("%d/%d/%d", ga.Main(), ga.Middle(), ga.Sub())
}

// MarshalText implements encoding.TextMarshaler so addresses serialize as "1/2/3".
func (ga GroupAddress) MarshalText() ([]byte, error) {
	return []byte(ga.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (ga *GroupAddress) UnmarshalText(text []byte) error {
	v, err := ParseGroupAddress(string(text))
	if err != nil {
		return err
	}
	*ga = v
	return nil
}

// IndividualAddress is a 16-bit KNX device address (area.line.device).
type IndividualAddress uint16

// String renders area.line.device.
func (ia IndividualAddress) String() string {
	return fmt.Sprintf("%d.%d.%d", ia>>12, (ia>>8)&0x0F, ia&0xFF)
}

// MarshalText implements encoding.TextMarshaler.
func (ia IndividualAddress) MarshalText() ([]byte, error) {
	return []byte(ia.String()), nil
}

// ParseIndividualAddress parses area.line.device notation.
func ParseIndividualAddress(s string) (IndividualAddress, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return 0, fmt.Errorf("knx: invalid individual address %q", s)
	}
	var nums [3]uint64
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 8)
		if err != nil {
			return 0, fmt.Errorf("knx: invalid individual address %q", s)
		}
		nums[i] = n
	}
	if nums[0] > 15 || nums[1] > 15 {
		return 0, fmt.Errorf("knx: individual address %q out of range", s)
	}
	return IndividualAddress(nums[0]<<12 | nums[1]<<8 | nums[2]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (ia *IndividualAddress) UnmarshalText(text []byte) error {
	v, err := ParseIndividualAddress(string(text))
	if err != nil {
		return err
	}
	*ia = v
	return nil
}
