package knx

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DPT identifies a KNX datapoint type ("1.001", "9.001", ...). The empty DPT
// means raw bytes.
type DPT string

// Supported datapoint types.
const (
	DPTRaw         DPT = ""
	DPTSwitch      DPT = "1.001"
	DPTPercent     DPT = "5.001"
	DPTCounter     DPT = "5.010"
	DPTTemperature DPT = "9.001"
	DPTFloat       DPT = "9"
	DPTScene       DPT = "17.001"
)

// ErrUnknownDPT is returned for datapoint types without a codec.
var ErrUnknownDPT = errors.New("knx: unknown datapoint type")

// Object types used in the configuration, mapped to their default DPT.
var typeDPTs = map[string]DPT{
	"switch":      DPTSwitch,
	"sensor":      DPTSwitch,
	"dimmer":      DPTPercent,
	"value":       DPTCounter,
	"temperature": DPTTemperature,
	"float":       DPTFloat,
	"scene":       DPTScene,
	"raw":         DPTRaw,
}

// DPTForType returns the datapoint type for an object type name.
func DPTForType(objType string) (DPT, bool) {
	d, ok := typeDPTs[strings.ToLower(objType)]
	return d, ok
}

// ParseDPT validates a DPT string such as "9.004" or "1".
func ParseDPT(s string) (DPT, error) {
	d := DPT(strings.TrimSpace(s))
	switch d.Main() {
	case 0:
		if d == DPTRaw {
			return d, nil
		}
	case 1, 5, 9, 17:
		return d, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDPT, s)
}

// Main returns the main number of the DPT, or 0 for raw/invalid.
func (d DPT) Main() int {
	main, _, _ := strings.Cut(string(d), ".")
	n, err := strconv.Atoi(main)
	if err != nil {
		return 0
	}
	return n
}

// Small reports whether values of this type fit in the APCI byte.
func (d DPT) Small() bool {
	return d.Main() == 1
}

// Encode converts a Go value into the DPT's wire bytes. Strings are accepted
// for every type ("on", "off", "21.5", "3"), as form values arrive as text.
func Encode(d DPT, v any) ([]byte, error) {
	switch d.Main() {
	case 1:
		b, err := toBool(v)
		if err != nil {
			return nil, err
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil

	case 5:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if d == DPTPercent {
			if f < 0 || f > 100 {
				return nil, fmt.Errorf("knx: percent %v out of range 0-100", f)
			}
			return []byte{byte(math.Round(f * 255 / 100))}, nil
		}
		if f < 0 || f > 255 || f != math.Trunc(f) {
			return nil, fmt.Errorf("knx: value %v out of range 0-255", f)
		}
		return []byte{byte(f)}, nil

	case 9:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		return encodeFloat16(f)

	case 17:
		f, err := toFloat(v)
		if err != nil {
			return nil, err
		}
		if f < 1 || f > 64 || f != math.Trunc(f) {
			return nil, fmt.Errorf("knx: scene %v out of range 1-64", f)
		}
		return []byte{byte(f) - 1}, nil

	case 0:
		if d != DPTRaw {
			break
		}
		switch val := v.(type) {
		case []byte:
			return val, nil
		case string:
			b, err := hex.DecodeString(strings.ReplaceAll(val, " ", ""))
			if err != nil {
				return nil, fmt.Errorf("knx: invalid hex %q", val)
			}
			return b, nil
		}
		return nil, fmt.Errorf("knx: raw value must be hex string, got %T", v)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDPT, string(d))
}

// Decode converts wire bytes into a Go value: bool for DPT 1, int for
// percent/counter/scene, float64 for DPT 9 and a hex string for raw data.
func Decode(d DPT, data []byte) (any, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("knx: no data for dpt %q", string(d))
	}
	switch d.Main() {
	case 1:
		return data[0]&0x01 != 0, nil
	case 5:
		if d == DPTPercent {
			return int(math.Round(float64(data[0]) * 100 / 255)), nil
		}
		return int(data[0]), nil
	case 9:
		if len(data) < 2 {
			return nil, fmt.Errorf("knx: dpt 9 needs 2 bytes, have %d", len(data))
		}
		return decodeFloat16(data), nil
	case 17:
		return int(data[0]&0x3F) + 1, nil
	case 0:
		if d == DPTRaw {
			return hex.EncodeToString(data), nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownDPT, string(d))
}

// Format renders a decoded value for display.
func Format(d DPT, v any) string {
	if v == nil {
		return "-"
	}
	switch d.Main() {
	case 1:
		if b, ok := v.(bool); ok {
			if b {
				return "on"
			}
			return "off"
		}
	case 5:
		if d == DPTPercent {
			return fmt.Sprintf("%v %%", v)
		}
	case 9:
		if f, ok := v.(float64); ok {
			s := strconv.FormatFloat(f, 'f', -1, 64)
			if d == DPTTemperature {
				return s + " °C"
			}
			return s
		}
	case 17:
		return fmt.Sprintf("scene %v", v)
	}
	return fmt.Sprintf("%v", v)
}

// encodeFloat16 encodes a KNX 2-byte float: 0.01*M*2^E with a 12-bit signed
// mantissa and a 4-bit exponent.
func encodeFloat16(v float64) ([]byte, error) {
	if math.IsNaN(v) || v < -671088.64 || v > 670760.96 {
		return nil, fmt.Errorf("knx: value %v out of 2-byte float range", v)
	}
	m := math.Round(v * 100)
	e := 0
	for m < -2048 || m > 2047 {
		e++
		m = math.Round(v * 100 / float64(int(1)<<e))
	}
	if e > 15 {
		return nil, fmt.Errorf("knx: value %v out of 2-byte float range", v)
	}
	mi := int(m)
	raw := uint16(e)<<11 | uint16(mi)&0x07FF
	if mi < 0 {
		raw |= 0x8000
	}
	return []byte{byte(raw >> 8), byte(raw)}, nil
}

func decodeFloat16(b []byte) float64 {
	raw := uint16(b[0])<<8 | uint16(b[1])
	m := int(raw & 0x07FF)
	if raw&0x8000 != 0 {
		m -= 2048
	}
	e := int(raw>>11) & 0x0F
	v := 0.01 * float64(m) * float64(int(1)<<e)
	return math.Round(v*100) / 100
}

func toBool(v any) (bool, error) {
	switch val := v.(type) {
	case bool:
		return val, nil
	case int:
		return val != 0, nil
	case int64:
		return val != 0, nil
	case float64:
		return val != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "1", "on", "true", "yes":
			return true, nil
		case "0", "off", "false", "no":
			return false, nil
		}
		return false, fmt.Errorf("knx: cannot convert %q to bool", val)
	}
	return false, fmt.Errorf("knx: cannot convert %T to bool", v)
}

func toFloat(v any) (float64, error) {
	switch val := v.(type) {
	case float64:
		return val, nil
	case float32:
		return float64(val), nil
	case int:
		return float64(val), nil
	case int64:
		return float64(val), nil
	case uint8:
		return float64(val), nil
	case uint16:
		return float64(val), nil
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.ReplaceAll(val, ",", ".")), 64)
		if err != nil {
			return 0, fmt.Errorf("knx: cannot convert %q to number", val)
		}
		return f, nil
	}
	return 0, fmt.Errorf("knx: cannot convert %T to number", v)
}
