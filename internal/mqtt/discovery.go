//go:build !no_mqtt

package mqtt

import (
	"fmt"
	"strings"

	"eibdvis/internal/config"
	"eibdvis/internal/knx"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/switch/eibdvis_living/1_0_1/config"
	Payload []byte
}

// haDevice is the "device" block in HA discovery. Each room is one device.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name                    string   `json:"name"`
	UniqueID                string   `json:"unique_id"`
	StateTopic              string   `json:"state_topic"`
	CommandTopic            string   `json:"command_topic,omitempty"`
	AvailabilityTopic       string   `json:"availability_topic"`
	ValueTemplate           string   `json:"value_template,omitempty"`
	StateValueTemplate      string   `json:"state_value_template,omitempty"`
	UnitOfMeasurement       string   `json:"unit_of_measurement,omitempty"`
	DeviceClass             string   `json:"device_class,omitempty"`
	StateClass              string   `json:"state_class,omitempty"`
	PayloadOn               string   `json:"payload_on,omitempty"`
	PayloadOff              string   `json:"payload_off,omitempty"`
	BrightnessScale         int      `json:"brightness_scale,omitempty"`
	BrightnessStateTopic    string   `json:"brightness_state_topic,omitempty"`
	BrightnessCommandTopic  string   `json:"brightness_command_topic,omitempty"`
	BrightnessValueTemplate string   `json:"brightness_value_template,omitempty"`
	OnCommandType           string   `json:"on_command_type,omitempty"`
	SupportedColorModes     []string `json:"supported_color_modes,omitempty"`
	Device                  haDevice `json:"device"`
}

const (
	valueTemplate   = "{{ value_json.value }}"
	onOffTemplate   = "{{ 'ON' if value_json.value else 'OFF' }}"
	dimmerTemplate  = "{{ 'ON' if value_json.value | int > 0 else 'OFF' }}"
	discoveryPrefix = "homeassistant"
)

func roomDevice(room *config.Room) haDevice {
	return haDevice{
		Identifiers:  []string{roomNodeID(room)},
		Manufacturer: "KNX",
		Model:        "eibdvis room",
		Name:         room.Name,
	}
}

func roomNodeID(room *config.Room) string {
	return "eibdvis_" + sanitizeID(room.ID)
}

// sanitizeID keeps only characters HA accepts in node and object ids.
func sanitizeID(s string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, s)
}

// gaObjectID renders 1/0/1 as 1_0_1.
func gaObjectID(ga knx.GroupAddress) string {
	return fmt.Sprintf("%d_%d_%d", ga.Main(), ga.Middle(), ga.Sub())
}

// buildDiscovery generates HA discovery messages for every configured object
// with an HA counterpart. An address used by several objects is announced once.
func buildDiscovery(rooms []config.Room, prefix string) []discoveryMsg {
	avail := prefix + "/bridge/state"
	seen := make(map[knx.GroupAddress]bool)

	var msgs []discoveryMsg
	for i := range rooms {
		room := &rooms[i]
		dev := roomDevice(room)
		for j := range room.Objects {
			obj := &room.Objects[j]
			if seen[obj.GroupAddress()] {
				continue
			}
			msg, ok := buildObjectDiscovery(room, obj, dev, prefix, avail)
			if !ok {
				continue
			}
			seen[obj.GroupAddress()] = true
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func buildObjectDiscovery(room *config.Room, obj *config.Object, dev haDevice, prefix, avail string) (discoveryMsg, bool) {
	objectID := gaObjectID(obj.GroupAddress())
	base := haDiscovery{
		Name:              obj.Name,
		UniqueID:          roomNodeID(room) + "_" + objectID,
		StateTopic:        stateTopic(prefix, obj.StatusAddress()),
		AvailabilityTopic: avail,
		Device:            dev,
	}
	cmdTopic := setTopic(prefix, obj.GroupAddress())

	var component string
	switch obj.Type {
	case "switch":
		if !obj.Controllable() {
			return buildBinarySensor(room, objectID, base), true
		}
		component = "switch"
		base.CommandTopic = cmdTopic
		base.ValueTemplate = onOffTemplate
		base.PayloadOn = "ON"
		base.PayloadOff = "OFF"

	case "dimmer":
		if !obj.Controllable() {
			base.ValueTemplate = valueTemplate
			base.UnitOfMeasurement = "%"
			base.StateClass = "measurement"
			return newMsg("sensor", room, objectID, base), true
		}
		component = "light"
		base.CommandTopic = cmdTopic
		base.StateValueTemplate = dimmerTemplate
		base.PayloadOn = "ON"
		base.PayloadOff = "OFF"
		base.BrightnessScale = 100
		base.BrightnessStateTopic = base.StateTopic
		base.BrightnessCommandTopic = cmdTopic
		base.BrightnessValueTemplate = valueTemplate
		base.OnCommandType = "brightness"
		base.SupportedColorModes = []string{"brightness"}

	case "temperature":
		component = "sensor"
		base.ValueTemplate = valueTemplate
		base.DeviceClass = "temperature"
		base.UnitOfMeasurement = "°C"
		base.StateClass = "measurement"

	case "float", "value":
		component = "sensor"
		base.ValueTemplate = valueTemplate
		base.StateClass = "measurement"

	case "sensor":
		return buildBinarySensor(room, objectID, base), true

	default:
		return discoveryMsg{}, false
	}
	return newMsg(component, room, objectID, base), true
}

func buildBinarySensor(room *config.Room, objectID string, base haDiscovery) discoveryMsg {
	base.ValueTemplate = onOffTemplate
	base.PayloadOn = "ON"
	base.PayloadOff = "OFF"
	return newMsg("binary_sensor", room, objectID, base)
}

func newMsg(component string, room *config.Room, objectID string, payload haDiscovery) discoveryMsg {
	return discoveryMsg{
		Topic:   fmt.Sprintf("%s/%s/%s/%s/config", discoveryPrefix, component, roomNodeID(room), objectID),
		Payload: mustJSON(payload),
	}
}
