//go:build !no_mqtt

// Package mqtt mirrors KNX group values to an MQTT broker and turns set
// commands from the broker into group writes.
package mqtt

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"eibdvis/internal/config"
	"eibdvis/internal/gateway"
	"eibdvis/internal/knx"
	"eibdvis/internal/store"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	Discovery   bool
}

// Gateway is the part of the KNX gateway the bridge uses.
type Gateway interface {
	Events() *gateway.EventBus
	Write(ctx context.Context, ga knx.GroupAddress, typ string, value any) (*store.GroupValue, error)
	Values() []*store.GroupValue
	ObjectFor(ga knx.GroupAddress) (*config.Object, bool)
}

// client is the subset of pahomqtt.Client the bridge calls.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Bridge connects the KNX gateway to MQTT with HA autodiscovery.
type Bridge struct {
	client    client
	gw        Gateway
	rooms     []config.Room
	prefix    string
	discovery bool
	logger    *slog.Logger
	unsub     func()
}

// statePayload is published retained on the group address topic.
type statePayload struct {
	Value     any       `json:"value"`
	Display   string    `json:"display"`
	Raw       string    `json:"raw"`
	Source    string    `json:"source"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(gw Gateway, rooms []config.Room, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := &Bridge{
		gw:        gw,
		rooms:     rooms,
		prefix:    cfg.TopicPrefix,
		discovery: cfg.Discovery,
		logger:    logger.With("component", "mqtt"),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("eibdvis").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5*time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c := pahomqtt.NewClient(opts)
	// The client is set before connecting: the connect handler publishes.
	b.client = c
	token := c.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

// Start subscribes to gateway events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.gw.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// onConnect runs after every (re)connect: retained state may have been lost
// with the broker.
func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	if b.discovery {
		b.publishDiscovery()
	}
	for _, gv := range b.gw.Values() {
		b.publishValue(gv)
	}
	b.subscribeCommands()
}

func (b *Bridge) handleEvent(event gateway.Event) {
	switch event.Type {
	case gateway.EventGroupWrite, gateway.EventGroupResponse:
		if gv, ok := event.Data.(*store.GroupValue); ok {
			b.publishValue(gv)
		}
	case gateway.EventConnection:
		if st, ok := event.Data.(gateway.ConnectionState); ok {
			state := "disconnected"
			if st.Connected {
				state = "connected"
			}
			b.publish(b.prefix+"/bridge/eibd", []byte(state), true)
		}
	}
}

func (b *Bridge) publishValue(gv *store.GroupValue) {
	b.publish(stateTopic(b.prefix, gv.Address), mustJSON(newStatePayload(gv)), true)
}

func newStatePayload(gv *store.GroupValue) statePayload {
	p := statePayload{
		Value:     gv.Value,
		Display:   knx.Format(gv.DPT, gv.Value),
		Raw:       hex.EncodeToString(gv.Raw),
		Source:    "local",
		UpdatedAt: gv.UpdatedAt,
	}
	if !gv.Local {
		p.Source = gv.Source.String()
	}
	return p
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.prefix+"/bridge/state", []byte(state), true)
}

func (b *Bridge) publishDiscovery() {
	msgs := buildDiscovery(b.rooms, b.prefix)
	for _, msg := range msgs {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.logger.Info("published HA discovery", "entities", len(msgs))
}

func (b *Bridge) subscribeCommands() {
	topic := b.prefix + "/+/+/+/set"
	token := b.client.Subscribe(topic, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleCommand(msg.Topic(), msg.Payload())
	})
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT subscribe timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT subscribe error", "topic", topic, "err", err)
		}
	}()
}

func (b *Bridge) handleCommand(topic string, payload []byte) {
	ga, ok := parseSetTopic(b.prefix, topic)
	if !ok {
		b.logger.Warn("command on unexpected topic", "topic", topic)
		return
	}
	value, typ, err := parseCommand(payload)
	if err != nil {
		b.logger.Warn("invalid command", "address", ga, "err", err)
		return
	}
	if typ == "" {
		if obj, ok := b.gw.ObjectFor(ga); ok && obj.Type == "dimmer" {
			value = dimmerValue(value)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := b.gw.Write(ctx, ga, typ, value); err != nil {
		b.logger.Warn("command write failed", "address", ga, "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

// stateTopic is <prefix>/<main>/<middle>/<sub>.
func stateTopic(prefix string, ga knx.GroupAddress) string {
	return prefix + "/" + ga.String()
}

func setTopic(prefix string, ga knx.GroupAddress) string {
	return stateTopic(prefix, ga) + "/set"
}

// parseSetTopic extracts the group address from <prefix>/<main>/<middle>/<sub>/set.
func parseSetTopic(prefix, topic string) (knx.GroupAddress, bool) {
	rest, ok := strings.CutPrefix(topic, prefix+"/")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, "/set")
	if !ok || strings.Count(rest, "/") != 2 {
		return 0, false
	}
	ga, err := knx.ParseGroupAddress(rest)
	if err != nil {
		return 0, false
	}
	return ga, true
}

var errEmptyCommand = errors.New("empty command")

// parseCommand accepts {"value": v, "type": "..."}, a bare JSON value or a
// plain word such as ON.
func parseCommand(payload []byte) (value any, typ string, err error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, "", errEmptyCommand
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return string(trimmed), "", nil
	}
	switch val := v.(type) {
	case nil:
		return nil, "", errEmptyCommand
	case map[string]any:
		value, ok := val["value"]
		if !ok || value == nil {
			return nil, "", fmt.Errorf("command object without value")
		}
		typ, _ := val["type"].(string)
		return value, typ, nil
	}
	return v, "", nil
}

// dimmerValue maps the ON/OFF payloads of an HA light to percent.
func dimmerValue(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ON":
		return 100
	case "OFF":
		return 0
	}
	return v
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
