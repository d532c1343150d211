// Package config loads the YAML configuration shared by every page and
// background component.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"eibdvis/internal/knx"
)

// DefaultTitle is used when the configuration has no title key at all.
// An explicit empty title is kept as is.
const DefaultTitle = "EIB Visualization"

// Config is the process configuration.
type Config struct {
	Title string `yaml:"title"`
	EIBD  struct {
		URL       string        `yaml:"url"`
		Reconnect time.Duration `yaml:"reconnect"`
	} `yaml:"eibd"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		Discovery   bool   `yaml:"discovery"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
	Rooms      []Room `yaml:"rooms"`
}

// Room is one entry of the list frame.
type Room struct {
	ID      string   `yaml:"id" json:"id"`
	Name    string   `yaml:"name" json:"name"`
	Notes   string   `yaml:"notes" json:"notes,omitempty"`
	Objects []Object `yaml:"objects" json:"objects"`
}

// Object is a group object shown in a room.
type Object struct {
	Name string `yaml:"name" json:"name"`
	// Address is the group address written by the controls.
	Address string `yaml:"address" json:"address"`
	// Status is an optional feedback address whose value is displayed
	// instead of Address's.
	Status   string `yaml:"status" json:"status,omitempty"`
	Type     string `yaml:"type" json:"type"`
	DPT      string `yaml:"dpt" json:"dpt,omitempty"`
	ReadOnly bool   `yaml:"readonly" json:"readonly,omitempty"`

	ga       knx.GroupAddress
	statusGA knx.GroupAddress
	dpt      knx.DPT
}

// GroupAddress returns the parsed write address. Valid after Validate.
func (o *Object) GroupAddress() knx.GroupAddress { return o.ga }

// StatusAddress returns the feedback address, or the write address if none is set.
func (o *Object) StatusAddress() knx.GroupAddress {
	if o.Status != "" {
		return o.statusGA
	}
	return o.ga
}

// DataType returns the resolved datapoint type.
func (o *Object) DataType() knx.DPT { return o.dpt }

// Controllable reports whether the room frame offers a control for the object.
func (o *Object) Controllable() bool {
	return !o.ReadOnly && o.Type != "sensor"
}

// Load reads and parses the configuration file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration YAML and applies defaults.
func Parse(data []byte) (*Config, error) {
	// Seeded before decoding: yaml only overwrites keys that are present,
	// which keeps an explicit `title: ""`.
	cfg := Config{Title: DefaultTitle}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.EIBD.URL == "" {
		cfg.EIBD.URL = "local:/run/eibd/eibd.sock"
	}
	if cfg.EIBD.Reconnect == 0 {
		cfg.EIBD.Reconnect = 5 * time.Second
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "eibdvis.db"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "knx"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

// Validate checks the configuration and resolves object addresses and types.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.EIBD.URL, "local:") && !strings.HasPrefix(c.EIBD.URL, "ip:") {
		return fmt.Errorf("eibd.url must start with local: or ip:, got %q", c.EIBD.URL)
	}
	if c.EIBD.Reconnect < 0 {
		return fmt.Errorf("eibd.reconnect must not be negative")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}

	seen := make(map[string]bool, len(c.Rooms))
	for i := range c.Rooms {
		room := &c.Rooms[i]
		if room.ID == "" {
			return fmt.Errorf("rooms[%d]: id is required", i)
		}
		if seen[room.ID] {
			return fmt.Errorf("rooms[%d]: duplicate id %q", i, room.ID)
		}
		seen[room.ID] = true
		if room.Name == "" {
			room.Name = room.ID
		}
		for j := range room.Objects {
			if err := room.Objects[j].resolve(); err != nil {
				return fmt.Errorf("room %q object %d: %w", room.ID, j, err)
			}
		}
	}
	return nil
}

func (o *Object) resolve() error {
	ga, err := knx.ParseGroupAddress(o.Address)
	if err != nil {
		return err
	}
	if ga == 0 {
		return fmt.Errorf("address 0/0/0 is the broadcast address")
	}
	o.ga = ga

	if o.Status != "" {
		sga, err := knx.ParseGroupAddress(o.Status)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		o.statusGA = sga
	}

	if o.Type == "" {
		o.Type = "switch"
	}
	o.Type = strings.ToLower(o.Type)
	dpt, ok := knx.DPTForType(o.Type)
	if !ok {
		return fmt.Errorf("unknown type %q", o.Type)
	}
	if o.DPT != "" {
		dpt, err = knx.ParseDPT(o.DPT)
		if err != nil {
			return err
		}
	}
	o.dpt = dpt

	if o.Name == "" {
		o.Name = o.Address
	}
	return nil
}

// Room returns the room with the given id.
func (c *Config) Room(id string) (*Room, bool) {
	for i := range c.Rooms {
		if c.Rooms[i].ID == id {
			return &c.Rooms[i], true
		}
	}
	return nil, false
}

// Objects returns every configured object in room order.
func (c *Config) Objects() []*Object {
	var objs []*Object
	for i := range c.Rooms {
		for j := range c.Rooms[i].Objects {
			objs = append(objs, &c.Rooms[i].Objects[j])
		}
	}
	return objs
}
