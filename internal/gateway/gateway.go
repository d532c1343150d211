// Package gateway keeps the connection to eibd alive, tracks the last value of
// every group address and exposes writes and reads to the frames, the MQTT
// bridge and the automation engine.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"eibdvis/internal/config"
	"eibdvis/internal/eibd"
	"eibdvis/internal/knx"
	"eibdvis/internal/store"
)

var (
	// ErrNotConnected is returned by Write and Read while there is no group socket.
	ErrNotConnected = errors.New("gateway: not connected to eibd")
	// ErrNoType is returned when a write targets an unconfigured address without a type.
	ErrNoType = errors.New("gateway: no type for address")
	// ErrInvalidValue wraps values the datapoint type cannot encode.
	ErrInvalidValue = errors.New("gateway: invalid value")
)

// Bus is an open eibd group socket.
type Bus interface {
	OpenGroupSocket(ctx context.Context) error
	SendGroup(ctx context.Context, dst knx.GroupAddress, apdu []byte) error
	RecvGroup(ctx context.Context) (eibd.GroupPacket, error)
	Close() error
}

// Dialer opens a new bus connection.
type Dialer func(ctx context.Context) (Bus, error)

// Cache reads eibd's group cache.
type Cache interface {
	EnableCache(ctx context.Context) error
	CacheRead(ctx context.Context, dst knx.GroupAddress) (eibd.GroupPacket, error)
	Close() error
}

// CacheDialer opens a connection used for cache reads.
type CacheDialer func(ctx context.Context) (Cache, error)

// EIBDDialer dials eibd at url for group sockets.
func EIBDDialer(url string) Dialer {
	return func(ctx context.Context) (Bus, error) {
		c, err := eibd.Dial(ctx, url)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// EIBDCacheDialer dials eibd at url for cache reads.
func EIBDCacheDialer(url string) CacheDialer {
	return func(ctx context.Context) (Cache, error) {
		c, err := eibd.Dial(ctx, url)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithCache primes values from eibd's group cache after every connect.
func WithCache(d CacheDialer) Option {
	return func(g *Gateway) { g.cache = d }
}

// ObjectState is a configured object with its current value.
type ObjectState struct {
	*config.Object
	Value   *store.GroupValue `json:"value,omitempty"`
	Display string            `json:"display"`
}

// RoomState is a configured room with the current values of its objects.
type RoomState struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Notes   string        `json:"notes,omitempty"`
	Objects []ObjectState `json:"objects"`
}

// Gateway bridges eibd group traffic to the rest of the process.
type Gateway struct {
	dial      Dialer
	cache     CacheDialer
	store     store.Store
	cfg       *config.Config
	events    *EventBus
	logger    *slog.Logger
	reconnect time.Duration

	// objects is indexed by both write and status address.
	objects map[knx.GroupAddress]*config.Object

	mu     sync.RWMutex
	bus    Bus
	values map[knx.GroupAddress]*store.GroupValue

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a gateway. Values persisted in st are loaded immediately so the
// frames have something to show before the bus connects.
func New(dial Dialer, st store.Store, cfg *config.Config, events *EventBus, logger *slog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		dial:      dial,
		store:     st,
		cfg:       cfg,
		events:    events,
		logger:    logger,
		reconnect: cfg.EIBD.Reconnect,
		objects:   make(map[knx.GroupAddress]*config.Object),
		values:    make(map[knx.GroupAddress]*store.GroupValue),
	}
	if g.reconnect <= 0 {
		g.reconnect = 5 * time.Second
	}
	for _, opt := range opts {
		opt(g)
	}

	for _, obj := range cfg.Objects() {
		if _, ok := g.objects[obj.GroupAddress()]; !ok {
			g.objects[obj.GroupAddress()] = obj
		}
		if obj.Status != "" {
			g.objects[obj.StatusAddress()] = obj
		}
	}

	saved, err := st.ListValues()
	if err != nil {
		logger.Error("load saved values", "err", err)
	}
	for _, v := range saved {
		g.values[v.Address] = v
	}
	return g
}

// Start launches the connection loop. It returns immediately; connection
// failures are retried every reconnect interval until Stop.
func (g *Gateway) Start(ctx context.Context) {
	ctx, g.cancel = context.WithCancel(ctx)
	g.done = make(chan struct{})
	go g.run(ctx)
}

// Stop closes the bus connection and waits for the loop to exit.
func (g *Gateway) Stop() {
	if g.cancel == nil {
		return
	}
	g.cancel()
	<-g.done
}

// Events returns the gateway's event bus.
func (g *Gateway) Events() *EventBus {
	return g.events
}

func (g *Gateway) run(ctx context.Context) {
	defer close(g.done)
	for {
		err := g.session(ctx)
		if ctx.Err() != nil {
			return
		}
		g.logger.Warn("eibd connection lost", "err", err, "retry_in", g.reconnect)
		select {
		case <-ctx.Done():
			return
		case <-time.After(g.reconnect):
		}
	}
}

// session runs one connection until it fails.
func (g *Gateway) session(ctx context.Context) error {
	bus, err := g.dial(ctx)
	if err != nil {
		return err
	}
	defer bus.Close()

	openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = bus.OpenGroupSocket(openCtx)
	cancel()
	if err != nil {
		return err
	}

	g.setBus(bus, nil)
	g.logger.Info("connected to eibd", "url", g.cfg.EIBD.URL)
	if g.cache != nil {
		g.primeFromCache(ctx)
	}

	for {
		p, err := bus.RecvGroup(ctx)
		if err != nil {
			g.setBus(nil, err)
			return err
		}
		g.handlePacket(p)
	}
}

func (g *Gateway) setBus(bus Bus, cause error) {
	g.mu.Lock()
	changed := (g.bus == nil) != (bus == nil)
	g.bus = bus
	g.mu.Unlock()
	if !changed {
		return
	}
	state := ConnectionState{Connected: bus != nil, URL: g.cfg.EIBD.URL}
	if cause != nil {
		state.Error = cause.Error()
	}
	g.events.Emit(Event{Type: EventConnection, Data: state})
}

func (g *Gateway) currentBus() Bus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.bus
}

// Connected reports whether a group socket is open.
func (g *Gateway) Connected() bool {
	return g.currentBus() != nil
}

func (g *Gateway) handlePacket(p eibd.GroupPacket) {
	apdu, err := knx.DecodeAPDU(p.APDU)
	if err != nil {
		g.logger.Debug("ignoring telegram", "dst", p.Dst, "src", p.Src, "err", err)
		return
	}

	gv := &store.GroupValue{
		Address:   p.Dst,
		Source:    p.Src,
		Command:   apdu.Command.String(),
		UpdatedAt: time.Now(),
	}
	if apdu.Command == knx.GroupRead {
		g.events.Emit(Event{Type: EventGroupRead, Data: gv})
		return
	}

	gv.Raw = apdu.Data
	gv.DPT = knx.DPTRaw
	if obj, ok := g.objects[p.Dst]; ok {
		gv.DPT = obj.DataType()
	}
	gv.Value, err = knx.Decode(gv.DPT, apdu.Data)
	if err != nil {
		g.logger.Debug("decode failed, keeping raw", "dst", p.Dst, "dpt", gv.DPT, "err", err)
		gv.DPT = knx.DPTRaw
		gv.Value, _ = knx.Decode(knx.DPTRaw, apdu.Data)
	}

	g.logger.Debug("telegram", "dst", p.Dst, "src", p.Src, "cmd", gv.Command, "value", gv.Value)
	g.apply(gv)

	eventType := EventGroupWrite
	if apdu.Command == knx.GroupResponse {
		eventType = EventGroupResponse
	}
	g.events.Emit(Event{Type: eventType, Data: gv})
}

func (g *Gateway) apply(gv *store.GroupValue) {
	g.mu.Lock()
	g.values[gv.Address] = gv
	g.mu.Unlock()
	if err := g.store.SaveValue(gv); err != nil {
		g.logger.Error("save value", "address", gv.Address, "err", err)
	}
}

// primeFromCache fills addresses without a known value from eibd's group cache.
func (g *Gateway) primeFromCache(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	c, err := g.cache(ctx)
	if err != nil {
		g.logger.Warn("cache connection failed", "err", err)
		return
	}
	defer c.Close()
	if err := c.EnableCache(ctx); err != nil {
		g.logger.Warn("enable cache failed", "err", err)
		return
	}

	primed := 0
	for _, obj := range g.cfg.Objects() {
		ga := obj.StatusAddress()
		if _, ok := g.Value(ga); ok {
			continue
		}
		p, err := c.CacheRead(ctx, ga)
		if errors.Is(err, eibd.ErrNoCachedValue) {
			continue
		}
		if err != nil {
			g.logger.Warn("cache read failed", "address", ga, "err", err)
			return
		}
		g.handlePacket(p)
		primed++
	}
	g.logger.Info("primed values from eibd cache", "count", primed)
}

// ResolveDPT picks the datapoint type for a write: an explicit object type
// name or DPT number wins, then the configured object's type.
func (g *Gateway) ResolveDPT(ga knx.GroupAddress, typ string) (knx.DPT, error) {
	if typ != "" {
		if d, ok := knx.DPTForType(typ); ok {
			return d, nil
		}
		return knx.ParseDPT(typ)
	}
	if obj, ok := g.objects[ga]; ok {
		return obj.DataType(), nil
	}
	return "", fmt.Errorf("%w %s", ErrNoType, ga)
}

// Write sends a GroupWrite of value to ga. typ is an object type name
// ("switch", "dimmer", ...) or DPT number and may be empty for configured
// addresses. On success the value table is updated without waiting for the
// bus to echo the telegram.
func (g *Gateway) Write(ctx context.Context, ga knx.GroupAddress, typ string, value any) (*store.GroupValue, error) {
	dpt, err := g.ResolveDPT(ga, typ)
	if err != nil {
		return nil, err
	}
	data, err := knx.Encode(dpt, value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	apdu, err := knx.EncodeAPDU(knx.GroupWrite, data, dpt.Small())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}

	bus := g.currentBus()
	if bus == nil {
		return nil, ErrNotConnected
	}
	if err := bus.SendGroup(ctx, ga, apdu); err != nil {
		return nil, err
	}

	decoded, err := knx.Decode(dpt, data)
	if err != nil {
		decoded = value
	}
	gv := &store.GroupValue{
		Address:   ga,
		Local:     true,
		Command:   knx.GroupWrite.String(),
		Raw:       data,
		DPT:       dpt,
		Value:     decoded,
		UpdatedAt: time.Now(),
	}
	g.logger.Info("group write", "address", ga, "dpt", dpt, "value", decoded)
	g.apply(gv)
	g.events.Emit(Event{Type: EventGroupWrite, Data: gv})
	return gv, nil
}

// Read sends a GroupRead to ga. The answer arrives as a group_response event.
func (g *Gateway) Read(ctx context.Context, ga knx.GroupAddress) error {
	bus := g.currentBus()
	if bus == nil {
		return ErrNotConnected
	}
	apdu, _ := knx.EncodeAPDU(knx.GroupRead, nil, false)
	return bus.SendGroup(ctx, ga, apdu)
}

// Value returns the last value seen for ga.
func (g *Gateway) Value(ga knx.GroupAddress) (*store.GroupValue, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	v, ok := g.values[ga]
	return v, ok
}

// Forget drops the last known value of ga from memory and the store. The
// frames show the object as unknown until the next telegram.
func (g *Gateway) Forget(ga knx.GroupAddress) error {
	g.mu.Lock()
	_, ok := g.values[ga]
	delete(g.values, ga)
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("group value %s: %w", ga, store.ErrNotFound)
	}
	return g.store.DeleteValue(ga)
}

// Values returns all known values ordered by address.
func (g *Gateway) Values() []*store.GroupValue {
	g.mu.RLock()
	out := make([]*store.GroupValue, 0, len(g.values))
	for _, v := range g.values {
		out = append(out, v)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// ObjectFor returns the configured object using ga as write or status address.
func (g *Gateway) ObjectFor(ga knx.GroupAddress) (*config.Object, bool) {
	obj, ok := g.objects[ga]
	return obj, ok
}

// Rooms returns the configured rooms with current values.
func (g *Gateway) Rooms() []RoomState {
	rooms := make([]RoomState, 0, len(g.cfg.Rooms))
	for i := range g.cfg.Rooms {
		rooms = append(rooms, g.room(&g.cfg.Rooms[i]))
	}
	return rooms
}

// Room returns one room with current values.
func (g *Gateway) Room(id string) (RoomState, bool) {
	r, ok := g.cfg.Room(id)
	if !ok {
		return RoomState{}, false
	}
	return g.room(r), true
}

func (g *Gateway) room(r *config.Room) RoomState {
	rs := RoomState{ID: r.ID, Name: r.Name, Notes: r.Notes, Objects: make([]ObjectState, 0, len(r.Objects))}
	for j := range r.Objects {
		obj := &r.Objects[j]
		state := ObjectState{Object: obj, Display: "-"}
		if v, ok := g.Value(obj.StatusAddress()); ok {
			state.Value = v
			state.Display = knx.Format(obj.DataType(), v.Value)
		}
		rs.Objects = append(rs.Objects, state)
	}
	return rs
}
