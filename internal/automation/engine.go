//go:build !no_automation

package automation

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"eibdvis/internal/gateway"
	"eibdvis/internal/knx"
	"eibdvis/internal/store"
)

// Gateway is the part of the KNX gateway scripts can reach.
type Gateway interface {
	Events() *gateway.EventBus
	Write(ctx context.Context, ga knx.GroupAddress, typ string, value any) (*store.GroupValue, error)
	Value(ga knx.GroupAddress) (*store.GroupValue, bool)
}

// RunResult is the result of a one-shot script execution.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// luaEventHandler is a Lua callback registered with knx.on.
type luaEventHandler struct {
	address knx.GroupAddress
	any     bool // registered with "*"
	fn      *lua.LFunction
}

// scriptVM is a running Lua VM for a single script.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState) // serializes Lua access
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers
}

// Engine manages Lua VMs and dispatches group telegrams to scripts.
type Engine struct {
	gw      Gateway
	manager *Manager
	logger  *slog.Logger

	mu    sync.Mutex
	vms   map[string]*scriptVM // script ID -> running VM
	unsub func()
}

// NewEngine creates a new automation engine.
func NewEngine(gw Gateway, mgr *Manager, logger *slog.Logger) *Engine {
	return &Engine{
		gw:      gw,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to the gateway events and loads all enabled scripts.
func (e *Engine) Start() {
	e.unsub = e.gw.Events().OnAll(func(event gateway.Event) {
		e.dispatchEvent(event)
	})

	scripts, err := e.manager.List()
	if err != nil {
		e.logger.Error("load scripts", "err", err)
		return
	}

	for _, s := range scripts {
		if !s.Meta.Enabled {
			continue
		}
		if err := e.startScript(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
		}
	}

	e.mu.Lock()
	running := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", running)
}

// Stop cancels all VMs and unsubscribes from the event bus.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	if e.unsub != nil {
		e.unsub()
	}
	e.logger.Info("automation engine stopped")
}

// ReloadScript stops the old VM (if any) and starts the script again if enabled.
func (e *Engine) ReloadScript(id string) error {
	e.stopScript(id)

	s, err := e.manager.Get(id)
	if err != nil {
		return fmt.Errorf("get script: %w", err)
	}
	if !s.Meta.Enabled {
		return nil
	}
	return e.startScript(s)
}

// StopScript stops a running script VM.
func (e *Engine) StopScript(id string) {
	e.stopScript(id)
}

// Running reports whether the script has a live VM.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vms[id]
	return ok
}

// RunScript executes a script once in a temporary VM and captures its log output.
func (e *Engine) RunScript(id string) *RunResult {
	start := time.Now()

	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{OK: false, Error: "script not found: " + err.Error(), Duration: time.Since(start).String()}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a temporary VM with a 5 second deadline. Handlers
// registered with knx.on are invoked once with a synthetic write event.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}

	var logs []string
	var logMu sync.Mutex
	capture := func(line string) {
		logMu.Lock()
		logs = append(logs, line)
		logMu.Unlock()
	}

	registerKNXModule(L, vm, e)
	registerSystemModule(L, e)

	if tbl, ok := L.GetGlobal("knx").(*lua.LTable); ok {
		tbl.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			msg := L.CheckString(1)
			capture(msg)
			e.logger.Info("script run log", "msg", msg)
			return 0
		}))
	}
	if tbl, ok := L.GetGlobal("system").(*lua.LTable); ok {
		tbl.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
			level := L.CheckString(1)
			msg := L.CheckString(2)
			capture("[" + level + "] " + msg)
			return 0
		}))
	}

	result := func(err error) *RunResult {
		r := &RunResult{OK: err == nil, Logs: logs, Duration: time.Since(start).String()}
		if err != nil {
			r.Error = err.Error()
			if strings.Contains(r.Error, "context deadline exceeded") {
				r.Error = "timeout (5s)"
			}
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		e.logger.Warn("run script failed", "err", err)
		return result(err)
	}

	vm.mu.Lock()
	handlers := make([]luaEventHandler, len(vm.handlers))
	copy(handlers, vm.handlers)
	vm.mu.Unlock()

	for _, h := range handlers {
		ev := L.NewTable()
		ev.RawSetString("type", lua.LString(gateway.EventGroupWrite))
		ev.RawSetString("address", lua.LString(h.address.String()))
		ev.RawSetString("value", lua.LTrue)
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			e.logger.Warn("run script handler failed", "address", h.address, "err", err)
			return result(err)
		}
	}

	return result(nil)
}

// newSandbox returns a Lua state without file, process and module access.
func newSandbox() *lua.LState {
	L := lua.NewState(lua.Options{SkipOpenLibs: false})
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func (e *Engine) stopScript(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	L := newSandbox()

	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerKNXModule(L, vm, e)
	registerSystemModule(L, e)

	// Top-level code registers handlers.
	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go func() {
		defer L.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case fn := <-vm.commands:
				fn(L)
			}
		}
	}()

	e.logger.Info("script started", "id", s.ID, "name", s.Meta.Name)
	return nil
}

// dispatchEvent routes a gateway event to the matching Lua handlers.
func (e *Engine) dispatchEvent(event gateway.Event) {
	gv, ok := event.Data.(*store.GroupValue)
	if !ok || (event.Type != gateway.EventGroupWrite && event.Type != gateway.EventGroupResponse) {
		return
	}

	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := make([]luaEventHandler, len(vm.handlers))
		copy(handlers, vm.handlers)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, gv) {
				continue
			}
			fn := h.fn
			select {
			case <-vm.ctx.Done():
			case vm.commands <- func(L *lua.LState) {
				e.callHandler(L, fn, event.Type, gv)
			}:
			default:
				e.logger.Warn("script command channel full, dropping event", "address", gv.Address)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, gv *store.GroupValue) bool {
	return h.any || h.address == gv.Address
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, eventType string, gv *store.GroupValue) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventTable(L, eventType, gv)); err != nil {
		e.logger.Error("lua handler error", "address", gv.Address, "err", err)
	}
}

// eventTable is the argument passed to knx.on callbacks.
func eventTable(L *lua.LState, eventType string, gv *store.GroupValue) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("type", lua.LString(eventType))
	t.RawSetString("address", lua.LString(gv.Address.String()))
	t.RawSetString("value", goToLua(L, gv.Value))
	t.RawSetString("raw", lua.LString(hex.EncodeToString(gv.Raw)))
	t.RawSetString("dpt", lua.LString(gv.DPT))
	t.RawSetString("local", lua.LBool(gv.Local))
	if !gv.Local {
		t.RawSetString("source", lua.LString(gv.Source.String()))
	}
	return t
}

// goToLua converts a Go value to a Lua value.
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case uint8:
		return lua.LNumber(val)
	case uint16:
		return lua.LNumber(val)
	case map[string]any:
		t := L.NewTable()
		for k, vv := range val {
			t.RawSetString(k, goToLua(L, vv))
		}
		return t
	case []any:
		t := L.NewTable()
		for i, vv := range val {
			t.RawSetInt(i+1, goToLua(L, vv))
		}
		return t
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// luaToGo converts a Lua argument to a value knx.Encode accepts.
func luaToGo(v lua.LValue) any {
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	default:
		return nil
	}
}
