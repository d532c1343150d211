//go:build !no_automation

package automation

import (
	"context"
	"time"

	lua "github.com/yuin/gopher-lua"

	"eibdvis/internal/knx"
)

const maxHandlersPerScript = 100

// registerKNXModule registers the `knx` global table in a Lua state.
func registerKNXModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("on", L.NewFunction(func(L *lua.LState) int {
		return knxOn(L, vm)
	}))
	mod.RawSetString("write", L.NewFunction(func(L *lua.LState) int {
		return knxWrite(L, e)
	}))
	mod.RawSetString("read", L.NewFunction(func(L *lua.LState) int {
		return knxRead(L, e)
	}))
	mod.RawSetString("after", L.NewFunction(func(L *lua.LState) int {
		return knxAfter(L, vm, e)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return knxLog(L, e)
	}))

	L.SetGlobal("knx", mod)
}

// knx.on(address, callback) registers a callback for writes and responses on
// address, or on every address when address is "*".
func knxOn(L *lua.LState, vm *scriptVM) int {
	target := L.CheckString(1)
	fn := L.CheckFunction(2)

	h := luaEventHandler{fn: fn}
	if target == "*" {
		h.any = true
	} else {
		ga, err := knx.ParseGroupAddress(target)
		if err != nil {
			L.ArgError(1, err.Error())
			return 0
		}
		h.address = ga
	}

	vm.mu.Lock()
	if len(vm.handlers) >= maxHandlersPerScript {
		vm.mu.Unlock()
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	vm.mu.Unlock()
	return 0
}

// knx.write(address, value[, type]) returns true, or false and an error message.
func knxWrite(L *lua.LState, e *Engine) int {
	ga, err := knx.ParseGroupAddress(L.CheckString(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	value := luaToGo(L.CheckAny(2))
	typ := L.OptString(3, "")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := e.gw.Write(ctx, ga, typ, value); err != nil {
		e.logger.Error("script write failed", "address", ga, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// knx.read(address) returns the last known value or nil. It does not touch the bus.
func knxRead(L *lua.LState, e *Engine) int {
	ga, err := knx.ParseGroupAddress(L.CheckString(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	if v, ok := e.gw.Value(ga); ok {
		L.Push(goToLua(L, v.Value))
		return 1
	}
	L.Push(lua.LNil)
	return 1
}

// knx.after(seconds, callback) runs callback later on the script's VM.
func knxAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	seconds := L.CheckNumber(1)
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(time.Duration(float64(seconds) * float64(time.Second)))
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		select {
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("after callback error", "err", err)
			}
		}:
		default:
			e.logger.Warn("after: command channel full")
		}
	}()
	return 0
}

// knx.log(msg)
func knxLog(L *lua.LState, e *Engine) int {
	e.logger.Info("script log", "msg", L.CheckString(1))
	return 0
}
