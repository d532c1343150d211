//go:build !no_automation

package automation

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// registerSystemModule registers the `system` global table in a Lua state.
func registerSystemModule(L *lua.LState, e *Engine) {
	mod := L.NewTable()

	mod.RawSetString("datetime", L.NewFunction(func(L *lua.LState) int {
		return systemDatetime(L)
	}))
	mod.RawSetString("time_between", L.NewFunction(func(L *lua.LState) int {
		return systemTimeBetween(L)
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return systemLog(L, e)
	}))

	L.SetGlobal("system", mod)
}

// system.datetime(component) returns one component of the local time.
func systemDatetime(L *lua.LState) int {
	component := L.CheckString(1)
	now := time.Now()

	switch component {
	case "hour":
		L.Push(lua.LNumber(now.Hour()))
	case "minute":
		L.Push(lua.LNumber(now.Minute()))
	case "second":
		L.Push(lua.LNumber(now.Second()))
	case "weekday":
		L.Push(lua.LNumber(now.Weekday()))
	case "day":
		L.Push(lua.LNumber(now.Day()))
	case "month":
		L.Push(lua.LNumber(now.Month()))
	case "year":
		L.Push(lua.LNumber(now.Year()))
	case "timestamp":
		L.Push(lua.LNumber(now.Unix()))
	case "time_str":
		L.Push(lua.LString(now.Format("15:04:05")))
	case "date_str":
		L.Push(lua.LString(now.Format("2006-01-02")))
	default:
		L.ArgError(1, "unknown component: "+component)
		return 0
	}
	return 1
}

// system.time_between(from, to) checks whether the local time is inside
// [from, to). Bounds are hours (22) or "HH:MM" strings; ranges may wrap midnight.
func systemTimeBetween(L *lua.LState) int {
	from, err := minuteOfDay(L.CheckAny(1))
	if err != nil {
		L.ArgError(1, err.Error())
		return 0
	}
	to, err := minuteOfDay(L.CheckAny(2))
	if err != nil {
		L.ArgError(2, err.Error())
		return 0
	}
	now := time.Now()
	L.Push(lua.LBool(inWindow(now.Hour()*60+now.Minute(), from, to)))
	return 1
}

func inWindow(now, from, to int) bool {
	if from <= to {
		return now >= from && now < to
	}
	return now >= from || now < to
}

func minuteOfDay(v lua.LValue) (int, error) {
	switch val := v.(type) {
	case lua.LNumber:
		h := int(val)
		if h < 0 || h > 24 {
			return 0, fmt.Errorf("hour %d out of range", h)
		}
		return h * 60, nil
	case lua.LString:
		hs, ms, _ := strings.Cut(string(val), ":")
		h, err := strconv.Atoi(hs)
		if err != nil || h < 0 || h > 24 {
			return 0, fmt.Errorf("invalid time %q", string(val))
		}
		m := 0
		if ms != "" {
			m, err = strconv.Atoi(ms)
			if err != nil || m < 0 || m > 59 {
				return 0, fmt.Errorf("invalid time %q", string(val))
			}
		}
		return h*60 + m, nil
	}
	return 0, fmt.Errorf("expected hour or \"HH:MM\", got %s", v.Type())
}

// system.log(level, msg)
func systemLog(L *lua.LState, e *Engine) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)

	switch level {
	case "debug":
		e.logger.Debug("script log", "msg", msg)
	case "warn":
		e.logger.Warn("script log", "msg", msg)
	case "error":
		e.logger.Error("script log", "msg", msg)
	default:
		e.logger.Info("script log", "msg", msg)
	}
	return 0
}
