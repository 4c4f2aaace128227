//go:build !no_automation

package automation

import (
	"log/slog"
	"time"

	lua "github.com/yuin/gopher-lua"

	"ledbar/internal/device"
	"ledbar/internal/schedule"
)

// registerSystemModule installs the `system` global table.
func registerSystemModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"datetime":     func(L *lua.LState) int { return systemDatetime(L, e) },
		"time_between": func(L *lua.LState) int { return systemTimeBetween(L, e) },
		"log":          func(L *lua.LState) int { return systemLog(L, vm, e) },
	})
	L.SetGlobal("system", mod)
}

// datetimeParts maps system.datetime component names to their value.
var datetimeParts = map[string]func(time.Time) lua.LValue{
	"hour":      func(t time.Time) lua.LValue { return lua.LNumber(t.Hour()) },
	"minute":    func(t time.Time) lua.LValue { return lua.LNumber(t.Minute()) },
	"second":    func(t time.Time) lua.LValue { return lua.LNumber(t.Second()) },
	"weekday":   func(t time.Time) lua.LValue { return lua.LNumber(t.Weekday()) },
	"day":       func(t time.Time) lua.LValue { return lua.LNumber(t.Day()) },
	"month":     func(t time.Time) lua.LValue { return lua.LNumber(t.Month()) },
	"year":      func(t time.Time) lua.LValue { return lua.LNumber(t.Year()) },
	"timestamp": func(t time.Time) lua.LValue { return lua.LNumber(t.Unix()) },
	"time_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format(time.TimeOnly)) },
	"date_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format(time.DateOnly)) },
}

// system.datetime(component) returns one component of the device-local time.
func systemDatetime(L *lua.LState, e *Engine) int {
	name := L.CheckString(1)
	part, ok := datetimeParts[name]
	if !ok {
		L.ArgError(1, "unknown component: "+name)
		return 0
	}
	L.Push(part(e.now()))
	return 1
}

// system.time_between(from, to) reports whether the local time is inside
// [from, to). Bounds are whole hours or "HH:MM" strings; from > to wraps
// past midnight.
func systemTimeBetween(L *lua.LState, e *Engine) int {
	from := checkMinuteOfDay(L, 1)
	to := checkMinuteOfDay(L, 2)
	now := e.now()
	L.Push(lua.LBool(schedule.IsWithinWindow(now.Hour()*60+now.Minute(), from, to)))
	return 1
}

func checkMinuteOfDay(L *lua.LState, n int) int {
	switch v := L.Get(n).(type) {
	case lua.LNumber:
		h := int(v)
		if h < 0 || h > 24 {
			L.ArgError(n, "hour out of range")
		}
		return h * 60
	case lua.LString:
		t, err := device.ParseTimeOfDay(string(v))
		if err != nil {
			L.ArgError(n, err.Error())
		}
		return t.Minutes()
	default:
		L.TypeError(n, lua.LTNumber)
		return 0
	}
}

// system.log(level, msg)
func systemLog(L *lua.LState, vm *scriptVM, e *Engine) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)

	switch level {
	case "debug":
		e.scriptLog(vm, slog.LevelDebug, msg)
	case "warn":
		e.scriptLog(vm, slog.LevelWarn, msg)
	case "error":
		e.scriptLog(vm, slog.LevelError, msg)
	default:
		e.scriptLog(vm, slog.LevelInfo, msg)
	}
	return 0
}
