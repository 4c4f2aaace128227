//go:build !no_automation

package automation

import (
	"context"
	"log/slog"
	"time"

	lua "github.com/yuin/gopher-lua"

	"ledbar/internal/engine"
)

// maxTimerDelay bounds led.after.
const maxTimerDelay = 24 * time.Hour

// registerLEDModule installs the `led` global table.
func registerLEDModule(L *lua.LState, vm *scriptVM, e *Engine) {
	mod := L.NewTable()
	L.SetFuncs(mod, map[string]lua.LGFunction{
		"on":         func(L *lua.LState) int { return ledOn(L, vm) },
		"set":        func(L *lua.LState) int { return ledSet(L, vm, e) },
		"brightness": func(L *lua.LState) int { return ledBrightness(L, vm, e) },
		"toggle":     func(L *lua.LState) int { return ledToggle(L, vm, e) },
		"channels":   func(L *lua.LState) int { return ledChannels(L, vm, e) },
		"after":      func(L *lua.LState) int { return ledAfter(L, vm, e) },
		"log": func(L *lua.LState) int {
			e.scriptLog(vm, slog.LevelInfo, L.CheckString(1))
			return 0
		},
	})
	L.SetGlobal("led", mod)
}

// led.on(event, [filter], fn)
func ledOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{eventType: L.CheckString(1)}
	if fn, ok := L.Get(2).(*lua.LFunction); ok {
		h.fn = fn
	} else {
		filter := L.CheckTable(2)
		h.fn = L.CheckFunction(3)
		if v := filter.RawGetString("channel"); v != lua.LNil {
			h.channel = v.String()
		}
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()
	if len(vm.handlers) >= maxHandlersPerScript {
		L.RaiseError("too many handlers (max %d)", maxHandlersPerScript)
		return 0
	}
	vm.handlers = append(vm.handlers, h)
	return 0
}

// led.set(channel, state, [brightness]) -> ok, err
func ledSet(L *lua.LState, vm *scriptVM, e *Engine) int {
	cmd := engine.ManualSet{ChannelID: L.CheckString(1)}
	if v := L.Get(2); v != lua.LNil {
		state := lua.LVAsBool(v)
		cmd.State = &state
	}
	if v, ok := L.Get(3).(lua.LNumber); ok {
		b := int(v)
		cmd.Brightness = &b
	}
	return pushCommandResult(L, vm, e, cmd)
}

// led.brightness(channel, value) -> ok, err
func ledBrightness(L *lua.LState, vm *scriptVM, e *Engine) int {
	b := L.CheckInt(2)
	return pushCommandResult(L, vm, e, engine.ManualSet{ChannelID: L.CheckString(1), Brightness: &b})
}

// led.toggle(channel) -> ok, err
func ledToggle(L *lua.LState, vm *scriptVM, e *Engine) int {
	return pushCommandResult(L, vm, e, engine.ManualSet{ChannelID: L.CheckString(1), Toggle: true})
}

func pushCommandResult(L *lua.LState, vm *scriptVM, e *Engine, cmd engine.ManualSet) int {
	ctx, cancel := context.WithTimeout(vm.ctx, callTimeout)
	defer cancel()

	if _, err := e.ctrl.Manual(ctx, cmd); err != nil {
		e.logger.Warn("script command failed", "channel", cmd.ChannelID, "err", err)
		L.Push(lua.LFalse)
		L.Push(lua.LString(err.Error()))
		return 2
	}
	L.Push(lua.LTrue)
	return 1
}

// led.channels() -> array of channel tables
func ledChannels(L *lua.LState, vm *scriptVM, e *Engine) int {
	ctx, cancel := context.WithTimeout(vm.ctx, callTimeout)
	defer cancel()

	tbl := L.NewTable()
	cfg, err := e.ctrl.Settings(ctx)
	if err != nil {
		e.logger.Warn("script settings read failed", "err", err)
		L.Push(tbl)
		return 1
	}
	for i, ch := range cfg.Channels {
		t := L.NewTable()
		t.RawSetString("id", lua.LString(ch.ID))
		t.RawSetString("name", lua.LString(ch.DisplayName()))
		t.RawSetString("state", lua.LBool(ch.ManualState))
		t.RawSetString("brightness", lua.LNumber(ch.ManualBrightness))
		t.RawSetString("schedule_enabled", lua.LBool(ch.ScheduleEnabled))
		t.RawSetString("scheduler_active", lua.LBool(ch.SchedulerActive))
		tbl.RawSetInt(i+1, t)
	}
	L.Push(tbl)
	return 1
}

// led.after(seconds, fn) runs fn on the script's VM once the delay elapses,
// unless the script is stopped first.
func ledAfter(L *lua.LState, vm *scriptVM, e *Engine) int {
	secs := float64(L.CheckNumber(1))
	fn := L.CheckFunction(2)

	delay := time.Duration(secs * float64(time.Second))
	if delay < 0 || delay > maxTimerDelay {
		L.ArgError(1, "delay out of range")
		return 0
	}

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-vm.ctx.Done():
			return
		case <-timer.C:
		}
		select {
		case <-vm.ctx.Done():
		case vm.commands <- func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				e.logger.Error("lua timer error", "err", err)
			}
		}:
		}
	}()
	return 0
}
