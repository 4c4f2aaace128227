//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"

	"ledbar/internal/device"
	"ledbar/internal/engine"
	"ledbar/internal/events"
)

// Controller is the part of the engine scripts may drive.
type Controller interface {
	Manual(ctx context.Context, cmd engine.ManualSet) (engine.Result, error)
	Settings(ctx context.Context) (*device.Config, error)
}

// Subscriber delivers engine notifications.
type Subscriber interface {
	OnAll(h events.Handler) func()
}

const (
	maxHandlersPerScript = 100
	commandQueueSize     = 64
	runTimeout           = 5 * time.Second
	callTimeout          = 5 * time.Second
)

// luaEventHandler is a registered Lua callback for one event type.
type luaEventHandler struct {
	eventType string
	channel   string // empty matches any channel
	fn        *lua.LFunction
}

// scriptVM is a running Lua VM for a single script. The LState is only
// touched by the goroutine draining commands.
type scriptVM struct {
	state    *lua.LState
	commands chan func(*lua.LState)
	handlers []luaEventHandler
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex // protects handlers

	// capture collects log output of one-shot runs.
	capture func(line string)
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the local-time source used by system.datetime and
// system.time_between.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine manages one Lua VM per enabled script and dispatches engine events
// to their handlers.
type Engine struct {
	ctrl    Controller
	sub     Subscriber
	manager *Manager
	logger  *slog.Logger
	now     func() time.Time

	mu    sync.Mutex
	vms   map[string]*scriptVM
	unsub func()
}

// NewEngine creates an automation engine.
func NewEngine(ctrl Controller, sub Subscriber, mgr *Manager, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		ctrl:    ctrl,
		sub:     sub,
		manager: mgr,
		logger:  logger.With("component", "automation"),
		now:     time.Now,
		vms:     make(map[string]*scriptVM),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Start subscribes to engine events and loads all enabled scripts. Script
// top-level code may issue commands, so the engine loop must already be
// running.
func (e *Engine) Start() {
	if e.sub != nil {
		e.unsub = e.sub.OnAll(e.dispatchEvent)
	}

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
	n := len(e.vms)
	e.mu.Unlock()
	e.logger.Info("automation engine started", "scripts", n)
}

// Stop cancels all VMs and unsubscribes from events.
func (e *Engine) Stop() {
	if e.unsub != nil {
		e.unsub()
	}

	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()

	e.logger.Info("automation engine stopped")
}

// ReloadScript replaces the running VM for id with a fresh one, or just stops
// it when the script is disabled.
func (e *Engine) ReloadScript(id string) error {
	e.StopScript(id)

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
	e.mu.Lock()
	defer e.mu.Unlock()

	if vm, ok := e.vms[id]; ok {
		vm.cancel()
		delete(e.vms, id)
		e.logger.Info("script stopped", "id", id)
	}
}

// Running reports the ids of scripts with a live VM.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.vms))
	for id := range e.vms {
		ids = append(ids, id)
	}
	return ids
}

// RunScript executes a saved script once in a throwaway VM.
func (e *Engine) RunScript(id string) *RunResult {
	s, err := e.manager.Get(id)
	if err != nil {
		return &RunResult{Error: err.Error(), Duration: "0s"}
	}
	return e.RunLuaCode(s.LuaCode)
}

// RunLuaCode executes code in a throwaway VM with a short deadline. Handlers
// the code registers are each invoked once with a synthetic event, so the
// actions they contain run immediately.
func (e *Engine) RunLuaCode(code string) *RunResult {
	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	L := newSandbox()
	defer L.Close()
	L.SetContext(ctx)

	var (
		logs  []string
		logMu sync.Mutex
	)
	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), commandQueueSize),
		ctx:      ctx,
		cancel:   cancel,
		capture: func(line string) {
			logMu.Lock()
			logs = append(logs, line)
			logMu.Unlock()
		},
	}
	registerLEDModule(L, vm, e)
	registerSystemModule(L, vm, e)

	result := func(err error) *RunResult {
		logMu.Lock()
		defer logMu.Unlock()
		r := &RunResult{OK: err == nil, Logs: append([]string(nil), logs...), Duration: time.Since(start).String()}
		if err != nil {
			r.Error = luaErrorString(err)
			e.logger.Warn("script run failed", "err", r.Error)
		}
		return r
	}

	if err := L.DoString(code); err != nil {
		return result(err)
	}

	vm.mu.Lock()
	handlers := append([]luaEventHandler(nil), vm.handlers...)
	vm.mu.Unlock()

	for _, h := range handlers {
		fields := map[string]any{"state": true}
		if h.channel != "" {
			fields["channel"] = h.channel
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, eventTable(L, h.eventType, fields)); err != nil {
			return result(err)
		}
	}
	return result(nil)
}

func luaErrorString(err error) string {
	s := err.Error()
	if strings.Contains(s, "context deadline exceeded") {
		return fmt.Sprintf("timeout (%s)", runTimeout)
	}
	return s
}

// newSandbox returns a Lua state without file, process or module access.
func newSandbox() *lua.LState {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return L
}

func (e *Engine) startScript(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())

	L := newSandbox()
	vm := &scriptVM{
		state:    L,
		commands: make(chan func(*lua.LState), commandQueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	registerLEDModule(L, vm, e)
	registerSystemModule(L, vm, e)

	if err := L.DoString(s.LuaCode); err != nil {
		cancel()
		L.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
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

// dispatchEvent queues matching handlers on their VMs. It runs on the engine
// goroutine, so it never blocks: a full queue drops the event.
func (e *Engine) dispatchEvent(ev events.Event) {
	fields := eventFields(ev)

	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm.mu.Lock()
		handlers := append([]luaEventHandler(nil), vm.handlers...)
		vm.mu.Unlock()

		for _, h := range handlers {
			if !matchesHandler(h, ev.Type, fields) {
				continue
			}
			if vm.ctx.Err() != nil {
				break
			}
			fn := h.fn
			select {
			case vm.commands <- func(L *lua.LState) { e.callHandler(L, fn, ev.Type, fields) }:
			default:
				e.logger.Warn("script command queue full, dropping event", "event", ev.Type)
			}
		}
	}
}

func matchesHandler(h luaEventHandler, eventType string, fields map[string]any) bool {
	if h.eventType != eventType {
		return false
	}
	if h.channel == "" {
		return true
	}
	ch, _ := fields["channel"].(string)
	return ch == h.channel
}

// eventFields flattens an event payload into the table passed to Lua.
func eventFields(ev events.Event) map[string]any {
	switch d := ev.Data.(type) {
	case engine.Change:
		return map[string]any{
			"channel":             d.ChannelID,
			"reason":              d.Reason,
			"state":               d.After.State,
			"brightness":          d.After.Brightness,
			"previous_state":      d.Before.State,
			"previous_brightness": d.Before.Brightness,
			"scheduler_active":    d.SchedulerActive,
		}
	case *device.Config:
		return map[string]any{
			"device_name": d.DeviceName,
			"channels":    len(d.Channels),
		}
	case map[string]any:
		out := make(map[string]any, len(d))
		for k, v := range d {
			out[k] = v
		}
		return out
	default:
		return map[string]any{}
	}
}

func eventTable(L *lua.LState, eventType string, fields map[string]any) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("type", lua.LString(eventType))
	for k, v := range fields {
		t.RawSetString(k, goToLua(L, v))
	}
	return t
}

func (e *Engine) callHandler(L *lua.LState, fn *lua.LFunction, eventType string, fields map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("lua handler panic", "err", r)
		}
	}()
	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, eventTable(L, eventType, fields)); err != nil {
		e.logger.Error("lua handler error", "event", eventType, "err", err)
	}
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
		return lua.LString(fmt.Sprint(val))
	}
}

// scriptLog writes a script's log line and captures it for one-shot runs.
func (e *Engine) scriptLog(vm *scriptVM, level slog.Level, msg string) {
	e.logger.Log(context.Background(), level, "script log", "msg", msg)
	if vm.capture != nil {
		line := msg
		if level != slog.LevelInfo {
			line = "[" + strings.ToLower(level.String()) + "] " + msg
		}
		vm.capture(line)
	}
}
