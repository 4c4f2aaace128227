//go:build !no_automation

package automation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"

	"ledbar/internal/device"
	"ledbar/internal/engine"
	"ledbar/internal/events"
)

// fakeController accepts commands for the channels in cfg.
type fakeController struct {
	cfg   *device.Config
	calls chan engine.ManualSet
}

func newFakeController(ids ...string) *fakeController {
	cfg := &device.Config{}
	for _, id := range ids {
		cfg.Channels = append(cfg.Channels, device.Channel{ID: id, Name: "ch " + id, ManualBrightness: 50})
	}
	return &fakeController{cfg: cfg, calls: make(chan engine.ManualSet, 16)}
}

func (f *fakeController) Manual(_ context.Context, cmd engine.ManualSet) (engine.Result, error) {
	if f.cfg.Channel(cmd.ChannelID) == nil {
		return engine.Result{}, fmt.Errorf("channel %q: %w", cmd.ChannelID, engine.ErrUnknownChannel)
	}
	f.calls <- cmd
	return engine.Result{Reason: engine.ReasonManual, Applied: true}, nil
}

func (f *fakeController) Settings(context.Context) (*device.Config, error) {
	return f.cfg.Clone(), nil
}

func (f *fakeController) next(t *testing.T) engine.ManualSet {
	t.Helper()
	select {
	case cmd := <-f.calls:
		return cmd
	case <-time.After(2 * time.Second):
		t.Fatal("no command issued")
		return engine.ManualSet{}
	}
}

func (f *fakeController) none(t *testing.T) {
	t.Helper()
	select {
	case cmd := <-f.calls:
		t.Fatalf("unexpected command %+v", cmd)
	case <-time.After(50 * time.Millisecond):
	}
}

func newTestAutomation(t *testing.T, ids ...string) (*Engine, *fakeController, *events.Bus) {
	t.Helper()
	ctrl := newFakeController(ids...)
	bus := events.NewBus(testLogger())
	e := NewEngine(ctrl, bus, newTestManager(t), testLogger())
	t.Cleanup(e.Stop)
	return e, ctrl, bus
}

func saveScript(t *testing.T, e *Engine, name, code string, enabled bool) *Script {
	t.Helper()
	s, err := e.manager.Save(&Script{Meta: ScriptMeta{Name: name, Enabled: enabled}, LuaCode: code})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func changed(id string, on bool, b int) events.Event {
	return events.Event{Type: events.ChannelChanged, Data: engine.Change{
		ChannelID: id,
		Reason:    engine.ReasonTick,
		After:     device.Output{ChannelID: id, State: on, Brightness: b},
	}}
}

func TestScriptReactsToChannelEvents(t *testing.T) {
	e, ctrl, bus := newTestAutomation(t, "A", "B")
	saveScript(t, e, "follow", `
led.on("channel_changed", {channel = "A"}, function(ev)
  led.set("B", ev.state, ev.brightness)
end)`, true)
	saveScript(t, e, "disabled", `led.on("channel_changed", function(ev) led.toggle("B") end)`, false)

	e.Start()
	if got := e.Running(); len(got) != 1 || got[0] != "follow" {
		t.Fatalf("running = %v", got)
	}

	bus.Emit(changed("A", true, 70))
	cmd := ctrl.next(t)
	if cmd.ChannelID != "B" || cmd.State == nil || !*cmd.State || cmd.Brightness == nil || *cmd.Brightness != 70 {
		t.Errorf("command = %+v", cmd)
	}

	bus.Emit(changed("C", true, 10))
	bus.Emit(events.Event{Type: events.MotionDetected})
	ctrl.none(t)
}

func TestScriptStopAndReload(t *testing.T) {
	e, ctrl, bus := newTestAutomation(t, "A")
	s := saveScript(t, e, "mirror", `led.on("motion_detected", function() led.toggle("A") end)`, true)
	e.Start()

	e.StopScript(s.ID)
	bus.Emit(events.Event{Type: events.MotionDetected})
	ctrl.none(t)

	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	bus.Emit(events.Event{Type: events.MotionDetected})
	if cmd := ctrl.next(t); !cmd.Toggle {
		t.Errorf("command = %+v", cmd)
	}

	s.Meta.Enabled = false
	e.manager.Save(s)
	if err := e.ReloadScript(s.ID); err != nil {
		t.Fatal(err)
	}
	if len(e.Running()) != 0 {
		t.Errorf("running = %v after disabling", e.Running())
	}
}

func TestScriptStartError(t *testing.T) {
	e, _, _ := newTestAutomation(t, "A")
	s := saveScript(t, e, "broken", `led.on(`, true)

	if err := e.ReloadScript(s.ID); err == nil {
		t.Error("expected a compile error")
	}
	if len(e.Running()) != 0 {
		t.Errorf("running = %v", e.Running())
	}
}

func TestScriptTimer(t *testing.T) {
	e, ctrl, _ := newTestAutomation(t, "A")
	saveScript(t, e, "later", `led.after(0.02, function() led.set("A", false) end)`, true)
	e.Start()

	cmd := ctrl.next(t)
	if cmd.State == nil || *cmd.State {
		t.Errorf("command = %+v", cmd)
	}
}

func TestScriptTimerCancelledOnStop(t *testing.T) {
	e, ctrl, _ := newTestAutomation(t, "A")
	s := saveScript(t, e, "later", `led.after(0.05, function() led.toggle("A") end)`, true)
	e.Start()
	e.StopScript(s.ID)

	select {
	case cmd := <-ctrl.calls:
		t.Fatalf("timer fired after stop: %+v", cmd)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestRunLuaCode(t *testing.T) {
	e, ctrl, _ := newTestAutomation(t, "A", "B")

	res := e.RunLuaCode(`
for _, ch in ipairs(led.channels()) do
  led.log(ch.id .. "=" .. ch.name)
end
local ok, err = led.toggle("nope")
led.log(tostring(ok) .. " " .. err)
system.log("warn", "careful")
led.brightness("A", 30)`)
	if !res.OK {
		t.Fatalf("result = %+v", res)
	}
	want := []string{"A=ch A", "B=ch B", "false channel \"nope\": unknown channel", "[warn] careful"}
	if strings.Join(res.Logs, "|") != strings.Join(want, "|") {
		t.Errorf("logs = %q, want %q", res.Logs, want)
	}
	if cmd := ctrl.next(t); cmd.ChannelID != "A" || *cmd.Brightness != 30 {
		t.Errorf("command = %+v", cmd)
	}
}

func TestRunLuaCodeInvokesHandlers(t *testing.T) {
	e, ctrl, _ := newTestAutomation(t, "A")

	res := e.RunLuaCode(`
led.on("channel_changed", {channel = "A"}, function(ev)
  led.log(ev.type .. " " .. ev.channel)
  led.set(ev.channel, ev.state)
end)`)
	if !res.OK {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Logs) != 1 || res.Logs[0] != "channel_changed A" {
		t.Errorf("logs = %q", res.Logs)
	}
	if cmd := ctrl.next(t); cmd.State == nil || !*cmd.State {
		t.Errorf("command = %+v", cmd)
	}
}

func TestRunLuaCodeErrors(t *testing.T) {
	e, _, _ := newTestAutomation(t)

	tests := []struct {
		name, code, want string
	}{
		{"runtime error", `error("boom")`, "boom"},
		{"sandboxed os", `os.exit(1)`, "attempt to index"},
		{"sandboxed io", `io.open("/etc/passwd")`, "attempt to index"},
		{"handler error", `led.on("motion_detected", function() error("inside") end)`, "inside"},
		{"bad time", `system.time_between("25:00", 3)`, "invalid time"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.RunLuaCode(tt.code)
			if res.OK {
				t.Fatal("expected failure")
			}
			if !strings.Contains(res.Error, tt.want) {
				t.Errorf("error = %q, want it to mention %q", res.Error, tt.want)
			}
		})
	}
}

func TestRunScriptNotFound(t *testing.T) {
	e, _, _ := newTestAutomation(t)
	if res := e.RunScript("missing"); res.OK || !strings.Contains(res.Error, "not found") {
		t.Errorf("result = %+v", res)
	}
}

func TestHandlerLimit(t *testing.T) {
	e, _, _ := newTestAutomation(t)
	res := e.RunLuaCode(fmt.Sprintf(`for i = 1, %d do led.on("x", function() end) end`, maxHandlersPerScript+1))
	if res.OK || !strings.Contains(res.Error, "too many handlers") {
		t.Errorf("result = %+v", res)
	}
}

func TestMatchesHandler(t *testing.T) {
	fields := map[string]any{"channel": "A"}
	tests := []struct {
		name string
		h    luaEventHandler
		typ  string
		want bool
	}{
		{"type and channel", luaEventHandler{eventType: "channel_changed", channel: "A"}, "channel_changed", true},
		{"any channel", luaEventHandler{eventType: "channel_changed"}, "channel_changed", true},
		{"other channel", luaEventHandler{eventType: "channel_changed", channel: "B"}, "channel_changed", false},
		{"other type", luaEventHandler{eventType: "motion_detected"}, "channel_changed", false},
	}
	for _, tt := range tests {
		if got := matchesHandler(tt.h, tt.typ, fields); got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, got, tt.want)
		}
	}
	if matchesHandler(luaEventHandler{eventType: "settings_changed", channel: "A"}, "settings_changed", map[string]any{}) {
		t.Error("channel filter should not match an event without a channel")
	}
}

func TestEventFields(t *testing.T) {
	f := eventFields(events.Event{Type: events.ChannelChanged, Data: engine.Change{
		ChannelID:       "D1",
		Reason:          engine.ReasonIR,
		Before:          device.Output{State: false, Brightness: 0},
		After:           device.Output{State: true, Brightness: 80},
		SchedulerActive: true,
	}})
	if f["channel"] != "D1" || f["state"] != true || f["brightness"] != 80 ||
		f["previous_state"] != false || f["reason"] != "ir" || f["scheduler_active"] != true {
		t.Errorf("fields = %v", f)
	}

	f = eventFields(events.Event{Data: device.Default()})
	if f["device_name"] != device.DefaultName || f["channels"] != 1 {
		t.Errorf("settings fields = %v", f)
	}

	src := map[string]any{"code": "FF30CF"}
	f = eventFields(events.Event{Data: src})
	f["code"] = "changed"
	if src["code"] != "FF30CF" {
		t.Error("map payload should be copied")
	}

	if f := eventFields(events.Event{}); len(f) != 0 {
		t.Errorf("nil payload fields = %v", f)
	}
}

func TestGoToLua(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	tests := []struct {
		val  any
		want lua.LValueType
	}{
		{nil, lua.LTNil},
		{true, lua.LTBool},
		{"x", lua.LTString},
		{42, lua.LTNumber},
		{int64(7), lua.LTNumber},
		{1.5, lua.LTNumber},
		{map[string]any{"a": 1}, lua.LTTable},
		{[]any{1, 2}, lua.LTTable},
		{struct{}{}, lua.LTString},
	}
	for _, tt := range tests {
		if got := goToLua(L, tt.val).Type(); got != tt.want {
			t.Errorf("goToLua(%v) = %v, want %v", tt.val, got, tt.want)
		}
	}

	tbl := goToLua(L, []any{"a", "b"}).(*lua.LTable)
	var items []string
	tbl.ForEach(func(_, v lua.LValue) { items = append(items, v.String()) })
	sort.Strings(items)
	if strings.Join(items, "") != "ab" || tbl.Len() != 2 {
		t.Errorf("slice table = %v", items)
	}
}
