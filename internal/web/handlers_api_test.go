package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"ledbar/internal/device"
	"ledbar/internal/engine"
	"ledbar/internal/events"
	"ledbar/internal/store"
)

// fakeEngine records commands and returns canned results.
type fakeEngine struct {
	mu      sync.Mutex
	cfg     *device.Config
	status  engine.Status
	res     engine.Result
	err     error
	manual  []engine.ManualSet
	updates []engine.Update
	irs     []engine.IRCode
	motions int
}

func newFakeEngine() *fakeEngine {
	cfg := device.Default()
	st := engine.Status{DeviceName: cfg.DeviceName, Time: "12:00"}
	for _, ch := range cfg.Channels {
		st.Channels = append(st.Channels, engine.ChannelStatus{Channel: ch})
	}
	return &fakeEngine{cfg: cfg, status: st}
}

func (f *fakeEngine) Settings(context.Context) (*device.Config, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cfg.Clone(), f.err
}

func (f *fakeEngine) Status(context.Context) (engine.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.err
}

func (f *fakeEngine) Manual(_ context.Context, cmd engine.ManualSet) (engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manual = append(f.manual, cmd)
	return f.res, f.err
}

func (f *fakeEngine) IR(_ context.Context, cmd engine.IRCode) (engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.irs = append(f.irs, cmd)
	return f.res, f.err
}

func (f *fakeEngine) Motion(context.Context) (engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.motions++
	return f.res, f.err
}

func (f *fakeEngine) Update(_ context.Context, u engine.Update) (engine.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, u)
	return f.res, f.err
}

func (f *fakeEngine) manualCalls() []engine.ManualSet {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]engine.ManualSet(nil), f.manual...)
}

type fakeHistory struct {
	entries []store.HistoryEntry
	limit   int
}

func (h *fakeHistory) ListHistory(limit int) ([]store.HistoryEntry, error) {
	h.limit = limit
	if limit < len(h.entries) {
		return h.entries[:limit], nil
	}
	return h.entries, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupTestServer(t *testing.T, opts ...ServerOption) (*Server, *fakeEngine, *events.Bus) {
	t.Helper()
	logger := testLogger()
	fe := newFakeEngine()
	bus := events.NewBus(logger)
	srv, err := NewServer(fe, bus, logger, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(srv.Stop)
	return srv, fe, bus
}

func do(t *testing.T, srv http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) commandResponse {
	t.Helper()
	var resp commandResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func TestAPIGetSettings(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := do(t, srv, "GET", "/api/settings", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var cfg device.Config
	if err := json.NewDecoder(w.Body).Decode(&cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.DeviceName != device.DefaultName || len(cfg.Channels) != 1 {
		t.Errorf("settings = %+v", cfg)
	}
	if got := cfg.Channels[0].ScheduleStart.String(); got != "20:00" {
		t.Errorf("schedule_start = %s", got)
	}
}

func TestAPIStatus(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := do(t, srv, "GET", "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var st map[string]any
	if err := json.NewDecoder(w.Body).Decode(&st); err != nil {
		t.Fatal(err)
	}
	if st["time"] != "12:00" {
		t.Errorf("time = %v", st["time"])
	}
	chans, _ := st["channels"].([]any)
	if len(chans) != 1 {
		t.Fatalf("channels = %v", st["channels"])
	}
	ch := chans[0].(map[string]any)
	if ch["id"] != "D1" || ch["effective"] == nil {
		t.Errorf("channel = %v", ch)
	}
}

func TestAPISetChannel(t *testing.T) {
	srv, fe, _ := setupTestServer(t)
	fe.res = engine.Result{Reason: engine.ReasonManual, Applied: true, Persisted: true}

	w := do(t, srv, "POST", "/api/channels/D1", `{"state":true,"brightness":40}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", w.Code, w.Body.String())
	}
	if resp := decodeResponse(t, w); !resp.Success || resp.Result == nil || !resp.Result.Applied {
		t.Errorf("response = %+v", resp)
	}

	calls := fe.manualCalls()
	if len(calls) != 1 {
		t.Fatalf("manual calls = %d", len(calls))
	}
	got := calls[0]
	if got.ChannelID != "D1" || got.State == nil || !*got.State || got.Brightness == nil || *got.Brightness != 40 {
		t.Errorf("command = %+v", got)
	}
}

func TestAPIErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unknown channel", fmt.Errorf("channel %q: %w", "X", engine.ErrUnknownChannel), http.StatusNotFound},
		{"duplicate", &device.ChannelError{ID: "A", Err: device.ErrDuplicateChannel}, http.StatusBadRequest},
		{"empty id", device.ErrEmptyChannelID, http.StatusBadRequest},
		{"stopped", engine.ErrStopped, http.StatusServiceUnavailable},
		{"timeout", context.DeadlineExceeded, http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, fe, _ := setupTestServer(t)
			fe.err = tt.err

			w := do(t, srv, "POST", "/api/channels/X", `{"state":true}`)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d", w.Code, tt.want)
			}
			if resp := decodeResponse(t, w); resp.Success || resp.Error == "" {
				t.Errorf("response = %+v", resp)
			}
		})
	}
}

func TestAPIPersistFailure(t *testing.T) {
	srv, fe, _ := setupTestServer(t)
	fe.res = engine.Result{Applied: true, PersistErr: errors.New("disk full")}

	w := do(t, srv, "PATCH", "/api/settings", `{"timezone_offset":3600}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	resp := decodeResponse(t, w)
	if resp.Success {
		t.Error("success should be false")
	}
	if resp.Result == nil || !resp.Result.Applied {
		t.Errorf("result = %+v", resp.Result)
	}
}

func TestAPIPatchSettings(t *testing.T) {
	srv, fe, _ := setupTestServer(t)

	body := `{"device_name":"kitchen","channels":[{"id":"D1","schedule_enabled":false,"schedule_start":"21:30"}]}`
	w := do(t, srv, "PATCH", "/api/settings", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", w.Code, w.Body.String())
	}
	if len(fe.updates) != 1 {
		t.Fatalf("updates = %d", len(fe.updates))
	}
	u := fe.updates[0]
	if u.DeviceName == nil || *u.DeviceName != "kitchen" {
		t.Errorf("device name = %v", u.DeviceName)
	}
	if u.ReplaceChannels != nil {
		t.Error("PATCH must not replace channels")
	}
	p := u.Channels[0]
	if p.ScheduleEnabled == nil || *p.ScheduleEnabled {
		t.Errorf("schedule_enabled = %v", p.ScheduleEnabled)
	}
	if p.ScheduleStart == nil || *p.ScheduleStart != (device.TimeOfDay{Hour: 21, Minute: 30}) {
		t.Errorf("schedule_start = %v", p.ScheduleStart)
	}
	if p.ScheduleEnd != nil || p.Brightness != nil {
		t.Errorf("unset fields should stay nil: %+v", p)
	}
}

func TestAPIPutSettings(t *testing.T) {
	srv, fe, _ := setupTestServer(t)

	w := do(t, srv, "PUT", "/api/settings", `{"device_name":"ledbar"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing channels: status = %d, want 400", w.Code)
	}

	body := `{"device_name":"ledbar","timezone_offset":7200,"channels":[{"id":"A"},{"id":"B","brightness":30}]}`
	w = do(t, srv, "PUT", "/api/settings", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200; body: %s", w.Code, w.Body.String())
	}
	u := fe.updates[0]
	if len(u.ReplaceChannels) != 2 || u.ReplaceChannels[1].ManualBrightness != 30 {
		t.Errorf("replace = %+v", u.ReplaceChannels)
	}
	if u.TimezoneOffset == nil || *u.TimezoneOffset != 7200 {
		t.Errorf("timezone = %v", u.TimezoneOffset)
	}
}

func TestAPIInvalidBody(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	tests := []struct {
		method, path, body string
	}{
		{"POST", "/api/channels/D1", `{not json`},
		{"PATCH", "/api/settings", `{"channels":[{"id":"D1","schedule_start":"25:00"}]}`},
		{"POST", "/api/ir", `[]`},
	}
	for _, tt := range tests {
		w := do(t, srv, tt.method, tt.path, tt.body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s %s %s: status = %d, want 400", tt.method, tt.path, tt.body, w.Code)
		}
	}
}

func TestAPIPayloadLimit(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	body := `{"code":"` + strings.Repeat("A", 2<<20) + `"}`
	w := do(t, srv, "POST", "/api/ir", body)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestAPIIRAndMotion(t *testing.T) {
	srv, fe, _ := setupTestServer(t)

	if w := do(t, srv, "POST", "/api/ir", `{"code":"ff30cf"}`); w.Code != http.StatusOK {
		t.Errorf("ir status = %d", w.Code)
	}
	if len(fe.irs) != 1 || fe.irs[0].Code != "ff30cf" {
		t.Errorf("ir calls = %+v", fe.irs)
	}

	if w := do(t, srv, "POST", "/api/motion", ""); w.Code != http.StatusOK {
		t.Errorf("motion status = %d", w.Code)
	}
	if fe.motions != 1 {
		t.Errorf("motions = %d", fe.motions)
	}
}

func TestAPIHistory(t *testing.T) {
	hist := &fakeHistory{entries: []store.HistoryEntry{
		{Time: time.Unix(200, 0), ChannelID: "D1", Reason: "manual", State: true, Brightness: 50},
		{Time: time.Unix(100, 0), ChannelID: "D1", Reason: "tick"},
	}}
	srv, _, _ := setupTestServer(t, WithHistory(hist))

	w := do(t, srv, "GET", "/api/history?limit=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var entries []store.HistoryEntry
	if err := json.NewDecoder(w.Body).Decode(&entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Reason != "manual" {
		t.Errorf("entries = %+v", entries)
	}

	do(t, srv, "GET", "/api/history", "")
	if hist.limit != defaultHistoryLimit {
		t.Errorf("default limit = %d", hist.limit)
	}

	if w := do(t, srv, "GET", "/api/history?limit=-3", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", w.Code)
	}
}

func TestAPIHistoryDisabled(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := do(t, srv, "GET", "/api/history", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("got %d %q", w.Code, w.Body.String())
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, _, _ := setupTestServer(t, WithAPIKey("secret"))

	if w := do(t, srv, "GET", "/api/status", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest("GET", "/api/status", nil)
	req.Header.Set("X-API-Key", "secret")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("with key: status = %d, want 200", w.Code)
	}

	// The UI page stays reachable and carries the key for its own requests.
	w = do(t, srv, "GET", "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("index: status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `content="secret"`) {
		t.Error("index should embed the API key")
	}
}

func TestCORS(t *testing.T) {
	srv, _, _ := setupTestServer(t, WithAllowedOrigins([]string{"http://ok.local"}))

	tests := []struct {
		method, origin string
		want           int
	}{
		{"OPTIONS", "http://ok.local", http.StatusNoContent},
		{"OPTIONS", "http://evil.local", http.StatusForbidden},
		{"POST", "http://evil.local", http.StatusForbidden},
		{"POST", "http://ok.local", http.StatusOK},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, "/api/motion", nil)
		req.Header.Set("Origin", tt.origin)
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		if w.Code != tt.want {
			t.Errorf("%s from %s: status = %d, want %d", tt.method, tt.origin, w.Code, tt.want)
		}
	}
}

func TestIndexRenders(t *testing.T) {
	srv, _, _ := setupTestServer(t, WithVersion("1.2.3"))

	w := do(t, srv, "GET", "/", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	body := w.Body.String()
	for _, want := range []string{"LED Bar", `data-channel="D1"`, `value="20:00"`, "1.2.3"} {
		if !strings.Contains(body, want) {
			t.Errorf("index missing %q", want)
		}
	}
}

func TestIndexEngineDown(t *testing.T) {
	srv, fe, _ := setupTestServer(t)
	fe.err = engine.ErrStopped

	if w := do(t, srv, "GET", "/", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestAPIVersion(t *testing.T) {
	srv, _, _ := setupTestServer(t, WithVersion("v9"))

	w := do(t, srv, "GET", "/api/version", "")
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["version"] != "v9" {
		t.Errorf("version = %v", resp)
	}
}

func TestStaticAssets(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	for _, path := range []string{"/static/app.js", "/static/style.css"} {
		if w := do(t, srv, "GET", path, ""); w.Code != http.StatusOK {
			t.Errorf("%s: status = %d", path, w.Code)
		}
	}
}

func TestScriptsWithoutAutomation(t *testing.T) {
	srv, _, _ := setupTestServer(t)

	w := do(t, srv, "GET", "/api/scripts", "")
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("list: %d %q", w.Code, w.Body.String())
	}
	if w := do(t, srv, "POST", "/api/scripts/x/run", `{}`); w.Code != http.StatusNotImplemented {
		t.Errorf("run: status = %d, want 501", w.Code)
	}
}
