//go:build no_automation

package automation

import (
	"context"
	"log/slog"
	"time"

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

// Option configures an Engine.
type Option func(*Engine)

// WithClock is a no-op when automation is disabled.
func WithClock(func() time.Time) Option { return func(*Engine) {} }

// Manager is a no-op stub when automation is disabled.
type Manager struct{}

// NewManager returns a nil manager when automation is disabled.
func NewManager(string, *slog.Logger) (*Manager, error) { return nil, nil }

// List returns nil.
func (m *Manager) List() ([]*Script, error) { return nil, nil }

// Get always fails.
func (m *Manager) Get(string) (*Script, error) { return nil, ErrScriptNotFound }

// Save returns the script unchanged.
func (m *Manager) Save(s *Script) (*Script, error) { return s, nil }

// Delete is a no-op.
func (m *Manager) Delete(string) error { return nil }

// Engine is a no-op stub when automation is disabled.
type Engine struct{}

// NewEngine returns a no-op engine when automation is disabled.
func NewEngine(Controller, Subscriber, *Manager, *slog.Logger, ...Option) *Engine {
	return &Engine{}
}

// Start is a no-op.
func (e *Engine) Start() {}

// Stop is a no-op.
func (e *Engine) Stop() {}

// ReloadScript is a no-op.
func (e *Engine) ReloadScript(string) error { return nil }

// StopScript is a no-op.
func (e *Engine) StopScript(string) {}

// Running returns nil.
func (e *Engine) Running() []string { return nil }

// RunScript returns a stub result.
func (e *Engine) RunScript(string) *RunResult {
	return &RunResult{Error: "automation disabled"}
}

// RunLuaCode returns a stub result.
func (e *Engine) RunLuaCode(string) *RunResult {
	return &RunResult{Error: "automation disabled"}
}
