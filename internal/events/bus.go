// Package events fans engine notifications out to the web hub, MQTT and scripts.
package events

import (
	"log/slog"
	"sync"
)

// Event types
const (
	ChannelChanged  = "channel_changed"
	SettingsChanged = "settings_changed"
	MotionDetected  = "motion_detected"
	MotionCleared   = "motion_cleared"
	IRReceived      = "ir_received"
)

// Event is one notification.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// Handler is a callback for events.
type Handler func(Event)

// Bus is a synchronous pub/sub hub. Handlers run on the emitting goroutine
// and must not block.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[uint64]Handler
	all      map[uint64]Handler
	nextID   uint64
	logger   *slog.Logger
}

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string]map[uint64]Handler),
		all:      make(map[uint64]Handler),
		logger:   logger,
	}
}

// On registers a handler for one event type and returns its unsubscribe func.
func (b *Bus) On(eventType string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[eventType] == nil {
		b.handlers[eventType] = make(map[uint64]Handler)
	}
	b.handlers[eventType][id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[eventType], id)
	}
}

// OnAll registers a handler for every event type.
func (b *Bus) OnAll(h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.all[id] = h
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.all, id)
	}
}

// Emit delivers ev to matching handlers. A panicking handler is recovered and logged.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[ev.Type])+len(b.all))
	for _, h := range b.handlers[ev.Type] {
		hs = append(hs, h)
	}
	for _, h := range b.all {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		b.call(h, ev)
	}
}

func (b *Bus) call(h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "type", ev.Type, "panic", r)
		}
	}()
	h(ev)
}
