// Package motion polls a PIR sensor and reports motion: once on each rising
// edge and again every retrigger period while the input stays high.
package motion

import (
	"context"
	"log/slog"
	"time"
)

const (
	// DefaultPoll is the sensor sampling period.
	DefaultPoll = 100 * time.Millisecond
	// DefaultRetrigger is how often a held input is reported again.
	DefaultRetrigger = 30 * time.Second
)

// Sensor reads the motion input.
type Sensor interface {
	// Read returns true while the sensor reports motion.
	Read() (bool, error)

	// Close releases the input.
	Close() error
}

// Handler is called on each rising edge and on every retrigger while held.
type Handler func(ctx context.Context)

// Watcher samples a Sensor and turns level changes into motion events.
type Watcher struct {
	sensor    Sensor
	poll      time.Duration
	retrigger time.Duration
	logger    *slog.Logger
	tick      <-chan time.Time
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithRetrigger sets how often a held input is reported again. Zero or less
// reports rising edges only.
func WithRetrigger(d time.Duration) Option {
	return func(w *Watcher) { w.retrigger = d }
}

// NewWatcher returns a watcher sampling every poll (DefaultPoll if <= 0).
func NewWatcher(sensor Sensor, poll time.Duration, logger *slog.Logger, opts ...Option) *Watcher {
	if poll <= 0 {
		poll = DefaultPoll
	}
	w := &Watcher{sensor: sensor, poll: poll, retrigger: DefaultRetrigger, logger: logger}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run samples until ctx is cancelled. Read errors are logged and skipped.
func (w *Watcher) Run(ctx context.Context, h Handler) error {
	tick := w.tick
	if tick == nil {
		ticker := time.NewTicker(w.poll)
		defer ticker.Stop()
		tick = ticker.C
	}

	var (
		last  bool
		fired time.Time
	)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-tick:
			active, err := w.sensor.Read()
			if err != nil {
				w.logger.Warn("motion sensor read", "err", err)
				continue
			}
			switch {
			case active && !last:
				w.logger.Info("motion detected")
				h(ctx)
				fired = now
			case active && w.retrigger > 0 && now.Sub(fired) >= w.retrigger:
				w.logger.Debug("motion still detected")
				h(ctx)
				fired = now
			}
			last = active
		}
	}
}
