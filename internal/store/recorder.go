package store

import (
	"context"
	"log/slog"
	"time"

	"ledbar/internal/engine"
	"ledbar/internal/events"
)

const (
	recorderQueueSize = 256
	recorderBatchSize = 32
)

// HistoryWriter is the append half of a Store.
type HistoryWriter interface {
	AppendHistory(entries ...HistoryEntry) error
}

// Recorder turns channel_changed events into history entries. Events
// arrive on the engine goroutine and are queued without blocking; Run
// writes them in batches.
type Recorder struct {
	w      HistoryWriter
	now    func() time.Time
	logger *slog.Logger
	queue  chan HistoryEntry
}

// NewRecorder creates a Recorder writing to w. now stamps each entry.
func NewRecorder(w HistoryWriter, now func() time.Time, logger *slog.Logger) *Recorder {
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		w:      w,
		now:    now,
		logger: logger.With("component", "history"),
		queue:  make(chan HistoryEntry, recorderQueueSize),
	}
}

// Handle is an events.Handler for channel_changed.
func (r *Recorder) Handle(ev events.Event) {
	ch, ok := ev.Data.(engine.Change)
	if !ok {
		return
	}
	e := HistoryEntry{
		Time:       r.now(),
		ChannelID:  ch.ChannelID,
		Reason:     ch.Reason,
		State:      ch.After.State,
		Brightness: ch.After.Brightness,
	}
	select {
	case r.queue <- e:
	default:
		r.logger.Warn("history queue full, dropping entry", "channel", ch.ChannelID)
	}
}

// Run writes queued entries until ctx is cancelled, then flushes what is
// left.
func (r *Recorder) Run(ctx context.Context) {
	batch := make([]HistoryEntry, 0, recorderBatchSize)
	for {
		select {
		case <-ctx.Done():
			r.drain(batch)
			return
		case e := <-r.queue:
			batch = append(batch[:0], e)
		fill:
			for len(batch) < recorderBatchSize {
				select {
				case e := <-r.queue:
					batch = append(batch, e)
				default:
					break fill
				}
			}
			r.write(batch)
		}
	}
}

func (r *Recorder) drain(batch []HistoryEntry) {
	batch = batch[:0]
	for {
		select {
		case e := <-r.queue:
			batch = append(batch, e)
		default:
			r.write(batch)
			return
		}
	}
}

func (r *Recorder) write(batch []HistoryEntry) {
	if len(batch) == 0 {
		return
	}
	if err := r.w.AppendHistory(batch...); err != nil {
		r.logger.Error("append history", "entries", len(batch), "err", err)
	}
}
