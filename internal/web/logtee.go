package web

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
)

// LogSink receives formatted log frames. It must not block or log.
type LogSink func(msg interface{}) bool

// logMessage is the {"action":"log"} frame shown in the UI log pane.
type logMessage struct {
	Action string `json:"action"`
	Line   string `json:"line"`
}

// LogTee is a slog.Handler that passes records to an inner handler and also
// mirrors them, formatted as text lines, to an attached sink.
type LogTee struct {
	inner slog.Handler
	sink  *atomic.Pointer[LogSink]
	level slog.Leveler

	// text formats records for the sink; buf and mu are shared by clones.
	text slog.Handler
	buf  *bytes.Buffer
	mu   *sync.Mutex
}

// NewLogTee wraps inner. Records below level are not mirrored.
func NewLogTee(inner slog.Handler, level slog.Leveler) *LogTee {
	buf := &bytes.Buffer{}
	return &LogTee{
		inner: inner,
		sink:  &atomic.Pointer[LogSink]{},
		level: level,
		text:  slog.NewTextHandler(buf, &slog.HandlerOptions{Level: level}),
		buf:   buf,
		mu:    &sync.Mutex{},
	}
}

// Attach sets the sink; nil detaches.
func (t *LogTee) Attach(sink LogSink) {
	if sink == nil {
		t.sink.Store(nil)
		return
	}
	t.sink.Store(&sink)
}

func (t *LogTee) Enabled(ctx context.Context, level slog.Level) bool {
	return t.inner.Enabled(ctx, level) || level >= t.level.Level()
}

func (t *LogTee) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if t.inner.Enabled(ctx, r.Level) {
		err = t.inner.Handle(ctx, r)
	}
	if sink := t.sink.Load(); sink != nil && r.Level >= t.level.Level() {
		if line, ferr := t.format(ctx, r); ferr == nil {
			(*sink)(logMessage{Action: "log", Line: line})
		}
	}
	return err
}

func (t *LogTee) format(ctx context.Context, r slog.Record) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Reset()
	if err := t.text.Handle(ctx, r); err != nil {
		return "", err
	}
	return strings.TrimRight(t.buf.String(), "\n"), nil
}

func (t *LogTee) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *t
	c.inner = t.inner.WithAttrs(attrs)
	c.text = t.text.WithAttrs(attrs)
	return &c
}

func (t *LogTee) WithGroup(name string) slog.Handler {
	c := *t
	c.inner = t.inner.WithGroup(name)
	c.text = t.text.WithGroup(name)
	return &c
}
