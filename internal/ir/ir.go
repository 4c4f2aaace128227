// Package ir reads decoded infrared remote codes from a serial decoder module.
//
// The decoder prints one code per line. Accepted forms include "FF30CF",
// "0xFF30CF" and "key=value" reports such as "NEC raw=0xF708FF00", where the
// value after the last '=' or ':' is taken.
package ir

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"go.bug.st/serial"

	"ledbar/internal/device"
)

// DefaultDebounce suppresses the key-repeat frames a held button produces.
const DefaultDebounce = 200 * time.Millisecond

// Handler receives each normalised code.
type Handler func(ctx context.Context, code string)

// ParseLine extracts a normalised hex code from one decoder line. Blank lines,
// non-hex text and the all-zero noise code are rejected.
func ParseLine(line string) (string, bool) {
	s := strings.TrimSpace(line)
	if i := strings.LastIndexAny(s, "=:"); i >= 0 {
		s = s[i+1:]
	}
	if f := strings.Fields(s); len(f) > 0 {
		s = f[0]
	}
	code := device.NormalizeIRCode(s)
	if code == "" || len(code) > 16 {
		return "", false
	}
	for _, c := range code {
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
			return "", false
		}
	}
	return code, true
}

// Receiver streams codes from a serial port and reconnects when it drops.
type Receiver struct {
	portName string
	open     func() (io.ReadCloser, error)
	debounce time.Duration
	now      func() time.Time
	logger   *slog.Logger

	lastCode string
	lastAt   time.Time
}

// NewSerialReceiver returns a receiver for an 8N1 decoder on portName.
func NewSerialReceiver(portName string, baudRate int, logger *slog.Logger) *Receiver {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	return &Receiver{
		portName: portName,
		open: func() (io.ReadCloser, error) {
			p, err := serial.Open(portName, mode)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
		debounce: DefaultDebounce,
		now:      time.Now,
		logger:   logger,
	}
}

// Run reads codes until ctx is cancelled. Open and read failures are logged
// and retried with exponential backoff.
func (r *Receiver) Run(ctx context.Context, h Handler) error {
	backoff := 100 * time.Millisecond
	const maxBackoff = 10 * time.Second

	for {
		port, err := r.open()
		if err == nil {
			r.logger.Info("ir receiver connected", "port", r.portName)
			backoff = 100 * time.Millisecond
			err = r.serve(ctx, port, h)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil && !errors.Is(err, io.EOF) {
			r.logger.Error("ir receiver", "port", r.portName, "err", err)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// serve reads one connection until it fails or ctx ends.
func (r *Receiver) serve(ctx context.Context, port io.ReadCloser, h Handler) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		port.Close()
	}()
	return r.scan(ctx, port, h)
}

func (r *Receiver) scan(ctx context.Context, rd io.Reader, h Handler) error {
	sc := bufio.NewScanner(rd)
	for sc.Scan() {
		code, ok := ParseLine(sc.Text())
		if !ok {
			continue
		}
		now := r.now()
		if code == r.lastCode && now.Sub(r.lastAt) < r.debounce {
			continue
		}
		r.lastCode, r.lastAt = code, now
		r.logger.Debug("ir code", "code", code)
		h(ctx, code)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s: %w", r.portName, err)
	}
	return io.EOF
}
