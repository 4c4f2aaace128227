package engine

import (
	"context"
	"log/slog"
	"time"

	"ledbar/internal/device"
)

// DefaultInterval is the schedule re-evaluation period.
const DefaultInterval = time.Second

// Service runs the Reconciler on a single goroutine. Ticks and commands from
// any goroutine are executed one at a time by Run.
type Service struct {
	rec      *Reconciler
	interval time.Duration
	logger   *slog.Logger

	cmds chan func()
	done chan struct{}
	tick <-chan time.Time
}

// NewService wraps rec. interval <= 0 selects DefaultInterval.
func NewService(rec *Reconciler, interval time.Duration, logger *slog.Logger) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{
		rec:      rec,
		interval: interval,
		logger:   logger,
		cmds:     make(chan func()),
		done:     make(chan struct{}),
	}
}

// Run performs the settling pass and then serves ticks and commands until ctx
// is cancelled.
func (s *Service) Run(ctx context.Context) error {
	defer close(s.done)

	tick := s.tick
	if tick == nil {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	res := s.rec.Tick()
	s.logger.Info("engine started", "channels", len(res.Changes), "interval", s.interval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("engine stopped")
			return ctx.Err()
		case <-tick:
			s.rec.Tick()
		case fn := <-s.cmds:
			fn()
		}
	}
}

// do runs fn on the loop goroutine and waits for it.
func (s *Service) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}
	select {
	case s.cmds <- wrapped:
	case <-s.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Manual applies a manual channel command.
func (s *Service) Manual(ctx context.Context, cmd ManualSet) (Result, error) {
	var (
		res    Result
		cmdErr error
	)
	if err := s.do(ctx, func() { res, cmdErr = s.rec.Manual(cmd) }); err != nil {
		return Result{}, err
	}
	return res, cmdErr
}

// IR handles a remote-control code.
func (s *Service) IR(ctx context.Context, cmd IRCode) (Result, error) {
	var res Result
	if err := s.do(ctx, func() { res = s.rec.IR(cmd) }); err != nil {
		return Result{}, err
	}
	return res, nil
}

// Motion reports a motion trigger.
func (s *Service) Motion(ctx context.Context) (Result, error) {
	var res Result
	if err := s.do(ctx, func() { res = s.rec.Motion() }); err != nil {
		return Result{}, err
	}
	return res, nil
}

// Update applies a settings write.
func (s *Service) Update(ctx context.Context, u Update) (Result, error) {
	var (
		res    Result
		cmdErr error
	)
	if err := s.do(ctx, func() { res, cmdErr = s.rec.Update(u) }); err != nil {
		return Result{}, err
	}
	return res, cmdErr
}

// Settings returns a copy of the device document.
func (s *Service) Settings(ctx context.Context) (*device.Config, error) {
	var cfg *device.Config
	if err := s.do(ctx, func() { cfg = s.rec.Snapshot() }); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Status returns the current status projection.
func (s *Service) Status(ctx context.Context) (Status, error) {
	var st Status
	if err := s.do(ctx, func() { st = s.rec.Status() }); err != nil {
		return Status{}, err
	}
	return st, nil
}
