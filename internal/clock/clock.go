// Package clock provides wall-clock readings for the scheduler.
package clock

import (
	"sync"
	"time"
)

// Source reports local time of day.
type Source interface {
	Now() (hour, minute int)
	SetTimezoneOffset(seconds int)
}

// System reads the host clock in UTC and shifts it by a configured offset.
type System struct {
	mu     sync.Mutex
	offset time.Duration
	now    func() time.Time
}

// NewSystem returns a clock offset from UTC by offsetSeconds.
func NewSystem(offsetSeconds int) *System {
	return &System{
		offset: time.Duration(offsetSeconds) * time.Second,
		now:    time.Now,
	}
}

func (s *System) Now() (int, int) {
	t := s.Time()
	return t.Hour(), t.Minute()
}

// Time returns the current local time as a UTC-based value shifted by the offset.
func (s *System) Time() time.Time {
	s.mu.Lock()
	off := s.offset
	s.mu.Unlock()
	return s.now().UTC().Add(off)
}

func (s *System) SetTimezoneOffset(seconds int) {
	s.mu.Lock()
	s.offset = time.Duration(seconds) * time.Second
	s.mu.Unlock()
}

// Fixed is a settable clock for tests and simulations.
type Fixed struct {
	mu     sync.Mutex
	hour   int
	minute int
	offset int
}

// NewFixed returns a clock stopped at hour:minute.
func NewFixed(hour, minute int) *Fixed {
	return &Fixed{hour: hour, minute: minute}
}

func (f *Fixed) Now() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hour, f.minute
}

// Set moves the clock.
func (f *Fixed) Set(hour, minute int) {
	f.mu.Lock()
	f.hour, f.minute = hour, minute
	f.mu.Unlock()
}

func (f *Fixed) SetTimezoneOffset(seconds int) {
	f.mu.Lock()
	f.offset = seconds
	f.mu.Unlock()
}

// Offset returns the last offset passed to SetTimezoneOffset.
func (f *Fixed) Offset() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offset
}
