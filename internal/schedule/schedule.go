// Package schedule decides whether a wall-clock minute falls inside a daily window.
package schedule

import "ledbar/internal/device"

// IsWithinWindow reports whether now lies in [start, end) on a 24h clock.
// All arguments are minutes since midnight. A window whose start is after its
// end wraps past midnight. start == end is never active.
func IsWithinWindow(now, start, end int) bool {
	if start <= end {
		return now >= start && now < end
	}
	return now >= start || now < end
}

// Window is a daily on-period.
type Window struct {
	Start device.TimeOfDay
	End   device.TimeOfDay
}

// Contains reports whether t is inside the window.
func (w Window) Contains(t device.TimeOfDay) bool {
	return IsWithinWindow(t.Minutes(), w.Start.Minutes(), w.End.Minutes())
}

// ForChannel returns the schedule window of ch.
func ForChannel(ch *device.Channel) Window {
	return Window{Start: ch.ScheduleStart, End: ch.ScheduleEnd}
}
