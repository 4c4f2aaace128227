// Package engine reconciles channel configuration, the schedule clock and
// incoming commands into one authoritative output per channel.
package engine

import (
	"errors"
	"fmt"
	"time"

	"ledbar/internal/device"
	"ledbar/internal/events"
)

var (
	// ErrUnknownChannel is returned for a command naming a channel that does not exist.
	ErrUnknownChannel = errors.New("unknown channel")
	// ErrStopped is returned by Service calls after Run has returned.
	ErrStopped = errors.New("engine stopped")
)

// Output receives the full channel set whenever anything changed.
type Output interface {
	Apply(outs []device.Output) error
}

// Persister stores the device document.
type Persister interface {
	Load() (*device.Config, error)
	Save(cfg *device.Config) error
}

// Notifier receives change notifications.
type Notifier interface {
	Emit(ev events.Event)
}

// Pass reasons.
const (
	ReasonTick   = "tick"
	ReasonManual = "manual"
	ReasonIR     = "ir"
	ReasonMotion = "motion"
	ReasonUpdate = "settings"
)

// ManualSet sets a channel's manual values. Nil fields are left unchanged;
// Toggle flips the manual state and wins over State.
type ManualSet struct {
	ChannelID  string `json:"channel"`
	State      *bool  `json:"state,omitempty"`
	Brightness *int   `json:"brightness,omitempty"`
	Toggle     bool   `json:"toggle,omitempty"`
}

// IRCode is a decoded remote-control code.
type IRCode struct {
	Code string `json:"code"`
}

// MotionDetected is a rising edge from the motion sensor.
type MotionDetected struct{}

// ChannelPatch carries optional per-channel settings.
type ChannelPatch struct {
	ID                  string            `json:"id"`
	Name                *string           `json:"name,omitempty"`
	Pin                 *string           `json:"pin,omitempty"`
	State               *bool             `json:"state,omitempty"`
	Brightness          *int              `json:"brightness,omitempty"`
	IRCode              *string           `json:"ir_code,omitempty"`
	ScheduleEnabled     *bool             `json:"schedule_enabled,omitempty"`
	ScheduleStart       *device.TimeOfDay `json:"schedule_start,omitempty"`
	ScheduleEnd         *device.TimeOfDay `json:"schedule_end,omitempty"`
	ScheduledBrightness *int              `json:"scheduled_brightness,omitempty"`
}

// Update is a settings write. Channels patches existing channels by id;
// a non-nil ReplaceChannels swaps the whole list first.
type Update struct {
	DeviceName       *string          `json:"device_name,omitempty"`
	TimezoneOffset   *int             `json:"timezone_offset,omitempty"`
	IRBrightnessUp   *string          `json:"ir_brightness_up,omitempty"`
	IRBrightnessDown *string          `json:"ir_brightness_down,omitempty"`
	Channels         []ChannelPatch   `json:"channels,omitempty"`
	ReplaceChannels  []device.Channel `json:"-"`
}

// Change records one channel whose applied output moved during a pass.
type Change struct {
	ChannelID       string        `json:"channel_id"`
	Reason          string        `json:"reason"`
	Before          device.Output `json:"before"`
	After           device.Output `json:"after"`
	SchedulerActive bool          `json:"scheduler_active"`
}

// Result describes what one pass did.
type Result struct {
	Reason    string   `json:"reason"`
	Changes   []Change `json:"changes,omitempty"`
	Applied   bool     `json:"applied"`
	Persisted bool     `json:"persisted"`
	Ignored   bool     `json:"ignored,omitempty"`

	OutputErr  error `json:"-"`
	PersistErr error `json:"-"`
}

// OutsideWindow selects the output of a scheduled channel outside its window.
type OutsideWindow int

const (
	// OutsideOff turns the channel off.
	OutsideOff OutsideWindow = iota
	// OutsideManual falls back to the manual values.
	OutsideManual
)

// OnDisable selects what happens when a channel's schedule is switched off.
type OnDisable int

const (
	// DisableManual hands the channel back to its manual values.
	DisableManual OnDisable = iota
	// DisableOff clears the manual state so the channel goes dark.
	DisableOff
)

// Policy holds the configurable precedence choices.
type Policy struct {
	OutsideWindow OutsideWindow
	OnDisable     OnDisable
}

// ParsePolicy maps the config strings ("off"|"manual") to a Policy.
// Empty strings select the defaults.
func ParsePolicy(outside, onDisable string) (Policy, error) {
	var p Policy
	switch outside {
	case "", "off":
		p.OutsideWindow = OutsideOff
	case "manual":
		p.OutsideWindow = OutsideManual
	default:
		return p, fmt.Errorf("outside_window: unknown policy %q", outside)
	}
	switch onDisable {
	case "", "manual":
		p.OnDisable = DisableManual
	case "off":
		p.OnDisable = DisableOff
	default:
		return p, fmt.Errorf("on_disable: unknown policy %q", onDisable)
	}
	return p, nil
}

// ChannelStatus is a channel with the output currently applied to it.
type ChannelStatus struct {
	device.Channel
	Effective device.Output `json:"effective"`
}

// Status is the read-only projection served to clients.
type Status struct {
	DeviceName     string          `json:"device_name"`
	Time           string          `json:"time"`
	TimezoneOffset int             `json:"timezone_offset"`
	Motion         bool            `json:"motion"`
	MotionUntil    *time.Time      `json:"motion_until,omitempty"`
	Channels       []ChannelStatus `json:"channels"`
}
