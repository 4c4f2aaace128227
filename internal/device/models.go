// Package device holds the channel registry: the persisted device configuration
// and the invariants every writer must respect.
package device

import (
	"errors"
	"strings"

	"golang.org/x/exp/constraints"
)

// DefaultName is the network identity used when none (or an invalid one) is configured.
const DefaultName = "ledbar"

// Brightness bounds, in percent.
const (
	MinBrightness = 0
	MaxBrightness = 100
)

var (
	// ErrDuplicateChannel is returned when two channels share an id.
	ErrDuplicateChannel = errors.New("duplicate channel id")
	// ErrEmptyChannelID is returned for a channel without an id.
	ErrEmptyChannelID = errors.New("empty channel id")
)

// Channel is one independently dimmable output.
type Channel struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name,omitempty"`
	Pin                 string    `json:"pin,omitempty"`
	ManualState         bool      `json:"state"`
	ManualBrightness    int       `json:"brightness"`
	IRCode              string    `json:"ir_code,omitempty"`
	ScheduleEnabled     bool      `json:"schedule_enabled"`
	ScheduleStart       TimeOfDay `json:"schedule_start"`
	ScheduleEnd         TimeOfDay `json:"schedule_end"`
	ScheduledBrightness int       `json:"scheduled_brightness"`
	SchedulerActive     bool      `json:"scheduler_active"`
}

// PinName returns the hardware pin the channel drives. It falls back to the id.
func (c *Channel) PinName() string {
	if c.Pin != "" {
		return c.Pin
	}
	return c.ID
}

// DisplayName returns the label shown to users.
func (c *Channel) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.ID
}

// Output is the resolved value handed to the output driver for one channel.
type Output struct {
	ChannelID  string `json:"id"`
	Pin        string `json:"pin"`
	State      bool   `json:"state"`
	Brightness int    `json:"brightness"`
}

// Config is the whole persisted device document.
type Config struct {
	DeviceName       string    `json:"device_name"`
	TimezoneOffset   int       `json:"timezone_offset"`
	IRBrightnessUp   string    `json:"ir_brightness_up,omitempty"`
	IRBrightnessDown string    `json:"ir_brightness_down,omitempty"`
	Channels         []Channel `json:"channels"`
}

// Default returns the factory configuration: one channel on D1, off, full
// brightness, schedule disabled with a 20:00-06:00 window.
func Default() *Config {
	return &Config{
		DeviceName: DefaultName,
		Channels: []Channel{{
			ID:                  "D1",
			Name:                "LED Bar",
			ManualBrightness:    MaxBrightness,
			ScheduleStart:       TimeOfDay{Hour: 20},
			ScheduleEnd:         TimeOfDay{Hour: 6},
			ScheduledBrightness: MaxBrightness,
		}},
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.Channels = make([]Channel, len(c.Channels))
	copy(out.Channels, c.Channels)
	return &out
}

// Channel returns the channel with the given id, or nil.
func (c *Config) Channel(id string) *Channel {
	for i := range c.Channels {
		if c.Channels[i].ID == id {
			return &c.Channels[i]
		}
	}
	return nil
}

// ChannelsByIRCode returns every channel bound to code.
func (c *Config) ChannelsByIRCode(code string) []*Channel {
	code = NormalizeIRCode(code)
	if code == "" {
		return nil
	}
	var out []*Channel
	for i := range c.Channels {
		if c.Channels[i].IRCode == code {
			out = append(out, &c.Channels[i])
		}
	}
	return out
}

// Validate checks the registry invariants that writers must not break.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Channels))
	for _, ch := range c.Channels {
		if ch.ID == "" {
			return ErrEmptyChannelID
		}
		if _, ok := seen[ch.ID]; ok {
			return &ChannelError{ID: ch.ID, Err: ErrDuplicateChannel}
		}
		seen[ch.ID] = struct{}{}
	}
	return nil
}

// Normalize repairs a loaded document in place: brightness is clamped, IR codes
// normalised, an invalid device name replaced by the default and channels with
// empty or repeated ids dropped. It returns the ids of dropped channels.
func (c *Config) Normalize() []string {
	if !ValidHostname(c.DeviceName) {
		c.DeviceName = DefaultName
	}
	c.IRBrightnessUp = NormalizeIRCode(c.IRBrightnessUp)
	c.IRBrightnessDown = NormalizeIRCode(c.IRBrightnessDown)

	var dropped []string
	seen := make(map[string]struct{}, len(c.Channels))
	kept := c.Channels[:0]
	for _, ch := range c.Channels {
		if ch.ID == "" {
			dropped = append(dropped, ch.ID)
			continue
		}
		if _, ok := seen[ch.ID]; ok {
			dropped = append(dropped, ch.ID)
			continue
		}
		seen[ch.ID] = struct{}{}
		ch.ManualBrightness = ClampBrightness(ch.ManualBrightness)
		ch.ScheduledBrightness = ClampBrightness(ch.ScheduledBrightness)
		ch.IRCode = NormalizeIRCode(ch.IRCode)
		kept = append(kept, ch)
	}
	c.Channels = kept
	return dropped
}

// ChannelError ties a registry error to a channel id.
type ChannelError struct {
	ID  string
	Err error
}

func (e *ChannelError) Error() string { return "channel " + e.ID + ": " + e.Err.Error() }

func (e *ChannelError) Unwrap() error { return e.Err }

// Clamp limits v to [lo, hi].
func Clamp[T constraints.Ordered](v, lo, hi T) T {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ClampBrightness limits a brightness percentage to [0, 100].
func ClampBrightness(v int) int {
	return Clamp(v, MinBrightness, MaxBrightness)
}

// NormalizeIRCode upper-cases a hex code and strips a 0x prefix. A code that is
// all zeroes is treated as empty; receivers report it for noise.
func NormalizeIRCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.TrimPrefix(code, "0X")
	if strings.Trim(code, "0") == "" {
		return ""
	}
	return code
}

// ValidHostname reports whether s is usable as a network hostname label:
// 1-31 characters of [A-Za-z0-9-], not starting or ending with a hyphen.
func ValidHostname(s string) bool {
	if len(s) == 0 || len(s) > 31 {
		return false
	}
	if s[0] == '-' || s[len(s)-1] == '-' {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-':
		default:
			return false
		}
	}
	return true
}
