// Package output drives channel PWM pins.
package output

import (
	"ledbar/internal/device"
)

// DutyRange is the raw PWM resolution used by Duty.
const DutyRange = 1023

// Driver applies a full set of channel outputs in one call.
type Driver interface {
	Apply(outs []device.Output) error
}

// Duty converts a logical output to a raw duty value in [0, DutyRange].
// Active-low wiring inverts the scale so that off drives the pin high.
func Duty(o device.Output, inverted bool) int {
	raw := 0
	if o.State {
		raw = device.ClampBrightness(o.Brightness) * DutyRange / device.MaxBrightness
	}
	if inverted {
		return DutyRange - raw
	}
	return raw
}
