package output

import (
	"log/slog"

	"ledbar/internal/device"
)

// LogDriver records outputs in the log instead of touching hardware.
type LogDriver struct {
	inverted bool
	logger   *slog.Logger
}

// NewLogDriver returns a driver for hosts without PWM pins.
func NewLogDriver(inverted bool, logger *slog.Logger) *LogDriver {
	return &LogDriver{inverted: inverted, logger: logger}
}

func (d *LogDriver) Apply(outs []device.Output) error {
	for _, o := range outs {
		d.logger.Info("pwm",
			"channel", o.ChannelID,
			"pin", o.Pin,
			"state", o.State,
			"brightness", o.Brightness,
			"duty", Duty(o, d.inverted),
		)
	}
	return nil
}
