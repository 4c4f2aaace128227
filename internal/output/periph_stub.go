//go:build !linux

package output

import (
	"errors"
	"log/slog"
)

// PeriphDriver is unavailable off Linux.
type PeriphDriver struct{ LogDriver }

func NewPeriphDriver(inverted bool, frequencyHz int, logger *slog.Logger) (*PeriphDriver, error) {
	return nil, errors.New("periph PWM driver requires linux")
}

func (d *PeriphDriver) Close() error { return nil }
