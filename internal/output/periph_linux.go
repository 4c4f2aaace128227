//go:build linux

package output

import (
	"fmt"
	"log/slog"
	"sync"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"ledbar/internal/device"
)

// PeriphDriver drives hardware PWM through periph.io.
type PeriphDriver struct {
	inverted  bool
	frequency physic.Frequency
	logger    *slog.Logger

	mu   sync.Mutex
	pins map[string]gpio.PinIO
}

// NewPeriphDriver initialises the host. frequencyHz <= 0 selects 1 kHz.
func NewPeriphDriver(inverted bool, frequencyHz int, logger *slog.Logger) (*PeriphDriver, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	f := physic.KiloHertz
	if frequencyHz > 0 {
		f = physic.Frequency(frequencyHz) * physic.Hertz
	}
	return &PeriphDriver{
		inverted:  inverted,
		frequency: f,
		logger:    logger,
		pins:      make(map[string]gpio.PinIO),
	}, nil
}

func (d *PeriphDriver) pin(name string) (gpio.PinIO, error) {
	if p, ok := d.pins[name]; ok {
		return p, nil
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("pin %q not found", name)
	}
	d.pins[name] = p
	return p, nil
}

// Apply writes every output. It keeps going after a failed pin and returns the
// first error.
func (d *PeriphDriver) Apply(outs []device.Output) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	for _, o := range outs {
		if err := d.write(o); err != nil {
			d.logger.Warn("pwm write failed", "channel", o.ChannelID, "pin", o.Pin, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (d *PeriphDriver) write(o device.Output) error {
	p, err := d.pin(o.Pin)
	if err != nil {
		return err
	}
	raw := Duty(o, d.inverted)
	switch raw {
	case 0:
		return p.Out(gpio.Low)
	case DutyRange:
		return p.Out(gpio.High)
	}
	duty := gpio.Duty(int64(raw) * int64(gpio.DutyMax) / DutyRange)
	return p.PWM(duty, d.frequency)
}

// Close drives every used pin to its off level.
func (d *PeriphDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	off := gpio.Low
	if d.inverted {
		off = gpio.High
	}
	for _, p := range d.pins {
		p.Out(off)
	}
	return nil
}
