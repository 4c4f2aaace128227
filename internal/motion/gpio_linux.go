//go:build linux

package motion

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// GPIOSensor reads a PIR output through the Linux GPIO character device.
type GPIOSensor struct {
	chip      *gpiocdev.Chip
	line      *gpiocdev.Line
	activeLow bool
}

// NewGPIOSensor requests offset on chip (e.g. "gpiochip0") as a pulled-down input.
func NewGPIOSensor(chip string, offset int, activeLow bool) (*GPIOSensor, error) {
	c, err := gpiocdev.NewChip(chip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chip, err)
	}
	l, err := c.RequestLine(offset, gpiocdev.AsInput, gpiocdev.WithPullDown)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("request motion line %d: %w", offset, err)
	}
	return &GPIOSensor{chip: c, line: l, activeLow: activeLow}, nil
}

func (s *GPIOSensor) Read() (bool, error) {
	v, err := s.line.Value()
	if err != nil {
		return false, fmt.Errorf("read motion line: %w", err)
	}
	if s.activeLow {
		return v == 0, nil
	}
	return v == 1, nil
}

func (s *GPIOSensor) Close() error {
	var errs []error
	if s.line != nil {
		if err := s.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close line: %w", err))
		}
	}
	if s.chip != nil {
		if err := s.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
