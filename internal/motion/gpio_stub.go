//go:build !linux

package motion

import "errors"

// GPIOSensor is not available on non-Linux platforms.
type GPIOSensor struct{}

// NewGPIOSensor returns an error on non-Linux platforms.
func NewGPIOSensor(chip string, offset int, activeLow bool) (*GPIOSensor, error) {
	return nil, errors.New("motion: gpio not supported on this platform (requires Linux)")
}

func (s *GPIOSensor) Read() (bool, error) {
	return false, errors.New("motion: gpio not supported")
}

func (s *GPIOSensor) Close() error {
	return nil
}
