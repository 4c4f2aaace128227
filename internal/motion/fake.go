package motion

import "errors"

// FakeSensor returns scripted samples. Once exhausted it repeats the last one.
type FakeSensor struct {
	Samples []bool
	index   int

	// ReadError, if set, is returned by Read.
	ReadError error

	Closed bool
}

// NewFakeSensor creates a FakeSensor with the given samples.
func NewFakeSensor(samples ...bool) *FakeSensor {
	return &FakeSensor{Samples: samples}
}

func (f *FakeSensor) Read() (bool, error) {
	if f.ReadError != nil {
		return false, f.ReadError
	}
	if len(f.Samples) == 0 {
		return false, errors.New("no samples configured")
	}
	v := f.Samples[f.index]
	if f.index < len(f.Samples)-1 {
		f.index++
	}
	return v, nil
}

func (f *FakeSensor) Close() error {
	f.Closed = true
	return nil
}
