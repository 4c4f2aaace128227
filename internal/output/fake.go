package output

import (
	"sync"

	"ledbar/internal/device"
)

// Fake is a test double that records every Apply call.
type Fake struct {
	mu    sync.Mutex
	calls [][]device.Output

	// Err, if set, is returned by Apply after the call is recorded.
	Err error
}

func (f *Fake) Apply(outs []device.Output) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]device.Output, len(outs))
	copy(cp, outs)
	f.calls = append(f.calls, cp)
	return f.Err
}

// Calls returns the number of Apply calls.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// Last returns the outputs of the most recent call, or nil.
func (f *Fake) Last() []device.Output {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

// LastFor returns the last applied output for a channel.
func (f *Fake) LastFor(id string) (device.Output, bool) {
	for _, o := range f.Last() {
		if o.ChannelID == id {
			return o, true
		}
	}
	return device.Output{}, false
}
