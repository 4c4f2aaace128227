package clock

import (
	"testing"
	"time"
)

func TestSystemOffset(t *testing.T) {
	c := NewSystem(0)
	c.now = func() time.Time { return time.Date(2024, 3, 1, 23, 30, 0, 0, time.UTC) }

	h, m := c.Now()
	if h != 23 || m != 30 {
		t.Fatalf("Now() = %02d:%02d, want 23:30", h, m)
	}

	c.SetTimezoneOffset(2 * 3600)
	h, m = c.Now()
	if h != 1 || m != 30 {
		t.Fatalf("Now() with +2h = %02d:%02d, want 01:30", h, m)
	}

	c.SetTimezoneOffset(-45 * 60)
	h, m = c.Now()
	if h != 22 || m != 45 {
		t.Fatalf("Now() with -45m = %02d:%02d, want 22:45", h, m)
	}
}

func TestSystemUsesUTC(t *testing.T) {
	loc := time.FixedZone("X", 5*3600)
	c := NewSystem(0)
	c.now = func() time.Time { return time.Date(2024, 3, 1, 10, 0, 0, 0, loc) }
	if h, _ := c.Now(); h != 5 {
		t.Errorf("hour = %d, want 5", h)
	}
}

func TestFixed(t *testing.T) {
	c := NewFixed(20, 0)
	if h, m := c.Now(); h != 20 || m != 0 {
		t.Fatalf("Now() = %d:%d", h, m)
	}
	c.Set(6, 1)
	if h, m := c.Now(); h != 6 || m != 1 {
		t.Fatalf("Now() after Set = %d:%d", h, m)
	}
	c.SetTimezoneOffset(3600)
	if c.Offset() != 3600 {
		t.Errorf("Offset() = %d", c.Offset())
	}
}
