package store

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"

	"ledbar/internal/device"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path, 5)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLoadEmpty(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load()
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load() err = %v, want ErrNotFound", err)
	}
}

func TestSaveAndLoad(t *testing.T) {
	s := newTestStore(t)

	cfg := device.Default()
	cfg.DeviceName = "porch"
	cfg.TimezoneOffset = 3600
	cfg.Channels = append(cfg.Channels, device.Channel{
		ID:                  "D2",
		ManualState:         true,
		ManualBrightness:    40,
		IRCode:              "FF30CF",
		ScheduleEnabled:     true,
		ScheduleStart:       device.TimeOfDay{Hour: 8},
		ScheduleEnd:         device.TimeOfDay{Hour: 17, Minute: 30},
		ScheduledBrightness: 70,
	})
	if err := s.Save(cfg); err != nil {
		t.Fatal(err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if got.DeviceName != "porch" || got.TimezoneOffset != 3600 {
		t.Errorf("device = %q/%d", got.DeviceName, got.TimezoneOffset)
	}
	if len(got.Channels) != 2 {
		t.Fatalf("channels = %d, want 2", len(got.Channels))
	}
	ch := got.Channels[1]
	if !ch.ManualState || ch.ManualBrightness != 40 || ch.IRCode != "FF30CF" {
		t.Errorf("D2 manual = %v/%d/%q", ch.ManualState, ch.ManualBrightness, ch.IRCode)
	}
	if ch.ScheduleEnd != (device.TimeOfDay{Hour: 17, Minute: 30}) {
		t.Errorf("D2 end = %v", ch.ScheduleEnd)
	}
}

func TestLoadCorrupt(t *testing.T) {
	s := newTestStore(t)
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put(keyConfig, []byte("{not json"))
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Load(); !errors.Is(err, ErrCorrupt) {
		t.Fatalf("Load() err = %v, want ErrCorrupt", err)
	}
}

func TestLoadOrDefaultPersistsDefaults(t *testing.T) {
	s := newTestStore(t)
	cfg, err := LoadOrDefault(s, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DeviceName != device.DefaultName || len(cfg.Channels) != 1 {
		t.Errorf("default config = %+v", cfg)
	}

	stored, err := s.Load()
	if err != nil {
		t.Fatalf("defaults not written back: %v", err)
	}
	if stored.Channels[0].ManualBrightness != 100 {
		t.Errorf("stored brightness = %d", stored.Channels[0].ManualBrightness)
	}
}

func TestLoadOrDefaultReplacesCorrupt(t *testing.T) {
	s := newTestStore(t)
	s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSettings).Put(keyConfig, []byte("garbage"))
	})
	cfg, err := LoadOrDefault(s, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Channels[0].ID != "D1" {
		t.Errorf("channel = %q", cfg.Channels[0].ID)
	}
	if _, err := s.Load(); err != nil {
		t.Errorf("Load() after repair = %v", err)
	}
}

func TestLoadOrDefaultNormalizes(t *testing.T) {
	s := newTestStore(t)
	s.Save(&device.Config{
		DeviceName: "-bad-",
		Channels:   []device.Channel{{ID: "A", ManualBrightness: 400}, {ID: "A"}},
	})
	cfg, err := LoadOrDefault(s, testLogger())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DeviceName != device.DefaultName {
		t.Errorf("name = %q", cfg.DeviceName)
	}
	if len(cfg.Channels) != 1 || cfg.Channels[0].ManualBrightness != 100 {
		t.Errorf("channels = %+v", cfg.Channels)
	}
}

func TestHistoryCapped(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 8; i++ {
		err := s.AppendHistory(HistoryEntry{
			Time:       base.Add(time.Duration(i) * time.Minute),
			ChannelID:  "D1",
			Reason:     "tick",
			Brightness: i,
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	all, err := s.ListHistory(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("history len = %d, want 5", len(all))
	}
	if all[0].Brightness != 7 || all[4].Brightness != 3 {
		t.Errorf("history order = %d..%d, want 7..3", all[0].Brightness, all[4].Brightness)
	}

	two, _ := s.ListHistory(2)
	if len(two) != 2 || two[1].Brightness != 6 {
		t.Errorf("ListHistory(2) = %+v", two)
	}
}

func TestHistoryCappedWithinBatch(t *testing.T) {
	s := newTestStore(t)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	batch := make([]HistoryEntry, 20)
	for i := range batch {
		batch[i] = HistoryEntry{Time: base.Add(time.Duration(i) * time.Second), ChannelID: "D1", Brightness: i}
	}
	if err := s.AppendHistory(batch...); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListHistory(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("history len = %d, want 5", len(all))
	}
	if all[0].Brightness != 19 || all[4].Brightness != 15 {
		t.Errorf("history order = %d..%d, want 19..15", all[0].Brightness, all[4].Brightness)
	}
}

func TestAppendHistoryEmpty(t *testing.T) {
	s := newTestStore(t)
	if err := s.AppendHistory(); err != nil {
		t.Fatal(err)
	}
	got, _ := s.ListHistory(0)
	if len(got) != 0 {
		t.Errorf("history = %v", got)
	}
}
