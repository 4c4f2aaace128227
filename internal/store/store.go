package store

import (
	"errors"
	"time"

	"ledbar/internal/device"
)

var (
	// ErrNotFound is returned when no settings document has been saved yet.
	ErrNotFound = errors.New("not found")
	// ErrCorrupt is returned when the stored document cannot be decoded.
	ErrCorrupt = errors.New("corrupt settings document")
)

// Store persists the device document and a capped change history.
type Store interface {
	Load() (*device.Config, error)
	Save(cfg *device.Config) error

	AppendHistory(entries ...HistoryEntry) error
	ListHistory(limit int) ([]HistoryEntry, error)

	Close() error
}

// HistoryEntry records one applied channel change.
type HistoryEntry struct {
	Time       time.Time `json:"time"`
	ChannelID  string    `json:"channel_id"`
	Reason     string    `json:"reason"`
	State      bool      `json:"state"`
	Brightness int       `json:"brightness"`
}
