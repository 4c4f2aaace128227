package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"

	"ledbar/internal/device"
)

var (
	bucketSettings = []byte("settings")
	bucketHistory  = []byte("history")
	keyConfig      = []byte("config")
)

// DefaultHistoryLimit caps the history bucket when no limit is configured.
const DefaultHistoryLimit = 500

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db           *bolt.DB
	historyLimit int
}

// NewBoltStore opens or creates a BoltDB database. historyLimit <= 0 selects
// DefaultHistoryLimit.
func NewBoltStore(path string, historyLimit int) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketSettings, bucketHistory} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &BoltStore{db: db, historyLimit: historyLimit}, nil
}

func (s *BoltStore) Load() (*device.Config, error) {
	var cfg device.Config
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSettings)
		}
		data := b.Get(keyConfig)
		if data == nil {
			return fmt.Errorf("settings: %w", ErrNotFound)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *BoltStore) Save(cfg *device.Config) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketSettings)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketSettings)
		}
		return b.Put(keyConfig, data)
	})
}

// AppendHistory stores entries in order and trims the oldest beyond the limit.
func (s *BoltStore) AppendHistory(entries ...HistoryEntry) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketHistory)
		}
		for _, e := range entries {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			if err := b.Put(seqKey(seq), data); err != nil {
				return err
			}
		}

		// Keys are big-endian sequence numbers, so everything below the
		// cutoff is older than the newest historyLimit entries.
		last := b.Sequence()
		if last <= uint64(s.historyLimit) {
			return nil
		}
		cutoff := seqKey(last - uint64(s.historyLimit) + 1)
		c := b.Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, _ = c.First() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListHistory returns up to limit entries, newest first. limit <= 0 returns all.
func (s *BoltStore) ListHistory(limit int) ([]HistoryEntry, error) {
	var out []HistoryEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var e HistoryEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

// Loader is the read/write half of a Store used at boot.
type Loader interface {
	Load() (*device.Config, error)
	Save(cfg *device.Config) error
}

// LoadOrDefault loads the settings document. A missing or corrupt document is
// replaced by device.Default and written back immediately. The returned
// document is normalised.
func LoadOrDefault(s Loader, logger *slog.Logger) (*device.Config, error) {
	cfg, err := s.Load()
	switch {
	case err == nil:
		if dropped := cfg.Normalize(); len(dropped) > 0 {
			logger.Warn("dropped invalid channels from stored settings", "ids", dropped)
		}
		return cfg, nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCorrupt):
		logger.Warn("using default settings", "reason", err)
		cfg = device.Default()
		if err := s.Save(cfg); err != nil {
			return nil, fmt.Errorf("save default settings: %w", err)
		}
		return cfg, nil
	default:
		return nil, fmt.Errorf("load settings: %w", err)
	}
}
