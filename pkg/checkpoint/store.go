package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/dotsetgreg/threadline/pkg/logger"
)

// Tier identifies which storage layer currently backs the store.
type Tier int

const (
	// TierDurable persists at the configured on-disk path.
	TierDurable Tier = iota
	// TierTemp persists in the temporary-files area.
	TierTemp
	// TierMemory holds state in-process only.
	TierMemory
)

func (t Tier) String() string {
	switch t {
	case TierDurable:
		return "durable"
	case TierTemp:
		return "temp"
	case TierMemory:
		return "memory"
	default:
		return "unknown"
	}
}

var checkpointBucket = []byte("checkpoints")

// Store persists one ConversationState per thread id, overwriting the whole
// record on every save. Tiers are attempted in order at construction and a
// failing write downgrades to the next tier for the rest of the process
// lifetime; the store never re-promotes on its own.
//
// Access is serialized by an internal mutex; the bolt file is opened per
// operation so concurrent processes writing the same durable file see
// last-writer-wins without partial records.
type Store struct {
	mu   sync.Mutex
	tier Tier
	path string
	mem  map[string][]byte
}

// NewStore probes the configured path and settles on the best writable tier.
func NewStore(configuredPath string) *Store {
	s := &Store{mem: map[string][]byte{}}

	if path := probeWritable(configuredPath); path != "" {
		s.tier = TierDurable
		s.path = path
		return s
	}
	logger.WarnCF("checkpoint", "Configured checkpoint path unwritable, trying temp area", map[string]interface{}{
		"path": configuredPath,
	})

	tmpPath := filepath.Join(os.TempDir(), fmt.Sprintf("threadline_checkpoints_%s.db", uuid.NewString()[:8]))
	if path := probeWritable(tmpPath); path != "" {
		s.tier = TierTemp
		s.path = path
		logger.WarnCF("checkpoint", "Using temporary checkpoint file", map[string]interface{}{
			"path": path,
		})
		return s
	}

	s.tier = TierMemory
	logger.WarnCF("checkpoint", "No writable disk location, conversation state will not survive restarts", nil)
	return s
}

// probeWritable ensures the parent dir exists and the bolt file opens at
// path, returning path on success and "" otherwise.
func probeWritable(path string) string {
	if path == "" {
		return ""
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return ""
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return ""
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(checkpointBucket)
		return e
	})
	_ = db.Close()
	if err != nil {
		return ""
	}
	return path
}

// Tier reports the currently active storage tier.
func (s *Store) Tier() Tier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tier
}

// Load returns the checkpoint for id, reporting absence without error.
func (s *Store) Load(id string) (ConversationState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw []byte
	if s.tier == TierMemory {
		raw = s.mem[id]
	} else {
		db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: 2 * time.Second, ReadOnly: false})
		if err != nil {
			return ConversationState{}, false, fmt.Errorf("open checkpoint db: %w", err)
		}
		err = db.View(func(tx *bolt.Tx) error {
			b := tx.Bucket(checkpointBucket)
			if b == nil {
				return nil
			}
			if v := b.Get([]byte(id)); v != nil {
				raw = append([]byte(nil), v...)
			}
			return nil
		})
		_ = db.Close()
		if err != nil {
			return ConversationState{}, false, fmt.Errorf("read checkpoint: %w", err)
		}
	}

	if len(raw) == 0 {
		return ConversationState{}, false, nil
	}
	var state ConversationState
	if err := json.Unmarshal(raw, &state); err != nil {
		return ConversationState{}, false, fmt.Errorf("decode checkpoint %s: %w", id, err)
	}
	return state, true, nil
}

// Save overwrites the checkpoint for id. A failing write downgrades to the
// next tier and retries once; only a memory-tier failure is terminal.
func (s *Store) Save(id string, state ConversationState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writeLocked(id, raw); err == nil {
		return nil
	} else if s.tier == TierMemory {
		return err
	} else {
		logger.WarnCF("checkpoint", "Checkpoint write failed, downgrading tier", map[string]interface{}{
			"thread_id": id,
			"tier":      s.tier.String(),
			"error":     err.Error(),
		})
	}

	s.downgradeLocked()
	return s.writeLocked(id, raw)
}

func (s *Store) writeLocked(id string, raw []byte) error {
	if s.tier == TierMemory {
		s.mem[id] = raw
		return nil
	}
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return fmt.Errorf("open checkpoint db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		b, e := tx.CreateBucketIfNotExists(checkpointBucket)
		if e != nil {
			return e
		}
		return b.Put([]byte(id), raw)
	})
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	return nil
}

func (s *Store) downgradeLocked() {
	switch s.tier {
	case TierDurable:
		tmpPath := filepath.Join(os.TempDir(), fmt.Sprintf("threadline_checkpoints_%s.db", uuid.NewString()[:8]))
		if path := probeWritable(tmpPath); path != "" {
			s.tier = TierTemp
			s.path = path
			logger.WarnCF("checkpoint", "Downgraded to temporary checkpoint file", map[string]interface{}{
				"path": path,
			})
			return
		}
		fallthrough
	case TierTemp:
		s.tier = TierMemory
		s.path = ""
		logger.WarnCF("checkpoint", "Downgraded to in-memory checkpoints; state will not survive restarts", nil)
	}
}
