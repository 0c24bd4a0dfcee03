// Package store is the persistent message cache: the raw event log plus the
// derived message table per conversation, both in one pebble keyspace. The
// message table is always reconstructible from the log.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"

	"threadline/pkg/logger"
	"threadline/pkg/models"
	"threadline/pkg/store/keys"
	"threadline/pkg/timeline"
)

// Options tunes store behavior.
type Options struct {
	// PendingBound is how many folds an unresolved modifier survives.
	PendingBound int
	// DisableWAL turns off pebble's WAL; only tests should do this.
	DisableWAL bool
}

// Store owns the pebble database and the per-conversation fold state. All
// folds for one conversation are serialized; different conversations
// proceed independently.
type Store struct {
	db   *pebble.DB
	path string

	mu    sync.Mutex
	convs map[string]*convState

	pendingBound int
	writeOpts    *pebble.WriteOptions
}

type convState struct {
	mu      sync.Mutex
	pending *timeline.Pending
}

// Open opens or creates the store at path.
func Open(path string, opts Options) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{DisableWAL: opts.DisableWAL})
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, transientErr("open", err)
	}
	bound := opts.PendingBound
	if bound <= 0 {
		bound = timeline.DefaultPendingFolds
	}
	wo := pebble.Sync
	if opts.DisableWAL {
		// pebble rejects sync writes when the WAL is off
		wo = pebble.NoSync
	}
	logger.Info("store_opened", "path", path)
	return &Store{
		db:           db,
		path:         path,
		convs:        make(map[string]*convState),
		pendingBound: bound,
		writeOpts:    wo,
	}, nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Path returns the on-disk location of the store.
func (s *Store) Path() string { return s.path }

// DB exposes the underlying pebble handle for migrations and inspection.
func (s *Store) DB() *pebble.DB { return s.db }

// conv returns the fold state for a conversation, creating it on first use.
func (s *Store) conv(key string) *convState {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.convs[key]
	if !ok {
		cs = &convState{pending: timeline.NewPending(s.pendingBound)}
		s.convs[key] = cs
	}
	return cs
}

// get reads a key and unmarshals JSON into out. Returns pebble.ErrNotFound
// untouched so callers can distinguish absence.
func (s *Store) get(key string, out any) error {
	v, closer, err := s.db.Get([]byte(key))
	if err != nil {
		return err
	}
	defer closer.Close()
	if err := json.Unmarshal(v, out); err != nil {
		return corruptErr("get "+key, err)
	}
	return nil
}

func (s *Store) has(key string) (bool, error) {
	_, closer, err := s.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, transientErr("has "+key, err)
	}
	closer.Close()
	return true, nil
}

func (s *Store) writeOpt() *pebble.WriteOptions { return s.writeOpts }

// WriteOpt exposes the store's write options for migrations and tests that
// write through the underlying pebble handle.
func (s *Store) WriteOpt() *pebble.WriteOptions { return s.writeOpts }

// Conversations lists all known conversation keys.
func (s *Store) Conversations() ([]models.Conversation, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, transientErr("conversations", err)
	}
	defer iter.Close()
	var out []models.Conversation
	for iter.SeekGE([]byte("c:")); iter.Valid(); iter.Next() {
		key := string(iter.Key())
		if key >= "d" {
			break
		}
		if len(key) < 5 || key[len(key)-5:] != ":meta" {
			continue
		}
		var c models.Conversation
		if err := json.Unmarshal(iter.Value(), &c); err != nil {
			logger.Warn("conversation_meta_invalid", "key", key, "error", err)
			continue
		}
		out = append(out, c)
	}
	if err := iter.Error(); err != nil {
		return nil, transientErr("conversations", err)
	}
	return out, nil
}

// loadMeta returns the conversation meta record, zero-valued when absent.
func (s *Store) loadMeta(conv string) (models.Conversation, error) {
	var meta models.Conversation
	err := s.get(keys.GenMetaKey(conv), &meta)
	if errors.Is(err, pebble.ErrNotFound) {
		return models.Conversation{Key: conv}, nil
	}
	if err != nil {
		return meta, err
	}
	return meta, nil
}

// EventLog returns the conversation's raw events in log order.
func (s *Store) EventLog(conv string) ([]models.Event, error) {
	if err := keys.ValidateConversation(conv); err != nil {
		return nil, err
	}
	prefix := []byte(keys.EventPrefix(conv))
	iter, err := s.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, transientErr("event_log", err)
	}
	defer iter.Close()
	var out []models.Event
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !hasPrefix(iter.Key(), prefix) {
			break
		}
		var ev models.Event
		if err := json.Unmarshal(iter.Value(), &ev); err != nil {
			// the log is the source of truth; a broken entry is skipped
			// rather than blocking replay
			logger.Warn("event_log_entry_invalid", "conversation", conv, "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, ev)
	}
	if err := iter.Error(); err != nil {
		return nil, transientErr("event_log", err)
	}
	return out, nil
}

func hasPrefix(b, prefix []byte) bool {
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

// prefixUpperBound returns the smallest key greater than every key with the
// prefix.
func prefixUpperBound(prefix string) []byte {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			out := append([]byte(nil), b[:i+1]...)
			out[i]++
			return out
		}
	}
	return nil
}

func marshal(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		// all persisted types marshal cleanly; this signals a programming
		// error, not a runtime condition
		panic(fmt.Sprintf("marshal %T: %v", v, err))
	}
	return b
}
