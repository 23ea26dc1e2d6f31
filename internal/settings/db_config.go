package settings

import (
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"
)

// snapshot holds the in-memory DB config values.
type snapshot struct {
	updatedAt time.Time
	values    map[string]json.RawMessage
}

// Store is a read-mostly view of the settings table. Readers never touch the DB;
// Refresh swaps the whole snapshot atomically.
type Store struct {
	current atomic.Value // stores snapshot
}

// NewStore returns an empty store. Call Refresh to load the DB rows.
func NewStore() *Store {
	s := &Store{}
	s.current.Store(snapshot{values: map[string]json.RawMessage{}})
	return s
}

// Replace swaps the snapshot with a copy of values.
func (s *Store) Replace(updatedAt time.Time, values map[string]json.RawMessage) {
	if s == nil {
		return
	}
	next := make(map[string]json.RawMessage, len(values))
	for k, v := range values {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		next[key] = append(json.RawMessage(nil), v...)
	}
	s.current.Store(snapshot{updatedAt: updatedAt.UTC(), values: next})
}

// UpdatedAt returns the newest row timestamp of the loaded snapshot.
func (s *Store) UpdatedAt() time.Time {
	return s.load().updatedAt
}

// Value returns a copy of the raw value for a key.
func (s *Store) Value(key string) (json.RawMessage, bool) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false
	}
	val, ok := s.load().values[key]
	if !ok {
		return nil, false
	}
	return append(json.RawMessage(nil), val...), true
}

// All returns a copy of every loaded value.
func (s *Store) All() map[string]json.RawMessage {
	cur := s.load()
	out := make(map[string]json.RawMessage, len(cur.values))
	for k, v := range cur.values {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

// Int returns the integer value for key, or def when missing or malformed.
func (s *Store) Int(key string, def int) int {
	raw, ok := s.Value(key)
	if !ok {
		return def
	}
	if parsed, okParse := ParseInt(raw); okParse {
		return parsed
	}
	return def
}

// PositiveInt is Int but falls back to def for values below one.
func (s *Store) PositiveInt(key string, def int) int {
	if v := s.Int(key, def); v > 0 {
		return v
	}
	return def
}

// Seconds reads an integer number of seconds as a duration.
func (s *Store) Seconds(key string, def int) time.Duration {
	return time.Duration(s.PositiveInt(key, def)) * time.Second
}

func (s *Store) load() snapshot {
	if s == nil {
		return snapshot{values: map[string]json.RawMessage{}}
	}
	cur, ok := s.current.Load().(snapshot)
	if !ok || cur.values == nil {
		return snapshot{updatedAt: cur.updatedAt, values: map[string]json.RawMessage{}}
	}
	return cur
}
