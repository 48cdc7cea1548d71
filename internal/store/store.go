// Package store implements the TTL-aware key-value map at the heart of the
// server. It is intentionally bare: callers are expected to serialize
// access externally (see internal/server), so Store carries no lock of its
// own.
package store

import (
	"errors"
	"math"
	"time"
)

// ErrTTLOverflow is returned by Set when now+ttl overflows.
var ErrTTLOverflow = errors.New("ERR invalid expire time in 'set' command")

// maxTTLMillis is the largest millisecond count that survives conversion
// to a time.Duration (nanoseconds, int64) without overflowing. Checking
// *ttl against this bound before the multiply is the only reliable test:
// checking the post-multiply result's sign is not, since wraparound lands
// on an arbitrary int64, often still positive.
const maxTTLMillis = uint64(math.MaxInt64 / int64(time.Millisecond))

// Entry is a stored value with an optional absolute expiry instant.
type Entry struct {
	Value     []byte
	ExpiresAt time.Time // zero value means no expiry
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Store is a mapping of key to Entry with unique keys and lazy expiry.
type Store struct {
	data map[string]Entry
	now  func() time.Time // overridable for tests
}

// New returns an empty Store.
func New() *Store {
	return &Store{data: make(map[string]Entry), now: time.Now}
}

// Set unconditionally writes key to value. If ttl is non-nil, the entry
// expires ttl milliseconds from now; a zero ttl expires on the very next
// access. Set reports ErrTTLOverflow if now+ttl cannot be represented.
func (s *Store) Set(key string, value []byte, ttl *uint64) error {
	entry := Entry{Value: value}
	if ttl != nil {
		if *ttl > maxTTLMillis {
			return ErrTTLOverflow
		}
		now := s.now()
		entry.ExpiresAt = now.Add(time.Duration(*ttl) * time.Millisecond)
	}
	s.data[key] = entry
	return nil
}

// Get returns the value for key and true, or nil and false if the key is
// absent or has expired. A lazily-discovered expiry also deletes the key.
func (s *Store) Get(key string) ([]byte, bool) {
	entry, ok := s.data[key]
	if !ok {
		return nil, false
	}
	if entry.expired(s.now()) {
		delete(s.data, key)
		return nil, false
	}
	return entry.Value, true
}

// Delete removes key unconditionally. It reports whether the key had been
// present (and not already lazily expired).
func (s *Store) Delete(key string) bool {
	_, ok := s.Get(key)
	if ok {
		delete(s.data, key)
	}
	return ok
}

// Len reports the number of entries, including not-yet-swept expired ones.
func (s *Store) Len() int {
	return len(s.data)
}

// Sweep removes every entry that is currently expired. It is an optional
// bulk pass; correctness never depends on it running, only lazy expiry
// does.
func (s *Store) Sweep() int {
	now := s.now()
	removed := 0
	for key, entry := range s.data {
		if entry.expired(now) {
			delete(s.data, key)
			removed++
		}
	}
	return removed
}
