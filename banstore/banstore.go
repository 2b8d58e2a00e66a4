// Package banstore tracks banned remote addresses. The server consults it
// during the connection gate and records new bans issued at runtime; the
// zero store is an in-process map, with an optional SQLite-backed store for
// bans that survive restarts.
package banstore

import (
	"sync"
	"time"
)

// Record is one ban. Length is display text surfaced to the banned peer
// ("7 Days"); Expires bounds the ban, with the zero time meaning permanent.
type Record struct {
	Addr    string
	By      string
	Length  string
	Reason  string
	Created time.Time
	Expires time.Time
}

// Expired reports whether the ban has lapsed at now.
func (r Record) Expired(now time.Time) bool {
	return !r.Expires.IsZero() && now.After(r.Expires)
}

// Store is a ban registry keyed by remote address. Implementations must be
// safe for concurrent use; expired records behave as absent.
type Store interface {
	Add(rec Record) error
	Lookup(addr string) (Record, bool, error)
	Remove(addr string) (bool, error)
	Close() error
}

// Memory is the in-process Store. Expired records are dropped lazily on
// lookup.
type Memory struct {
	mu   sync.RWMutex
	recs map[string]Record
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{recs: make(map[string]Record)}
}

func (m *Memory) Add(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.Addr] = rec
	return nil
}

func (m *Memory) Lookup(addr string) (Record, bool, error) {
	m.mu.RLock()
	rec, ok := m.recs[addr]
	m.mu.RUnlock()
	if !ok {
		return Record{}, false, nil
	}
	if rec.Expired(time.Now()) {
		m.mu.Lock()
		// Re-check under the write lock; another ban may have replaced it.
		if cur, ok := m.recs[addr]; ok && cur.Expired(time.Now()) {
			delete(m.recs, addr)
		}
		m.mu.Unlock()
		return Record{}, false, nil
	}
	return rec, true, nil
}

func (m *Memory) Remove(addr string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[addr]; !ok {
		return false, nil
	}
	delete(m.recs, addr)
	return true, nil
}

func (m *Memory) Close() error { return nil }
