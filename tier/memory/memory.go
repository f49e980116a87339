// Package memory implements the in-process tier: a synchronous map with lazy
// expiry and support for soonest-expiry eviction. It is always the first tier
// consulted on reads.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/elevow/table-sub005/tier"
)

type record struct {
	raw       []byte
	expiresAt int64 // unix nanoseconds; 0 = no expiry
}

type nsStat struct {
	count int
	bytes int64
}

// Store is a synchronous in-process byte store. The zero value is not usable;
// construct with New.
type Store struct {
	mu      sync.RWMutex
	entries map[string]record
	stats   map[string]nsStat // keyed by namespace prefix ("<ns>:")
	now     func() time.Time
	closed  bool
}

var (
	_ tier.Tier    = (*Store)(nil)
	_ tier.Evicter = (*Store)(nil)
)

type Config struct {
	// Now overrides the clock; nil means time.Now. Tests use it to cross
	// expiry boundaries without sleeping.
	Now func() time.Time
}

func New(cfg Config) *Store {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		entries: make(map[string]record),
		stats:   make(map[string]nsStat),
		now:     now,
	}
}

func (s *Store) Name() tier.Name { return tier.Memory }

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, false, tier.ErrClosed
	}
	r, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if s.expired(r) {
		s.mu.Lock()
		// re-check under the write lock; a fresh Set may have replaced it
		if cur, ok := s.entries[key]; ok && s.expired(cur) {
			s.remove(key, cur)
		}
		s.mu.Unlock()
		return nil, false, nil
	}
	return r.raw, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var exp int64
	if ttl > 0 {
		exp = s.now().Add(ttl).UnixNano()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return tier.ErrClosed
	}
	if old, ok := s.entries[key]; ok {
		s.remove(key, old)
	}
	s.entries[key] = record{raw: value, expiresAt: exp}
	st := s.stats[statKey(key)]
	st.count++
	st.bytes += int64(len(value))
	s.stats[statKey(key)] = st
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return tier.ErrClosed
	}
	if r, ok := s.entries[key]; ok {
		s.remove(key, r)
	}
	return nil
}

func (s *Store) DeleteMatching(_ context.Context, prefix string, match tier.MatchFunc) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, tier.ErrClosed
	}
	removed := 0
	for k, r := range s.entries {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if s.expired(r) {
			s.remove(k, r) // housekeeping, not counted
			continue
		}
		if match == nil || match(k, r.raw) {
			s.remove(k, r)
			removed++
		}
	}
	return removed, nil
}

// CountPrefix returns live entries under prefix. Expired-but-unswept entries
// still count; the total is an eviction trigger, not an exact census.
func (s *Store) CountPrefix(prefix string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats[prefix].count
}

func (s *Store) BytesPrefix(prefix string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats[prefix].bytes
}

// EvictSoonest removes up to n entries under prefix ordered by soonest
// expiry. Entries without expiry are evicted last.
func (s *Store) EvictSoonest(prefix string, n int) int {
	if n <= 0 {
		return 0
	}

	type cand struct {
		key string
		exp int64
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}

	cands := make([]cand, 0, n)
	for k, r := range s.entries {
		if strings.HasPrefix(k, prefix) {
			cands = append(cands, cand{key: k, exp: r.expiresAt})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		ei, ej := cands[i].exp, cands[j].exp
		if ei == 0 {
			return false
		}
		if ej == 0 {
			return true
		}
		return ei < ej
	})

	if n > len(cands) {
		n = len(cands)
	}
	for _, c := range cands[:n] {
		s.remove(c.key, s.entries[c.key])
	}
	return n
}

func (s *Store) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.entries = nil
	s.stats = nil
	return nil
}

// remove must be called with the write lock held.
func (s *Store) remove(key string, r record) {
	delete(s.entries, key)
	sk := statKey(key)
	st := s.stats[sk]
	st.count--
	st.bytes -= int64(len(r.raw))
	if st.count <= 0 {
		delete(s.stats, sk)
	} else {
		s.stats[sk] = st
	}
}

func (s *Store) expired(r record) bool {
	return r.expiresAt != 0 && s.now().UnixNano() >= r.expiresAt
}

func statKey(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i+1]
	}
	return ""
}
