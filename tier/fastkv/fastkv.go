// Package fastkv implements the synchronous, quota-limited local tier on top
// of allegro/bigcache. The byte budget is enforced by the adapter: a write
// that would exceed it is rejected with tier.ErrQuotaExceeded after one
// purge-expired-and-retry cycle, mirroring how quota-limited local stores
// behave elsewhere.
//
// BigCache has no per-entry TTL; entries rely on the envelope expiry header
// for lazy expiry, with the backing LifeWindow as a coarse backstop.
package fastkv

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/elevow/table-sub005/internal/wire"
	"github.com/elevow/table-sub005/tier"
)

type Store struct {
	c *bc.BigCache

	mu   sync.Mutex
	used int64 // approximate stored bytes (keys + values)

	maxBytes int64
	now      func() time.Time
	onQuota  func(purged int, recovered bool)
}

var (
	_ tier.Tier    = (*Store)(nil)
	_ tier.Evicter = (*Store)(nil)
)

type Config struct {
	// MaxBytes is the write quota. 0 disables adapter-level accounting and
	// leaves capacity to the backing store alone.
	MaxBytes int64

	LifeWindow         time.Duration // backstop expiry; 0 => 24h
	CleanWindow        time.Duration
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int

	// OnQuotaRecovery observes each quota cycle: how many expired entries
	// the purge removed and whether the single retry succeeded.
	OnQuotaRecovery func(purged int, recovered bool)

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

func New(cfg Config) (*Store, error) {
	life := cfg.LifeWindow
	if life <= 0 {
		life = 24 * time.Hour
	}
	conf := bc.DefaultConfig(life)
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}

	c, err := bc.NewBigCache(conf)
	if err != nil {
		return nil, err
	}

	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		c:        c,
		maxBytes: cfg.MaxBytes,
		now:      now,
		onQuota:  cfg.OnQuotaRecovery,
	}, nil
}

func (s *Store) Name() tier.Name { return tier.FastKV }

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	b, err := s.c.Get(key)
	if err == bc.ErrEntryNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	exp, err := wire.ExpiresAt(b)
	if err != nil {
		_ = s.Delete(context.Background(), key) // self-heal foreign bytes
		return nil, false, nil
	}
	if exp != 0 && s.now().UnixNano() >= exp {
		_ = s.Delete(context.Background(), key)
		return nil, false, nil
	}
	return b, true, nil
}

// Set enforces the byte quota. On rejection it purges already-expired
// entries, then retries exactly once; a second rejection surfaces
// tier.ErrQuotaExceeded for this tier only.
func (s *Store) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.setLocked(key, value); err == nil {
		return nil
	}

	purged := s.purgeExpiredLocked()
	err := s.setLocked(key, value)
	if s.onQuota != nil {
		s.onQuota(purged, err == nil)
	}
	if err != nil {
		return tier.ErrQuotaExceeded
	}
	return nil
}

// setLocked performs one write attempt under the quota.
func (s *Store) setLocked(key string, value []byte) error {
	need := int64(len(key) + len(value))

	var replaced int64
	if old, err := s.c.Get(key); err == nil {
		replaced = int64(len(key) + len(old))
	}

	if s.maxBytes > 0 && s.used-replaced+need > s.maxBytes {
		return tier.ErrQuotaExceeded
	}
	if err := s.c.Set(key, value); err != nil {
		// bigcache rejects entries larger than a shard can hold
		return tier.ErrQuotaExceeded
	}
	s.used += need - replaced
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(key)
	return nil
}

func (s *Store) deleteLocked(key string) {
	if old, err := s.c.Get(key); err == nil {
		s.used -= int64(len(key) + len(old))
		if s.used < 0 {
			s.used = 0
		}
	}
	_ = s.c.Delete(key)
}

func (s *Store) DeleteMatching(_ context.Context, prefix string, match tier.MatchFunc) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type hit struct {
		key string
		val []byte
	}
	var hits []hit
	nowNano := s.now().UnixNano()

	it := s.c.Iterator()
	for it.SetNext() {
		e, err := it.Value()
		if err != nil {
			continue
		}
		k := e.Key()
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		v := e.Value()
		exp, err := wire.ExpiresAt(v)
		if err != nil || (exp != 0 && nowNano >= exp) {
			hits = append(hits, hit{key: k}) // swept, not counted
			continue
		}
		if match == nil || match(k, v) {
			hits = append(hits, hit{key: k, val: v})
		}
	}

	removed := 0
	for _, h := range hits {
		s.deleteLocked(h.key)
		if h.val != nil {
			removed++
		}
	}
	return removed, nil
}

// Used reports the adapter's approximate byte accounting.
func (s *Store) Used() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

func (s *Store) CountPrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	s.scanLive(prefix, func(string, []byte, int64) { n++ })
	return n
}

func (s *Store) BytesPrefix(prefix string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total int64
	s.scanLive(prefix, func(k string, v []byte, _ int64) { total += int64(len(k) + len(v)) })
	return total
}

// EvictSoonest removes up to n live entries under prefix, soonest expiry
// first. Entries without expiry are evicted last.
func (s *Store) EvictSoonest(prefix string, n int) int {
	if n <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	type cand struct {
		key string
		exp int64
	}
	var cands []cand
	s.scanLive(prefix, func(k string, _ []byte, exp int64) {
		cands = append(cands, cand{key: k, exp: exp})
	})
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
		s.deleteLocked(c.key)
	}
	return n
}

// scanLive visits every unexpired, well-formed entry under prefix.
// Callers must hold s.mu.
func (s *Store) scanLive(prefix string, visit func(key string, value []byte, exp int64)) {
	nowNano := s.now().UnixNano()
	it := s.c.Iterator()
	for it.SetNext() {
		e, err := it.Value()
		if err != nil {
			continue
		}
		k := e.Key()
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		v := e.Value()
		exp, err := wire.ExpiresAt(v)
		if err != nil || (exp != 0 && nowNano >= exp) {
			continue
		}
		visit(k, v, exp)
	}
}

func (s *Store) Close(_ context.Context) error {
	return s.c.Close()
}

// purgeExpiredLocked deletes every entry whose envelope expiry has passed and
// recomputes the byte accounting from what survived.
func (s *Store) purgeExpiredLocked() int {
	nowNano := s.now().UnixNano()

	var stale []string
	it := s.c.Iterator()
	for it.SetNext() {
		e, err := it.Value()
		if err != nil {
			continue
		}
		exp, err := wire.ExpiresAt(e.Value())
		if err != nil || (exp != 0 && nowNano >= exp) {
			stale = append(stale, e.Key())
		}
	}
	for _, k := range stale {
		_ = s.c.Delete(k)
	}

	var used int64
	it = s.c.Iterator()
	for it.SetNext() {
		e, err := it.Value()
		if err != nil {
			continue
		}
		used += int64(len(e.Key()) + len(e.Value()))
	}
	s.used = used

	return len(stale)
}
