// Package persistent implements the disk tier on bbolt. The database opens
// asynchronously: the store is usable immediately in the initializing state,
// buffering writes and deletes until the open completes. A successful open
// replays the buffer in order before the store reports ready; operations that
// fail on replay stay queued and Resume retries them. A failed open is
// terminal and drops the buffer.
package persistent

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/elevow/table-sub005/internal/wire"
	"github.com/elevow/table-sub005/queue"
	"github.com/elevow/table-sub005/tier"
)

var bucketName = []byte("entries")

type Store struct {
	path  string
	now   func() time.Time
	sweep time.Duration

	// onReplay observes every buffer drain: how many ops applied and how
	// many stayed queued for the next drain.
	onReplay func(applied, requeued int)

	mu      sync.Mutex
	state   tier.State
	db      *bbolt.DB
	failErr error
	pending *queue.Queue
	closed  bool
	started bool

	ready     chan struct{}
	readyOnce sync.Once
	stop      chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

var (
	_ tier.Tier     = (*Store)(nil)
	_ tier.Evicter  = (*Store)(nil)
	_ tier.Stateful = (*Store)(nil)
	_ tier.Resumer  = (*Store)(nil)
)

type Config struct {
	// SweepInterval enables a background purge of expired entries.
	// 0 disables the sweeper.
	SweepInterval time.Duration

	// OnReplay observes each buffered-write drain, at ready and on Resume.
	OnReplay func(applied, requeued int)

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

// New builds a store in the initializing state without touching the
// filesystem. Call Start to open the database.
func New(path string, cfg Config) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		path:     filepath.Clean(path),
		now:      now,
		sweep:    cfg.SweepInterval,
		onReplay: cfg.OnReplay,
		state:    tier.StateInitializing,
		pending:  queue.New(),
		ready:    make(chan struct{}),
		stop:     make(chan struct{}),
	}, nil
}

// Open is New followed by Start.
func Open(path string, cfg Config) (*Store, error) {
	s, err := New(path, cfg)
	if err != nil {
		return nil, err
	}
	s.Start()
	return s, nil
}

// Start opens the database in the background. Calling it again is a no-op.
func (s *Store) Start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go s.open()
}

func (s *Store) open() {
	defer s.wg.Done()

	db, err := bbolt.Open(s.path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err == nil {
		err = db.Update(func(tx *bbolt.Tx) error {
			_, berr := tx.CreateBucketIfNotExists(bucketName)
			return berr
		})
		if err != nil {
			_ = db.Close()
			db = nil
		}
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		if db != nil {
			_ = db.Close()
		}
		return
	}
	if err != nil {
		s.state = tier.StateFailed
		s.failErr = fmt.Errorf("open storage db: %w", err)
		s.pending.DropAll()
		s.mu.Unlock()
		s.readyOnce.Do(func() { close(s.ready) })
		return
	}
	s.db = db
	s.mu.Unlock()

	s.drainPending()
	s.readyOnce.Do(func() { close(s.ready) })

	s.mu.Lock()
	startSweep := s.sweep > 0 && !s.closed && s.state == tier.StateReady
	s.mu.Unlock()
	if startSweep {
		s.wg.Add(1)
		go s.sweeper()
	}
}

// drainPending replays writes buffered during initialization, then flips the
// store to ready. Writes arriving mid-drain keep buffering, so the replay
// order stays strict; the flip happens under the same lock that enqueues.
// When a full pass makes no progress the store goes ready anyway and the
// stuck ops wait for Resume instead of spinning here.
func (s *Store) drainPending() {
	totalApplied, leftover := 0, 0
	for {
		applied, requeued := s.pending.Drain(context.Background())
		totalApplied += applied

		s.mu.Lock()
		if s.closed {
			s.pending.DropAll()
			s.mu.Unlock()
			break
		}
		if s.pending.Len() == 0 || (requeued > 0 && applied == 0) {
			leftover = s.pending.Len()
			s.state = tier.StateReady
			s.mu.Unlock()
			break
		}
		s.mu.Unlock()
	}

	if s.onReplay != nil && (totalApplied > 0 || leftover > 0) {
		s.onReplay(totalApplied, leftover)
	}
}

// Resume retries operations still queued after the initial replay. The
// manager calls it on its connectivity-restored signal.
func (s *Store) Resume(ctx context.Context) (int, error) {
	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return 0, tier.ErrClosed
	case s.state != tier.StateReady:
		s.mu.Unlock()
		return 0, tier.ErrUnavailable
	}
	s.mu.Unlock()

	applied, requeued := s.pending.Drain(ctx)
	if s.onReplay != nil && (applied > 0 || requeued > 0) {
		s.onReplay(applied, requeued)
	}
	return applied, nil
}

func (s *Store) sweeper() {
	defer s.wg.Done()
	t := time.NewTicker(s.sweep)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.PurgeExpired()
		}
	}
}

func (s *Store) Name() tier.Name { return tier.Persistent }

func (s *Store) State() tier.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WaitReady blocks until the open and replay finish or ctx ends.
func (s *Store) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == tier.StateFailed {
		return tier.ErrUnavailable
	}
	if s.closed {
		return tier.ErrClosed
	}
	return nil
}

// FailErr reports why the open failed, or nil.
func (s *Store) FailErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failErr
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	db, err := s.liveDB()
	if err != nil {
		return nil, false, err
	}

	var out []byte
	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return fmt.Errorf("entries bucket is missing")
		}
		if v := b.Get([]byte(key)); v != nil {
			out = make([]byte, len(v)) // bbolt memory is tx-scoped
			copy(out, v)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if out == nil {
		return nil, false, nil
	}

	exp, err := wire.ExpiresAt(out)
	if err != nil {
		_ = s.deleteNow(db, key) // self-heal foreign bytes
		return nil, false, nil
	}
	if exp != 0 && s.now().UnixNano() >= exp {
		_ = s.deleteNow(db, key)
		return nil, false, nil
	}
	return out, true, nil
}

// Set stores the value, or buffers the write while the open is in flight.
// Buffered writes report success; the replay applies them in order.
func (s *Store) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return tier.ErrClosed
	case s.state == tier.StateFailed:
		s.mu.Unlock()
		return tier.ErrUnavailable
	case s.state == tier.StateInitializing:
		buf := cloneBytes(value)
		s.pending.Enqueue(queue.Op{
			Kind: "set",
			Key:  key,
			Apply: func(context.Context) error {
				db, err := s.replayDB()
				if err != nil {
					return err
				}
				return s.putNow(db, key, buf)
			},
		})
		s.mu.Unlock()
		return nil
	}
	db := s.db
	s.mu.Unlock()

	return s.putNow(db, key, value)
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return tier.ErrClosed
	case s.state == tier.StateFailed:
		s.mu.Unlock()
		return tier.ErrUnavailable
	case s.state == tier.StateInitializing:
		s.pending.Enqueue(queue.Op{
			Kind: "delete",
			Key:  key,
			Apply: func(context.Context) error {
				db, err := s.replayDB()
				if err != nil {
					return err
				}
				return s.deleteNow(db, key)
			},
		})
		s.mu.Unlock()
		return nil
	}
	db := s.db
	s.mu.Unlock()

	return s.deleteNow(db, key)
}

// DeleteMatching scans and deletes immediately when ready. While the open is
// in flight the scan is buffered like any other write and applied on replay,
// keeping its ordering against buffered sets; the buffered form reports zero
// removals.
func (s *Store) DeleteMatching(ctx context.Context, prefix string, match tier.MatchFunc) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return 0, tier.ErrClosed
	case s.state == tier.StateFailed:
		s.mu.Unlock()
		return 0, tier.ErrUnavailable
	case s.state == tier.StateInitializing:
		s.pending.Enqueue(queue.Op{
			Kind: "delete",
			Key:  prefix,
			Apply: func(context.Context) error {
				db, err := s.replayDB()
				if err != nil {
					return err
				}
				_, derr := s.deleteMatchingNow(db, prefix, match)
				return derr
			},
		})
		s.mu.Unlock()
		return 0, nil
	}
	db := s.db
	s.mu.Unlock()

	return s.deleteMatchingNow(db, prefix, match)
}

func (s *Store) deleteMatchingNow(db *bbolt.DB, prefix string, match tier.MatchFunc) (int, error) {
	nowNano := s.now().UnixNano()
	removed := 0
	err := db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return fmt.Errorf("entries bucket is missing")
		}

		type hit struct {
			key  []byte
			live bool
		}
		var hits []hit
		p := []byte(prefix)
		c := b.Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			exp, perr := wire.ExpiresAt(v)
			if perr != nil || (exp != 0 && nowNano >= exp) {
				hits = append(hits, hit{key: cloneBytes(k)}) // swept, not counted
				continue
			}
			if match == nil || match(string(k), v) {
				hits = append(hits, hit{key: cloneBytes(k), live: true})
			}
		}
		for _, h := range hits {
			if derr := b.Delete(h.key); derr != nil {
				return derr
			}
			if h.live {
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *Store) CountPrefix(prefix string) int {
	n := 0
	s.scanLive(prefix, func([]byte, []byte, int64) { n++ })
	return n
}

func (s *Store) BytesPrefix(prefix string) int64 {
	var total int64
	s.scanLive(prefix, func(k, v []byte, _ int64) { total += int64(len(k) + len(v)) })
	return total
}

// EvictSoonest removes up to n live entries under prefix, soonest expiry
// first. Entries without expiry are evicted last.
func (s *Store) EvictSoonest(prefix string, n int) int {
	if n <= 0 {
		return 0
	}
	db, err := s.liveDB()
	if err != nil {
		return 0
	}

	type cand struct {
		key []byte
		exp int64
	}
	var cands []cand
	s.scanLive(prefix, func(k, _ []byte, exp int64) {
		cands = append(cands, cand{key: cloneBytes(k), exp: exp})
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
	evicted := 0
	err = db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return fmt.Errorf("entries bucket is missing")
		}
		for _, c := range cands[:n] {
			if derr := b.Delete(c.key); derr != nil {
				return derr
			}
			evicted++
		}
		return nil
	})
	if err != nil {
		return 0
	}
	return evicted
}

func (s *Store) Close(_ context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	db := s.db
	s.db = nil
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stop) })
	s.readyOnce.Do(func() { close(s.ready) })
	s.wg.Wait()

	if db != nil {
		return db.Close()
	}
	return nil
}

// liveDB returns the database once the store is ready.
func (s *Store) liveDB() (*bbolt.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return nil, tier.ErrClosed
	case s.state != tier.StateReady || s.db == nil:
		return nil, tier.ErrUnavailable
	}
	return s.db, nil
}

// replayDB returns the database for the init-time replay, which runs before
// the store reports ready.
func (s *Store) replayDB() (*bbolt.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return nil, tier.ErrClosed
	case s.db == nil:
		return nil, tier.ErrUnavailable
	}
	return s.db, nil
}

func (s *Store) putNow(db *bbolt.DB, key string, value []byte) error {
	return db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return fmt.Errorf("entries bucket is missing")
		}
		return b.Put([]byte(key), value)
	})
}

func (s *Store) deleteNow(db *bbolt.DB, key string) error {
	return db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return fmt.Errorf("entries bucket is missing")
		}
		return b.Delete([]byte(key))
	})
}

// scanLive visits every unexpired, well-formed entry under prefix.
func (s *Store) scanLive(prefix string, visit func(key, value []byte, exp int64)) {
	db, err := s.liveDB()
	if err != nil {
		return
	}
	nowNano := s.now().UnixNano()
	_ = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		p := []byte(prefix)
		c := b.Cursor()
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			exp, perr := wire.ExpiresAt(v)
			if perr != nil || (exp != 0 && nowNano >= exp) {
				continue
			}
			visit(k, v, exp)
		}
		return nil
	})
}

// PurgeExpired deletes every entry whose envelope expiry has passed, plus any
// value that fails envelope validation. The background sweeper calls it on
// its interval; callers may also run it directly.
func (s *Store) PurgeExpired() int {
	db, err := s.liveDB()
	if err != nil {
		return 0
	}
	nowNano := s.now().UnixNano()
	purged := 0
	_ = db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		var stale [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			exp, perr := wire.ExpiresAt(v)
			if perr != nil || (exp != 0 && nowNano >= exp) {
				stale = append(stale, cloneBytes(k))
			}
		}
		for _, k := range stale {
			if derr := b.Delete(k); derr != nil {
				return derr
			}
			purged++
		}
		return nil
	})
	return purged
}

func cloneBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
