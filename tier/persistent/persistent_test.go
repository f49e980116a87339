package persistent_test

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/elevow/table-sub005/internal/wire"
	"github.com/elevow/table-sub005/tier"
	"github.com/elevow/table-sub005/tier/persistent"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func env(t *testing.T, payload string, exp time.Time) []byte {
	t.Helper()
	var nanos int64
	if !exp.IsZero() {
		nanos = exp.UnixNano()
	}
	b, err := wire.Encode(wire.Entry{ExpiresAt: nanos, Payload: []byte(payload)})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

func openReady(t *testing.T, path string, cfg persistent.Config) *persistent.Store {
	t.Helper()
	st, err := persistent.Open(path, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	waitReady(t, st)
	return st
}

func waitReady(t *testing.T, st *persistent.Store) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := st.WaitReady(ctx); err != nil {
		t.Fatalf("wait ready: %v", err)
	}
}

func TestOpenRoundTrip(t *testing.T) {
	clk := newFakeClock()
	st := openReady(t, filepath.Join(t.TempDir(), "cache.db"), persistent.Config{Now: clk.Now})
	ctx := context.Background()

	if st.Name() != tier.Persistent {
		t.Fatalf("name = %q", st.Name())
	}
	if got := st.State(); got != tier.StateReady {
		t.Fatalf("state = %v, want ready", got)
	}

	val := env(t, "payload-1", time.Time{})
	if err := st.Set(ctx, "room:tbl-1", val, 0); err != nil {
		t.Fatalf("set: %v", err)
	}

	got, ok, err := st.Get(ctx, "room:tbl-1")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, val) {
		t.Fatalf("got %q, want %q", got, val)
	}

	if err := st.Delete(ctx, "room:tbl-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := st.Get(ctx, "room:tbl-1"); ok {
		t.Fatal("entry survived delete")
	}
	if err := st.Delete(ctx, "room:absent"); err != nil {
		t.Fatalf("delete absent: %v", err)
	}
}

func TestEmptyPathRejected(t *testing.T) {
	if _, err := persistent.New("  ", persistent.Config{}); err == nil {
		t.Fatal("expected error for blank path")
	}
}

func TestBufferedWritesReplayInOrder(t *testing.T) {
	type replay struct{ applied, requeued int }
	got := make(chan replay, 1)

	st, err := persistent.New(filepath.Join(t.TempDir(), "cache.db"), persistent.Config{
		OnReplay: func(applied, requeued int) { got <- replay{applied, requeued} },
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	ctx := context.Background()

	if got := st.State(); got != tier.StateInitializing {
		t.Fatalf("state = %v, want initializing", got)
	}

	// reads are unavailable during init; writes buffer and report success
	if _, _, err := st.Get(ctx, "room:a"); !errors.Is(err, tier.ErrUnavailable) {
		t.Fatalf("get during init: %v, want ErrUnavailable", err)
	}
	if err := st.Set(ctx, "room:a", env(t, "old", time.Time{}), 0); err != nil {
		t.Fatalf("buffered set: %v", err)
	}
	if err := st.Set(ctx, "room:a", env(t, "new", time.Time{}), 0); err != nil {
		t.Fatalf("buffered overwrite: %v", err)
	}
	if err := st.Set(ctx, "room:b", env(t, "doomed", time.Time{}), 0); err != nil {
		t.Fatalf("buffered set b: %v", err)
	}
	if err := st.Delete(ctx, "room:b"); err != nil {
		t.Fatalf("buffered delete: %v", err)
	}
	if err := st.Set(ctx, "seat:x", env(t, "v", time.Time{}), 0); err != nil {
		t.Fatalf("buffered set seat: %v", err)
	}
	// scans buffer too; the count is unknown until replay
	if n, err := st.DeleteMatching(ctx, "seat:", nil); err != nil || n != 0 {
		t.Fatalf("buffered scan = (%d, %v), want (0, nil)", n, err)
	}

	st.Start()
	waitReady(t, st)

	select {
	case r := <-got:
		if r.applied != 6 || r.requeued != 0 {
			t.Fatalf("replay = %+v, want {applied:6 requeued:0}", r)
		}
	default:
		t.Fatal("replay callback never fired")
	}

	v, ok, err := st.Get(ctx, "room:a")
	if err != nil || !ok {
		t.Fatalf("get after replay: ok=%v err=%v", ok, err)
	}
	e, err := wire.Decode(v)
	if err != nil || string(e.Payload) != "new" {
		t.Fatalf("replay order violated: payload=%q err=%v", e.Payload, err)
	}
	if _, ok, _ := st.Get(ctx, "room:b"); ok {
		t.Fatal("buffered delete was not replayed")
	}
	if _, ok, _ := st.Get(ctx, "seat:x"); ok {
		t.Fatal("buffered scan was not replayed")
	}
}

func TestFailedOpenIsTerminal(t *testing.T) {
	// a directory is not a valid database file
	st, err := persistent.New(t.TempDir(), persistent.Config{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	ctx := context.Background()

	if err := st.Set(ctx, "room:a", env(t, "v", time.Time{}), 0); err != nil {
		t.Fatalf("buffered set before failure: %v", err)
	}

	st.Start()
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := st.WaitReady(wctx); !errors.Is(err, tier.ErrUnavailable) {
		t.Fatalf("WaitReady = %v, want ErrUnavailable", err)
	}

	if got := st.State(); got != tier.StateFailed {
		t.Fatalf("state = %v, want failed", got)
	}
	if st.FailErr() == nil {
		t.Fatal("FailErr should be set")
	}

	// terminal: later operations stay unavailable
	if err := st.Set(ctx, "room:b", env(t, "v", time.Time{}), 0); !errors.Is(err, tier.ErrUnavailable) {
		t.Fatalf("set after failure: %v, want ErrUnavailable", err)
	}
	if _, _, err := st.Get(ctx, "room:a"); !errors.Is(err, tier.ErrUnavailable) {
		t.Fatalf("get after failure: %v, want ErrUnavailable", err)
	}
	if _, err := st.DeleteMatching(ctx, "room:", nil); !errors.Is(err, tier.ErrUnavailable) {
		t.Fatalf("scan after failure: %v, want ErrUnavailable", err)
	}
}

func TestResumeOnReadyStore(t *testing.T) {
	st := openReady(t, filepath.Join(t.TempDir(), "cache.db"), persistent.Config{})
	ctx := context.Background()

	// nothing queued: a resume signal is a cheap no-op
	if n, err := st.Resume(ctx); err != nil || n != 0 {
		t.Fatalf("Resume = (%d, %v), want (0, nil)", n, err)
	}

	if err := st.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := st.Resume(ctx); !errors.Is(err, tier.ErrClosed) {
		t.Fatalf("Resume after close: %v, want ErrClosed", err)
	}
}

func TestPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.db")
	ctx := context.Background()
	val := env(t, "durable", time.Time{})

	st1, err := persistent.Open(path, persistent.Config{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	waitReady(t, st1)
	if err := st1.Set(ctx, "room:tbl-1", val, 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := st1.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	st2 := openReady(t, path, persistent.Config{})
	got, ok, err := st2.Get(ctx, "room:tbl-1")
	if err != nil || !ok {
		t.Fatalf("get after reopen: ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, val) {
		t.Fatalf("got %q, want %q", got, val)
	}
}

func TestLazyExpiryOnGet(t *testing.T) {
	clk := newFakeClock()
	st := openReady(t, filepath.Join(t.TempDir(), "cache.db"), persistent.Config{Now: clk.Now})
	ctx := context.Background()

	if err := st.Set(ctx, "room:a", env(t, "v", clk.Now().Add(10*time.Second)), 10*time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, ok, _ := st.Get(ctx, "room:a"); !ok {
		t.Fatal("entry should be live before expiry")
	}

	clk.Advance(10 * time.Second)
	if _, ok, _ := st.Get(ctx, "room:a"); ok {
		t.Fatal("entry should miss at expiry boundary")
	}
	// lazy path deleted it, not just masked it
	if n := st.CountPrefix("room:"); n != 0 {
		t.Fatalf("CountPrefix = %d after expiry, want 0", n)
	}
}

func TestDeleteMatching(t *testing.T) {
	clk := newFakeClock()
	st := openReady(t, filepath.Join(t.TempDir(), "cache.db"), persistent.Config{Now: clk.Now})
	ctx := context.Background()

	set := func(key, payload string, exp time.Time) {
		t.Helper()
		if err := st.Set(ctx, key, env(t, payload, exp), 0); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	set("room:a", "alpha", time.Time{})
	set("room:b", "beta", time.Time{})
	set("room:c", "gone", clk.Now().Add(time.Second))
	set("seat:a", "gamma", time.Time{})

	clk.Advance(2 * time.Second)

	// expired room:c is swept but not counted
	n, err := st.DeleteMatching(ctx, "room:", nil)
	if err != nil || n != 2 {
		t.Fatalf("DeleteMatching = (%d, %v), want (2, nil)", n, err)
	}
	if _, ok, _ := st.Get(ctx, "seat:a"); !ok {
		t.Fatal("entry outside prefix was removed")
	}

	n, err = st.DeleteMatching(ctx, "seat:", func(_ string, v []byte) bool {
		e, derr := wire.Decode(v)
		return derr == nil && string(e.Payload) == "nope"
	})
	if err != nil || n != 0 {
		t.Fatalf("filtered DeleteMatching = (%d, %v), want (0, nil)", n, err)
	}
	if _, ok, _ := st.Get(ctx, "seat:a"); !ok {
		t.Fatal("non-matching entry was removed")
	}
}

func TestEvictSoonestOrder(t *testing.T) {
	clk := newFakeClock()
	st := openReady(t, filepath.Join(t.TempDir(), "cache.db"), persistent.Config{Now: clk.Now})
	ctx := context.Background()

	set := func(key string, exp time.Time) {
		t.Helper()
		if err := st.Set(ctx, key, env(t, "v", exp), 0); err != nil {
			t.Fatalf("set %s: %v", key, err)
		}
	}
	set("room:soon", clk.Now().Add(time.Minute))
	set("room:mid", clk.Now().Add(time.Hour))
	set("room:late", clk.Now().Add(24*time.Hour))
	set("room:never", time.Time{})

	if n := st.CountPrefix("room:"); n != 4 {
		t.Fatalf("CountPrefix = %d, want 4", n)
	}
	if b := st.BytesPrefix("room:"); b <= 0 {
		t.Fatalf("BytesPrefix = %d, want > 0", b)
	}

	if n := st.EvictSoonest("room:", 2); n != 2 {
		t.Fatalf("EvictSoonest = %d, want 2", n)
	}
	for _, key := range []string{"room:soon", "room:mid"} {
		if _, ok, _ := st.Get(ctx, key); ok {
			t.Fatalf("%s should have been evicted", key)
		}
	}
	for _, key := range []string{"room:late", "room:never"} {
		if _, ok, _ := st.Get(ctx, key); !ok {
			t.Fatalf("%s should have survived", key)
		}
	}
}

func TestPurgeExpired(t *testing.T) {
	clk := newFakeClock()
	st := openReady(t, filepath.Join(t.TempDir(), "cache.db"), persistent.Config{Now: clk.Now})
	ctx := context.Background()

	if err := st.Set(ctx, "room:live", env(t, "v", time.Time{}), 0); err != nil {
		t.Fatalf("set live: %v", err)
	}
	if err := st.Set(ctx, "room:gone", env(t, "v", clk.Now().Add(time.Second)), 0); err != nil {
		t.Fatalf("set gone: %v", err)
	}

	clk.Advance(2 * time.Second)
	if n := st.PurgeExpired(); n != 1 {
		t.Fatalf("PurgeExpired = %d, want 1", n)
	}
	if n := st.PurgeExpired(); n != 0 {
		t.Fatalf("second PurgeExpired = %d, want 0", n)
	}
	if _, ok, _ := st.Get(ctx, "room:live"); !ok {
		t.Fatal("live entry was purged")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	st := openReady(t, filepath.Join(t.TempDir(), "cache.db"), persistent.Config{})
	ctx := context.Background()

	if err := st.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := st.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := st.Set(ctx, "room:a", env(t, "v", time.Time{}), 0); !errors.Is(err, tier.ErrClosed) {
		t.Fatalf("set after close: %v, want ErrClosed", err)
	}
	if _, _, err := st.Get(ctx, "room:a"); !errors.Is(err, tier.ErrClosed) {
		t.Fatalf("get after close: %v, want ErrClosed", err)
	}
}
