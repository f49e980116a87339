package asyncnotify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/elevow/table-sub005/notify"
)

type recorder struct {
	mu      sync.Mutex
	events  []notify.Event
	err     error
	entered chan struct{} // when non-nil, signalled as Notify starts
	gate    chan struct{} // when non-nil, Notify blocks until it closes
	closed  bool
}

func (r *recorder) Notify(_ context.Context, ev notify.Event) error {
	if r.entered != nil {
		r.entered <- struct{}{}
	}
	if r.gate != nil {
		<-r.gate
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recorder) Close(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recorder) ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Op
	}
	return out
}

func TestDeliversInBackground(t *testing.T) {
	rec := &recorder{}
	n := New(rec, Options{})

	for _, op := range []string{notify.OpSet, notify.OpInvalidate} {
		if err := n.Notify(context.Background(), notify.Event{Op: op}); err != nil {
			t.Fatalf("Notify(%s): %v", op, err)
		}
	}
	// Close waits for the workers, so everything queued must be delivered
	// and the inner notifier closed afterwards.
	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got := rec.ops()
	if len(got) != 2 || got[0] != notify.OpSet || got[1] != notify.OpInvalidate {
		t.Errorf("delivered ops = %v", got)
	}
	if !rec.closed {
		t.Error("inner notifier not closed")
	}
}

func TestDropsWhenQueueFull(t *testing.T) {
	rec := &recorder{entered: make(chan struct{}, 3), gate: make(chan struct{})}
	n := New(rec, Options{Workers: 1, QueueLen: 1})

	// Park the worker on the first event, fill the one-slot queue with the
	// second; the third has nowhere to go and must be dropped, not block.
	_ = n.Notify(context.Background(), notify.Event{Op: notify.OpSet})
	select {
	case <-rec.entered:
	case <-time.After(time.Second):
		t.Fatal("worker never picked up the first event")
	}
	_ = n.Notify(context.Background(), notify.Event{Op: notify.OpSet})

	done := make(chan struct{})
	go func() {
		_ = n.Notify(context.Background(), notify.Event{Op: notify.OpSet})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full queue")
	}

	close(rec.gate)
	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := len(rec.ops()); got != 2 {
		t.Errorf("delivered %d events, want 2 (one dropped)", got)
	}
}

func TestReportsInnerErrors(t *testing.T) {
	boom := errors.New("broker down")
	rec := &recorder{err: boom}

	var mu sync.Mutex
	var seen []error
	n := New(rec, Options{OnError: func(err error) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, err)
	}})

	if err := n.Notify(context.Background(), notify.Event{Op: notify.OpClearAll}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || !errors.Is(seen[0], boom) {
		t.Errorf("OnError saw %v, want [%v]", seen, boom)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	n := New(&recorder{}, Options{})
	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := n.Close(context.Background()); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
