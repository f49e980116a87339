// Package asyncnotify decouples event publishing from the caller: events are
// handed to a bounded queue served by background workers. When the queue is
// full the event is dropped, never blocking a cache operation.
//
// usage:
//
//	raw, _ := redisnotify.New(redisnotify.Config{Client: rdb})
//	n := asyncnotify.New(raw, asyncnotify.Options{Workers: 1, QueueLen: 1000})
//	defer n.Close(context.Background())
//
//	cache, _ := tiercache.New[RoomState](tiercache.Options[RoomState]{
//	    Codec:    codec.JSON[RoomState]{},
//	    Notifier: n, // or `raw` if you don't want async
//	    ...
//	})
package asyncnotify

import (
	"context"
	"sync"

	"github.com/elevow/table-sub005/notify"
)

type Notifier struct {
	inner   notify.Notifier
	onError func(error)
	q       chan notify.Event
	wg      sync.WaitGroup
	once    sync.Once
}

var _ notify.Notifier = (*Notifier)(nil)

type Options struct {
	Workers  int // default 1
	QueueLen int // default 1024

	// OnError receives inner publish errors; nil discards them.
	OnError func(error)
}

func New(inner notify.Notifier, opts Options) *Notifier {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	qlen := opts.QueueLen
	if qlen <= 0 {
		qlen = 1024
	}

	n := &Notifier{inner: inner, onError: opts.OnError, q: make(chan notify.Event, qlen)}
	n.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer n.wg.Done()
			for ev := range n.q {
				if err := n.inner.Notify(context.Background(), ev); err != nil && n.onError != nil {
					n.onError(err)
				}
			}
		}()
	}
	return n
}

// Notify enqueues the event, dropping it when the queue is full.
func (n *Notifier) Notify(_ context.Context, ev notify.Event) error {
	select {
	case n.q <- ev:
	default: // drop
	}
	return nil
}

// Close drains the queue, stops the workers and closes the inner notifier.
func (n *Notifier) Close(ctx context.Context) error {
	var err error
	n.once.Do(func() {
		close(n.q)
		n.wg.Wait()
		err = n.inner.Close(ctx)
	})
	return err
}
