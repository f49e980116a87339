// Package notify defines the optional pub/sub side channel the manager
// informs after successful writes and invalidations. Delivery is
// fire-and-forget: the manager never blocks on or depends on it, and a
// failed publish only reaches hooks and logs.
package notify

import (
	"context"
	"time"
)

// Event operations.
const (
	OpSet            = "set"
	OpInvalidate     = "invalidate"
	OpInvalidateTags = "invalidate_tags"
	OpClearNamespace = "clear_namespace"
	OpClearAll       = "clear_all"
)

// Event describes one cache mutation.
type Event struct {
	Op        string    `json:"op"`
	Namespace string    `json:"namespace,omitempty"`
	Key       string    `json:"key,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	At        time.Time `json:"at"`
}

// Notifier publishes cache events. Notify MUST be cheap and non-blocking;
// wrap slow transports with the async package.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
	Close(ctx context.Context) error
}

// Nop is the default no-op notifier.
type Nop struct{}

func (Nop) Notify(context.Context, Event) error { return nil }
func (Nop) Close(context.Context) error         { return nil }
