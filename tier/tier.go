// Package tier defines the storage abstraction the cache manager fans out to.
//
// Implementations MUST be byte-for-byte transparent: Get must return exactly
// the same []byte that was previously passed to Set for a key (no prepended or
// appended metadata, no re-encoding, no mutation). The manager owns the
// envelope inside those bytes; tiers may peek its expiry header for lazy
// expiry and purge sweeps but must never rewrite it.
//
// Keys are namespace-prefixed ("<namespace>:<key>"). External code must not
// write foreign values under a namespace prefix; strict envelope validation
// treats them as corruption and deletes them.
package tier

import (
	"context"
	"errors"
	"time"
)

// Name identifies one storage tier.
type Name string

const (
	Memory     Name = "memory"
	FastKV     Name = "fastkv"
	Persistent Name = "persistent"
	Remote     Name = "remote"
)

// Valid reports whether n names a known tier.
func (n Name) Valid() bool {
	switch n {
	case Memory, FastKV, Persistent, Remote:
		return true
	}
	return false
}

var (
	// ErrUnavailable means the backend is not yet initialized, has
	// terminally failed, or is unreachable. Non-fatal: the manager skips
	// the tier or queues the write.
	ErrUnavailable = errors.New("tier: unavailable")

	// ErrQuotaExceeded means a capacity-limited tier rejected a write.
	// The fastkv adapter purges expired entries and retries once before
	// surfacing it.
	ErrQuotaExceeded = errors.New("tier: quota exceeded")

	// ErrClosed means the tier has been closed.
	ErrClosed = errors.New("tier: closed")
)

// MatchFunc inspects one stored entry during a scan. A nil MatchFunc matches
// everything under the scanned prefix.
type MatchFunc func(key string, value []byte) bool

// Tier is a passive byte store with per-entry TTLs. Implementations must be
// safe for concurrent use.
type Tier interface {
	// Name reports which tier this adapter implements.
	Name() Name

	// Get returns (value, true, nil) on hit; (nil, false, nil) on miss.
	// A transport or backend error returns (nil, false, err).
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores value with the given TTL. ttl <= 0 means no expiry.
	// Backends without native expiry rely on the envelope's expiry header.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteMatching scans every key under prefix, deletes entries the
	// match func accepts, and returns how many were removed. Used for
	// tag- and namespace-scoped invalidation; O(n) in prefix size.
	DeleteMatching(ctx context.Context, prefix string, match MatchFunc) (int, error)

	// Close releases resources. Safe to call multiple times.
	Close(ctx context.Context) error
}

// Evicter is implemented by tiers that support manager-driven size eviction.
type Evicter interface {
	// CountPrefix returns how many live entries sit under prefix.
	CountPrefix(prefix string) int
	// BytesPrefix returns the stored byte total under prefix.
	BytesPrefix(prefix string) int64
	// EvictSoonest removes up to n entries under prefix, soonest expiry
	// first, and returns how many were removed.
	EvictSoonest(prefix string, n int) int
}

// State describes an asynchronously initialized tier.
type State int32

const (
	StateInitializing State = iota
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Stateful is implemented by tiers with an initialization lifecycle.
type Stateful interface {
	State() State
	// WaitReady blocks until the tier leaves StateInitializing or the
	// context ends. It returns ErrUnavailable when the tier failed.
	WaitReady(ctx context.Context) error
}

// Resumer is implemented by tiers that defer writes while unavailable.
// Resume replays the deferred queue and returns how many operations applied.
type Resumer interface {
	Resume(ctx context.Context) (int, error)
}
