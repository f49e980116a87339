package tiercache

import (
	"context"
	"time"

	c "github.com/elevow/table-sub005/codec"
	"github.com/elevow/table-sub005/notify"
	"github.com/elevow/table-sub005/tier"
)

// FetchFunc loads a value from the upstream source on a cache miss.
type FetchFunc[V any] func(ctx context.Context) (V, error)

// Cache is the multi-tier cache facade. V is the caller's value type;
// serialization is handled by a pluggable Codec[V].
//
// Except for Configure, Close and the fetch error of GetOrFetch, operations
// never return errors: per-tier failures are absorbed into the returned
// bool, logs and hooks.
type Cache[V any] interface {
	// Configure upserts a namespace's policy. Idempotent, last-writer-wins,
	// no effect on already-stored entries. Returns only validation errors.
	Configure(namespace string, cfg NamespaceConfig) error

	// Config returns the stored configuration for a namespace.
	Config(namespace string) (NamespaceConfig, bool)

	// Set writes to every enabled, non-skipped tier concurrently. Each
	// tier's outcome is independent; true means at least one tier accepted
	// the write.
	Set(ctx context.Context, namespace, key string, value V, opts SetOptions) bool

	// Get consults tiers in priority order (memory, the namespace's local
	// tier, remote) and returns the first live hit. Expired, corrupt or
	// stale hits found mid-scan are deleted from their tier. false means
	// "value unknown", not "value guaranteed absent".
	Get(ctx context.Context, namespace, key string, opts GetOptions) (V, bool)

	// Invalidate removes one key from the enabled tiers.
	Invalidate(ctx context.Context, namespace, key string, opts InvalidateOptions) bool

	// InvalidateTags removes every entry in the namespace whose tag set
	// intersects tags. Entries without tags never match.
	InvalidateTags(ctx context.Context, namespace string, tags []string, opts InvalidateOptions) bool

	// ClearNamespace removes every entry in the namespace.
	ClearNamespace(ctx context.Context, namespace string, opts InvalidateOptions) bool

	// ClearAll removes every entry in every namespace.
	ClearAll(ctx context.Context, opts InvalidateOptions) bool

	// GetOrFetch is the read-through path: a live hit returns as-is;
	// otherwise fetch runs (concurrent fetches for one key are
	// deduplicated), its result is stored best-effort and returned. A
	// fetch error propagates unchanged and nothing is cached.
	GetOrFetch(ctx context.Context, namespace, key string, fetch FetchFunc[V], opts FetchOptions) (V, error)

	// DependentsOf lists configured rules that declared a dependency on
	// (namespace, key). Executing the cascade is the caller's job.
	DependentsOf(namespace, key string) []Dependent

	// SetOnline feeds the process's connectivity signal. Going online
	// drains the offline queue and resumes deferring tiers; while offline
	// the remote tier is skipped on reads and its writes are deferred.
	SetOnline(ctx context.Context, online bool)
	Online() bool

	// Close releases tier handles and the notifier. Idempotent.
	Close(ctx context.Context) error
}

type SetOptions struct {
	// TTL overrides the rule and namespace defaults. 0 falls through the
	// default chain; entries never expire only when every default is 0.
	TTL time.Duration

	// Tags are attached in addition to rule tags.
	Tags []string

	// SkipTiers excludes tiers from this write.
	SkipTiers []tier.Name
}

type GetOptions struct {
	// ForceFresh reports a miss without consulting any tier.
	ForceFresh bool

	// OnlyFrom restricts which tiers are consulted.
	OnlyFrom []tier.Name
}

type InvalidateOptions struct {
	// OnlyFrom restricts which tiers are affected.
	OnlyFrom []tier.Name
}

type FetchOptions struct {
	// Revalidate fetches even when a live hit exists.
	Revalidate bool

	TTL       time.Duration
	Tags      []string
	SkipTiers []tier.Name
}

// Options tune the manager. Only Codec and at least one tier are required;
// the manager uses whichever tiers are provided.
type Options[V any] struct {
	// Required
	Codec c.Codec[V]

	// Tiers. A nil tier is simply never consulted. Memory and Remote serve
	// every namespace; FastKV and Persistent serve namespaces whose config
	// selects them.
	Memory     tier.Tier
	FastKV     tier.Tier
	Persistent tier.Tier
	Remote     tier.Tier

	Logger   Logger          // nil => NopLogger
	Hooks    Hooks           // nil => NopHooks
	Notifier notify.Notifier // nil => notify.Nop; must be non-blocking (see notify/async)

	DefaultTTL     time.Duration // 0 => 10m
	RemoteTimeout  time.Duration // per remote call; 0 => 2s, negative => none
	PersistTimeout time.Duration // per persistent call; 0 => 5s, negative => none

	// StartOffline starts with connectivity down; remote writes defer until
	// SetOnline(ctx, true).
	StartOffline bool

	Disabled bool // default false (enabled)

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

func New[V any](opts Options[V]) (Cache[V], error) {
	return newManager[V](opts)
}
