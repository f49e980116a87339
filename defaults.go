package tiercache

import "time"

const (
	defaultTTL            = 10 * time.Minute
	defaultRemoteTimeout  = 2 * time.Second
	defaultPersistTimeout = 5 * time.Second

	// evictDivisor sets the eviction batch to ~20% of a namespace's entries.
	evictDivisor = 5
)

// coalesce returns def when v is the zero value of T.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
