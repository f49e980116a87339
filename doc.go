// Package tiercache implements a namespace-aware cache manager over up to
// four storage tiers: in-process memory, a quota-limited fast KV store, an
// asynchronously initialized persistent store, and a shared remote store.
// Writes fan out to every tier serving the namespace; reads return the first
// live hit in priority order (memory, local, remote) and delete expired,
// corrupt or stale entries as they are found.
//
// Components:
//   - tier.Tier: byte store with TTL (memory, BigCache, bbolt, Redis).
//   - codec.Codec[V]: (de)serializes V <-> []byte (JSON, msgpack, CBOR, protobuf).
//   - notify.Notifier: publishes cache events to peers (Redis pub/sub, NATS).
//
// Keys:
//
//	<namespace>:<key> - namespaces must not contain ':'; keys may
//
// Entries are framed in an envelope carrying expiry, tags and the namespace
// config version, so tiers and scans can inspect metadata without decoding
// values.
//
// Tolerated-failure pattern:
//
//	ok := cache.Set(ctx, "room", id, st, tiercache.SetOptions{}) // true if any tier took it
//	v, ok := cache.Get(ctx, "room", id, tiercache.GetOptions{})  // false means unknown, fetch upstream
//	v, err := cache.GetOrFetch(ctx, "room", id, load, tiercache.FetchOptions{})
//
// Connectivity is push-driven: SetOnline(ctx, false) defers remote writes to
// an in-order queue and skips the remote tier on reads; SetOnline(ctx, true)
// drains the queue.
package tiercache
