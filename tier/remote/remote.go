// Package remote implements the networked tier on Redis. It is a thin
// adapter: expiry rides on native SET TTLs, invalidation scans use SCAN with
// pipelined deletes, and connectivity failures surface as plain errors for
// the manager's offline handling.
package remote

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/elevow/table-sub005/internal/wire"
	"github.com/elevow/table-sub005/tier"
)

var ErrNilClient = errors.New("remote tier: nil client")

// scanCount sizes SCAN and MGET batches during invalidation scans.
const scanCount = 256

type Remote struct {
	rdb         goredis.UniversalClient
	closeClient bool
	now         func() time.Time
}

var _ tier.Tier = (*Remote)(nil)

type Config struct {
	Client      goredis.UniversalClient
	CloseClient bool // set true only if this tier exclusively owns the client

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

func New(cfg Config) (*Remote, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Remote{rdb: cfg.Client, closeClient: cfg.CloseClient, now: now}, nil
}

func (r *Remote) Name() tier.Name { return tier.Remote }

func (r *Remote) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := r.rdb.Get(ctx, key).Bytes()
	if err == goredis.Nil {
		return nil, false, nil // miss
	}
	if err != nil {
		return nil, false, err // transport/server error
	}

	// Native TTL is authoritative, but the envelope expiry is still checked:
	// a replayed write can land with less lifetime than its header claims.
	exp, perr := wire.ExpiresAt(b)
	if perr != nil {
		_ = r.rdb.Del(ctx, key).Err() // self-heal foreign bytes
		return nil, false, nil
	}
	if exp != 0 && r.now().UnixNano() >= exp {
		_ = r.rdb.Del(ctx, key).Err()
		return nil, false, nil
	}
	return b, true, nil
}

func (r *Remote) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 0 // no expiry
	}
	return r.rdb.Set(ctx, key, value, ttl).Err()
}

func (r *Remote) Delete(ctx context.Context, key string) error {
	return r.rdb.Del(ctx, key).Err()
}

// DeleteMatching scans keys under prefix with SCAN, fetches candidate values
// with batched MGET when a match func needs them, and deletes hits through a
// pipeline.
func (r *Remote) DeleteMatching(ctx context.Context, prefix string, match tier.MatchFunc) (int, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, prefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	if match == nil {
		if err := r.delPipelined(ctx, keys); err != nil {
			return 0, err
		}
		return len(keys), nil
	}

	var hits []string
	for start := 0; start < len(keys); start += scanCount {
		end := start + scanCount
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		vals, err := r.rdb.MGet(ctx, batch...).Result()
		if err != nil {
			return 0, err
		}
		for i, raw := range vals {
			s, ok := raw.(string)
			if !ok {
				continue // expired or deleted mid-scan
			}
			if match(batch[i], []byte(s)) {
				hits = append(hits, batch[i])
			}
		}
	}
	if len(hits) == 0 {
		return 0, nil
	}
	if err := r.delPipelined(ctx, hits); err != nil {
		return 0, err
	}
	return len(hits), nil
}

func (r *Remote) delPipelined(ctx context.Context, keys []string) error {
	_, err := r.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, k := range keys {
			pipe.Del(ctx, k)
		}
		return nil
	})
	return err
}

// Close releases the underlying redis client only when this tier owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (r *Remote) Close(context.Context) error {
	if r.closeClient {
		if err := r.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
