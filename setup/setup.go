// Package setup builds a ready-to-use cache from environment variables. It
// is the composition root for deployments that want the standard stack
// without hand-wiring constructors: an always-on memory tier, an optional
// bigcache-backed fastkv tier, an optional bbolt-backed persistent tier, an
// optional Redis remote tier, a zap production logger and an async notifier
// over Redis Pub/Sub or NATS.
//
// usage:
//
//	cfg, err := setup.Load()
//	if err != nil {
//	    return err
//	}
//	cache, err := setup.New[RoomState](cfg, codec.JSON[RoomState]{}, myHooks)
//	if err != nil {
//	    return err
//	}
//	defer cache.Close(context.Background())
//
// Every variable has a usable default; an empty environment yields a
// memory-only cache.
package setup

import (
	"context"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	tiercache "github.com/elevow/table-sub005"
	c "github.com/elevow/table-sub005/codec"
	zaplog "github.com/elevow/table-sub005/log/zap"
	"github.com/elevow/table-sub005/notify"
	asyncnotify "github.com/elevow/table-sub005/notify/async"
	"github.com/elevow/table-sub005/notify/natsnotify"
	"github.com/elevow/table-sub005/notify/redisnotify"
	"github.com/elevow/table-sub005/tier"
	"github.com/elevow/table-sub005/tier/fastkv"
	"github.com/elevow/table-sub005/tier/memory"
	"github.com/elevow/table-sub005/tier/persistent"
	"github.com/elevow/table-sub005/tier/remote"
)

// Config holds everything New needs, sourced from TIERCACHE_* variables.
type Config struct {
	// Memory tier. On unless explicitly disabled.
	MemoryEnabled bool `env:"TIERCACHE_MEMORY_ENABLED" envDefault:"true"`

	// FastKV tier. A zero byte budget leaves the tier out.
	FastKVMaxBytes   int64         `env:"TIERCACHE_FASTKV_MAX_BYTES"`
	FastKVLifeWindow time.Duration `env:"TIERCACHE_FASTKV_LIFE_WINDOW"`
	FastKVHardMaxMB  int           `env:"TIERCACHE_FASTKV_HARD_MAX_MB"`

	// Persistent tier. An empty path leaves the tier out.
	PersistPath  string        `env:"TIERCACHE_PERSIST_PATH"`
	PersistSweep time.Duration `env:"TIERCACHE_PERSIST_SWEEP" envDefault:"5m"`

	// Remote tier. No addresses leaves the tier out. More than one address
	// makes go-redis pick cluster mode.
	RedisAddrs    []string `env:"TIERCACHE_REDIS_ADDRS" envSeparator:","`
	RedisPassword string   `env:"TIERCACHE_REDIS_PASSWORD"`
	RedisDB       int      `env:"TIERCACHE_REDIS_DB"`

	// Manager knobs. Zero values fall back to the manager defaults.
	DefaultTTL     time.Duration `env:"TIERCACHE_DEFAULT_TTL"`
	RemoteTimeout  time.Duration `env:"TIERCACHE_REMOTE_TIMEOUT"`
	PersistTimeout time.Duration `env:"TIERCACHE_PERSIST_TIMEOUT"`
	StartOffline   bool          `env:"TIERCACHE_START_OFFLINE"`

	// Notifier backend: "", "redis" or "nats". Either way events go through
	// the async dispatcher so a slow broker never blocks a cache operation.
	Notifier       string `env:"TIERCACHE_NOTIFIER"`
	NotifyChannel  string `env:"TIERCACHE_NOTIFY_CHANNEL"`
	NATSURL        string `env:"TIERCACHE_NATS_URL"`
	NotifyWorkers  int    `env:"TIERCACHE_NOTIFY_WORKERS"`
	NotifyQueueLen int    `env:"TIERCACHE_NOTIFY_QUEUE_LEN"`

	// LogLevel is a zap level name ("debug", "info", "warn", "error").
	// Empty means info.
	LogLevel string `env:"TIERCACHE_LOG_LEVEL"`
}

// Load reads Config from the environment.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// New assembles the tiers, logger and notifier described by cfg and returns
// a running cache. hooks may be nil. The returned cache owns everything New
// built; Close releases it all.
func New[V any](cfg Config, cdc c.Codec[V], hooks tiercache.Hooks) (tiercache.Cache[V], error) {
	if hooks == nil {
		hooks = tiercache.NopHooks{}
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	opts := tiercache.Options[V]{
		Codec:          cdc,
		Logger:         logger,
		Hooks:          hooks,
		DefaultTTL:     cfg.DefaultTTL,
		RemoteTimeout:  cfg.RemoteTimeout,
		PersistTimeout: cfg.PersistTimeout,
		StartOffline:   cfg.StartOffline,
	}

	// Tiers built so far, closed in reverse when a later step fails.
	var built []tier.Tier
	fail := func(err error) (tiercache.Cache[V], error) {
		for i := len(built) - 1; i >= 0; i-- {
			_ = built[i].Close(context.Background())
		}
		return nil, err
	}

	if cfg.MemoryEnabled {
		opts.Memory = memory.New(memory.Config{})
		built = append(built, opts.Memory)
	}

	if cfg.FastKVMaxBytes > 0 {
		fk, err := fastkv.New(fastkv.Config{
			MaxBytes:           cfg.FastKVMaxBytes,
			LifeWindow:         cfg.FastKVLifeWindow,
			HardMaxCacheSizeMB: cfg.FastKVHardMaxMB,
			OnQuotaRecovery:    hooks.QuotaRecovery,
		})
		if err != nil {
			return fail(fmt.Errorf("fastkv: %w", err))
		}
		opts.FastKV = fk
		built = append(built, fk)
	}

	if cfg.PersistPath != "" {
		ps, err := persistent.Open(cfg.PersistPath, persistent.Config{
			SweepInterval: cfg.PersistSweep,
			OnReplay:      hooks.ReplayDrained,
		})
		if err != nil {
			return fail(fmt.Errorf("persistent: %w", err))
		}
		opts.Persistent = ps
		built = append(built, ps)
	}

	if len(cfg.RedisAddrs) > 0 {
		rt, err := remote.New(remote.Config{
			Client:      newRedisClient(cfg),
			CloseClient: true,
		})
		if err != nil {
			return fail(fmt.Errorf("remote: %w", err))
		}
		opts.Remote = rt
		built = append(built, rt)
	}

	notifier, err := buildNotifier(cfg, hooks)
	if err != nil {
		return fail(err)
	}
	opts.Notifier = notifier

	cache, err := tiercache.New[V](opts)
	if err != nil {
		if notifier != nil {
			_ = notifier.Close(context.Background())
		}
		return fail(err)
	}
	return cache, nil
}

func buildLogger(level string) (tiercache.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if level != "" {
		lvl, err := zap.ParseAtomicLevel(level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zcfg.Level = lvl
	}
	zl, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return zaplog.ZapLogger{L: zl}, nil
}

// buildNotifier returns nil when no backend is configured. The raw publisher
// gets its own connection so ownership stays exclusive.
func buildNotifier(cfg Config, hooks tiercache.Hooks) (notify.Notifier, error) {
	var inner notify.Notifier
	switch cfg.Notifier {
	case "":
		return nil, nil
	case "redis":
		if len(cfg.RedisAddrs) == 0 {
			return nil, fmt.Errorf("redis notifier requires TIERCACHE_REDIS_ADDRS")
		}
		n, err := redisnotify.New(redisnotify.Config{
			Client:      newRedisClient(cfg),
			Channel:     cfg.NotifyChannel,
			CloseClient: true,
		})
		if err != nil {
			return nil, fmt.Errorf("redis notifier: %w", err)
		}
		inner = n
	case "nats":
		url := cfg.NATSURL
		if url == "" {
			url = nats.DefaultURL
		}
		nc, err := nats.Connect(url)
		if err != nil {
			return nil, fmt.Errorf("nats connect: %w", err)
		}
		n, err := natsnotify.New(natsnotify.Config{
			Conn:      nc,
			Subject:   cfg.NotifyChannel,
			CloseConn: true,
		})
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("nats notifier: %w", err)
		}
		inner = n
	default:
		return nil, fmt.Errorf("unknown notifier %q", cfg.Notifier)
	}

	return asyncnotify.New(inner, asyncnotify.Options{
		Workers:  cfg.NotifyWorkers,
		QueueLen: cfg.NotifyQueueLen,
		OnError:  hooks.NotifyError,
	}), nil
}

func newRedisClient(cfg Config) goredis.UniversalClient {
	return goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    cfg.RedisAddrs,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}
