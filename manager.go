package tiercache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	c "github.com/elevow/table-sub005/codec"
	"github.com/elevow/table-sub005/internal/util"
	"github.com/elevow/table-sub005/internal/wire"
	"github.com/elevow/table-sub005/notify"
	"github.com/elevow/table-sub005/queue"
	"github.com/elevow/table-sub005/tier"
)

type manager[V any] struct {
	codec c.Codec[V]

	mem  tier.Tier
	fast tier.Tier
	pers tier.Tier
	rem  tier.Tier

	log      Logger
	hooks    Hooks
	notifier notify.Notifier
	now      func() time.Time

	enabled     bool
	ttl         time.Duration
	remTimeout  time.Duration // 0 means no per-call timeout
	persTimeout time.Duration

	cfgMu  sync.RWMutex
	nss    map[string]*nsConfig
	defCfg *nsConfig

	// offline holds remote writes deferred while connectivity is down.
	online  atomic.Bool
	offline *queue.Queue

	sf singleflight.Group

	closed    atomic.Bool
	closeOnce sync.Once
}

var _ Cache[int] = (*manager[int])(nil)

func newManager[V any](opts Options[V]) (*manager[V], error) {
	if opts.Codec == nil {
		return nil, &OptionsError{Field: "codec", Reason: "required"}
	}
	if opts.Memory == nil && opts.FastKV == nil && opts.Persistent == nil && opts.Remote == nil {
		return nil, &OptionsError{Field: "tiers", Reason: "at least one tier is required"}
	}

	m := &manager[V]{
		codec:   opts.Codec,
		mem:     opts.Memory,
		fast:    opts.FastKV,
		pers:    opts.Persistent,
		rem:     opts.Remote,
		enabled: !opts.Disabled,
		nss:     make(map[string]*nsConfig),
		defCfg:  defaultNamespaceConfig(),
		offline: queue.New(),
	}

	// defaults
	m.log = coalesce[Logger](opts.Logger, NopLogger{})
	m.hooks = coalesce[Hooks](opts.Hooks, NopHooks{})
	m.notifier = coalesce[notify.Notifier](opts.Notifier, notify.Nop{})
	m.ttl = coalesce[time.Duration](opts.DefaultTTL, defaultTTL)
	m.remTimeout = resolveTimeout(opts.RemoteTimeout, defaultRemoteTimeout)
	m.persTimeout = resolveTimeout(opts.PersistTimeout, defaultPersistTimeout)
	if opts.Now != nil {
		m.now = opts.Now
	} else {
		m.now = time.Now
	}
	m.online.Store(!opts.StartOffline)

	return m, nil
}

func resolveTimeout(v, def time.Duration) time.Duration {
	switch {
	case v < 0:
		return 0
	case v == 0:
		return def
	}
	return v
}

func (m *manager[V]) usable() bool {
	return m.enabled && !m.closed.Load()
}

// configFor returns the compiled config for a namespace, or the shared
// default when it was never configured.
func (m *manager[V]) configFor(namespace string) *nsConfig {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	if cfg, ok := m.nss[namespace]; ok {
		return cfg
	}
	return m.defCfg
}

func (m *manager[V]) Configure(namespace string, cfg NamespaceConfig) error {
	compiled, err := compileConfig(namespace, cfg)
	if err != nil {
		return err
	}
	m.cfgMu.Lock()
	m.nss[namespace] = compiled
	m.cfgMu.Unlock()
	m.log.Debug("namespace configured", Fields{
		"ns":    namespace,
		"tier":  string(compiled.Tier),
		"ttl":   compiled.DefaultTTL,
		"rules": len(compiled.rules),
	})
	return nil
}

func (m *manager[V]) Config(namespace string) (NamespaceConfig, bool) {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	cfg, ok := m.nss[namespace]
	if !ok {
		return NamespaceConfig{}, false
	}
	out := cfg.NamespaceConfig
	out.Rules = append([]InvalidationRule(nil), out.Rules...)
	return out, true
}

// tierOrder lists the tiers serving a namespace in read-priority order:
// memory, the namespace's local tier, remote. Writes fan out to the same set.
func (m *manager[V]) tierOrder(cfg *nsConfig) []tier.Tier {
	out := make([]tier.Tier, 0, 3)
	if m.mem != nil {
		out = append(out, m.mem)
	}
	switch cfg.Tier {
	case tier.FastKV:
		if m.fast != nil {
			out = append(out, m.fast)
		}
	case tier.Persistent:
		if m.pers != nil {
			out = append(out, m.pers)
		}
	}
	if m.rem != nil {
		out = append(out, m.rem)
	}
	return out
}

func (m *manager[V]) allTiers() []tier.Tier {
	out := make([]tier.Tier, 0, 4)
	for _, t := range []tier.Tier{m.mem, m.fast, m.pers, m.rem} {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

func filterOnly(ts []tier.Tier, only []tier.Name) []tier.Tier {
	if len(only) == 0 {
		return ts
	}
	out := make([]tier.Tier, 0, len(ts))
	for _, t := range ts {
		for _, n := range only {
			if t.Name() == n {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

func filterSkip(ts []tier.Tier, skip []tier.Name) []tier.Tier {
	if len(skip) == 0 {
		return ts
	}
	out := make([]tier.Tier, 0, len(ts))
	for _, t := range ts {
		skipped := false
		for _, n := range skip {
			if t.Name() == n {
				skipped = true
				break
			}
		}
		if !skipped {
			out = append(out, t)
		}
	}
	return out
}

// opCtx derives a per-call context for slow tiers. Memory and fastkv calls
// run on the caller's context untouched.
func (m *manager[V]) opCtx(ctx context.Context, t tier.Tier) (context.Context, context.CancelFunc) {
	var d time.Duration
	switch t.Name() {
	case tier.Remote:
		d = m.remTimeout
	case tier.Persistent:
		d = m.persTimeout
	}
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

func (m *manager[V]) Set(ctx context.Context, namespace, key string, value V, opts SetOptions) bool {
	if !m.usable() || !util.ValidNamespace(namespace) || key == "" {
		return false
	}
	cfg := m.configFor(namespace)

	rule, hasRule := cfg.matchRule(key)
	ttl := opts.TTL
	if ttl <= 0 && hasRule {
		ttl = rule.TTLOverride
	}
	if ttl <= 0 {
		ttl = cfg.DefaultTTL
	}
	if ttl <= 0 {
		ttl = m.ttl
	}

	var ruleTags []string
	if hasRule {
		ruleTags = rule.Tags
	}
	tags := mergeTags(opts.Tags, ruleTags)

	payload, err := m.codec.Encode(value)
	if err != nil {
		m.log.Warn("set skipped (encode failed)", Fields{"ns": namespace, "key": key, "err": err})
		return false
	}

	var expiresAt int64
	if ttl > 0 {
		expiresAt = m.now().Add(ttl).UnixNano()
	}
	var flags byte
	if cfg.Compression {
		flags = wire.FlagCompressed
	}
	env, err := wire.Encode(wire.Entry{
		ExpiresAt: expiresAt,
		Version:   cfg.Version,
		Flags:     flags,
		Tags:      tags,
		Payload:   payload,
	})
	if err != nil {
		m.log.Warn("set skipped (envelope failed)", Fields{"ns": namespace, "key": key, "err": err})
		return false
	}

	sk := util.StorageKey(namespace, key)
	targets := filterSkip(m.tierOrder(cfg), opts.SkipTiers)
	if len(targets) == 0 {
		return false
	}

	m.log.Debug("set", Fields{
		"ns": namespace, "key": key, "ttl": ttl,
		"tiers": len(targets), "size": EstimateSize(value),
	})

	// fan out; each tier succeeds or fails on its own
	oks := make([]bool, len(targets))
	var wg sync.WaitGroup
	for i, t := range targets {
		wg.Add(1)
		go func(i int, t tier.Tier) {
			defer wg.Done()
			oks[i] = m.setOne(ctx, t, sk, env, ttl)
		}(i, t)
	}
	wg.Wait()

	accepted := false
	for i, t := range targets {
		if !oks[i] {
			continue
		}
		accepted = true
		m.maybeEvict(namespace, cfg, t)
	}
	if accepted {
		m.notify(ctx, notify.Event{Op: notify.OpSet, Namespace: namespace, Key: key, Tags: tags, At: m.now()})
	}
	return accepted
}

func (m *manager[V]) setOne(ctx context.Context, t tier.Tier, sk string, env []byte, ttl time.Duration) bool {
	if t.Name() == tier.Remote && !m.Online() {
		m.deferSet(sk, env)
		return true // queued counts as accepted
	}
	tctx, cancel := m.opCtx(ctx, t)
	defer cancel()
	if err := t.Set(tctx, sk, env, ttl); err != nil {
		m.hooks.TierWriteError(t.Name(), sk, err)
		m.log.Warn("tier write failed", Fields{"tier": string(t.Name()), "key": sk, "err": err})
		return false
	}
	return true
}

// deferSet queues a remote write for the next drain. TTL is recomputed from
// the envelope at replay time so queued entries do not outlive their expiry.
func (m *manager[V]) deferSet(sk string, env []byte) {
	m.offline.Enqueue(queue.Op{
		Kind: "set",
		Key:  sk,
		Apply: func(ctx context.Context) error {
			rem := m.rem
			if rem == nil {
				return nil
			}
			exp, err := wire.ExpiresAt(env)
			if err != nil {
				return nil // unreadable; drop
			}
			var ttl time.Duration
			if exp != 0 {
				ttl = time.Duration(exp - m.now().UnixNano())
				if ttl <= 0 {
					return nil // expired while queued; drop
				}
			}
			tctx, cancel := m.opCtx(ctx, rem)
			defer cancel()
			return rem.Set(tctx, sk, env, ttl)
		},
	})
	m.hooks.WriteDeferred(sk)
	m.log.Debug("remote write deferred (offline)", Fields{"key": sk})
}

func (m *manager[V]) deferDelete(sk string) {
	m.offline.Enqueue(queue.Op{
		Kind: "delete",
		Key:  sk,
		Apply: func(ctx context.Context) error {
			rem := m.rem
			if rem == nil {
				return nil
			}
			tctx, cancel := m.opCtx(ctx, rem)
			defer cancel()
			return rem.Delete(tctx, sk)
		},
	})
	m.hooks.WriteDeferred(sk)
	m.log.Debug("remote delete deferred (offline)", Fields{"key": sk})
}

func (m *manager[V]) deferScan(prefix string, match tier.MatchFunc) {
	m.offline.Enqueue(queue.Op{
		Kind: "delete",
		Key:  prefix,
		Apply: func(ctx context.Context) error {
			rem := m.rem
			if rem == nil {
				return nil
			}
			tctx, cancel := m.opCtx(ctx, rem)
			defer cancel()
			_, err := rem.DeleteMatching(tctx, prefix, match)
			return err
		},
	})
	m.hooks.WriteDeferred(prefix)
	m.log.Debug("remote scan deferred (offline)", Fields{"prefix": prefix})
}

// maybeEvict enforces the namespace's size bounds on one tier after a write.
// Crossing a bound evicts a batch of the entries closest to expiry.
func (m *manager[V]) maybeEvict(namespace string, cfg *nsConfig, t tier.Tier) {
	if cfg.MaxEntries <= 0 && cfg.MaxBytes <= 0 {
		return
	}
	ev, ok := t.(tier.Evicter)
	if !ok {
		return
	}
	prefix := util.NamespacePrefix(namespace)
	count := ev.CountPrefix(prefix)
	over := (cfg.MaxEntries > 0 && count > cfg.MaxEntries) ||
		(cfg.MaxBytes > 0 && ev.BytesPrefix(prefix) > cfg.MaxBytes)
	if !over {
		return
	}
	n := count / evictDivisor
	if n < 1 {
		n = 1
	}
	removed := ev.EvictSoonest(prefix, n)
	if removed > 0 {
		m.hooks.Evicted(namespace, t.Name(), removed)
		m.log.Info("size pressure eviction", Fields{
			"ns": namespace, "tier": string(t.Name()), "removed": removed,
		})
	}
}

func (m *manager[V]) Get(ctx context.Context, namespace, key string, opts GetOptions) (V, bool) {
	var zero V
	if !m.usable() || !util.ValidNamespace(namespace) || key == "" {
		return zero, false
	}
	if opts.ForceFresh {
		return zero, false
	}

	cfg := m.configFor(namespace)
	sk := util.StorageKey(namespace, key)
	nowNano := m.now().UnixNano()

	for _, t := range filterOnly(m.tierOrder(cfg), opts.OnlyFrom) {
		if t.Name() == tier.Remote && !m.Online() {
			continue
		}
		tctx, cancel := m.opCtx(ctx, t)
		raw, ok, err := t.Get(tctx, sk)
		cancel()
		if err != nil {
			if !errors.Is(err, tier.ErrUnavailable) {
				m.hooks.TierReadError(t.Name(), sk, err)
				m.log.Debug("tier read failed", Fields{"tier": string(t.Name()), "key": sk, "err": err})
			}
			continue
		}
		if !ok {
			continue
		}

		e, err := wire.Decode(raw)
		if err != nil {
			m.heal(ctx, t, sk, "corrupt")
			continue
		}
		if e.ExpiresAt != 0 && nowNano >= e.ExpiresAt {
			m.heal(ctx, t, sk, "expired")
			continue
		}
		if e.Version != cfg.Version {
			m.heal(ctx, t, sk, "version_mismatch")
			continue
		}
		v, err := m.codec.Decode(e.Payload)
		if err != nil {
			m.heal(ctx, t, sk, "value_decode")
			continue
		}
		return v, true
	}
	return zero, false
}

// heal deletes an entry found dead on the read path and reports why.
func (m *manager[V]) heal(ctx context.Context, t tier.Tier, sk, reason string) {
	tctx, cancel := m.opCtx(ctx, t)
	defer cancel()
	_ = t.Delete(tctx, sk)
	m.hooks.SelfHeal(t.Name(), sk, reason)
	m.log.Debug("self-heal", Fields{"tier": string(t.Name()), "key": sk, "reason": reason})
}

func (m *manager[V]) Invalidate(ctx context.Context, namespace, key string, opts InvalidateOptions) bool {
	if !m.usable() || !util.ValidNamespace(namespace) || key == "" {
		return false
	}
	cfg := m.configFor(namespace)
	sk := util.StorageKey(namespace, key)

	okAny := false
	for _, t := range filterOnly(m.tierOrder(cfg), opts.OnlyFrom) {
		if t.Name() == tier.Remote && !m.Online() {
			m.deferDelete(sk)
			okAny = true
			continue
		}
		tctx, cancel := m.opCtx(ctx, t)
		err := t.Delete(tctx, sk)
		cancel()
		if err != nil {
			m.hooks.TierWriteError(t.Name(), sk, err)
			m.log.Warn("invalidate failed", Fields{"tier": string(t.Name()), "key": sk, "err": err})
			continue
		}
		okAny = true
	}
	if okAny {
		m.notify(ctx, notify.Event{Op: notify.OpInvalidate, Namespace: namespace, Key: key, At: m.now()})
	}
	return okAny
}

// tagMatch matches entries whose tag set intersects want. want must be
// sorted; entries without tags and unreadable entries never match.
func tagMatch(want []string) tier.MatchFunc {
	return func(_ string, value []byte) bool {
		got, err := wire.Tags(value)
		if err != nil || len(got) == 0 {
			return false
		}
		i, j := 0, 0
		for i < len(got) && j < len(want) {
			switch {
			case got[i] == want[j]:
				return true
			case got[i] < want[j]:
				i++
			default:
				j++
			}
		}
		return false
	}
}

func (m *manager[V]) InvalidateTags(ctx context.Context, namespace string, tags []string, opts InvalidateOptions) bool {
	if !m.usable() || !util.ValidNamespace(namespace) {
		return false
	}
	want := mergeTags(tags, nil)
	if len(want) == 0 {
		return false
	}
	cfg := m.configFor(namespace)
	targets := filterOnly(m.tierOrder(cfg), opts.OnlyFrom)
	ev := notify.Event{Op: notify.OpInvalidateTags, Namespace: namespace, Tags: want, At: m.now()}
	return m.scanDelete(ctx, util.NamespacePrefix(namespace), tagMatch(want), targets, ev)
}

func (m *manager[V]) ClearNamespace(ctx context.Context, namespace string, opts InvalidateOptions) bool {
	if !m.usable() || !util.ValidNamespace(namespace) {
		return false
	}
	cfg := m.configFor(namespace)
	targets := filterOnly(m.tierOrder(cfg), opts.OnlyFrom)
	ev := notify.Event{Op: notify.OpClearNamespace, Namespace: namespace, At: m.now()}
	return m.scanDelete(ctx, util.NamespacePrefix(namespace), nil, targets, ev)
}

func (m *manager[V]) ClearAll(ctx context.Context, opts InvalidateOptions) bool {
	if !m.usable() {
		return false
	}
	targets := filterOnly(m.allTiers(), opts.OnlyFrom)
	ev := notify.Event{Op: notify.OpClearAll, At: m.now()}
	return m.scanDelete(ctx, "", nil, targets, ev)
}

// scanDelete runs one prefix scan per target tier. A tier that errors is
// skipped; true means at least one tier completed (or deferred) the scan.
func (m *manager[V]) scanDelete(ctx context.Context, prefix string, match tier.MatchFunc, targets []tier.Tier, ev notify.Event) bool {
	okAny := false
	removed := 0
	var errs []error
	for _, t := range targets {
		if t.Name() == tier.Remote && !m.Online() {
			m.deferScan(prefix, match)
			okAny = true
			continue
		}
		tctx, cancel := m.opCtx(ctx, t)
		n, err := t.DeleteMatching(tctx, prefix, match)
		cancel()
		if err != nil {
			if !errors.Is(err, tier.ErrUnavailable) {
				errs = append(errs, fmt.Errorf("%s: %w", t.Name(), err))
				m.hooks.TierWriteError(t.Name(), prefix, err)
			}
			continue
		}
		okAny = true
		removed += n
	}
	if !okAny {
		if len(errs) > 0 {
			m.log.Warn("invalidation failed on every tier", Fields{
				"op": ev.Op, "prefix": prefix,
				"err": &ScanError{Namespace: ev.Namespace, Errs: errs},
			})
		}
		return false
	}
	m.log.Debug("invalidation", Fields{"op": ev.Op, "prefix": prefix, "removed": removed})
	m.notify(ctx, ev)
	return true
}

func (m *manager[V]) GetOrFetch(ctx context.Context, namespace, key string, fetch FetchFunc[V], opts FetchOptions) (V, error) {
	var zero V
	if fetch == nil {
		return zero, &OptionsError{Field: "fetch", Reason: "required"}
	}
	if m.usable() && !opts.Revalidate {
		if v, ok := m.Get(ctx, namespace, key, GetOptions{}); ok {
			return v, nil
		}
	}

	// one flight per storage key; losers share the winner's result
	sk := util.StorageKey(namespace, key)
	res, err, shared := m.sf.Do(sk, func() (any, error) {
		v, err := fetch(ctx)
		if err != nil {
			return nil, err // propagate unchanged; cache nothing
		}
		m.Set(ctx, namespace, key, v, SetOptions{TTL: opts.TTL, Tags: opts.Tags, SkipTiers: opts.SkipTiers})
		return v, nil
	})
	if err != nil {
		return zero, err
	}
	if shared {
		m.log.Debug("fetch coalesced", Fields{"ns": namespace, "key": key})
	}
	return res.(V), nil
}

func (m *manager[V]) DependentsOf(namespace, key string) []Dependent {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	var out []Dependent
	for ns, cfg := range m.nss {
		for _, cr := range cfg.rules {
			for _, dep := range cr.rule.DependsOn {
				if dep.Namespace == namespace && dep.Key == key {
					out = append(out, Dependent{Namespace: ns, Pattern: cr.rule.Pattern})
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace < out[j].Namespace
		}
		return out[i].Pattern < out[j].Pattern
	})
	return out
}

func (m *manager[V]) Online() bool { return m.online.Load() }

func (m *manager[V]) SetOnline(ctx context.Context, online bool) {
	if m.closed.Load() {
		return
	}
	was := m.online.Swap(online)
	if !online {
		if was {
			m.log.Info("connectivity lost; deferring remote writes", nil)
		}
		return
	}
	if was {
		return // already online
	}

	m.log.Info("connectivity restored; draining deferred writes", nil)
	applied, requeued := m.offline.Drain(ctx)
	if applied > 0 || requeued > 0 {
		m.hooks.ReplayDrained(applied, requeued)
		m.log.Info("offline queue drained", Fields{"applied": applied, "requeued": requeued})
	}

	for _, t := range m.allTiers() {
		r, ok := t.(tier.Resumer)
		if !ok {
			continue
		}
		if n, err := r.Resume(ctx); err != nil {
			if !errors.Is(err, tier.ErrUnavailable) {
				m.log.Warn("tier resume failed", Fields{"tier": string(t.Name()), "err": err})
			}
		} else if n > 0 {
			m.log.Debug("tier resumed", Fields{"tier": string(t.Name()), "applied": n})
		}
	}
}

// notify publishes fire-and-forget. Notifiers must be non-blocking; slow
// transports go through notify/async.
func (m *manager[V]) notify(ctx context.Context, ev notify.Event) {
	if err := m.notifier.Notify(ctx, ev); err != nil {
		m.hooks.NotifyError(err)
		m.log.Debug("notify failed", Fields{"op": ev.Op, "err": err})
	}
}

func (m *manager[V]) Close(ctx context.Context) error {
	var errs []error
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		for _, t := range m.allTiers() {
			if err := t.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", t.Name(), err))
			}
		}
		if err := m.notifier.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close notifier: %w", err))
		}
	})
	return errors.Join(errs...)
}
