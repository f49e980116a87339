// Package sloghooks emits tiercache hook events through log/slog, with
// sampling for the hot events and key redaction for logs that leave the
// process.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	tiercache "github.com/elevow/table-sub005"
	"github.com/elevow/table-sub005/tier"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	SelfHealEvery  uint64
	ReadErrorEvery uint64
	DeferEvery     uint64
	// Optional key redactor. Defaults to a SHA-256 prefix.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	selfHealCtr atomic.Uint64
	readErrCtr  atomic.Uint64
	deferCtr    atomic.Uint64
}

var _ tiercache.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) SelfHeal(t tier.Name, storageKey, reason string) {
	if h.l == nil || !sample(h.opts.SelfHealEvery, &h.selfHealCtr) {
		return
	}
	h.l.Debug("tiercache.self_heal",
		"tier", string(t),
		"key", h.redact(storageKey),
		"reason", reason)
}

func (h *Hooks) TierReadError(t tier.Name, storageKey string, err error) {
	if h.l == nil || !sample(h.opts.ReadErrorEvery, &h.readErrCtr) {
		return
	}
	h.l.Warn("tiercache.tier_read_error",
		"tier", string(t),
		"key", h.redact(storageKey),
		"err", err)
}

func (h *Hooks) TierWriteError(t tier.Name, storageKey string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("tiercache.tier_write_error",
		"tier", string(t),
		"key", h.redact(storageKey),
		"err", err)
}

func (h *Hooks) Evicted(namespace string, t tier.Name, removed int) {
	if h.l == nil {
		return
	}
	h.l.Info("tiercache.evicted",
		"ns", namespace,
		"tier", string(t),
		"removed", removed)
}

func (h *Hooks) WriteDeferred(storageKey string) {
	if h.l == nil || !sample(h.opts.DeferEvery, &h.deferCtr) {
		return
	}
	h.l.Debug("tiercache.write_deferred",
		"key", h.redact(storageKey))
}

func (h *Hooks) ReplayDrained(applied, requeued int) {
	if h.l == nil {
		return
	}
	h.l.Info("tiercache.replay_drained",
		"applied", applied,
		"requeued", requeued)
}

func (h *Hooks) QuotaRecovery(purged int, recovered bool) {
	if h.l == nil {
		return
	}
	if recovered {
		h.l.Info("tiercache.quota_recovery",
			"purged", purged,
			"recovered", true)
		return
	}
	h.l.Warn("tiercache.quota_recovery",
		"purged", purged,
		"recovered", false)
}

func (h *Hooks) NotifyError(err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("tiercache.notify_error", "err", err)
}
