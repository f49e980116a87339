package tiercache

import "github.com/elevow/table-sub005/tier"

// Hooks are lightweight callbacks for high-signal events. Implementations
// MUST be cheap and non-blocking; the manager calls them on hot paths.
type Hooks interface {
	// An entry was deleted by the manager on read. reason is one of
	// "corrupt", "expired", "version_mismatch", "value_decode".
	SelfHeal(t tier.Name, storageKey, reason string)

	// A tier returned an error on read; the manager treated it as a miss
	// and moved on.
	TierReadError(t tier.Name, storageKey string, err error)

	// A tier rejected or failed a write; other tiers are unaffected.
	TierWriteError(t tier.Name, storageKey string, err error)

	// Size pressure evicted entries from a namespace on one tier.
	Evicted(namespace string, t tier.Name, removed int)

	// A remote write was deferred to the offline queue.
	WriteDeferred(storageKey string)

	// The offline queue drained: applied ops and ops pushed back for the
	// next drain.
	ReplayDrained(applied, requeued int)

	// The quota-limited tier purged expired entries after a rejected write;
	// recovered reports whether the retry succeeded. Wired through the tier's
	// recovery callback (see setup).
	QuotaRecovery(purged int, recovered bool)

	// The notifier returned an error on a fire-and-forget publish.
	NotifyError(err error)
}

// NopHooks is the default no-op.
type NopHooks struct{}

func (NopHooks) SelfHeal(tier.Name, string, string)      {}
func (NopHooks) TierReadError(tier.Name, string, error)  {}
func (NopHooks) TierWriteError(tier.Name, string, error) {}
func (NopHooks) Evicted(string, tier.Name, int)          {}
func (NopHooks) WriteDeferred(string)                    {}
func (NopHooks) ReplayDrained(int, int)                  {}
func (NopHooks) QuotaRecovery(int, bool)                 {}
func (NopHooks) NotifyError(error)                       {}
