package tiercache

import (
	"regexp"
	"sort"
	"time"

	"github.com/elevow/table-sub005/internal/util"
	"github.com/elevow/table-sub005/tier"
)

// NamespaceConfig is the per-namespace policy: which local tier holds the
// namespace, default lifetime, size bounds, and invalidation rules.
// Configure is last-writer-wins and never touches already-stored entries.
type NamespaceConfig struct {
	// Tier selects the local tier for this namespace: tier.Memory,
	// tier.FastKV or tier.Persistent. Empty means tier.Memory. Writes
	// always also reach the memory and remote tiers when available;
	// tier.Remote here means no extra local tier.
	Tier tier.Name

	// DefaultTTL applies when a Set carries no TTL and no rule override.
	// 0 falls through to the manager default.
	DefaultTTL time.Duration

	// MaxEntries caps the namespace's entry count per evictable tier.
	// Exceeding it evicts ~20% of entries, soonest expiry first. 0 = no cap.
	MaxEntries int

	// MaxBytes caps the namespace's stored bytes per evictable tier.
	// 0 = no cap.
	MaxBytes int64

	// Rules attach TTL overrides, auto-tags and dependency references to
	// keys matching a pattern. First match wins.
	Rules []InvalidationRule

	// Compression marks payloads as compressed on the wire. Informational;
	// the manager neither compresses nor decompresses.
	Compression bool

	// Version stamps new entries. Reads treat entries stamped with a
	// different version as stale and delete them.
	Version uint32
}

// InvalidationRule applies to keys matching Pattern within a namespace.
type InvalidationRule struct {
	// Pattern is a regexp matched against the bare key (not the
	// namespace-prefixed storage key). It is compiled at Configure time.
	Pattern string

	// TTLOverride replaces the namespace default for matching keys when the
	// Set itself carries no TTL.
	TTLOverride time.Duration

	// Tags are attached to matching entries on every Set, in addition to
	// any tags the Set carries.
	Tags []string

	// DependsOn references entries elsewhere whose writes should
	// cascade-invalidate this rule's matches. The manager stores and
	// exposes the references (see DependentsOf); executing the cascade is
	// the caller's responsibility.
	DependsOn []Dependency
}

// Dependency references an entry in another namespace.
type Dependency struct {
	Namespace string
	Key       string
}

// Dependent names a rule that depends on some entry: invalidating the rule's
// namespace by its pattern clears the dependent entries.
type Dependent struct {
	Namespace string
	Pattern   string
}

// compiledRule pairs a rule with its compiled pattern.
type compiledRule struct {
	re   *regexp.Regexp
	rule InvalidationRule
}

// nsConfig is the validated, compiled form the manager stores.
type nsConfig struct {
	NamespaceConfig
	rules []compiledRule
}

func compileConfig(namespace string, cfg NamespaceConfig) (*nsConfig, error) {
	if !util.ValidNamespace(namespace) {
		return nil, &ConfigError{Namespace: namespace, Field: "namespace", Reason: "must be non-empty and contain no ':'"}
	}
	if cfg.Tier == "" {
		cfg.Tier = tier.Memory
	}
	if !cfg.Tier.Valid() {
		return nil, &ConfigError{Namespace: namespace, Field: "tier", Reason: "unknown tier " + string(cfg.Tier)}
	}
	if cfg.DefaultTTL < 0 {
		return nil, &ConfigError{Namespace: namespace, Field: "default_ttl", Reason: "must not be negative"}
	}
	if cfg.MaxEntries < 0 {
		return nil, &ConfigError{Namespace: namespace, Field: "max_entries", Reason: "must not be negative"}
	}
	if cfg.MaxBytes < 0 {
		return nil, &ConfigError{Namespace: namespace, Field: "max_bytes", Reason: "must not be negative"}
	}

	out := &nsConfig{NamespaceConfig: cfg}
	for i, r := range cfg.Rules {
		if r.Pattern == "" {
			return nil, &ConfigError{Namespace: namespace, Field: "rules", Reason: "empty pattern"}
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, &ConfigError{Namespace: namespace, Field: "rules", Reason: "invalid pattern " + r.Pattern, Err: err}
		}
		if r.TTLOverride < 0 {
			return nil, &ConfigError{Namespace: namespace, Field: "rules", Reason: "negative ttl override in " + r.Pattern}
		}
		out.rules = append(out.rules, compiledRule{re: re, rule: cfg.Rules[i]})
	}
	return out, nil
}

// matchRule returns the first rule whose pattern matches key.
func (c *nsConfig) matchRule(key string) (InvalidationRule, bool) {
	for _, cr := range c.rules {
		if cr.re.MatchString(key) {
			return cr.rule, true
		}
	}
	return InvalidationRule{}, false
}

// defaultNamespaceConfig applies when Set touches a namespace that was never
// configured: memory tier, manager default TTL, no bounds.
func defaultNamespaceConfig() *nsConfig {
	return &nsConfig{NamespaceConfig: NamespaceConfig{Tier: tier.Memory}}
}

// mergeTags unions and sorts two tag sets, dropping duplicates and empties.
func mergeTags(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(a)+len(b))
	for _, t := range a {
		if t != "" {
			set[t] = struct{}{}
		}
	}
	for _, t := range b {
		if t != "" {
			set[t] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
