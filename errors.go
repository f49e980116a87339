package tiercache

import (
	"fmt"
	"strings"
)

// ConfigError reports an invalid namespace configuration passed to Configure.
type ConfigError struct {
	Namespace string
	Field     string
	Reason    string
	Err       error // underlying cause (e.g. a regexp compile error), may be nil
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tiercache: configure %q: %s: %s: %v", e.Namespace, e.Field, e.Reason, e.Err)
	}
	return fmt.Sprintf("tiercache: configure %q: %s: %s", e.Namespace, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// OptionsError reports an unusable Options value passed to New.
type OptionsError struct {
	Field  string
	Reason string
}

func (e *OptionsError) Error() string {
	return fmt.Sprintf("tiercache: options: %s: %s", e.Field, e.Reason)
}

// ScanError aggregates per-tier failures from a scan-based invalidation.
// The public API absorbs it into the returned bool; it reaches callers only
// through logs and hooks.
type ScanError struct {
	Namespace string
	Errs      []error
}

func (e *ScanError) Error() string {
	msgs := make([]string, 0, len(e.Errs))
	for _, err := range e.Errs {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("tiercache: invalidate %q: %s", e.Namespace, strings.Join(msgs, "; "))
}

func (e *ScanError) Unwrap() []error { return e.Errs }
