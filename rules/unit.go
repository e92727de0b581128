package rules

import (
	"fmt"

	"github.com/liamcoop/detect/internal/logger"
	"github.com/liamcoop/detect/internal/metrics"
)

// Unit is a loaded rule definition. Every accessor is total: a failing or
// missing capability degrades to its default instead of reaching the caller.
// Units are immutable after construction and safe for concurrent use.
type Unit struct {
	id     string
	source string
	caps   Capabilities
}

// NewUnit binds capabilities to a rule ID. source is informational (file path, store path, "builtin").
func NewUnit(id, source string, caps Capabilities) *Unit {
	return &Unit{id: id, source: source, caps: caps}
}

// ID returns the rule_id
func (u *Unit) ID() string { return u.id }

// Source returns where the unit was loaded from
func (u *Unit) Source() string { return u.source }

// Capabilities lists the capability names the definition provides
func (u *Unit) Capabilities() []string { return u.caps.Names() }

// Matches reports whether the predicate holds for event. A missing predicate,
// an error or a panic all count as no match.
func (u *Unit) Matches(event Event) bool {
	if u.caps.Predicate == nil {
		return false
	}
	matched, err := guard(func() (bool, error) { return u.caps.Predicate(event) })
	if err != nil {
		u.failed(CapabilityPredicate, err)
		return false
	}
	return matched
}

// Title returns the alert title for event, or the rule_id
func (u *Unit) Title(event Event) string {
	if u.caps.Title == nil {
		return u.id
	}
	title, err := guard(func() (string, error) { return u.caps.Title(event) })
	if err != nil {
		u.failed(CapabilityTitle, err)
		return u.id
	}
	return title
}

// Severity returns the severity label, or DefaultSeverity
func (u *Unit) Severity() string {
	if u.caps.Severity == nil {
		return DefaultSeverity
	}
	severity, err := guard(u.caps.Severity)
	if err != nil {
		u.failed(CapabilitySeverity, err)
		return DefaultSeverity
	}
	return severity
}

// DedupKey returns the deduplication key for event, or the rule_id
func (u *Unit) DedupKey(event Event) string {
	if u.caps.Dedup == nil {
		return u.id
	}
	key, err := guard(func() (string, error) { return u.caps.Dedup(event) })
	if err != nil {
		u.failed(CapabilityDedup, err)
		return u.id
	}
	return key
}

// Threshold returns the declared threshold hint. The engine never enforces it.
func (u *Unit) Threshold() (int, bool) {
	if u.caps.Threshold == nil {
		return 0, false
	}
	n, err := guard(func() (int, error) { return u.caps.Threshold(), nil })
	if err != nil {
		u.failed(CapabilityThreshold, err)
		return 0, false
	}
	return n, true
}

func (u *Unit) failed(capability string, err error) {
	metrics.RuleErrors.WithLabelValues(capability).Inc()
	logger.DebugRuleError(u.id, capability, err)
}

// guard runs fn, turning a panic into an error
func guard[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			v = zero
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
