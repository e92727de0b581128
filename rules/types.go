package rules

import "time"

// Event is one externally sourced log record. The engine never validates or types it.
type Event = map[string]any

// DefaultSeverity is reported for units without a usable severity capability
const DefaultSeverity = "INFO"

// Match is the output of a successful predicate evaluation
type Match struct {
	RuleID   string `json:"rule_id" msgpack:"rule_id"`
	Title    string `json:"title" msgpack:"title"`
	Severity string `json:"severity" msgpack:"severity"`
	Dedup    string `json:"dedup" msgpack:"dedup"`
	Event    Event  `json:"event" msgpack:"event"`
}

// Source is one candidate rule definition: where it came from and its raw bytes
type Source struct {
	Path string
	Body []byte
}

// RuleDocument is a stored rule definition, the persisted form of a Source
type RuleDocument struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Body      string    `json:"body"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Source converts a stored document into a loader candidate
func (d *RuleDocument) Source() Source {
	return Source{Path: d.Path, Body: []byte(d.Body)}
}

// Predicate is implemented by definitions that can match events.
// A definition without it never matches.
type Predicate interface {
	Evaluate(event Event) (bool, error)
}

// Titler supplies a per-event alert title
type Titler interface {
	Title(event Event) (string, error)
}

// Severer supplies the severity label of a definition
type Severer interface {
	Severity() (string, error)
}

// Deduper supplies the deduplication key for an event
type Deduper interface {
	Dedup(event Event) (string, error)
}

// Thresholder declares how many matches an external aggregator should see
// before alerting. The engine only reports the value.
type Thresholder interface {
	Threshold() int
}

// Capabilities is the bound form of a definition. Nil fields are absent capabilities.
type Capabilities struct {
	Predicate func(Event) (bool, error)
	Title     func(Event) (string, error)
	Severity  func() (string, error)
	Dedup     func(Event) (string, error)
	Threshold func() int
}

// CapabilitiesOf type-checks def against the optional capability interfaces
func CapabilitiesOf(def any) Capabilities {
	var caps Capabilities
	if p, ok := def.(Predicate); ok {
		caps.Predicate = p.Evaluate
	}
	if t, ok := def.(Titler); ok {
		caps.Title = t.Title
	}
	if s, ok := def.(Severer); ok {
		caps.Severity = s.Severity
	}
	if d, ok := def.(Deduper); ok {
		caps.Dedup = d.Dedup
	}
	if th, ok := def.(Thresholder); ok {
		caps.Threshold = th.Threshold
	}
	return caps
}

// Names lists the capabilities that are present, in contract order
func (c Capabilities) Names() []string {
	names := make([]string, 0, 5)
	if c.Predicate != nil {
		names = append(names, CapabilityPredicate)
	}
	if c.Title != nil {
		names = append(names, CapabilityTitle)
	}
	if c.Severity != nil {
		names = append(names, CapabilitySeverity)
	}
	if c.Dedup != nil {
		names = append(names, CapabilityDedup)
	}
	if c.Threshold != nil {
		names = append(names, CapabilityThreshold)
	}
	return names
}

// Capability names, used in logs and metrics labels
const (
	CapabilityPredicate = "rule"
	CapabilityTitle     = "title"
	CapabilitySeverity  = "severity"
	CapabilityDedup     = "dedup"
	CapabilityThreshold = "threshold"
)
