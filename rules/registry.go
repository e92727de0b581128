package rules

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the ordered, read-only set of units built by one load
type Registry struct {
	units []*Unit
	byID  map[string][]*Unit
}

// NewRegistry keeps units in the given order
func NewRegistry(units []*Unit) *Registry {
	r := &Registry{
		units: make([]*Unit, len(units)),
		byID:  make(map[string][]*Unit, len(units)),
	}
	copy(r.units, units)
	for _, u := range r.units {
		r.byID[u.ID()] = append(r.byID[u.ID()], u)
	}
	return r
}

// Units returns the units in evaluation order
func (r *Registry) Units() []*Unit {
	out := make([]*Unit, len(r.units))
	copy(out, r.units)
	return out
}

// Len returns the number of units
func (r *Registry) Len() int { return len(r.units) }

// Lookup returns every unit registered under id. More than one means a collision.
func (r *Registry) Lookup(id string) []*Unit {
	return r.byID[id]
}

// Collisions maps each rule_id loaded more than once to the sources that share it.
// Both units stay registered; downstream consumers keyed on rule_id must cope.
func (r *Registry) Collisions() map[string][]string {
	out := make(map[string][]string)
	for id, units := range r.byID {
		if len(units) < 2 {
			continue
		}
		sources := make([]string, 0, len(units))
		for _, u := range units {
			sources = append(sources, u.Source())
		}
		out[id] = sources
	}
	return out
}

var (
	builtinMu sync.RWMutex
	builtins  []*Unit
)

// Register adds a compiled-in rule definition. def is inspected for the
// capability interfaces (Predicate, Titler, Severer, Deduper, Thresholder).
// It panics when id is registered twice, like database/sql.Register.
func Register(id string, def any) {
	builtinMu.Lock()
	defer builtinMu.Unlock()

	for _, u := range builtins {
		if u.ID() == id {
			panic(fmt.Sprintf("rules: Register called twice for %s", id))
		}
	}
	builtins = append(builtins, NewUnit(id, "builtin", CapabilitiesOf(def)))
}

// Builtins returns the compiled-in units sorted by rule_id
func Builtins() []*Unit {
	builtinMu.RLock()
	defer builtinMu.RUnlock()

	out := make([]*Unit, len(builtins))
	copy(out, builtins)
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}
