package rules

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/detect/internal/metrics"
)

// Engine evaluates batches of events against a registry.
// It holds no per-batch state and is safe for concurrent use.
type Engine struct {
	registry *Registry
	workers  int
}

// EngineOption configures an Engine
type EngineOption func(*Engine)

// WithWorkers sets the fan-out of AnalyzeParallel. Values below 1 mean GOMAXPROCS.
func WithWorkers(n int) EngineOption {
	return func(en *Engine) { en.workers = n }
}

// NewEngine creates an engine over reg. A nil registry behaves as an empty one.
func NewEngine(reg *Registry, opts ...EngineOption) *Engine {
	if reg == nil {
		reg = NewRegistry(nil)
	}
	en := &Engine{registry: reg}
	for _, opt := range opts {
		opt(en)
	}
	if en.workers < 1 {
		en.workers = runtime.GOMAXPROCS(0)
	}
	return en
}

// Registry returns the registry the engine evaluates
func (en *Engine) Registry() *Registry {
	return en.registry
}

// Analyze tests every event against every unit, in event order then registry
// order, and returns one match per pair whose predicate held.
func (en *Engine) Analyze(events []Event) []Match {
	start := time.Now()
	units := en.registry.units

	matches := make([]Match, 0)
	for _, event := range events {
		matches = evaluate(units, event, matches)
	}

	record(len(events), matches, start)
	return matches
}

// AnalyzeParallel produces the same matches as Analyze, fanning events out
// over the engine's workers. Results are merged in event order. ctx only stops
// scheduling of events that have not started; the partial result is discarded.
func (en *Engine) AnalyzeParallel(ctx context.Context, events []Event) ([]Match, error) {
	start := time.Now()
	units := en.registry.units

	perEvent := make([][]Match, len(events))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(en.workers)

	for i := range events {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perEvent[i] = evaluate(units, events[i], nil)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	total := 0
	for _, m := range perEvent {
		total += len(m)
	}
	matches := make([]Match, 0, total)
	for _, m := range perEvent {
		matches = append(matches, m...)
	}

	record(len(events), matches, start)
	return matches, nil
}

func evaluate(units []*Unit, event Event, out []Match) []Match {
	for _, u := range units {
		if !u.Matches(event) {
			continue
		}
		out = append(out, Match{
			RuleID:   u.ID(),
			Title:    u.Title(event),
			Severity: u.Severity(),
			Dedup:    u.DedupKey(event),
			Event:    event,
		})
	}
	return out
}

func record(events int, matches []Match, start time.Time) {
	metrics.EventsAnalyzed.Add(float64(events))
	for _, m := range matches {
		metrics.Matches.WithLabelValues(m.Severity).Inc()
	}
	metrics.AnalyzeDuration.Observe(time.Since(start).Seconds())
}
