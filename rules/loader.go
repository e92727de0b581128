package rules

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/liamcoop/detect/internal/logger"
	"github.com/liamcoop/detect/internal/metrics"
)

// Extensions are the file suffixes recognized as rule definitions
var Extensions = []string{".yml", ".yaml"}

// HelperPrefix marks shared helper files that are never loaded as rules
const HelperPrefix = "_"

// Skipped is a candidate that did not become a unit
type Skipped struct {
	Path string
	Err  error
}

// LoadReport describes the outcome of one load. It is informational only;
// loading never fails because of an individual candidate.
type LoadReport struct {
	Loaded  []string
	Helpers []string
	Skipped []Skipped
	// RootErr is set when the root itself could not be walked
	RootErr error
}

func (r *LoadReport) skip(path string, err error) {
	r.Skipped = append(r.Skipped, Skipped{Path: path, Err: err})
	metrics.RuleLoadFailures.Inc()
	logger.WarnRuleSkipped(path, err)
}

// Loader discovers rule definitions and builds registries
type Loader struct {
	regexTimeout time.Duration
	builtins     bool
}

// LoaderOption configures a Loader
type LoaderOption func(*Loader)

// WithRegexTimeout bounds each regex_match call in loaded rules
func WithRegexTimeout(d time.Duration) LoaderOption {
	return func(l *Loader) { l.regexTimeout = d }
}

// WithBuiltins appends the compiled-in rules after the loaded ones
func WithBuiltins() LoaderOption {
	return func(l *Loader) { l.builtins = true }
}

// NewLoader creates a loader
func NewLoader(opts ...LoaderOption) *Loader {
	l := &Loader{regexTimeout: DefaultRegexTimeout}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadDir loads every rule definition under root. A missing or unreadable
// root yields an empty registry.
func (l *Loader) LoadDir(root string) (*Registry, *LoadReport) {
	sources, report := collect(os.DirFS(root), func(p string) string {
		return filepath.Join(root, filepath.FromSlash(p))
	})
	return l.load(sources, report)
}

// LoadFS loads every rule definition in fsys
func (l *Loader) LoadFS(fsys fs.FS) (*Registry, *LoadReport) {
	sources, report := collect(fsys, func(p string) string { return p })
	return l.load(sources, report)
}

// LoadStore loads the active documents of store. Only listing the store can fail.
func (l *Loader) LoadStore(store RuleStore) (*Registry, *LoadReport, error) {
	docs, err := store.ListActive()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list rule documents: %w", err)
	}

	sources := make([]Source, 0, len(docs))
	for _, d := range docs {
		sources = append(sources, d.Source())
	}
	reg, report := l.Load(sources)
	return reg, report, nil
}

// Load builds a registry from sources in the given order
func (l *Loader) Load(sources []Source) (*Registry, *LoadReport) {
	return l.load(sources, &LoadReport{})
}

// Check reports whether candidate would load alongside the helpers found in others
func (l *Loader) Check(others []Source, candidate Source) error {
	if !IsCandidate(candidate.Path) {
		return fmt.Errorf("%s is not a rule definition (want a %s file not starting with %q)",
			candidate.Path, strings.Join(Extensions, "/"), HelperPrefix)
	}

	compiler, err := l.compiler(others, &LoadReport{})
	if err != nil {
		return err
	}
	_, err = compileSource(compiler, candidate)
	return err
}

func (l *Loader) load(sources []Source, report *LoadReport) (*Registry, *LoadReport) {
	compiler, err := l.compiler(sources, report)
	if err != nil {
		logger.Error("failed to build rule compiler", "error", err)
		return l.finish(nil, report), report
	}

	var units []*Unit
	for _, src := range sources {
		if !IsCandidate(src.Path) {
			continue
		}
		unit, err := compileSource(compiler, src)
		if err != nil {
			report.skip(src.Path, err)
			continue
		}
		units = append(units, unit)
		report.Loaded = append(report.Loaded, src.Path)
	}

	return l.finish(units, report), report
}

func (l *Loader) finish(units []*Unit, report *LoadReport) *Registry {
	if l.builtins {
		units = append(units, Builtins()...)
	}

	reg := NewRegistry(units)
	for id, sources := range reg.Collisions() {
		logger.Warn("rule_id loaded more than once", "rule_id", id, "sources", sources)
	}
	metrics.RulesLoaded.Set(float64(reg.Len()))
	logger.Debug("rules loaded", "loaded", reg.Len(), "skipped", len(report.Skipped), "helpers", len(report.Helpers))
	return reg
}

// compiler merges the constants of every helper file, in order, into the shared variable
func (l *Loader) compiler(sources []Source, report *LoadReport) (*Compiler, error) {
	shared := make(map[string]any)
	for _, src := range sources {
		if !IsHelper(src.Path) {
			continue
		}
		helper, err := ParseHelper(src.Body)
		if err != nil {
			report.skip(src.Path, err)
			continue
		}
		for k, v := range helper.Constants {
			if _, exists := shared[k]; exists {
				logger.Debug("helper constant redefined", "name", k, "path", src.Path)
			}
			shared[k] = v
		}
		report.Helpers = append(report.Helpers, src.Path)
	}
	return NewCompiler(shared, l.regexTimeout)
}

func compileSource(compiler *Compiler, src Source) (*Unit, error) {
	doc, err := ParseDocument(src.Body)
	if err != nil {
		return nil, err
	}
	return compiler.Compile(RuleID(src.Path), src.Path, doc)
}

// collect walks fsys in lexical order and reads every recognized file
func collect(fsys fs.FS, display func(string) string) ([]Source, *LoadReport) {
	report := &LoadReport{}
	var sources []Source

	_ = fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil && p == "." {
			report.RootErr = err
			logger.Warn("rules root unavailable", "root", display(p), "error", err)
			return nil
		}
		if err != nil {
			report.skip(display(p), err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || !hasExtension(p) {
			return nil
		}
		body, err := fs.ReadFile(fsys, p)
		if err != nil {
			report.skip(display(p), err)
			return nil
		}
		sources = append(sources, Source{Path: display(p), Body: body})
		return nil
	})

	return sources, report
}

// RuleID derives the rule_id from a definition path: its base name without extension
func RuleID(p string) string {
	base := path.Base(filepath.ToSlash(p))
	return strings.TrimSuffix(base, path.Ext(base))
}

// IsHelper reports whether p names a shared helper file
func IsHelper(p string) bool {
	return hasExtension(p) && strings.HasPrefix(path.Base(filepath.ToSlash(p)), HelperPrefix)
}

// IsCandidate reports whether p names a rule definition
func IsCandidate(p string) bool {
	return hasExtension(p) && !strings.HasPrefix(path.Base(filepath.ToSlash(p)), HelperPrefix)
}

func hasExtension(p string) bool {
	ext := path.Ext(filepath.ToSlash(p))
	for _, e := range Extensions {
		if ext == e {
			return true
		}
	}
	return false
}
