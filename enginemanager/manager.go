package enginemanager

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/liamcoop/detect/internal/logger"
	"github.com/liamcoop/detect/rules"
)

// NamespacePrefix marks rules roots stored in the database instead of on disk
const NamespacePrefix = "db:"

// ErrNoDatabase is returned when a namespace root is used without a database
var ErrNoDatabase = errors.New("no database configured for namespace roots")

// StoreFactory opens the rule store of one namespace
type StoreFactory func(namespace string) rules.RuleStore

// Manager builds and caches one engine per rules root
type Manager struct {
	loader  *rules.Loader
	stores  StoreFactory
	cache   EngineCache
	workers int
	mu      sync.Mutex
}

// Option configures a Manager
type Option func(*Manager)

// WithDB backs namespace roots with PostgreSQL
func WithDB(db *sql.DB) Option {
	return func(m *Manager) {
		if db == nil {
			return
		}
		m.stores = func(namespace string) rules.RuleStore {
			return rules.NewPostgresRuleStore(db, namespace)
		}
	}
}

// WithStores backs namespace roots with an arbitrary store factory
func WithStores(f StoreFactory) Option {
	return func(m *Manager) { m.stores = f }
}

// WithCache replaces the default in-memory cache
func WithCache(c EngineCache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithWorkers sets the AnalyzeParallel bound of built engines
func WithWorkers(n int) Option {
	return func(m *Manager) { m.workers = n }
}

// NewManager creates a new manager instance
func NewManager(loader *rules.Loader, opts ...Option) *Manager {
	if loader == nil {
		loader = rules.NewLoader()
	}
	m := &Manager{loader: loader}
	for _, opt := range opts {
		opt(m)
	}
	if m.cache == nil {
		m.cache = NewInMemoryEngineCache(DefaultCacheConfig())
	}
	return m
}

// Namespace returns the namespace named by a db: root
func Namespace(root string) (string, bool) {
	ns, ok := strings.CutPrefix(root, NamespacePrefix)
	if !ok {
		return "", false
	}
	return ns, true
}

// NamespaceRoot is the inverse of Namespace
func NamespaceRoot(namespace string) string {
	return NamespacePrefix + namespace
}

// Engine returns the engine for root, loading it on a cache miss.
// Individual rule failures never fail the build; see the load report in the logs.
func (m *Manager) Engine(root string) (*rules.Engine, error) {
	if engine, ok := m.cache.Get(root); ok {
		return engine, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// another caller may have built it while we waited
	if engine, ok := m.cache.Get(root); ok {
		return engine, nil
	}

	engine, err := m.build(root)
	if err != nil {
		return nil, err
	}
	m.cache.Set(root, engine)
	return engine, nil
}

// Store returns the rule store behind a namespace
func (m *Manager) Store(namespace string) (rules.RuleStore, error) {
	if m.stores == nil {
		return nil, ErrNoDatabase
	}
	return m.stores(namespace), nil
}

// HasStores reports whether namespace roots are available
func (m *Manager) HasStores() bool {
	return m.stores != nil
}

// Loader returns the loader used to build engines
func (m *Manager) Loader() *rules.Loader {
	return m.loader
}

// Invalidate drops the cached engine for root; the next Engine call reloads it
func (m *Manager) Invalidate(root string) {
	m.cache.Invalidate(root)
	logger.Debug("engine invalidated", "root", root)
}

// Roots lists the roots with a cached engine
func (m *Manager) Roots() []string {
	return m.cache.Keys()
}

// Purge drops every cached engine
func (m *Manager) Purge() {
	m.cache.Purge()
}

func (m *Manager) build(root string) (*rules.Engine, error) {
	var (
		reg    *rules.Registry
		report *rules.LoadReport
	)

	if ns, ok := Namespace(root); ok {
		store, err := m.Store(ns)
		if err != nil {
			return nil, err
		}
		reg, report, err = m.loader.LoadStore(store)
		if err != nil {
			return nil, fmt.Errorf("failed to load namespace %s: %w", ns, err)
		}
	} else {
		reg, report = m.loader.LoadDir(root)
	}

	logger.Info("engine built",
		"root", root,
		"rules", reg.Len(),
		"helpers", len(report.Helpers),
		"skipped", len(report.Skipped),
	)

	var opts []rules.EngineOption
	if m.workers > 0 {
		opts = append(opts, rules.WithWorkers(m.workers))
	}
	return rules.NewEngine(reg, opts...), nil
}
