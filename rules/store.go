package rules

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrNoSuchRule = errors.New("rule document not found")
	ErrRuleExists = errors.New("rule document already exists")
)

// RuleStore persists rule documents for rules roots that do not live on disk
type RuleStore interface {
	// Add a new document
	Add(doc *RuleDocument) error

	// Get a document by ID
	Get(id string) (*RuleDocument, error)

	// List all documents ordered by path
	List() ([]*RuleDocument, error)

	// ListActive lists active documents ordered by path; this is load order
	ListActive() ([]*RuleDocument, error)

	// Update an existing document
	Update(doc *RuleDocument) error

	// Delete a document
	Delete(id string) error
}

// InMemoryRuleStore implements RuleStore using an in-memory map
type InMemoryRuleStore struct {
	docs map[string]*RuleDocument
	mu   sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		docs: make(map[string]*RuleDocument),
	}
}

// Add adds a new document, setting CreatedAt and UpdatedAt
func (s *InMemoryRuleStore) Add(doc *RuleDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[doc.ID]; exists {
		return fmt.Errorf("%w: %s", ErrRuleExists, doc.ID)
	}

	now := time.Now()
	doc.CreatedAt = now
	doc.UpdatedAt = now
	stored := *doc
	s.docs[doc.ID] = &stored
	return nil
}

// Get retrieves a document by ID
func (s *InMemoryRuleStore) Get(id string) (*RuleDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, exists := s.docs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchRule, id)
	}
	out := *doc
	return &out, nil
}

// List returns all documents ordered by path
func (s *InMemoryRuleStore) List() ([]*RuleDocument, error) {
	return s.list(false), nil
}

// ListActive returns active documents ordered by path
func (s *InMemoryRuleStore) ListActive() ([]*RuleDocument, error) {
	return s.list(true), nil
}

func (s *InMemoryRuleStore) list(activeOnly bool) []*RuleDocument {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*RuleDocument
	for _, doc := range s.docs {
		if activeOnly && !doc.Active {
			continue
		}
		d := *doc
		out = append(out, &d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Update replaces an existing document, preserving CreatedAt
func (s *InMemoryRuleStore) Update(doc *RuleDocument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.docs[doc.ID]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNoSuchRule, doc.ID)
	}

	doc.CreatedAt = existing.CreatedAt
	doc.UpdatedAt = time.Now()
	stored := *doc
	s.docs[doc.ID] = &stored
	return nil
}

// Delete removes a document
func (s *InMemoryRuleStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.docs[id]; !exists {
		return fmt.Errorf("%w: %s", ErrNoSuchRule, id)
	}

	delete(s.docs, id)
	return nil
}
