package rules

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresRuleStore implements RuleStore backed by PostgreSQL.
// Documents are scoped to a namespace, which plays the role of a rules root.
type PostgresRuleStore struct {
	db        *sql.DB
	namespace string
}

// NewPostgresRuleStore creates a store for one namespace
func NewPostgresRuleStore(db *sql.DB, namespace string) *PostgresRuleStore {
	return &PostgresRuleStore{
		db:        db,
		namespace: namespace,
	}
}

// Add inserts a new document
func (s *PostgresRuleStore) Add(doc *RuleDocument) error {
	var exists bool
	err := s.db.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM rule_documents WHERE id = $1 AND namespace = $2)
	`, doc.ID, s.namespace).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check document existence: %w", err)
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrRuleExists, doc.ID)
	}

	now := time.Now()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	_, err = s.db.Exec(`
		INSERT INTO rule_documents (id, namespace, path, body, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, doc.ID, s.namespace, doc.Path, doc.Body, doc.Active, doc.CreatedAt, doc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert document: %w", err)
	}

	return nil
}

// Get retrieves a document by ID
func (s *PostgresRuleStore) Get(id string) (*RuleDocument, error) {
	var doc RuleDocument
	err := s.db.QueryRow(`
		SELECT id, path, body, active, created_at, updated_at
		FROM rule_documents
		WHERE id = $1 AND namespace = $2
	`, id, s.namespace).Scan(
		&doc.ID,
		&doc.Path,
		&doc.Body,
		&doc.Active,
		&doc.CreatedAt,
		&doc.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchRule, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}

	return &doc, nil
}

// List returns every document of the namespace ordered by path
func (s *PostgresRuleStore) List() ([]*RuleDocument, error) {
	return s.query(`
		SELECT id, path, body, active, created_at, updated_at
		FROM rule_documents
		WHERE namespace = $1
		ORDER BY path ASC, id ASC
	`)
}

// ListActive returns the active documents of the namespace ordered by path
func (s *PostgresRuleStore) ListActive() ([]*RuleDocument, error) {
	return s.query(`
		SELECT id, path, body, active, created_at, updated_at
		FROM rule_documents
		WHERE namespace = $1 AND active = true
		ORDER BY path ASC, id ASC
	`)
}

func (s *PostgresRuleStore) query(q string) ([]*RuleDocument, error) {
	rows, err := s.db.Query(q, s.namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	defer rows.Close()

	var docs []*RuleDocument
	for rows.Next() {
		var d RuleDocument
		if err := rows.Scan(&d.ID, &d.Path, &d.Body, &d.Active, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		docs = append(docs, &d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}

	return docs, nil
}

// Update modifies an existing document
func (s *PostgresRuleStore) Update(doc *RuleDocument) error {
	doc.UpdatedAt = time.Now()

	err := s.db.QueryRow(`
		UPDATE rule_documents
		SET path = $1, body = $2, active = $3, updated_at = $4
		WHERE id = $5 AND namespace = $6
		RETURNING created_at
	`, doc.Path, doc.Body, doc.Active, doc.UpdatedAt, doc.ID, s.namespace).Scan(&doc.CreatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNoSuchRule, doc.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update document: %w", err)
	}

	return nil
}

// Delete removes a document
func (s *PostgresRuleStore) Delete(id string) error {
	result, err := s.db.Exec(`
		DELETE FROM rule_documents
		WHERE id = $1 AND namespace = $2
	`, id, s.namespace)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNoSuchRule, id)
	}

	return nil
}
