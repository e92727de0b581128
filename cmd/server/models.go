package main

import (
	"time"

	"github.com/liamcoop/detect/rules"
)

// API request and response models. The analyze endpoint uses wire.Request and wire.Response.

// CreateDocumentRequest is the body for storing a rule definition in a namespace
type CreateDocumentRequest struct {
	Path   string `json:"path" validate:"required,max=255"`
	Body   string `json:"body" validate:"required"`
	Active *bool  `json:"active,omitempty"`
}

// UpdateDocumentRequest replaces the fields that are present
type UpdateDocumentRequest struct {
	Path   *string `json:"path,omitempty" validate:"omitnil,min=1,max=255"`
	Body   *string `json:"body,omitempty" validate:"omitnil,min=1"`
	Active *bool   `json:"active,omitempty"`
}

// DocumentResponse is a stored rule definition
type DocumentResponse struct {
	ID        string    `json:"id"`
	RuleID    string    `json:"rule_id"`
	Path      string    `json:"path"`
	Body      string    `json:"body"`
	Active    bool      `json:"active"`
	Helper    bool      `json:"helper"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func documentResponse(doc *rules.RuleDocument) DocumentResponse {
	return DocumentResponse{
		ID:        doc.ID,
		RuleID:    rules.RuleID(doc.Path),
		Path:      doc.Path,
		Body:      doc.Body,
		Active:    doc.Active,
		Helper:    rules.IsHelper(doc.Path),
		CreatedAt: doc.CreatedAt,
		UpdatedAt: doc.UpdatedAt,
	}
}

// DocumentsListResponse lists the documents of a namespace in load order
type DocumentsListResponse struct {
	Namespace string             `json:"namespace"`
	Documents []DocumentResponse `json:"documents"`
}

// RuleResponse describes one loaded rule unit
type RuleResponse struct {
	RuleID       string   `json:"rule_id"`
	Source       string   `json:"source"`
	Severity     string   `json:"severity"`
	Threshold    *int     `json:"threshold,omitempty"`
	Capabilities []string `json:"capabilities"`
}

func ruleResponse(u *rules.Unit) RuleResponse {
	r := RuleResponse{
		RuleID:       u.ID(),
		Source:       u.Source(),
		Severity:     u.Severity(),
		Capabilities: u.Capabilities(),
	}
	if th, ok := u.Threshold(); ok {
		r.Threshold = &th
	}
	return r
}

// RulesListResponse lists the units of a rules root in evaluation order
type RulesListResponse struct {
	RulesDir   string              `json:"rules_dir"`
	Rules      []RuleResponse      `json:"rules"`
	Collisions map[string][]string `json:"collisions,omitempty"`
}

// ReloadResponse reports the engine rebuilt by a reload
type ReloadResponse struct {
	RulesDir string `json:"rules_dir"`
	Rules    int    `json:"rules"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string `json:"status"`
	Database      bool   `json:"database"`
	EnginesCached int    `json:"engines_cached"`
	Error         string `json:"error,omitempty"`
}
