//go:build integration

package enginemanager

import (
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/liamcoop/detect/internal/testdb"
	"github.com/liamcoop/detect/rules"
)

func addDocument(t *testing.T, store rules.RuleStore, path, body string) *rules.RuleDocument {
	t.Helper()
	doc := &rules.RuleDocument{ID: uuid.New().String(), Path: path, Body: body, Active: true}
	if err := store.Add(doc); err != nil {
		t.Fatalf("Failed to add %s: %v", path, err)
	}
	return doc
}

func TestManagerWithDatabase_NamespaceIsolation(t *testing.T) {
	db, _ := testdb.Start(t)
	m := NewManager(nil, WithDB(db))

	storeA, err := m.Store("team-a")
	if err != nil {
		t.Fatal(err)
	}
	storeB, err := m.Store("team-b")
	if err != nil {
		t.Fatal(err)
	}

	addDocument(t, storeA, "any_login.yaml", anyLoginRule)
	addDocument(t, storeB, "always.yaml", `rule: "true"`)
	addDocument(t, storeB, "broken.yaml", "rule: [")

	engineA, err := m.Engine("db:team-a")
	if err != nil {
		t.Fatalf("Failed to build engine for team-a: %v", err)
	}
	engineB, err := m.Engine("db:team-b")
	if err != nil {
		t.Fatalf("Failed to build engine for team-b: %v", err)
	}

	event := rules.Event{"eventName": "GetObject"}
	if n := len(engineA.Analyze([]rules.Event{event})); n != 0 {
		t.Errorf("team-a should not match GetObject, got %d matches", n)
	}
	matches := engineB.Analyze([]rules.Event{event})
	if len(matches) != 1 || matches[0].RuleID != "always" {
		t.Errorf("team-b should match with its own rule only, got %+v", matches)
	}
}

func TestManagerWithDatabase_InvalidateReloads(t *testing.T) {
	db, _ := testdb.Start(t)
	m := NewManager(nil, WithDB(db))

	store, err := m.Store("acme")
	if err != nil {
		t.Fatal(err)
	}
	doc := addDocument(t, store, "any_login.yaml", anyLoginRule)

	before, err := m.Engine("db:acme")
	if err != nil {
		t.Fatal(err)
	}

	doc.Active = false
	if err := store.Update(doc); err != nil {
		t.Fatalf("Failed to update document: %v", err)
	}
	m.Invalidate("db:acme")

	after, err := m.Engine("db:acme")
	if err != nil {
		t.Fatal(err)
	}
	if before.Registry().Len() != 1 || after.Registry().Len() != 0 {
		t.Errorf("Expected 1 rule before and 0 after deactivation, got %d and %d",
			before.Registry().Len(), after.Registry().Len())
	}
}

func TestManagerWithDatabase_Concurrency(t *testing.T) {
	db, _ := testdb.Start(t)
	m := NewManager(nil, WithDB(db))

	store, err := m.Store("acme")
	if err != nil {
		t.Fatal(err)
	}
	addDocument(t, store, "any_login.yaml", anyLoginRule)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			engine, err := m.Engine("db:acme")
			if err != nil {
				t.Errorf("Engine() failed: %v", err)
				return
			}
			if n := len(engine.Analyze([]rules.Event{{"eventName": "ConsoleLogin"}})); n != 1 {
				t.Errorf("Expected 1 match, got %d", n)
			}
		}()
	}
	wg.Wait()
}
