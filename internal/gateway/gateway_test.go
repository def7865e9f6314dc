package gateway

import (
	"context"
	"strings"
	"testing"

	"github.com/bekirdag/mcoda/internal/adapter"
	"github.com/bekirdag/mcoda/internal/errs"
	"github.com/bekirdag/mcoda/internal/store"
)

func testTask(key string) *store.Task {
	return &store.Task{Key: key, Title: "Test task", Description: "Do the thing."}
}

func newTestGateway(stub *adapter.StubAdapter) *Gateway {
	resolver := adapter.NewResolver(true, stub)
	return New(resolver, nil, nil)
}

func TestAnalyzeHappyPath(t *testing.T) {
	stub := adapter.NewStub()
	g := newTestGateway(stub)

	a, err := g.Analyze(context.Background(), testTask("T01"), PromptContext{}, "", "")
	if err != nil {
		t.Fatalf("Analyze failed: %v", err)
	}
	if a.Complexity != 3 || a.Discipline != DisciplineCode {
		t.Errorf("unexpected analysis: %+v", a)
	}
	if len(stub.Calls()) != 1 {
		t.Errorf("expected a single invocation, got %d", len(stub.Calls()))
	}
}

func TestAnalyzeRepairsMissingFields(t *testing.T) {
	stub := adapter.NewStub()
	stub.Script("T01", "analyze", adapter.StubAnalysisOutput(3, "code", "summary", "plan"))
	stub.Script("T01", "analyze", adapter.StubAnalysisOutput(3, "code"))
	g := newTestGateway(stub)

	a, err := g.Analyze(context.Background(), testTask("T01"), PromptContext{}, "", "")
	if err != nil {
		t.Fatalf("Analyze failed after repair: %v", err)
	}
	if a.Summary == "" {
		t.Error("expected repaired analysis to carry a summary")
	}

	calls := stub.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 invocations, got %d", len(calls))
	}
	if !strings.Contains(calls[1].Prompt, "missing required fields: summary, plan.") {
		t.Errorf("repair prompt must name the missing fields: %q", calls[1].Prompt)
	}
}

func TestAnalyzeUnparseableAfterRetries(t *testing.T) {
	stub := adapter.NewStub()
	for i := 0; i < 3; i++ {
		stub.Script("T01", "analyze", "not json at all")
	}
	g := newTestGateway(stub)

	_, err := g.Analyze(context.Background(), testTask("T01"), PromptContext{}, "", "")
	if err == nil {
		t.Fatal("expected failure after exhausting repairs")
	}
	if errs.ClassOf(err) != errs.ClassGateway {
		t.Errorf("expected gateway class, got %s", errs.ClassOf(err))
	}
	if len(stub.Calls()) != 3 {
		t.Errorf("expected 3 invocations (1 + 2 repairs), got %d", len(stub.Calls()))
	}
}

// memoryCache is a map-backed analysis cache for tests.
type memoryCache struct {
	entries map[string]*Analysis
}

func (m *memoryCache) Get(taskKey, fingerprint string) (*Analysis, bool) {
	a, ok := m.entries[taskKey+"|"+fingerprint]
	return a, ok
}

func (m *memoryCache) Put(taskKey, fingerprint string, a *Analysis) error {
	m.entries[taskKey+"|"+fingerprint] = a
	return nil
}

func TestAnalyzeUsesCache(t *testing.T) {
	stub := adapter.NewStub()
	resolver := adapter.NewResolver(true, stub)
	cache := &memoryCache{entries: make(map[string]*Analysis)}
	g := New(resolver, cache, nil)

	task := testTask("T01")
	if _, err := g.Analyze(context.Background(), task, PromptContext{}, "", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := g.Analyze(context.Background(), task, PromptContext{}, "", ""); err != nil {
		t.Fatal(err)
	}
	if len(stub.Calls()) != 1 {
		t.Errorf("second analysis of an unchanged task must hit the cache, got %d calls", len(stub.Calls()))
	}
}
