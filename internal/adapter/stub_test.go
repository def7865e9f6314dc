package adapter

import (
	"context"
	"encoding/json"
	"testing"
)

func TestStubDefaultOutputs(t *testing.T) {
	stub := NewStub()
	ctx := context.Background()

	cases := []struct {
		step     string
		contains string
	}{
		{"analyze", `"discipline":"code"`},
		{"work", `"status":"succeeded"`},
		{"review", `"decision":"approve"`},
		{"qa", `"outcome":"pass"`},
	}
	for _, c := range cases {
		res, err := stub.Invoke(ctx, InvokeInput{
			Prompt:   "do it",
			Metadata: map[string]string{"task": "T01", "step": c.step},
		})
		if err != nil {
			t.Fatalf("Invoke(%s) failed: %v", c.step, err)
		}
		if !jsonContains(res.Output, c.contains) {
			t.Errorf("step %s output %q missing %q", c.step, res.Output, c.contains)
		}
	}
}

func jsonContains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}

func TestStubScriptedOutputsFIFO(t *testing.T) {
	stub := NewStub()
	ctx := context.Background()

	stub.Script("T01", "work", StubWorkOutput("failed"))
	stub.Script("T01", "work", StubWorkOutput("succeeded"))

	first, err := stub.Invoke(ctx, InvokeInput{Metadata: map[string]string{"task": "T01", "step": "work"}})
	if err != nil {
		t.Fatal(err)
	}
	second, err := stub.Invoke(ctx, InvokeInput{Metadata: map[string]string{"task": "T01", "step": "work"}})
	if err != nil {
		t.Fatal(err)
	}
	if !jsonContains(first.Output, "failed") || !jsonContains(second.Output, "succeeded") {
		t.Errorf("scripts not consumed in order: %q then %q", first.Output, second.Output)
	}

	// Exhausted queue falls back to the default.
	third, err := stub.Invoke(ctx, InvokeInput{Metadata: map[string]string{"task": "T01", "step": "work"}})
	if err != nil {
		t.Fatal(err)
	}
	if !jsonContains(third.Output, "succeeded") {
		t.Errorf("expected default success output, got %q", third.Output)
	}
}

func TestStubAnalysisOutputOmitsFields(t *testing.T) {
	raw := StubAnalysisOutput(5, "ops", "summary")
	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		t.Fatal(err)
	}
	if _, ok := doc["summary"]; ok {
		t.Error("omitted field still present")
	}
	if doc["discipline"] != "ops" {
		t.Errorf("discipline lost: %v", doc["discipline"])
	}
}

func TestStubHonorsCancellation(t *testing.T) {
	stub := NewStub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := stub.Invoke(ctx, InvokeInput{Metadata: map[string]string{"task": "T", "step": "work"}}); err == nil {
		t.Error("expected error from cancelled context")
	}
}

func TestResolverForcedStub(t *testing.T) {
	stub := NewStub()
	r := NewResolver(true, stub)
	if r.Resolve("anything") != stub {
		t.Error("forced resolver must always return the stub")
	}

	r2 := NewResolver(false, stub)
	if r2.Resolve("unregistered") != stub {
		t.Error("unregistered adapters fall back to the stub")
	}
}
