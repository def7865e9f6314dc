package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// StubAdapter produces deterministic outputs without invoking any real
// agent. It honors MCODA_CLI_STUB (forced via the resolver) and backs
// tests and dry runs. Behavior is scriptable per task and step; anything
// unscripted succeeds.
type StubAdapter struct {
	mu      sync.Mutex
	scripts map[string][]string // "taskKey/step" -> queued raw outputs
	calls   []InvokeInput
}

// NewStub creates a stub adapter.
func NewStub() *StubAdapter {
	return &StubAdapter{scripts: make(map[string][]string)}
}

// Name implements Adapter.
func (s *StubAdapter) Name() string { return "stub" }

// Script queues a raw output for the given task and step. Outputs are
// consumed in FIFO order; when the queue is empty the default output for
// the step applies.
func (s *StubAdapter) Script(taskKey, step, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := taskKey + "/" + step
	s.scripts[k] = append(s.scripts[k], output)
}

// Calls returns every input seen so far, for assertions.
func (s *StubAdapter) Calls() []InvokeInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]InvokeInput, len(s.calls))
	copy(out, s.calls)
	return out
}

// Invoke implements Adapter. The step and task are read from invocation
// metadata; gateway analysis invocations receive a well-formed analysis
// document.
func (s *StubAdapter) Invoke(ctx context.Context, input InvokeInput) (*InvokeResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	s.mu.Lock()
	s.calls = append(s.calls, input)
	taskKey := input.Metadata["task"]
	step := input.Metadata["step"]
	key := taskKey + "/" + step
	var output string
	if q := s.scripts[key]; len(q) > 0 {
		output = q[0]
		s.scripts[key] = q[1:]
	}
	s.mu.Unlock()

	if output == "" {
		output = s.defaultOutput(step, taskKey)
	}

	cost := 0.0001
	return &InvokeResult{
		Output:           output,
		Adapter:          "stub",
		Model:            "stub-model",
		PromptTokens:     int64(len(input.Prompt) / 4),
		CompletionTokens: int64(len(output) / 4),
		TotalTokens:      int64((len(input.Prompt) + len(output)) / 4),
		CostEstimate:     &cost,
		Duration:         time.Millisecond,
	}, nil
}

func (s *StubAdapter) defaultOutput(step, taskKey string) string {
	switch step {
	case "analyze":
		doc := map[string]any{
			"summary":            fmt.Sprintf("Stub analysis for %s", taskKey),
			"reasoningSummary":   "stubbed",
			"currentState":       "ready",
			"todo":               "implement",
			"understanding":      "complete",
			"plan":               []string{"implement", "verify"},
			"complexity":         3,
			"discipline":         "code",
			"filesLikelyTouched": []string{"main.go"},
			"filesToCreate":      []string{},
			"assumptions":        []string{},
			"risks":              []string{},
			"docdexNotes":        []string{},
		}
		data, _ := json.Marshal(doc)
		return string(data)
	case "work":
		return `{"status":"succeeded","summary":"implemented"}`
	case "review":
		return `{"decision":"approve","summary":"looks good","qualityScore":8}`
	case "qa":
		return `{"outcome":"pass","summary":"all checks passed","qualityScore":8}`
	default:
		return `{"status":"succeeded"}`
	}
}

// HealthCheck implements Adapter; the stub is always healthy.
func (s *StubAdapter) HealthCheck(ctx context.Context) Health {
	return Health{Status: Healthy, LatencyMS: 0, LastCheckedAt: time.Now()}
}

// StubWorkOutput builds a scripted work-step output with the given
// status (succeeded, failed, blocked, skipped).
func StubWorkOutput(status string) string {
	return fmt.Sprintf(`{"status":%q,"summary":"scripted"}`, status)
}

// StubReviewOutput builds a scripted review-step output with the given
// decision (approve, revise, block).
func StubReviewOutput(decision string, qualityScore float64) string {
	return fmt.Sprintf(`{"decision":%q,"summary":"scripted","qualityScore":%g}`, decision, qualityScore)
}

// StubQAOutput builds a scripted qa-step output with the given outcome
// (pass, fix_required, unclear, infra_issue).
func StubQAOutput(outcome string, qualityScore float64) string {
	return fmt.Sprintf(`{"outcome":%q,"summary":"scripted","qualityScore":%g}`, outcome, qualityScore)
}

// StubAnalysisOutput builds a scripted gateway analysis with the given
// complexity and discipline. Pass missing field names to omit them and
// exercise the repair path.
func StubAnalysisOutput(complexity int, discipline string, omit ...string) string {
	doc := map[string]any{
		"summary":            "scripted analysis",
		"reasoningSummary":   "scripted",
		"currentState":       "ready",
		"todo":               "implement",
		"understanding":      "complete",
		"plan":               []string{"implement"},
		"complexity":         complexity,
		"discipline":         discipline,
		"filesLikelyTouched": []string{"main.go"},
		"filesToCreate":      []string{},
		"assumptions":        []string{},
		"risks":              []string{},
		"docdexNotes":        []string{},
	}
	for _, field := range omit {
		delete(doc, field)
	}
	data, _ := json.Marshal(doc)
	return string(data)
}

var _ Adapter = (*StubAdapter)(nil)
