package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
)

// requiredFields must all be present for an analysis to be accepted;
// summary, complexity, plan, and discipline must also be non-empty, while
// the two file lists may be empty.
var requiredFields = []string{"summary", "filesLikelyTouched", "filesToCreate", "complexity", "plan", "discipline"}

// ParseAnalysis extracts and validates an analysis document from raw
// agent output. It tolerates surrounding prose by scanning for the first
// balanced JSON object. The returned missing list names required fields
// that were absent or empty.
func ParseAnalysis(raw string) (*Analysis, []string, error) {
	doc := extractJSONObject(raw)
	if doc == "" {
		return nil, nil, fmt.Errorf("no JSON object found in output")
	}

	// Decode into a loose map first so absent and empty fields are
	// distinguishable from zero values.
	var loose map[string]json.RawMessage
	if err := json.Unmarshal([]byte(doc), &loose); err != nil {
		return nil, nil, fmt.Errorf("invalid JSON: %w", err)
	}

	var a Analysis
	if err := json.Unmarshal([]byte(doc), &a); err != nil {
		return nil, nil, fmt.Errorf("analysis shape mismatch: %w", err)
	}

	var missing []string
	for _, f := range requiredFields {
		if fieldMissing(f, loose, &a) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, missing, nil
	}

	if a.Complexity < 1 || a.Complexity > 10 {
		return nil, []string{"complexity"}, nil
	}
	switch a.Discipline {
	case DisciplineCode, DisciplineDocs, DisciplineQA, DisciplineOps, DisciplineResearch:
	default:
		return nil, []string{"discipline"}, nil
	}

	return &a, nil, nil
}

func fieldMissing(name string, loose map[string]json.RawMessage, a *Analysis) bool {
	if _, ok := loose[name]; !ok {
		return true
	}
	switch name {
	case "summary":
		return strings.TrimSpace(a.Summary) == ""
	case "plan":
		return len(a.Plan) == 0
	case "discipline":
		return a.Discipline == ""
	case "complexity":
		return a.Complexity == 0
	case "filesLikelyTouched":
		// Present but empty is acceptable; only absence counts.
		return false
	case "filesToCreate":
		return false
	}
	return false
}

// RepairPrompt builds the follow-up prompt naming the missing fields,
// comma-joined with a trailing period.
func RepairPrompt(missing []string) string {
	return fmt.Sprintf(
		"Your previous response was missing required fields: %s. Respond again with a single complete JSON object including every required field.",
		strings.Join(missing, ", "))
}

func repairPromptForParse(previous string) string {
	trimmed := previous
	if len(trimmed) > 500 {
		trimmed = trimmed[:500]
	}
	return fmt.Sprintf(
		"Your previous response could not be parsed as JSON. Respond again with only a single valid JSON object and no surrounding text. Previous response began: %s",
		trimmed)
}

// extractJSONObject returns the first balanced top-level JSON object in
// the text, or "".
func extractJSONObject(raw string) string {
	start := strings.IndexByte(raw, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1]
			}
		}
	}
	return ""
}

// routingOnlyMarkers are prompt fragments meant for the routing layer,
// stripped before the prompt reaches an analysis agent.
var routingOnlyMarkers = []string{
	"routing gateway",
	"route to model",
	"model=",
	"use model ",
}

// SanitizePrompt removes routing-only guidance lines from a prompt.
func SanitizePrompt(prompt string) string {
	lines := strings.Split(prompt, "\n")
	out := lines[:0]
	for _, line := range lines {
		lower := strings.ToLower(line)
		routing := false
		for _, marker := range routingOnlyMarkers {
			if strings.Contains(lower, marker) {
				routing = true
				break
			}
		}
		if !routing {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
