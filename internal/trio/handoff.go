package trio

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bekirdag/mcoda/internal/router"
	"github.com/bekirdag/mcoda/internal/store"
	"github.com/bekirdag/mcoda/internal/stringutils"
)

// writeHandoff records a step handoff document under
// gateway-trio/handoffs/NN-<taskKey>-<step>.md. Handoffs are advisory;
// failures are logged and never fail the step.
func (e *Engine) writeHandoff(jobID string, task *store.Task, step Step, sel *router.Selection, res *StepResult) {
	e.mu.Lock()
	e.handoffSeq++
	seq := e.handoffSeq
	e.mu.Unlock()

	dir := filepath.Join(e.ws.JobDir(jobID), stateDir, "handoffs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		e.logger.Warn("failed to create handoff directory", "job", jobID, "error", err)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s — %s\n\n", task.Key, step)
	fmt.Fprintf(&b, "- Time: %s\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Agent: %s\n", sel.Agent.Slug)
	fmt.Fprintf(&b, "- Selection: %s\n", sel.Reason)
	fmt.Fprintf(&b, "- Outcome: %s\n", res.Outcome)
	if res.Decision != "" {
		fmt.Fprintf(&b, "- Decision: %s\n", res.Decision)
	}
	if res.QAOutcome != "" {
		fmt.Fprintf(&b, "- QA outcome: %s\n", res.QAOutcome)
	}
	if res.Error != "" {
		fmt.Fprintf(&b, "- Error: %s\n", res.Error)
	}
	if res.Summary != "" {
		fmt.Fprintf(&b, "\n%s\n", res.Summary)
	}

	name := fmt.Sprintf("%02d-%s-%s.md", seq, stringutils.SanitizeFilename(task.Key), step)
	if err := os.WriteFile(filepath.Join(dir, name), []byte(b.String()), 0o644); err != nil {
		e.logger.Warn("failed to write handoff", "job", jobID, "file", name, "error", err)
	}
}
