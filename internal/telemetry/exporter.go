package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Exporter batches usage events to a remote telemetry endpoint. Export is
// best effort: failures are logged and never affect local recording.
type Exporter struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger

	mu      sync.Mutex
	pending []Event
}

// ExportBatchSize is the flush threshold for queued events.
const ExportBatchSize = 50

// NewExporter creates an exporter targeting baseURL. A nil logger uses
// the default.
func NewExporter(baseURL, token string, logger *slog.Logger) *Exporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// Enqueue adds an event to the pending batch, flushing when the batch is
// full.
func (x *Exporter) Enqueue(e Event) {
	x.mu.Lock()
	x.pending = append(x.pending, e)
	full := len(x.pending) >= ExportBatchSize
	x.mu.Unlock()

	if full {
		x.Flush()
	}
}

// Flush posts all pending events. Events are dropped on failure; the
// local ledger remains the source of truth.
func (x *Exporter) Flush() {
	x.mu.Lock()
	batch := x.pending
	x.pending = nil
	x.mu.Unlock()

	if len(batch) == 0 || x.baseURL == "" {
		return
	}

	body, err := json.Marshal(map[string]any{"events": batch})
	if err != nil {
		x.logger.Warn("telemetry export encode failed", "error", err)
		return
	}

	req, err := http.NewRequest(http.MethodPost, x.baseURL+"/v1/usage", bytes.NewReader(body))
	if err != nil {
		x.logger.Warn("telemetry export request failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if x.token != "" {
		req.Header.Set("Authorization", "Bearer "+x.token)
	}

	resp, err := x.client.Do(req)
	if err != nil {
		x.logger.Warn("telemetry export failed", "error", err, "events", len(batch))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		x.logger.Warn("telemetry export rejected", "status", fmt.Sprintf("%d", resp.StatusCode), "events", len(batch))
	}
}
