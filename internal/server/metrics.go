package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bekirdag/mcoda/internal/events"
)

var (
	jobStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcoda_job_state_transitions_total",
		Help: "Job state transitions observed on the event bus.",
	}, []string{"state"})

	stepOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mcoda_step_outcomes_total",
		Help: "Trio step outcomes by step and outcome.",
	}, []string{"step", "outcome"})

	checkpointsWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcoda_checkpoints_total",
		Help: "Checkpoint entries appended across all jobs.",
	})

	tokensRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mcoda_tokens_total",
		Help: "Total tokens recorded by the telemetry ledger.",
	})
)

// observeEvent updates Prometheus counters from one bus event.
func observeEvent(evt events.Event) {
	switch evt.Type {
	case events.EventJobState:
		if state, ok := evt.Payload["state"].(string); ok {
			jobStateTransitions.WithLabelValues(state).Inc()
		}
	case events.EventStep:
		outcome, _ := evt.Payload["outcome"].(string)
		stepOutcomes.WithLabelValues(evt.Step, outcome).Inc()
	case events.EventCheckpoint:
		checkpointsWritten.Inc()
	case events.EventTokenUsage:
		if total, ok := evt.Payload["total_tokens"].(int64); ok {
			tokensRecorded.Add(float64(total))
		} else if total, ok := evt.Payload["total_tokens"].(float64); ok {
			tokensRecorded.Add(total)
		}
	}
}
