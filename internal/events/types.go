package events

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event
type EventType string

// Event type constants
const (
	EventJobState   EventType = "job_state"   // job lifecycle transition
	EventCheckpoint EventType = "checkpoint"  // checkpoint appended
	EventStep       EventType = "step"        // trio step outcome
	EventTokenUsage EventType = "token_usage" // usage recorded
	EventJobLog     EventType = "job_log"     // job log line
)

// Priority constants for events
const (
	PriorityCritical = 1
	PriorityHigh     = 2
	PriorityNormal   = 3
	PriorityLow      = 4
)

// Event represents a system event that can be published and subscribed to.
// JobID doubles as the subscription target; "all" subscribers receive
// every job's events.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	JobID     string                 `json:"job_id"`
	TaskKey   string                 `json:"task_key,omitempty"`
	Step      string                 `json:"step,omitempty"`
	Priority  int                    `json:"priority"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType EventType, jobID string, priority int, payload map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		JobID:     jobID,
		Priority:  priority,
		Payload:   payload,
		CreatedAt: time.Now(),
	}
}

// AllEventTypes returns all defined event types
func AllEventTypes() []EventType {
	return []EventType{
		EventJobState,
		EventCheckpoint,
		EventStep,
		EventTokenUsage,
		EventJobLog,
	}
}
