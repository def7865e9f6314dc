// Package notifications delivers job lifecycle notifications: desktop
// toasts on Windows and webhook posts, fed by terminal job events from
// the bus.
package notifications

import (
	"context"
	"log/slog"

	"github.com/bekirdag/mcoda/internal/events"
)

// Notifier delivers one notification channel.
type Notifier interface {
	Name() string
	ShouldNotify(event events.Event) bool
	Send(event events.Event) error
}

// Dispatcher fans terminal job events out to notifiers.
type Dispatcher struct {
	bus       *events.Bus
	notifiers []Notifier
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher over the bus.
func NewDispatcher(bus *events.Bus, logger *slog.Logger, notifiers ...Notifier) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{bus: bus, notifiers: notifiers, logger: logger}
}

// Run consumes job state events until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	ch := d.bus.Subscribe("all", []events.EventType{events.EventJobState})
	defer d.bus.Unsubscribe("all", ch)

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if !isTerminalState(evt) {
				continue
			}
			for _, n := range d.notifiers {
				if !n.ShouldNotify(evt) {
					continue
				}
				if err := n.Send(evt); err != nil {
					d.logger.Warn("notification failed", "notifier", n.Name(), "job", evt.JobID, "error", err)
				}
			}
		}
	}
}

func isTerminalState(evt events.Event) bool {
	state, _ := evt.Payload["state"].(string)
	switch state {
	case "completed", "partial", "failed", "cancelled":
		return true
	}
	return false
}
