package nats

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	nc "github.com/nats-io/nats.go"

	"github.com/bekirdag/mcoda/internal/events"
)

// subjectFor returns the NATS subject carrying one job's events.
func subjectFor(jobID string) string {
	return fmt.Sprintf("mcoda.jobs.%s.events", jobID)
}

// Bridge republishes bus events onto NATS subjects.
type Bridge struct {
	conn   *nc.Conn
	bus    *events.Bus
	logger *slog.Logger
	stop   chan struct{}
}

// NewBridge connects to the NATS server at url and starts forwarding all
// bus events.
func NewBridge(url string, bus *events.Bus, logger *slog.Logger) (*Bridge, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nc.Connect(url,
		nc.ReconnectWait(2*time.Second),
		nc.MaxReconnects(-1),
		nc.DisconnectErrHandler(func(_ *nc.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nc.ReconnectHandler(func(conn *nc.Conn) {
			logger.Info("nats reconnected", "url", conn.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	b := &Bridge{conn: conn, bus: bus, logger: logger, stop: make(chan struct{})}
	go b.forward()
	return b, nil
}

func (b *Bridge) forward() {
	ch := b.bus.Subscribe("all", nil)
	defer b.bus.Unsubscribe("all", ch)

	for {
		select {
		case <-b.stop:
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if err := b.conn.Publish(subjectFor(evt.JobID), data); err != nil {
				b.logger.Warn("failed to publish job event", "job", evt.JobID, "error", err)
			}
		}
	}
}

// Close stops forwarding and closes the connection.
func (b *Bridge) Close() {
	close(b.stop)
	b.conn.Close()
}

// Watch subscribes to one job's events on the NATS bus, delivering them
// until the returned cancel function is called.
func Watch(url, jobID string, handler func(events.Event)) (func(), error) {
	conn, err := nc.Connect(url, nc.ReconnectWait(2*time.Second), nc.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	sub, err := conn.Subscribe(subjectFor(jobID), func(msg *nc.Msg) {
		var evt events.Event
		if err := json.Unmarshal(msg.Data, &evt); err != nil {
			return
		}
		handler(evt)
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to subscribe to job events: %w", err)
	}

	return func() {
		sub.Unsubscribe()
		conn.Close()
	}, nil
}
