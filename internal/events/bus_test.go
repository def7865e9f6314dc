package events

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()

	ch := bus.Subscribe("job-1", []EventType{EventStep})

	bus.Publish(NewEvent(EventStep, "job-1", PriorityNormal, map[string]interface{}{
		"outcome": "succeeded",
	}))

	select {
	case evt := <-ch:
		if evt.Type != EventStep {
			t.Errorf("expected step event, got %s", evt.Type)
		}
		if evt.JobID != "job-1" {
			t.Errorf("expected job-1, got %s", evt.JobID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_TypeFilter(t *testing.T) {
	bus := NewBus()

	ch := bus.Subscribe("job-1", []EventType{EventCheckpoint})
	bus.Publish(NewEvent(EventStep, "job-1", PriorityNormal, nil))
	bus.Publish(NewEvent(EventCheckpoint, "job-1", PriorityNormal, nil))

	select {
	case evt := <-ch:
		if evt.Type != EventCheckpoint {
			t.Errorf("expected checkpoint event, got %s", evt.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestBus_AllSubscriberReceivesEveryJob(t *testing.T) {
	bus := NewBus()

	ch := bus.Subscribe("all", nil)
	bus.Publish(NewEvent(EventJobState, "job-a", PriorityNormal, nil))
	bus.Publish(NewEvent(EventJobState, "job-b", PriorityNormal, nil))

	got := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case evt := <-ch:
			got[evt.JobID] = true
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for events")
		}
	}
	if !got["job-a"] || !got["job-b"] {
		t.Errorf("expected events for both jobs, got %v", got)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	ch := bus.Subscribe("job-1", nil)
	bus.Unsubscribe("job-1", ch)

	if _, ok := <-ch; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
}
