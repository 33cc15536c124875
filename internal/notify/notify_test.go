package notify

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/jakebbass/afilli/internal/logging"
	"github.com/jakebbass/afilli/internal/orchestrator"
	"github.com/jakebbass/afilli/internal/tasks"
)

type message struct {
	subject string
	data    []byte
}

func TestObservePublishesJSON(t *testing.T) {
	var sent []message
	p := newPublisher(func(subject string, data []byte) error {
		sent = append(sent, message{subject, data})
		return nil
	}, "afilli.events", logging.Nop())

	ev := orchestrator.Event{
		Type:      orchestrator.EventTaskEnd,
		Time:      time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC),
		AgentID:   "agent-1",
		AgentType: tasks.AgentDealFinder,
		TaskID:    "task-1",
		TaskType:  tasks.OfferSync,
		Status:    tasks.StatusCompleted,
	}
	p.Observe(ev)

	if len(sent) != 1 {
		t.Fatalf("sent %d messages, want 1", len(sent))
	}
	if sent[0].subject != "afilli.events.task.end" {
		t.Errorf("subject = %q", sent[0].subject)
	}
	var got orchestrator.Event
	if err := json.Unmarshal(sent[0].data, &got); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if got.TaskID != "task-1" || got.Status != tasks.StatusCompleted || got.AgentType != tasks.AgentDealFinder {
		t.Errorf("payload = %+v", got)
	}
}

func TestObserveSwallowsPublishErrors(t *testing.T) {
	calls := 0
	p := newPublisher(func(string, []byte) error {
		calls++
		return errors.New("nats: connection closed")
	}, "afilli.events", logging.Nop())

	p.Observe(orchestrator.Event{Type: orchestrator.EventPassEnd})
	if calls != 1 {
		t.Errorf("publish calls = %d", calls)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close without connection = %v", err)
	}
}
