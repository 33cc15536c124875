package orchestrator

import (
	"time"

	"github.com/jakebbass/afilli/internal/tasks"
)

// EventType classifies orchestrator lifecycle events. Values are dotted so
// they can be appended to a message subject.
type EventType string

const (
	EventPassStart    EventType = "pass.start"    // scheduler pass begins
	EventPassEnd      EventType = "pass.end"      // scheduler pass finished
	EventTaskCreated  EventType = "task.created"  // generator enqueued a task
	EventTaskStart    EventType = "task.start"    // task handed to the executor
	EventTaskEnd      EventType = "task.end"      // task completed or failed
	EventAgentSkipped EventType = "agent.skipped" // agent not working, loop was a no-op
	EventAgentError   EventType = "agent.error"   // loop failed, agent moved to error
)

// Event carries data about an orchestrator lifecycle event.
type Event struct {
	Type      EventType        `json:"type"`
	Time      time.Time        `json:"time"`
	AgentID   string           `json:"agentId,omitempty"`
	AgentType tasks.AgentType  `json:"agentType,omitempty"`
	TaskID    string           `json:"taskId,omitempty"`
	TaskType  tasks.TaskType   `json:"taskType,omitempty"`
	Status    tasks.TaskStatus `json:"status,omitempty"` // for EventTaskEnd
	Duration  time.Duration    `json:"duration,omitempty"`
	Error     string           `json:"error,omitempty"`
	Message   string           `json:"message,omitempty"`
	Fields    map[string]any   `json:"fields,omitempty"`
}

// EventHandler is a callback that receives orchestrator events. Handlers run
// synchronously on the pass goroutine.
type EventHandler func(Event)
