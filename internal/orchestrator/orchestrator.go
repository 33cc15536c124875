// Package orchestrator drives agents through their task loop.
//
// Each loop invocation does exactly one of three things: nothing (agent not
// working), execute the oldest pending task, or ask the generator for the
// next task. Generation and execution never happen in the same invocation.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jakebbass/afilli/internal/logging"
	"github.com/jakebbass/afilli/internal/store"
	"github.com/jakebbass/afilli/internal/tasks"
)

const tracerName = "github.com/jakebbass/afilli/internal/orchestrator"

// TaskRunner executes one pending task. *executor.Executor satisfies it.
type TaskRunner interface {
	Execute(ctx context.Context, agentID, taskID string) (any, error)
}

// TaskGenerator creates an agent's next task, or returns nil when there is
// nothing to do. *generator.Generator satisfies it.
type TaskGenerator interface {
	NextTask(ctx context.Context, a *store.Agent) (*store.Task, error)
}

// Action is what one loop invocation did.
type Action string

const (
	ActionSkipped   Action = "skipped"   // agent not working
	ActionExecuted  Action = "executed"  // ran a pending task
	ActionGenerated Action = "generated" // enqueued a new task
	ActionIdle      Action = "idle"      // generator had nothing to do
)

// Step reports one loop invocation. TaskErr holds a task-level failure,
// which the loop absorbs rather than returning.
type Step struct {
	AgentID string      `json:"agentId"`
	Action  Action      `json:"action"`
	Task    *store.Task `json:"task,omitempty"`
	Output  any         `json:"output,omitempty"`
	TaskErr error       `json:"-"`
}

// PassSummary counts what a RunAllAgents pass did.
type PassSummary struct {
	Agents    int           `json:"agents"`
	Executed  int           `json:"executed"`
	Failed    int           `json:"failed"`
	Generated int           `json:"generated"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration"`
}

// Orchestrator runs agent loops against the record store.
type Orchestrator struct {
	store    *store.Store
	runner   TaskRunner
	gen      TaskGenerator
	logger   *logging.Logger
	handlers []EventHandler
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = l
	}
}

// WithEventHandler adds a callback for lifecycle events. It may be given
// more than once.
func WithEventHandler(h EventHandler) Option {
	return func(o *Orchestrator) {
		o.handlers = append(o.handlers, h)
	}
}

// WithClock sets the time source used for event timestamps and durations.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// New creates an orchestrator.
func New(s *store.Store, runner TaskRunner, gen TaskGenerator, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:  s,
		runner: runner,
		gen:    gen,
		logger: logging.Component("orchestrator"),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// emit sends an event to every registered handler.
func (o *Orchestrator) emit(e Event) {
	if len(o.handlers) == 0 {
		return
	}
	e.Time = o.now()
	for _, h := range o.handlers {
		h(e)
	}
}

// RunAgentLoop advances one agent by a single step.
//
// Task failures are recorded on the task by the executor and reported in
// Step.TaskErr. The returned error is reserved for loop-level failures such
// as a missing agent, a generator error or a store outage.
func (o *Orchestrator) RunAgentLoop(ctx context.Context, agentID string) (*Step, error) {
	agent, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	step := &Step{AgentID: agent.ID}

	if agent.Status != tasks.AgentWorking {
		o.logger.DebugCtx("agent not working, skipping", map[string]any{"agent_id": agent.ID, "status": agent.Status})
		o.emit(Event{Type: EventAgentSkipped, AgentID: agent.ID, AgentType: agent.Type, Message: string(agent.Status)})
		step.Action = ActionSkipped
		return step, nil
	}

	pending, err := o.store.OldestPendingTask(ctx, agent.ID)
	if err != nil {
		return nil, err
	}
	if pending == nil {
		task, err := o.gen.NextTask(ctx, agent)
		if err != nil {
			return nil, err
		}
		if task == nil {
			step.Action = ActionIdle
			return step, nil
		}
		o.logger.InfoCtx("task created", map[string]any{"agent_id": agent.ID, "task_id": task.ID, "task_type": task.Type})
		o.emit(Event{Type: EventTaskCreated, AgentID: agent.ID, AgentType: agent.Type, TaskID: task.ID, TaskType: task.Type})
		step.Action = ActionGenerated
		step.Task = task
		return step, nil
	}

	return o.execute(ctx, agent, pending, step)
}

func (o *Orchestrator) execute(ctx context.Context, agent *store.Agent, task *store.Task, step *Step) (*Step, error) {
	if err := o.store.SetCurrentTask(ctx, agent.ID, tasks.Label(task.Type)); err != nil {
		return nil, err
	}
	o.emit(Event{Type: EventTaskStart, AgentID: agent.ID, AgentType: agent.Type, TaskID: task.ID, TaskType: task.Type})

	start := o.now()
	output, taskErr := o.runner.Execute(ctx, agent.ID, task.ID)
	duration := o.now().Sub(start)

	// Cleared on both paths; a task failure must not leave the label behind.
	if err := o.store.SetCurrentTask(ctx, agent.ID, ""); err != nil {
		return nil, errors.Join(taskErr, err)
	}

	ev := Event{
		Type:      EventTaskEnd,
		AgentID:   agent.ID,
		AgentType: agent.Type,
		TaskID:    task.ID,
		TaskType:  task.Type,
		Status:    tasks.StatusCompleted,
		Duration:  duration,
	}
	if taskErr != nil {
		o.logger.WarnCtx("task error", map[string]any{
			"agent_id":  agent.ID,
			"task_id":   task.ID,
			"task_type": task.Type,
			"error":     taskErr.Error(),
		})
		ev.Status = tasks.StatusFailed
		ev.Error = taskErr.Error()
		step.TaskErr = taskErr
	}
	o.emit(ev)

	if current, err := o.store.GetTask(ctx, task.ID); err == nil {
		task = current
	}
	step.Action = ActionExecuted
	step.Task = task
	step.Output = output
	return step, nil
}

// StartAgent marks the agent working and, unless a task is already pending,
// asks the generator for its first task. The created task is returned, or
// nil when none was needed or the archetype had nothing to do.
func (o *Orchestrator) StartAgent(ctx context.Context, agentID string) (*store.Task, error) {
	if err := o.store.SetAgentStatus(ctx, agentID, tasks.AgentWorking); err != nil {
		return nil, err
	}
	agent, err := o.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	pending, err := o.store.OldestPendingTask(ctx, agentID)
	if err != nil {
		return nil, err
	}
	o.logger.InfoCtx("agent started", map[string]any{"agent_id": agentID, "type": agent.Type})
	if pending != nil {
		return nil, nil
	}

	task, err := o.gen.NextTask(ctx, agent)
	if err != nil {
		return nil, err
	}
	if task != nil {
		o.emit(Event{Type: EventTaskCreated, AgentID: agent.ID, AgentType: agent.Type, TaskID: task.ID, TaskType: task.Type})
	}
	return task, nil
}

// StopAgent pauses the agent. An in-flight task is not interrupted; later
// passes skip the agent.
func (o *Orchestrator) StopAgent(ctx context.Context, agentID string) error {
	if err := o.store.SetAgentStatus(ctx, agentID, tasks.AgentPaused); err != nil {
		return err
	}
	o.logger.InfoCtx("agent stopped", map[string]any{"agent_id": agentID})
	return nil
}

// RunAllAgents runs one loop step for every working agent, sequentially.
// A loop error moves that agent to the error status and the pass continues
// with the next agent. Only a failure to list agents is returned.
func (o *Orchestrator) RunAllAgents(ctx context.Context) (summary *PassSummary, err error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.pass")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	start := o.now()
	o.emit(Event{Type: EventPassStart})

	agents, err := o.store.WorkingAgents(ctx)
	if err != nil {
		return nil, err
	}
	summary = &PassSummary{Agents: len(agents)}
	for _, a := range agents {
		if ctx.Err() != nil {
			break
		}
		step, err := o.RunAgentLoop(ctx, a.ID)
		if err != nil {
			summary.Errors++
			o.agentError(ctx, &a, err)
			continue
		}
		switch step.Action {
		case ActionExecuted:
			summary.Executed++
			if step.TaskErr != nil {
				summary.Failed++
			}
		case ActionGenerated:
			summary.Generated++
		}
	}

	summary.Duration = o.now().Sub(start)
	span.SetAttributes(
		attribute.Int("pass.agents", summary.Agents),
		attribute.Int("pass.executed", summary.Executed),
		attribute.Int("pass.errors", summary.Errors),
	)
	o.logger.DebugCtx("pass complete", map[string]any{
		"agents":    summary.Agents,
		"executed":  summary.Executed,
		"failed":    summary.Failed,
		"generated": summary.Generated,
		"errors":    summary.Errors,
		"duration":  summary.Duration.String(),
	})
	o.emit(Event{
		Type:     EventPassEnd,
		Duration: summary.Duration,
		Fields: map[string]any{
			"agents":    summary.Agents,
			"executed":  summary.Executed,
			"failed":    summary.Failed,
			"generated": summary.Generated,
			"errors":    summary.Errors,
		},
	})
	return summary, nil
}

func (o *Orchestrator) agentError(ctx context.Context, a *store.Agent, loopErr error) {
	o.logger.ErrorCtx("agent loop failed", map[string]any{"agent_id": a.ID, "type": a.Type, "error": loopErr.Error()})
	if err := o.store.MarkAgentError(ctx, a.ID); err != nil {
		o.logger.ErrorCtx("marking agent error", map[string]any{"agent_id": a.ID, "error": err.Error()})
	}
	o.emit(Event{Type: EventAgentError, AgentID: a.ID, AgentType: a.Type, Error: loopErr.Error()})
}
