// Package executor runs agent tasks.
//
// Every archetype registers a dispatch table from task type to handler.
// Execute applies the common contract around a handler: load the agent and
// task, mark the task running, dispatch, then record the output and merge
// the archetype's counters into the agent, or record the failure.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jakebbass/afilli/internal/affiliate"
	"github.com/jakebbass/afilli/internal/email"
	"github.com/jakebbass/afilli/internal/enrich"
	"github.com/jakebbass/afilli/internal/llm"
	"github.com/jakebbass/afilli/internal/logging"
	"github.com/jakebbass/afilli/internal/scraper"
	"github.com/jakebbass/afilli/internal/store"
	"github.com/jakebbass/afilli/internal/tasks"
)

var (
	// ErrUnknownTaskType is returned when an archetype has no handler for a task.
	ErrUnknownTaskType = errors.New("unknown task type")

	// ErrPersonaRequired fails tasks that need a persona on agents without one.
	ErrPersonaRequired = errors.New("agent must be assigned to a persona")
)

const tracerName = "github.com/jakebbass/afilli/internal/executor"

// Web is the web research collaborator.
type Web interface {
	Extract(ctx context.Context, url string) (*scraper.Page, error)
	Analyze(ctx context.Context, content, target string) *scraper.Analysis
	DiscoverLeads(ctx context.Context, query string, persona *store.Persona, max int) ([]*store.Lead, error)
}

// Deps are the collaborators task handlers call.
type Deps struct {
	Store    *store.Store
	LLM      llm.Client
	Web      Web
	Email    email.Sender
	Fetchers []affiliate.Fetcher
	Enricher enrich.Enricher
}

// Executor runs tasks for every archetype.
type Executor struct {
	store    *store.Store
	llm      llm.Client
	web      Web
	email    email.Sender
	fetchers []affiliate.Fetcher
	enricher enrich.Enricher

	registry map[tasks.AgentType]*archetype
	log      *logging.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Executor) { e.log = l }
}

// WithClock sets the time source for task and agent timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithTracer sets the tracer used for task spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

// New creates an Executor with every archetype registered.
func New(d Deps, opts ...Option) *Executor {
	e := &Executor{
		store:    d.Store,
		llm:      d.LLM,
		web:      d.Web,
		email:    d.Email,
		fetchers: d.Fetchers,
		enricher: d.Enricher,
		log:      logging.Component("executor"),
		tracer:   otel.Tracer(tracerName),
		now:      d.Store.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.registry = map[tasks.AgentType]*archetype{
		tasks.AgentResearcher:    e.researcher(),
		tasks.AgentOutreach:      e.outreach(),
		tasks.AgentOptimizer:     e.optimizer(),
		tasks.AgentDealFinder:    e.dealFinder(),
		tasks.AgentPersonaWriter: e.personaWriter(),
		tasks.AgentListBuilder:   e.listBuilder(),
		tasks.AgentMarketing:     e.marketing(),
	}
	return e
}

// run is the state a handler works from.
type run struct {
	agent   *store.Agent
	persona *store.Persona // nil when the agent has none
	task    *store.Task
}

// input decodes the task input into v.
func (r *run) input(v any) error {
	return tasks.DecodeInput(r.task.Input, v)
}

// requirePersona returns the persona or ErrPersonaRequired.
func (r *run) requirePersona() (*store.Persona, error) {
	if r.persona == nil {
		return nil, ErrPersonaRequired
	}
	return r.persona, nil
}

// outcome is a handler's result: the task output and the counters to merge
// into the agent's metrics. tasksCompleted is added by Execute.
type outcome struct {
	output  any
	metrics store.Metrics
}

type handler func(ctx context.Context, r *run) (*outcome, error)

type archetype struct {
	// needsPersona makes a missing persona a not-found error raised before
	// the task is touched.
	needsPersona bool
	handlers     map[tasks.TaskType]handler
}

// Validate checks every catalog task type has a handler in its archetype.
func (e *Executor) Validate() error {
	var errs []error
	for _, t := range tasks.All() {
		def, _ := tasks.Lookup(t)
		a, ok := e.registry[def.Agent]
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s has no executor", tasks.ErrUnknownAgentType, def.Agent))
			continue
		}
		if _, ok := a.handlers[t]; !ok {
			errs = append(errs, fmt.Errorf("%w: %s has no handler for %s", ErrUnknownTaskType, def.Agent, t))
		}
	}
	return errors.Join(errs...)
}

// Execute runs one task of the agent and returns its output.
//
// A missing agent, task or required persona is returned before the task is
// touched, as is a task that is no longer pending. Any later error marks the
// task failed and is returned after the failure is recorded.
func (e *Executor) Execute(ctx context.Context, agentID, taskID string) (output any, err error) {
	ctx, span := e.tracer.Start(ctx, "executor.task", trace.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("task.id", taskID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	r, arch, err := e.load(ctx, agentID, taskID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("agent.type", string(r.agent.Type)),
		attribute.String("task.type", string(r.task.Type)),
	)

	if err := e.store.MarkTaskRunning(ctx, r.task.ID, e.now()); err != nil {
		return nil, err
	}

	start := e.now()
	out, err := e.dispatch(ctx, arch, r)
	if err != nil {
		e.log.WarnCtx("task failed", map[string]any{
			"agent_id":  r.agent.ID,
			"task_id":   r.task.ID,
			"task_type": r.task.Type,
			"error":     err.Error(),
		})
		if mErr := e.store.MarkTaskFailed(ctx, r.task.ID, err.Error(), e.now()); mErr != nil {
			return nil, errors.Join(err, mErr)
		}
		return nil, err
	}

	if err := e.store.MarkTaskCompleted(ctx, r.task.ID, out.output, e.now()); err != nil {
		return nil, err
	}
	delta := out.metrics
	delta.TasksCompleted++
	if err := e.store.RecordRun(ctx, r.agent.ID, delta, e.now()); err != nil {
		return nil, err
	}
	e.log.InfoCtx("task completed", map[string]any{
		"agent_id":  r.agent.ID,
		"task_id":   r.task.ID,
		"task_type": r.task.Type,
		"duration":  e.now().Sub(start).String(),
	})
	return out.output, nil
}

func (e *Executor) load(ctx context.Context, agentID, taskID string) (*run, *archetype, error) {
	agent, err := e.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, nil, err
	}
	arch, ok := e.registry[agent.Type]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", tasks.ErrUnknownAgentType, agent.Type)
	}
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	if task.AgentID != agent.ID {
		return nil, nil, fmt.Errorf("task %s belongs to agent %s: %w", task.ID, task.AgentID, store.ErrNotFound)
	}

	r := &run{agent: agent, task: task}
	switch {
	case agent.PersonaID != "":
		p, err := e.store.GetPersona(ctx, agent.PersonaID)
		if err != nil && (arch.needsPersona || !errors.Is(err, store.ErrNotFound)) {
			return nil, nil, err
		}
		r.persona = p
	case arch.needsPersona:
		return nil, nil, fmt.Errorf("persona for agent %s: %w", agent.ID, store.ErrNotFound)
	}
	return r, arch, nil
}

func (e *Executor) dispatch(ctx context.Context, arch *archetype, r *run) (*outcome, error) {
	h, ok := arch.handlers[r.task.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTaskType, r.task.Type)
	}
	return h(ctx, r)
}
