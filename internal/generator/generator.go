// Package generator decides which task an agent works on next.
//
// Each archetype has a small rule that looks at the record store (lead
// counts, persona counts, the last offer sync) and at the agent's rotation
// cursor, then enqueues at most one pending task. Rotations advance the
// cursor in the same transaction as the insert.
package generator

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/jakebbass/afilli/internal/logging"
	"github.com/jakebbass/afilli/internal/store"
	"github.com/jakebbass/afilli/internal/tasks"
)

const (
	// Researcher switches from discovery to search once a persona gains this many leads in a day.
	dailyLeadTarget = 10
	// DealFinder re-syncs offers when the last completed sync is older than this.
	syncInterval = 6 * time.Hour
	// PersonaWriter stops generating personas unconditionally at this fleet-wide count.
	personaFloor = 20
	// ListBuilder enriches only when more than this many leads lack contact data.
	enrichThreshold = 5
)

// Generator enqueues the next task for an agent.
type Generator struct {
	store *store.Store
	log   *logging.Logger
	now   func() time.Time
}

// Option configures a Generator.
type Option func(*Generator)

// WithLogger sets the logger used for decision rationale.
func WithLogger(l *logging.Logger) Option {
	return func(g *Generator) { g.log = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// New creates a Generator.
func New(s *store.Store, opts ...Option) *Generator {
	g := &Generator{
		store: s,
		log:   logging.Component("generator"),
		now:   s.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type rule func(ctx context.Context, a *store.Agent) (*store.NewTask, error)

func (g *Generator) rules() map[tasks.AgentType]rule {
	return map[tasks.AgentType]rule{
		tasks.AgentResearcher:    g.researcher,
		tasks.AgentOutreach:      g.outreach,
		tasks.AgentOptimizer:     g.optimizer,
		tasks.AgentDealFinder:    g.dealFinder,
		tasks.AgentPersonaWriter: g.personaWriter,
		tasks.AgentListBuilder:   g.listBuilder,
		tasks.AgentMarketing:     g.marketing,
	}
}

// NextTask creates the agent's next pending task. It returns nil when the
// archetype rule decides there is nothing to do this tick.
func (g *Generator) NextTask(ctx context.Context, a *store.Agent) (*store.Task, error) {
	r, ok := g.rules()[a.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", tasks.ErrUnknownAgentType, a.Type)
	}
	next, err := r(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("deciding next task for agent %s: %w", a.ID, err)
	}
	if next == nil {
		return nil, nil
	}
	next.AgentID = a.ID
	task, err := g.store.CreateTask(ctx, *next)
	if err != nil {
		return nil, fmt.Errorf("creating %s task for agent %s: %w", next.Type, a.ID, err)
	}
	return task, nil
}

func (g *Generator) researcher(ctx context.Context, a *store.Agent) (*store.NewTask, error) {
	recent := 0
	if a.PersonaID == "" {
		// The executor leaves the task pending until a persona is assigned.
		g.log.WarnCtx("researcher has no persona, discovery will wait for one", map[string]any{"agent": a.ID})
	} else {
		n, err := g.store.CountLeads(ctx, store.LeadFilter{
			PersonaID:    a.PersonaID,
			CreatedSince: g.now().Add(-24 * time.Hour),
		})
		if err != nil {
			return nil, err
		}
		recent = n
	}
	fields := map[string]any{"agent": a.ID, "leads_24h": recent, "target": dailyLeadTarget}
	if recent < dailyLeadTarget {
		g.log.InfoCtx("researcher below daily lead target, discovering leads", fields)
		return &store.NewTask{Type: tasks.LeadDiscovery, Input: tasks.LeadDiscoveryInput{MaxLeads: dailyLeadTarget}}, nil
	}
	g.log.InfoCtx("researcher met daily lead target, running web search", fields)
	return &store.NewTask{Type: tasks.WebSearch}, nil
}

func (g *Generator) outreach(ctx context.Context, a *store.Agent) (*store.NewTask, error) {
	if a.PersonaID == "" {
		g.log.InfoCtx("outreach agent has no persona, nothing to contact", map[string]any{"agent": a.ID})
		return nil, nil
	}
	lead, err := g.store.LatestLead(ctx, store.LeadFilter{
		PersonaID: a.PersonaID,
		Status:    store.LeadDiscovered,
		HasEmail:  true,
	})
	if err != nil {
		return nil, err
	}
	if lead == nil {
		g.log.InfoCtx("no uncontacted leads with email, idling", map[string]any{"agent": a.ID, "persona": a.PersonaID})
		return nil, nil
	}
	g.log.InfoCtx("generating outreach for newest discovered lead", map[string]any{"agent": a.ID, "lead": lead.ID})
	return &store.NewTask{Type: tasks.OutreachGeneration, Input: tasks.OutreachInput{LeadID: lead.ID}}, nil
}

func (g *Generator) optimizer(_ context.Context, a *store.Agent) (*store.NewTask, error) {
	t, then := tasks.OfferOptimization, tasks.SEOOptimization
	if a.NextPhase == tasks.SEOOptimization {
		t, then = tasks.SEOOptimization, tasks.OfferOptimization
	}
	g.log.InfoCtx("optimizer alternating", map[string]any{"agent": a.ID, "task": t, "next": then})
	return &store.NewTask{Type: t, NextPhase: &then}, nil
}

func (g *Generator) dealFinder(ctx context.Context, a *store.Agent) (*store.NewTask, error) {
	last, err := g.store.LatestCompletedTask(ctx, a.ID, tasks.OfferSync)
	if err != nil {
		return nil, err
	}
	elapsed := math.Inf(1)
	if last != nil {
		elapsed = g.now().Sub(last.CreatedAt).Hours()
	}
	fields := map[string]any{"agent": a.ID, "hours_since_sync": elapsed}
	if elapsed > syncInterval.Hours() {
		g.log.InfoCtx("offers are stale, syncing", fields)
		return &store.NewTask{Type: tasks.OfferSync}, nil
	}
	g.log.InfoCtx("offers are fresh, scoring", fields)
	return &store.NewTask{Type: tasks.OfferScoring}, nil
}

// personaRotation alternates monitoring and switching once the persona pool
// is full. A writer whose last task was persona_generation keeps generating.
var personaRotation = map[tasks.TaskType]tasks.TaskType{
	tasks.CampaignMonitoring: tasks.OfferSwitching,
	tasks.OfferSwitching:     tasks.CampaignMonitoring,
	tasks.PersonaGeneration:  tasks.PersonaGeneration,
}

func (g *Generator) personaWriter(ctx context.Context, a *store.Agent) (*store.NewTask, error) {
	n, err := g.store.CountPersonas(ctx)
	if err != nil {
		return nil, err
	}
	if n < personaFloor {
		then := tasks.PersonaGeneration
		g.log.InfoCtx("persona pool below floor, generating personas", map[string]any{"agent": a.ID, "personas": n, "floor": personaFloor})
		return &store.NewTask{Type: tasks.PersonaGeneration, NextPhase: &then}, nil
	}
	t := a.NextPhase
	if _, ok := personaRotation[t]; !ok {
		t = tasks.CampaignMonitoring
	}
	then := personaRotation[t]
	g.log.InfoCtx("persona pool full, rotating", map[string]any{"agent": a.ID, "personas": n, "task": t, "next": then})
	return &store.NewTask{Type: t, NextPhase: &then}, nil
}

func (g *Generator) listBuilder(ctx context.Context, a *store.Agent) (*store.NewTask, error) {
	if a.PersonaID == "" {
		g.log.InfoCtx("list builder has no persona, skipping", map[string]any{"agent": a.ID})
		return nil, nil
	}
	n, err := g.store.CountLeads(ctx, store.LeadFilter{PersonaID: a.PersonaID, MissingEmailOrCompany: true})
	if err != nil {
		return nil, err
	}
	fields := map[string]any{"agent": a.ID, "unenriched": n, "phase": a.NextPhase}
	// The cursor reads lead_enrichment only right after a build.
	if n > enrichThreshold && a.NextPhase == tasks.LeadEnrichment {
		then := tasks.LeadListBuilding
		g.log.InfoCtx("enriching leads after build", fields)
		return &store.NewTask{Type: tasks.LeadEnrichment, NextPhase: &then}, nil
	}
	then := tasks.LeadEnrichment
	g.log.InfoCtx("building lead list", fields)
	return &store.NewTask{Type: tasks.LeadListBuilding, NextPhase: &then}, nil
}

var marketingRotation = map[tasks.TaskType]tasks.TaskType{
	tasks.BuyingSignalAnalysis: tasks.CampaignCreation,
	tasks.CampaignCreation:     tasks.CampaignLaunch,
	tasks.CampaignLaunch:       tasks.BuyingSignalAnalysis,
}

func (g *Generator) marketing(ctx context.Context, a *store.Agent) (*store.NewTask, error) {
	if a.PersonaID == "" {
		g.log.InfoCtx("marketing agent has no persona, skipping", map[string]any{"agent": a.ID})
		return nil, nil
	}
	drafts, err := g.store.CountCampaigns(ctx, store.CampaignFilter{PersonaID: a.PersonaID, Status: store.CampaignDraft})
	if err != nil {
		return nil, err
	}
	if drafts > 0 {
		then := marketingRotation[tasks.CampaignLaunch]
		g.log.InfoCtx("draft campaigns waiting, launching", map[string]any{"agent": a.ID, "drafts": drafts})
		return &store.NewTask{Type: tasks.CampaignLaunch, NextPhase: &then}, nil
	}
	t := a.NextPhase
	if _, ok := marketingRotation[t]; !ok {
		t = tasks.BuyingSignalAnalysis
	}
	then := marketingRotation[t]
	g.log.InfoCtx("no drafts, rotating", map[string]any{"agent": a.ID, "task": t, "next": then})
	return &store.NewTask{Type: t, NextPhase: &then}, nil
}
