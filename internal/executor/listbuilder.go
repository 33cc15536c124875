package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/jakebbass/afilli/internal/enrich"
	"github.com/jakebbass/afilli/internal/store"
	"github.com/jakebbass/afilli/internal/tasks"
)

// LeadEnrichmentOutput is the output of lead_enrichment. Per-lead failures
// are collected in Errors and do not fail the batch.
type LeadEnrichmentOutput struct {
	LeadsEnriched int      `json:"leadsEnriched"`
	LeadIDs       []string `json:"leadIds"`
	Errors        []string `json:"errors,omitempty"`
	SuccessRate   float64  `json:"successRate"`
}

func (e *Executor) listBuilder() *archetype {
	return &archetype{
		handlers: map[tasks.TaskType]handler{
			tasks.LeadListBuilding: e.leadListBuilding,
			tasks.LeadEnrichment:   e.leadEnrichment,
		},
	}
}

func (e *Executor) leadListBuilding(ctx context.Context, r *run) (*outcome, error) {
	persona, err := r.requirePersona()
	if err != nil {
		return nil, err
	}
	var in tasks.ListBuildingInput
	if err := r.input(&in); err != nil {
		return nil, err
	}
	query := in.SearchQuery
	if query == "" {
		keywords := persona.SearchKeywords[:min(len(persona.SearchKeywords), 3)]
		query = strings.TrimSpace(persona.Name + " " + strings.Join(keywords, " "))
	}

	out, err := e.discover(ctx, r, query, r.agent.Config.LeadsPerRun())
	if err != nil {
		return nil, err
	}
	out.PersonaName = persona.Name
	return &outcome{
		output:  out,
		metrics: store.Metrics{LeadsBuilt: int64(out.LeadsDiscovered)},
	}, nil
}

func (e *Executor) leadEnrichment(ctx context.Context, r *run) (*outcome, error) {
	leads, err := e.store.FindLeads(ctx, store.LeadFilter{
		PersonaID:      r.agent.PersonaID,
		MissingContact: true,
		Limit:          r.agent.Config.EnrichPerRun(),
	})
	if err != nil {
		return nil, err
	}

	out := LeadEnrichmentOutput{LeadIDs: []string{}}
	for _, l := range leads {
		if err := e.enrichLead(ctx, &l); err != nil {
			e.log.WarnCtx("lead enrichment failed", map[string]any{"lead_id": l.ID, "error": err.Error()})
			out.Errors = append(out.Errors, fmt.Sprintf("Lead %s: %v", l.ID, err))
			continue
		}
		out.LeadsEnriched++
		out.LeadIDs = append(out.LeadIDs, l.ID)
	}
	if len(leads) > 0 {
		out.SuccessRate = float64(out.LeadsEnriched) / float64(len(leads)) * 100
	}
	return &outcome{
		output:  out,
		metrics: store.Metrics{LeadsEnriched: int64(out.LeadsEnriched)},
	}, nil
}

func (e *Executor) enrichLead(ctx context.Context, l *store.Lead) error {
	res, err := e.enricher.Enrich(ctx, enrich.Input{
		Name:    l.Name,
		Company: l.Company,
		Website: l.Website,
		Email:   l.Email,
	})
	if err != nil {
		return err
	}
	return e.store.EnrichLead(ctx, l.ID, store.ContactUpdate{
		Email:   res.Email,
		Phone:   res.Phone,
		Company: res.CompanyName,
		Website: res.CompanyWebsite,
	}, "clayEnrichment", map[string]any{
		"enrichedAt":      e.now(),
		"confidence":      res.Confidence,
		"jobTitle":        res.JobTitle,
		"location":        res.Location,
		"companySize":     res.CompanySize,
		"companyIndustry": res.CompanyIndustry,
		"technologies":    res.Technologies,
		"linkedinUrl":     res.LinkedInURL,
		"twitterUrl":      res.TwitterURL,
	})
}
