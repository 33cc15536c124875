package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jakebbass/afilli/internal/llm"
	"github.com/jakebbass/afilli/internal/scraper"
	"github.com/jakebbass/afilli/internal/store"
	"github.com/jakebbass/afilli/internal/tasks"
)

const defaultMaxLeads = 10

// WebSearchOutput is the output of web_search.
type WebSearchOutput struct {
	Queries   []string  `json:"queries"`
	Timestamp time.Time `json:"timestamp"`
}

// LeadDiscoveryOutput is the output of lead_discovery and lead_list_building.
type LeadDiscoveryOutput struct {
	LeadsDiscovered int      `json:"leadsDiscovered"`
	LeadIDs         []string `json:"leadIds"`
	SearchQuery     string   `json:"searchQuery"`
	PersonaName     string   `json:"personaName,omitempty"`
}

// ContentAnalysisOutput is the output of content_analysis.
type ContentAnalysisOutput struct {
	URL      string            `json:"url"`
	Analysis *scraper.Analysis `json:"analysis"`
	PageData PageSummary       `json:"pageData"`
}

// PageSummary is the contact data pulled from an analyzed page.
type PageSummary struct {
	Title  string   `json:"title"`
	Emails []string `json:"emails"`
	Phones []string `json:"phones"`
}

func (e *Executor) researcher() *archetype {
	return &archetype{
		needsPersona: true,
		handlers: map[tasks.TaskType]handler{
			tasks.WebSearch:       e.webSearch,
			tasks.LeadDiscovery:   e.leadDiscovery,
			tasks.ContentAnalysis: e.contentAnalysis,
		},
	}
}

func (e *Executor) webSearch(ctx context.Context, r *run) (*outcome, error) {
	signals, _ := json.Marshal(r.persona.Signals)
	prompt := fmt.Sprintf(`Generate 5 highly specific search queries to find potential customers for this persona:

Name: %s
Description: %s
Signals: %s

Focus on queries that would find:
1. People actively looking for solutions
2. Companies with relevant pain points
3. Decision makers in target industries
4. Communities discussing related topics
5. Content indicating buying intent

Return only the queries, one per line.`, r.persona.Name, r.persona.Description, signals)

	res, err := e.llm.GenerateText(ctx, llm.Request{Prompt: prompt})
	if err != nil {
		return nil, err
	}
	queries := []string{}
	for _, line := range strings.Split(res.Text, "\n") {
		if q := strings.TrimSpace(line); q != "" {
			queries = append(queries, q)
		}
	}
	return &outcome{
		output:  WebSearchOutput{Queries: queries, Timestamp: e.now()},
		metrics: researcherMetrics(r),
	}, nil
}

func (e *Executor) leadDiscovery(ctx context.Context, r *run) (*outcome, error) {
	var in tasks.LeadDiscoveryInput
	if err := r.input(&in); err != nil {
		return nil, err
	}
	query := in.SearchQuery
	if query == "" {
		query = r.persona.Name + " looking for solutions"
	}
	limit := in.MaxLeads
	if limit <= 0 {
		limit = defaultMaxLeads
	}

	out, err := e.discover(ctx, r, query, limit)
	if err != nil {
		return nil, err
	}
	return &outcome{output: out, metrics: researcherMetrics(r)}, nil
}

// discover finds leads for the run's persona and stores them as discovered.
func (e *Executor) discover(ctx context.Context, r *run, query string, limit int) (*LeadDiscoveryOutput, error) {
	leads, err := e.web.DiscoverLeads(ctx, query, r.persona, limit)
	if err != nil {
		return nil, err
	}
	for _, l := range leads {
		l.PersonaID = r.persona.ID
		l.OutreachStatus = store.LeadDiscovered
	}
	if err := e.store.CreateLeads(ctx, leads); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(leads))
	for _, l := range leads {
		ids = append(ids, l.ID)
	}
	return &LeadDiscoveryOutput{
		LeadsDiscovered: len(leads),
		LeadIDs:         ids,
		SearchQuery:     query,
	}, nil
}

func (e *Executor) contentAnalysis(ctx context.Context, r *run) (*outcome, error) {
	var in tasks.ContentAnalysisInput
	if err := r.input(&in); err != nil {
		return nil, err
	}
	if in.URL == "" {
		return nil, errors.New("content analysis needs a url")
	}
	page, err := e.web.Extract(ctx, in.URL)
	if err != nil {
		return nil, err
	}
	analysis := e.web.Analyze(ctx, page.Content, r.persona.Name+": "+r.persona.Description)
	return &outcome{
		output: ContentAnalysisOutput{
			URL:      in.URL,
			Analysis: analysis,
			PageData: PageSummary{Title: page.Title, Emails: page.Emails, Phones: page.Phones},
		},
		metrics: researcherMetrics(r),
	}, nil
}

func researcherMetrics(r *run) store.Metrics {
	return store.Metrics{LastTaskType: r.task.Type}
}
