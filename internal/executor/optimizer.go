package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jakebbass/afilli/internal/llm"
	"github.com/jakebbass/afilli/internal/store"
	"github.com/jakebbass/afilli/internal/tasks"
)

const (
	optimizeOffers    = 50
	optimizeLeads     = 20
	optimizeInterests = 10
	promptOffers      = 20
)

// Recommendation is a model score for one offer.
type Recommendation struct {
	OfferID   string  `json:"offerId"`
	Score     float64 `json:"score"`
	Reasoning string  `json:"reasoning"`
}

// OfferOptimizationOutput is the output of offer_optimization.
type OfferOptimizationOutput struct {
	OffersOptimized    int              `json:"offersOptimized"`
	TopRecommendations []Recommendation `json:"topRecommendations"`
}

// SEOOutput is the output of seo_optimization.
type SEOOutput struct {
	PersonaID          string `json:"personaId"`
	SEORecommendations string `json:"seoRecommendations"`
}

func (e *Executor) optimizer() *archetype {
	return &archetype{
		needsPersona: true,
		handlers: map[tasks.TaskType]handler{
			tasks.OfferOptimization: e.offerOptimization,
			tasks.SEOOptimization:   e.seoOptimization,
		},
	}
}

func (e *Executor) offerOptimization(ctx context.Context, r *run) (*outcome, error) {
	offers, err := e.store.ListOffers(ctx, store.OfferQuery{Order: store.ByCPSDesc, Limit: optimizeOffers})
	if err != nil {
		return nil, err
	}
	leads, err := e.store.FindLeads(ctx, store.LeadFilter{PersonaID: r.persona.ID, Limit: optimizeLeads})
	if err != nil {
		return nil, err
	}

	out := OfferOptimizationOutput{TopRecommendations: []Recommendation{}}
	metrics := store.Metrics{OptimizationsRun: 1}
	if len(offers) == 0 {
		return &outcome{output: out, metrics: metrics}, nil
	}

	var b strings.Builder
	b.WriteString("Analyze these offers and match them to current customer interests:\n\nTop Customer Interests:\n")
	for _, ic := range topInterests(leads, optimizeInterests) {
		fmt.Fprintf(&b, "- %s (%d mentions)\n", ic.interest, ic.count)
	}
	b.WriteString("\nAvailable Offers:\n")
	for _, o := range offers[:min(len(offers), promptOffers)] {
		fmt.Fprintf(&b, "ID: %s, Name: %s, Categories: %s\n", o.ID, o.Name, strings.Join(o.Categories, ", "))
	}
	b.WriteString(`
Rank the offers by relevance to current customer interests. Provide a score (0-100) and brief reasoning for each.
Return {"recommendations": [{"offerId": string, "score": number, "reasoning": string}]}.`)

	var reply struct {
		Recommendations []Recommendation `json:"recommendations"`
	}
	if err := e.llm.GenerateObject(ctx, llm.Request{Prompt: b.String()}, &reply); err != nil {
		return nil, err
	}

	known := offerSet(offers)
	stamp := e.now()
	for _, rec := range reply.Recommendations {
		if !known[rec.OfferID] {
			e.log.DebugCtx("skipping recommendation for unknown offer", map[string]any{"offer_id": rec.OfferID})
			continue
		}
		rec.Score = clampScore(rec.Score)
		meta := map[string]any{"lastOptimized": stamp, "optimizationReasoning": rec.Reasoning}
		if err := e.store.RescoreOffer(ctx, rec.OfferID, rec.Score, meta); err != nil {
			return nil, err
		}
		out.OffersOptimized++
		if len(out.TopRecommendations) < 5 {
			out.TopRecommendations = append(out.TopRecommendations, rec)
		}
	}
	return &outcome{output: out, metrics: metrics}, nil
}

func (e *Executor) seoOptimization(ctx context.Context, r *run) (*outcome, error) {
	signals, _ := json.Marshal(r.persona.Signals)
	res, err := e.llm.GenerateText(ctx, llm.Request{
		System: "You are an SEO expert specializing in optimizing content for AI search engines like ChatGPT.",
		Prompt: fmt.Sprintf(`Generate SEO optimization recommendations for affiliate offers targeting this persona:

Persona: %s
Description: %s
Signals: %s

Provide:
1. Keywords that would trigger recommendations in ChatGPT
2. Content topics to create that would rank well
3. Question patterns users would ask that should lead to these offers
4. Metadata and descriptions that would improve discoverability
5. Strategies to appear as top results in AI-powered searches

Focus on making offers the top recommendation when users search for related products in ChatGPT or similar AI assistants.`,
			r.persona.Name, r.persona.Description, signals),
	})
	if err != nil {
		return nil, err
	}
	err = e.store.SetPersonaInsights(ctx, r.persona.ID, map[string]any{
		"seoOptimization": res.Text,
		"lastOptimized":   e.now(),
	})
	if err != nil {
		return nil, err
	}
	return &outcome{
		output:  SEOOutput{PersonaID: r.persona.ID, SEORecommendations: res.Text},
		metrics: store.Metrics{OptimizationsRun: 1},
	}, nil
}

type interestCount struct {
	interest string
	count    int
}

// topInterests counts interests across leads, most mentioned first.
func topInterests(leads []store.Lead, n int) []interestCount {
	counts := make(map[string]int)
	for _, l := range leads {
		for _, i := range l.Interests {
			counts[i]++
		}
	}
	out := make([]interestCount, 0, len(counts))
	for i, c := range counts {
		out = append(out, interestCount{i, c})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].count != out[b].count {
			return out[a].count > out[b].count
		}
		return out[a].interest < out[b].interest
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func offerSet(offers []store.Offer) map[string]bool {
	set := make(map[string]bool, len(offers))
	for _, o := range offers {
		set[o.ID] = true
	}
	return set
}

func clampScore(s float64) float64 {
	return min(max(s, 0), 100)
}
