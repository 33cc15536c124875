package executor

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jakebbass/afilli/internal/llm"
	"github.com/jakebbass/afilli/internal/store"
	"github.com/jakebbass/afilli/internal/tasks"
)

const (
	defaultPersonaMinCPS = 60
	monitorWindow        = 14 * 24 * time.Hour
	switchMinCPS         = 70
	switchMinClicks      = 50
	maxPerformanceReport = 10
)

// PersonaGenerationOutput is the output of persona_generation.
type PersonaGenerationOutput struct {
	PersonasCreated int      `json:"personasCreated"`
	PersonaIDs      []string `json:"personaIds"`
	OffersAnalyzed  int      `json:"offersAnalyzed"`
}

// CampaignTotals sums a campaign's results over the monitoring window.
type CampaignTotals struct {
	Sent        int     `json:"sent"`
	Clicks      int     `json:"clicks"`
	Conversions int     `json:"conversions"`
	Revenue     float64 `json:"revenue"`
}

// CTR is clicks per email sent.
func (t CampaignTotals) CTR() float64 {
	if t.Sent == 0 {
		return 0
	}
	return float64(t.Clicks) / float64(t.Sent)
}

// CVR is conversions per click.
func (t CampaignTotals) CVR() float64 {
	if t.Clicks == 0 {
		return 0
	}
	return float64(t.Conversions) / float64(t.Clicks)
}

// Underperforming reports CTR under 2%, CVR under 1% or revenue under $100.
func (t CampaignTotals) Underperforming() bool {
	return t.CTR() < 0.02 || t.CVR() < 0.01 || t.Revenue < 100
}

// CampaignPerformance is one monitored campaign.
type CampaignPerformance struct {
	CampaignID        string         `json:"campaignId"`
	CampaignName      string         `json:"campaignName"`
	PersonaID         string         `json:"personaId,omitempty"`
	Metrics           CampaignTotals `json:"metrics"`
	CTR               float64        `json:"ctr"`
	CVR               float64        `json:"cvr"`
	IsUnderperforming bool           `json:"isUnderperforming"`
	OfferIDs          []string       `json:"offerIds"`
}

// CampaignMonitoringOutput is the output of campaign_monitoring.
type CampaignMonitoringOutput struct {
	CampaignsMonitored       int                   `json:"campaignsMonitored"`
	UnderperformingCampaigns int                   `json:"underperformingCampaigns"`
	PerformanceAnalysis      []CampaignPerformance `json:"performanceAnalysis"`
}

// OfferSwitch records one replaced campaign offer.
type OfferSwitch struct {
	CampaignID   string `json:"campaignId"`
	RemovedOffer string `json:"removedOffer,omitempty"`
	AddedOffer   string `json:"addedOffer"`
}

// OfferSwitchingOutput is the output of offer_switching.
type OfferSwitchingOutput struct {
	CampaignsEvaluated int           `json:"campaignsEvaluated"`
	OffersSwitched     int           `json:"offersSwitched"`
	Switches           []OfferSwitch `json:"switches"`
}

func (e *Executor) personaWriter() *archetype {
	return &archetype{
		handlers: map[tasks.TaskType]handler{
			tasks.PersonaGeneration:  e.personaGeneration,
			tasks.CampaignMonitoring: e.campaignMonitoring,
			tasks.OfferSwitching:     e.offerSwitching,
		},
	}
}

type generatedPersona struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Hypotheses  []string `json:"hypotheses"`
	Signals     []struct {
		Signal   string `json:"signal"`
		Strength string `json:"strength"`
	} `json:"signals"`
	Channels        []string `json:"channels"`
	AudienceSizeEst float64  `json:"audienceSizeEst"`
	CLVEst          float64  `json:"clvEst"`
	SearchKeywords  []string `json:"searchKeywords"`
	TargetSites     []string `json:"targetSites"`
}

func (e *Executor) personaGeneration(ctx context.Context, r *run) (*outcome, error) {
	offers, err := e.store.ListOffers(ctx, store.OfferQuery{
		MinCPS: r.agent.Config.MinCPS(defaultPersonaMinCPS),
		Order:  store.ByCPSDesc,
		Limit:  r.agent.Config.PersonaLimit(),
	})
	if err != nil {
		return nil, err
	}

	out := PersonaGenerationOutput{PersonaIDs: []string{}, OffersAnalyzed: len(offers)}
	for _, o := range offers {
		var g generatedPersona
		if err := e.llm.GenerateObject(ctx, llm.Request{Prompt: personaPrompt(o)}, &g); err != nil {
			return nil, err
		}
		if g.Name == "" {
			continue
		}
		// Exact name match only; case or spacing variants are new personas.
		exists, err := e.store.PersonaNameExists(ctx, g.Name)
		if err != nil {
			return nil, err
		}
		if exists {
			e.log.DebugCtx("persona exists", map[string]any{"name": g.Name, "offer_id": o.ID})
			continue
		}

		p := &store.Persona{
			Name:            g.Name,
			Description:     g.Description,
			Channels:        g.Channels,
			AudienceSizeEst: int64(g.AudienceSizeEst),
			CLVEst:          g.CLVEst,
			SearchKeywords:  g.SearchKeywords,
			TargetSites:     g.TargetSites,
			WebInsights: map[string]any{
				"linkedOfferId":  o.ID,
				"offerName":      o.Name,
				"createdByAgent": r.agent.ID,
			},
		}
		for _, h := range g.Hypotheses {
			p.Hypotheses = append(p.Hypotheses, store.Hypothesis{Statement: h, Confidence: 0.5})
		}
		for _, s := range g.Signals {
			p.Signals = append(p.Signals, store.Signal{Type: "buying", Value: s.Signal, Weight: store.SignalWeight(s.Strength)})
		}
		if err := e.store.CreatePersona(ctx, p); err != nil {
			return nil, err
		}
		out.PersonasCreated++
		out.PersonaIDs = append(out.PersonaIDs, p.ID)
	}
	return &outcome{
		output:  out,
		metrics: store.Metrics{PersonasCreated: int64(out.PersonasCreated)},
	}, nil
}

func personaPrompt(o store.Offer) string {
	return fmt.Sprintf(`Create a highly detailed ideal customer profile (persona) for this affiliate offer:

Offer: %s
Commission: %s
Categories: %s
Description: %s

Create a persona that would be most likely to purchase this offer. Include:
1. name: A descriptive persona name (e.g., "Tech-Savvy Entrepreneur", "Fitness-Focused Millennial")
2. description: Detailed demographic and psychographic profile (200-300 words)
3. hypotheses: 5-7 hypotheses about why this persona would buy
4. signals: 7-10 buying signals to watch for, each {"signal": string, "strength": "weak"|"medium"|"strong"}
5. channels: Best marketing channels to reach them (email, twitter, linkedin, facebook, tiktok, chat, seo)
6. audienceSizeEst: Rough estimate of total addressable market size
7. clvEst: Estimated customer lifetime value in dollars
8. searchKeywords: 10-15 keywords this persona would search for
9. targetSites: 5-10 websites or communities where this persona hangs out

Be extremely specific and detailed.`,
		o.Name, commissionText(o.Commission), strings.Join(o.Categories, ", "), o.Description)
}

// activeTotals loads active campaigns with their results over the monitoring window.
func (e *Executor) activeTotals(ctx context.Context) ([]store.Campaign, []CampaignTotals, error) {
	campaigns, err := e.store.ListCampaigns(ctx, store.CampaignFilter{Status: store.CampaignActive})
	if err != nil {
		return nil, nil, err
	}
	since := e.now().Add(-monitorWindow)
	totals := make([]CampaignTotals, len(campaigns))
	for i, c := range campaigns {
		results, err := e.store.CampaignResults(ctx, c.ID, since)
		if err != nil {
			return nil, nil, err
		}
		for _, res := range results {
			totals[i].Sent += res.Sent
			totals[i].Clicks += res.Clicks
			totals[i].Conversions += res.Conversions
			totals[i].Revenue += res.Revenue
		}
	}
	return campaigns, totals, nil
}

func (e *Executor) campaignMonitoring(ctx context.Context, r *run) (*outcome, error) {
	campaigns, totals, err := e.activeTotals(ctx)
	if err != nil {
		return nil, err
	}
	out := CampaignMonitoringOutput{
		CampaignsMonitored:  len(campaigns),
		PerformanceAnalysis: []CampaignPerformance{},
	}
	for i, c := range campaigns {
		t := totals[i]
		under := t.Underperforming()
		if under {
			out.UnderperformingCampaigns++
		}
		if len(out.PerformanceAnalysis) < maxPerformanceReport {
			out.PerformanceAnalysis = append(out.PerformanceAnalysis, CampaignPerformance{
				CampaignID:        c.ID,
				CampaignName:      c.Name,
				PersonaID:         c.PersonaID,
				Metrics:           t,
				CTR:               t.CTR(),
				CVR:               t.CVR(),
				IsUnderperforming: under,
				OfferIDs:          c.OfferIDs,
			})
		}
	}
	return &outcome{output: out}, nil
}

func (e *Executor) offerSwitching(ctx context.Context, r *run) (*outcome, error) {
	campaigns, totals, err := e.activeTotals(ctx)
	if err != nil {
		return nil, err
	}
	out := OfferSwitchingOutput{CampaignsEvaluated: len(campaigns), Switches: []OfferSwitch{}}

	var candidates []store.Offer
	for i, c := range campaigns {
		t := totals[i]
		if t.CVR() >= 0.01 || t.Clicks <= switchMinClicks {
			continue
		}
		if candidates == nil {
			candidates, err = e.store.ListOffers(ctx, store.OfferQuery{MinCPS: switchMinCPS, Order: store.ByCPSDesc})
			if err != nil {
				return nil, err
			}
		}
		current, err := e.store.OffersByID(ctx, c.OfferIDs)
		if err != nil {
			return nil, err
		}
		best, ok := betterOffer(candidates, current, c.OfferIDs)
		if !ok {
			continue
		}

		sw := OfferSwitch{CampaignID: c.ID, AddedOffer: best.ID}
		ids := slices.Clone(c.OfferIDs)
		if n := len(ids); n > 0 {
			sw.RemovedOffer = ids[n-1]
			ids = ids[:n-1]
		}
		ids = append(ids, best.ID)
		if err := e.store.SetCampaignOffers(ctx, c.ID, ids); err != nil {
			return nil, err
		}
		e.log.InfoCtx("campaign offer switched", map[string]any{
			"campaign_id": c.ID,
			"removed":     sw.RemovedOffer,
			"added":       sw.AddedOffer,
			"cvr":         t.CVR(),
		})
		out.Switches = append(out.Switches, sw)
	}
	out.OffersSwitched = len(out.Switches)
	return &outcome{
		output:  out,
		metrics: store.Metrics{CampaignsOptimized: int64(out.OffersSwitched)},
	}, nil
}

// betterOffer returns the highest scoring candidate outside the campaign
// that shares a category with one of its current offers.
func betterOffer(candidates, current []store.Offer, campaignIDs []string) (store.Offer, bool) {
	categories := make(map[string]bool)
	for _, o := range current {
		for _, c := range o.Categories {
			categories[c] = true
		}
	}
	for _, o := range candidates {
		if slices.Contains(campaignIDs, o.ID) {
			continue
		}
		for _, c := range o.Categories {
			if categories[c] {
				return o, true
			}
		}
	}
	return store.Offer{}, false
}
