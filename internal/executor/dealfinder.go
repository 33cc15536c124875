package executor

import (
	"context"
	"fmt"
	"strings"

	"github.com/jakebbass/afilli/internal/affiliate"
	"github.com/jakebbass/afilli/internal/llm"
	"github.com/jakebbass/afilli/internal/store"
	"github.com/jakebbass/afilli/internal/tasks"
)

const (
	defaultSyncMinCPS = 50
	scoreBatch        = 100
)

// OfferSyncOutput is the output of offer_sync. A network that fails to
// respond adds an entry to Errors and the sync continues with the others.
type OfferSyncOutput struct {
	TotalFetched      int            `json:"totalFetched"`
	SavedOffers       int            `json:"savedOffers"`
	MinScoreThreshold float64        `json:"minScoreThreshold"`
	Errors            []string       `json:"errors,omitempty"`
	Sources           map[string]int `json:"sources"`
}

// OfferScore is the model's verdict on one offer.
type OfferScore struct {
	OfferID         string  `json:"offerId"`
	NewCPS          float64 `json:"newCps"`
	Reasoning       string  `json:"reasoning"`
	RecommendAction string  `json:"recommendAction"`
}

// OfferScoringOutput is the output of offer_scoring.
type OfferScoringOutput struct {
	OffersScored    int            `json:"offersScored"`
	AverageScore    float64        `json:"averageScore"`
	Recommendations map[string]int `json:"recommendations"`
}

func (e *Executor) dealFinder() *archetype {
	return &archetype{
		handlers: map[tasks.TaskType]handler{
			tasks.OfferSync:    e.offerSync,
			tasks.OfferScoring: e.offerScoring,
		},
	}
}

func (e *Executor) offerSync(ctx context.Context, r *run) (*outcome, error) {
	res := affiliate.FetchAll(ctx, e.fetchers...)
	for _, msg := range res.Errors {
		e.log.WarnCtx("offer source failed", map[string]any{"agent_id": r.agent.ID, "error": msg})
	}

	minScore := r.agent.Config.MinCPS(defaultSyncMinCPS)
	saved := 0
	for i := range res.Offers {
		o := &res.Offers[i]
		if o.CPS < minScore {
			continue
		}
		if err := e.store.UpsertOffer(ctx, o); err != nil {
			return nil, err
		}
		saved++
	}

	stamp := e.now()
	return &outcome{
		output: OfferSyncOutput{
			TotalFetched:      len(res.Offers),
			SavedOffers:       saved,
			MinScoreThreshold: minScore,
			Errors:            res.Errors,
			Sources:           res.Counts,
		},
		metrics: store.Metrics{OffersSynced: int64(saved), LastSyncAt: &stamp},
	}, nil
}

func (e *Executor) offerScoring(ctx context.Context, r *run) (*outcome, error) {
	offers, err := e.store.ListOffers(ctx, store.OfferQuery{Order: store.ByUpdatedAsc, Limit: scoreBatch})
	if err != nil {
		return nil, err
	}
	out := OfferScoringOutput{Recommendations: map[string]int{"keep": 0, "remove": 0, "promote": 0}}
	if len(offers) == 0 {
		return &outcome{output: out}, nil
	}

	var b strings.Builder
	b.WriteString(`Analyze these affiliate offers and provide updated Conversion Potential Scores (CPS).

Consider:
1. Payout amounts and commission rates
2. Cookie window length (longer is better)
3. EPC (Earnings Per Click) if available
4. Category relevance and market demand
5. Merchant reputation

Offers to score:
`)
	for i, o := range offers[:min(len(offers), promptOffers)] {
		if i > 0 {
			b.WriteString("---\n")
		}
		epc := "N/A"
		if o.Commission.EPC > 0 {
			epc = fmt.Sprintf("%.2f", o.Commission.EPC)
		}
		fmt.Fprintf(&b, "ID: %s\nName: %s\nCommission: %s\nEPC: %s\nCookie Window: %d days\nCategories: %s\nCurrent CPS: %.1f\n",
			o.ID, o.Name, commissionText(o.Commission), epc, o.Commission.CookieDays, strings.Join(o.Categories, ", "), o.CPS)
	}
	b.WriteString(`
Provide a CPS score (0-100) where:
- 0-30: Poor offer, consider removing
- 31-60: Average offer, keep but don't prioritize
- 61-80: Good offer, actively promote
- 81-100: Excellent offer, prioritize heavily

Also recommend an action: keep, remove, or promote.
Return {"scores": [{"offerId": string, "newCps": number, "reasoning": string, "recommendAction": "keep"|"remove"|"promote"}]}.`)

	var reply struct {
		Scores []OfferScore `json:"scores"`
	}
	if err := e.llm.GenerateObject(ctx, llm.Request{Prompt: b.String()}, &reply); err != nil {
		return nil, err
	}

	known := offerSet(offers)
	stamp := e.now()
	total := 0.0
	for _, s := range reply.Scores {
		if !known[s.OfferID] {
			continue
		}
		action := s.RecommendAction
		if _, ok := out.Recommendations[action]; !ok {
			action = "keep"
		}
		cps := clampScore(s.NewCPS)
		meta := map[string]any{"lastScoredAt": stamp, "scoringReasoning": s.Reasoning, "recommendedAction": action}
		if err := e.store.RescoreOffer(ctx, s.OfferID, cps, meta); err != nil {
			return nil, err
		}
		out.OffersScored++
		out.Recommendations[action]++
		total += cps
	}
	if out.OffersScored > 0 {
		out.AverageScore = total / float64(out.OffersScored)
	}
	return &outcome{output: out}, nil
}

func commissionText(c store.Commission) string {
	switch {
	case c.Type == "percentage":
		return fmt.Sprintf("%.1f%%", c.Rate)
	case c.Rate > 0:
		cur := c.Currency
		if cur == "" {
			cur = "USD"
		}
		return fmt.Sprintf("%.2f %s", c.Rate, cur)
	default:
		return "unknown"
	}
}
