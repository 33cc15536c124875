package scraper

import (
	"context"
	"fmt"

	"github.com/jakebbass/afilli/internal/llm"
	"github.com/jakebbass/afilli/internal/store"
)

const (
	// analyzeLimit bounds the content sent for analysis.
	analyzeLimit = 4000

	// minBuyingIntent is the score a page needs to become a lead.
	minBuyingIntent = 30
)

// Analysis is the model's reading of a page for a target audience.
type Analysis struct {
	MainTopics   []string `json:"mainTopics"`
	Keywords     []string `json:"keywords"`
	Sentiment    string   `json:"sentiment"`
	BuyingIntent float64  `json:"buyingIntent"`
	PainPoints   []string `json:"painPoints"`
	Interests    []string `json:"interests"`
}

func neutral() *Analysis {
	return &Analysis{
		MainTopics: []string{},
		Keywords:   []string{},
		Sentiment:  "neutral",
		PainPoints: []string{},
		Interests:  []string{},
	}
}

// Analyze extracts topics, sentiment, buying intent (0-100), pain points and
// interests from content. target describes the audience being looked for.
// A failed or unusable generation yields a neutral analysis.
func (s *Scraper) Analyze(ctx context.Context, content, target string) *Analysis {
	if s.gen == nil {
		return neutral()
	}
	if len(content) > analyzeLimit {
		content = content[:analyzeLimit]
	}
	prompt := fmt.Sprintf(`Analyze the following content and extract key information in the context of targeting: %s

Content:
%s

Return a JSON object with:
- mainTopics: array of main topics discussed
- keywords: array of important keywords
- sentiment: "positive", "neutral" or "negative"
- buyingIntent: number from 0 to 100 indicating purchase intent
- painPoints: array of problems or frustrations mentioned
- interests: array of interests the author shows`, target, content)

	var a Analysis
	if err := s.gen.GenerateObject(ctx, llm.Request{Prompt: prompt, Temperature: llm.Temperature(0.3)}, &a); err != nil {
		s.log.WarnCtx("content analysis failed", map[string]any{"error": err.Error()})
		return neutral()
	}
	switch a.Sentiment {
	case "positive", "neutral", "negative":
	default:
		a.Sentiment = "neutral"
	}
	a.BuyingIntent = min(max(a.BuyingIntent, 0), 100)
	a.MainTopics = orEmpty(a.MainTopics)
	a.Keywords = orEmpty(a.Keywords)
	a.PainPoints = orEmpty(a.PainPoints)
	a.Interests = orEmpty(a.Interests)
	return &a
}

// DiscoverLeads searches for query, reads up to max result pages, and returns
// a lead for each page whose buying intent for persona reaches the threshold.
// The returned leads are not persisted. Pages that fail to load are skipped.
func (s *Scraper) DiscoverLeads(ctx context.Context, query string, persona *store.Persona, max int) ([]*store.Lead, error) {
	results, err := s.Search(ctx, query, max*2)
	if err != nil {
		return nil, fmt.Errorf("searching %q: %w", query, err)
	}
	if len(results) > max {
		results = results[:max]
	}

	target := persona.Name + ": " + persona.Description
	var leads []*store.Lead
	for _, r := range results {
		if err := ctx.Err(); err != nil {
			return leads, err
		}
		page, err := s.Extract(ctx, r.URL)
		if err != nil {
			s.log.WarnCtx("skipping result", map[string]any{"url": r.URL, "error": err.Error()})
			continue
		}
		a := s.Analyze(ctx, page.Content, target)
		if a.BuyingIntent < minBuyingIntent {
			continue
		}

		lead := &store.Lead{
			PersonaID:     persona.ID,
			Company:       page.Metadata["og:site_name"],
			SourceURL:     r.URL,
			Interests:     a.Interests,
			PainPoints:    a.PainPoints,
			BuyingSignals: a.Keywords,
			DiscoveredVia: "web_search",
			Metadata: map[string]any{
				"searchQuery":  query,
				"pageTitle":    page.Title,
				"sentiment":    a.Sentiment,
				"mainTopics":   a.MainTopics,
				"buyingIntent": a.BuyingIntent,
			},
		}
		if len(page.Emails) > 0 {
			lead.Email = page.Emails[0]
		}
		if len(page.Phones) > 0 {
			lead.Phone = page.Phones[0]
		}
		leads = append(leads, lead)
	}

	s.log.InfoCtx("lead discovery complete", map[string]any{
		"query":   query,
		"persona": persona.Name,
		"results": len(results),
		"leads":   len(leads),
	})
	return leads, nil
}

func orEmpty(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}
