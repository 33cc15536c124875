package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jakebbass/afilli/internal/email"
	"github.com/jakebbass/afilli/internal/llm"
	"github.com/jakebbass/afilli/internal/store"
	"github.com/jakebbass/afilli/internal/tasks"
)

const (
	signalWindow   = 7 * 24 * time.Hour
	signalEvents   = 500
	signalSessions = 10
	campaignOffers = 3
)

var campaignChannels = []string{"email", "twitter", "facebook", "linkedin", "chat", "seo"}

// BuyingSignal is one inferred purchase-intent pattern.
type BuyingSignal struct {
	Signal            string   `json:"signal"`
	Strength          string   `json:"strength"`
	Description       string   `json:"description"`
	TriggerConditions []string `json:"triggerConditions"`
}

// BuyingSignalOutput is the output of buying_signal_analysis.
type BuyingSignalOutput struct {
	PersonaID          string   `json:"personaId"`
	SignalsIdentified  int      `json:"signalsIdentified"`
	StrongSignals      int      `json:"strongSignals"`
	RecommendedActions []string `json:"recommendedActions"`
}

// OfferRef names an offer in task output.
type OfferRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CampaignCreationOutput is the output of campaign_creation.
type CampaignCreationOutput struct {
	CampaignID       string     `json:"campaignId"`
	CampaignName     string     `json:"campaignName"`
	Channels         []string   `json:"channels"`
	CreativesCreated int        `json:"creativesCreated"`
	Offers           []OfferRef `json:"offers"`
	SEOKeywords      []string   `json:"seoKeywords"`
	SocialMediaCopy  string     `json:"socialMediaCopy"`
}

// LaunchedCampaign is one campaign sent by campaign_launch.
type LaunchedCampaign struct {
	CampaignID   string `json:"campaignId"`
	CampaignName string `json:"campaignName"`
	EmailsSent   int    `json:"emailsSent"`
}

// CampaignLaunchOutput is the output of campaign_launch. Drafts without
// eligible leads or an email creative are skipped and not listed.
type CampaignLaunchOutput struct {
	CampaignsLaunched int                `json:"campaignsLaunched"`
	TotalEmailsSent   int                `json:"totalEmailsSent"`
	Campaigns         []LaunchedCampaign `json:"campaigns"`
}

func (e *Executor) marketing() *archetype {
	return &archetype{
		handlers: map[tasks.TaskType]handler{
			tasks.BuyingSignalAnalysis: e.buyingSignalAnalysis,
			tasks.CampaignCreation:     e.campaignCreation,
			tasks.CampaignLaunch:       e.campaignLaunch,
		},
	}
}

func (e *Executor) buyingSignalAnalysis(ctx context.Context, r *run) (*outcome, error) {
	persona, err := r.requirePersona()
	if err != nil {
		return nil, err
	}
	events, err := e.store.RecentEvents(ctx, e.now().Add(-signalWindow), signalEvents)
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Analyze user behavior patterns and identify strong buying signals for this persona:\n\nPersona: %s\nDescription: %s\n\nRecent user events show patterns like:\n",
		persona.Name, persona.Description)
	for i, s := range groupSessions(events, signalSessions) {
		if i > 0 {
			b.WriteString("---\n")
		}
		fmt.Fprintf(&b, "Session %s:\n", s.id[:min(len(s.id), 8)])
		for _, ev := range s.events {
			payload, _ := json.Marshal(ev.Payload)
			fmt.Fprintf(&b, "- %s: %s\n", ev.Type, payload)
		}
	}
	b.WriteString(`
Identify:
1. Strong buying signals that indicate high purchase intent
2. Behavioral patterns that predict conversion
3. Trigger conditions for each signal
4. Recommended marketing actions when signals are detected

Focus on actionable, specific signals that can be programmatically detected.
Return {"buyingSignals": [{"signal": string, "strength": "weak"|"medium"|"strong"|"very_strong", "description": string, "triggerConditions": [string]}], "recommendedActions": [string]}.`)

	var reply struct {
		BuyingSignals      []BuyingSignal `json:"buyingSignals"`
		RecommendedActions []string       `json:"recommendedActions"`
	}
	if err := e.llm.GenerateObject(ctx, llm.Request{Prompt: b.String()}, &reply); err != nil {
		return nil, err
	}
	if reply.RecommendedActions == nil {
		reply.RecommendedActions = []string{}
	}

	signals := make([]store.Signal, 0, len(reply.BuyingSignals))
	strong := 0
	for _, s := range reply.BuyingSignals {
		signals = append(signals, store.Signal{
			Type:        "buying",
			Value:       s.Signal,
			Weight:      store.SignalWeight(s.Strength),
			Description: s.Description,
			Triggers:    s.TriggerConditions,
		})
		if s.Strength == "strong" || s.Strength == "very_strong" {
			strong++
		}
	}
	err = e.store.ReplacePersonaSignals(ctx, persona.ID, signals, "buyingSignalAnalysis", map[string]any{
		"analyzedAt":         e.now(),
		"signals":            reply.BuyingSignals,
		"recommendedActions": reply.RecommendedActions,
	})
	if err != nil {
		return nil, err
	}
	return &outcome{output: BuyingSignalOutput{
		PersonaID:          persona.ID,
		SignalsIdentified:  len(signals),
		StrongSignals:      strong,
		RecommendedActions: reply.RecommendedActions,
	}}, nil
}

type session struct {
	id     string
	events []store.Event
}

// groupSessions groups events by session in order of first appearance.
func groupSessions(events []store.Event, limit int) []session {
	index := make(map[string]int)
	var out []session
	for _, ev := range events {
		i, ok := index[ev.SessionID]
		if !ok {
			if len(out) == limit {
				continue
			}
			i = len(out)
			index[ev.SessionID] = i
			out = append(out, session{id: ev.SessionID})
		}
		out[i].events = append(out[i].events, ev)
	}
	return out
}

type campaignBrief struct {
	CampaignName string   `json:"campaignName"`
	Channels     []string `json:"channels"`
	Goals        struct {
		TargetClicks      float64 `json:"targetClicks"`
		TargetConversions float64 `json:"targetConversions"`
		TargetRevenue     float64 `json:"targetRevenue"`
	} `json:"goals"`
	EmailSubjectLines []string `json:"emailSubjectLines"`
	EmailBody         string   `json:"emailBody"`
	SocialMediaCopy   string   `json:"socialMediaCopy"`
	SEOKeywords       []string `json:"seoKeywords"`
}

func (e *Executor) campaignCreation(ctx context.Context, r *run) (*outcome, error) {
	persona, err := r.requirePersona()
	if err != nil {
		return nil, err
	}
	offers, err := e.store.ListOffers(ctx, store.OfferQuery{
		MinCPS: r.agent.Config.OfferScoreFloor(),
		Order:  store.ByCPSDesc,
		Limit:  campaignOffers,
	})
	if err != nil {
		return nil, err
	}
	if len(offers) == 0 {
		return nil, errors.New("no suitable offers found for campaign")
	}

	var brief campaignBrief
	if err := e.llm.GenerateObject(ctx, llm.Request{Prompt: campaignPrompt(persona, offers)}, &brief); err != nil {
		return nil, err
	}
	if brief.CampaignName == "" {
		brief.CampaignName = persona.Name + " campaign"
	}
	channels := []string{}
	for _, c := range brief.Channels {
		if slices.Contains(campaignChannels, c) && !slices.Contains(channels, c) {
			channels = append(channels, c)
		}
	}

	c := &store.Campaign{
		PersonaID: persona.ID,
		Name:      brief.CampaignName,
		Status:    store.CampaignDraft,
		Channels:  channels,
		Goals: map[string]any{
			"targetClicks":      brief.Goals.TargetClicks,
			"targetConversions": brief.Goals.TargetConversions,
			"targetRevenue":     brief.Goals.TargetRevenue,
		},
	}
	refs := make([]OfferRef, 0, len(offers))
	for _, o := range offers {
		c.OfferIDs = append(c.OfferIDs, o.ID)
		refs = append(refs, OfferRef{ID: o.ID, Name: o.Name})
	}
	creatives := make([]*store.Creative, 0, len(brief.EmailSubjectLines))
	for i, subject := range brief.EmailSubjectLines {
		creatives = append(creatives, &store.Creative{
			Channel: "email",
			Variant: string(rune('a' + i)),
			Subject: subject,
			Body:    brief.EmailBody,
			CTAURL:  offers[0].URL,
		})
	}
	if err := e.store.CreateCampaign(ctx, c, creatives); err != nil {
		return nil, err
	}

	seo := brief.SEOKeywords
	if seo == nil {
		seo = []string{}
	}
	return &outcome{
		output: CampaignCreationOutput{
			CampaignID:       c.ID,
			CampaignName:     c.Name,
			Channels:         channels,
			CreativesCreated: len(creatives),
			Offers:           refs,
			SEOKeywords:      seo,
			SocialMediaCopy:  brief.SocialMediaCopy,
		},
		metrics: store.Metrics{CampaignsCreated: 1},
	}, nil
}

func campaignPrompt(p *store.Persona, offers []store.Offer) string {
	signals, _ := json.Marshal(p.Signals)
	var b strings.Builder
	for _, o := range offers {
		fmt.Fprintf(&b, "- %s\n  Commission: %s\n  CPS: %.1f\n  Description: %s\n", o.Name, commissionText(o.Commission), o.CPS, o.Description)
	}
	return fmt.Sprintf(`Create a comprehensive marketing campaign for this persona and offers:

Persona: %s
Description: %s
Buying Signals: %s
Channels: %s

Top Offers to Promote:
%s
Create a campaign that:
1. Has a compelling name
2. Uses the best channels for this persona (email, twitter, facebook, linkedin, chat, seo)
3. Sets realistic goals (clicks, conversions, revenue)
4. Includes 3-5 email subject line variations for A/B testing
5. Provides detailed email body copy (HTML format, personalized)
6. Creates engaging social media copy
7. Suggests SEO keywords for content marketing

Return {"campaignName": string, "channels": [string], "goals": {"targetClicks": number, "targetConversions": number, "targetRevenue": number}, "emailSubjectLines": [string], "emailBody": string, "socialMediaCopy": string, "seoKeywords": [string]}.`,
		p.Name, p.Description, signals, strings.Join(p.Channels, ", "), b.String())
}

func (e *Executor) campaignLaunch(ctx context.Context, r *run) (*outcome, error) {
	drafts, err := e.store.ListCampaigns(ctx, store.CampaignFilter{
		PersonaID: r.agent.PersonaID,
		Status:    store.CampaignDraft,
		Limit:     r.agent.Config.CampaignsToLaunch(),
	})
	if err != nil {
		return nil, err
	}

	out := CampaignLaunchOutput{Campaigns: []LaunchedCampaign{}}
	for _, c := range drafts {
		launched, err := e.launch(ctx, r, c)
		if err != nil {
			return nil, err
		}
		if launched == nil {
			continue
		}
		out.Campaigns = append(out.Campaigns, *launched)
		out.CampaignsLaunched++
		out.TotalEmailsSent += launched.EmailsSent
	}
	return &outcome{
		output: out,
		metrics: store.Metrics{
			CampaignsLaunched: int64(out.CampaignsLaunched),
			EmailsSent:        int64(out.TotalEmailsSent),
		},
	}, nil
}

// launch emails a draft campaign's first email creative to its eligible
// leads and activates it. It returns nil when there is nothing to send.
func (e *Executor) launch(ctx context.Context, r *run, c store.Campaign) (*LaunchedCampaign, error) {
	leads, err := e.store.FindLeads(ctx, store.LeadFilter{
		PersonaID: c.PersonaID,
		Status:    store.LeadDiscovered,
		HasEmail:  true,
		Limit:     r.agent.Config.LeadsPerCampaign(),
	})
	if err != nil {
		return nil, err
	}
	if len(leads) == 0 {
		e.log.DebugCtx("draft campaign has no eligible leads", map[string]any{"campaign_id": c.ID})
		return nil, nil
	}
	creatives, err := e.store.Creatives(ctx, c.ID)
	if err != nil {
		return nil, err
	}
	idx := slices.IndexFunc(creatives, func(cr store.Creative) bool { return cr.Channel == "email" })
	if idx < 0 {
		e.log.DebugCtx("draft campaign has no email creative", map[string]any{"campaign_id": c.ID})
		return nil, nil
	}
	creative := creatives[idx]
	subject := creative.Subject
	if subject == "" {
		subject = defaultSubject
	}

	sent := 0
	for _, l := range leads {
		res, err := e.email.Send(ctx, email.Message{
			To:         l.Email,
			Subject:    subject,
			HTML:       creative.Body,
			LeadID:     l.ID,
			CampaignID: c.ID,
		})
		if err != nil {
			e.log.WarnCtx("campaign email failed", map[string]any{"campaign_id": c.ID, "lead_id": l.ID, "error": err.Error()})
			continue
		}
		if !res.Success {
			continue
		}
		if err := e.store.MarkLeadContacted(ctx, l.ID, e.now()); err != nil {
			return nil, err
		}
		sent++
	}

	if err := e.store.SetCampaignStatus(ctx, c.ID, store.CampaignActive); err != nil {
		return nil, err
	}
	e.log.InfoCtx("campaign launched", map[string]any{"campaign_id": c.ID, "emails_sent": sent, "leads": len(leads)})
	return &LaunchedCampaign{CampaignID: c.ID, CampaignName: c.Name, EmailsSent: sent}, nil
}
