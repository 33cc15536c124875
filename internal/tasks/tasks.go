// Package tasks defines the closed set of agent archetypes and task types,
// the catalog tying them together, and the typed task inputs and agent config.
package tasks

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUnknownAgentType is returned for agent types outside the catalog or
// without task rules.
var ErrUnknownAgentType = errors.New("unknown agent type")

// AgentType is the archetype of an agent. It never changes after creation.
type AgentType string

const (
	AgentResearcher    AgentType = "researcher"
	AgentOutreach      AgentType = "outreach"
	AgentOptimizer     AgentType = "optimizer"
	AgentOrchestrator  AgentType = "orchestrator" // reserved, has no tasks
	AgentDealFinder    AgentType = "deal_finder"
	AgentPersonaWriter AgentType = "persona_writer"
	AgentListBuilder   AgentType = "list_builder"
	AgentMarketing     AgentType = "marketing_agent"
)

// AgentTypes lists every agent type in declaration order.
var AgentTypes = []AgentType{
	AgentResearcher,
	AgentOutreach,
	AgentOptimizer,
	AgentOrchestrator,
	AgentDealFinder,
	AgentPersonaWriter,
	AgentListBuilder,
	AgentMarketing,
}

// ParseAgentType validates s as an agent type.
func ParseAgentType(s string) (AgentType, error) {
	for _, t := range AgentTypes {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w %q", ErrUnknownAgentType, s)
}

// AgentStatus is the lifecycle state of an agent.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentPaused  AgentStatus = "paused"
	AgentError   AgentStatus = "error"
)

// ParseAgentStatus validates s as an agent status.
func ParseAgentStatus(s string) (AgentStatus, error) {
	switch st := AgentStatus(s); st {
	case AgentIdle, AgentWorking, AgentPaused, AgentError:
		return st, nil
	}
	return "", fmt.Errorf("unknown agent status %q", s)
}

// TaskType identifies one unit of work an archetype knows how to perform.
type TaskType string

const (
	WebSearch            TaskType = "web_search"
	LeadDiscovery        TaskType = "lead_discovery"
	ContentAnalysis      TaskType = "content_analysis"
	OutreachGeneration   TaskType = "outreach_generation"
	OfferOptimization    TaskType = "offer_optimization"
	SEOOptimization      TaskType = "seo_optimization"
	OfferSync            TaskType = "offer_sync"
	OfferScoring         TaskType = "offer_scoring"
	PersonaGeneration    TaskType = "persona_generation"
	CampaignMonitoring   TaskType = "campaign_monitoring"
	OfferSwitching       TaskType = "offer_switching"
	LeadListBuilding     TaskType = "lead_list_building"
	LeadEnrichment       TaskType = "lead_enrichment"
	BuyingSignalAnalysis TaskType = "buying_signal_analysis"
	CampaignCreation     TaskType = "campaign_creation"
	CampaignLaunch       TaskType = "campaign_launch"
)

// TaskStatus is the state of a task. Transitions are strictly
// pending -> running -> completed|failed.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ParseTaskStatus validates s as a task status.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(s); st {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Definition describes a task type.
type Definition struct {
	Type        TaskType
	Agent       AgentType
	Description string
}

var catalog = map[TaskType]Definition{
	WebSearch:            {WebSearch, AgentResearcher, "Generate targeted search queries from persona signals"},
	LeadDiscovery:        {LeadDiscovery, AgentResearcher, "Discover leads for the persona via web search"},
	ContentAnalysis:      {ContentAnalysis, AgentResearcher, "Analyze a page against the persona"},
	OutreachGeneration:   {OutreachGeneration, AgentOutreach, "Write and send a personalized email to one lead"},
	OfferOptimization:    {OfferOptimization, AgentOptimizer, "Re-score top offers against recent lead interests"},
	SEOOptimization:      {SEOOptimization, AgentOptimizer, "Produce SEO guidance for the persona"},
	OfferSync:            {OfferSync, AgentDealFinder, "Pull offers from AWIN, CJ and ClickBank"},
	OfferScoring:         {OfferScoring, AgentDealFinder, "Re-score the least recently updated offers"},
	PersonaGeneration:    {PersonaGeneration, AgentPersonaWriter, "Generate personas from top offers"},
	CampaignMonitoring:   {CampaignMonitoring, AgentPersonaWriter, "Flag underperforming active campaigns"},
	OfferSwitching:       {OfferSwitching, AgentPersonaWriter, "Swap weak offers in low converting campaigns"},
	LeadListBuilding:     {LeadListBuilding, AgentListBuilder, "Build a lead list from persona keywords"},
	LeadEnrichment:       {LeadEnrichment, AgentListBuilder, "Fill missing lead contact fields"},
	BuyingSignalAnalysis: {BuyingSignalAnalysis, AgentMarketing, "Infer buying signals from recent site events"},
	CampaignCreation:     {CampaignCreation, AgentMarketing, "Draft a campaign with email creatives"},
	CampaignLaunch:       {CampaignLaunch, AgentMarketing, "Send draft campaigns to discovered leads"},
}

// Lookup returns the definition of t.
func Lookup(t TaskType) (Definition, bool) {
	def, ok := catalog[t]
	return def, ok
}

// All returns every task type sorted by name.
func All() []TaskType {
	out := make([]TaskType, 0, len(catalog))
	for t := range catalog {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TypesFor returns the task types owned by agent, sorted by name.
func TypesFor(agent AgentType) []TaskType {
	var out []TaskType
	for _, t := range All() {
		if catalog[t].Agent == agent {
			out = append(out, t)
		}
	}
	return out
}

// Label renders a task type for display: "offer_sync" becomes "Offer Sync".
func Label(t TaskType) string {
	words := strings.Split(string(t), "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
