package tasks

import (
	"encoding/json"
	"fmt"
)

// AgentConfig holds the archetype tunables stored on an agent.
// Zero values fall back to the archetype default through the accessor methods.
// Keys this type does not know are kept in Extra and written back unchanged.
type AgentConfig struct {
	MinCPSScore          float64 `json:"minCpsScore,omitempty"`
	MaxPersonas          int     `json:"maxPersonas,omitempty"`
	MaxLeadsPerRun       int     `json:"maxLeadsPerRun,omitempty"`
	MaxEnrichPerRun      int     `json:"maxEnrichPerRun,omitempty"`
	MinOfferScore        float64 `json:"minOfferScore,omitempty"`
	MaxCampaignsToLaunch int     `json:"maxCampaignsToLaunch,omitempty"`
	MaxLeadsPerCampaign  int     `json:"maxLeadsPerCampaign,omitempty"`

	Extra map[string]any `json:"-"`
}

var knownConfigKeys = map[string]bool{
	"minCpsScore":          true,
	"maxPersonas":          true,
	"maxLeadsPerRun":       true,
	"maxEnrichPerRun":      true,
	"minOfferScore":        true,
	"maxCampaignsToLaunch": true,
	"maxLeadsPerCampaign":  true,
}

type agentConfigFields AgentConfig

// UnmarshalJSON decodes known fields and keeps the rest in Extra.
func (c *AgentConfig) UnmarshalJSON(data []byte) error {
	var fields agentConfigFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decoding agent config: %w", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decoding agent config: %w", err)
	}
	*c = AgentConfig(fields)
	for k, v := range raw {
		if knownConfigKeys[k] {
			continue
		}
		if c.Extra == nil {
			c.Extra = make(map[string]any)
		}
		c.Extra[k] = v
	}
	return nil
}

// MarshalJSON writes known fields and Extra as one object.
func (c AgentConfig) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(agentConfigFields(c))
	if err != nil {
		return nil, err
	}
	if len(c.Extra) == 0 {
		return data, nil
	}
	merged := make(map[string]any, len(c.Extra)+len(knownConfigKeys))
	for k, v := range c.Extra {
		merged[k] = v
	}
	var known map[string]any
	if err := json.Unmarshal(data, &known); err != nil {
		return nil, err
	}
	for k, v := range known {
		merged[k] = v
	}
	return json.Marshal(merged)
}

// MinCPS returns MinCPSScore or def.
func (c AgentConfig) MinCPS(def float64) float64 {
	if c.MinCPSScore > 0 {
		return c.MinCPSScore
	}
	return def
}

// PersonaLimit returns MaxPersonas or 20.
func (c AgentConfig) PersonaLimit() int { return orDefault(c.MaxPersonas, 20) }

// LeadsPerRun returns MaxLeadsPerRun or 20.
func (c AgentConfig) LeadsPerRun() int { return orDefault(c.MaxLeadsPerRun, 20) }

// EnrichPerRun returns MaxEnrichPerRun or 10.
func (c AgentConfig) EnrichPerRun() int { return orDefault(c.MaxEnrichPerRun, 10) }

// OfferScoreFloor returns MinOfferScore or 70.
func (c AgentConfig) OfferScoreFloor() float64 {
	if c.MinOfferScore > 0 {
		return c.MinOfferScore
	}
	return 70
}

// CampaignsToLaunch returns MaxCampaignsToLaunch or 1.
func (c AgentConfig) CampaignsToLaunch() int { return orDefault(c.MaxCampaignsToLaunch, 1) }

// LeadsPerCampaign returns MaxLeadsPerCampaign or 50.
func (c AgentConfig) LeadsPerCampaign() int { return orDefault(c.MaxLeadsPerCampaign, 50) }

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
