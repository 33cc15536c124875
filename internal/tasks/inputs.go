package tasks

import (
	"encoding/json"
	"fmt"
)

// LeadDiscoveryInput is the input of lead_discovery.
type LeadDiscoveryInput struct {
	MaxLeads    int    `json:"maxLeads,omitempty"`
	SearchQuery string `json:"searchQuery,omitempty"`
}

// ContentAnalysisInput is the input of content_analysis.
type ContentAnalysisInput struct {
	URL string `json:"url"`
}

// OutreachInput is the input of outreach_generation.
type OutreachInput struct {
	LeadID string `json:"leadId"`
}

// ListBuildingInput is the input of lead_list_building.
type ListBuildingInput struct {
	SearchQuery string `json:"searchQuery,omitempty"`
}

// Empty is the input of task types that take no parameters.
type Empty struct{}

// DecodeInput decodes a stored task input into v. An empty input leaves v unchanged.
func DecodeInput(raw []byte, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding task input: %w", err)
	}
	return nil
}
