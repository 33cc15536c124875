// Package enrich looks up contact and firmographic data for leads.
package enrich

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/jakebbass/afilli/internal/config"
)

var (
	// ErrNotConfigured is returned when no Clay API key is set.
	ErrNotConfigured = errors.New("clay: CLAY_API_KEY not configured")
	// ErrUnauthorized is returned when Clay rejects the API key.
	ErrUnauthorized = errors.New("clay: invalid API credentials")
	// ErrIncomplete is returned when the enrichment did not finish.
	ErrIncomplete = errors.New("clay: enrichment failed or is still processing")
)

var enrichments = []string{
	"email",
	"phone",
	"linkedin",
	"twitter",
	"company_info",
	"job_title",
	"location",
	"technologies",
}

// Input identifies the person or company to enrich. Empty fields are omitted.
type Input struct {
	Name        string `json:"name,omitempty"`
	Company     string `json:"company,omitempty"`
	Website     string `json:"website,omitempty"`
	Email       string `json:"email,omitempty"`
	LinkedInURL string `json:"linkedin_url,omitempty"`
}

// Result holds the fields Clay found. Confidence is in [0,1].
type Result struct {
	Email           string   `json:"email,omitempty"`
	Phone           string   `json:"phone,omitempty"`
	LinkedInURL     string   `json:"linkedinUrl,omitempty"`
	TwitterURL      string   `json:"twitterUrl,omitempty"`
	CompanyName     string   `json:"companyName,omitempty"`
	CompanyWebsite  string   `json:"companyWebsite,omitempty"`
	CompanySize     string   `json:"companySize,omitempty"`
	CompanyIndustry string   `json:"companyIndustry,omitempty"`
	JobTitle        string   `json:"jobTitle,omitempty"`
	Location        string   `json:"location,omitempty"`
	Technologies    []string `json:"technologies,omitempty"`
	Confidence      float64  `json:"confidence"`
}

// Enricher looks up a single contact.
type Enricher interface {
	Enrich(ctx context.Context, in Input) (*Result, error)
}

// Clay calls the Clay enrichment API.
type Clay struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewClay creates a Clay client. A nil client uses http.DefaultClient.
func NewClay(cfg config.EnrichmentConfig, client *http.Client) *Clay {
	base := cfg.BaseURL
	if base == "" {
		base = config.DefaultClayURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Clay{
		apiKey:  cfg.ClayAPIKey,
		baseURL: strings.TrimRight(base, "/"),
		client:  client,
	}
}

// Enrich requests every supported enrichment for in.
func (c *Clay) Enrich(ctx context.Context, in Input) (*Result, error) {
	if c.apiKey == "" {
		return nil, ErrNotConfigured
	}

	body, err := json.Marshal(struct {
		Input       Input    `json:"input"`
		Enrichments []string `json:"enrichments"`
	}{in, enrichments})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/enrichment", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("clay request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("clay API error: %d %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var out struct {
		Data struct {
			Enrichment Result `json:"enrichment"`
			Status     string `json:"status"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding clay response: %w", err)
	}
	if out.Data.Status != "completed" {
		return nil, ErrIncomplete
	}
	return &out.Data.Enrichment, nil
}
