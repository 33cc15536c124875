package affiliate

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/jakebbass/afilli/internal/config"
	"github.com/jakebbass/afilli/internal/logging"
	"github.com/jakebbass/afilli/internal/store"
)

const (
	defaultAWINURL  = "https://api.awin.com"
	awinMaxPrograms = 50
	awinMaxAnalyzed = 20
	awinMinCPS      = 50
)

var awinSectors = []string{
	"Retail",
	"Technology",
	"Health & Fitness",
	"Finance",
	"Education",
	"Travel",
	"Software",
	"Electronics",
}

// AWIN discovers unjoined AWIN programmes and keeps the high performers.
type AWIN struct {
	token       string
	publisherID string
	baseURL     string
	client      *http.Client
	log         *logging.Logger
}

// NewAWIN creates an AWIN fetcher. A nil client uses http.DefaultClient.
func NewAWIN(cfg config.AWINConfig, client *http.Client) *AWIN {
	base := cfg.BaseURL
	if base == "" {
		base = defaultAWINURL
	}
	return &AWIN{
		token:       cfg.APIToken,
		publisherID: cfg.PublisherID,
		baseURL:     strings.TrimRight(base, "/"),
		client:      httpClient(client),
		log:         logging.Component("affiliate.awin"),
	}
}

func (a *AWIN) Name() string   { return "AWIN" }
func (a *AWIN) Source() string { return "awin" }

type awinProgramme struct {
	ID              int64  `json:"id"`
	Name            string `json:"name"`
	Description     string `json:"description"`
	LogoURL         string `json:"logoUrl"`
	ClickThroughURL string `json:"clickThroughUrl"`
	DisplayURL      string `json:"displayUrl"`
	CurrencyCode    string `json:"currencyCode"`
	PrimaryRegion   struct {
		CountryCode string `json:"countryCode"`
		Name        string `json:"name"`
	} `json:"primaryRegion"`
	PrimarySector string `json:"primarySector"`
	Status        string `json:"status"`
	ValidDomains  []struct {
		Domain string `json:"domain"`
	} `json:"validDomains"`
}

type awinDetails struct {
	CommissionRange []struct {
		Min  float64 `json:"min"`
		Max  float64 `json:"max"`
		Type string  `json:"type"`
	} `json:"commissionRange"`
	KPI struct {
		ApprovalPercentage float64 `json:"approvalPercentage"`
		AveragePaymentTime string  `json:"averagePaymentTime"`
		AwinIndex          float64 `json:"awinIndex"`
		ConversionRate     float64 `json:"conversionRate"`
		EPC                float64 `json:"epc"`
		ValidationDays     int     `json:"validationDays"`
	} `json:"kpi"`
	ProgrammeInfo struct {
		DeeplinkEnabled bool `json:"deeplinkEnabled"`
	} `json:"programmeInfo"`
}

// AWINScore computes the CPS of a programme from its KPIs.
func AWINScore(epc, conversionRate, approval, index float64) float64 {
	return round1(min(epc*20, 30) + min(conversionRate*10, 25) + approval*0.2 + index*0.25)
}

// Fetch lists unjoined programmes in the target sectors, loads KPIs for the
// first few and returns those scoring at least 50.
func (a *AWIN) Fetch(ctx context.Context) ([]store.Offer, error) {
	if a.token == "" || a.publisherID == "" {
		return nil, fmt.Errorf("AWIN_API_TOKEN and AWIN_PUBLISHER_ID: %w", ErrNotConfigured)
	}

	programmes, err := a.programmes(ctx)
	if err != nil {
		return nil, err
	}

	var offers []store.Offer
	for i, p := range programmes {
		if i == awinMaxAnalyzed {
			break
		}
		d, err := a.details(ctx, p.ID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			a.log.WarnCtx("skipping programme without details", map[string]any{
				"programme": p.ID,
				"error":     err.Error(),
			})
			continue
		}

		cps := AWINScore(d.KPI.EPC, d.KPI.ConversionRate, d.KPI.ApprovalPercentage, d.KPI.AwinIndex)
		if cps < awinMinCPS {
			continue
		}

		commission := store.Commission{Type: "percentage", EPC: d.KPI.EPC, CookieDays: d.KPI.ValidationDays, Currency: p.CurrencyCode}
		if commission.CookieDays == 0 {
			commission.CookieDays = 30
		}
		if len(d.CommissionRange) > 0 {
			commission.Rate = d.CommissionRange[0].Max
			commission.Type = d.CommissionRange[0].Type
		}
		domains := make([]string, 0, len(p.ValidDomains))
		for _, vd := range p.ValidDomains {
			domains = append(domains, vd.Domain)
		}

		offers = append(offers, store.Offer{
			Source:      a.Source(),
			SourceID:    fmt.Sprint(p.ID),
			Name:        p.Name,
			Description: p.Description,
			URL:         p.ClickThroughURL,
			Categories:  []string{p.PrimarySector},
			Commission:  commission,
			CPS:         cps,
			Meta: map[string]any{
				"programmeId":        p.ID,
				"awinIndex":          d.KPI.AwinIndex,
				"conversionRate":     d.KPI.ConversionRate,
				"approvalPercentage": d.KPI.ApprovalPercentage,
				"averagePaymentTime": d.KPI.AveragePaymentTime,
				"deeplinkEnabled":    d.ProgrammeInfo.DeeplinkEnabled,
				"validDomains":       domains,
				"geo":                p.PrimaryRegion.Name,
				"imageUrl":           p.LogoURL,
			},
		})
	}

	a.log.InfoCtx("awin programmes analyzed", map[string]any{
		"candidates": len(programmes),
		"selected":   len(offers),
	})
	return offers, nil
}

func (a *AWIN) programmes(ctx context.Context) ([]awinProgramme, error) {
	q := url.Values{}
	q.Set("accessToken", a.token)
	q.Set("relationship", "notjoined")
	q.Set("includeHidden", "false")
	u := fmt.Sprintf("%s/publishers/%s/programmes?%s", a.baseURL, url.PathEscape(a.publisherID), q.Encode())

	var all []awinProgramme
	if err := getJSON(ctx, a.client, "AWIN", u, nil, &all); err != nil {
		return nil, err
	}

	var kept []awinProgramme
	for _, p := range all {
		if p.Status != "active" || !slices.Contains(awinSectors, p.PrimarySector) {
			continue
		}
		if p.DisplayURL == "" || len(p.ValidDomains) == 0 {
			continue
		}
		kept = append(kept, p)
		if len(kept) == awinMaxPrograms {
			break
		}
	}
	return kept, nil
}

func (a *AWIN) details(ctx context.Context, advertiserID int64) (*awinDetails, error) {
	q := url.Values{}
	q.Set("accessToken", a.token)
	q.Set("advertiserId", fmt.Sprint(advertiserID))
	q.Set("relationship", "any")
	u := fmt.Sprintf("%s/publishers/%s/programmedetails?%s", a.baseURL, url.PathEscape(a.publisherID), q.Encode())

	var d awinDetails
	if err := getJSON(ctx, a.client, "AWIN", u, nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
