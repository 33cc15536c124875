package affiliate

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/jakebbass/afilli/internal/config"
	"github.com/jakebbass/afilli/internal/store"
)

const defaultCJURL = "https://advertiser-lookup.api.cj.com"

// CJ loads the advertisers a Commission Junction website has joined.
type CJ struct {
	apiKey    string
	websiteID string
	baseURL   string
	client    *http.Client
}

// NewCJ creates a CJ fetcher. A nil client uses http.DefaultClient.
func NewCJ(cfg config.CJConfig, client *http.Client) *CJ {
	base := cfg.BaseURL
	if base == "" {
		base = defaultCJURL
	}
	return &CJ{
		apiKey:    cfg.APIKey,
		websiteID: cfg.WebsiteID,
		baseURL:   strings.TrimRight(base, "/"),
		client:    httpClient(client),
	}
}

func (c *CJ) Name() string   { return "CJ" }
func (c *CJ) Source() string { return "cj" }

type cjAdvertiser struct {
	ID                 int64   `json:"advertiser-id"`
	Name               string  `json:"advertiser-name"`
	ProgramURL         string  `json:"program-url"`
	RelationshipStatus string  `json:"relationship-status"`
	NetworkRank        float64 `json:"network-rank"`
	PrimaryCategory    struct {
		Parent string `json:"parent"`
		Child  string `json:"child"`
	} `json:"primary-category"`
	Incentives []struct {
		Type        string `json:"incentive-type"`
		Description string `json:"incentive-description"`
	} `json:"performance-incentives"`
	Actions struct {
		Action []struct {
			Type       string `json:"action-type"`
			Commission struct {
				Default string `json:"default"`
			} `json:"commission"`
			CookieDays int `json:"cookie-days"`
		} `json:"action"`
	} `json:"actions"`
	SevenDayEPC   float64 `json:"seven-day-epc"`
	ThreeMonthEPC float64 `json:"three-month-epc"`
}

type cjResponse struct {
	Advertisers struct {
		Advertiser []cjAdvertiser `json:"advertiser"`
	} `json:"advertisers"`
}

// CJScore computes the CPS of an advertiser. Network rank runs 1 (best) to 5;
// zero means unranked and scores as 3.
func CJScore(networkRank, epc float64) float64 {
	if networkRank == 0 {
		networkRank = 3
	}
	return round1((6-networkRank)*20 + min(epc/2, 50))
}

// Fetch returns one offer per joined advertiser.
func (c *CJ) Fetch(ctx context.Context) ([]store.Offer, error) {
	if c.apiKey == "" || c.websiteID == "" {
		return nil, fmt.Errorf("CJ_API_KEY and CJ_WEBSITE_ID: %w", ErrNotConfigured)
	}

	q := url.Values{}
	q.Set("website-id", c.websiteID)
	q.Set("advertiser-ids", "joined")
	q.Set("records-per-page", "100")
	q.Set("page-number", "1")

	var resp cjResponse
	if err := getJSON(ctx, c.client, "CJ", c.baseURL+"/v3/advertiser-lookup?"+q.Encode(), bearer(c.apiKey), &resp); err != nil {
		return nil, err
	}

	offers := make([]store.Offer, 0, len(resp.Advertisers.Advertiser))
	for _, a := range resp.Advertisers.Advertiser {
		offers = append(offers, cjOffer(a))
	}
	return offers, nil
}

func cjOffer(a cjAdvertiser) store.Offer {
	epc := a.SevenDayEPC
	if epc == 0 {
		epc = a.ThreeMonthEPC
	}

	commission := store.Commission{Type: "percentage", EPC: epc, CookieDays: 30}
	payout := "N/A"
	if len(a.Actions.Action) > 0 {
		primary := a.Actions.Action[0]
		if primary.Commission.Default != "" {
			payout = primary.Commission.Default
		}
		if primary.CookieDays > 0 {
			commission.CookieDays = primary.CookieDays
		}
		if !strings.Contains(payout, "%") {
			commission.Type = "fixed"
		}
	}

	var categories []string
	if a.PrimaryCategory.Parent != "" {
		categories = append(categories, a.PrimaryCategory.Parent)
	}
	if a.PrimaryCategory.Child != "" {
		categories = append(categories, a.PrimaryCategory.Child)
	}
	if len(categories) == 0 {
		categories = []string{"General"}
	}

	link := a.ProgramURL
	if link == "" {
		link = fmt.Sprintf("https://www.cj.com/advertiser/%d", a.ID)
	}
	description := a.Name + " affiliate program"
	if len(a.Incentives) > 0 && a.Incentives[0].Description != "" {
		description = a.Incentives[0].Description
	}

	return store.Offer{
		Source:      "cj",
		SourceID:    fmt.Sprint(a.ID),
		Name:        a.Name,
		Description: description,
		URL:         link,
		Categories:  categories,
		Commission:  commission,
		CPS:         CJScore(a.NetworkRank, epc),
		Meta: map[string]any{
			"payout":             payout,
			"networkRank":        a.NetworkRank,
			"relationshipStatus": a.RelationshipStatus,
			"sevenDayEpc":        a.SevenDayEPC,
			"threeMonthEpc":      a.ThreeMonthEPC,
			"geo":                "Global",
		},
	}
}
