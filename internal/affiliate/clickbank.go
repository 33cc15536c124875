package affiliate

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/jakebbass/afilli/internal/config"
	"github.com/jakebbass/afilli/internal/logging"
	"github.com/jakebbass/afilli/internal/store"
)

const (
	defaultClickBankURL = "https://api.clickbank.com"
	clickBankMaxOffers  = 30
	clickBankCookieDays = 60
	clickBankTrackingID = "afilli"
)

var clickBankCategories = []string{
	"Health & Fitness",
	"Business / Investing",
	"Computers / Internet",
	"Education",
	"Home & Garden",
	"Languages",
	"Reference",
	"Self-Help",
	"Sports / Recreation",
	"Travel",
}

var categorySlug = strings.NewReplacer(" / ", "-", " & ", "-", " ", "-")

// ClickBank searches the ClickBank marketplace for high gravity products.
type ClickBank struct {
	apiKey  string
	vendor  string
	baseURL string
	client  *http.Client
	log     *logging.Logger
}

// NewClickBank creates a ClickBank fetcher. A nil client uses http.DefaultClient.
func NewClickBank(cfg config.ClickBankConfig, client *http.Client) *ClickBank {
	base := cfg.BaseURL
	if base == "" {
		base = defaultClickBankURL
	}
	return &ClickBank{
		apiKey:  cfg.APIKey,
		vendor:  cfg.Vendor,
		baseURL: strings.TrimRight(base, "/"),
		client:  httpClient(client),
		log:     logging.Component("affiliate.clickbank"),
	}
}

func (c *ClickBank) Name() string   { return "ClickBank" }
func (c *ClickBank) Source() string { return "clickbank" }

type clickBankProduct struct {
	Site                   string  `json:"site"`
	Title                  string  `json:"title"`
	Description            string  `json:"description"`
	Category               string  `json:"category"`
	Gravity                float64 `json:"gravity"`
	InitialEarningsPerSale float64 `json:"initialEarningsPerSale"`
	AverageEarningsPerSale float64 `json:"averageEarningsPerSale"`
	RebillAmount           float64 `json:"rebillAmount"`
	PercentPerSale         float64 `json:"percentPerSale"`
	PercentPerRebill       float64 `json:"percentPerRebill"`
	HasRecurringProducts   bool    `json:"hasRecurringProducts"`
	ActivateURL            string  `json:"activateUrl"`
}

// qualifies reports whether the product clears the gravity, earnings and
// commission floors.
func (p clickBankProduct) qualifies() bool {
	return p.Gravity >= 20 && p.InitialEarningsPerSale >= 15 && p.PercentPerSale >= 40
}

func (p clickBankProduct) rank() float64 {
	return p.Gravity*0.4 + p.InitialEarningsPerSale*0.3 + p.PercentPerSale*0.3
}

// ClickBankScore computes the CPS of a product.
func ClickBankScore(gravity, epc float64, recurring bool) float64 {
	score := min(gravity/5, 50) + min(epc/2, 30)
	if recurring {
		score += 20
	}
	return round1(score)
}

// Fetch searches each target category, keeps qualifying products and
// returns the best ranked ones. A failing category is skipped.
func (c *ClickBank) Fetch(ctx context.Context) ([]store.Offer, error) {
	if c.apiKey == "" || c.vendor == "" {
		return nil, fmt.Errorf("CLICKBANK_API_KEY and CLICKBANK_VENDOR: %w", ErrNotConfigured)
	}

	var (
		products []clickBankProduct
		lastErr  error
		failed   int
	)
	for _, cat := range clickBankCategories {
		got, err := c.search(ctx, cat)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.log.WarnCtx("clickbank category search failed", map[string]any{
				"category": cat,
				"error":    err.Error(),
			})
			lastErr = err
			failed++
			continue
		}
		for _, p := range got {
			if p.qualifies() {
				products = append(products, p)
			}
		}
	}
	if failed == len(clickBankCategories) {
		return nil, fmt.Errorf("all category searches failed: %w", lastErr)
	}

	sort.SliceStable(products, func(i, j int) bool { return products[i].rank() > products[j].rank() })
	if len(products) > clickBankMaxOffers {
		products = products[:clickBankMaxOffers]
	}

	offers := make([]store.Offer, 0, len(products))
	for _, p := range products {
		offers = append(offers, c.offer(p))
	}
	return offers, nil
}

func (c *ClickBank) search(ctx context.Context, category string) ([]clickBankProduct, error) {
	q := url.Values{}
	q.Set("cat", categorySlug.Replace(strings.ToLower(category)))
	q.Set("sort", "gravity")
	q.Set("length", "50")
	q.Set("language", "en")

	var resp struct {
		Products []clickBankProduct `json:"products"`
	}
	if err := getJSON(ctx, c.client, "ClickBank", c.baseURL+"/rest/1.3/marketplace/products?"+q.Encode(), bearer(c.apiKey), &resp); err != nil {
		return nil, err
	}
	return resp.Products, nil
}

// HopLink returns the affiliate link promoting site under vendor.
func HopLink(site, vendor string) string {
	return fmt.Sprintf("https://%s.%s.hop.clickbank.net/?tid=%s", site, vendor, clickBankTrackingID)
}

func (c *ClickBank) offer(p clickBankProduct) store.Offer {
	epc := p.AverageEarningsPerSale
	if epc == 0 {
		epc = p.InitialEarningsPerSale
	}

	categories := []string{"General"}
	if p.Category != "" {
		categories = []string{p.Category}
	}
	description := p.Description
	if description == "" {
		description = p.Title + " - ClickBank product"
	}

	return store.Offer{
		Source:      c.Source(),
		SourceID:    p.Site,
		Name:        p.Title,
		Description: description,
		URL:         HopLink(p.Site, c.vendor),
		Categories:  categories,
		Commission: store.Commission{
			Type:       "percentage",
			Rate:       p.PercentPerSale,
			Currency:   "USD",
			EPC:        epc,
			CookieDays: clickBankCookieDays,
			Recurring:  p.HasRecurringProducts,
		},
		CPS: ClickBankScore(p.Gravity, epc, p.HasRecurringProducts),
		Meta: map[string]any{
			"payout":                 payout(p),
			"site":                   p.Site,
			"gravity":                p.Gravity,
			"initialEarningsPerSale": p.InitialEarningsPerSale,
			"averageEarningsPerSale": p.AverageEarningsPerSale,
			"rebillAmount":           p.RebillAmount,
			"percentPerRebill":       p.PercentPerRebill,
			"geo":                    "Global",
		},
	}
}

func payout(p clickBankProduct) string {
	var s string
	switch {
	case p.PercentPerSale > 0:
		s = fmt.Sprintf("%g%% commission", p.PercentPerSale)
		if p.InitialEarningsPerSale > 0 {
			s += fmt.Sprintf(" (~$%.2f avg)", p.InitialEarningsPerSale)
		}
	case p.InitialEarningsPerSale > 0:
		s = fmt.Sprintf("$%.2f per sale", p.InitialEarningsPerSale)
	default:
		s = "Contact for details"
	}
	if p.HasRecurringProducts && p.RebillAmount > 0 {
		s += fmt.Sprintf(" + $%.2f rebills", p.RebillAmount)
	}
	return s
}
