// Package scraper searches the web, extracts page content and contact
// details, and turns promising pages into leads.
package scraper

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
	"golang.org/x/time/rate"

	"github.com/jakebbass/afilli/internal/config"
	"github.com/jakebbass/afilli/internal/llm"
	"github.com/jakebbass/afilli/internal/logging"
)

// maxPageBytes caps how much of a page is read.
const maxPageBytes = 2 << 20

var (
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)
	phoneRe = regexp.MustCompile(`(\+\d{1,3}[-.\s]?)?\(?\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}`)
)

// SearchResult is one ranked web search hit.
type SearchResult struct {
	Title     string  `json:"title"`
	URL       string  `json:"url"`
	Snippet   string  `json:"snippet"`
	Relevance float64 `json:"relevanceScore"`
}

// Page is the extracted content of one web page.
type Page struct {
	URL      string            `json:"url"`
	Title    string            `json:"title"`
	Content  string            `json:"content"`
	Links    []string          `json:"links"`
	Emails   []string          `json:"emails"`
	Phones   []string          `json:"phones"`
	Metadata map[string]string `json:"metadata"`
}

// Scraper fetches search results and pages at a limited rate.
type Scraper struct {
	client    *http.Client
	searchURL string
	userAgent string
	limiter   *rate.Limiter
	gen       llm.Client
	log       *logging.Logger
}

// New creates a Scraper. gen is used by Analyze and DiscoverLeads; a nil
// client uses http.DefaultClient.
func New(cfg config.ScraperConfig, gen llm.Client, client *http.Client) *Scraper {
	if client == nil {
		client = http.DefaultClient
	}
	searchURL := cfg.SearchURL
	if searchURL == "" {
		searchURL = config.DefaultSearchURL
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Scraper{
		client:    client,
		searchURL: searchURL,
		userAgent: cfg.UserAgent,
		limiter:   rate.NewLimiter(limit, 1),
		gen:       gen,
		log:       logging.Component("scraper"),
	}
}

// fetch GETs u once the rate limiter allows and parses the body as HTML.
func (s *Scraper) fetch(ctx context.Context, u string) (*html.Node, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	if s.userAgent != "" {
		req.Header.Set("User-Agent", s.userAgent)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", u, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetching %s: status %d", u, resp.StatusCode)
	}
	doc, err := html.Parse(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", u, err)
	}
	return doc, nil
}

// Search queries the configured HTML search page and returns up to max
// organic results, scored 1 - i/n by position.
func (s *Scraper) Search(ctx context.Context, query string, max int) ([]SearchResult, error) {
	u, err := url.Parse(s.searchURL)
	if err != nil {
		return nil, fmt.Errorf("search url: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	u.RawQuery = q.Encode()

	doc, err := s.fetch(ctx, u.String())
	if err != nil {
		return nil, err
	}

	var results []SearchResult
	walk(doc, func(n *html.Node) bool {
		if max > 0 && len(results) == max {
			return false
		}
		if !hasClass(n, "result") || hasClass(n, "result--ad") {
			return true
		}
		var r SearchResult
		walk(n, func(c *html.Node) bool {
			switch {
			case hasClass(c, "result__a") && r.URL == "":
				r.Title = collapse(textContent(c))
				r.URL = resultURL(attr(c, "href"))
			case hasClass(c, "result__snippet") && r.Snippet == "":
				r.Snippet = collapse(textContent(c))
			}
			return true
		})
		if r.URL != "" {
			results = append(results, r)
		}
		return false
	})

	for i := range results {
		results[i].Relevance = 1 - float64(i)/float64(len(results))
	}
	s.log.DebugCtx("search complete", map[string]any{"query": query, "results": len(results)})
	return results, nil
}

// resultURL unwraps redirect links of the form /l/?uddg=<target>.
func resultURL(href string) string {
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" {
		href = target
	}
	if !strings.HasPrefix(href, "http://") && !strings.HasPrefix(href, "https://") {
		return ""
	}
	return href
}

// Extract loads a page and pulls out its title, readable text, outbound
// links, email addresses, phone numbers and meta tags.
func (s *Scraper) Extract(ctx context.Context, pageURL string) (*Page, error) {
	doc, err := s.fetch(ctx, pageURL)
	if err != nil {
		return nil, err
	}
	base, _ := url.Parse(pageURL)

	p := &Page{URL: pageURL, Metadata: map[string]string{}}
	var blocks []string
	var body *html.Node
	walk(doc, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		switch n.DataAtom {
		case atom.Title:
			if p.Title == "" {
				p.Title = collapse(textContent(n))
			}
		case atom.Body:
			body = n
		case atom.P, atom.H1, atom.H2, atom.H3, atom.H4, atom.Article, atom.Main:
			if text := strings.TrimSpace(textContent(n)); len(text) > 20 {
				blocks = append(blocks, text)
			}
		case atom.A:
			if link := resolve(base, attr(n, "href")); strings.HasPrefix(link, "http") {
				p.Links = append(p.Links, link)
			}
		case atom.Meta:
			name := attr(n, "name")
			if name == "" {
				name = attr(n, "property")
			}
			if content := attr(n, "content"); name != "" && content != "" {
				p.Metadata[name] = content
			}
		case atom.Script, atom.Style, atom.Noscript:
			return false
		}
		return true
	})
	p.Content = strings.Join(blocks, "\n")

	if body != nil {
		text := textContent(body)
		p.Emails = unique(emailRe.FindAllString(text, -1))
		p.Phones = unique(phoneRe.FindAllString(text, -1))
	}
	return p, nil
}

func resolve(base *url.URL, href string) string {
	if href == "" {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base == nil {
		return ref.String()
	}
	return base.ResolveReference(ref).String()
}

// walk visits n and its descendants depth first; fn returns false to skip
// a node's children.
func walk(n *html.Node, fn func(*html.Node) bool) {
	if !fn(n) {
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, fn)
	}
}

// textContent concatenates the text beneath n, skipping scripts and styles.
func textContent(n *html.Node) string {
	var b strings.Builder
	walk(n, func(c *html.Node) bool {
		if c.Type == html.ElementNode && (c.DataAtom == atom.Script || c.DataAtom == atom.Style) {
			return false
		}
		if c.Type == html.TextNode {
			b.WriteString(c.Data)
		}
		return true
	})
	return b.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	if n.Type != html.ElementNode {
		return false
	}
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func unique(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}
