package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/jakebbass/afilli/internal/config"
	"github.com/jakebbass/afilli/internal/llm"
	"github.com/jakebbass/afilli/internal/store"
)

// mockLLM answers GenerateObject with intent chosen by a prompt substring.
type mockLLM struct {
	err     error
	prompts []string
}

func (m *mockLLM) Name() string { return "mock" }

func (m *mockLLM) GenerateText(ctx context.Context, req llm.Request) (*llm.Result, error) {
	return nil, errors.New("not used")
}

func (m *mockLLM) GenerateObject(ctx context.Context, req llm.Request, out any) error {
	m.prompts = append(m.prompts, req.Prompt)
	if m.err != nil {
		return m.err
	}
	reply := map[string]any{
		"mainTopics":   []string{"home gym"},
		"keywords":     []string{"squat rack"},
		"sentiment":    "negative",
		"buyingIntent": 10,
		"painPoints":   []string{"limited space"},
		"interests":    []string{"strength training"},
	}
	if strings.Contains(req.Prompt, "recommendations") {
		reply["buyingIntent"] = 80
	}
	raw, _ := json.Marshal(reply)
	return json.Unmarshal(raw, out)
}

const gymPage = `<html><head>
<title>Home Gym Forum</title>
<meta property="og:site_name" content="GymTalk">
<meta name="description" content="Talk about home gyms">
</head><body>
<h1>Struggling with my home gym setup</h1>
<p>I really need a better squat rack, any recommendations?</p>
<p>short</p>
<a href="/about">About</a>
<a href="mailto:x@y.z">mail</a>
<p>Contact me at jane@gymtalk.io or 555-123-4567 today.</p>
<script>var hidden = "bot@script.io";</script>
</body></html>`

const quietPage = `<html><head><title>Recipes</title></head><body>
<p>Twenty minute dinners for busy weeknights.</p>
</body></html>`

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/html/":
			if r.URL.Query().Get("q") == "" {
				t.Errorf("missing query")
			}
			fmt.Fprintf(w, `<html><body>
<div class="result results_links">
  <h2 class="result__title"><a class="result__a" href="//duckduckgo.com/l/?uddg=%s&rut=abc">Home <b>Gym</b> Forum</a></h2>
  <a class="result__snippet" href="#">Need a squat rack</a>
</div>
<div class="result result--ad"><a class="result__a" href="https://ads.example.com">Buy now</a></div>
<div class="result"><a class="result__a" href="%s/quiet">Recipes</a></div>
<div class="result"><a class="result__a" href="%s/missing">Gone</a></div>
</body></html>`, url.QueryEscape(srv.URL+"/gym"), srv.URL, srv.URL)
		case "/gym":
			fmt.Fprint(w, gymPage)
		case "/quiet":
			fmt.Fprint(w, quietPage)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSearch(t *testing.T) {
	srv := newSite(t)
	s := New(config.ScraperConfig{SearchURL: srv.URL + "/html/"}, nil, srv.Client())

	results, err := s.Search(context.Background(), "home gym", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("results = %d, want 3: %+v", len(results), results)
	}
	first := results[0]
	if first.Title != "Home Gym Forum" || first.URL != srv.URL+"/gym" || first.Snippet != "Need a squat rack" {
		t.Errorf("first = %+v", first)
	}
	if first.Relevance != 1 || results[1].URL != srv.URL+"/quiet" {
		t.Errorf("results = %+v", results)
	}

	limited, err := s.Search(context.Background(), "home gym", 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("limited = %v, %v", limited, err)
	}
}

func TestExtract(t *testing.T) {
	srv := newSite(t)
	s := New(config.ScraperConfig{}, nil, srv.Client())

	p, err := s.Extract(context.Background(), srv.URL+"/gym")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if p.Title != "Home Gym Forum" {
		t.Errorf("title = %q", p.Title)
	}
	if strings.Count(p.Content, "\n") != 2 || strings.Contains(p.Content, "short") {
		t.Errorf("content = %q", p.Content)
	}
	if len(p.Links) != 1 || p.Links[0] != srv.URL+"/about" {
		t.Errorf("links = %v", p.Links)
	}
	if len(p.Emails) != 1 || p.Emails[0] != "jane@gymtalk.io" {
		t.Errorf("emails = %v", p.Emails)
	}
	if len(p.Phones) != 1 || p.Phones[0] != "555-123-4567" {
		t.Errorf("phones = %v", p.Phones)
	}
	if p.Metadata["og:site_name"] != "GymTalk" || p.Metadata["description"] == "" {
		t.Errorf("metadata = %v", p.Metadata)
	}

	if _, err := s.Extract(context.Background(), srv.URL+"/missing"); err == nil {
		t.Error("expected error for 404 page")
	}
}

func TestAnalyzeFallsBackToNeutral(t *testing.T) {
	s := New(config.ScraperConfig{}, &mockLLM{err: errors.New("rate limited")}, nil)
	a := s.Analyze(context.Background(), "anything", "Lifters: people who lift")
	if a.Sentiment != "neutral" || a.BuyingIntent != 0 || a.Keywords == nil {
		t.Errorf("analysis = %+v", a)
	}
}

func TestAnalyzeTruncatesContent(t *testing.T) {
	gen := &mockLLM{}
	s := New(config.ScraperConfig{}, gen, nil)
	s.Analyze(context.Background(), strings.Repeat("x", analyzeLimit+500), "Lifters: people who lift")
	if len(gen.prompts) != 1 || strings.Count(gen.prompts[0], "x") > analyzeLimit+10 {
		t.Errorf("prompt not truncated")
	}
	if !strings.Contains(gen.prompts[0], "targeting: Lifters: people who lift") {
		t.Errorf("prompt = %q", gen.prompts[0][:120])
	}
}

func TestDiscoverLeads(t *testing.T) {
	srv := newSite(t)
	s := New(config.ScraperConfig{SearchURL: srv.URL + "/html/"}, &mockLLM{}, srv.Client())
	persona := &store.Persona{ID: "p1", Name: "Home Gym Builders", Description: "People equipping a garage gym"}

	leads, err := s.DiscoverLeads(context.Background(), "home gym squat rack", persona, 5)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(leads) != 1 {
		t.Fatalf("leads = %d, want 1", len(leads))
	}
	l := leads[0]
	if l.PersonaID != "p1" || l.SourceURL != srv.URL+"/gym" || l.DiscoveredVia != "web_search" {
		t.Errorf("lead = %+v", l)
	}
	if l.Email != "jane@gymtalk.io" || l.Phone != "555-123-4567" || l.Company != "GymTalk" {
		t.Errorf("contact = %q %q %q", l.Email, l.Phone, l.Company)
	}
	if l.Metadata["searchQuery"] != "home gym squat rack" || l.Metadata["buyingIntent"] != float64(80) {
		t.Errorf("metadata = %v", l.Metadata)
	}
}

func TestDiscoverLeadsSearchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := New(config.ScraperConfig{SearchURL: srv.URL}, &mockLLM{}, srv.Client())
	if _, err := s.DiscoverLeads(context.Background(), "q", &store.Persona{Name: "x"}, 3); err == nil {
		t.Fatal("expected search error")
	}
}
