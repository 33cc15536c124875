package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jakebbass/afilli/internal/affiliate"
	"github.com/jakebbass/afilli/internal/db"
	"github.com/jakebbass/afilli/internal/email"
	"github.com/jakebbass/afilli/internal/enrich"
	"github.com/jakebbass/afilli/internal/llm"
	"github.com/jakebbass/afilli/internal/logging"
	"github.com/jakebbass/afilli/internal/scraper"
	"github.com/jakebbass/afilli/internal/store"
	"github.com/jakebbass/afilli/internal/tasks"
)

type fakeLLM struct {
	text    string
	objects map[string]string // prompt substring to JSON reply
	err     error
	prompts []string
}

func (f *fakeLLM) Name() string { return "fake" }

func (f *fakeLLM) GenerateText(_ context.Context, req llm.Request) (*llm.Result, error) {
	f.prompts = append(f.prompts, req.Prompt)
	if f.err != nil {
		return nil, f.err
	}
	return &llm.Result{Text: f.text}, nil
}

func (f *fakeLLM) GenerateObject(_ context.Context, req llm.Request, out any) error {
	f.prompts = append(f.prompts, req.Prompt)
	if f.err != nil {
		return f.err
	}
	for key, reply := range f.objects {
		if strings.Contains(req.Prompt, key) {
			return json.Unmarshal([]byte(reply), out)
		}
	}
	return llm.ErrNoJSON
}

type fakeWeb struct {
	leads []*store.Lead
}

func (f *fakeWeb) Extract(_ context.Context, url string) (*scraper.Page, error) {
	return &scraper.Page{URL: url, Title: "Page", Content: "content", Emails: []string{"hello@example.com"}, Phones: []string{"555-0100"}}, nil
}

func (f *fakeWeb) Analyze(context.Context, string, string) *scraper.Analysis {
	return &scraper.Analysis{Sentiment: "neutral"}
}

func (f *fakeWeb) DiscoverLeads(_ context.Context, _ string, _ *store.Persona, limit int) ([]*store.Lead, error) {
	return f.leads[:min(len(f.leads), limit)], nil
}

type fakeSender struct {
	result *email.SendResult
	err    error
	sent   []email.Message
}

func (f *fakeSender) Send(_ context.Context, m email.Message) (*email.SendResult, error) {
	f.sent = append(f.sent, m)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &email.SendResult{Success: true, EmailID: "em-" + m.LeadID}, nil
}

type fakeFetcher struct {
	name, source string
	offers       []store.Offer
	err          error
}

func (f *fakeFetcher) Name() string   { return f.name }
func (f *fakeFetcher) Source() string { return f.source }
func (f *fakeFetcher) Fetch(context.Context) ([]store.Offer, error) {
	return f.offers, f.err
}

type fakeEnricher struct {
	fail map[string]bool // lead names that fail
}

func (f *fakeEnricher) Enrich(_ context.Context, in enrich.Input) (*enrich.Result, error) {
	if f.fail[in.Name] {
		return nil, errors.New("clay API error: 500 Internal Server Error")
	}
	return &enrich.Result{
		Email:       strings.ToLower(in.Name) + "@example.com",
		CompanyName: "Acme",
		JobTitle:    "Founder",
		Confidence:  0.9,
	}, nil
}

type testEnv struct {
	store    *store.Store
	exec     *Executor
	llm      *fakeLLM
	web      *fakeWeb
	sender   *fakeSender
	fetchers []affiliate.Fetcher
	enricher *fakeEnricher
	now      time.Time
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "afilli.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	env := &testEnv{
		llm:      &fakeLLM{objects: map[string]string{}},
		web:      &fakeWeb{},
		sender:   &fakeSender{},
		enricher: &fakeEnricher{fail: map[string]bool{}},
		now:      time.Date(2026, 5, 10, 9, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return env.now }
	s, err := store.New(database, store.WithClock(clock))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	env.store = s
	return env
}

// executor builds the executor after the test has set up its fakes.
func (e *testEnv) executor() *Executor {
	if e.exec == nil {
		e.exec = New(Deps{
			Store:    e.store,
			LLM:      e.llm,
			Web:      e.web,
			Email:    e.sender,
			Fetchers: e.fetchers,
			Enricher: e.enricher,
		}, WithLogger(logging.Nop()))
	}
	return e.exec
}

func (e *testEnv) persona(t *testing.T, name string) *store.Persona {
	t.Helper()
	p := &store.Persona{Name: name, Description: name + " description", SearchKeywords: []string{"gym", "protein", "recovery", "sleep"}}
	if err := e.store.CreatePersona(context.Background(), p); err != nil {
		t.Fatalf("create persona: %v", err)
	}
	return p
}

func (e *testEnv) agent(t *testing.T, typ tasks.AgentType, personaID string, cfg tasks.AgentConfig) *store.Agent {
	t.Helper()
	a, err := e.store.CreateAgent(context.Background(), store.NewAgent{Name: string(typ), Type: typ, PersonaID: personaID, Config: cfg})
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return a
}

func (e *testEnv) task(t *testing.T, agentID string, typ tasks.TaskType, input any) *store.Task {
	t.Helper()
	task, err := e.store.CreateTask(context.Background(), store.NewTask{AgentID: agentID, Type: typ, Input: input})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (e *testEnv) reload(t *testing.T, id string) *store.Task {
	t.Helper()
	task, err := e.store.GetTask(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task
}

func (e *testEnv) lead(t *testing.T, l *store.Lead) *store.Lead {
	t.Helper()
	if err := e.store.CreateLeads(context.Background(), []*store.Lead{l}); err != nil {
		t.Fatalf("create lead: %v", err)
	}
	return l
}

func decode[T any](t *testing.T, output any) T {
	t.Helper()
	var v T
	raw, err := json.Marshal(output)
	if err != nil {
		t.Fatalf("marshal output: %v", err)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	return v
}

func TestValidateCoversCatalog(t *testing.T) {
	env := newEnv(t)
	if err := env.executor().Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestOfferSyncKeepsGoingWhenOneSourceFails(t *testing.T) {
	env := newEnv(t)
	env.fetchers = []affiliate.Fetcher{
		&fakeFetcher{name: "AWIN", source: "awin", err: errors.New("AWIN API error: 502")},
		&fakeFetcher{name: "CJ Affiliate", source: "cj", offers: []store.Offer{
			{Source: "cj", SourceID: "1", Name: "Protein Club", CPS: 82, Categories: []string{"fitness"}},
			{Source: "cj", SourceID: "2", Name: "Cheap Socks", CPS: 21, Categories: []string{"apparel"}},
		}},
	}
	ctx := context.Background()
	a := env.agent(t, tasks.AgentDealFinder, "", tasks.AgentConfig{})
	task := env.task(t, a.ID, tasks.OfferSync, nil)

	output, err := env.executor().Execute(ctx, a.ID, task.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := decode[OfferSyncOutput](t, output)
	if out.TotalFetched != 2 || out.SavedOffers != 1 {
		t.Errorf("fetched/saved = %d/%d, want 2/1", out.TotalFetched, out.SavedOffers)
	}
	if len(out.Errors) != 1 || !strings.HasPrefix(out.Errors[0], "AWIN") {
		t.Errorf("errors = %v, want one AWIN error", out.Errors)
	}
	if out.Sources["cj"] != 2 {
		t.Errorf("sources = %v", out.Sources)
	}

	if got := env.reload(t, task.ID).Status; got != tasks.StatusCompleted {
		t.Errorf("task status = %s, want completed", got)
	}
	n, err := env.store.CountOffers(ctx)
	if err != nil || n != 1 {
		t.Errorf("CountOffers = %d, %v; want 1", n, err)
	}
	agent, err := env.store.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if agent.Metrics.OffersSynced != 1 || agent.Metrics.TasksCompleted != 1 {
		t.Errorf("metrics = %+v", agent.Metrics)
	}
	if agent.Metrics.LastSyncAt == nil || !agent.Metrics.LastSyncAt.Equal(env.now) {
		t.Errorf("lastSyncAt = %v, want %v", agent.Metrics.LastSyncAt, env.now)
	}
}

func TestOutreachSoftFailureCompletesTask(t *testing.T) {
	env := newEnv(t)
	env.llm.text = "Subject: Your new routine\n\n<p>Hi there</p>"
	env.sender.result = &email.SendResult{Success: false, Error: email.NotConfigured}
	ctx := context.Background()

	p := env.persona(t, "Gym Goer")
	l := env.lead(t, &store.Lead{PersonaID: p.ID, Email: "jane@example.com"})
	a := env.agent(t, tasks.AgentOutreach, p.ID, tasks.AgentConfig{})
	task := env.task(t, a.ID, tasks.OutreachGeneration, tasks.OutreachInput{LeadID: l.ID})

	output, err := env.executor().Execute(ctx, a.ID, task.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := decode[OutreachOutput](t, output)
	if out.EmailSent || out.EmailError != email.NotConfigured {
		t.Errorf("emailSent=%v emailError=%q", out.EmailSent, out.EmailError)
	}
	if out.Subject != "Your new routine" {
		t.Errorf("subject = %q", out.Subject)
	}
	if len(env.sender.sent) != 1 || env.sender.sent[0].Subject != "Your new routine" {
		t.Errorf("sent = %+v", env.sender.sent)
	}

	got, err := env.store.GetLead(ctx, l.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.OutreachStatus != store.LeadDiscovered || got.OutreachAttempts != 0 {
		t.Errorf("lead mutated: status=%s attempts=%d", got.OutreachStatus, got.OutreachAttempts)
	}
	if status := env.reload(t, task.ID).Status; status != tasks.StatusCompleted {
		t.Errorf("task status = %s", status)
	}
}

func TestOutreachLeadWithoutEmailFails(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	p := env.persona(t, "Gym Goer")
	l := env.lead(t, &store.Lead{PersonaID: p.ID})
	a := env.agent(t, tasks.AgentOutreach, p.ID, tasks.AgentConfig{})
	task := env.task(t, a.ID, tasks.OutreachGeneration, tasks.OutreachInput{LeadID: l.ID})

	if _, err := env.executor().Execute(ctx, a.ID, task.ID); err == nil {
		t.Fatal("expected error")
	}
	got := env.reload(t, task.ID)
	if got.Status != tasks.StatusFailed || !strings.Contains(got.Error, "no email address") {
		t.Errorf("task = %s %q", got.Status, got.Error)
	}
	if len(env.sender.sent) != 0 || len(env.llm.prompts) != 0 {
		t.Error("no generation or send expected")
	}
}

func TestMissingPersonaLeavesTaskPending(t *testing.T) {
	tests := []struct {
		name      string
		personaID string
	}{
		{"unassigned", ""},
		{"dangling", "persona-gone"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newEnv(t)
			a := env.agent(t, tasks.AgentResearcher, tt.personaID, tasks.AgentConfig{})
			task := env.task(t, a.ID, tasks.WebSearch, nil)

			_, err := env.executor().Execute(context.Background(), a.ID, task.ID)
			if !errors.Is(err, store.ErrNotFound) {
				t.Fatalf("err = %v, want not found", err)
			}
			if got := env.reload(t, task.ID).Status; got != tasks.StatusPending {
				t.Errorf("task status = %s, want pending", got)
			}
		})
	}
}

func TestExecuteRejectsForeignTask(t *testing.T) {
	env := newEnv(t)
	a := env.agent(t, tasks.AgentDealFinder, "", tasks.AgentConfig{})
	b := env.agent(t, tasks.AgentDealFinder, "", tasks.AgentConfig{})
	task := env.task(t, b.ID, tasks.OfferSync, nil)

	if _, err := env.executor().Execute(context.Background(), a.ID, task.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("err = %v, want not found", err)
	}
}

func TestUnknownTaskTypeFailsTask(t *testing.T) {
	env := newEnv(t)
	p := env.persona(t, "Gym Goer")
	a := env.agent(t, tasks.AgentResearcher, p.ID, tasks.AgentConfig{})
	task := env.task(t, a.ID, tasks.OfferSync, nil)

	_, err := env.executor().Execute(context.Background(), a.ID, task.ID)
	if !errors.Is(err, ErrUnknownTaskType) {
		t.Fatalf("err = %v, want ErrUnknownTaskType", err)
	}
	if got := env.reload(t, task.ID); got.Status != tasks.StatusFailed || got.Error == "" {
		t.Errorf("task = %s %q", got.Status, got.Error)
	}
}

func TestLeadDiscoveryPersistsLeads(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.web.leads = []*store.Lead{
		{Email: "a@example.com", DiscoveredVia: "web_search"},
		{Email: "b@example.com", DiscoveredVia: "web_search"},
	}
	p := env.persona(t, "Gym Goer")
	a := env.agent(t, tasks.AgentResearcher, p.ID, tasks.AgentConfig{})
	task := env.task(t, a.ID, tasks.LeadDiscovery, tasks.LeadDiscoveryInput{MaxLeads: 1})

	output, err := env.executor().Execute(ctx, a.ID, task.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := decode[LeadDiscoveryOutput](t, output)
	if out.LeadsDiscovered != 1 || out.SearchQuery != "Gym Goer looking for solutions" {
		t.Errorf("output = %+v", out)
	}
	leads, err := env.store.FindLeads(ctx, store.LeadFilter{PersonaID: p.ID})
	if err != nil || len(leads) != 1 {
		t.Fatalf("FindLeads = %d, %v", len(leads), err)
	}
	if leads[0].ID != out.LeadIDs[0] || leads[0].OutreachStatus != store.LeadDiscovered {
		t.Errorf("lead = %+v", leads[0])
	}
}

func TestListBuildingRequiresPersona(t *testing.T) {
	env := newEnv(t)
	a := env.agent(t, tasks.AgentListBuilder, "", tasks.AgentConfig{})
	task := env.task(t, a.ID, tasks.LeadListBuilding, nil)

	_, err := env.executor().Execute(context.Background(), a.ID, task.ID)
	if !errors.Is(err, ErrPersonaRequired) {
		t.Fatalf("err = %v, want ErrPersonaRequired", err)
	}
	got := env.reload(t, task.ID)
	if got.Status != tasks.StatusFailed || got.Error != ErrPersonaRequired.Error() {
		t.Errorf("task = %s %q", got.Status, got.Error)
	}
}

func TestListBuildingQueryFromKeywords(t *testing.T) {
	env := newEnv(t)
	p := env.persona(t, "Gym Goer")
	a := env.agent(t, tasks.AgentListBuilder, p.ID, tasks.AgentConfig{})
	task := env.task(t, a.ID, tasks.LeadListBuilding, nil)

	output, err := env.executor().Execute(context.Background(), a.ID, task.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := decode[LeadDiscoveryOutput](t, output)
	if out.SearchQuery != "Gym Goer gym protein recovery" || out.PersonaName != "Gym Goer" {
		t.Errorf("output = %+v", out)
	}
}

func TestLeadEnrichmentCollectsPerLeadErrors(t *testing.T) {
	env := newEnv(t)
	env.enricher.fail["Bob"] = true
	ctx := context.Background()
	ok := env.lead(t, &store.Lead{Name: "Ann"})
	bad := env.lead(t, &store.Lead{Name: "Bob"})
	a := env.agent(t, tasks.AgentListBuilder, "", tasks.AgentConfig{})
	task := env.task(t, a.ID, tasks.LeadEnrichment, nil)

	output, err := env.executor().Execute(ctx, a.ID, task.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := decode[LeadEnrichmentOutput](t, output)
	if out.LeadsEnriched != 1 || out.SuccessRate != 50 {
		t.Errorf("output = %+v", out)
	}
	if len(out.Errors) != 1 || !strings.HasPrefix(out.Errors[0], "Lead "+bad.ID+":") {
		t.Errorf("errors = %v", out.Errors)
	}

	got, err := env.store.GetLead(ctx, ok.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Email != "ann@example.com" || got.Company != "Acme" {
		t.Errorf("enriched lead = %+v", got)
	}
	clay, _ := got.Metadata["clayEnrichment"].(map[string]any)
	if clay["jobTitle"] != "Founder" {
		t.Errorf("metadata = %v", got.Metadata)
	}
}

func TestCampaignCreation(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	p := env.persona(t, "Gym Goer")
	for i, cps := range []float64{90, 75, 40} {
		o := &store.Offer{Source: "cj", SourceID: string(rune('1' + i)), Name: "Offer " + string(rune('A'+i)), URL: "https://example.com/" + string(rune('a'+i)), CPS: cps}
		if err := env.store.UpsertOffer(ctx, o); err != nil {
			t.Fatal(err)
		}
	}
	env.llm.objects["marketing campaign"] = `{
		"campaignName": "Summer Shred",
		"channels": ["email", "tiktok", "seo"],
		"goals": {"targetClicks": 500, "targetConversions": 20, "targetRevenue": 1500},
		"emailSubjectLines": ["Get lean", "Summer is coming"],
		"emailBody": "<p>Train smarter</p>",
		"seoKeywords": ["summer workout"]
	}`
	a := env.agent(t, tasks.AgentMarketing, p.ID, tasks.AgentConfig{})
	task := env.task(t, a.ID, tasks.CampaignCreation, nil)

	output, err := env.executor().Execute(ctx, a.ID, task.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := decode[CampaignCreationOutput](t, output)
	if out.CampaignName != "Summer Shred" || out.CreativesCreated != 2 || len(out.Offers) != 2 {
		t.Errorf("output = %+v", out)
	}
	if strings.Join(out.Channels, ",") != "email,seo" {
		t.Errorf("channels = %v", out.Channels)
	}

	c, err := env.store.GetCampaign(ctx, out.CampaignID)
	if err != nil {
		t.Fatal(err)
	}
	if c.Status != store.CampaignDraft || c.PersonaID != p.ID {
		t.Errorf("campaign = %+v", c)
	}
	creatives, err := env.store.Creatives(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	variants := map[string]string{}
	for _, cr := range creatives {
		variants[cr.Variant] = cr.Subject
		if cr.CTAURL != "https://example.com/a" {
			t.Errorf("cta = %q", cr.CTAURL)
		}
	}
	if variants["a"] != "Get lean" || variants["b"] != "Summer is coming" {
		t.Errorf("variants = %v", variants)
	}
}

func TestCampaignCreationWithoutOffersFails(t *testing.T) {
	env := newEnv(t)
	p := env.persona(t, "Gym Goer")
	a := env.agent(t, tasks.AgentMarketing, p.ID, tasks.AgentConfig{})
	task := env.task(t, a.ID, tasks.CampaignCreation, nil)

	_, err := env.executor().Execute(context.Background(), a.ID, task.ID)
	if err == nil || !strings.Contains(err.Error(), "no suitable offers") {
		t.Fatalf("err = %v", err)
	}
	if len(env.llm.prompts) != 0 {
		t.Error("model should not be called")
	}
}

func TestCampaignLaunchSkipsCampaignsWithoutLeads(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	withLeads := env.persona(t, "Gym Goer")
	empty := env.persona(t, "Night Owl")

	draft := func(p *store.Persona) *store.Campaign {
		c := &store.Campaign{PersonaID: p.ID, Name: p.Name + " launch", Status: store.CampaignDraft}
		creatives := []*store.Creative{{Channel: "email", Variant: "a", Subject: "Hello", Body: "<p>Hi</p>"}}
		if err := env.store.CreateCampaign(ctx, c, creatives); err != nil {
			t.Fatal(err)
		}
		return c
	}
	launched := draft(withLeads)
	skipped := draft(empty)
	env.lead(t, &store.Lead{PersonaID: withLeads.ID, Email: "a@example.com"})
	env.lead(t, &store.Lead{PersonaID: withLeads.ID, Email: "b@example.com"})
	env.lead(t, &store.Lead{PersonaID: withLeads.ID})

	a := env.agent(t, tasks.AgentMarketing, "", tasks.AgentConfig{MaxCampaignsToLaunch: 5})
	task := env.task(t, a.ID, tasks.CampaignLaunch, nil)

	output, err := env.executor().Execute(ctx, a.ID, task.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := decode[CampaignLaunchOutput](t, output)
	if out.CampaignsLaunched != 1 || out.TotalEmailsSent != 2 {
		t.Errorf("output = %+v", out)
	}
	if len(out.Campaigns) != 1 || out.Campaigns[0].CampaignID != launched.ID {
		t.Errorf("campaigns = %+v", out.Campaigns)
	}
	for _, m := range env.sender.sent {
		if m.CampaignID != launched.ID || m.Subject != "Hello" {
			t.Errorf("sent = %+v", m)
		}
	}

	for id, want := range map[string]store.CampaignStatus{launched.ID: store.CampaignActive, skipped.ID: store.CampaignDraft} {
		c, err := env.store.GetCampaign(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if c.Status != want {
			t.Errorf("campaign %s status = %s, want %s", c.Name, c.Status, want)
		}
	}
	contacted, err := env.store.CountLeads(ctx, store.LeadFilter{Status: store.LeadContacted})
	if err != nil || contacted != 2 {
		t.Errorf("contacted leads = %d, %v", contacted, err)
	}

	agent, err := env.store.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if agent.Metrics.CampaignsLaunched != 1 || agent.Metrics.EmailsSent != 2 {
		t.Errorf("metrics = %+v", agent.Metrics)
	}
}

func TestBuyingSignalAnalysisReplacesSignals(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	p := env.persona(t, "Gym Goer")
	for _, ev := range []*store.Event{
		{SessionID: "recent-session", Type: "page_view", Timestamp: env.now.Add(-time.Hour)},
		{SessionID: "recent-session", Type: "offer_click", Timestamp: env.now.Add(-time.Minute)},
		{SessionID: "stale-session", Type: "page_view", Timestamp: env.now.Add(-10 * 24 * time.Hour)},
	} {
		if err := env.store.RecordEvent(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	env.llm.objects["buying signals"] = `{
		"buyingSignals": [
			{"signal": "pricing page revisit", "strength": "very_strong", "description": "came back", "triggerConditions": ["2 visits"]},
			{"signal": "blog read", "strength": "weak"}
		],
		"recommendedActions": ["send discount"]
	}`
	a := env.agent(t, tasks.AgentMarketing, p.ID, tasks.AgentConfig{})
	task := env.task(t, a.ID, tasks.BuyingSignalAnalysis, nil)

	output, err := env.executor().Execute(ctx, a.ID, task.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := decode[BuyingSignalOutput](t, output)
	if out.SignalsIdentified != 2 || out.StrongSignals != 1 {
		t.Errorf("output = %+v", out)
	}
	prompt := env.llm.prompts[0]
	if !strings.Contains(prompt, "Session recent-s:") || strings.Contains(prompt, "stale-se") || !strings.Contains(prompt, "offer_click") {
		t.Errorf("prompt sessions wrong:\n%s", prompt)
	}

	got, err := env.store.GetPersona(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Signals) != 2 || got.Signals[0].Weight != 1 || got.Signals[0].Triggers[0] != "2 visits" {
		t.Errorf("signals = %+v", got.Signals)
	}
	if _, ok := got.WebInsights["buyingSignalAnalysis"]; !ok {
		t.Errorf("insights = %v", got.WebInsights)
	}
}

func TestGroupSessions(t *testing.T) {
	events := []store.Event{
		{SessionID: "a", Type: "1"},
		{SessionID: "b", Type: "2"},
		{SessionID: "a", Type: "3"},
		{SessionID: "c", Type: "4"},
	}
	got := groupSessions(events, 2)
	if len(got) != 2 || got[0].id != "a" || len(got[0].events) != 2 || got[1].id != "b" {
		t.Errorf("groupSessions = %+v", got)
	}
}

func TestOfferSwitchingReplacesLastOffer(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	offer := func(id string, cps float64, cat string) *store.Offer {
		o := &store.Offer{Source: "cj", SourceID: id, Name: "Offer " + id, CPS: cps, Categories: []string{cat}}
		if err := env.store.UpsertOffer(ctx, o); err != nil {
			t.Fatal(err)
		}
		return o
	}
	weak := offer("1", 40, "fitness")
	better := offer("2", 88, "fitness")
	offer("3", 95, "finance")

	c := &store.Campaign{Name: "Shred", Status: store.CampaignActive, OfferIDs: []string{weak.ID}}
	if err := env.store.CreateCampaign(ctx, c, nil); err != nil {
		t.Fatal(err)
	}
	if err := env.store.RecordResult(ctx, &store.Result{CampaignID: c.ID, Date: env.now.Add(-24 * time.Hour), Sent: 1000, Clicks: 120, Conversions: 0}); err != nil {
		t.Fatal(err)
	}
	a := env.agent(t, tasks.AgentPersonaWriter, "", tasks.AgentConfig{})
	task := env.task(t, a.ID, tasks.OfferSwitching, nil)

	output, err := env.executor().Execute(ctx, a.ID, task.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := decode[OfferSwitchingOutput](t, output)
	if out.OffersSwitched != 1 || out.Switches[0].RemovedOffer != weak.ID || out.Switches[0].AddedOffer != better.ID {
		t.Errorf("output = %+v", out)
	}
	got, err := env.store.GetCampaign(ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.OfferIDs) != 1 || got.OfferIDs[0] != better.ID {
		t.Errorf("offers = %v", got.OfferIDs)
	}
}

func TestCampaignTotals(t *testing.T) {
	tests := []struct {
		name  string
		t     CampaignTotals
		under bool
	}{
		{"healthy", CampaignTotals{Sent: 1000, Clicks: 100, Conversions: 5, Revenue: 250}, false},
		{"low ctr", CampaignTotals{Sent: 1000, Clicks: 10, Conversions: 5, Revenue: 250}, true},
		{"low revenue", CampaignTotals{Sent: 1000, Clicks: 100, Conversions: 5, Revenue: 99}, true},
		{"no traffic", CampaignTotals{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.t.Underperforming(); got != tt.under {
				t.Errorf("Underperforming() = %v, want %v", got, tt.under)
			}
		})
	}
}

func TestSplitSubject(t *testing.T) {
	tests := []struct {
		in, subject string
	}{
		{"Subject: Hello there\nBody", "Hello there"},
		{"subject:Quick one", "Quick one"},
		{"No header here", defaultSubject},
	}
	for _, tt := range tests {
		if got, _ := splitSubject(tt.in); got != tt.subject {
			t.Errorf("splitSubject(%q) = %q, want %q", tt.in, got, tt.subject)
		}
	}
}

func TestWebSearchDropsBlankLines(t *testing.T) {
	env := newEnv(t)
	env.llm.text = "best protein powder\n\n  gym recovery tips  \n\t\nsleep supplements\n"
	ctx := context.Background()
	p := env.persona(t, "Gym Goer")
	a := env.agent(t, tasks.AgentResearcher, p.ID, tasks.AgentConfig{})
	task := env.task(t, a.ID, tasks.WebSearch, nil)

	output, err := env.executor().Execute(ctx, a.ID, task.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := decode[WebSearchOutput](t, output)
	want := []string{"best protein powder", "gym recovery tips", "sleep supplements"}
	if strings.Join(out.Queries, "|") != strings.Join(want, "|") {
		t.Errorf("queries = %q, want %q", out.Queries, want)
	}
	if !out.Timestamp.Equal(env.now) {
		t.Errorf("timestamp = %v, want %v", out.Timestamp, env.now)
	}
	if !strings.Contains(env.llm.prompts[0], "Name: Gym Goer") {
		t.Errorf("prompt missing persona:\n%s", env.llm.prompts[0])
	}

	agent, err := env.store.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if agent.Metrics.LastTaskType != tasks.WebSearch || agent.Metrics.TasksCompleted != 1 {
		t.Errorf("metrics = %+v", agent.Metrics)
	}
}

func TestContentAnalysis(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	p := env.persona(t, "Gym Goer")
	a := env.agent(t, tasks.AgentResearcher, p.ID, tasks.AgentConfig{})

	empty := env.task(t, a.ID, tasks.ContentAnalysis, tasks.ContentAnalysisInput{})
	if _, err := env.executor().Execute(ctx, a.ID, empty.ID); err == nil {
		t.Fatal("expected error for empty url")
	}
	if got := env.reload(t, empty.ID); got.Status != tasks.StatusFailed || !strings.Contains(got.Error, "url") {
		t.Errorf("empty url task = %s %q", got.Status, got.Error)
	}

	task := env.task(t, a.ID, tasks.ContentAnalysis, tasks.ContentAnalysisInput{URL: "https://example.com/forum"})
	output, err := env.executor().Execute(ctx, a.ID, task.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := decode[ContentAnalysisOutput](t, output)
	if out.URL != "https://example.com/forum" || out.Analysis == nil || out.Analysis.Sentiment != "neutral" {
		t.Errorf("output = %+v", out)
	}
	if out.PageData.Title != "Page" || len(out.PageData.Emails) != 1 || out.PageData.Emails[0] != "hello@example.com" {
		t.Errorf("pageData = %+v", out.PageData)
	}
	if len(out.PageData.Phones) != 1 {
		t.Errorf("phones = %v", out.PageData.Phones)
	}
}

func TestOfferOptimizationRescoresOffers(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	p := env.persona(t, "Gym Goer")
	for _, interests := range [][]string{{"protein", "sleep"}, {"protein"}} {
		env.lead(t, &store.Lead{PersonaID: p.ID, Interests: interests})
	}
	low := &store.Offer{Source: "cj", SourceID: "1", Name: "Sleep Tea", CPS: 50, Categories: []string{"wellness"}}
	high := &store.Offer{Source: "cj", SourceID: "2", Name: "Whey Club", CPS: 80, Categories: []string{"fitness"}}
	for _, o := range []*store.Offer{low, high} {
		if err := env.store.UpsertOffer(ctx, o); err != nil {
			t.Fatal(err)
		}
	}
	env.llm.objects["customer interests"] = fmt.Sprintf(`{"recommendations": [
		{"offerId": %q, "score": 120, "reasoning": "matches sleep interest"},
		{"offerId": "missing", "score": 90, "reasoning": "unknown"}
	]}`, low.ID)
	a := env.agent(t, tasks.AgentOptimizer, p.ID, tasks.AgentConfig{})
	task := env.task(t, a.ID, tasks.OfferOptimization, nil)

	output, err := env.executor().Execute(ctx, a.ID, task.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := decode[OfferOptimizationOutput](t, output)
	if out.OffersOptimized != 1 || len(out.TopRecommendations) != 1 || out.TopRecommendations[0].Score != 100 {
		t.Errorf("output = %+v", out)
	}
	if !strings.Contains(env.llm.prompts[0], "- protein (2 mentions)") {
		t.Errorf("prompt interests:\n%s", env.llm.prompts[0])
	}

	got, err := env.store.GetOffer(ctx, low.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CPS != 100 || got.Meta["optimizationReasoning"] != "matches sleep interest" {
		t.Errorf("offer = cps %v meta %v", got.CPS, got.Meta)
	}
	if _, ok := got.Meta["lastOptimized"]; !ok {
		t.Errorf("meta missing lastOptimized: %v", got.Meta)
	}
	untouched, err := env.store.GetOffer(ctx, high.ID)
	if err != nil {
		t.Fatal(err)
	}
	if untouched.CPS != 80 {
		t.Errorf("unscored offer cps = %v, want 80", untouched.CPS)
	}
	agent, err := env.store.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if agent.Metrics.OptimizationsRun != 1 {
		t.Errorf("metrics = %+v", agent.Metrics)
	}
}

func TestSEOOptimizationStoresInsight(t *testing.T) {
	env := newEnv(t)
	env.llm.text = "Target questions like: which protein is best for recovery?"
	ctx := context.Background()
	p := env.persona(t, "Gym Goer")
	a := env.agent(t, tasks.AgentOptimizer, p.ID, tasks.AgentConfig{})
	task := env.task(t, a.ID, tasks.SEOOptimization, nil)

	output, err := env.executor().Execute(ctx, a.ID, task.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := decode[SEOOutput](t, output)
	if out.PersonaID != p.ID || out.SEORecommendations != env.llm.text {
		t.Errorf("output = %+v", out)
	}
	got, err := env.store.GetPersona(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.WebInsights["seoOptimization"] != env.llm.text {
		t.Errorf("insights = %v", got.WebInsights)
	}
}

func TestOfferScoringOldestFirst(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	var offers []*store.Offer
	for i := 0; i < 101; i++ {
		o := &store.Offer{Source: "cj", SourceID: fmt.Sprint(i), Name: fmt.Sprintf("Offer %d", i), CPS: 50}
		if err := env.store.UpsertOffer(ctx, o); err != nil {
			t.Fatal(err)
		}
		offers = append(offers, o)
		env.now = env.now.Add(time.Minute)
	}
	env.llm.objects["Conversion Potential Scores"] = fmt.Sprintf(`{"scores": [
		{"offerId": %q, "newCps": 90, "reasoning": "strong epc", "recommendAction": "promote"},
		{"offerId": %q, "newCps": 10, "reasoning": "dead", "recommendAction": "remove"},
		{"offerId": %q, "newCps": 55, "reasoning": "fine", "recommendAction": "boost"},
		{"offerId": %q, "newCps": 99, "reasoning": "newest", "recommendAction": "promote"}
	]}`, offers[0].ID, offers[1].ID, offers[2].ID, offers[100].ID)
	a := env.agent(t, tasks.AgentDealFinder, "", tasks.AgentConfig{})
	task := env.task(t, a.ID, tasks.OfferScoring, nil)

	output, err := env.executor().Execute(ctx, a.ID, task.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := decode[OfferScoringOutput](t, output)
	if out.OffersScored != 3 {
		t.Errorf("offersScored = %d, want 3", out.OffersScored)
	}
	want := map[string]int{"keep": 1, "remove": 1, "promote": 1}
	for k, v := range want {
		if out.Recommendations[k] != v {
			t.Errorf("recommendations = %v, want %v", out.Recommendations, want)
			break
		}
	}
	if out.AverageScore != 155.0/3 {
		t.Errorf("averageScore = %v, want %v", out.AverageScore, 155.0/3)
	}

	prompt := env.llm.prompts[0]
	if !strings.Contains(prompt, "ID: "+offers[19].ID) || strings.Contains(prompt, "ID: "+offers[20].ID) {
		t.Error("prompt should list the 20 least recently updated offers")
	}

	unknown, err := env.store.GetOffer(ctx, offers[2].ID)
	if err != nil {
		t.Fatal(err)
	}
	if unknown.Meta["recommendedAction"] != "keep" {
		t.Errorf("meta = %v, want recommendedAction keep", unknown.Meta)
	}
	newest, err := env.store.GetOffer(ctx, offers[100].ID)
	if err != nil {
		t.Fatal(err)
	}
	if newest.CPS != 50 {
		t.Errorf("offer outside the batch rescored to %v", newest.CPS)
	}
}

func TestPersonaGenerationSkipsExactNames(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	env.persona(t, "Gym Goer")
	alpha := &store.Offer{Source: "cj", SourceID: "1", Name: "Alpha", CPS: 90}
	beta := &store.Offer{Source: "cj", SourceID: "2", Name: "Beta", CPS: 80}
	weak := &store.Offer{Source: "cj", SourceID: "3", Name: "Gamma", CPS: 10}
	for _, o := range []*store.Offer{alpha, beta, weak} {
		if err := env.store.UpsertOffer(ctx, o); err != nil {
			t.Fatal(err)
		}
	}
	env.llm.objects["Offer: Alpha"] = `{"name": "Gym Goer", "description": "duplicate"}`
	env.llm.objects["Offer: Beta"] = `{
		"name": "gym goer",
		"description": "lifts before work",
		"hypotheses": ["wants faster recovery"],
		"signals": [{"signal": "pricing visit", "strength": "strong"}],
		"channels": ["email"]
	}`
	a := env.agent(t, tasks.AgentPersonaWriter, "", tasks.AgentConfig{})
	task := env.task(t, a.ID, tasks.PersonaGeneration, nil)

	output, err := env.executor().Execute(ctx, a.ID, task.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := decode[PersonaGenerationOutput](t, output)
	if out.PersonasCreated != 1 || out.OffersAnalyzed != 2 || len(out.PersonaIDs) != 1 {
		t.Fatalf("output = %+v", out)
	}
	if n, err := env.store.CountPersonas(ctx); err != nil || n != 2 {
		t.Errorf("CountPersonas = %d, %v; want 2", n, err)
	}

	p, err := env.store.GetPersona(ctx, out.PersonaIDs[0])
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "gym goer" || p.WebInsights["linkedOfferId"] != beta.ID {
		t.Errorf("persona = %s %v", p.Name, p.WebInsights)
	}
	if len(p.Hypotheses) != 1 || p.Hypotheses[0].Confidence != 0.5 {
		t.Errorf("hypotheses = %+v", p.Hypotheses)
	}
	if len(p.Signals) != 1 || p.Signals[0].Type != "buying" {
		t.Errorf("signals = %+v", p.Signals)
	}

	agent, err := env.store.GetAgent(ctx, a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if agent.Metrics.PersonasCreated != 1 {
		t.Errorf("metrics = %+v", agent.Metrics)
	}
}

func TestCampaignMonitoring(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	campaign := func(name string, status store.CampaignStatus) *store.Campaign {
		c := &store.Campaign{Name: name, Status: status}
		if err := env.store.CreateCampaign(ctx, c, nil); err != nil {
			t.Fatal(err)
		}
		return c
	}
	healthy := campaign("Healthy", store.CampaignActive)
	stale := campaign("Stale", store.CampaignActive)
	draft := campaign("Draft", store.CampaignDraft)

	results := []*store.Result{
		{CampaignID: healthy.ID, Date: env.now.Add(-24 * time.Hour), Sent: 1000, Clicks: 100, Conversions: 5, Revenue: 250},
		// Outside the two week window.
		{CampaignID: stale.ID, Date: env.now.Add(-20 * 24 * time.Hour), Sent: 1000, Clicks: 300, Conversions: 30, Revenue: 5000},
		{CampaignID: draft.ID, Date: env.now.Add(-time.Hour), Sent: 10},
	}
	for _, r := range results {
		if err := env.store.RecordResult(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	a := env.agent(t, tasks.AgentPersonaWriter, "", tasks.AgentConfig{})
	task := env.task(t, a.ID, tasks.CampaignMonitoring, nil)

	output, err := env.executor().Execute(ctx, a.ID, task.ID)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	out := decode[CampaignMonitoringOutput](t, output)
	if out.CampaignsMonitored != 2 || out.UnderperformingCampaigns != 1 || len(out.PerformanceAnalysis) != 2 {
		t.Fatalf("output = %+v", out)
	}
	first, second := out.PerformanceAnalysis[0], out.PerformanceAnalysis[1]
	if first.CampaignID != healthy.ID || first.IsUnderperforming || first.CTR != 0.1 || first.Metrics.Revenue != 250 {
		t.Errorf("healthy = %+v", first)
	}
	if second.CampaignID != stale.ID || !second.IsUnderperforming || second.Metrics.Sent != 0 {
		t.Errorf("stale = %+v", second)
	}
	if got := env.reload(t, task.ID).Status; got != tasks.StatusCompleted {
		t.Errorf("task status = %s", got)
	}
}
