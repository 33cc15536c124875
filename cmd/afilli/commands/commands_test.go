package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jakebbass/afilli/internal/config"
	"github.com/jakebbass/afilli/internal/store"
	"github.com/jakebbass/afilli/internal/tasks"
)

func TestDefaultConfigLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), config.ProjectConfigName)
	if err := os.WriteFile(path, []byte(defaultConfig), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		t.Fatalf("default config does not load: %v", err)
	}
	if cfg.Schedule.Interval != "1m" || cfg.Schedule.Cron != "" {
		t.Errorf("schedule = %+v", cfg.Schedule)
	}
	if cfg.LLM.Provider != "openrouter" || cfg.LLM.BaseURL != config.DefaultOpenRouter {
		t.Errorf("llm = %+v", cfg.LLM)
	}
}

func TestParseSettings(t *testing.T) {
	tests := []struct {
		input string
		want  float64
		extra string
		err   bool
	}{
		{"", 0, "", false},
		{`{"minCpsScore":65}`, 65, "", false},
		{`{"minCpsScore":70,"region":"eu"}`, 70, "region", false},
		{`{"minCpsScore":`, 0, "", true},
	}
	for _, tt := range tests {
		got, err := parseSettings(tt.input)
		if tt.err {
			if err == nil {
				t.Errorf("parseSettings(%q): want error, got nil", tt.input)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseSettings(%q): %v", tt.input, err)
			continue
		}
		if got.MinCPSScore != tt.want {
			t.Errorf("parseSettings(%q).MinCPSScore = %v, want %v", tt.input, got.MinCPSScore, tt.want)
		}
		if tt.extra != "" && got.Extra[tt.extra] == nil {
			t.Errorf("parseSettings(%q) dropped %q", tt.input, tt.extra)
		}
	}
}

const personaYAML = `personas:
  - name: Home Fitness Enthusiast
    description: Trains at home before work
    channels: [email, instagram]
    searchKeywords: [home gym, adjustable dumbbells]
    hypotheses:
      - statement: Buys after new year's resolutions
        confidence: 0.6
    signals:
      - type: keyword
        value: dumbbells
        weight: 0.8
  - name: "  Budget Traveler  "
    clvEst: 120.5
`

func TestParsePersonas(t *testing.T) {
	personas, err := parsePersonas(strings.NewReader(personaYAML))
	if err != nil {
		t.Fatalf("parsePersonas: %v", err)
	}
	if len(personas) != 2 {
		t.Fatalf("parsed %d personas, want 2", len(personas))
	}
	p := personas[0]
	if p.Name != "Home Fitness Enthusiast" || len(p.Channels) != 2 || len(p.SearchKeywords) != 2 {
		t.Errorf("first persona = %+v", p)
	}
	if len(p.Hypotheses) != 1 || p.Hypotheses[0].Confidence != 0.6 {
		t.Errorf("hypotheses = %+v", p.Hypotheses)
	}
	if len(p.Signals) != 1 || p.Signals[0].Weight != 0.8 {
		t.Errorf("signals = %+v", p.Signals)
	}
	if personas[1].Name != "Budget Traveler" || personas[1].CLVEst != 120.5 {
		t.Errorf("second persona = %+v", personas[1])
	}
}

func TestParsePersonasRejectsBadInput(t *testing.T) {
	tests := map[string]string{
		"missing name":  "personas:\n  - description: nameless\n",
		"confidence":    "personas:\n  - name: A\n    hypotheses:\n      - statement: s\n        confidence: 1.5\n",
		"signal weight": "personas:\n  - name: A\n    signals:\n      - type: keyword\n        value: v\n        weight: -1\n",
		"unknown field": "personas:\n  - name: A\n    budget: 10\n",
		"not a list":    "personas: nope\n",
	}
	for name, doc := range tests {
		if _, err := parsePersonas(strings.NewReader(doc)); err == nil {
			t.Errorf("%s: want error, got nil", name)
		}
	}
}

func TestImportPersonasSkipsExisting(t *testing.T) {
	cfg := &config.Config{Database: config.DatabaseConfig{Path: filepath.Join(t.TempDir(), "afilli.db")}}
	database, s, err := openStore(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() { _ = database.Close() }()
	ctx := context.Background()

	first, _ := parsePersonas(strings.NewReader(personaYAML))
	created, err := importPersonas(ctx, s, first)
	if err != nil || len(created) != 2 {
		t.Fatalf("first import = %d, %v; want 2", len(created), err)
	}

	again, _ := parsePersonas(strings.NewReader(personaYAML))
	created, err = importPersonas(ctx, s, again)
	if err != nil || len(created) != 0 {
		t.Fatalf("second import = %d, %v; want 0", len(created), err)
	}
	n, _ := s.CountPersonas(ctx)
	if n != 2 {
		t.Errorf("personas = %d, want 2", n)
	}
}

// execute runs the CLI against a config that points at a temp database.
func execute(t *testing.T, cfgPath string, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		configFlag = ""
	})
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("afilli %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestAgentCreateListAndStats(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "afilli.yaml")
	body := "database:\n  path: " + filepath.Join(dir, "afilli.db") + "\n"
	if err := os.WriteFile(cfgPath, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}

	out := execute(t, cfgPath, "agent", "create", "--name", "finder", "--type", "deal_finder", "--settings", `{"minCpsScore":65}`)
	if !strings.Contains(out, "created deal_finder agent finder") {
		t.Errorf("create output = %q", out)
	}

	out = execute(t, cfgPath, "agent", "list", "--json")
	var agents []store.Agent
	if err := json.Unmarshal([]byte(out), &agents); err != nil {
		t.Fatalf("list output is not JSON: %v\n%s", err, out)
	}
	if len(agents) != 1 || agents[0].Type != tasks.AgentDealFinder || agents[0].Config.MinCPSScore != 65 {
		t.Fatalf("agents = %+v", agents)
	}
	if agents[0].Status != tasks.AgentIdle {
		t.Errorf("status = %q, want idle", agents[0].Status)
	}

	out = execute(t, cfgPath, "agent", "stats", "--json")
	var counts store.AgentCounts
	if err := json.Unmarshal([]byte(out), &counts); err != nil {
		t.Fatalf("stats output is not JSON: %v\n%s", err, out)
	}
	if counts.Total != 1 || counts.ByType[tasks.AgentDealFinder] != 1 {
		t.Errorf("counts = %+v", counts)
	}

	out = execute(t, cfgPath, "agent", "metrics", agents[0].ID, "--json")
	var sum store.AgentSummary
	if err := json.Unmarshal([]byte(out), &sum); err != nil {
		t.Fatalf("metrics output is not JSON: %v\n%s", err, out)
	}
	if sum.TotalTasks != 0 || sum.SuccessRate != 0 {
		t.Errorf("summary = %+v", sum)
	}
}
