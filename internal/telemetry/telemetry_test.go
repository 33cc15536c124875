package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jakebbass/afilli/internal/orchestrator"
	"github.com/jakebbass/afilli/internal/tasks"
)

func TestObserveCountsEvents(t *testing.T) {
	m := NewMetrics()
	events := []orchestrator.Event{
		{Type: orchestrator.EventPassStart},
		{Type: orchestrator.EventTaskCreated, AgentType: tasks.AgentDealFinder, TaskType: tasks.OfferSync},
		{Type: orchestrator.EventTaskEnd, AgentType: tasks.AgentDealFinder, TaskType: tasks.OfferSync, Status: tasks.StatusCompleted, Duration: time.Second},
		{Type: orchestrator.EventTaskEnd, AgentType: tasks.AgentDealFinder, TaskType: tasks.OfferSync, Status: tasks.StatusFailed},
		{Type: orchestrator.EventTaskEnd, AgentType: tasks.AgentDealFinder, TaskType: tasks.OfferSync, Status: tasks.StatusCompleted},
		{Type: orchestrator.EventAgentError, AgentType: tasks.AgentOutreach},
		{Type: orchestrator.EventAgentSkipped, AgentType: tasks.AgentOutreach},
		{Type: orchestrator.EventPassEnd, Duration: 2 * time.Second},
	}
	for _, ev := range events {
		m.Observe(ev)
	}

	tests := []struct {
		name string
		got  float64
		want float64
	}{
		{"completed", testutil.ToFloat64(m.tasks.WithLabelValues("deal_finder", "offer_sync", "completed")), 2},
		{"failed", testutil.ToFloat64(m.tasks.WithLabelValues("deal_finder", "offer_sync", "failed")), 1},
		{"created", testutil.ToFloat64(m.created.WithLabelValues("deal_finder", "offer_sync")), 1},
		{"agent errors", testutil.ToFloat64(m.agentErrors.WithLabelValues("outreach")), 1},
		{"passes", testutil.ToFloat64(m.passes), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestServerRoutes(t *testing.T) {
	m := NewMetrics()
	m.Observe(orchestrator.Event{Type: orchestrator.EventPassEnd})
	s := NewServer("127.0.0.1:0", m)
	s.Handle("POST /webhooks/test", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "afilli_passes_total 1") {
		t.Errorf("metrics status %d body:\n%s", resp.StatusCode, body)
	}

	resp, err = http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/webhooks/test", "application/json", strings.NewReader("[]"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("webhook status = %d", resp.StatusCode)
	}
}

func TestServerStartShutdown(t *testing.T) {
	s := NewServer("127.0.0.1:0", NewMetrics())
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(ctx); err == nil {
		t.Error("second Start should fail")
	}
	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	resp.Body.Close()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if s.Addr() != "" {
		t.Error("Addr should be empty after Shutdown")
	}
}
