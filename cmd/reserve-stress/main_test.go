package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/service/httpapi"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("reserve-stress", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseConfig(t *testing.T) {
	cfg, err := parseConfig(newFlagSet(), []string{
		"-addr", "http://api:8080/",
		"-slot", "3",
		"-unit-key", "0-1",
		"-concurrency", "20",
		"-plan-type", "package",
	})
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	if cfg.addr != "http://api:8080" {
		t.Fatalf("trailing slash must be trimmed, got %q", cfg.addr)
	}
	if cfg.slotID != 3 || cfg.unitKey != "0-1" || cfg.concurrency != 20 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.planType != string(domain.PlanTypePackage) {
		t.Fatalf("unexpected plan type %q", cfg.planType)
	}

	bad := [][]string{
		{"-unit-key", "0-1"},
		{"-slot", "1"},
		{"-slot", "1", "-unit-key", "0-1", "-concurrency", "1"},
		{"-slot", "1", "-unit-key", "0-1", "-timeout", "0s"},
		{"-slot", "1", "-unit-key", "0-1", "-duration", "0"},
		{"-slot", "1", "-unit-key", "0-1", "-addr", " "},
	}
	for _, args := range bad {
		if _, err := parseConfig(newFlagSet(), args); err == nil {
			t.Fatalf("expected error for args %v", args)
		}
	}
}

func TestClassify(t *testing.T) {
	won := classify(http.StatusCreated, []byte(`{"unit_id":7,"order_id":42}`))
	if won.Outcome != outcomeWon || won.OrderID != 42 || won.UnitID != 7 {
		t.Fatalf("unexpected winner result: %+v", won)
	}

	cases := map[string]struct {
		status int
		body   string
		want   string
		code   string
	}{
		"locked":      {http.StatusConflict, `{"code":"unit_locked","message":"locked","retry_after_minutes":1}`, outcomeLocked, "unit_locked"},
		"occupied":    {http.StatusConflict, `{"code":"unit_occupied","message":"taken"}`, outcomeOccupied, "unit_occupied"},
		"validation":  {http.StatusBadRequest, `{"code":"invalid_content","message":"bad url"}`, outcomeError, "invalid_content"},
		"undecodable": {http.StatusBadGateway, `<html>`, outcomeError, "undecodable"},
		"broken 201":  {http.StatusCreated, `nope`, outcomeError, ""},
	}
	for name, tc := range cases {
		got := classify(tc.status, []byte(tc.body))
		if got.Outcome != tc.want || got.Code != tc.code {
			t.Fatalf("%s: got outcome=%s code=%s", name, got.Outcome, got.Code)
		}
	}
}

// lockingServer отдаёт 201 только первому запросу, остальным unit_locked.
func lockingServer(t *testing.T, winners int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/slots/5/units/1-2/reserve" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tkn" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body httpapi.ReserveBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content.ContactType != domain.ContactEmail {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		n := calls.Add(1)
		if n <= winners {
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(httpapi.ReserveResponse{UnitID: 12, OrderID: int64(100 + n)})
			return
		}
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(httpapi.ErrorBody{Code: "unit_locked", Message: "locked", RetryAfterMinutes: 1})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func stressConfig(addr string) config {
	return config{
		addr:        addr,
		slotID:      5,
		unitKey:     "1-2",
		concurrency: 16,
		timeout:     5 * time.Second,
		token:       "tkn",
		planType:    string(domain.PlanTypeCustom),
		duration:    1,
		imageURL:    "https://example.com/banner.png",
	}
}

func TestRun_SingleWinner(t *testing.T) {
	srv, calls := lockingServer(t, 1)

	result := run(context.Background(), srv.Client(), stressConfig(srv.URL))

	if got := calls.Load(); got != 16 {
		t.Fatalf("expected 16 requests, got %d", got)
	}
	if result.Outcomes[outcomeWon] != 1 || result.Outcomes[outcomeLocked] != 15 {
		t.Fatalf("unexpected outcomes: %+v", result.Outcomes)
	}
	if result.Violation {
		t.Fatal("single winner must not be reported as violation")
	}
	if result.Winner == nil || result.Winner.UnitID != 12 {
		t.Fatalf("unexpected winner: %+v", result.Winner)
	}
	if result.LatencyMs.Max < result.LatencyMs.Min {
		t.Fatalf("broken latency summary: %+v", result.LatencyMs)
	}
}

func TestRun_DetectsDoubleWinner(t *testing.T) {
	srv, _ := lockingServer(t, 2)

	result := run(context.Background(), srv.Client(), stressConfig(srv.URL))
	if !result.Violation || result.Outcomes[outcomeWon] != 2 {
		t.Fatalf("expected violation with two winners, got %+v", result.Outcomes)
	}
}

func TestRun_TransportErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	result := run(context.Background(), &http.Client{Timeout: time.Second}, stressConfig(addr))
	if result.Outcomes[outcomeError] != 16 || result.ErrorCodes["transport"] != 16 {
		t.Fatalf("expected transport errors, got %+v %+v", result.Outcomes, result.ErrorCodes)
	}
}

func TestUtilityFunctions(t *testing.T) {
	if got := percentile(nil, 50); got != 0 {
		t.Fatalf("percentile(nil) = %v", got)
	}
	if got := percentile([]float64{1, 2, 3, 4}, 50); got != 2.5 {
		t.Fatalf("percentile p50 = %v, want 2.5", got)
	}

	summary := buildLatencySummary([]float64{4, 1, 3, 2})
	if summary.Min != 1 || summary.Max != 4 || summary.Avg != 2.5 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if empty := buildLatencySummary(nil); empty != (latencySummary{}) {
		t.Fatalf("expected empty summary, got %+v", empty)
	}
}

func TestWriteJSONReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	in := summarize("run-1", time.Unix(0, 0), time.Second, []attemptResult{
		{Outcome: outcomeWon, Status: http.StatusCreated, OrderID: 1, Latency: 2},
		{Outcome: outcomeOccupied, Status: http.StatusConflict, Code: "unit_occupied", Latency: 1},
	})

	if err := writeJSONReport(path, in); err != nil {
		t.Fatalf("writeJSONReport: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var out report
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if out.RunID != "run-1" || out.Outcomes[outcomeOccupied] != 1 || out.Winner == nil || out.Winner.OrderID != 1 {
		t.Fatalf("unexpected report: %+v", out)
	}

	if err := writeJSONReport(filepath.Join(t.TempDir(), "missing", "r.json"), in); err == nil {
		t.Fatal("expected error for missing directory")
	}
}
