// Команда reserve-stress одновременно отправляет K запросов резервации одной
// позиции и проверяет, что победитель не больше одного.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/adslots/internal/domain"
	"github.com/vladislavdragonenkov/adslots/internal/service/httpapi"
)

// Исходы одной попытки.
const (
	outcomeWon      = "won"
	outcomeLocked   = "locked"
	outcomeOccupied = "occupied"
	outcomeError    = "error"
)

// exitViolation — код выхода, если позицию получили несколько покупателей.
const exitViolation = 2

type config struct {
	addr        string
	slotID      int64
	unitKey     string
	concurrency int
	timeout     time.Duration
	token       string
	planType    string
	duration    int
	colorKey    string
	imageURL    string
	text        string
	outputPath  string
}

type latencySummary struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
	Avg float64 `json:"avg"`
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

type report struct {
	RunID           string         `json:"run_id"`
	StartedAt       time.Time      `json:"started_at"`
	DurationSeconds float64        `json:"duration_seconds"`
	Attempts        int            `json:"attempts"`
	Outcomes        map[string]int `json:"outcomes"`
	ErrorCodes      map[string]int `json:"error_codes,omitempty"`
	Winner          *attemptResult `json:"winner,omitempty"`
	Violation       bool           `json:"violation"`
	LatencyMs       latencySummary `json:"latency_ms"`
}

type attemptResult struct {
	Outcome  string  `json:"outcome"`
	Status   int     `json:"status"`
	Code     string  `json:"code,omitempty"`
	OrderID  int64   `json:"order_id,omitempty"`
	UnitID   int64   `json:"unit_id,omitempty"`
	Latency  float64 `json:"-"`
	ErrorMsg string  `json:"error,omitempty"`
}

func parseConfig(fs *flag.FlagSet, args []string) (config, error) {
	var cfg config
	fs.StringVar(&cfg.addr, "addr", "http://localhost:8080", "HTTP API base address")
	fs.Int64Var(&cfg.slotID, "slot", 0, "slot id")
	fs.StringVar(&cfg.unitKey, "unit-key", "", "unit key, e.g. 0-1")
	fs.IntVar(&cfg.concurrency, "concurrency", 50, "number of simultaneous reserve calls")
	fs.DurationVar(&cfg.timeout, "timeout", 10*time.Second, "per-request timeout")
	fs.StringVar(&cfg.token, "token", "", "optional bearer JWT; empty means guest")
	fs.StringVar(&cfg.planType, "plan-type", string(domain.PlanTypeCustom), "plan type: package|custom")
	fs.IntVar(&cfg.duration, "duration", 1, "duration in months")
	fs.StringVar(&cfg.colorKey, "color-key", "", "color key for text slots")
	fs.StringVar(&cfg.imageURL, "image-url", "https://example.com/banner.png", "image url for image slots")
	fs.StringVar(&cfg.text, "text", "", "text content for text slots")
	fs.StringVar(&cfg.outputPath, "output", "", "optional JSON report output file path")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	cfg.addr = strings.TrimRight(strings.TrimSpace(cfg.addr), "/")
	switch {
	case cfg.addr == "":
		return config{}, errors.New("addr is required")
	case cfg.slotID <= 0:
		return config{}, errors.New("slot must be > 0")
	case strings.TrimSpace(cfg.unitKey) == "":
		return config{}, errors.New("unit-key is required")
	case cfg.concurrency <= 1:
		return config{}, errors.New("concurrency must be > 1")
	case cfg.timeout <= 0:
		return config{}, errors.New("timeout must be > 0")
	case cfg.duration <= 0:
		return config{}, errors.New("duration must be > 0")
	}
	return cfg, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := parseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	result := run(context.Background(), &http.Client{Timeout: cfg.timeout}, cfg)
	printReport(result)
	if cfg.outputPath != "" {
		if err := writeJSONReport(cfg.outputPath, result); err != nil {
			log.WithError(err).Fatal("failed to write report")
		}
	}
	if result.Violation {
		os.Exit(exitViolation)
	}
}

// run стартует все попытки одновременно через общий барьер.
func run(ctx context.Context, client *http.Client, cfg config) report {
	runID := uuid.NewString()
	url := fmt.Sprintf("%s/api/slots/%d/units/%s/reserve", cfg.addr, cfg.slotID, cfg.unitKey)

	results := make([]attemptResult, cfg.concurrency)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < cfg.concurrency; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := reserveBody(cfg, runID, i)
			<-start
			results[i] = attempt(ctx, client, url, cfg.token, body)
		}(i)
	}

	startedAt := time.Now()
	close(start)
	wg.Wait()
	return summarize(runID, startedAt, time.Since(startedAt), results)
}

func reserveBody(cfg config, runID string, n int) []byte {
	body := httpapi.ReserveBody{
		PlanType:       domain.PlanType(cfg.planType),
		DurationMonths: cfg.duration,
		ColorKey:       cfg.colorKey,
		Content: domain.UnitContent{
			CustomerName: fmt.Sprintf("stress-%d", n),
			WebsiteName:  "stress " + runID[:8],
			WebsiteURL:   "https://example.com/" + runID,
			ContactType:  domain.ContactEmail,
			ContactValue: fmt.Sprintf("stress+%d@example.com", n),
			ColorKey:     cfg.colorKey,
			ImageURL:     cfg.imageURL,
			TextContent:  cfg.text,
			TargetURL:    "https://example.com/landing",
		},
	}
	raw, _ := json.Marshal(body)
	return raw
}

func attempt(ctx context.Context, client *http.Client, url, token string, body []byte) attemptResult {
	started := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return attemptResult{Outcome: outcomeError, ErrorMsg: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return attemptResult{Outcome: outcomeError, ErrorMsg: err.Error(), Latency: elapsedMs(started)}
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	res := classify(resp.StatusCode, raw)
	res.Latency = elapsedMs(started)
	return res
}

func elapsedMs(started time.Time) float64 {
	return float64(time.Since(started).Microseconds()) / 1000.0
}

// classify разбирает ответ API в исход попытки.
func classify(status int, raw []byte) attemptResult {
	res := attemptResult{Status: status, Outcome: outcomeError}
	if status == http.StatusCreated {
		var ok httpapi.ReserveResponse
		if err := json.Unmarshal(raw, &ok); err != nil {
			res.ErrorMsg = fmt.Sprintf("decode reserve response: %v", err)
			return res
		}
		res.Outcome = outcomeWon
		res.OrderID = ok.OrderID
		res.UnitID = ok.UnitID
		return res
	}

	var body httpapi.ErrorBody
	if err := json.Unmarshal(raw, &body); err != nil {
		res.Code = "undecodable"
		return res
	}
	res.Code = body.Code
	switch body.Code {
	case "unit_locked":
		res.Outcome = outcomeLocked
	case "unit_occupied":
		res.Outcome = outcomeOccupied
	default:
		res.ErrorMsg = body.Message
	}
	return res
}

func summarize(runID string, startedAt time.Time, elapsed time.Duration, results []attemptResult) report {
	r := report{
		RunID:           runID,
		StartedAt:       startedAt.UTC(),
		DurationSeconds: elapsed.Seconds(),
		Attempts:        len(results),
		Outcomes:        map[string]int{outcomeWon: 0, outcomeLocked: 0, outcomeOccupied: 0, outcomeError: 0},
		ErrorCodes:      map[string]int{},
	}
	latencies := make([]float64, 0, len(results))
	for i := range results {
		res := results[i]
		r.Outcomes[res.Outcome]++
		latencies = append(latencies, res.Latency)
		if res.Outcome == outcomeError {
			code := res.Code
			if code == "" {
				code = "transport"
			}
			r.ErrorCodes[code]++
		}
		if res.Outcome == outcomeWon && r.Winner == nil {
			r.Winner = &results[i]
		}
	}
	r.Violation = r.Outcomes[outcomeWon] > 1
	r.LatencyMs = buildLatencySummary(latencies)
	return r
}

func printReport(r report) {
	entry := log.WithFields(log.Fields{
		"run_id":   r.RunID,
		"attempts": r.Attempts,
		"won":      r.Outcomes[outcomeWon],
		"locked":   r.Outcomes[outcomeLocked],
		"occupied": r.Outcomes[outcomeOccupied],
		"errors":   r.Outcomes[outcomeError],
		"p50_ms":   r.LatencyMs.P50,
		"p99_ms":   r.LatencyMs.P99,
	})
	if r.Winner != nil {
		entry = entry.WithFields(log.Fields{"order_id": r.Winner.OrderID, "unit_id": r.Winner.UnitID})
	}
	if r.Violation {
		entry.Error("more than one reservation succeeded for the same unit")
		return
	}
	entry.Info("reserve stress finished")
}

func writeJSONReport(path string, result report) error {
	raw, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return fmt.Errorf("write report: %w", err)
	}
	return nil
}

func buildLatencySummary(values []float64) latencySummary {
	if len(values) == 0 {
		return latencySummary{}
	}

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	var sum float64
	for _, value := range sorted {
		sum += value
	}

	return latencySummary{
		Min: sorted[0],
		Max: sorted[len(sorted)-1],
		Avg: sum / float64(len(sorted)),
		P50: percentile(sorted, 50),
		P95: percentile(sorted, 95),
		P99: percentile(sorted, 99),
	}
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p / 100.0) * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper {
		return sorted[lower]
	}
	weight := rank - float64(lower)
	return sorted[lower] + (sorted[upper]-sorted[lower])*weight
}
