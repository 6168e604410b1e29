// Package health собирает состояние хранилищ и фоновых контуров для /healthz и /readyz.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Status — состояние компонента или сервиса целиком.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

// Check — результат одной проверки.
type Check struct {
	Name       string `json:"name"`
	Status     Status `json:"status"`
	Critical   bool   `json:"critical"`
	Message    string `json:"message,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Response — тело /healthz.
type Response struct {
	Status        Status           `json:"status"`
	Timestamp     time.Time        `json:"timestamp"`
	Checks        map[string]Check `json:"checks,omitempty"`
	Version       string           `json:"version,omitempty"`
	UptimeSeconds int64            `json:"uptime_seconds"`
}

// Checker проверяет один компонент. ctx ограничивает время проверки.
type Checker interface {
	Check(ctx context.Context) Check
}

type registered struct {
	checker  Checker
	critical bool
}

// Handler отдаёт агрегированное состояние. Отказ критичного компонента
// (хранилище позиций, redis) делает сервис unhealthy, отказ остальных
// только degraded: продажа позиций при этом продолжается.
type Handler struct {
	mu        sync.RWMutex
	checkers  map[string]registered
	version   string
	timeout   time.Duration
	startTime time.Time
	logger    *log.Entry
	now       func() time.Time
}

// NewHandler создаёт обработчик без проверок.
func NewHandler(version string) *Handler {
	return &Handler{
		checkers:  make(map[string]registered),
		version:   version,
		timeout:   3 * time.Second,
		startTime: time.Now(),
		logger:    log.WithField("component", "health"),
		now:       time.Now,
	}
}

// Register добавляет критичную проверку.
func (h *Handler) Register(name string, checker Checker) {
	h.register(name, checker, true)
}

// RegisterOptional добавляет проверку, отказ которой только понижает статус до degraded.
func (h *Handler) RegisterOptional(name string, checker Checker) {
	h.register(name, checker, false)
}

func (h *Handler) register(name string, checker Checker, critical bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers[name] = registered{checker: checker, critical: critical}
}

// Report выполняет все проверки параллельно.
func (h *Handler) Report(ctx context.Context) Response {
	h.mu.RLock()
	snapshot := make(map[string]registered, len(h.checkers))
	for name, r := range h.checkers {
		snapshot[name] = r
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		checks = make(map[string]Check, len(snapshot))
	)
	for name, r := range snapshot {
		wg.Add(1)
		go func(name string, r registered) {
			defer wg.Done()
			check := r.checker.Check(ctx)
			check.Name = name
			check.Critical = r.critical
			if !r.critical && check.Status == StatusUnhealthy {
				check.Status = StatusDegraded
			}
			mu.Lock()
			checks[name] = check
			mu.Unlock()
		}(name, r)
	}
	wg.Wait()

	return Response{
		Status:        overall(checks),
		Timestamp:     h.now(),
		Checks:        checks,
		Version:       h.version,
		UptimeSeconds: int64(h.now().Sub(h.startTime).Seconds()),
	}
}

func overall(checks map[string]Check) Status {
	status := StatusHealthy
	for _, c := range checks {
		switch c.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded:
			status = StatusDegraded
		}
	}
	return status
}

// ServeHTTP отдаёт полный отчёт; 503 только для unhealthy.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := h.Report(r.Context())
	h.logFailures(resp)

	code := http.StatusOK
	if resp.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}

// ReadinessHandler отвечает 503, пока хотя бы одна критичная проверка падает.
func (h *Handler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	resp := h.Report(r.Context())
	if resp.Status == StatusUnhealthy {
		h.logFailures(resp)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (h *Handler) logFailures(resp Response) {
	names := make([]string, 0, len(resp.Checks))
	for name, c := range resp.Checks {
		if c.Status != StatusHealthy {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		c := resp.Checks[name]
		h.logger.WithFields(log.Fields{
			"check":    name,
			"status":   c.Status,
			"critical": c.Critical,
		}).Warn(c.Message)
	}
}

// LivenessHandler всегда отвечает 200: процесс жив, пока отвечает.
func LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// CheckFunc превращает функцию в критичную или нет проверку: ошибка даёт unhealthy.
type CheckFunc func(ctx context.Context) error

// Check выполняет функцию и замеряет время.
func (f CheckFunc) Check(ctx context.Context) Check {
	start := time.Now()
	check := Check{Status: StatusHealthy}
	if err := f(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	check.DurationMs = time.Since(start).Milliseconds()
	return check
}
