package services

import (
	"context"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"serialhub/pkg/contracts"
)

const checkTimeout = 2 * time.Second

// HealthChecker probes one dependency. A nil error means ready.
type HealthChecker func(ctx context.Context) error

// HealthService reports liveness and dependency readiness.
type HealthService struct {
	version   string
	startTime time.Time
	logger    *slog.Logger

	mu     sync.RWMutex
	checks map[string]HealthChecker
}

// HealthStatus is the body of the health endpoints.
type HealthStatus struct {
	Status    string                   `json:"status"`
	Timestamp time.Time                `json:"timestamp"`
	Version   string                   `json:"version"`
	Runtime   map[string]any           `json:"runtime,omitempty"`
	Services  map[string]ServiceHealth `json:"services,omitempty"`
}

// ServiceHealth is the result of one dependency check.
type ServiceHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

func NewHealthService(version string, logger *slog.Logger) *HealthService {
	if logger == nil {
		logger = slog.Default()
	}
	return &HealthService{
		version:   version,
		startTime: time.Now(),
		logger:    logger.With(slog.String("component", "health")),
		checks:    make(map[string]HealthChecker),
	}
}

// Register adds a named readiness check.
func (hs *HealthService) Register(name string, check HealthChecker) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.checks[name] = check
}

// LivenessCheck reports that the process is serving.
func (hs *HealthService) LivenessCheck(ctx context.Context) HealthStatus {
	return HealthStatus{
		Status:    "alive",
		Timestamp: time.Now().UTC(),
		Version:   hs.version,
		Runtime: map[string]any{
			"uptime_seconds": time.Since(hs.startTime).Seconds(),
			"go_version":     runtime.Version(),
			"goroutines":     runtime.NumGoroutine(),
		},
	}
}

// ReadinessCheck runs every registered check concurrently.
func (hs *HealthService) ReadinessCheck(ctx context.Context) HealthStatus {
	hs.mu.RLock()
	names := make([]string, 0, len(hs.checks))
	for name := range hs.checks {
		names = append(names, name)
	}
	hs.mu.RUnlock()
	sort.Strings(names)

	results := make([]ServiceHealth, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		hs.mu.RLock()
		check := hs.checks[name]
		hs.mu.RUnlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = hs.run(ctx, name, check)
		}()
	}
	wg.Wait()

	status := HealthStatus{
		Status:    "ready",
		Timestamp: time.Now().UTC(),
		Version:   hs.version,
		Services:  make(map[string]ServiceHealth, len(names)),
	}
	for i, name := range names {
		status.Services[name] = results[i]
		if results[i].Status != "ready" {
			status.Status = "not_ready"
		}
	}
	return status
}

func (hs *HealthService) run(ctx context.Context, name string, check HealthChecker) ServiceHealth {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := check(ctx)
	latency := time.Since(start)
	if err != nil {
		hs.logger.WarnContext(ctx, "readiness check failed",
			slog.String("check", name),
			slog.String("error", err.Error()))
		return ServiceHealth{Status: "not_ready", Message: err.Error(), Latency: latency.String()}
	}
	return ServiceHealth{Status: "ready", Latency: latency.String()}
}

// Version returns build and runtime information.
func (hs *HealthService) Version() map[string]any {
	info := contracts.GetVersionInfo()
	return map[string]any{
		"version":       hs.version,
		"api_version":   info.APIVersion,
		"serial_format": info.SerialFormat,
		"go_version":    info.GoVersion,
		"os":            info.OS,
		"arch":          info.Architecture,
		"start_time":    hs.startTime.UTC().Format(time.RFC3339),
	}
}
