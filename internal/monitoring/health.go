// Package monitoring evaluates liveness and readiness probes for the relay
// process and its gateway.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type ProbeStatus string

const (
	StatusUp       ProbeStatus = "up"
	StatusDown     ProbeStatus = "down"
	StatusDegraded ProbeStatus = "degraded"
)

const defaultProbeTimeout = 2 * time.Second

// ProbeResult is the outcome of one check.
type ProbeResult struct {
	Component string        `json:"component"`
	Status    ProbeStatus   `json:"status"`
	Details   string        `json:"details,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// HealthReport aggregates probe results. Status is the worst result seen.
type HealthReport struct {
	Success bool          `json:"success"`
	Status  ProbeStatus   `json:"status"`
	Checks  []ProbeResult `json:"checks"`
}

// Check is a named probe.
type Check struct {
	Name string
	Run  func(ctx context.Context) ProbeResult
}

func NewCheck(name string, fn func(ctx context.Context) ProbeResult) Check {
	return Check{Name: name, Run: fn}
}

// HealthManager runs registered probes concurrently, each bounded by a
// timeout.
type HealthManager struct {
	mu        sync.RWMutex
	liveness  []Check
	readiness []Check
	timeout   time.Duration
}

func NewHealthManager(timeout time.Duration) *HealthManager {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &HealthManager{timeout: timeout}
}

func (m *HealthManager) RegisterLiveness(check Check) {
	if check.Name == "" || check.Run == nil {
		return
	}
	m.mu.Lock()
	m.liveness = append(m.liveness, check)
	m.mu.Unlock()
}

func (m *HealthManager) RegisterReadiness(check Check) {
	if check.Name == "" || check.Run == nil {
		return
	}
	m.mu.Lock()
	m.readiness = append(m.readiness, check)
	m.mu.Unlock()
}

func (m *HealthManager) EvaluateLiveness(ctx context.Context) HealthReport {
	m.mu.RLock()
	checks := append([]Check(nil), m.liveness...)
	m.mu.RUnlock()
	return m.evaluate(ctx, checks)
}

func (m *HealthManager) EvaluateReadiness(ctx context.Context) HealthReport {
	m.mu.RLock()
	checks := append([]Check(nil), m.readiness...)
	m.mu.RUnlock()
	return m.evaluate(ctx, checks)
}

// Evaluate runs liveness and readiness probes into one report.
func (m *HealthManager) Evaluate(ctx context.Context) HealthReport {
	return MergeReports(m.EvaluateLiveness(ctx), m.EvaluateReadiness(ctx))
}

func (m *HealthManager) evaluate(ctx context.Context, checks []Check) HealthReport {
	results := make([]ProbeResult, len(checks))
	var wg sync.WaitGroup
	for i, check := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = m.run(ctx, check)
		}()
	}
	wg.Wait()
	return newReport(results)
}

func (m *HealthManager) run(ctx context.Context, check Check) ProbeResult {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan ProbeResult, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- ProbeResult{Status: StatusDown, Details: fmt.Sprintf("panic: %v", rec)}
			}
		}()
		done <- check.Run(ctx)
	}()

	var result ProbeResult
	select {
	case result = <-done:
	case <-ctx.Done():
		result = ResultFromError(check.Name, ctx.Err(), 0)
	}
	if result.Status == "" {
		result.Status = StatusDown
	}
	result.Component = check.Name
	result.Duration = time.Since(start)
	return result
}

func newReport(results []ProbeResult) HealthReport {
	report := HealthReport{Success: true, Status: StatusUp, Checks: results}
	if report.Checks == nil {
		report.Checks = []ProbeResult{}
	}
	for _, r := range results {
		report.Status = worst(report.Status, r.Status)
	}
	report.Success = report.Status == StatusUp
	return report
}

func worst(a, b ProbeStatus) ProbeStatus {
	switch {
	case a == StatusDown || b == StatusDown:
		return StatusDown
	case a == StatusDegraded || b == StatusDegraded:
		return StatusDegraded
	default:
		return StatusUp
	}
}

// MergeReports combines two reports.
func MergeReports(live, ready HealthReport) HealthReport {
	checks := append(append([]ProbeResult(nil), live.Checks...), ready.Checks...)
	return newReport(checks)
}

// ResultFromError maps err to a result. Timeouts and cancellation degrade
// rather than fail.
func ResultFromError(component string, err error, duration time.Duration) ProbeResult {
	if err == nil {
		return ProbeResult{Component: component, Status: StatusUp, Duration: duration}
	}
	status := StatusDown
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		status = StatusDegraded
	}
	return ProbeResult{Component: component, Status: status, Details: err.Error(), Duration: duration}
}
