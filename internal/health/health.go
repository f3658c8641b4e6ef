// Package health provides liveness and readiness probes for vigild.
//
// Components register named checks with a Checker and the daemon serves
// the aggregate over HTTP next to the metrics endpoint. A failing
// critical component (storage, keys) makes the daemon unready, while a
// non-critical one (broker connectivity, disk headroom) only degrades
// the reported status.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"sync"
	"time"
)

// Status represents the health status of a component.
type Status string

const (
	// StatusHealthy indicates the component is healthy.
	StatusHealthy Status = "healthy"
	// StatusDegraded indicates the component is degraded but functional.
	StatusDegraded Status = "degraded"
	// StatusUnhealthy indicates the component is unhealthy.
	StatusUnhealthy Status = "unhealthy"
	// StatusUnknown indicates the component status is unknown.
	StatusUnknown Status = "unknown"
)

// CheckResult represents the result of a health check.
type CheckResult struct {
	Status      Status                 `json:"status"`
	Message     string                 `json:"message,omitempty"`
	Details     map[string]interface{} `json:"details,omitempty"`
	LastChecked time.Time              `json:"last_checked"`
	Duration    time.Duration          `json:"duration_ns"`
	Error       string                 `json:"error,omitempty"`
}

// Check is a function that performs a health check.
type Check func(ctx context.Context) CheckResult

// Component represents a health-checkable component.
type Component struct {
	Name     string
	Critical bool // If true, failure makes overall status unhealthy
	Check    Check
	Timeout  time.Duration
}

// Checker manages health checks.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]CheckResult
	startTime  time.Time
	ready      bool
}

// NewChecker creates a new Checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]CheckResult),
		startTime:  time.Now(),
		ready:      false,
	}
}

// Register registers a health check component.
func (c *Checker) Register(component *Component) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if component.Timeout == 0 {
		component.Timeout = 5 * time.Second
	}

	c.components[component.Name] = component
	c.results[component.Name] = CheckResult{
		Status:      StatusUnknown,
		LastChecked: time.Time{},
	}
}

// RegisterFunc registers a simple health check function.
func (c *Checker) RegisterFunc(name string, critical bool, check Check) {
	c.Register(&Component{
		Name:     name,
		Critical: critical,
		Check:    check,
		Timeout:  5 * time.Second,
	})
}

// Unregister removes a health check component.
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.components, name)
	delete(c.results, name)
}

// SetReady sets the readiness state. The daemon flips this once storage,
// keys, and the monitor pipeline are up, and clears it during shutdown.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// IsReady returns the readiness state.
func (c *Checker) IsReady() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Check runs all registered health checks concurrently.
func (c *Checker) Check(ctx context.Context) map[string]CheckResult {
	c.mu.RLock()
	components := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		components = append(components, comp)
	}
	c.mu.RUnlock()

	results := make(map[string]CheckResult)
	var (
		wg sync.WaitGroup
		rm sync.Mutex
	)

	for _, comp := range components {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()

			start := time.Now()
			result := c.runCheck(ctx, comp)
			result.LastChecked = start
			result.Duration = time.Since(start)

			c.mu.Lock()
			c.results[comp.Name] = result
			c.mu.Unlock()

			rm.Lock()
			results[comp.Name] = result
			rm.Unlock()
		}(comp)
	}

	wg.Wait()
	return results
}

// runCheck executes a single check with timeout and panic containment.
func (c *Checker) runCheck(ctx context.Context, comp *Component) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	resultCh := make(chan CheckResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- CheckResult{
					Status:  StatusUnhealthy,
					Message: "check panicked",
					Error:   fmt.Sprintf("%v", r),
				}
			}
		}()
		resultCh <- comp.Check(checkCtx)
	}()

	select {
	case result := <-resultCh:
		return result
	case <-checkCtx.Done():
		return CheckResult{
			Status:  StatusUnhealthy,
			Message: "check timed out",
			Error:   checkCtx.Err().Error(),
		}
	}
}

// CheckComponent runs a single component's health check.
func (c *Checker) CheckComponent(ctx context.Context, name string) (CheckResult, bool) {
	c.mu.RLock()
	comp, ok := c.components[name]
	c.mu.RUnlock()

	if !ok {
		return CheckResult{}, false
	}

	start := time.Now()
	result := c.runCheck(ctx, comp)
	result.LastChecked = start
	result.Duration = time.Since(start)

	c.mu.Lock()
	c.results[name] = result
	c.mu.Unlock()

	return result, true
}

// GetResult returns the last result for a component.
func (c *Checker) GetResult(name string) (CheckResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result, ok := c.results[name]
	return result, ok
}

// GetResults returns all last results.
func (c *Checker) GetResults() map[string]CheckResult {
	c.mu.RLock()
	defer c.mu.RUnlock()

	results := make(map[string]CheckResult, len(c.results))
	for k, v := range c.results {
		results[k] = v
	}
	return results
}

// OverallStatus returns the aggregated health status.
func (c *Checker) OverallStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	hasUnknown := false
	hasDegraded := false

	for name, result := range c.results {
		comp := c.components[name]
		if comp == nil {
			continue
		}

		switch result.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			hasDegraded = true
		case StatusDegraded:
			hasDegraded = true
		case StatusUnknown:
			if comp.Critical {
				hasUnknown = true
			}
		}
	}

	if hasUnknown {
		return StatusUnknown
	}
	if hasDegraded {
		return StatusDegraded
	}
	return StatusHealthy
}

// HealthResponse is the response format for health endpoints.
type HealthResponse struct {
	Status     Status                 `json:"status"`
	Ready      bool                   `json:"ready"`
	Uptime     string                 `json:"uptime"`
	Components map[string]CheckResult `json:"components,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// HealthResponse returns the full health response.
func (c *Checker) HealthResponse(ctx context.Context, includeComponents bool) HealthResponse {
	var components map[string]CheckResult
	if includeComponents {
		components = c.Check(ctx)
	}

	c.mu.RLock()
	ready := c.ready
	uptime := time.Since(c.startTime)
	c.mu.RUnlock()

	return HealthResponse{
		Status:     c.OverallStatus(),
		Ready:      ready,
		Uptime:     uptime.String(),
		Components: components,
		Timestamp:  time.Now(),
	}
}

// LivenessHandler returns an HTTP handler for liveness probes.
func (c *Checker) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Liveness just checks if the process is running
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	})
}

// ReadinessHandler returns an HTTP handler for readiness probes.
func (c *Checker) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if !c.IsReady() {
			w.WriteHeader(http.StatusServiceUnavailable)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"status":    "not ready",
				"timestamp": time.Now(),
			})
			return
		}

		status := c.OverallStatus()
		if status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":    status,
			"ready":     true,
			"timestamp": time.Now(),
		})
	})
}

// HealthHandler returns an HTTP handler for detailed health checks.
func (c *Checker) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		includeComponents := r.URL.Query().Get("full") == "true"
		response := c.HealthResponse(r.Context(), includeComponents)

		switch response.Status {
		case StatusHealthy:
			w.WriteHeader(http.StatusOK)
		case StatusDegraded:
			w.WriteHeader(http.StatusOK) // Still OK, just degraded
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		json.NewEncoder(w).Encode(response)
	})
}

// Checks wired by the daemon.

// DatabaseCheck returns a health check for archive storage connectivity.
func DatabaseCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) CheckResult {
		if err := ping(ctx); err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "storage unreachable",
				Error:   err.Error(),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "storage reachable",
		}
	}
}

// IntegrityCheck reports whether the archive verification chain is
// intact. A mismatch degrades rather than fails: the daemon keeps
// recording while flagging that stored records no longer verify.
func IntegrityCheck(ok func() bool) Check {
	return func(ctx context.Context) CheckResult {
		if !ok() {
			return CheckResult{
				Status:  StatusDegraded,
				Message: "record verification mismatch detected",
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "verification chain intact",
		}
	}
}

// EventBusCheck reports event bus throughput and drops.
func EventBusCheck(stats func() (published, dropped uint64, subscribers int)) Check {
	return func(ctx context.Context) CheckResult {
		published, dropped, subscribers := stats()
		details := map[string]interface{}{
			"published":   published,
			"dropped":     dropped,
			"subscribers": subscribers,
		}
		switch {
		case subscribers == 0:
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "no subscribers attached",
				Details: details,
			}
		case dropped > 0:
			return CheckResult{
				Status:  StatusDegraded,
				Message: fmt.Sprintf("%d events dropped", dropped),
				Details: details,
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "bus flowing",
			Details: details,
		}
	}
}

// NotifierCheck reports alert transport connectivity. A disconnected
// transport degrades rather than fails while alerts still fit in the
// reconnect buffer.
func NotifierCheck(connected func() bool, buffered func() int, bufferCap int) Check {
	return func(ctx context.Context) CheckResult {
		n := buffered()
		details := map[string]interface{}{
			"buffered":   n,
			"buffer_cap": bufferCap,
		}
		if connected() {
			return CheckResult{
				Status:  StatusHealthy,
				Message: "transport connected",
				Details: details,
			}
		}
		if bufferCap > 0 && n >= bufferCap {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "transport down and buffer full",
				Details: details,
			}
		}
		return CheckResult{
			Status:  StatusDegraded,
			Message: "transport down, buffering alerts",
			Details: details,
		}
	}
}

// DiskSpaceCheck returns a health check for free space on the volume
// holding path.
func DiskSpaceCheck(path string, minFreeBytes uint64) Check {
	return func(ctx context.Context) CheckResult {
		free, err := diskFreeBytes(path)
		if err != nil {
			return CheckResult{
				Status:  StatusUnknown,
				Message: "disk space unavailable",
				Error:   err.Error(),
			}
		}
		details := map[string]interface{}{
			"path":           path,
			"free_bytes":     free,
			"min_free_bytes": minFreeBytes,
		}
		switch {
		case free < minFreeBytes:
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "disk space below minimum",
				Details: details,
			}
		case free < 2*minFreeBytes:
			return CheckResult{
				Status:  StatusDegraded,
				Message: "disk space running low",
				Details: details,
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "disk space ok",
			Details: details,
		}
	}
}

// MemoryCheck returns a health check reporting heap usage against a
// soft ceiling. Zero means no ceiling.
func MemoryCheck(maxHeapBytes uint64) Check {
	return func(ctx context.Context) CheckResult {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		details := map[string]interface{}{
			"heap_alloc": ms.HeapAlloc,
			"heap_sys":   ms.HeapSys,
			"num_gc":     ms.NumGC,
		}
		if maxHeapBytes > 0 && ms.HeapAlloc > maxHeapBytes {
			return CheckResult{
				Status:  StatusDegraded,
				Message: "heap above soft ceiling",
				Details: details,
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "memory ok",
			Details: details,
		}
	}
}

// FileExistsCheck returns a health check that a required file is
// present, e.g. the master secret.
func FileExistsCheck(path string) Check {
	return func(ctx context.Context) CheckResult {
		info, err := os.Stat(path)
		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "required file missing",
				Details: map[string]interface{}{"path": path},
				Error:   err.Error(),
			}
		}
		if info.IsDir() {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "expected a file, found a directory",
				Details: map[string]interface{}{"path": path},
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Details: map[string]interface{}{"path": path, "size_bytes": info.Size()},
		}
	}
}

// CustomCheck creates a check from a simple function.
func CustomCheck(fn func() error) Check {
	return func(ctx context.Context) CheckResult {
		err := fn()
		if err != nil {
			return CheckResult{
				Status:  StatusUnhealthy,
				Message: "check failed",
				Error:   err.Error(),
			}
		}
		return CheckResult{
			Status:  StatusHealthy,
			Message: "check passed",
		}
	}
}

// Global health checker.
var (
	globalChecker     *Checker
	globalCheckerOnce sync.Once
)

// Default returns the default global health checker.
func Default() *Checker {
	globalCheckerOnce.Do(func() {
		globalChecker = NewChecker()
	})
	return globalChecker
}

// SetDefault sets the default global health checker.
func SetDefault(c *Checker) {
	globalChecker = c
}

// Convenience functions for the default checker.

// Register registers a component with the default checker.
func Register(component *Component) {
	Default().Register(component)
}

// RegisterFunc registers a check function with the default checker.
func RegisterFunc(name string, critical bool, check Check) {
	Default().RegisterFunc(name, critical, check)
}

// SetReady sets the readiness state of the default checker.
func SetReady(ready bool) {
	Default().SetReady(ready)
}

// IsReady returns the readiness state of the default checker.
func IsReady() bool {
	return Default().IsReady()
}
