// Package health serves liveness and readiness endpoints.
//
// Every check runs in its own goroutine. A check flips to unhealthy after
// FailureThreshold consecutive failures and back after SuccessThreshold
// consecutive successes.
package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-faster/jx"
)

// Default thresholds applied when no CheckOption overrides them.
const (
	DefaultFailureThreshold = 3
	DefaultSuccessThreshold = 1
)

// CheckFunc is a health check function. It should return nil if the checked
// component is healthy, or an error describing the problem.
type CheckFunc func(ctx context.Context) error

// CheckOption configures a registered check.
type CheckOption func(*checkConfig)

// WithThresholds overrides the consecutive failure and success counts needed
// to flip a check. Non-positive values keep the defaults.
func WithThresholds(failure, success int) CheckOption {
	return func(c *checkConfig) {
		if failure > 0 {
			c.failureThreshold = failure
		}
		if success > 0 {
			c.successThreshold = success
		}
	}
}

// checkConfig holds the settings and runtime state of a single check.
//
// Concurrency model: run is called from exactly one goroutine, the check's
// ticker loop. The consecutive counters are touched only by run and need no
// synchronization. healthy and lastErr are read by the HTTP endpoints from
// arbitrary goroutines, so both are atomics.
type checkConfig struct {
	name             string
	timeout          time.Duration
	check            CheckFunc
	failureThreshold int
	successThreshold int

	// healthy is stored by run and loaded by the endpoints.
	healthy atomic.Bool
	// lastErr is the outcome of the latest run, nil on success. Stored by
	// run and loaded by the endpoints.
	lastErr atomic.Pointer[error]

	// Owned by the run goroutine.
	consecutiveFails int
	consecutiveOK    int
}

// isHealthy reports the current state of the check.
func (c *checkConfig) isHealthy() bool {
	return c.healthy.Load()
}

// getLastError returns the error of the latest run, or nil.
func (c *checkConfig) getLastError() error {
	if p := c.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// run executes the check once and applies the thresholds. It must only be
// called from the check's own goroutine.
func (c *checkConfig) run(ctx context.Context) {
	checkCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.check(checkCtx)
	c.lastErr.Store(&err)

	if err != nil {
		c.consecutiveOK = 0
		c.consecutiveFails++
		if c.consecutiveFails >= c.failureThreshold {
			c.healthy.Store(false)
		}
	} else {
		c.consecutiveFails = 0
		c.consecutiveOK++
		if c.consecutiveOK >= c.successThreshold {
			c.healthy.Store(true)
		}
	}
}

// Health manages liveness and readiness checks for a service.
type Health struct {
	ready atomic.Bool

	// mu guards the check slices and cancel. It is held only while
	// registering and inside Start and Stop. The endpoints copy the slices
	// under RLock and release it before reading check state, so locks never
	// nest.
	mu              sync.RWMutex
	livenessChecks  []*checkConfig
	readinessChecks []*checkConfig
	cancel          context.CancelFunc
}

// New creates a new Health instance. The service starts in a not-ready state;
// call SetReady(true) once the service has finished initialization.
func New() *Health {
	return &Health{}
}

func newCheck(name string, timeout time.Duration, check CheckFunc, opts []CheckOption) *checkConfig {
	c := &checkConfig{
		name:             name,
		timeout:          timeout,
		check:            check,
		failureThreshold: DefaultFailureThreshold,
		successThreshold: DefaultSuccessThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.healthy.Store(true) // healthy until proven otherwise
	return c
}

// AddLivenessCheck registers a liveness check. Liveness checks decide whether
// the process is still functioning or should be restarted, for example
// goroutine count or GC pause length.
func (h *Health) AddLivenessCheck(name string, timeout time.Duration, check CheckFunc, opts ...CheckOption) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.livenessChecks = append(h.livenessChecks, newCheck(name, timeout, check, opts))
}

// AddReadinessCheck registers a readiness check. Readiness checks decide
// whether the service should receive traffic, for example key store or
// Redis cache connectivity.
func (h *Health) AddReadinessCheck(name string, timeout time.Duration, check CheckFunc, opts ...CheckOption) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.readinessChecks = append(h.readinessChecks, newCheck(name, timeout, check, opts))
}

// Start runs every registered check at interval until Stop or ctx is done.
// Each check gets its own goroutine and runs once immediately. Calling Start
// again before Stop is a no-op, so checks registered after the first Start
// are not scheduled until the next Stop and Start.
func (h *Health) Start(ctx context.Context, interval time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		cancel()
		return
	}
	h.cancel = cancel
	checks := make([]*checkConfig, 0, len(h.livenessChecks)+len(h.readinessChecks))
	checks = append(checks, h.livenessChecks...)
	checks = append(checks, h.readinessChecks...)
	h.mu.Unlock()

	for _, c := range checks {
		go runCheck(ctx, c, interval)
	}
}

// runCheck executes c every interval until ctx is cancelled.
func runCheck(ctx context.Context, c *checkConfig, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.run(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.run(ctx)
		}
	}
}

// SetReady sets the manual readiness flag: true once wiring is done, false
// when draining before shutdown.
func (h *Health) SetReady(ready bool) {
	h.ready.Store(ready)
}

// IsReady reports whether the service should accept traffic: it has been
// marked ready with SetReady and every readiness check currently passes.
func (h *Health) IsReady() bool {
	if !h.ready.Load() {
		return false
	}

	h.mu.RLock()
	checks := h.readinessChecks
	h.mu.RUnlock()

	for _, c := range checks {
		if !c.isHealthy() {
			return false
		}
	}
	return true
}

// Stop cancels the check goroutines. It is safe to call more than once, and
// a later Start schedules the checks again.
func (h *Health) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}

// statusResponse is the body of both endpoints.
type statusResponse struct {
	Status string
	Checks map[string]string
}

func (r statusResponse) encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart("status")
	e.Str(r.Status)
	if len(r.Checks) > 0 {
		names := make([]string, 0, len(r.Checks))
		for name := range r.Checks {
			names = append(names, name)
		}
		sort.Strings(names)

		e.FieldStart("checks")
		e.ObjStart()
		for _, name := range names {
			e.FieldStart(name)
			e.Str(r.Checks[name])
		}
		e.ObjEnd()
	}
	e.ObjEnd()
}

// LiveEndpoint serves /livez: 200 when every liveness check passes, 503
// listing the failing checks otherwise.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	h.mu.RLock()
	checks := append([]*checkConfig(nil), h.livenessChecks...)
	h.mu.RUnlock()

	writeResponse(w, collectFailures(checks))
}

// ReadyEndpoint serves /readyz: 200 when the service is marked ready and
// every readiness check passes, 503 otherwise.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	ready := h.ready.Load()

	h.mu.RLock()
	checks := append([]*checkConfig(nil), h.readinessChecks...)
	h.mu.RUnlock()

	failures := collectFailures(checks)
	if !ready {
		failures["_readiness"] = "service is not ready"
	}
	writeResponse(w, failures)
}

// collectFailures reports the last error of every unhealthy check without
// re-running it.
func collectFailures(checks []*checkConfig) map[string]string {
	failures := make(map[string]string)
	for _, c := range checks {
		if c.isHealthy() {
			continue
		}
		if err := c.getLastError(); err != nil {
			failures[c.name] = err.Error()
		} else {
			failures[c.name] = "check is unhealthy"
		}
	}
	return failures
}

func writeResponse(w http.ResponseWriter, failures map[string]string) {
	resp := statusResponse{Status: "ok"}
	status := http.StatusOK
	if len(failures) > 0 {
		resp.Status = "unhealthy"
		resp.Checks = failures
		status = http.StatusServiceUnavailable
	}

	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	resp.encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(e.Bytes())
}
