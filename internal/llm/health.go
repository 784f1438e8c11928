package llm

import (
	"sort"
	"sync"
	"time"

	routaerrors "routa/internal/errors"
)

// HealthState classifies a model endpoint.
type HealthState string

const (
	HealthStateHealthy  HealthState = "healthy"
	HealthStateDegraded HealthState = "degraded"
	HealthStateDown     HealthState = "down"
)

// LatencyStats holds percentile and average latency over the
// measurement window.
type LatencyStats struct {
	P50 time.Duration `json:"p50"`
	P95 time.Duration `json:"p95"`
	Avg time.Duration `json:"avg"`
}

// Health is a point-in-time snapshot for one model endpoint.
type Health struct {
	Model        string       `json:"model"`
	State        HealthState  `json:"state"`
	LastError    string       `json:"last_error,omitempty"`
	FailureCount int          `json:"failure_count"`
	LastChecked  time.Time    `json:"last_checked"`
	Latency      LatencyStats `json:"latency"`
}

const (
	healthWindow = 100

	// Error-rate thresholds used when no breaker is attached.
	errorRateHealthy  = 0.05
	errorRateDegraded = 0.20
)

type healthEntry struct {
	model   string
	breaker *routaerrors.CircuitBreaker

	latencies [healthWindow]time.Duration
	latCount  int
	latIdx    int

	// Rolling success/failure outcomes, true = error.
	outcomes     [healthWindow]bool
	outcomeCount int
	outcomeIdx   int

	lastError    string
	failureCount int
}

// HealthRegistry tracks per-model health from circuit breaker state
// and rolling latency/error windows fed by the retry client.
type HealthRegistry struct {
	mu      sync.RWMutex
	entries map[string]*healthEntry
}

func NewHealthRegistry() *HealthRegistry {
	return &HealthRegistry{entries: make(map[string]*healthEntry)}
}

// Register attaches a breaker to the model's entry. With no breaker
// the state is derived from the error rate alone.
func (hr *HealthRegistry) Register(model string, breaker *routaerrors.CircuitBreaker) {
	hr.mu.Lock()
	defer hr.mu.Unlock()
	e := hr.getOrCreate(model)
	e.breaker = breaker
}

// RecordLatency records one successful call.
func (hr *HealthRegistry) RecordLatency(model string, d time.Duration) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	e := hr.getOrCreate(model)
	e.latencies[e.latIdx] = d
	e.latIdx = (e.latIdx + 1) % healthWindow
	if e.latCount < healthWindow {
		e.latCount++
	}
	e.recordOutcome(false)
}

// RecordError records one failed call.
func (hr *HealthRegistry) RecordError(model string, err error) {
	hr.mu.Lock()
	defer hr.mu.Unlock()

	e := hr.getOrCreate(model)
	e.failureCount++
	if err != nil {
		e.lastError = err.Error()
	}
	e.recordOutcome(true)
}

// Get returns the snapshot for one model. Unknown models report
// healthy with empty stats.
func (hr *HealthRegistry) Get(model string) Health {
	hr.mu.RLock()
	defer hr.mu.RUnlock()

	e, ok := hr.entries[model]
	if !ok {
		return Health{Model: model, State: HealthStateHealthy, LastChecked: time.Now()}
	}
	return buildHealth(e)
}

// Snapshot returns all tracked models sorted by name.
func (hr *HealthRegistry) Snapshot() []Health {
	hr.mu.RLock()
	defer hr.mu.RUnlock()

	result := make([]Health, 0, len(hr.entries))
	for _, e := range hr.entries {
		result = append(result, buildHealth(e))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Model < result[j].Model })
	return result
}

func (hr *HealthRegistry) getOrCreate(model string) *healthEntry {
	if e, ok := hr.entries[model]; ok {
		return e
	}
	e := &healthEntry{model: model}
	hr.entries[model] = e
	return e
}

func (e *healthEntry) recordOutcome(failed bool) {
	e.outcomes[e.outcomeIdx] = failed
	e.outcomeIdx = (e.outcomeIdx + 1) % healthWindow
	if e.outcomeCount < healthWindow {
		e.outcomeCount++
	}
}

func buildHealth(e *healthEntry) Health {
	return Health{
		Model:        e.model,
		State:        deriveState(e),
		LastError:    e.lastError,
		FailureCount: e.failureCount,
		LastChecked:  time.Now(),
		Latency:      computeLatency(e),
	}
}

func deriveState(e *healthEntry) HealthState {
	if e.breaker != nil {
		switch e.breaker.State() {
		case routaerrors.StateClosed:
			return HealthStateHealthy
		case routaerrors.StateHalfOpen:
			return HealthStateDegraded
		case routaerrors.StateOpen:
			return HealthStateDown
		}
	}

	if e.outcomeCount == 0 {
		return HealthStateHealthy
	}
	failures := 0
	for i := 0; i < e.outcomeCount; i++ {
		if e.outcomes[i] {
			failures++
		}
	}
	rate := float64(failures) / float64(e.outcomeCount)
	switch {
	case rate > errorRateDegraded:
		return HealthStateDown
	case rate >= errorRateHealthy:
		return HealthStateDegraded
	default:
		return HealthStateHealthy
	}
}

func computeLatency(e *healthEntry) LatencyStats {
	if e.latCount == 0 {
		return LatencyStats{}
	}

	buf := make([]time.Duration, e.latCount)
	copy(buf, e.latencies[:e.latCount])
	sort.Slice(buf, func(i, j int) bool { return buf[i] < buf[j] })

	var sum time.Duration
	for _, d := range buf {
		sum += d
	}
	return LatencyStats{
		P50: percentile(buf, 0.50),
		P95: percentile(buf, 0.95),
		Avg: sum / time.Duration(len(buf)),
	}
}

// percentile indexes into a sorted slice, p in [0,1].
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
