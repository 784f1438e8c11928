package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report orchestrator activity.
// They register with the default registry and surface on the same /metrics
// endpoint as the OTel-bridged instruments.
type Metrics struct {
	waveDuration  *prometheus.HistogramVec
	phaseFailures *prometheus.CounterVec
	fixWaves      prometheus.Counter
	runsActive    prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when the orchestrator is instantiated
// multiple times (e.g. in unit tests or one-per-workspace runners).
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// The caller is responsible for supplying a fresh registry when unique metric
// names are required (for example in tests). Any registration error panics,
// which mirrors the semantics of promauto helpers and surfaces configuration
// bugs early.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	waveDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "routa",
			Subsystem: "orchestrator",
			Name:      "wave_duration_seconds",
			Help:      "Duration of one wave of crafter work plus verification.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)
	phaseFailures := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "routa",
			Subsystem: "orchestrator",
			Name:      "phase_failures_total",
			Help:      "Total number of orchestration phases that failed irrecoverably.",
		},
		[]string{"phase", "reason"},
	)
	fixWaves := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "routa",
			Subsystem: "orchestrator",
			Name:      "fix_waves_total",
			Help:      "Number of waves scheduled because verification rejected tasks.",
		},
	)
	runsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "routa",
			Subsystem: "orchestrator",
			Name:      "runs_active",
			Help:      "Number of orchestration runs currently executing.",
		},
	)

	collectors := []prometheus.Collector{waveDuration, phaseFailures, fixWaves, runsActive}
	for _, collector := range collectors {
		err := reg.Register(collector)
		if err == nil {
			continue
		}
		already, ok := err.(prometheus.AlreadyRegisteredError)
		if !ok {
			panic(err)
		}
		// Reuse the existing collector when one with the same name is
		// already registered.
		switch collector {
		case waveDuration:
			waveDuration = already.ExistingCollector.(*prometheus.HistogramVec)
		case phaseFailures:
			phaseFailures = already.ExistingCollector.(*prometheus.CounterVec)
		case fixWaves:
			fixWaves = already.ExistingCollector.(prometheus.Counter)
		case runsActive:
			runsActive = already.ExistingCollector.(prometheus.Gauge)
		}
	}

	return &Metrics{
		waveDuration:  waveDuration,
		phaseFailures: phaseFailures,
		fixWaves:      fixWaves,
		runsActive:    runsActive,
	}
}

// ObserveWaveDuration records the time one wave took with its outcome label.
func (m *Metrics) ObserveWaveDuration(status string, duration time.Duration) {
	if m == nil || m.waveDuration == nil {
		return
	}
	m.waveDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// IncPhaseFailure increments the failure counter for the given phase and reason.
func (m *Metrics) IncPhaseFailure(phase string, reason string) {
	if m == nil || m.phaseFailures == nil {
		return
	}
	m.phaseFailures.WithLabelValues(phase, reason).Inc()
}

// IncFixWaves counts a verification round that sent tasks back for rework.
func (m *Metrics) IncFixWaves() {
	if m == nil || m.fixWaves == nil {
		return
	}
	m.fixWaves.Inc()
}

// IncActiveRuns marks a run as started.
func (m *Metrics) IncActiveRuns() {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Inc()
}

// DecActiveRuns marks a run as finished, whatever its outcome.
func (m *Metrics) DecActiveRuns() {
	if m == nil || m.runsActive == nil {
		return
	}
	m.runsActive.Dec()
}
