package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels successful operations.
	OutcomeSuccess = "success"
	// OutcomeError labels failed operations (remote, validation or storage issues).
	OutcomeError = "error"
	// OutcomeCancelled labels operations stopped by their caller.
	OutcomeCancelled = "cancelled"
)

var (
	investigationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_investigator",
			Name:      "investigations_total",
			Help:      "Total number of investigation cycles, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	investigationDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "mirador_investigator",
			Name:      "investigation_seconds",
			Help:      "Investigation cycle latency in seconds.",
			Buckets:   []float64{5, 15, 30, 60, 120, 240, 480, 900, 1800},
		},
	)

	pollTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_investigator",
			Name:      "poll_ticks_total",
			Help:      "Remote poll fetches, partitioned by resource and outcome.",
		},
		[]string{"resource", "outcome"},
	)

	findingsMaterializedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_investigator",
			Name:      "findings_materialized_total",
			Help:      "Agent findings turned into notebook paragraphs, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	hypothesisMergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mirador_investigator",
			Name:      "hypothesis_merges_total",
			Help:      "Hypothesis merges applied, partitioned by effective operation.",
		},
		[]string{"operation"},
	)
)

// Register attaches investigator collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		investigationsTotal,
		investigationDurationSeconds,
		pollTicksTotal,
		findingsMaterializedTotal,
		hypothesisMergesTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveInvestigation records an investigation duration and outcome label.
func ObserveInvestigation(duration time.Duration, outcome string) {
	investigationsTotal.WithLabelValues(normaliseOutcome(outcome)).Inc()
	if duration < 0 {
		duration = 0
	}
	investigationDurationSeconds.Observe(duration.Seconds())
}

// ObservePollTick counts one fetch against a polled resource.
func ObservePollTick(resource string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	pollTicksTotal.WithLabelValues(resource, outcome).Inc()
}

// ObserveFinding counts one materialisation attempt.
func ObserveFinding(err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	findingsMaterializedTotal.WithLabelValues(outcome).Inc()
}

// ObserveMerge counts one hypothesis merge by the operation actually applied.
func ObserveMerge(operation string) {
	hypothesisMergesTotal.WithLabelValues(operation).Inc()
}

func normaliseOutcome(outcome string) string {
	switch outcome {
	case OutcomeError, OutcomeCancelled:
		return outcome
	default:
		return OutcomeSuccess
	}
}
