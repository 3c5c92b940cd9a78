// Package metrics instruments the KPI engine with Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result label values
const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultNoValue = "no_value"
	ResultMatch   = "match"
	ResultNoMatch = "no_match"
	ResultSkipped = "skipped"
)

// Collectors groups the engine metrics
type Collectors struct {
	ScheduledRuns        *prometheus.CounterVec
	ScheduledRunDuration *prometheus.HistogramVec
	Computations         *prometheus.CounterVec
	ColorRules           *prometheus.CounterVec
	ActiveKpis           prometheus.Gauge
	RegisteredJobs       prometheus.Gauge
}

// New registers the collectors on reg. A nil reg yields unregistered
// collectors, which tests use to avoid duplicate registration.
func New(reg prometheus.Registerer) *Collectors {
	factory := promauto.With(reg)

	return &Collectors{
		ScheduledRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpid_scheduled_runs_total",
				Help: "Total number of scheduled action executions",
			},
			[]string{"action", "result"},
		),
		ScheduledRunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kpid_scheduled_run_duration_seconds",
				Help:    "Scheduled action execution duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		Computations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpid_kpi_computations_total",
				Help: "Total number of KPI value computations",
			},
			[]string{"kpi", "kind", "result"},
		),
		ColorRules: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kpid_color_rule_evaluations_total",
				Help: "Total number of KPI color rule resolutions",
			},
			[]string{"kpi", "result"},
		),
		ActiveKpis: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kpid_active_kpis",
			Help: "Number of initialized KPIs",
		}),
		RegisteredJobs: factory.NewGauge(prometheus.GaugeOpts{
			Name: "kpid_registered_jobs",
			Help: "Number of registered jobs",
		}),
	}
}

// Nop returns collectors registered nowhere
func Nop() *Collectors {
	return New(nil)
}
