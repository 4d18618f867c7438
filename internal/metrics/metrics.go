// Package metrics exposes Prometheus metrics for task orchestration.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/joescharf/apex/internal/models"
)

// Recorder holds the apex metrics.
//
// Metrics:
//   - apex_task_transitions_total{from,to} - task status changes
//   - apex_merges_total{outcome} - merge outcomes (success, conflict, failed, timeout)
//   - apex_merge_duration_seconds - time spent holding the main checkout for a merge
//   - apex_pushes_total{outcome} - push outcomes
//   - apex_worktrees_active{project} - live task worktrees per repository
type Recorder struct {
	TransitionsTotal *prometheus.CounterVec
	MergesTotal      *prometheus.CounterVec
	MergeDuration    prometheus.Histogram
	PushesTotal      *prometheus.CounterVec
	WorktreesActive  *prometheus.GaugeVec
}

// New registers the metrics with reg. Pass prometheus.DefaultRegisterer to
// expose them through promhttp.Handler.
func New(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		TransitionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apex_task_transitions_total",
				Help: "Total number of task status transitions",
			},
			[]string{"from", "to"},
		),
		MergesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apex_merges_total",
				Help: "Total number of task branch merges by outcome",
			},
			[]string{"outcome"},
		),
		MergeDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "apex_merge_duration_seconds",
				Help:    "Duration of task branch merges in seconds",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			},
		),
		PushesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apex_pushes_total",
				Help: "Total number of task branch pushes by outcome",
			},
			[]string{"outcome"},
		),
		WorktreesActive: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "apex_worktrees_active",
				Help: "Number of live task worktrees",
			},
			[]string{"project"},
		),
	}
}

func (r *Recorder) TaskTransition(from, to models.TaskStatus) {
	fromLabel := string(from)
	if fromLabel == "" {
		fromLabel = "none"
	}
	r.TransitionsTotal.WithLabelValues(fromLabel, string(to)).Inc()
}

func (r *Recorder) Merge(outcome string, d time.Duration) {
	r.MergesTotal.WithLabelValues(outcome).Inc()
	r.MergeDuration.Observe(d.Seconds())
}

func (r *Recorder) Push(outcome string) {
	r.PushesTotal.WithLabelValues(outcome).Inc()
}

func (r *Recorder) WorktreesActiveSet(project string, n int) {
	r.WorktreesActive.WithLabelValues(project).Set(float64(n))
}
