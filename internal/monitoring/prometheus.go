package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/momentumfirm/finhub/internal/model"
)

// Recorder exposes engine and export telemetry as Prometheus series on
// a private registry. It satisfies the derivation engine's and the
// export manager's observer interfaces; all methods are safe for
// concurrent use.
type Recorder struct {
	registry *prometheus.Registry

	factsIngested prometheus.Counter
	evaluations   *prometheus.CounterVec
	evalDuration  prometheus.Histogram
	jobsCreated   prometheus.Counter
	jobsFinished  *prometheus.CounterVec
	jobsReaped    prometheus.Counter
	jobDuration   *prometheus.HistogramVec
	queueDepth    prometheus.Gauge
}

// NewRecorder builds a recorder with its own registry, including the Go
// runtime and process collectors.
func NewRecorder() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	f := promauto.With(reg)
	return &Recorder{
		registry: reg,
		factsIngested: f.NewCounter(prometheus.CounterOpts{
			Name: "finhub_facts_ingested_total",
			Help: "Facts published into snapshots",
		}),
		// Metric keys stay out of the label set; catalogs are
		// user-extensible.
		evaluations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "finhub_evaluations_total",
			Help: "Metric evaluations by cache outcome",
		}, []string{"cache"}),
		evalDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "finhub_evaluate_duration_seconds",
			Help:    "Time to evaluate one metric",
			Buckets: prometheus.DefBuckets,
		}),
		jobsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "finhub_export_jobs_created_total",
			Help: "Export jobs accepted into the queue",
		}),
		jobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "finhub_export_jobs_finished_total",
			Help: "Export jobs reaching a terminal status",
		}, []string{"status"}),
		jobsReaped: f.NewCounter(prometheus.CounterOpts{
			Name: "finhub_export_jobs_reaped_total",
			Help: "Export jobs failed by the timeout reaper",
		}),
		jobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "finhub_export_job_duration_seconds",
			Help:    "Time from claim to terminal status",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"status"}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "finhub_export_queue_depth",
			Help: "Export jobs currently queued",
		}),
	}
}

// Handler serves the recorder's registry in Prometheus exposition
// format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// FactsIngested records n facts published in one snapshot.
func (r *Recorder) FactsIngested(n int) {
	r.factsIngested.Add(float64(n))
}

// EvaluationDone records one engine evaluation.
func (r *Recorder) EvaluationDone(_ string, cached bool, d time.Duration) {
	outcome := "miss"
	if cached {
		outcome = "hit"
	}
	r.evaluations.WithLabelValues(outcome).Inc()
	r.evalDuration.Observe(d.Seconds())
}

// JobCreated records one export job accepted into the queue.
func (r *Recorder) JobCreated() {
	r.jobsCreated.Inc()
}

// JobFinished records one export job reaching a terminal status.
func (r *Recorder) JobFinished(status model.JobStatus, d time.Duration) {
	r.jobsFinished.WithLabelValues(string(status)).Inc()
	r.jobDuration.WithLabelValues(string(status)).Observe(d.Seconds())
}

// JobsReaped records jobs failed by the timeout reaper.
func (r *Recorder) JobsReaped(n int) {
	r.jobsReaped.Add(float64(n))
}

// QueueDepth records the current number of queued export jobs.
func (r *Recorder) QueueDepth(n int) {
	r.queueDepth.Set(float64(n))
}
