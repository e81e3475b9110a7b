package jobmetrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs     *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
	periods  *prometheus.CounterVec
	pairErrs *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When
// the registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// AddPeriodsRefolded increments the refolded-period counter for one book.
func (m *Metrics) AddPeriodsRefolded(book string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.periods.WithLabelValues(book).Add(float64(count))
}

// AddPairError records an isolated per-entity failure inside a batch run.
func (m *Metrics) AddPairError(book string, branchID int64) {
	if m == nil {
		return
	}
	m.pairErrs.WithLabelValues(book, strconv.FormatInt(branchID, 10)).Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meridian_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	periods := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_refold_periods_total",
		Help: "Monthly periods refolded by the nightly batch, per book.",
	}, []string{"book"})
	pairErrs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "meridian_refold_pair_errors_total",
		Help: "Per-entity refold failures isolated during batch runs.",
	}, []string{"book", "branch"})
	registerer.MustRegister(runs, failures, duration, periods, pairErrs)
	return &Metrics{runs: runs, failures: failures, duration: duration, periods: periods, pairErrs: pairErrs}
}
