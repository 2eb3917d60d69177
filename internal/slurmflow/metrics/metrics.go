package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const MetricPrefix = "slurmflow_"

// Metrics records orchestration activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	capacity          *prometheus.GaugeVec
	admissionDenied   *prometheus.CounterVec
	admissionWait     prometheus.Histogram
	submissions       *prometheus.CounterVec
	pollStatus        *prometheus.CounterVec
	jobsFinished      *prometheus.CounterVec
	zombiesDetected   prometheus.Counter
	runsRescheduled   prometheus.Counter
	sweepDuration     prometheus.Histogram
	schedulerFailures *prometheus.CounterVec
}

type SubmissionOutcome string

const (
	SubmissionNew      SubmissionOutcome = "new"
	SubmissionReused   SubmissionOutcome = "reused"
	SubmissionMemoized SubmissionOutcome = "memoized"
	SubmissionRejected SubmissionOutcome = "rejected"
)

func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		capacity: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricPrefix + "cluster_free_capacity",
			Help: "Free job slots below the incomplete job limit, by owner, at the last check",
		}, []string{"owner"}),
		admissionDenied: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "admission_denied_total",
			Help: "Number of invocations that gave up waiting for cluster capacity",
		}, []string{"owner"}),
		admissionWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricPrefix + "admission_wait_seconds",
			Help:    "Time spent waiting for cluster capacity",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
		submissions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "submissions_total",
			Help: "Job submission requests grouped by outcome",
		}, []string{"outcome"}),
		pollStatus: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "poll_results_total",
			Help: "Status observations made by the poll loop",
		}, []string{"status"}),
		jobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "jobs_finished_total",
			Help: "Cluster jobs observed reaching a terminal status",
		}, []string{"classification"}),
		zombiesDetected: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "zombies_detected_total",
			Help: "Cluster jobs whose owning run was found dead",
		}),
		runsRescheduled: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricPrefix + "runs_rescheduled_total",
			Help: "Top-level runs rescheduled by the zombie sweep",
		}),
		sweepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricPrefix + "zombie_sweep_seconds",
			Help:    "Duration of a zombie sweep",
			Buckets: prometheus.DefBuckets,
		}),
		schedulerFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricPrefix + "scheduler_errors_total",
			Help: "Failed calls to the cluster scheduler by operation",
		}, []string{"operation"}),
	}
}

func (m *Metrics) RecordCapacity(owner string, space int) {
	if m == nil {
		return
	}
	m.capacity.WithLabelValues(owner).Set(float64(space))
}

func (m *Metrics) RecordAdmissionDenied(owner string) {
	if m == nil {
		return
	}
	m.admissionDenied.WithLabelValues(owner).Inc()
}

func (m *Metrics) ObserveAdmissionWait(d time.Duration) {
	if m == nil {
		return
	}
	m.admissionWait.Observe(d.Seconds())
}

func (m *Metrics) RecordSubmission(outcome SubmissionOutcome) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) RecordPoll(status string) {
	if m == nil {
		return
	}
	m.pollStatus.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordJobFinished(classification string) {
	if m == nil {
		return
	}
	m.jobsFinished.WithLabelValues(classification).Inc()
}

func (m *Metrics) RecordZombie() {
	if m == nil {
		return
	}
	m.zombiesDetected.Inc()
}

func (m *Metrics) RecordReschedule() {
	if m == nil {
		return
	}
	m.runsRescheduled.Inc()
}

func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordSchedulerError(operation string) {
	if m == nil {
		return
	}
	m.schedulerFailures.WithLabelValues(operation).Inc()
}
