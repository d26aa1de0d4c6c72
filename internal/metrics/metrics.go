// Package metrics holds the Prometheus collectors exported by cubesched.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	unitsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cubesched_units_submitted_total",
			Help: "Work units accepted by the scheduler.",
		},
		[]string{"kind"},
	)

	attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cubesched_attempts_total",
			Help: "External process invocations started.",
		},
		[]string{"kind"},
	)

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cubesched_retries_total",
			Help: "Attempts that ended in a transient failure and were scheduled again.",
		},
		[]string{"kind"},
	)

	resultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cubesched_results_total",
			Help: "Terminal work unit results by status and failure category.",
		},
		[]string{"kind", "status", "category"},
	)

	attemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cubesched_attempt_duration_seconds",
			Help:    "Wall-clock duration of one invocation.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 16),
		},
		[]string{"kind"},
	)

	runningUnits = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cubesched_running_units",
			Help: "Invocations currently running, per worker.",
		},
		[]string{"worker"},
	)

	workerCoresInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cubesched_worker_cores_in_use",
			Help: "Cores reserved on each worker.",
		},
		[]string{"worker"},
	)

	workerMemoryInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cubesched_worker_memory_in_use_bytes",
			Help: "Memory reserved on each worker.",
		},
		[]string{"worker"},
	)

	artifactsDeleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cubesched_artifacts_deleted_total",
			Help: "Intermediate artifacts deleted after their last consumer released them.",
		},
	)

	bytesReclaimed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cubesched_bytes_reclaimed_total",
			Help: "Disk space reclaimed by deleting intermediate artifacts.",
		},
	)

	statusRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cubesched_status_requests_total",
			Help: "Requests served by the status server, by route pattern and status code.",
		},
		[]string{"route", "code"},
	)

	planesWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cubesched_cube_planes_written_total",
			Help: "Channel planes folded into assembled cubes.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		unitsSubmitted,
		attemptsTotal,
		retriesTotal,
		resultsTotal,
		attemptDuration,
		runningUnits,
		workerCoresInUse,
		workerMemoryInUse,
		artifactsDeleted,
		bytesReclaimed,
		planesWritten,
		statusRequests,
	)
}

// UnitSubmitted counts one accepted unit.
func UnitSubmitted(kind string) { unitsSubmitted.WithLabelValues(kind).Inc() }

// AttemptStarted records a dispatch onto worker.
func AttemptStarted(kind, worker string, cores int, memory uint64) {
	attemptsTotal.WithLabelValues(kind).Inc()
	runningUnits.WithLabelValues(worker).Inc()
	workerCoresInUse.WithLabelValues(worker).Add(float64(cores))
	workerMemoryInUse.WithLabelValues(worker).Add(float64(memory))
}

// AttemptFinished releases what AttemptStarted reserved.
func AttemptFinished(kind, worker string, cores int, memory uint64, d time.Duration) {
	runningUnits.WithLabelValues(worker).Dec()
	workerCoresInUse.WithLabelValues(worker).Sub(float64(cores))
	workerMemoryInUse.WithLabelValues(worker).Sub(float64(memory))
	attemptDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// Retried counts an attempt that will be run again.
func Retried(kind string) { retriesTotal.WithLabelValues(kind).Inc() }

// Resolved counts a terminal result.
func Resolved(kind, status, category string) {
	resultsTotal.WithLabelValues(kind, status, category).Inc()
}

// ArtifactDeleted counts a reclaimed artifact of size bytes.
func ArtifactDeleted(size int64) {
	artifactsDeleted.Inc()
	if size > 0 {
		bytesReclaimed.Add(float64(size))
	}
}

// PlaneWritten counts one folded channel plane.
func PlaneWritten() { planesWritten.Inc() }

// StatusRequest counts one status server request.
func StatusRequest(route string, code int) {
	statusRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}
