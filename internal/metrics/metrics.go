// Package metrics holds the Prometheus collectors of the provisioning service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrice_operations_total",
		Help: "Provisioning operations by operation and result",
	}, []string{"op", "result"}) // result: ok, validation, conflict, not_found, transient_lock, fatal_storage

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mailrice_operation_duration_seconds",
		Help:    "Duration of provisioning operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	lockRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrice_lock_retries_total",
		Help: "Lock acquisition retries",
	}, []string{"lock"})

	compensations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrice_compensations_total",
		Help: "Compensating actions run after a failed operation",
	}, []string{"op", "result"}) // result: ok, failed

	cleanupFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrice_post_commit_cleanup_failures_total",
		Help: "Post-commit cleanup steps that failed and await reconcile",
	}, []string{"op", "step"})

	reloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrice_signing_reloads_total",
		Help: "Signing daemon reload attempts",
	}, []string{"result"})

	reconcileActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mailrice_reconcile_actions_total",
		Help: "Repairs made by reconcile",
	}, []string{"action"})
)

// ObserveOperation records the outcome and latency of one operation.
func ObserveOperation(op, result string, d time.Duration) {
	operationsTotal.WithLabelValues(op, result).Inc()
	operationDuration.WithLabelValues(op).Observe(d.Seconds())
}

// LockRetry counts one retry of the named lock.
func LockRetry(lock string) { lockRetries.WithLabelValues(lock).Inc() }

// Compensation counts one compensating action.
func Compensation(op string, ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	compensations.WithLabelValues(op, result).Inc()
}

// CleanupFailure counts a post-commit cleanup step that failed.
func CleanupFailure(op, step string) { cleanupFailures.WithLabelValues(op, step).Inc() }

// Reload counts a signing daemon reload attempt.
func Reload(err error) {
	if err != nil {
		reloads.WithLabelValues("failed").Inc()
		return
	}
	reloads.WithLabelValues("ok").Inc()
}

// ReconcileAction counts one reconcile repair.
func ReconcileAction(action string) { reconcileActions.WithLabelValues(action).Inc() }
