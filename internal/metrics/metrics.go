// Package metrics exposes Prometheus counters for the core's observable
// behavior. Counters are fed from bus events so instrumented packages
// stay metrics-free.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/prefsync/prefsync/internal/bus"
)

var (
	operationsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prefsync_operations_enqueued_total",
		Help: "Operations accepted by the request queue",
	})
	operationsDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prefsync_operations_deduped_total",
		Help: "Enqueues collapsed into an existing entry by dedup key",
	})
	operationsSucceeded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prefsync_operations_succeeded_total",
		Help: "Operations acknowledged by the backend",
	})
	operationsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prefsync_operations_failed_total",
		Help: "Operations that failed terminally",
	})
	circuitOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prefsync_circuit_opened_total",
		Help: "Circuit breaker open transitions",
	})
	conflictsDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prefsync_conflicts_detected_total",
		Help: "Concurrent-edit conflicts detected",
	})
	conflictsResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prefsync_conflicts_resolved_total",
		Help: "Concurrent-edit conflicts resolved",
	})
	stateRecoveries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prefsync_state_recoveries_total",
		Help: "Persisted-state recoveries to defaults",
	})
	leaderChanges = promauto.NewCounter(prometheus.CounterOpts{
		Name: "prefsync_leader_changes_total",
		Help: "Leader elections that changed the leader",
	})
)

// Observe wires the counters to bus events. The returned cancel
// function detaches them.
func Observe(b *bus.Bus) func() {
	return b.SubscribeAll(func(e bus.Event) {
		switch e.Type {
		case bus.EventOperationEnqueued:
			operationsEnqueued.Inc()
		case bus.EventOperationDeduped:
			operationsDeduped.Inc()
		case bus.EventOperationSucceeded:
			operationsSucceeded.Inc()
		case bus.EventOperationFailed:
			operationsFailed.Inc()
		case bus.EventCircuitOpened:
			circuitOpened.Inc()
		case bus.EventConflictDetected:
			conflictsDetected.Inc()
		case bus.EventConflictResolved:
			conflictsResolved.Inc()
		case bus.EventStateRecovered:
			stateRecoveries.Inc()
		case bus.EventLeaderChanged:
			leaderChanges.Inc()
		}
	})
}
