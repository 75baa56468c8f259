/*
Package metrics exposes the Prometheus instruments the migration
subsystem updates as reconfigs progress: lifecycle state, per-kg transfer
volume, drain latency, and replication cycle time. Components update
these counters/gauges directly. The instruments are registered with the
default Prometheus registry at init, and Handler serves that registry
for scraping; nothing here pushes to a pushgateway or other sink.
*/
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ReconfigsTotal counts reconfig-points by terminal outcome.
	ReconfigsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spacker_reconfigs_total",
			Help: "Total number of reconfig-points by outcome (committed, aborted, partial).",
		},
		[]string{"outcome"},
	)

	// CoordinatorState reports the ReconfigCoordinator's current FSM
	// state as a gauge set to 1 for the active state, 0 otherwise.
	CoordinatorState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spacker_coordinator_state",
			Help: "1 if the coordinator is currently in this state, else 0.",
		},
		[]string{"state"},
	)

	// KeyGroupsMigrating tracks how many key-groups are currently in
	// flight for the active reconfig.
	KeyGroupsMigrating = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spacker_keygroups_migrating",
			Help: "Number of key-groups currently migrating.",
		},
	)

	// TransferBytesTotal counts bytes of key-group state shipped from
	// sources to destinations and from the replicator to standby replicas.
	TransferBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spacker_transfer_bytes_total",
			Help: "Total bytes of key-group state shipped to destination tasks or standby replicas.",
		},
	)

	// TransferSkippedTotal counts transfers that skipped the payload
	// because a destination already held a fresh replica.
	TransferSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spacker_transfer_skipped_total",
			Help: "Total key-group transfers that promoted a replica instead of shipping bytes.",
		},
	)

	// DrainDuration observes how long a destination spends draining a
	// single key-group's buffered records after state arrives.
	DrainDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spacker_drain_duration_seconds",
			Help:    "Time to drain a key-group's buffered records after its state arrives.",
			Buckets: prometheus.DefBuckets,
		},
	)

	// ReplicationLag observes how long a replication cycle takes to ship
	// its changelog deltas to every target. It does not measure how long
	// a changelog entry waited before being replicated.
	ReplicationLag = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spacker_replication_lag_seconds",
			Help:    "Time a replication cycle spends shipping changelog deltas to its targets.",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		ReconfigsTotal,
		CoordinatorState,
		KeyGroupsMigrating,
		TransferBytesTotal,
		TransferSkippedTotal,
		DrainDuration,
		ReplicationLag,
	)
}

// Timer measures an elapsed duration for observing into a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time since NewTimer into h.
func (t *Timer) ObserveDuration(h prometheus.Histogram) time.Duration {
	d := time.Since(t.start)
	h.Observe(d.Seconds())
	return d
}

// Handler returns the HTTP handler serving the default registry in the
// Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
