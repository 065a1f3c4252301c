// Package metrics has prometheus metric variables/functions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricMailboxGet = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mboxcache_mailbox_get_total",
			Help: "Mailbox lookups in the registry cache.",
		},
		[]string{
			"result", // hit, miss, maintenance
		},
	)
	metricMailboxGetDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mboxcache_mailbox_get_duration_seconds",
			Help:    "Duration of resolving a mailbox, including loading from storage on a cache miss.",
			Buckets: []float64{0.0001, 0.001, 0.005, 0.01, 0.05, 0.100, 0.5, 1, 5},
		},
	)
	metricMailboxCached = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "mboxcache_mailbox_cached",
			Help: "Number of cache slots occupied by a mailbox or maintenance token.",
		},
	)
	metricMaintenance = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mboxcache_maintenance_total",
			Help: "Maintenance transitions.",
		},
		[]string{
			"event", // begin, rejected, end, endevict, endfailed, wrongtoken
		},
	)
	metricSharedState = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mboxcache_sharedstate_errors_total",
			Help: "Errors from the shared state store, by operation. Failed operations fall back to local values.",
		},
		[]string{
			"op", // get, set, unset, delete
		},
	)
	metricNotify = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mboxcache_notify_total",
			Help: "Listener notifications sent, by kind.",
		},
		[]string{
			"kind", // available, loaded, created, deleted
		},
	)
)

// MailboxGet counts a registry lookup with result "hit", "miss" or "maintenance".
func MailboxGet(result string) {
	metricMailboxGet.WithLabelValues(result).Inc()
}

// MailboxGetObserve records the duration of a resolve started at start.
func MailboxGetObserve(start time.Time) {
	metricMailboxGetDuration.Observe(float64(time.Since(start)) / float64(time.Second))
}

// MailboxCached sets the number of occupied cache slots.
func MailboxCached(n int) {
	metricMailboxCached.Set(float64(n))
}

func MaintenanceInc(event string) {
	metricMaintenance.WithLabelValues(event).Inc()
}

func SharedStateErrorInc(op string) {
	metricSharedState.WithLabelValues(op).Inc()
}

func NotifyInc(kind string) {
	metricNotify.WithLabelValues(kind).Inc()
}
