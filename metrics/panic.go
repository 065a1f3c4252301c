package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var metricPanic = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "mboxcache_panic_total",
		Help: "Number of unhandled panics, by package.",
	},
	[]string{
		"pkg",
	},
)

// Panics counts unhandled panics, checked by tests.
var Panics atomic.Int64

type Panic string

const (
	Serve    Panic = "serve"
	Webadmin Panic = "webadmin"
	Preload  Panic = "preload"
)

func PanicInc(name Panic) {
	Panics.Add(1)
	metricPanic.WithLabelValues(string(name)).Inc()
}
