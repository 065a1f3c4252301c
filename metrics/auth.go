package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricAuthentication = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mboxcache_authentication_total",
			Help: "Authentication attempts to the admin API and results.",
		},
		[]string{
			"variant", // httpbasic
			"result",  // ok, badcreds, error
		},
	)
)

func AuthenticationInc(variant, result string) {
	metricAuthentication.WithLabelValues(variant, result).Inc()
}

var metricAuthenticationRatelimited = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "mboxcache_authentication_ratelimited_total",
		Help: "Admin API requests refused because of too many authentication attempts.",
	},
)

func AuthenticationRatelimitedInc() {
	metricAuthenticationRatelimited.Inc()
}
