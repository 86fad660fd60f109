package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	requestsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "potsync",
		Subsystem: "relay",
		Name:      "requests_total",
		Help:      "Number of HTTP requests by method, route and status.",
	}, []string{"method", "route", "status"})

	appendedCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "potsync",
		Subsystem: "relay",
		Name:      "changes_appended_total",
		Help:      "Number of change events received, by whether they were new.",
	}, []string{"result"})

	feedSubscribers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "potsync",
		Subsystem: "relay",
		Name:      "feed_subscribers",
		Help:      "Number of open websocket feeds.",
	})
)

func init() {
	prometheus.MustRegister(requestsCounter, appendedCounter, feedSubscribers)
}
