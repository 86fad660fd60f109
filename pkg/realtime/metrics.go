package realtime

import "github.com/prometheus/client_golang/prometheus"

var (
	localChangesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "potsync",
		Subsystem: "sync",
		Name:      "local_changes_total",
		Help:      "Number of local mutations applied, by operation.",
	}, []string{"op"})

	remoteAppliedCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "potsync",
		Subsystem: "sync",
		Name:      "remote_changes_applied_total",
		Help:      "Number of remote change events merged into an open document.",
	})

	decodeErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "potsync",
		Subsystem: "sync",
		Name:      "decode_errors_total",
		Help:      "Number of change events dropped because they could not be decoded or applied.",
	})

	publishErrorCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "potsync",
		Subsystem: "sync",
		Name:      "publish_errors_total",
		Help:      "Number of failed publish attempts. Failed changes stay queued.",
	})

	outboxGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "potsync",
		Subsystem: "sync",
		Name:      "outbox_depth",
		Help:      "Number of local changes waiting to be published, per pot.",
	}, []string{"pot"})

	checkpointCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "potsync",
		Subsystem: "sync",
		Name:      "checkpoints_total",
		Help:      "Number of checkpoint attempts by result.",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(localChangesCounter, remoteAppliedCounter, decodeErrorCounter, publishErrorCounter, outboxGauge, checkpointCounter)
}
