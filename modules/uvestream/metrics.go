package uvestream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type streamerMetrics struct {
	events  *prometheus.CounterVec
	resyncs prometheus.Counter
}

func newStreamerMetrics(reg prometheus.Registerer) streamerMetrics {
	return streamerMetrics{
		events: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "opserver",
			Name:      "uve_stream_events_total",
			Help:      "UVE change events ingested, by event type.",
		}, []string{"type"}),
		resyncs: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "opserver",
			Name:      "uve_stream_partition_resyncs_total",
			Help:      "Partition clears performed on owner change.",
		}),
	}
}
