package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	liveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_live_connections",
		Help: "Currently open live-channel connections.",
	})

	fanoutDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_fanout_deliveries_total",
		Help: "Envelopes enqueued to live clients, by envelope type.",
	}, []string{"type"})

	fanoutDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_fanout_drops_total",
		Help: "Envelopes dropped under backpressure, by envelope type.",
	}, []string{"type"})
)
