package chatapi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_webhook_events_total",
		Help: "Provider webhook deliveries, by kind and outcome.",
	}, []string{"kind", "outcome"})

	messagesApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_messages_applied_total",
		Help: "Messages applied through the engine, by direction; duplicates counted separately.",
	}, []string{"direction", "duplicate"})
)
