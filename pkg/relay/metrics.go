package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_relay_connections",
		Help: "Live websocket connections.",
	})
	usersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_relay_users",
		Help: "Users with at least one live connection.",
	})
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_relay_events_total",
		Help: "Inbound push events by type.",
	}, []string{"event"})
	broadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_relay_broadcasts_total",
		Help: "Room broadcasts by event type.",
	}, []string{"event"})
	framesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_relay_frames_dropped_total",
		Help: "Outbound frames dropped on slow connections.",
	})
	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_relay_rate_limited_total",
		Help: "Inbound events rejected by the per-connection limiter.",
	})
)
