package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesSaved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_store_messages_saved_total",
		Help: "Messages persisted (including status rewrites and tombstones).",
	})
	statusUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_store_status_updates_total",
		Help: "Delivery-status transitions that actually changed a row.",
	})
	reactionsToggled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_store_reactions_toggled_total",
		Help: "Reaction toggles applied (add, replace, or clear).",
	})
)
