// Package metrics exposes the prometheus collectors of the racing core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsOpen tracks live WebSocket connections by kind (mod|spectator).
	ConnectionsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "speedfog_connections_open",
		Help: "Open WebSocket connections by kind.",
	}, []string{"kind"})

	// BroadcastsTotal counts outbound broadcast messages by type.
	BroadcastsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speedfog_broadcasts_total",
		Help: "Broadcast messages sent, by message type.",
	}, []string{"type"})

	// SendFailuresTotal counts sends that timed out or hit a dead socket.
	SendFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speedfog_send_failures_total",
		Help: "Failed or timed-out WebSocket sends.",
	})

	// ConflictsTotal counts lost optimistic race transitions.
	ConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "speedfog_optimistic_conflicts_total",
		Help: "Race status transitions lost to the optimistic version check.",
	})

	// MonitorAbandonsTotal counts participants abandoned by the sweep.
	MonitorAbandonsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "speedfog_monitor_abandons_total",
		Help: "Participants abandoned by the background monitor, by reason.",
	}, []string{"reason"})
)

// Handler serves the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
