package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	// connsActive gauges currently registered connections.
	connsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Current number of open relay connections.",
		},
	)

	// framesTotal counts inbound frames by classification.
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_frames_total",
			Help: "Inbound relay frames by kind.",
		},
		[]string{"kind"},
	)

	// broadcastDrops counts outbound frames that were not queued.
	broadcastDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_broadcast_drops_total",
			Help: "Outbound frames dropped per connection, by reason.",
		},
		[]string{"reason"},
	)

	// publishErrors counts failed event publications.
	publishErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_events_publish_errors_total",
			Help: "Relay events that could not be published.",
		},
	)
)

func init() {
	prometheus.MustRegister(connsActive, framesTotal, broadcastDrops, publishErrors)
}
