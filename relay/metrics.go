package relay

import "github.com/prometheus/client_golang/prometheus"

var (
	relayRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codesync_relay_rooms",
			Help: "Current number of rooms with connected endpoints.",
		},
	)
	relayConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "codesync_relay_connections",
			Help: "Current number of connected endpoints.",
		},
	)
	relayEventsDelivered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codesync_relay_events_delivered_total",
			Help: "Total events delivered to endpoints.",
		},
	)
	relayEventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "codesync_relay_events_dropped_total",
			Help: "Total events dropped due to dead or vanished endpoints.",
		},
	)
)

func init() {
	prometheus.MustRegister(relayRooms, relayConnections, relayEventsDelivered, relayEventsDropped)
}

func setRooms(count int) {
	relayRooms.Set(float64(count))
}

func setConnections(count int) {
	relayConnections.Set(float64(count))
}

func addDelivered(count int) {
	if count > 0 {
		relayEventsDelivered.Add(float64(count))
	}
}

func addDropped(count int) {
	if count > 0 {
		relayEventsDropped.Add(float64(count))
	}
}
