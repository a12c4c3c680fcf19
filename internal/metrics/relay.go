package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	ActiveRooms = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayhost_active_rooms",
			Help: "Current number of registered relay rooms",
		})

	RoomsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relayhost_rooms_created_total",
			Help: "Total number of relay rooms ever created",
		})

	RoomsClosed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relayhost_rooms_closed_total",
			Help: "Total number of relay rooms closed",
		})

	RoomMembers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relayhost_room_members",
			Help: "Current number of players connected across all rooms",
		})

	IDAllocationRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relayhost_id_allocation_retries_total",
			Help: "Number of random room ids that were already taken",
		})

	IDAllocationFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relayhost_id_allocation_failures_total",
			Help: "Number of room creations that ran out of allocation attempts",
		})

	AdminMigrations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relayhost_admin_migrations_total",
			Help: "Number of times the room admin was handed over",
		})

	ChallengesIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relayhost_challenges_issued_total",
			Help: "Number of proof-of-work challenges issued",
		})

	ChallengesRejected = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relayhost_challenges_rejected_total",
			Help: "Number of proof-of-work answers rejected",
		})

	PacketIn = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relayhost_packets_received_total",
			Help: "Total number of packets received by the relay",
		})

	PacketOut = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relayhost_packets_sent_total",
			Help: "Total number of packets sent by the relay",
		})

	BytesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relayhost_bytes_sent_total",
			Help: "Total bytes sent by the relay",
		},
	)

	BytesReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relayhost_bytes_received_total",
			Help: "Total bytes received by the relay",
		},
	)

	DeliveryFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhost_delivery_failures_total",
			Help: "Total number of failed packet deliveries by channel",
		},
		[]string{"channel"},
	)

	PacketsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhost_packets_dropped_total",
			Help: "Total number of received packets dropped by reason",
		},
		[]string{"reason"},
	)

	PeerDisconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhost_peer_disconnects_total",
			Help: "Total number of peer disconnects by reason",
		},
		[]string{"reason"},
	)

	RoomLifetime = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relayhost_room_lifetime_seconds",
			Help:    "Lifetime of relay rooms in seconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
	)

	UplistRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relayhost_uplist_requests_total",
			Help: "Requests sent to the master server list by action and result",
		},
		[]string{"action", "result"},
	)
)

var initRelay sync.Once

// InitRelay registers the relay collectors in the default registry. It is
// safe to call more than once.
func InitRelay() {
	initRelay.Do(func() {
		prometheus.MustRegister(
			ActiveRooms,
			RoomsCreated,
			RoomsClosed,
			RoomMembers,
			IDAllocationRetries,
			IDAllocationFailures,
			AdminMigrations,
			ChallengesIssued,
			ChallengesRejected,
			PacketIn,
			PacketOut,
			PacketsDropped,
			BytesSent,
			BytesReceived,
			DeliveryFailures,
			PeerDisconnects,
			RoomLifetime,
			UplistRequests,
		)
	})
}
