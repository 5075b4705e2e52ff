package observability

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// ProfileResolutions counts profile lookups by the tier that answered:
	// memory, persistent, remote, stale or placeholder.
	ProfileResolutions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "profile_cache_resolutions_total",
			Help: "Profile lookups by answering cache tier.",
		},
		[]string{"tier"},
	)

	// SubscriptionsActive gauges live store subscriptions.
	SubscriptionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "store_subscriptions_active",
			Help: "Current number of live store subscriptions.",
		},
	)

	// SnapshotsDelivered counts snapshots pushed to subscribers, by the root
	// collection of the subscription.
	SnapshotsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "store_snapshots_delivered_total",
			Help: "Snapshots delivered to store subscribers.",
		},
		[]string{"collection"},
	)

	// RoomSeedRuns counts default-room seeding attempts by result.
	RoomSeedRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "room_seed_runs_total",
			Help: "Default room seeding attempts by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(ProfileResolutions, SubscriptionsActive, SnapshotsDelivered, RoomSeedRuns)
}

// RootCollection drops document ids from a collection path so metric labels
// stay bounded ("chatRooms/r1/messages" -> "chatRooms/messages").
func RootCollection(path string) string {
	parts := strings.Split(path, "/")
	kept := parts[:0]
	for i, p := range parts {
		if i%2 == 0 {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}
