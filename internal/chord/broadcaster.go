package chord

// Ring update event types.
const (
	EventNodeJoin      = "node_join"
	EventNodeLeave     = "node_leave"
	EventStabilization = "stabilization"
	EventReplicaPromotion = "replica_promotion"
)

// RingUpdateBroadcaster decouples the ring from whatever fans topology
// changes out to observers (the admin WebSocket hub, in this repo)
// without the chord package importing net/http machinery.
type RingUpdateBroadcaster interface {
	// BroadcastRingUpdate sends a ring update notification. The update
	// value is serialized by the broadcaster's implementation.
	BroadcastRingUpdate(update any) error
}

// RingUpdateEvent describes a ring topology change.
type RingUpdateEvent struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}
