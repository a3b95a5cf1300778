package chord

import "errors"

// Sentinel errors surfaced by the overlay and store operations, matching
// the error kinds the admin surface maps onto HTTP status codes.
var (
	// ErrNotFound is returned when a key has no value anywhere in the ring.
	ErrNotFound = errors.New("chord: key not found")

	// ErrUnreachable covers both RPC timeouts and connection failures to
	// a peer; the two are not distinguished at this layer.
	ErrUnreachable = errors.New("chord: peer unreachable")

	// ErrRouting is returned when a lookup cannot make progress: every
	// candidate hop failed and the successor offered no further candidate.
	ErrRouting = errors.New("chord: routing failed")

	// ErrNotReady names the error kind for a node that has not completed
	// Create or Join. No operation in this package returns it.
	ErrNotReady = errors.New("chord: node not ready")

	// ErrConflict is returned when a write loses a last-writer-wins
	// comparison against a value already stored.
	ErrConflict = errors.New("chord: write conflict")

	// ErrIDCollision is returned when Join discovers another node already
	// owns this node's identifier.
	ErrIDCollision = errors.New("chord: node id collision")
)
