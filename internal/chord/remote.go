package chord

import (
	"context"
	"math/big"
	"time"
)

// RemoteClient is the transport-facing seam a ChordNode calls through to
// reach other nodes. Keeping it as an interface here (rather than
// depending on internal/transport directly) avoids an import cycle
// between the ring logic and the gRPC wiring that implements it.
type RemoteClient interface {
	// FindSuccessor asks address to resolve id, forwarding as needed.
	FindSuccessor(ctx context.Context, address string, id *big.Int) (*NodeAddress, error)

	// GetPredecessor returns address's predecessor, or nil if unset.
	GetPredecessor(ctx context.Context, address string) (*NodeAddress, error)

	// Notify tells address that node believes it might be its predecessor.
	Notify(ctx context.Context, address string, node *NodeAddress) error

	// GetSuccessorList returns address's successor list.
	GetSuccessorList(ctx context.Context, address string) ([]*NodeAddress, error)

	// Ping performs a liveness check against address.
	Ping(ctx context.Context, address string) error

	// ClosestPrecedingNode asks address for the closest node it knows
	// that precedes id.
	ClosestPrecedingNode(ctx context.Context, address string, id *big.Int) (*NodeAddress, error)

	// Get retrieves key's primary value from address.
	Get(ctx context.Context, address string, key string) ([]byte, bool, error)

	// Set stores key/value as address's primary responsibility.
	Set(ctx context.Context, address string, key string, value []byte, ttl time.Duration) error

	// Delete removes key from address's primary storage.
	Delete(ctx context.Context, address string, key string) error

	// TransferKeys retrieves keys in (startID, endID] from address
	// without deleting them there.
	TransferKeys(ctx context.Context, address string, startID, endID *big.Int) (map[string][]byte, error)

	// DeleteTransferredKeys deletes keys in (startID, endID] on address,
	// called after a successful TransferKeys migration.
	DeleteTransferredKeys(ctx context.Context, address string, startID, endID *big.Int) (int, error)

	// Replicate pushes a versioned write into replica slot on address.
	Replicate(ctx context.Context, address string, slot int, hashedKey string, value []byte, timestamp int64, ttl time.Duration) error

	// ReplicateDelete removes a replica entry in slot on address.
	ReplicateDelete(ctx context.Context, address string, slot int, hashedKey string) error

	// Handoff bulk-transfers primary ownership of a key range to address,
	// used when a leaving node hands its data to its successor.
	Handoff(ctx context.Context, address string, items map[string][]byte) error

	// NotifyLeaving tells address that the caller is leaving gracefully
	// and gives its replacement in the ring at that position (the new
	// successor if address was the caller's predecessor, or the new
	// predecessor if address was the caller's successor).
	NotifyLeaving(ctx context.Context, address string, replacement *NodeAddress) error
}
