package chord

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"github.com/meridian-dht/meridian/pkg/ring"
	"github.com/meridian-dht/meridian/pkg/store"
)

// Internal storage keys for Chord metadata. These never collide with
// hashed user keys because the prefix is not valid hex.
const (
	metadataPrefix = "__chord_"
	replicaPrefix  = "__replica_"
)

// versionedValue wraps a stored value with the write timestamp used to
// resolve replication conflicts last-writer-wins.
type versionedValue struct {
	Value     []byte `json:"value"`
	Timestamp int64  `json:"timestamp"`
}

// ChordStorage is the Chord-aware storage layer: it hashes user keys
// onto the ring, keeps a primary copy per node and r replica slots (one
// per successor-list entry), and offers raw access by unhashed key.
type ChordStorage struct {
	store    *store.Store
	ring     *ring.Ring
	replicas int
}

// NewChordStorage wraps st with Chord semantics over ring's identifier
// space, keeping replicaCount replica slots.
func NewChordStorage(st *store.Store, r *ring.Ring, replicaCount int) *ChordStorage {
	return &ChordStorage{store: st, ring: r, replicas: replicaCount}
}

// Get retrieves the primary value for key.
func (cs *ChordStorage) Get(ctx context.Context, key string) ([]byte, error) {
	v, _, err := cs.GetVersioned(ctx, cs.hashKey(key))
	return v, err
}

// GetVersioned retrieves a raw (already-hashed) key's value and its
// last-writer-wins timestamp.
func (cs *ChordStorage) GetVersioned(ctx context.Context, hashedKey string) ([]byte, int64, error) {
	data, err := cs.store.Get(ctx, hashedKey)
	if err != nil {
		return nil, 0, err
	}
	var vv versionedValue
	if err := json.Unmarshal(data, &vv); err != nil {
		return nil, 0, fmt.Errorf("unmarshal versioned value: %w", err)
	}
	return vv.Value, vv.Timestamp, nil
}

// Set stores value under key's hash with the current time as its
// last-writer-wins timestamp.
func (cs *ChordStorage) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return cs.setVersioned(ctx, cs.hashKey(key), value, time.Now().UnixNano(), ttl)
}

// SetVersioned stores value under an already-hashed key with an explicit
// timestamp, used when applying a replicated or handed-off write so the
// original write time is preserved for conflict resolution.
func (cs *ChordStorage) SetVersioned(ctx context.Context, hashedKey string, value []byte, timestamp int64, ttl time.Duration) error {
	return cs.setVersioned(ctx, hashedKey, value, timestamp, ttl)
}

func (cs *ChordStorage) setVersioned(ctx context.Context, hashedKey string, value []byte, timestamp int64, ttl time.Duration) error {
	data, err := json.Marshal(versionedValue{Value: value, Timestamp: timestamp})
	if err != nil {
		return fmt.Errorf("marshal versioned value: %w", err)
	}
	return cs.store.Set(ctx, hashedKey, data, ttl)
}

// ApplyIfNewer writes value only if timestamp is at least as new as
// whatever is already stored under hashedKey, implementing the
// last-writer-wins conflict policy. Returns ErrConflict if the existing
// value wins.
func (cs *ChordStorage) ApplyIfNewer(ctx context.Context, hashedKey string, value []byte, timestamp int64, ttl time.Duration) error {
	_, existingTS, err := cs.GetVersioned(ctx, hashedKey)
	if err != nil && err != store.ErrKeyNotFound {
		return err
	}
	if err == nil && timestamp < existingTS {
		return ErrConflict
	}
	return cs.setVersioned(ctx, hashedKey, value, timestamp, ttl)
}

// Delete removes key's primary value.
func (cs *ChordStorage) Delete(ctx context.Context, key string) error {
	return cs.store.Delete(ctx, cs.hashKey(key))
}

// SetReplica stores a replica of an already-hashed key in slot (0..r-1).
func (cs *ChordStorage) SetReplica(ctx context.Context, slot int, hashedKey string, value []byte, timestamp int64, ttl time.Duration) error {
	data, err := json.Marshal(versionedValue{Value: value, Timestamp: timestamp})
	if err != nil {
		return fmt.Errorf("marshal replica value: %w", err)
	}
	return cs.store.Set(ctx, cs.replicaKey(slot, hashedKey), data, ttl)
}

// GetReplica retrieves a replica value from slot.
func (cs *ChordStorage) GetReplica(ctx context.Context, slot int, hashedKey string) ([]byte, int64, error) {
	data, err := cs.store.Get(ctx, cs.replicaKey(slot, hashedKey))
	if err != nil {
		return nil, 0, err
	}
	var vv versionedValue
	if err := json.Unmarshal(data, &vv); err != nil {
		return nil, 0, fmt.Errorf("unmarshal replica value: %w", err)
	}
	return vv.Value, vv.Timestamp, nil
}

// DeleteReplica removes a replica from slot.
func (cs *ChordStorage) DeleteReplica(ctx context.Context, slot int, hashedKey string) error {
	return cs.store.Delete(ctx, cs.replicaKey(slot, hashedKey))
}

// GetAllReplicas returns every hashed-key/versionedValue pair stored in
// slot, used both to hand a replica set off wholesale and to promote a
// slot to primary when its source node is declared dead.
func (cs *ChordStorage) GetAllReplicas(ctx context.Context, slot int) (map[string][]byte, error) {
	all, err := cs.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	prefix := cs.replicaSlotPrefix(slot)
	out := make(map[string][]byte)
	for k, v := range all {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			out[k[len(prefix):]] = v
		}
	}
	return out, nil
}

// ClearReplicaSlot deletes every entry in slot. Used after promotion.
func (cs *ChordStorage) ClearReplicaSlot(ctx context.Context, slot int) error {
	entries, err := cs.GetAllReplicas(ctx, slot)
	if err != nil {
		return err
	}
	for hashedKey := range entries {
		if err := cs.DeleteReplica(ctx, slot, hashedKey); err != nil {
			return err
		}
	}
	return nil
}

// PromoteReplicaSlot moves every entry in slot into primary storage
// (preserving its versionedValue blob verbatim, timestamp included) and
// clears the slot. This is the response to a confirmed predecessor
// failure: the node that held the replica becomes primary owner.
func (cs *ChordStorage) PromoteReplicaSlot(ctx context.Context, slot int) (int, error) {
	entries, err := cs.GetAllReplicas(ctx, slot)
	if err != nil {
		return 0, err
	}
	for hashedKey, blob := range entries {
		if err := cs.store.Set(ctx, hashedKey, blob, 0); err != nil {
			return 0, fmt.Errorf("promote %s: %w", hashedKey, err)
		}
	}
	if err := cs.ClearReplicaSlot(ctx, slot); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// decodeVersioned unmarshals a stored versionedValue blob, used when
// relaying already-stored entries (replication, handoff) without
// re-stamping their timestamp.
func decodeVersioned(blob []byte) ([]byte, int64, error) {
	var vv versionedValue
	if err := json.Unmarshal(blob, &vv); err != nil {
		return nil, 0, fmt.Errorf("unmarshal versioned value: %w", err)
	}
	return vv.Value, vv.Timestamp, nil
}

// GetRaw retrieves a value by raw (unhashed) key.
func (cs *ChordStorage) GetRaw(ctx context.Context, key string) ([]byte, error) {
	return cs.store.Get(ctx, key)
}

// SetRaw stores a value under a raw (unhashed) key.
func (cs *ChordStorage) SetRaw(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return cs.store.Set(ctx, key, value, ttl)
}

// DeleteRaw removes a raw (unhashed) key.
func (cs *ChordStorage) DeleteRaw(ctx context.Context, key string) error {
	return cs.store.Delete(ctx, key)
}

// Close gracefully shuts down the underlying store.
func (cs *ChordStorage) Close() error {
	return cs.store.Close()
}

// Stats returns the underlying store's counters.
func (cs *ChordStorage) Stats() store.Stats {
	return cs.store.Stats()
}

// CountUserKeys returns the number of primary user keys (excluding
// metadata and replica entries).
func (cs *ChordStorage) CountUserKeys(ctx context.Context) (int, error) {
	all, err := cs.store.GetAll(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for key := range all {
		if cs.isInternalKey(key) {
			continue
		}
		count++
	}
	return count, nil
}

func (cs *ChordStorage) isInternalKey(key string) bool {
	return len(key) >= len(metadataPrefix) && key[:len(metadataPrefix)] == metadataPrefix ||
		len(key) >= len(replicaPrefix) && key[:len(replicaPrefix)] == replicaPrefix
}

// hashKey converts a user key to its hex-encoded Chord identifier.
func (cs *ChordStorage) hashKey(key string) string {
	return cs.ring.HashString(key).Text(16)
}

// HashKeyToID converts a user key to its Chord identifier.
func (cs *ChordStorage) HashKeyToID(key string) *big.Int {
	return cs.ring.HashString(key)
}

func (cs *ChordStorage) replicaSlotPrefix(slot int) string {
	return replicaPrefix + strconv.Itoa(slot) + "_"
}

func (cs *ChordStorage) replicaKey(slot int, hashedKey string) string {
	return cs.replicaSlotPrefix(slot) + hashedKey
}

// GetKeysInRange returns primary keys (hashed-key -> versionedValue blob)
// whose identifier falls in (start, end]. Used for join-time migration
// and leave-time handoff; excludes metadata and replica entries.
func (cs *ChordStorage) GetKeysInRange(ctx context.Context, startID, endID *big.Int) (map[string][]byte, error) {
	all, err := cs.store.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	result := make(map[string][]byte)
	for hashedKey, value := range all {
		if cs.isInternalKey(hashedKey) {
			continue
		}
		keyID := new(big.Int)
		if _, ok := keyID.SetString(hashedKey, 16); !ok {
			continue
		}
		if cs.ring.InRange(keyID, startID, endID) {
			result[hashedKey] = value
		}
	}
	return result, nil
}

// DeleteKeysInRange deletes primary keys in (start, end] and returns how
// many were removed.
func (cs *ChordStorage) DeleteKeysInRange(ctx context.Context, startID, endID *big.Int) (int, error) {
	keys, err := cs.GetKeysInRange(ctx, startID, endID)
	if err != nil {
		return 0, err
	}
	for hashedKey := range keys {
		if err := cs.store.Delete(ctx, hashedKey); err != nil {
			return 0, err
		}
	}
	return len(keys), nil
}
