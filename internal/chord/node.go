package chord

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/meridian-dht/meridian/internal/config"
	"github.com/meridian-dht/meridian/pkg/logging"
	"github.com/meridian-dht/meridian/pkg/ring"
	"github.com/meridian-dht/meridian/pkg/store"
)

// deadStrikeLimit is the number of consecutive failed pings before
// checkPredecessor declares the predecessor dead. Successors and finger
// entries are evicted on their first failed RPC (see stabilize and
// FindSuccessor).
const deadStrikeLimit = 2

// truncateHex safely truncates a hex string for compact log fields.
func truncateHex(hexStr string, maxLen int) string {
	if len(hexStr) > maxLen {
		return hexStr[:maxLen]
	}
	return hexStr
}

// ChordNode is a single member of the ring: identity, routing state
// (predecessor, successor list, finger table), the replicated store it
// serves, and the periodic tasks that keep its routing state converging.
type ChordNode struct {
	id      *big.Int
	address *NodeAddress

	config *config.Config
	ring   *ring.Ring
	storage *ChordStorage
	logger  *logging.Logger

	remote      RemoteClient
	broadcaster RingUpdateBroadcaster

	fingerTable []*FingerEntry
	fingerMu    sync.RWMutex

	successorList []*NodeAddress
	successorMu   sync.RWMutex

	predecessor   *NodeAddress
	predecessorMu sync.RWMutex

	nextFingerToFix int
	nextFingerMu    sync.Mutex

	strikes   map[string]int
	strikesMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdown   bool
	shutdownMu sync.RWMutex
}

// NewChordNode builds a node from cfg. The node does not join or create a
// ring until Create or Join is called.
func NewChordNode(cfg *config.Config, logger *logging.Logger) (*ChordNode, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	r := ring.New(cfg.M)
	nodeID := r.HashAddress(cfg.Host, cfg.Port)
	address := NewNodeAddress(nodeID, cfg.Host, cfg.Port)

	chordStorage := NewChordStorage(
		store.New(&store.Config{CleanupInterval: time.Minute}),
		r,
		cfg.SuccessorListSize,
	)

	ctx, cancel := context.WithCancel(context.Background())

	node := &ChordNode{
		id:              nodeID,
		address:         address,
		config:          cfg,
		ring:            r,
		storage:         chordStorage,
		logger:          logger.WithFields(logging.Fields{"node_id": truncateHex(nodeID.Text(16), 8)}),
		fingerTable:     make([]*FingerEntry, cfg.M),
		successorList:   make([]*NodeAddress, 0, cfg.SuccessorListSize),
		strikes:         make(map[string]int),
		ctx:             ctx,
		cancel:          cancel,
	}

	node.logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Msg("chord node created")

	return node, nil
}

// ID returns the node's identifier.
func (n *ChordNode) ID() *big.Int { return new(big.Int).Set(n.id) }

// Address returns the node's network address.
func (n *ChordNode) Address() *NodeAddress { return n.address.Copy() }

// Ring returns the identifier-space arithmetic this node was built with.
func (n *ChordNode) Ring() *ring.Ring { return n.ring }

// SetRemote installs the RPC client used to reach other nodes.
func (n *ChordNode) SetRemote(remote RemoteClient) { n.remote = remote }

// SetBroadcaster installs the ring-update sink used to notify observers
// of topology changes. Optional; nil disables broadcasting.
func (n *ChordNode) SetBroadcaster(b RingUpdateBroadcaster) { n.broadcaster = b }

func (n *ChordNode) broadcast(eventType, message string) {
	if n.broadcaster == nil {
		return
	}
	_ = n.broadcaster.BroadcastRingUpdate(RingUpdateEvent{
		Type:      eventType,
		NodeID:    truncateHex(n.id.Text(16), 16),
		Timestamp: time.Now().Unix(),
		Message:   message,
	})
}

// successor returns the immediate successor, or nil if none is known.
func (n *ChordNode) successor() *NodeAddress {
	n.successorMu.RLock()
	defer n.successorMu.RUnlock()
	if len(n.successorList) > 0 {
		return n.successorList[0].Copy()
	}
	return nil
}

// setSuccessor makes node the immediate successor, sliding the rest of
// the successor list down and refreshing finger[0] to match.
func (n *ChordNode) setSuccessor(node *NodeAddress) {
	n.successorMu.Lock()
	if node == nil {
		n.successorList = make([]*NodeAddress, 0, n.config.SuccessorListSize)
		n.successorMu.Unlock()
		return
	}

	newList := make([]*NodeAddress, 0, n.config.SuccessorListSize)
	newList = append(newList, node.Copy())
	for i := 0; i < len(n.successorList) && len(newList) < n.config.SuccessorListSize; i++ {
		if !n.successorList[i].Equals(node) {
			newList = append(newList, n.successorList[i].Copy())
		}
	}
	n.successorList = newList
	n.successorMu.Unlock()

	n.fingerMu.Lock()
	if n.fingerTable[0] == nil {
		start := n.ring.AddPowerOfTwo(n.id, 0)
		n.fingerTable[0] = NewFingerEntry(start, node)
	} else {
		n.fingerTable[0].Node = node.Copy()
	}
	n.fingerMu.Unlock()
}

// getSuccessorList returns a defensive copy of the successor list.
func (n *ChordNode) getSuccessorList() []*NodeAddress {
	n.successorMu.RLock()
	defer n.successorMu.RUnlock()
	list := make([]*NodeAddress, len(n.successorList))
	for i, node := range n.successorList {
		list[i] = node.Copy()
	}
	return list
}

// setSuccessorList replaces the successor list and, if it actually
// changed, re-pushes this node's primary data set to the new members so
// replicas stay current with the routing state (§4.5 re-push rule).
func (n *ChordNode) setSuccessorList(list []*NodeAddress) {
	n.successorMu.Lock()
	changed := !sameAddressList(n.successorList, list)
	n.successorList = make([]*NodeAddress, 0, n.config.SuccessorListSize)
	for i := 0; i < len(list) && i < n.config.SuccessorListSize; i++ {
		if list[i] != nil {
			n.successorList = append(n.successorList, list[i].Copy())
		}
	}
	snapshot := make([]*NodeAddress, len(n.successorList))
	copy(snapshot, n.successorList)
	n.successorMu.Unlock()

	if changed && n.remote != nil {
		go n.pushReplicas(snapshot)
	}
}

func sameAddressList(a, b []*NodeAddress) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equals(b[i]) {
			return false
		}
	}
	return true
}

// getPredecessor returns a defensive copy of the predecessor.
func (n *ChordNode) getPredecessor() *NodeAddress {
	n.predecessorMu.RLock()
	defer n.predecessorMu.RUnlock()
	if n.predecessor == nil {
		return nil
	}
	return n.predecessor.Copy()
}

// setPredecessor sets the predecessor pointer directly, with no handoff
// side effects. Used at startup and by check_predecessor's failure path.
func (n *ChordNode) setPredecessor(node *NodeAddress) {
	n.predecessorMu.Lock()
	if node == nil {
		n.predecessor = nil
	} else {
		n.predecessor = node.Copy()
	}
	n.predecessorMu.Unlock()

	n.logger.Debug().
		Str("predecessor_id", addrHex(node)).
		Msg("predecessor updated")
}

func addrHex(a *NodeAddress) string {
	if a == nil || a.ID == nil {
		return "nil"
	}
	return truncateHex(a.ID.Text(16), 8)
}

// getFinger returns a copy of the finger table entry at index.
func (n *ChordNode) getFinger(index int) *FingerEntry {
	if index < 0 || index >= n.config.M {
		return nil
	}
	n.fingerMu.RLock()
	defer n.fingerMu.RUnlock()
	if n.fingerTable[index] == nil {
		return nil
	}
	return n.fingerTable[index].Copy()
}

// setFinger sets the finger table entry at index.
func (n *ChordNode) setFinger(index int, entry *FingerEntry) {
	if index < 0 || index >= n.config.M {
		return
	}
	n.fingerMu.Lock()
	defer n.fingerMu.Unlock()
	if entry == nil {
		n.fingerTable[index] = nil
	} else {
		n.fingerTable[index] = entry.Copy()
	}
}

func (n *ChordNode) initFingerTable(successor *NodeAddress) {
	n.fingerMu.Lock()
	defer n.fingerMu.Unlock()
	for i := 0; i < n.config.M; i++ {
		start := n.ring.AddPowerOfTwo(n.id, i)
		n.fingerTable[i] = NewFingerEntry(start, successor)
	}
	n.logger.Debug().Int("entries", n.config.M).Msg("finger table initialized")
}

// FingerTableSnapshot returns a copy of every populated finger entry,
// keyed by index, for the admin introspection surface.
func (n *ChordNode) FingerTableSnapshot() map[int]*FingerEntry {
	n.fingerMu.RLock()
	defer n.fingerMu.RUnlock()
	out := make(map[int]*FingerEntry)
	for i, f := range n.fingerTable {
		if f != nil {
			out[i] = f.Copy()
		}
	}
	return out
}

// Create starts a brand new ring with this node as its only member.
func (n *ChordNode) Create() error {
	n.logger.Info().Msg("creating new ring")

	n.setPredecessor(nil)
	n.setSuccessor(n.address)
	n.initFingerTable(n.address)

	n.startBackgroundTasks()

	n.logger.Info().Msg("ring created")
	return nil
}

// Join joins an existing ring reached through bootstrapAddr. It resolves
// this node's successor, rejects an identifier collision, migrates the
// keys it is now responsible for, and starts the periodic maintenance
// loops that converge the rest of the routing state.
func (n *ChordNode) Join(ctx context.Context, bootstrapAddr *NodeAddress) error {
	if bootstrapAddr == nil {
		return fmt.Errorf("bootstrap address cannot be nil")
	}
	if n.remote == nil {
		return fmt.Errorf("remote client not set - call SetRemote before Join")
	}

	n.logger.Info().Str("bootstrap", bootstrapAddr.Address()).Msg("joining ring")

	successor, err := n.remote.FindSuccessor(ctx, bootstrapAddr.Address(), n.id)
	if err != nil {
		return fmt.Errorf("find successor via bootstrap: %w", err)
	}
	if successor == nil {
		return fmt.Errorf("bootstrap node returned nil successor")
	}
	if successor.ID.Cmp(n.id) == 0 && !successor.Equals(n.address) {
		return fmt.Errorf("%w: id already owned by %s", ErrIDCollision, successor.Address())
	}

	n.logger.Info().
		Str("successor_id", addrHex(successor)).
		Str("successor_addr", successor.Address()).
		Msg("resolved successor")

	n.setPredecessor(nil)
	n.setSuccessor(successor)
	n.initFingerTable(successor)

	if err := n.migrateFromSuccessor(ctx, successor); err != nil {
		return err
	}

	n.logger.Info().Msg("notifying successor of arrival")
	if err := n.remote.Notify(ctx, successor.Address(), n.address); err != nil {
		n.logger.Warn().Err(err).Msg("notify failed, stabilization will retry")
	}

	n.startBackgroundTasks()

	n.logger.Info().Msg("joined ring")
	n.broadcast(EventNodeJoin, "node joined the ring")
	return nil
}

// migrateFromSuccessor pulls the key range this node is now responsible
// for from its successor, per the pull-based half of the ownership
// handoff (the push-based half runs from notify() on the existing side).
func (n *ChordNode) migrateFromSuccessor(ctx context.Context, successor *NodeAddress) error {
	succPred, err := n.remote.GetPredecessor(ctx, successor.Address())
	if err != nil {
		n.logger.Warn().Err(err).Msg("could not read successor's predecessor, skipping migration")
		return nil
	}

	startID := successor.ID
	if succPred != nil {
		startID = succPred.ID
	}

	keys, err := n.remote.TransferKeys(ctx, successor.Address(), startID, n.id)
	if err != nil {
		return fmt.Errorf("transfer keys from successor: %w", err)
	}

	for hashedKey, blob := range keys {
		if err := n.storage.SetRaw(ctx, hashedKey, blob, 0); err != nil {
			return fmt.Errorf("store transferred key %s: %w", hashedKey, err)
		}
	}
	n.logger.Info().Int("key_count", len(keys)).Msg("migrated keys from successor")

	if len(keys) > 0 {
		if _, err := n.remote.DeleteTransferredKeys(ctx, successor.Address(), startID, n.id); err != nil {
			n.logger.Warn().Err(err).Msg("successor did not confirm deletion, duplicates may linger briefly")
		}
	}
	return nil
}

func (n *ChordNode) startBackgroundTasks() {
	n.wg.Add(3)
	go n.stabilizeLoop()
	go n.fixFingersLoop()
	go n.checkPredecessorLoop()
	n.logger.Debug().Msg("background tasks started")
}

func (n *ChordNode) stabilizeLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.config.StabilizeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.stabilize(); err != nil {
				n.logger.Error().Err(err).Msg("stabilize failed")
			}
		}
	}
}

func (n *ChordNode) fixFingersLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.config.FixFingersInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.fixFingers(); err != nil {
				n.logger.Debug().Err(err).Msg("fix fingers failed")
			}
		}
	}
}

func (n *ChordNode) checkPredecessorLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.config.CheckPredecessorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.checkPredecessor()
		}
	}
}

// stabilize verifies the immediate successor is still correct and tells
// it about this node so it can update its own predecessor. If the
// successor turns out to be unreachable, it is dropped and the next
// entry in the successor list is promoted and re-verified in its place,
// falling back to self if the list empties (§4.4 step 5).
func (n *ChordNode) stabilize() error {
	if n.remote == nil {
		return nil
	}

	for {
		succ := n.successor()
		if succ == nil {
			return nil
		}

		if succ.Equals(n.address) {
			pred := n.getPredecessor()
			if pred == nil {
				return nil
			}
			n.logger.Debug().Str("predecessor", addrHex(pred)).Msg("forming ring with predecessor as successor")
			n.setSuccessor(pred)
			succ = pred
		}

		ctx, cancel := context.WithTimeout(n.ctx, n.config.RPCTimeout)
		x, err := n.remote.GetPredecessor(ctx, succ.Address())
		cancel()
		if err != nil {
			n.recordFailure(succ.Address())
			n.logger.Warn().Str("successor", addrHex(succ)).Msg("successor unreachable, promoting next in successor list")
			n.evictDeadNode(succ.Address())
			if n.successor() == nil {
				n.logger.Warn().Msg("successor list emptied, falling back to self")
				n.setSuccessor(n.address)
				return nil
			}
			continue
		}
		n.recordSuccess(succ.Address())

		if x != nil && n.ring.Between(x.ID, n.id, succ.ID) {
			n.setSuccessor(x)
			succ = x
			n.broadcast(EventStabilization, "successor updated by stabilization")
		}

		listCtx, listCancel := context.WithTimeout(n.ctx, n.config.RPCTimeout)
		successors, err := n.remote.GetSuccessorList(listCtx, succ.Address())
		listCancel()
		if err == nil {
			merged := append([]*NodeAddress{succ}, successors...)
			n.setSuccessorList(merged)
		}

		notifyCtx, notifyCancel := context.WithTimeout(n.ctx, n.config.RPCTimeout)
		notifyErr := n.remote.Notify(notifyCtx, succ.Address(), n.address)
		notifyCancel()
		if notifyErr != nil {
			n.recordFailure(succ.Address())
		} else {
			n.recordSuccess(succ.Address())
		}

		return nil
	}
}

// notify handles another node claiming it might be our predecessor. When
// it becomes our new predecessor, keys that node now owns are handed off
// to it (the push-based half of ownership handoff).
func (n *ChordNode) notify(ctx context.Context, node *NodeAddress) {
	if node == nil {
		return
	}

	pred := n.getPredecessor()
	if pred != nil && pred.Equals(node) {
		return
	}
	if pred != nil && !n.ring.InRange(node.ID, pred.ID, n.id) {
		return
	}

	oldPred := pred
	n.setPredecessor(node)
	n.logger.Debug().Str("new_predecessor", addrHex(node)).Msg("predecessor updated via notify")

	if n.remote == nil {
		return
	}

	startID := n.id
	if oldPred != nil {
		startID = oldPred.ID
	}
	items, err := n.storage.GetKeysInRange(ctx, startID, node.ID)
	if err != nil || len(items) == 0 {
		return
	}
	if err := n.remote.Handoff(ctx, node.Address(), items); err != nil {
		n.logger.Warn().Err(err).Msg("handoff to new predecessor failed, will retry on next notify")
		return
	}
	if _, err := n.storage.DeleteKeysInRange(ctx, startID, node.ID); err != nil {
		n.logger.Warn().Err(err).Msg("failed to clear handed-off keys locally")
	}
}

// fixFingers refreshes the next finger table entry in round-robin order.
func (n *ChordNode) fixFingers() error {
	n.nextFingerMu.Lock()
	next := n.nextFingerToFix
	n.nextFingerToFix = (next + 1) % n.config.M
	n.nextFingerMu.Unlock()

	targetID := n.ring.AddPowerOfTwo(n.id, next)

	ctx, cancel := context.WithTimeout(n.ctx, n.config.RPCTimeout)
	defer cancel()

	finger, err := n.FindSuccessor(ctx, targetID)
	if err != nil {
		return err
	}
	if finger != nil {
		n.setFinger(next, NewFingerEntry(targetID, finger))
	}
	return nil
}

// checkPredecessor pings the predecessor and, after two consecutive
// failures, declares it dead: clears the pointer and promotes this
// node's replica of the dead node's data to primary.
func (n *ChordNode) checkPredecessor() {
	pred := n.getPredecessor()
	if pred == nil || n.remote == nil {
		return
	}

	ctx, cancel := context.WithTimeout(n.ctx, n.config.RPCTimeout)
	defer cancel()

	if err := n.remote.Ping(ctx, pred.Address()); err != nil {
		strikes := n.recordFailure(pred.Address())
		if strikes < deadStrikeLimit {
			return
		}
		n.logger.Warn().Str("predecessor", addrHex(pred)).Msg("predecessor declared dead")
		n.setPredecessor(nil)

		promoted, perr := n.storage.PromoteReplicaSlot(n.ctx, 0)
		if perr != nil {
			n.logger.Error().Err(perr).Msg("failed to promote replica after predecessor failure")
			return
		}
		n.shiftReplicaSlotsDown()
		n.logger.Info().Int("keys_promoted", promoted).Msg("promoted replica slot to primary")
		n.broadcast(EventReplicaPromotion, fmt.Sprintf("promoted %d keys after predecessor failure", promoted))
		return
	}
	n.recordSuccess(pred.Address())
}

// shiftReplicaSlotsDown moves slot i+1 data into slot i for all
// configured slots, keeping replica distance meaningful after a
// promotion removed one hop from the chain.
func (n *ChordNode) shiftReplicaSlotsDown() {
	for i := 0; i < n.config.SuccessorListSize-1; i++ {
		entries, err := n.storage.GetAllReplicas(n.ctx, i+1)
		if err != nil {
			continue
		}
		for hashedKey, blob := range entries {
			value, ts, derr := decodeVersioned(blob)
			if derr != nil {
				continue
			}
			if err := n.storage.SetReplica(n.ctx, i, hashedKey, value, ts, 0); err != nil {
				n.logger.Warn().Err(err).Msg("failed to shift replica slot down")
			}
		}
		_ = n.storage.ClearReplicaSlot(n.ctx, i+1)
	}
}

// pushReplicas sends this node's full current primary set to each member
// of successors, tagged by its position so the receiving node can later
// identify "my immediate predecessor's data" (slot 0) versus deeper
// backups.
func (n *ChordNode) pushReplicas(successors []*NodeAddress) {
	if n.remote == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.config.RPCTimeout)
	defer cancel()

	items, err := n.storage.GetKeysInRange(ctx, n.previousBoundary(), n.id)
	if err != nil {
		return
	}

	for slot, s := range successors {
		if s.Equals(n.address) {
			continue
		}
		for hashedKey, blob := range items {
			value, ts, uerr := decodeVersioned(blob)
			if uerr != nil {
				continue
			}
			if err := n.remote.Replicate(ctx, s.Address(), slot, hashedKey, value, ts, 0); err != nil {
				n.recordFailure(s.Address())
			}
		}
	}
}

func (n *ChordNode) previousBoundary() *big.Int {
	pred := n.getPredecessor()
	if pred != nil {
		return pred.ID
	}
	return n.id
}

// FindSuccessor resolves id's successor, forwarding through progressively
// closer preceding nodes when it isn't in this node's immediate range
// (§4.4 find_successor). A forwarding failure evicts the dead candidate
// from finger/successor state and retries against the next closest
// preceding node; once local routing state is exhausted, the current
// successor is asked for a candidate before the lookup gives up with
// ErrRouting.
func (n *ChordNode) FindSuccessor(ctx context.Context, id *big.Int) (*NodeAddress, error) {
	if id == nil {
		return nil, fmt.Errorf("id cannot be nil")
	}

	succ := n.successor()
	if succ == nil {
		return n.address.Copy(), nil
	}
	if n.ring.InRange(id, n.id, succ.ID) {
		return succ.Copy(), nil
	}

	evicted := 0
	askedForHelp := false

	for {
		closest := n.closestPrecedingNode(id)

		if closest.Equals(n.address) {
			if evicted == 0 {
				if s := n.successor(); s != nil {
					return s.Copy(), nil
				}
				return n.address.Copy(), nil
			}

			if askedForHelp || n.remote == nil {
				return nil, fmt.Errorf("%w: exhausted candidates resolving id %s", ErrRouting, id.Text(16))
			}
			askedForHelp = true
			hint := n.askSuccessorForCandidate(ctx, id)
			if hint == nil {
				return nil, fmt.Errorf("%w: exhausted candidates resolving id %s", ErrRouting, id.Text(16))
			}
			closest = hint
		}

		if n.remote == nil {
			return closest.Copy(), nil
		}

		result, err := n.remote.FindSuccessor(ctx, closest.Address(), id)
		if err == nil {
			n.recordSuccess(closest.Address())
			return result, nil
		}

		n.recordFailure(closest.Address())
		n.logger.Warn().Str("candidate", addrHex(closest)).Err(err).
			Msg("find_successor candidate unreachable, evicting and retrying")
		n.evictDeadNode(closest.Address())
		evicted++
	}
}

// askSuccessorForCandidate consults the current successor's own routing
// state for a node preceding id, used when this node's local finger and
// successor state has been exhausted by forwarding failures mid-lookup.
func (n *ChordNode) askSuccessorForCandidate(ctx context.Context, id *big.Int) *NodeAddress {
	succ := n.successor()
	if succ == nil || succ.Equals(n.address) {
		return nil
	}

	hint, err := n.remote.ClosestPrecedingNode(ctx, succ.Address(), id)
	if err != nil {
		n.recordFailure(succ.Address())
		return nil
	}
	n.recordSuccess(succ.Address())

	if hint == nil || hint.Equals(n.address) {
		return nil
	}
	return hint
}

// closestPrecedingNode scans the finger table from farthest to nearest,
// then additionally the successor list, returning the first node whose
// id precedes id on the ring (§4.3). Scanning the successor list as well
// as the fingers is mandatory: it converges every stabilize round, so it
// stays a correct routing fallback even when far finger entries have
// gone stale under churn.
func (n *ChordNode) closestPrecedingNode(id *big.Int) *NodeAddress {
	n.fingerMu.RLock()
	for i := n.config.M - 1; i >= 0; i-- {
		finger := n.fingerTable[i]
		if finger == nil || finger.Node == nil {
			continue
		}
		if n.ring.Between(finger.Node.ID, n.id, id) {
			node := finger.Node.Copy()
			n.fingerMu.RUnlock()
			return node
		}
	}
	n.fingerMu.RUnlock()

	for _, succ := range n.getSuccessorList() {
		if n.ring.Between(succ.ID, n.id, id) {
			return succ.Copy()
		}
	}

	return n.address.Copy()
}

// evictDeadNode removes every finger and successor-list entry pointing
// at address, so a subsequent closestPrecedingNode call can't hand back
// a candidate just found to be unreachable.
func (n *ChordNode) evictDeadNode(address string) {
	n.fingerMu.Lock()
	for i, f := range n.fingerTable {
		if f != nil && f.Node != nil && f.Node.Address() == address {
			n.fingerTable[i] = nil
		}
	}
	n.fingerMu.Unlock()

	n.successorMu.Lock()
	filtered := make([]*NodeAddress, 0, len(n.successorList))
	for _, s := range n.successorList {
		if s.Address() != address {
			filtered = append(filtered, s)
		}
	}
	n.successorList = filtered
	n.successorMu.Unlock()
}

// recordFailure increments address's consecutive-failure count and
// returns the new count.
func (n *ChordNode) recordFailure(address string) int {
	n.strikesMu.Lock()
	defer n.strikesMu.Unlock()
	n.strikes[address]++
	return n.strikes[address]
}

// recordSuccess clears address's consecutive-failure count.
func (n *ChordNode) recordSuccess(address string) {
	n.strikesMu.Lock()
	defer n.strikesMu.Unlock()
	delete(n.strikes, address)
}

// Leave gracefully removes this node from the ring: primary data hands
// off to the successor and the immediate neighbors are notified directly
// so the ring heals without waiting on ordinary failure-triggered
// stabilization. The replica slots this node holds are not transferred.
func (n *ChordNode) Leave(ctx context.Context) error {
	succ := n.successor()
	pred := n.getPredecessor()

	if succ != nil && !succ.Equals(n.address) && n.remote != nil {
		items, err := n.storage.GetKeysInRange(ctx, n.previousBoundary(), n.id)
		if err != nil {
			return fmt.Errorf("collect keys before leave: %w", err)
		}
		if len(items) > 0 {
			if err := n.remote.Handoff(ctx, succ.Address(), items); err != nil {
				return fmt.Errorf("handoff primary data to successor: %w", err)
			}
		}

		if pred != nil {
			if err := n.remote.NotifyLeaving(ctx, succ.Address(), pred); err != nil {
				n.logger.Warn().Err(err).Msg("failed to notify successor of departure")
			}
		}
		if pred != nil && !pred.Equals(n.address) {
			if err := n.remote.NotifyLeaving(ctx, pred.Address(), succ); err != nil {
				n.logger.Warn().Err(err).Msg("failed to notify predecessor of departure")
			}
		}
	}

	n.broadcast(EventNodeLeave, "node left the ring")
	return n.Shutdown()
}

// Shutdown stops the periodic tasks and closes local storage. Safe to
// call more than once.
func (n *ChordNode) Shutdown() error {
	n.shutdownMu.Lock()
	if n.shutdown {
		n.shutdownMu.Unlock()
		return nil
	}
	n.shutdown = true
	n.shutdownMu.Unlock()

	n.logger.Info().Msg("shutting down")
	n.cancel()
	n.wg.Wait()

	if err := n.storage.Close(); err != nil {
		n.logger.Error().Err(err).Msg("failed to close storage")
	}
	n.logger.Info().Msg("shutdown complete")
	return nil
}

// IsShutdown reports whether the node has been shut down.
func (n *ChordNode) IsShutdown() bool {
	n.shutdownMu.RLock()
	defer n.shutdownMu.RUnlock()
	return n.shutdown
}

// RPC-facing accessors used by internal/transport's server implementation.

// GetPredecessor returns the predecessor for RPC responses.
func (n *ChordNode) GetPredecessor() *NodeAddress { return n.getPredecessor() }

// Notify handles an inbound notify RPC.
func (n *ChordNode) Notify(ctx context.Context, node *NodeAddress) { n.notify(ctx, node) }

// GetSuccessorList returns the successor list for RPC responses.
func (n *ChordNode) GetSuccessorList() []*NodeAddress { return n.getSuccessorList() }

// ClosestPrecedingNode exposes the routing primitive for RPC responses.
func (n *ChordNode) ClosestPrecedingNode(id *big.Int) *NodeAddress {
	return n.closestPrecedingNode(id)
}

// TransferKeys returns keys in (startID, endID] without deleting them,
// used by a joining node to pull its new range.
func (n *ChordNode) TransferKeys(ctx context.Context, startID, endID *big.Int) (map[string][]byte, error) {
	if startID == nil || endID == nil {
		return nil, fmt.Errorf("start and end ids cannot be nil")
	}
	return n.storage.GetKeysInRange(ctx, startID, endID)
}

// DeleteTransferredKeys deletes keys in (startID, endID], called after a
// successful TransferKeys pull.
func (n *ChordNode) DeleteTransferredKeys(ctx context.Context, startID, endID *big.Int) (int, error) {
	if startID == nil || endID == nil {
		return 0, fmt.Errorf("start and end ids cannot be nil")
	}
	return n.storage.DeleteKeysInRange(ctx, startID, endID)
}

// ApplyHandoff stores a batch of already-hashed, already-versioned key
// blobs as primary data, used on the receiving side of Leave/notify
// handoffs.
func (n *ChordNode) ApplyHandoff(ctx context.Context, items map[string][]byte) error {
	for hashedKey, blob := range items {
		value, ts, err := decodeVersioned(blob)
		if err != nil {
			continue
		}
		if err := n.storage.ApplyIfNewer(ctx, hashedKey, value, ts, 0); err != nil && err != ErrConflict {
			return err
		}
	}
	return nil
}

// ApplyReplica stores a single versioned write into replica slot.
func (n *ChordNode) ApplyReplica(ctx context.Context, slot int, hashedKey string, value []byte, timestamp int64, ttl time.Duration) error {
	return n.storage.SetReplica(ctx, slot, hashedKey, value, timestamp, ttl)
}

// ApplyReplicaDelete removes a replica entry from slot.
func (n *ChordNode) ApplyReplicaDelete(ctx context.Context, slot int, hashedKey string) error {
	return n.storage.DeleteReplica(ctx, slot, hashedKey)
}

// ApplyLeaveNotice handles a departing neighbor's NotifyLeaving call: if
// our successor lies between us and replacement (the departing node was
// our successor), replacement becomes our new successor; if our
// predecessor lies between replacement and us (the departing node was our
// predecessor), replacement becomes our new predecessor.
func (n *ChordNode) ApplyLeaveNotice(replacement *NodeAddress) {
	pred := n.getPredecessor()
	succ := n.successor()

	if succ != nil && n.ring.Between(succ.ID, n.id, replacement.ID) || succ == nil {
		n.setSuccessor(replacement)
	}
	if pred == nil || n.ring.Between(pred.ID, replacement.ID, n.id) {
		n.setPredecessor(replacement)
	}
}

// Get retrieves a value from the DHT, routing to the responsible node.
func (n *ChordNode) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if key == "" {
		return nil, false, fmt.Errorf("key cannot be empty")
	}
	keyID := n.storage.HashKeyToID(key)

	responsible, err := n.FindSuccessor(ctx, keyID)
	if err != nil {
		return nil, false, fmt.Errorf("find successor for key: %w", err)
	}

	if responsible.Equals(n.address) {
		value, err := n.storage.Get(ctx, key)
		if err != nil {
			if err == store.ErrKeyNotFound {
				return nil, false, nil
			}
			return nil, false, fmt.Errorf("local get: %w", err)
		}
		return value, true, nil
	}

	if n.remote == nil {
		return nil, false, ErrUnreachable
	}
	value, found, err := n.remote.Get(ctx, responsible.Address(), key)
	if err != nil {
		return nil, false, fmt.Errorf("remote get: %w", err)
	}
	return value, found, nil
}

// Set stores a value in the DHT, routing to the responsible node, then
// asynchronously replicates the write to that node's successor list
// (primary write acknowledged first, replication best-effort after).
func (n *ChordNode) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	keyID := n.storage.HashKeyToID(key)

	responsible, err := n.FindSuccessor(ctx, keyID)
	if err != nil {
		return fmt.Errorf("find successor for key: %w", err)
	}

	if responsible.Equals(n.address) {
		if err := n.storage.Set(ctx, key, value, ttl); err != nil {
			return fmt.Errorf("local set: %w", err)
		}
		go n.pushReplicas(n.getSuccessorList())
		return nil
	}

	if n.remote == nil {
		return ErrUnreachable
	}
	if err := n.remote.Set(ctx, responsible.Address(), key, value, ttl); err != nil {
		return fmt.Errorf("remote set: %w", err)
	}
	return nil
}

// Delete removes a value from the DHT, routing to the responsible node.
func (n *ChordNode) Delete(ctx context.Context, key string) error {
	if key == "" {
		return fmt.Errorf("key cannot be empty")
	}
	keyID := n.storage.HashKeyToID(key)

	responsible, err := n.FindSuccessor(ctx, keyID)
	if err != nil {
		return fmt.Errorf("find successor for key: %w", err)
	}

	if responsible.Equals(n.address) {
		if err := n.storage.Delete(ctx, key); err != nil {
			return fmt.Errorf("local delete: %w", err)
		}
		return nil
	}

	if n.remote == nil {
		return ErrUnreachable
	}
	if err := n.remote.Delete(ctx, responsible.Address(), key); err != nil {
		return fmt.Errorf("remote delete: %w", err)
	}
	return nil
}

// Info summarizes the node's current routing state for the admin surface.
type Info struct {
	ID            string
	Address       string
	Predecessor   *NodeAddress
	SuccessorList []*NodeAddress
	KeyCount      int
}

// Info returns a snapshot of the node's routing state and key count.
func (n *ChordNode) Info(ctx context.Context) (Info, error) {
	count, err := n.storage.CountUserKeys(ctx)
	if err != nil {
		return Info{}, err
	}
	return Info{
		ID:            n.id.Text(16),
		Address:       n.address.Address(),
		Predecessor:   n.getPredecessor(),
		SuccessorList: n.getSuccessorList(),
		KeyCount:      count,
	}, nil
}
