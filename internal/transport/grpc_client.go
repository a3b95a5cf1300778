package transport

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/meridian-dht/meridian/internal/chord"
	"github.com/meridian-dht/meridian/internal/rpc"
	"github.com/meridian-dht/meridian/pkg/logging"
)

// Compile-time check that GRPCClient implements chord.RemoteClient.
var _ chord.RemoteClient = (*GRPCClient)(nil)

// GRPCClient dials and pools connections to remote Chord nodes, attaching
// the shared auth token to every outbound call.
type GRPCClient struct {
	logger    *logging.Logger
	authToken string

	connections map[string]*grpc.ClientConn
	connMu      sync.RWMutex

	timeout time.Duration
}

// NewGRPCClient creates a client that dials with a per-call timeout of
// timeout and authenticates with authToken (empty disables auth).
func NewGRPCClient(logger *logging.Logger, authToken string, timeout time.Duration) *GRPCClient {
	if logger == nil {
		logger = logging.Get()
	}
	return &GRPCClient{
		logger:      logger.WithFields(logging.Fields{"component": "grpc_client"}),
		authToken:   authToken,
		connections: make(map[string]*grpc.ClientConn),
		timeout:     timeout,
	}
}

func (c *GRPCClient) withAuthMetadata(ctx context.Context) context.Context {
	if c.authToken == "" {
		return ctx
	}
	md := metadata.Pairs(AuthTokenHeader, c.authToken)
	return metadata.NewOutgoingContext(ctx, md)
}

func (c *GRPCClient) getConnection(address string) (*grpc.ClientConn, error) {
	c.connMu.RLock()
	conn, exists := c.connections[address]
	c.connMu.RUnlock()
	if exists && conn.GetState().String() != "SHUTDOWN" {
		return conn, nil
	}

	c.connMu.Lock()
	defer c.connMu.Unlock()

	conn, exists = c.connections[address]
	if exists && conn.GetState().String() != "SHUTDOWN" {
		return conn, nil
	}

	newConn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}

	c.connections[address] = newConn
	c.logger.Debug().Str("address", address).Msg("created new gRPC connection")
	return newConn, nil
}

func (c *GRPCClient) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx = c.withAuthMetadata(ctx)
	if _, hasDeadline := ctx.Deadline(); hasDeadline {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *GRPCClient) invoke(ctx context.Context, address, method string, req, resp any) error {
	conn, err := c.getConnection(address)
	if err != nil {
		return fmt.Errorf("%w: %v", chord.ErrUnreachable, err)
	}
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	if err := rpc.Invoke(ctx, conn, method, req, resp); err != nil {
		return fmt.Errorf("%w: %v", chord.ErrUnreachable, err)
	}
	return nil
}

func (c *GRPCClient) FindSuccessor(ctx context.Context, address string, id *big.Int) (*chord.NodeAddress, error) {
	resp := &rpc.FindSuccessorResponse{}
	if err := c.invoke(ctx, address, "FindSuccessor", &rpc.FindSuccessorRequest{ID: id.Bytes()}, resp); err != nil {
		return nil, fmt.Errorf("FindSuccessor RPC failed: %w", err)
	}
	return wireToNodeAddress(resp.Successor), nil
}

func (c *GRPCClient) GetPredecessor(ctx context.Context, address string) (*chord.NodeAddress, error) {
	resp := &rpc.GetPredecessorResponse{}
	if err := c.invoke(ctx, address, "GetPredecessor", &rpc.GetPredecessorRequest{}, resp); err != nil {
		return nil, fmt.Errorf("GetPredecessor RPC failed: %w", err)
	}
	return wireToNodeAddress(resp.Predecessor), nil
}

func (c *GRPCClient) Notify(ctx context.Context, address string, node *chord.NodeAddress) error {
	resp := &rpc.NotifyResponse{}
	if err := c.invoke(ctx, address, "Notify", &rpc.NotifyRequest{Node: nodeAddressToWire(node)}, resp); err != nil {
		return fmt.Errorf("Notify RPC failed: %w", err)
	}
	return nil
}

func (c *GRPCClient) GetSuccessorList(ctx context.Context, address string) ([]*chord.NodeAddress, error) {
	resp := &rpc.GetSuccessorListResponse{}
	if err := c.invoke(ctx, address, "GetSuccessorList", &rpc.GetSuccessorListRequest{}, resp); err != nil {
		return nil, fmt.Errorf("GetSuccessorList RPC failed: %w", err)
	}
	successors := make([]*chord.NodeAddress, len(resp.Successors))
	for i, w := range resp.Successors {
		successors[i] = wireToNodeAddress(w)
	}
	return successors, nil
}

func (c *GRPCClient) Ping(ctx context.Context, address string) error {
	resp := &rpc.PingResponse{}
	if err := c.invoke(ctx, address, "Ping", &rpc.PingRequest{}, resp); err != nil {
		return fmt.Errorf("Ping RPC failed: %w", err)
	}
	return nil
}

func (c *GRPCClient) ClosestPrecedingNode(ctx context.Context, address string, id *big.Int) (*chord.NodeAddress, error) {
	resp := &rpc.ClosestPrecedingNodeResponse{}
	if err := c.invoke(ctx, address, "ClosestPrecedingNode", &rpc.ClosestPrecedingNodeRequest{ID: id.Bytes()}, resp); err != nil {
		return nil, fmt.Errorf("ClosestPrecedingNode RPC failed: %w", err)
	}
	return wireToNodeAddress(resp.Node), nil
}

func (c *GRPCClient) Get(ctx context.Context, address string, key string) ([]byte, bool, error) {
	resp := &rpc.GetResponse{}
	if err := c.invoke(ctx, address, "Get", &rpc.GetRequest{Key: key}, resp); err != nil {
		return nil, false, fmt.Errorf("Get RPC failed: %w", err)
	}
	return resp.Value, resp.Found, nil
}

func (c *GRPCClient) Set(ctx context.Context, address string, key string, value []byte, ttl time.Duration) error {
	resp := &rpc.SetResponse{}
	req := &rpc.SetRequest{Key: key, Value: value, TTLSeconds: rpc.SecondsFromTTL(ttl)}
	if err := c.invoke(ctx, address, "Set", req, resp); err != nil {
		return fmt.Errorf("Set RPC failed: %w", err)
	}
	return nil
}

func (c *GRPCClient) Delete(ctx context.Context, address string, key string) error {
	resp := &rpc.DeleteResponse{}
	if err := c.invoke(ctx, address, "Delete", &rpc.DeleteRequest{Key: key}, resp); err != nil {
		return fmt.Errorf("Delete RPC failed: %w", err)
	}
	return nil
}

func (c *GRPCClient) TransferKeys(ctx context.Context, address string, startID, endID *big.Int) (map[string][]byte, error) {
	resp := &rpc.TransferKeysResponse{}
	req := &rpc.TransferKeysRequest{StartID: startID.Bytes(), EndID: endID.Bytes()}
	if err := c.invoke(ctx, address, "TransferKeys", req, resp); err != nil {
		return nil, fmt.Errorf("TransferKeys RPC failed: %w", err)
	}
	return resp.Keys, nil
}

func (c *GRPCClient) DeleteTransferredKeys(ctx context.Context, address string, startID, endID *big.Int) (int, error) {
	resp := &rpc.DeleteTransferredKeysResponse{}
	req := &rpc.DeleteTransferredKeysRequest{StartID: startID.Bytes(), EndID: endID.Bytes()}
	if err := c.invoke(ctx, address, "DeleteTransferredKeys", req, resp); err != nil {
		return 0, fmt.Errorf("DeleteTransferredKeys RPC failed: %w", err)
	}
	return resp.Count, nil
}

func (c *GRPCClient) Replicate(ctx context.Context, address string, slot int, hashedKey string, value []byte, timestamp int64, ttl time.Duration) error {
	resp := &rpc.ReplicateResponse{}
	req := &rpc.ReplicateRequest{
		Slot:       slot,
		HashedKey:  hashedKey,
		Value:      value,
		Timestamp:  timestamp,
		TTLSeconds: rpc.SecondsFromTTL(ttl),
	}
	if err := c.invoke(ctx, address, "Replicate", req, resp); err != nil {
		return fmt.Errorf("Replicate RPC failed: %w", err)
	}
	return nil
}

func (c *GRPCClient) ReplicateDelete(ctx context.Context, address string, slot int, hashedKey string) error {
	resp := &rpc.ReplicateDeleteResponse{}
	req := &rpc.ReplicateDeleteRequest{Slot: slot, HashedKey: hashedKey}
	if err := c.invoke(ctx, address, "ReplicateDelete", req, resp); err != nil {
		return fmt.Errorf("ReplicateDelete RPC failed: %w", err)
	}
	return nil
}

func (c *GRPCClient) Handoff(ctx context.Context, address string, items map[string][]byte) error {
	resp := &rpc.HandoffResponse{}
	if err := c.invoke(ctx, address, "Handoff", &rpc.HandoffRequest{Items: items}, resp); err != nil {
		return fmt.Errorf("Handoff RPC failed: %w", err)
	}
	return nil
}

func (c *GRPCClient) NotifyLeaving(ctx context.Context, address string, replacement *chord.NodeAddress) error {
	resp := &rpc.NotifyLeavingResponse{}
	req := &rpc.NotifyLeavingRequest{Replacement: nodeAddressToWire(replacement)}
	if err := c.invoke(ctx, address, "NotifyLeaving", req, resp); err != nil {
		return fmt.Errorf("NotifyLeaving RPC failed: %w", err)
	}
	return nil
}

// GetNodeInfo retrieves a remote node's routing snapshot: its address,
// predecessor, successor list and key count.
func (c *GRPCClient) GetNodeInfo(ctx context.Context, address string) (*rpc.GetNodeInfoResponse, error) {
	resp := &rpc.GetNodeInfoResponse{}
	if err := c.invoke(ctx, address, "GetNodeInfo", &rpc.GetNodeInfoRequest{}, resp); err != nil {
		return nil, fmt.Errorf("GetNodeInfo RPC failed: %w", err)
	}
	return resp, nil
}

// Close closes every pooled connection.
func (c *GRPCClient) Close() error {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	c.logger.Info().Int("connections", len(c.connections)).Msg("closing gRPC connections")
	for address, conn := range c.connections {
		if err := conn.Close(); err != nil {
			c.logger.Error().Err(err).Str("address", address).Msg("failed to close connection")
		}
	}
	c.connections = make(map[string]*grpc.ClientConn)
	return nil
}

func nodeAddressToWire(addr *chord.NodeAddress) *rpc.Node {
	if addr == nil {
		return nil
	}
	return &rpc.Node{ID: addr.ID.Bytes(), Host: addr.Host, Port: addr.Port}
}

func wireToNodeAddress(node *rpc.Node) *chord.NodeAddress {
	if node == nil {
		return nil
	}
	return chord.NewNodeAddress(new(big.Int).SetBytes(node.ID), node.Host, node.Port)
}
