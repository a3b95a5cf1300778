package transport

import (
	"context"
	"fmt"
	"math/big"
	"net"
	"sort"

	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/meridian-dht/meridian/internal/chord"
	"github.com/meridian-dht/meridian/internal/rpc"
	"github.com/meridian-dht/meridian/pkg/logging"
)

// Compile-time check that GRPCServer implements rpc.ChordServiceServer.
var _ rpc.ChordServiceServer = (*GRPCServer)(nil)

// GRPCServer exposes a ChordNode's routing and storage operations to
// other ring members over gRPC.
type GRPCServer struct {
	node      *chord.ChordNode
	server    *grpc.Server
	logger    *logging.Logger
	authToken string

	address  string
	listener net.Listener
}

// NewGRPCServer builds a server for node, listening on address once Start
// is called.
func NewGRPCServer(node *chord.ChordNode, address string, authToken string, logger *logging.Logger) (*GRPCServer, error) {
	if node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	if logger == nil {
		logger = logging.Get()
	}
	return &GRPCServer{
		node:      node,
		address:   address,
		authToken: authToken,
		logger:    logger.WithFields(logging.Fields{"component": "grpc_server"}),
	}, nil
}

// Start begins listening and serving in a background goroutine.
func (s *GRPCServer) Start() error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.address, err)
	}
	s.listener = listener

	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
		grpc.UnaryInterceptor(AuthInterceptor(s.authToken)),
	)
	rpc.RegisterChordServiceServer(s.server, s)
	reflection.Register(s.server)

	s.logger.Info().Str("address", s.address).Msg("starting gRPC server")
	go func() {
		if err := s.server.Serve(listener); err != nil {
			s.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()
	return nil
}

// Stop gracefully stops serving and releases the listener.
func (s *GRPCServer) Stop() error {
	s.logger.Info().Msg("stopping gRPC server")
	if s.server != nil {
		s.server.GracefulStop()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	return nil
}

func (s *GRPCServer) FindSuccessor(ctx context.Context, req *rpc.FindSuccessorRequest) (*rpc.FindSuccessorResponse, error) {
	if len(req.ID) == 0 {
		return nil, fmt.Errorf("id cannot be empty")
	}
	successor, err := s.node.FindSuccessor(ctx, new(big.Int).SetBytes(req.ID))
	if err != nil {
		return nil, fmt.Errorf("find successor: %w", err)
	}
	return &rpc.FindSuccessorResponse{Successor: nodeAddressToWire(successor)}, nil
}

func (s *GRPCServer) GetPredecessor(ctx context.Context, req *rpc.GetPredecessorRequest) (*rpc.GetPredecessorResponse, error) {
	return &rpc.GetPredecessorResponse{Predecessor: nodeAddressToWire(s.node.GetPredecessor())}, nil
}

func (s *GRPCServer) Notify(ctx context.Context, req *rpc.NotifyRequest) (*rpc.NotifyResponse, error) {
	if req.Node == nil {
		return nil, fmt.Errorf("node cannot be nil")
	}
	s.node.Notify(ctx, wireToNodeAddress(req.Node))
	return &rpc.NotifyResponse{}, nil
}

func (s *GRPCServer) GetSuccessorList(ctx context.Context, req *rpc.GetSuccessorListRequest) (*rpc.GetSuccessorListResponse, error) {
	successors := s.node.GetSuccessorList()
	wire := make([]*rpc.Node, len(successors))
	for i, succ := range successors {
		wire[i] = nodeAddressToWire(succ)
	}
	return &rpc.GetSuccessorListResponse{Successors: wire}, nil
}

func (s *GRPCServer) Ping(ctx context.Context, req *rpc.PingRequest) (*rpc.PingResponse, error) {
	return &rpc.PingResponse{}, nil
}

func (s *GRPCServer) ClosestPrecedingNode(ctx context.Context, req *rpc.ClosestPrecedingNodeRequest) (*rpc.ClosestPrecedingNodeResponse, error) {
	if len(req.ID) == 0 {
		return nil, fmt.Errorf("id cannot be empty")
	}
	node := s.node.ClosestPrecedingNode(new(big.Int).SetBytes(req.ID))
	return &rpc.ClosestPrecedingNodeResponse{Node: nodeAddressToWire(node)}, nil
}

func (s *GRPCServer) Get(ctx context.Context, req *rpc.GetRequest) (*rpc.GetResponse, error) {
	if req.Key == "" {
		return nil, fmt.Errorf("key cannot be empty")
	}
	value, found, err := s.node.Get(ctx, req.Key)
	if err != nil {
		return nil, fmt.Errorf("get: %w", err)
	}
	return &rpc.GetResponse{Value: value, Found: found}, nil
}

func (s *GRPCServer) Set(ctx context.Context, req *rpc.SetRequest) (*rpc.SetResponse, error) {
	if req.Key == "" {
		return nil, fmt.Errorf("key cannot be empty")
	}
	if err := s.node.Set(ctx, req.Key, req.Value, rpc.TTLFromSeconds(req.TTLSeconds)); err != nil {
		return nil, fmt.Errorf("set: %w", err)
	}
	return &rpc.SetResponse{}, nil
}

func (s *GRPCServer) Delete(ctx context.Context, req *rpc.DeleteRequest) (*rpc.DeleteResponse, error) {
	if req.Key == "" {
		return nil, fmt.Errorf("key cannot be empty")
	}
	if err := s.node.Delete(ctx, req.Key); err != nil {
		return nil, fmt.Errorf("delete: %w", err)
	}
	return &rpc.DeleteResponse{}, nil
}

func (s *GRPCServer) TransferKeys(ctx context.Context, req *rpc.TransferKeysRequest) (*rpc.TransferKeysResponse, error) {
	if len(req.StartID) == 0 || len(req.EndID) == 0 {
		return nil, fmt.Errorf("start and end ids cannot be empty")
	}
	keys, err := s.node.TransferKeys(ctx, new(big.Int).SetBytes(req.StartID), new(big.Int).SetBytes(req.EndID))
	if err != nil {
		return nil, fmt.Errorf("transfer keys: %w", err)
	}
	return &rpc.TransferKeysResponse{Keys: keys}, nil
}

func (s *GRPCServer) DeleteTransferredKeys(ctx context.Context, req *rpc.DeleteTransferredKeysRequest) (*rpc.DeleteTransferredKeysResponse, error) {
	if len(req.StartID) == 0 || len(req.EndID) == 0 {
		return nil, fmt.Errorf("start and end ids cannot be empty")
	}
	count, err := s.node.DeleteTransferredKeys(ctx, new(big.Int).SetBytes(req.StartID), new(big.Int).SetBytes(req.EndID))
	if err != nil {
		return nil, fmt.Errorf("delete transferred keys: %w", err)
	}
	return &rpc.DeleteTransferredKeysResponse{Count: count}, nil
}

func (s *GRPCServer) Replicate(ctx context.Context, req *rpc.ReplicateRequest) (*rpc.ReplicateResponse, error) {
	if req.HashedKey == "" {
		return nil, fmt.Errorf("hashed key cannot be empty")
	}
	if err := s.node.ApplyReplica(ctx, req.Slot, req.HashedKey, req.Value, req.Timestamp, rpc.TTLFromSeconds(req.TTLSeconds)); err != nil {
		return nil, fmt.Errorf("replicate: %w", err)
	}
	return &rpc.ReplicateResponse{}, nil
}

func (s *GRPCServer) ReplicateDelete(ctx context.Context, req *rpc.ReplicateDeleteRequest) (*rpc.ReplicateDeleteResponse, error) {
	if req.HashedKey == "" {
		return nil, fmt.Errorf("hashed key cannot be empty")
	}
	if err := s.node.ApplyReplicaDelete(ctx, req.Slot, req.HashedKey); err != nil {
		return nil, fmt.Errorf("replicate delete: %w", err)
	}
	return &rpc.ReplicateDeleteResponse{}, nil
}

func (s *GRPCServer) Handoff(ctx context.Context, req *rpc.HandoffRequest) (*rpc.HandoffResponse, error) {
	if err := s.node.ApplyHandoff(ctx, req.Items); err != nil {
		return nil, fmt.Errorf("handoff: %w", err)
	}
	return &rpc.HandoffResponse{}, nil
}

func (s *GRPCServer) NotifyLeaving(ctx context.Context, req *rpc.NotifyLeavingRequest) (*rpc.NotifyLeavingResponse, error) {
	if req.Replacement == nil {
		return nil, fmt.Errorf("replacement cannot be nil")
	}
	s.node.ApplyLeaveNotice(wireToNodeAddress(req.Replacement))
	return &rpc.NotifyLeavingResponse{}, nil
}

func (s *GRPCServer) GetNodeInfo(ctx context.Context, req *rpc.GetNodeInfoRequest) (*rpc.GetNodeInfoResponse, error) {
	info, err := s.node.Info(ctx)
	if err != nil {
		return nil, fmt.Errorf("node info: %w", err)
	}
	successors := make([]*rpc.Node, len(info.SuccessorList))
	for i, succ := range info.SuccessorList {
		successors[i] = nodeAddressToWire(succ)
	}
	return &rpc.GetNodeInfoResponse{
		Node:          nodeAddressToWire(s.node.Address()),
		Predecessor:   nodeAddressToWire(info.Predecessor),
		SuccessorList: successors,
		KeyCount:      info.KeyCount,
	}, nil
}

func (s *GRPCServer) GetFingerTable(ctx context.Context, req *rpc.GetFingerTableRequest) (*rpc.GetFingerTableResponse, error) {
	snapshot := s.node.FingerTableSnapshot()
	entries := make([]*rpc.FingerEntryWire, 0, len(snapshot))
	for i, entry := range snapshot {
		entries = append(entries, &rpc.FingerEntryWire{
			Index: i,
			Start: entry.Start.Bytes(),
			Node:  nodeAddressToWire(entry.Node),
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })
	return &rpc.GetFingerTableResponse{Entries: entries}, nil
}
