package rpc

import (
	"context"

	"google.golang.org/grpc"
)

// ServiceName is the fully qualified gRPC service name dialed clients use
// to build method paths ("/meridian.ChordService/<Method>").
const ServiceName = "meridian.ChordService"

// ChordServiceServer is implemented by internal/transport's gRPC server to
// handle inbound node-to-node calls.
type ChordServiceServer interface {
	FindSuccessor(context.Context, *FindSuccessorRequest) (*FindSuccessorResponse, error)
	GetPredecessor(context.Context, *GetPredecessorRequest) (*GetPredecessorResponse, error)
	Notify(context.Context, *NotifyRequest) (*NotifyResponse, error)
	GetSuccessorList(context.Context, *GetSuccessorListRequest) (*GetSuccessorListResponse, error)
	Ping(context.Context, *PingRequest) (*PingResponse, error)
	ClosestPrecedingNode(context.Context, *ClosestPrecedingNodeRequest) (*ClosestPrecedingNodeResponse, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Set(context.Context, *SetRequest) (*SetResponse, error)
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
	TransferKeys(context.Context, *TransferKeysRequest) (*TransferKeysResponse, error)
	DeleteTransferredKeys(context.Context, *DeleteTransferredKeysRequest) (*DeleteTransferredKeysResponse, error)
	Replicate(context.Context, *ReplicateRequest) (*ReplicateResponse, error)
	ReplicateDelete(context.Context, *ReplicateDeleteRequest) (*ReplicateDeleteResponse, error)
	Handoff(context.Context, *HandoffRequest) (*HandoffResponse, error)
	NotifyLeaving(context.Context, *NotifyLeavingRequest) (*NotifyLeavingResponse, error)
	GetNodeInfo(context.Context, *GetNodeInfoRequest) (*GetNodeInfoResponse, error)
	GetFingerTable(context.Context, *GetFingerTableRequest) (*GetFingerTableResponse, error)
}

// RegisterChordServiceServer registers srv's implementation on s.
func RegisterChordServiceServer(s grpc.ServiceRegistrar, srv ChordServiceServer) {
	s.RegisterService(&serviceDesc, srv)
}

func unaryHandler[Req any, Resp any](
	method func(ChordServiceServer, context.Context, *Req) (*Resp, error),
) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		req := new(Req)
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return method(srv.(ChordServiceServer), ctx, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ServiceName}
		handler := func(ctx context.Context, req any) (any, error) {
			return method(srv.(ChordServiceServer), ctx, req.(*Req))
		}
		return interceptor(ctx, req, info, handler)
	}
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ChordServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "FindSuccessor", Handler: unaryHandler(ChordServiceServer.FindSuccessor)},
		{MethodName: "GetPredecessor", Handler: unaryHandler(ChordServiceServer.GetPredecessor)},
		{MethodName: "Notify", Handler: unaryHandler(ChordServiceServer.Notify)},
		{MethodName: "GetSuccessorList", Handler: unaryHandler(ChordServiceServer.GetSuccessorList)},
		{MethodName: "Ping", Handler: unaryHandler(ChordServiceServer.Ping)},
		{MethodName: "ClosestPrecedingNode", Handler: unaryHandler(ChordServiceServer.ClosestPrecedingNode)},
		{MethodName: "Get", Handler: unaryHandler(ChordServiceServer.Get)},
		{MethodName: "Set", Handler: unaryHandler(ChordServiceServer.Set)},
		{MethodName: "Delete", Handler: unaryHandler(ChordServiceServer.Delete)},
		{MethodName: "TransferKeys", Handler: unaryHandler(ChordServiceServer.TransferKeys)},
		{MethodName: "DeleteTransferredKeys", Handler: unaryHandler(ChordServiceServer.DeleteTransferredKeys)},
		{MethodName: "Replicate", Handler: unaryHandler(ChordServiceServer.Replicate)},
		{MethodName: "ReplicateDelete", Handler: unaryHandler(ChordServiceServer.ReplicateDelete)},
		{MethodName: "Handoff", Handler: unaryHandler(ChordServiceServer.Handoff)},
		{MethodName: "NotifyLeaving", Handler: unaryHandler(ChordServiceServer.NotifyLeaving)},
		{MethodName: "GetNodeInfo", Handler: unaryHandler(ChordServiceServer.GetNodeInfo)},
		{MethodName: "GetFingerTable", Handler: unaryHandler(ChordServiceServer.GetFingerTable)},
	},
	Metadata: "meridian/chord.proto",
}

// Invoke calls method on conn using the gob-coded unary path.
func Invoke(ctx context.Context, conn *grpc.ClientConn, method string, req, resp any, opts ...grpc.CallOption) error {
	return conn.Invoke(ctx, "/"+ServiceName+"/"+method, req, resp, opts...)
}
