// Package remote is the gRPC contract between the sync engine and the remote
// favorites store, plus a reference in-memory server.
//
// Messages are google.protobuf.Struct so the action payload crosses the wire
// without a generated schema per action type.
package remote

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName 是 gRPC 服務全名，也用於健康檢查
const ServiceName = "offlinesync.remote.v1.MutationService"

const (
	methodApply         = "/" + ServiceName + "/Apply"
	methodListFavorites = "/" + ServiceName + "/ListFavorites"
)

// MutationServer 伺服端介面
type MutationServer interface {
	Apply(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ListFavorites(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterMutationServer registers srv on s.
func RegisterMutationServer(s grpc.ServiceRegistrar, srv MutationServer) {
	s.RegisterService(&mutationServiceDesc, srv)
}

var mutationServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*MutationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Apply", Handler: applyHandler},
		{MethodName: "ListFavorites", Handler: listFavoritesHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "offlinesync/remote/v1/mutation.proto",
}

func applyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MutationServer).Apply(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodApply}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MutationServer).Apply(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func listFavoritesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(MutationServer).ListFavorites(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListFavorites}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(MutationServer).ListFavorites(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
