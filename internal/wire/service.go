package wire

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// The service definition mirrors what protoc-gen-go-grpc would emit for the Replication
// service in quorumlog.proto, with the codec pinned to this package's wire format.

const serviceName = "quorumlog.Replication"

// ReplicationServer is the server-side API of the replication service.
type ReplicationServer interface {
	RequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error)
	AppendEntries(ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error)
	FetchEntries(ctx context.Context, req *FetchEntriesRequest) (*FetchEntriesResponse, error)
	ClientSubmit(ctx context.Context, req *ClientSubmitRequest) (*ClientSubmitResponse, error)
}

// UnimplementedReplicationServer may be embedded for forward compatibility.
type UnimplementedReplicationServer struct{}

func (UnimplementedReplicationServer) RequestVote(context.Context, *RequestVoteRequest) (*RequestVoteResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method RequestVote not implemented")
}

func (UnimplementedReplicationServer) AppendEntries(context.Context, *AppendEntriesRequest) (*AppendEntriesResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method AppendEntries not implemented")
}

func (UnimplementedReplicationServer) FetchEntries(context.Context, *FetchEntriesRequest) (*FetchEntriesResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method FetchEntries not implemented")
}

func (UnimplementedReplicationServer) ClientSubmit(context.Context, *ClientSubmitRequest) (*ClientSubmitResponse, error) {
	return nil, status.Error(codes.Unimplemented, "method ClientSubmit not implemented")
}

// RegisterReplicationServer registers srv on a gRPC server.
func RegisterReplicationServer(s grpc.ServiceRegistrar, srv ReplicationServer) {
	s.RegisterService(&replicationServiceDesc, srv)
}

var replicationServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*ReplicationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RequestVote", Handler: requestVoteHandler},
		{MethodName: "AppendEntries", Handler: appendEntriesHandler},
		{MethodName: "FetchEntries", Handler: fetchEntriesHandler},
		{MethodName: "ClientSubmit", Handler: clientSubmitHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/wire/quorumlog.proto",
}

func requestVoteHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RequestVoteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicationServer).RequestVote(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/RequestVote"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicationServer).RequestVote(ctx, req.(*RequestVoteRequest))
	})
}

func appendEntriesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(AppendEntriesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicationServer).AppendEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/AppendEntries"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicationServer).AppendEntries(ctx, req.(*AppendEntriesRequest))
	})
}

func fetchEntriesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(FetchEntriesRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicationServer).FetchEntries(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/FetchEntries"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicationServer).FetchEntries(ctx, req.(*FetchEntriesRequest))
	})
}

func clientSubmitHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ClientSubmitRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ReplicationServer).ClientSubmit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/ClientSubmit"}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(ReplicationServer).ClientSubmit(ctx, req.(*ClientSubmitRequest))
	})
}

// ReplicationClient is the client-side API of the replication service.
type ReplicationClient interface {
	RequestVote(ctx context.Context, req *RequestVoteRequest, opts ...grpc.CallOption) (*RequestVoteResponse, error)
	AppendEntries(ctx context.Context, req *AppendEntriesRequest, opts ...grpc.CallOption) (*AppendEntriesResponse, error)
	FetchEntries(ctx context.Context, req *FetchEntriesRequest, opts ...grpc.CallOption) (*FetchEntriesResponse, error)
	ClientSubmit(ctx context.Context, req *ClientSubmitRequest, opts ...grpc.CallOption) (*ClientSubmitResponse, error)
}

type replicationClient struct {
	cc grpc.ClientConnInterface
}

// NewReplicationClient wraps a client connection. The codec is selected per call, so
// callers need no special dial options.
func NewReplicationClient(cc grpc.ClientConnInterface) ReplicationClient {
	return &replicationClient{cc: cc}
}

func (c *replicationClient) invoke(ctx context.Context, method string, req, resp Message, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, "/"+serviceName+"/"+method, req, resp, opts...)
}

func (c *replicationClient) RequestVote(ctx context.Context, req *RequestVoteRequest, opts ...grpc.CallOption) (*RequestVoteResponse, error) {
	out := new(RequestVoteResponse)
	if err := c.invoke(ctx, "RequestVote", req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *replicationClient) AppendEntries(ctx context.Context, req *AppendEntriesRequest, opts ...grpc.CallOption) (*AppendEntriesResponse, error) {
	out := new(AppendEntriesResponse)
	if err := c.invoke(ctx, "AppendEntries", req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *replicationClient) FetchEntries(ctx context.Context, req *FetchEntriesRequest, opts ...grpc.CallOption) (*FetchEntriesResponse, error) {
	out := new(FetchEntriesResponse)
	if err := c.invoke(ctx, "FetchEntries", req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *replicationClient) ClientSubmit(ctx context.Context, req *ClientSubmitRequest, opts ...grpc.CallOption) (*ClientSubmitResponse, error) {
	out := new(ClientSubmitResponse)
	if err := c.invoke(ctx, "ClientSubmit", req, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}
