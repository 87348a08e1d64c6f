package switchctl

import (
	"context"

	"google.golang.org/grpc"
)

// Server is the interface the switch-side agent implements. The core talks
// to it as a gRPC client; a mock or real switch agent binary links this
// same interface on the server side.
type Server interface {
	InstallRule(context.Context, *installRuleRequest) (*ack, error)
	RemoveRule(context.Context, *removeRuleRequest) (*ack, error)
	ListRules(context.Context, *empty) (*listRulesResponse, error)
	GetFlowStats(context.Context, *empty) (*flowStatsResponse, error)
	ObservePackets(*observeRequest, grpc.ServerStream) error
}

// serviceDesc is hand-written in place of protoc-generated output (see
// codec.go for why). Method and stream names mirror what a .proto file for
// this service would declare.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: "policycore.switchctl.SwitchControl",
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "InstallRule", Handler: installRuleHandler},
		{MethodName: "RemoveRule", Handler: removeRuleHandler},
		{MethodName: "ListRules", Handler: listRulesHandler},
		{MethodName: "GetFlowStats", Handler: getFlowStatsHandler},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "ObservePackets",
			Handler:       observePacketsHandler,
			ServerStreams: true,
		},
	},
	Metadata: "switchctl.proto",
}

// RegisterServer attaches impl to s under the JSON-codec service
// descriptor.
func RegisterServer(s *grpc.Server, impl Server) {
	s.RegisterService(&serviceDesc, impl)
}

func installRuleHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(installRuleRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).InstallRule(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/policycore.switchctl.SwitchControl/InstallRule"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).InstallRule(ctx, req.(*installRuleRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func removeRuleHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(removeRuleRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).RemoveRule(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/policycore.switchctl.SwitchControl/RemoveRule"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).RemoveRule(ctx, req.(*removeRuleRequest))
	}
	return interceptor(ctx, req, info, handler)
}

func listRulesHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(empty)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).ListRules(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/policycore.switchctl.SwitchControl/ListRules"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).ListRules(ctx, req.(*empty))
	}
	return interceptor(ctx, req, info, handler)
}

func getFlowStatsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	req := new(empty)
	if err := dec(req); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).GetFlowStats(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/policycore.switchctl.SwitchControl/GetFlowStats"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(Server).GetFlowStats(ctx, req.(*empty))
	}
	return interceptor(ctx, req, info, handler)
}

func observePacketsHandler(srv any, stream grpc.ServerStream) error {
	req := new(observeRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(Server).ObservePackets(req, stream)
}
