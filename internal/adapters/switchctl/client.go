package switchctl

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
)

// client is a thin hand-written stub, standing in for what protoc-gen-go-grpc
// would normally generate alongside the service descriptor in service.go.
type client struct {
	conn *grpc.ClientConn
}

func newClient(conn *grpc.ClientConn) *client {
	return &client{conn: conn}
}

func jsonCallOption() grpc.CallOption {
	return grpc.CallContentSubtype(codecName)
}

func (c *client) InstallRule(ctx context.Context, req *installRuleRequest) (*ack, error) {
	out := new(ack)
	if err := c.conn.Invoke(ctx, "/policycore.switchctl.SwitchControl/InstallRule", req, out, jsonCallOption()); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) RemoveRule(ctx context.Context, req *removeRuleRequest) (*ack, error) {
	out := new(ack)
	if err := c.conn.Invoke(ctx, "/policycore.switchctl.SwitchControl/RemoveRule", req, out, jsonCallOption()); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) ListRules(ctx context.Context, req *empty) (*listRulesResponse, error) {
	out := new(listRulesResponse)
	if err := c.conn.Invoke(ctx, "/policycore.switchctl.SwitchControl/ListRules", req, out, jsonCallOption()); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) GetFlowStats(ctx context.Context, req *empty) (*flowStatsResponse, error) {
	out := new(flowStatsResponse)
	if err := c.conn.Invoke(ctx, "/policycore.switchctl.SwitchControl/GetFlowStats", req, out, jsonCallOption()); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *client) ObservePackets(ctx context.Context, req *observeRequest) (grpc.ClientStream, error) {
	desc := &serviceDesc.Streams[0]
	stream, err := c.conn.NewStream(ctx, desc, "/policycore.switchctl.SwitchControl/ObservePackets", jsonCallOption())
	if err != nil {
		return nil, fmt.Errorf("switchctl: open observe stream: %w", err)
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}
	return stream, nil
}
