package switchctl

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/meridian-iot/policycore/internal/core/domain"
	"github.com/meridian-iot/policycore/internal/core/ports"
	"github.com/meridian-iot/policycore/internal/telemetry"
)

// Adapter implements ports.SwitchAdapter over the JSON-codec gRPC service
// declared in service.go, with install/remove retried via exponential
// backoff the way the spec asks for rule-install retries (§4.11).
type Adapter struct {
	conn    *grpc.ClientConn
	client  *client
	retries int
}

// Dial connects to a switch agent at addr. Retries is the number of
// attempts InstallRule/RemoveRule will make before surfacing
// ErrSwitchUnavailable.
func Dial(addr string, retries int) (*Adapter, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	if retries <= 0 {
		retries = 3
	}
	return &Adapter{conn: conn, client: newClient(conn), retries: retries}, nil
}

// Close releases the underlying gRPC connection.
func (a *Adapter) Close() error { return a.conn.Close() }

// Probe checks switch reachability at startup (§9 capability probes).
func (a *Adapter) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	_, err := a.client.ListRules(ctx, &empty{})
	if err != nil {
		return domain.ErrSwitchUnavailable
	}
	return nil
}

func (a *Adapter) InstallRule(ctx context.Context, ruleID string, match domain.Match, action domain.PolicyAction, priority int) error {
	req := &installRuleRequest{
		RuleID:   ruleID,
		Match:    toWireMatch(match),
		Action:   string(action),
		Priority: priority,
	}
	attempt := 0
	_, err := backoff.Retry(ctx, func() (*ack, error) {
		if attempt > 0 {
			telemetry.SwitchRuleInstallRetries.WithLabelValues("retry").Inc()
		}
		attempt++
		resp, err := a.client.InstallRule(ctx, req)
		if err != nil {
			if isRejection(err) {
				return nil, backoff.Permanent(&domain.SwitchRuleRejectedError{Reason: err.Error()})
			}
			return nil, err
		}
		if !resp.OK {
			return nil, backoff.Permanent(&domain.SwitchRuleRejectedError{Reason: resp.Detail})
		}
		return resp, nil
	}, backoff.WithMaxTries(uint(a.retries)), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		var rejected *domain.SwitchRuleRejectedError
		if errors.As(err, &rejected) {
			telemetry.SwitchRuleInstallRetries.WithLabelValues("rejected").Inc()
			return rejected
		}
		telemetry.SwitchRuleInstallRetries.WithLabelValues("exhausted").Inc()
		slog.Error("switchctl: install rule failed after retries", "rule_id", ruleID, "error", err)
		return domain.ErrSwitchUnavailable
	}
	if attempt > 1 {
		telemetry.SwitchRuleInstallRetries.WithLabelValues("succeeded_after_retry").Inc()
	}
	return nil
}

func (a *Adapter) RemoveRule(ctx context.Context, ruleID string) error {
	_, err := backoff.Retry(ctx, func() (*ack, error) {
		resp, err := a.client.RemoveRule(ctx, &removeRuleRequest{RuleID: ruleID})
		if err != nil {
			return nil, err
		}
		return resp, nil
	}, backoff.WithMaxTries(uint(a.retries)), backoff.WithBackOff(backoff.NewExponentialBackOff()))
	if err != nil {
		return domain.ErrSwitchUnavailable
	}
	return nil
}

func (a *Adapter) ListRules(ctx context.Context) ([]ports.InstalledRule, error) {
	resp, err := a.client.ListRules(ctx, &empty{})
	if err != nil {
		return nil, domain.ErrSwitchUnavailable
	}
	out := make([]ports.InstalledRule, len(resp.Rules))
	for i, r := range resp.Rules {
		out[i] = ports.InstalledRule{
			RuleID:   r.RuleID,
			Match:    fromWireMatch(r.Match),
			Action:   domain.PolicyAction(r.Action),
			Priority: r.Priority,
		}
	}
	return out, nil
}

func (a *Adapter) GetFlowStats(ctx context.Context) ([]domain.FlowStats, error) {
	resp, err := a.client.GetFlowStats(ctx, &empty{})
	if err != nil {
		return nil, domain.ErrSwitchUnavailable
	}
	out := make([]domain.FlowStats, len(resp.Samples))
	for i, s := range resp.Samples {
		out[i] = domain.FlowStats{
			DeviceMAC:      s.DeviceMAC,
			Packets:        s.Packets,
			Bytes:          s.Bytes,
			UniqueDstIPs:   s.UniqueDstIPs,
			UniqueDstPorts: s.UniqueDstPorts,
			Protocols:      s.Protocols,
			WindowSeconds:  s.WindowSeconds,
		}
	}
	return out, nil
}

// RecordObservation opens a server-streaming RPC that delivers every
// packet the switch forwards for mac while a device is in its profiling
// window (§4.3).
func (a *Adapter) RecordObservation(ctx context.Context, mac string, callback func(domain.PacketObservation)) (func(), error) {
	streamCtx, cancel := context.WithCancel(ctx)
	stream, err := a.client.ObservePackets(streamCtx, &observeRequest{MAC: mac})
	if err != nil {
		cancel()
		return nil, domain.ErrSwitchUnavailable
	}

	go func() {
		for {
			obs := new(packetObservation)
			if err := stream.RecvMsg(obs); err != nil {
				if !errors.Is(err, io.EOF) && status.Code(err) != codes.Canceled {
					slog.Warn("switchctl: observation stream ended", "mac", mac, "error", err)
				}
				return
			}
			callback(domain.PacketObservation{
				MAC:       obs.MAC,
				DstIP:     obs.DstIP,
				DstPort:   obs.DstPort,
				SrcPort:   obs.SrcPort,
				Protocol:  obs.Protocol,
				Size:      obs.Size,
				Timestamp: time.Unix(0, obs.TimestampUnixNano),
			})
		}
	}()

	return cancel, nil
}

func toWireMatch(m domain.Match) ruleMatch {
	return ruleMatch{EthSrc: m.EthSrc, SrcIP: m.SrcIP, DstIP: m.DstIP, DstPort: m.DstPort, Protocol: m.Protocol}
}

func fromWireMatch(m ruleMatch) domain.Match {
	return domain.Match{EthSrc: m.EthSrc, SrcIP: m.SrcIP, DstIP: m.DstIP, DstPort: m.DstPort, Protocol: m.Protocol}
}

func isRejection(err error) bool {
	return status.Code(err) == codes.InvalidArgument || status.Code(err) == codes.FailedPrecondition
}

var _ ports.SwitchAdapter = (*Adapter)(nil)
