// Package onboarding implements the Onboarding Coordinator (component E):
// the state machine that walks a device from first sight through
// profiling to an installed least-privilege policy (§4.3).
package onboarding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meridian-iot/policycore/internal/core/domain"
	"github.com/meridian-iot/policycore/internal/core/ports"
	"github.com/meridian-iot/policycore/internal/core/services/baseline"
)

// profilingBuffer accumulates a profiling device's per-packet observations
// in memory between Approve and the window's finalization (§4.3). It is
// intentionally volatile: a crash during profiling simply yields a sparser
// baseline at the next finalization, never a stuck device.
type profilingBuffer struct {
	mu           sync.Mutex
	observations []domain.PacketObservation
	unsubscribe  func()
}

func (b *profilingBuffer) record(obs domain.PacketObservation) {
	b.mu.Lock()
	b.observations = append(b.observations, obs)
	b.mu.Unlock()
}

func (b *profilingBuffer) snapshot() []domain.PacketObservation {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]domain.PacketObservation, len(b.observations))
	copy(out, b.observations)
	return out
}

// Coordinator drives pending -> profiling -> active transitions.
type Coordinator struct {
	store     ports.IdentityStore
	ca        ports.CertificateAuthority
	trust     ports.TrustScorer
	bus       ports.EventBus
	switchAd  ports.SwitchAdapter

	profilingDuration time.Duration
	minPackets        int
	initialTrust      int

	buffersMu sync.Mutex
	buffers   map[string]*profilingBuffer
}

// New builds a Coordinator.
func New(store ports.IdentityStore, ca ports.CertificateAuthority, trust ports.TrustScorer, bus ports.EventBus, switchAd ports.SwitchAdapter, profilingDuration time.Duration, minPackets, initialTrust int) *Coordinator {
	return &Coordinator{
		store:             store,
		ca:                ca,
		trust:             trust,
		bus:               bus,
		switchAd:          switchAd,
		profilingDuration: profilingDuration,
		minPackets:        minPackets,
		initialTrust:      initialTrust,
		buffers:           make(map[string]*profilingBuffer),
	}
}

// RegisterPending records a newly seen MAC as awaiting administrator
// approval (§4.3). Duplicate MACs of a non-revoked device are rejected.
func (c *Coordinator) RegisterPending(ctx context.Context, mac, suggestedDeviceID string) (string, error) {
	if existing, err := c.store.GetDeviceByMAC(ctx, mac); err == nil && existing.Status != domain.StatusRevoked {
		return "", domain.ErrDuplicateMAC
	}
	deviceID, err := c.store.RegisterPending(ctx, mac, suggestedDeviceID)
	if err != nil {
		return "", err
	}
	c.bus.Publish(ctx, domain.TopicDeviceJoined, domain.DeviceJoinedEvent{DeviceID: deviceID, MAC: mac})
	return deviceID, nil
}

// Approve issues a certificate, seeds the trust score, installs an
// observation-only rule and transitions the device into profiling
// (§4.2, §4.3, §4.11).
func (c *Coordinator) Approve(ctx context.Context, deviceID, adminNote string) error {
	device, err := c.store.Approve(ctx, deviceID, adminNote)
	if err != nil {
		return err
	}

	if _, err := c.ca.Issue(ctx, deviceID, device.MAC); err != nil {
		return fmt.Errorf("onboarding: issue certificate: %w", err)
	}
	if err := c.trust.Initialize(ctx, deviceID, c.initialTrust); err != nil {
		return fmt.Errorf("onboarding: initialize trust: %w", err)
	}

	observeRule := domain.PolicyRule{
		Match:    domain.Match{EthSrc: device.MAC},
		Action:   domain.ActionAllow,
		Priority: 10,
	}
	ruleID := "observe-" + deviceID
	if err := c.switchAd.InstallRule(ctx, ruleID, observeRule.Match, observeRule.Action, observeRule.Priority); err != nil {
		return fmt.Errorf("onboarding: install observation rule: %w", err)
	}

	fingerprint := sha256.Sum256([]byte(device.MAC + ":" + device.Type + ":" + device.OnboardedAt.UTC().Format(time.RFC3339)))
	device.Fingerprint = hex.EncodeToString(fingerprint[:])
	device.Status = domain.StatusProfiling
	device.ProfilingStarted = time.Now()
	if err := c.store.UpdateDevice(ctx, device); err != nil {
		return err
	}

	buf := &profilingBuffer{}
	unsubscribe, err := c.switchAd.RecordObservation(ctx, device.MAC, buf.record)
	if err != nil {
		slog.Warn("onboarding: failed to subscribe to observation channel, baseline will be sparse", "device_id", deviceID, "error", err)
	} else {
		buf.unsubscribe = unsubscribe
	}
	c.buffersMu.Lock()
	c.buffers[deviceID] = buf
	c.buffersMu.Unlock()

	c.bus.Publish(ctx, domain.TopicDeviceStatusChanged, domain.DeviceStatusChangedEvent{
		DeviceID: deviceID, Old: domain.StatusPending, New: domain.StatusProfiling, Timestamp: device.ProfilingStarted,
	})
	slog.Info("device approved, profiling started", "device_id", deviceID, "mac", device.MAC)
	return nil
}

// Reject transitions a pending device to revoked without issuing any
// credentials (§4.3).
func (c *Coordinator) Reject(ctx context.Context, deviceID, adminNote string) error {
	return c.store.Reject(ctx, deviceID, adminNote)
}

// Finalize ends a device's profiling window using whatever observations
// have accumulated so far in its in-memory buffer, either because the
// window elapsed (called by Watcher) or an administrator issued the
// explicit finalize command (§4.3, §6).
func (c *Coordinator) Finalize(ctx context.Context, deviceID string) error {
	c.buffersMu.Lock()
	buf, ok := c.buffers[deviceID]
	delete(c.buffers, deviceID)
	c.buffersMu.Unlock()

	var observations []domain.PacketObservation
	if ok {
		observations = buf.snapshot()
		if buf.unsubscribe != nil {
			buf.unsubscribe()
		}
	}
	return c.FinalizeOnboarding(ctx, deviceID, observations)
}

// FinalizeOnboarding ends a device's profiling window, computes its
// baseline and replaces the observation rule with a least-privilege policy
// derived from the observed flows (§4.3).
func (c *Coordinator) FinalizeOnboarding(ctx context.Context, deviceID string, observations []domain.PacketObservation) error {
	device, err := c.store.GetDevice(ctx, deviceID)
	if err != nil {
		return err
	}
	if device.Status != domain.StatusProfiling {
		return &domain.ConflictError{Reason: "device is not profiling"}
	}

	windowSeconds := c.profilingDuration.Seconds()
	b := baseline.FromObservations(deviceID, observations, windowSeconds, c.minPackets)
	if err := c.store.PutBaseline(ctx, b); err != nil {
		return err
	}

	policy := policyFromBaseline(deviceID, device.MAC, b)
	if err := c.installPolicy(ctx, device.MAC, policy); err != nil {
		return err
	}
	if err := c.store.PutPolicy(ctx, policy); err != nil {
		return err
	}

	device.Status = domain.StatusActive
	if err := c.store.UpdateDevice(ctx, device); err != nil {
		return err
	}
	c.bus.Publish(ctx, domain.TopicDeviceStatusChanged, domain.DeviceStatusChangedEvent{
		DeviceID: deviceID, Old: domain.StatusProfiling, New: domain.StatusActive, Timestamp: time.Now(),
	})
	c.bus.Publish(ctx, domain.TopicPolicyReplaced, domain.PolicyReplacedEvent{DeviceID: deviceID})
	slog.Info("onboarding finalized", "device_id", deviceID, "sparse_baseline", b.Sparse)
	return nil
}

// policyFromBaseline builds the least-privilege policy: one allow rule per
// observed destination IP or port, all at priority 100, terminated by the
// default deny at priority 0 (§4.3, invariant #2, §8 S1).
func policyFromBaseline(deviceID, mac string, b domain.Baseline) domain.Policy {
	var rules []domain.PolicyRule
	for _, ip := range b.TopDstIPs {
		rules = append(rules, domain.PolicyRule{
			Match:    domain.Match{EthSrc: mac, DstIP: ip},
			Action:   domain.ActionAllow,
			Priority: 100,
		})
	}
	for _, port := range b.TopDstPorts {
		rules = append(rules, domain.PolicyRule{
			Match:    domain.Match{EthSrc: mac, DstPort: port},
			Action:   domain.ActionAllow,
			Priority: 100,
		})
	}
	rules = append(rules, domain.DefaultDenyRule())
	return domain.Policy{DeviceID: deviceID, Rules: rules}
}

const (
	installBackoffInitial = time.Second
	installBackoffCap     = 30 * time.Second
	installMaxAttempts    = 5
)

// installPolicy replaces the observation rule with the finalized policy,
// retrying each rule install with exponential backoff and surfacing an
// alert after installMaxAttempts failures (§4.3 failure semantics).
func (c *Coordinator) installPolicy(ctx context.Context, mac string, policy domain.Policy) error {
	if err := c.switchAd.RemoveRule(ctx, "observe-"+policy.DeviceID); err != nil {
		slog.Warn("failed to remove observation rule", "device_id", policy.DeviceID, "error", err)
	}
	for i, rule := range policy.Rules {
		ruleID := fmt.Sprintf("policy-%s-%d", policy.DeviceID, i)
		if err := c.installRuleWithRetry(ctx, policy.DeviceID, ruleID, rule); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) installRuleWithRetry(ctx context.Context, deviceID, ruleID string, rule domain.PolicyRule) error {
	backoff := installBackoffInitial
	var lastErr error
	for attempt := 1; attempt <= installMaxAttempts; attempt++ {
		lastErr = c.switchAd.InstallRule(ctx, ruleID, rule.Match, rule.Action, rule.Priority)
		if lastErr == nil {
			return nil
		}
		if attempt == installMaxAttempts {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > installBackoffCap {
			backoff = installBackoffCap
		}
	}
	slog.Error("onboarding: policy rule install failed after max retries, surfacing operator alert",
		"device_id", deviceID, "rule_id", ruleID, "attempts", installMaxAttempts, "error", lastErr)
	c.bus.Publish(ctx, domain.TopicOperatorAlert, domain.OperatorAlertEvent{
		DeviceID: deviceID, Reason: "policy rule install failed after max retries: " + lastErr.Error(), Timestamp: time.Now(),
	})
	return &domain.SwitchRuleRejectedError{Reason: lastErr.Error()}
}
