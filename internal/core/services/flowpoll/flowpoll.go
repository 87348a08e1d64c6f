// Package flowpoll implements the Flow Poller (component G): a periodic
// ticker that pulls aggregated flow stats from the Switch Adapter for
// every sample whose MAC resolves to a known, non-revoked device (whatever
// its onboarding status) and republishes them on the event bus, feeding both
// the Anomaly Detector and the Behavioral Baseline's EMA updates (§4.6).
package flowpoll

import (
	"context"
	"log/slog"
	"time"

	"github.com/meridian-iot/policycore/internal/core/domain"
	"github.com/meridian-iot/policycore/internal/core/ports"
)

// Poller fetches flow stats on a fixed interval.
type Poller struct {
	store      ports.IdentityStore
	switchAd   ports.SwitchAdapter
	bus        ports.EventBus
	macToID    func(ctx context.Context, mac string) (string, error)
}

// New builds a Poller. macToID resolves a FlowStats sample's MAC to the
// owning device ID; New builds it on top of store.GetDeviceByMAC.
func New(store ports.IdentityStore, switchAd ports.SwitchAdapter, bus ports.EventBus) *Poller {
	p := &Poller{store: store, switchAd: switchAd, bus: bus}
	p.macToID = func(ctx context.Context, mac string) (string, error) {
		d, err := store.GetDeviceByMAC(ctx, mac)
		if err != nil {
			return "", err
		}
		return d.DeviceID, nil
	}
	return p
}

// Run blocks, polling every interval until ctx is cancelled.
func (p *Poller) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx)
		}
	}
}

func (p *Poller) pollOnce(ctx context.Context) {
	samples, err := p.switchAd.GetFlowStats(ctx)
	if err != nil {
		slog.Warn("flow poll failed", "error", err)
		return
	}
	now := time.Now()
	for _, sample := range samples {
		deviceID, err := p.macToID(ctx, sample.DeviceMAC)
		if err != nil {
			continue // unknown MAC: not a provisioned device, ignore
		}
		if sample.Packets > 0 {
			// The switch observed live traffic for this device this
			// interval: refresh last_seen so the attestation loop's
			// liveness check (§4.5 check b) reflects it, instead of only
			// ever seeing the timestamp RegisterPending set at enrollment.
			if err := p.store.SetLastSeen(ctx, deviceID, now); err != nil {
				slog.Warn("flow poll: set last seen", "device_id", deviceID, "error", err)
			}
		}
		p.bus.Publish(ctx, domain.TopicFlowSample, domain.FlowSampleEvent{DeviceID: deviceID, Stats: sample})
	}
}
