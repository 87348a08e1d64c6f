// Package attestation implements the Attestation Loop (component F): a
// periodic ticker that re-validates every active device's certificate and
// penalizes trust on failure (§4.2), grounded in the teacher's periodic
// cleanup loop shape (app.NetworkService.StartCleanupLoop).
package attestation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meridian-iot/policycore/internal/core/domain"
	"github.com/meridian-iot/policycore/internal/core/ports"
	"github.com/meridian-iot/policycore/internal/telemetry"
)

// Loop periodically attests every active device against the three checks
// of §4.5: certificate validity, last-seen recency and, for devices that
// have ever produced a flow sample with a non-zero packet count
// ("heartbeat-expected"), non-zero packet
// activity in the last interval. All three must pass; partial failure is
// failure.
type Loop struct {
	store ports.IdentityStore
	ca    ports.CertificateAuthority
	trust ports.TrustScorer
	bus   ports.EventBus

	mu          sync.Mutex
	lastNonZero map[string]time.Time
}

// New builds an attestation Loop.
func New(store ports.IdentityStore, ca ports.CertificateAuthority, trust ports.TrustScorer, bus ports.EventBus) *Loop {
	return &Loop{store: store, ca: ca, trust: trust, bus: bus, lastNonZero: make(map[string]time.Time)}
}

// Run blocks, attesting every interval until ctx is cancelled. It also
// tracks per-device packet activity off TopicFlowSample for the heartbeat
// check.
func (l *Loop) Run(ctx context.Context, interval time.Duration) {
	flowCh, cancel := l.bus.Subscribe(domain.TopicFlowSample)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-flowCh:
			if ev, ok := payload.(domain.FlowSampleEvent); ok && ev.Stats.Packets > 0 {
				l.mu.Lock()
				l.lastNonZero[ev.DeviceID] = time.Now()
				l.mu.Unlock()
			}
		case <-ticker.C:
			l.runOnce(ctx, interval)
		}
	}
}

func (l *Loop) runOnce(ctx context.Context, interval time.Duration) {
	devices, err := l.store.ListDevices(ctx)
	if err != nil {
		slog.Error("attestation: list devices", "error", err)
		return
	}
	now := time.Now()
	for _, d := range devices {
		if d.Status != domain.StatusActive {
			continue
		}
		reason, ok := l.check(d, now, interval)
		if ok {
			continue
		}
		slog.Warn("attestation failed", "device_id", d.DeviceID, "reason", reason)
		telemetry.AttestationFailures.WithLabelValues(reason).Inc()
		if _, err := l.trust.RecordAttestationFailure(ctx, d.DeviceID); err != nil {
			slog.Error("attestation: record trust penalty", "device_id", d.DeviceID, "error", err)
		}
		// SeverityHigh is deliberate, not a default: any attestation failure
		// (a bad cert, a device gone silent, a heartbeat device with no
		// traffic) is treated as a potential compromise of the device's
		// identity, which §4.10's decision cascade quarantines regardless of
		// trust score. The -20 trust penalty (above) still applies on its
		// own path; this alert is the independent, trust-agnostic signal.
		l.bus.Publish(ctx, domain.TopicAlert, domain.Alert{
			DeviceID:  d.DeviceID,
			Kind:      domain.AlertAttestationFail,
			Severity:  domain.SeverityHigh,
			Timestamp: now,
		})
	}
}

// check runs the three §4.5 checks in order and returns the first failure
// reason, or ("", true) if all pass.
func (l *Loop) check(d domain.Device, now time.Time, interval time.Duration) (string, bool) {
	result := l.ca.Validate(context.Background(), d.DeviceID)
	if !result.Valid {
		return "cert:" + string(result.Reason), false
	}

	if !d.LastSeen.IsZero() && now.Sub(d.LastSeen) > 2*interval {
		return "stale_last_seen", false
	}

	l.mu.Lock()
	last, heartbeatExpected := l.lastNonZero[d.DeviceID]
	l.mu.Unlock()
	if heartbeatExpected && now.Sub(last) > interval {
		return "no_packet_activity", false
	}

	return "", true
}
