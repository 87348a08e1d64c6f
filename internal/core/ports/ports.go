// Package ports defines the interfaces the core's services depend on,
// following the teacher's hexagonal layout (internal/core/ports).
package ports

import (
	"context"
	"time"

	"github.com/meridian-iot/policycore/internal/core/domain"
)

// IdentityStore is the exclusive owner of Device, Certificate, Baseline,
// Policy and TrustScore rows (§4.1). All state-changing operations are
// atomic per device; reads never observe a partial write.
type IdentityStore interface {
	RegisterPending(ctx context.Context, mac, suggestedDeviceID string) (string, error)
	Approve(ctx context.Context, deviceID, adminNote string) (domain.Device, error)
	Reject(ctx context.Context, deviceID, adminNote string) error

	GetDevice(ctx context.Context, deviceID string) (domain.Device, error)
	GetDeviceByMAC(ctx context.Context, mac string) (domain.Device, error)
	UpdateDevice(ctx context.Context, device domain.Device) error
	SetStatus(ctx context.Context, deviceID string, status domain.DeviceStatus) error
	SetLastSeen(ctx context.Context, deviceID string, ts time.Time) error
	ListDevices(ctx context.Context) ([]domain.Device, error)
	ListPendingDevices(ctx context.Context) ([]domain.Device, error)
	ListProfilingDevices(ctx context.Context) ([]domain.Device, error)

	PutBaseline(ctx context.Context, baseline domain.Baseline) error
	GetBaseline(ctx context.Context, deviceID string) (domain.Baseline, error)

	PutPolicy(ctx context.Context, policy domain.Policy) error
	GetPolicy(ctx context.Context, deviceID string) (domain.Policy, error)

	AppendTrustEvent(ctx context.Context, entry domain.TrustHistoryEntry) error
	CurrentTrust(ctx context.Context, deviceID string) (int, error)
	TrustHistory(ctx context.Context, deviceID string, limit int) ([]domain.TrustHistoryEntry, error)

	PutCertificate(ctx context.Context, cert domain.Certificate) error
	GetCertificate(ctx context.Context, deviceID string) (domain.Certificate, error)
	RevokeCertificate(ctx context.Context, deviceID, reason string) error

	UpsertThreat(ctx context.Context, threat domain.Threat) error
	GetThreat(ctx context.Context, sourceIP string) (domain.Threat, error)
	ListThreats(ctx context.Context) ([]domain.Threat, error)
	AgeOutThreats(ctx context.Context, ttl time.Duration) ([]domain.Threat, error)

	PutMitigationRule(ctx context.Context, rule domain.MitigationRule) error
	GetMitigationRule(ctx context.Context, threatSourceIP string) (domain.MitigationRule, bool, error)
	ListMitigationRules(ctx context.Context) ([]domain.MitigationRule, error)
	RemoveMitigationRule(ctx context.Context, id string) error

	AppendDecisionAudit(ctx context.Context, audit domain.DecisionAudit) error
	DecisionsAudit(ctx context.Context, sinceTS time.Time) ([]domain.DecisionAudit, error)
	LastInstalledDecision(ctx context.Context, deviceID string) (domain.Decision, error)
}

// CertificateAuthority issues, validates and revokes device certificates
// (§4.2). It holds a single self-signed root.
type CertificateAuthority interface {
	InitOrLoadRoot(ctx context.Context) error
	Issue(ctx context.Context, deviceID, mac string) (domain.Certificate, error)
	Validate(ctx context.Context, deviceID string) domain.ValidationResult
	Revoke(ctx context.Context, deviceID, reason string) error
}

// TrustScorer maintains the in-memory current score and the append-only
// history for every device (§4.4).
type TrustScorer interface {
	Initialize(ctx context.Context, deviceID string, initial int) error
	Adjust(ctx context.Context, deviceID string, delta int, reason string) (int, error)
	RecordAlert(ctx context.Context, deviceID string, kind string, severity domain.Severity) (int, error)
	RecordAttestationFailure(ctx context.Context, deviceID string) (int, error)
	Get(ctx context.Context, deviceID string) (int, error)
	AllScores(ctx context.Context) map[string]int
}

// SwitchAdapter abstracts one or more programmable switches (§4.11).
// Device identity is not known to the switch; every match is keyed by MAC
// (EthSrc) for device-scoped rules, or by SrcIP for mitigation rules.
type SwitchAdapter interface {
	InstallRule(ctx context.Context, ruleID string, match domain.Match, action domain.PolicyAction, priority int) error
	RemoveRule(ctx context.Context, ruleID string) error
	ListRules(ctx context.Context) ([]InstalledRule, error)
	GetFlowStats(ctx context.Context) ([]domain.FlowStats, error)
	RecordObservation(ctx context.Context, mac string, callback func(domain.PacketObservation)) (unsubscribe func(), err error)
}

// InstalledRule is a forwarding rule currently installed on the switch(es).
type InstalledRule struct {
	RuleID   string
	Match    domain.Match
	Action   domain.PolicyAction
	Priority int
}

// EventBus is the in-process pub/sub described in §5: bounded
// per-subscriber queues, drop-oldest-on-overflow backpressure.
type EventBus interface {
	Publish(ctx context.Context, topic string, payload any)
	Subscribe(topic string) (ch <-chan any, cancel func())
}

// HoneypotSource yields honeypot events as they are tailed from the log
// stream (§4.8, §6).
type HoneypotSource interface {
	Events(ctx context.Context) (<-chan domain.HoneypotEvent, error)
}
