package mitigation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/meridian-iot/policycore/internal/core/domain"
	"github.com/meridian-iot/policycore/internal/core/ports"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	threats   map[string]domain.Threat
	rules     map[string]domain.MitigationRule // keyed by origin source IP
	removed   []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{threats: make(map[string]domain.Threat), rules: make(map[string]domain.MitigationRule)}
}

func (f *fakeStore) GetThreat(ctx context.Context, sourceIP string) (domain.Threat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.threats[sourceIP], nil
}

func (f *fakeStore) GetMitigationRule(ctx context.Context, threatSourceIP string) (domain.MitigationRule, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rules[threatSourceIP]
	return r, ok, nil
}

func (f *fakeStore) PutMitigationRule(ctx context.Context, rule domain.MitigationRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules[rule.Match.SrcIP] = rule
	return nil
}

func (f *fakeStore) RemoveMitigationRule(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	for k, r := range f.rules {
		if r.ID == id {
			delete(f.rules, k)
		}
	}
	return nil
}

func (f *fakeStore) ListMitigationRules(ctx context.Context) ([]domain.MitigationRule, error) {
	panic("not used")
}
func (f *fakeStore) RegisterPending(ctx context.Context, mac, suggestedDeviceID string) (string, error) {
	panic("not used")
}
func (f *fakeStore) Approve(ctx context.Context, deviceID, adminNote string) (domain.Device, error) {
	panic("not used")
}
func (f *fakeStore) Reject(ctx context.Context, deviceID, adminNote string) error { panic("not used") }
func (f *fakeStore) GetDevice(ctx context.Context, deviceID string) (domain.Device, error) {
	panic("not used")
}
func (f *fakeStore) GetDeviceByMAC(ctx context.Context, mac string) (domain.Device, error) {
	panic("not used")
}
func (f *fakeStore) UpdateDevice(ctx context.Context, device domain.Device) error { panic("not used") }
func (f *fakeStore) SetStatus(ctx context.Context, deviceID string, status domain.DeviceStatus) error {
	panic("not used")
}
func (f *fakeStore) SetLastSeen(ctx context.Context, deviceID string, ts time.Time) error {
	panic("not used")
}
func (f *fakeStore) ListDevices(ctx context.Context) ([]domain.Device, error) { panic("not used") }
func (f *fakeStore) ListPendingDevices(ctx context.Context) ([]domain.Device, error) {
	panic("not used")
}
func (f *fakeStore) ListProfilingDevices(ctx context.Context) ([]domain.Device, error) {
	panic("not used")
}
func (f *fakeStore) PutBaseline(ctx context.Context, baseline domain.Baseline) error {
	panic("not used")
}
func (f *fakeStore) GetBaseline(ctx context.Context, deviceID string) (domain.Baseline, error) {
	panic("not used")
}
func (f *fakeStore) PutPolicy(ctx context.Context, policy domain.Policy) error { panic("not used") }
func (f *fakeStore) GetPolicy(ctx context.Context, deviceID string) (domain.Policy, error) {
	panic("not used")
}
func (f *fakeStore) AppendTrustEvent(ctx context.Context, entry domain.TrustHistoryEntry) error {
	panic("not used")
}
func (f *fakeStore) CurrentTrust(ctx context.Context, deviceID string) (int, error) {
	panic("not used")
}
func (f *fakeStore) TrustHistory(ctx context.Context, deviceID string, limit int) ([]domain.TrustHistoryEntry, error) {
	panic("not used")
}
func (f *fakeStore) PutCertificate(ctx context.Context, cert domain.Certificate) error {
	panic("not used")
}
func (f *fakeStore) GetCertificate(ctx context.Context, deviceID string) (domain.Certificate, error) {
	panic("not used")
}
func (f *fakeStore) RevokeCertificate(ctx context.Context, deviceID, reason string) error {
	panic("not used")
}
func (f *fakeStore) UpsertThreat(ctx context.Context, threat domain.Threat) error {
	panic("not used")
}
func (f *fakeStore) ListThreats(ctx context.Context) ([]domain.Threat, error) { panic("not used") }
func (f *fakeStore) AgeOutThreats(ctx context.Context, ttl time.Duration) ([]domain.Threat, error) {
	panic("not used")
}
func (f *fakeStore) AppendDecisionAudit(ctx context.Context, audit domain.DecisionAudit) error {
	panic("not used")
}
func (f *fakeStore) DecisionsAudit(ctx context.Context, sinceTS time.Time) ([]domain.DecisionAudit, error) {
	panic("not used")
}
func (f *fakeStore) LastInstalledDecision(ctx context.Context, deviceID string) (domain.Decision, error) {
	panic("not used")
}

type fakeSwitch struct {
	mu       sync.Mutex
	installed map[string]domain.PolicyAction
	removedIDs []string
}

func newFakeSwitch() *fakeSwitch {
	return &fakeSwitch{installed: make(map[string]domain.PolicyAction)}
}

func (s *fakeSwitch) InstallRule(ctx context.Context, ruleID string, match domain.Match, action domain.PolicyAction, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installed[ruleID] = action
	return nil
}

func (s *fakeSwitch) RemoveRule(ctx context.Context, ruleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removedIDs = append(s.removedIDs, ruleID)
	delete(s.installed, ruleID)
	return nil
}

func (s *fakeSwitch) ListRules(ctx context.Context) ([]ports.InstalledRule, error) { panic("not used") }
func (s *fakeSwitch) GetFlowStats(ctx context.Context) ([]domain.FlowStats, error) { panic("not used") }
func (s *fakeSwitch) RecordObservation(ctx context.Context, mac string, callback func(domain.PacketObservation)) (func(), error) {
	panic("not used")
}

type fakeBus struct {
	mu        sync.Mutex
	published []any
}

func (b *fakeBus) Publish(ctx context.Context, topic string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, payload)
}
func (b *fakeBus) Subscribe(topic string) (<-chan any, func()) {
	return make(chan any), func() {}
}

func TestGeneratorInstallsDenyRuleForHighSeverityThreat(t *testing.T) {
	store := newFakeStore()
	store.threats["10.0.0.9"] = domain.Threat{SourceIP: "10.0.0.9", Severity: domain.SeverityHigh}
	sw := newFakeSwitch()
	bus := &fakeBus{}
	g := New(store, sw, bus)

	g.handle(context.Background(), domain.ThreatUpdatedEvent{SourceIP: "10.0.0.9"})

	rule, found, err := store.GetMitigationRule(context.Background(), "10.0.0.9")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, domain.ActionDeny, rule.Action)
	assert.True(t, rule.Permanent)
	assert.Equal(t, domain.ActionDeny, sw.installed[rule.ID])
}

func TestGeneratorIsIdempotentWhenActionUnchanged(t *testing.T) {
	store := newFakeStore()
	store.threats["10.0.0.9"] = domain.Threat{SourceIP: "10.0.0.9", Severity: domain.SeverityHigh}
	store.rules["10.0.0.9"] = domain.MitigationRule{ID: "existing-rule", Match: domain.Match{SrcIP: "10.0.0.9"}, Action: domain.ActionDeny}
	sw := newFakeSwitch()
	bus := &fakeBus{}
	g := New(store, sw, bus)

	g.handle(context.Background(), domain.ThreatUpdatedEvent{SourceIP: "10.0.0.9"})

	assert.Empty(t, sw.installed, "no new install should occur when the required action hasn't changed")
}

func TestExpireStaleRemovesNonPermanentRules(t *testing.T) {
	store := newFakeStore()
	store.rules["10.0.0.5"] = domain.MitigationRule{ID: "r1", Match: domain.Match{SrcIP: "10.0.0.5"}, Permanent: false}
	sw := newFakeSwitch()
	sw.installed["r1"] = domain.ActionRedirect
	bus := &fakeBus{}
	g := New(store, sw, bus)

	g.ExpireStale(context.Background(), []domain.Threat{{SourceIP: "10.0.0.5"}})

	assert.Contains(t, sw.removedIDs, "r1")
	_, found, _ := store.GetMitigationRule(context.Background(), "10.0.0.5")
	assert.False(t, found)
}

func TestExpireStaleKeepsPermanentRules(t *testing.T) {
	store := newFakeStore()
	store.rules["10.0.0.5"] = domain.MitigationRule{ID: "r1", Match: domain.Match{SrcIP: "10.0.0.5"}, Permanent: true}
	sw := newFakeSwitch()
	bus := &fakeBus{}
	g := New(store, sw, bus)

	g.ExpireStale(context.Background(), []domain.Threat{{SourceIP: "10.0.0.5"}})

	assert.Empty(t, sw.removedIDs)
	_, found, _ := store.GetMitigationRule(context.Background(), "10.0.0.5")
	assert.True(t, found)
}
