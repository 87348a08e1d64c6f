package onboarding

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
	mu       sync.Mutex
	devices  map[string]domain.Device
	byMAC    map[string]string
	policies map[string]domain.Policy
	baselines map[string]domain.Baseline
	nextID   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		devices:   make(map[string]domain.Device),
		byMAC:     make(map[string]string),
		policies:  make(map[string]domain.Policy),
		baselines: make(map[string]domain.Baseline),
	}
}

func (f *fakeStore) RegisterPending(ctx context.Context, mac, suggestedDeviceID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := suggestedDeviceID
	if id == "" {
		f.nextID++
		id = "dev-auto"
	}
	f.devices[id] = domain.Device{DeviceID: id, MAC: mac, Status: domain.StatusPending}
	f.byMAC[mac] = id
	return id, nil
}

func (f *fakeStore) Approve(ctx context.Context, deviceID, adminNote string) (domain.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.devices[deviceID]
	d.Status = domain.StatusProfiling
	d.AdminNote = adminNote
	f.devices[deviceID] = d
	return d, nil
}

func (f *fakeStore) Reject(ctx context.Context, deviceID, adminNote string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, deviceID)
	return nil
}

func (f *fakeStore) GetDevice(ctx context.Context, deviceID string) (domain.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[deviceID]
	if !ok {
		return domain.Device{}, &domain.NotFoundError{Entity: "device", ID: deviceID}
	}
	return d, nil
}

func (f *fakeStore) GetDeviceByMAC(ctx context.Context, mac string) (domain.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byMAC[mac]
	if !ok {
		return domain.Device{}, &domain.NotFoundError{Entity: "device", ID: mac}
	}
	return f.devices[id], nil
}

func (f *fakeStore) UpdateDevice(ctx context.Context, device domain.Device) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[device.DeviceID] = device
	return nil
}

func (f *fakeStore) PutBaseline(ctx context.Context, baseline domain.Baseline) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baselines[baseline.DeviceID] = baseline
	return nil
}

func (f *fakeStore) PutPolicy(ctx context.Context, policy domain.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policies[policy.DeviceID] = policy
	return nil
}

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
func (f *fakeStore) GetBaseline(ctx context.Context, deviceID string) (domain.Baseline, error) {
	panic("not used")
}
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
func (f *fakeStore) GetThreat(ctx context.Context, sourceIP string) (domain.Threat, error) {
	panic("not used")
}
func (f *fakeStore) ListThreats(ctx context.Context) ([]domain.Threat, error) { panic("not used") }
func (f *fakeStore) AgeOutThreats(ctx context.Context, ttl time.Duration) ([]domain.Threat, error) {
	panic("not used")
}
func (f *fakeStore) PutMitigationRule(ctx context.Context, rule domain.MitigationRule) error {
	panic("not used")
}
func (f *fakeStore) GetMitigationRule(ctx context.Context, threatSourceIP string) (domain.MitigationRule, bool, error) {
	panic("not used")
}
func (f *fakeStore) ListMitigationRules(ctx context.Context) ([]domain.MitigationRule, error) {
	panic("not used")
}
func (f *fakeStore) RemoveMitigationRule(ctx context.Context, id string) error { panic("not used") }
func (f *fakeStore) AppendDecisionAudit(ctx context.Context, audit domain.DecisionAudit) error {
	panic("not used")
}
func (f *fakeStore) DecisionsAudit(ctx context.Context, sinceTS time.Time) ([]domain.DecisionAudit, error) {
	panic("not used")
}
func (f *fakeStore) LastInstalledDecision(ctx context.Context, deviceID string) (domain.Decision, error) {
	panic("not used")
}

type fakeCA struct{}

func (fakeCA) InitOrLoadRoot(ctx context.Context) error { return nil }
func (fakeCA) Issue(ctx context.Context, deviceID, mac string) (domain.Certificate, error) {
	return domain.Certificate{SerialNumber: "serial-" + deviceID, DeviceID: deviceID, MAC: mac}, nil
}
func (fakeCA) Validate(ctx context.Context, deviceID string) domain.ValidationResult {
	return domain.ValidationResult{Valid: true}
}
func (fakeCA) Revoke(ctx context.Context, deviceID, reason string) error { return nil }

type fakeTrust struct{ initialized map[string]int }

func (t *fakeTrust) Initialize(ctx context.Context, deviceID string, initial int) error {
	if t.initialized == nil {
		t.initialized = make(map[string]int)
	}
	t.initialized[deviceID] = initial
	return nil
}
func (t *fakeTrust) Adjust(ctx context.Context, deviceID string, delta int, reason string) (int, error) {
	panic("not used")
}
func (t *fakeTrust) RecordAlert(ctx context.Context, deviceID string, kind string, severity domain.Severity) (int, error) {
	panic("not used")
}
func (t *fakeTrust) RecordAttestationFailure(ctx context.Context, deviceID string) (int, error) {
	panic("not used")
}
func (t *fakeTrust) Get(ctx context.Context, deviceID string) (int, error) { panic("not used") }
func (t *fakeTrust) AllScores(ctx context.Context) map[string]int         { panic("not used") }

type fakeBus struct {
	mu        sync.Mutex
	published []any
}

func (b *fakeBus) Publish(ctx context.Context, topic string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, payload)
}
func (b *fakeBus) Subscribe(topic string) (<-chan any, func()) { return make(chan any), func() {} }

type fakeSwitch struct {
	mu        sync.Mutex
	installed map[string]domain.PolicyAction
	removed   []string
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
	s.removed = append(s.removed, ruleID)
	delete(s.installed, ruleID)
	return nil
}
func (s *fakeSwitch) ListRules(ctx context.Context) ([]ports.InstalledRule, error) { panic("not used") }
func (s *fakeSwitch) GetFlowStats(ctx context.Context) ([]domain.FlowStats, error) { panic("not used") }
func (s *fakeSwitch) RecordObservation(ctx context.Context, mac string, callback func(domain.PacketObservation)) (func(), error) {
	return func() {}, nil
}

func newCoordinator() (*Coordinator, *fakeStore, *fakeSwitch) {
	store := newFakeStore()
	sw := newFakeSwitch()
	c := New(store, fakeCA{}, &fakeTrust{}, &fakeBus{}, sw, 5*time.Minute, 5, 70)
	return c, store, sw
}

func TestRegisterPendingRejectsDuplicateActiveMAC(t *testing.T) {
	c, store, _ := newCoordinator()
	store.devices["existing"] = domain.Device{DeviceID: "existing", MAC: "aa:bb:cc:dd:ee:ff", Status: domain.StatusActive}
	store.byMAC["aa:bb:cc:dd:ee:ff"] = "existing"

	_, err := c.RegisterPending(context.Background(), "aa:bb:cc:dd:ee:ff", "")
	assert.ErrorIs(t, err, domain.ErrDuplicateMAC)
}

func TestRegisterPendingAllowsReuseOfRevokedMAC(t *testing.T) {
	c, store, _ := newCoordinator()
	store.devices["old"] = domain.Device{DeviceID: "old", MAC: "aa:bb:cc:dd:ee:ff", Status: domain.StatusRevoked}
	store.byMAC["aa:bb:cc:dd:ee:ff"] = "old"

	_, err := c.RegisterPending(context.Background(), "aa:bb:cc:dd:ee:ff", "new-dev")
	assert.NoError(t, err)
}

func TestApproveTransitionsToProfilingAndSeedsTrust(t *testing.T) {
	c, store, sw := newCoordinator()
	store.devices["dev-1"] = domain.Device{DeviceID: "dev-1", MAC: "aa:bb:cc:dd:ee:ff", Status: domain.StatusPending}

	require.NoError(t, c.Approve(context.Background(), "dev-1", "trusted"))

	device, err := store.GetDevice(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProfiling, device.Status)
	assert.False(t, device.ProfilingStarted.IsZero())
	assert.Equal(t, domain.ActionAllow, sw.installed["observe-dev-1"])
	assert.Equal(t, 70, c.trust.(*fakeTrust).initialized["dev-1"])
}

func TestFinalizeOnboardingRejectsNonProfilingDevice(t *testing.T) {
	c, store, _ := newCoordinator()
	store.devices["dev-1"] = domain.Device{DeviceID: "dev-1", Status: domain.StatusActive}

	err := c.FinalizeOnboarding(context.Background(), "dev-1", nil)
	var conflict *domain.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestFinalizeOnboardingInstallsLeastPrivilegePolicy(t *testing.T) {
	c, store, sw := newCoordinator()
	store.devices["dev-1"] = domain.Device{DeviceID: "dev-1", MAC: "aa:bb:cc:dd:ee:ff", Status: domain.StatusProfiling}

	obs := []domain.PacketObservation{
		{DstIP: "10.0.0.1", DstPort: 443, Protocol: "tcp", Size: 100},
		{DstIP: "10.0.0.1", DstPort: 443, Protocol: "tcp", Size: 100},
		{DstIP: "10.0.0.1", DstPort: 443, Protocol: "tcp", Size: 100},
		{DstIP: "10.0.0.1", DstPort: 443, Protocol: "tcp", Size: 100},
		{DstIP: "10.0.0.1", DstPort: 443, Protocol: "tcp", Size: 100},
	}
	require.NoError(t, c.FinalizeOnboarding(context.Background(), "dev-1", obs))

	policy := store.policies["dev-1"]
	assert.True(t, policy.EndsInDefaultDeny())

	device, err := store.GetDevice(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, device.Status)

	assert.NotContains(t, sw.installed, "observe-dev-1", "observation rule must be removed once the finalized policy is installed")
}
