package trust

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/meridian-iot/policycore/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is a minimal in-memory stand-in for ports.IdentityStore,
// covering only what the Trust Scorer touches; every other method panics
// if ever called, so a test relying on unimplemented behavior fails loudly.
type fakeStore struct {
	mu      sync.Mutex
	history []domain.TrustHistoryEntry
	current map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{current: make(map[string]int)}
}

func (f *fakeStore) AppendTrustEvent(ctx context.Context, entry domain.TrustHistoryEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.history = append(f.history, entry)
	f.current[entry.DeviceID] = entry.ScoreAfter
	return nil
}

func (f *fakeStore) CurrentTrust(ctx context.Context, deviceID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current[deviceID], nil
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
func (f *fakeStore) TrustHistory(ctx context.Context, deviceID string, limit int) ([]domain.TrustHistoryEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
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

// fakeBus records every publish so tests can assert on threshold crossings.
type fakeBus struct {
	mu        sync.Mutex
	published []domain.TrustChangedEvent
}

func (b *fakeBus) Publish(ctx context.Context, topic string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if evt, ok := payload.(domain.TrustChangedEvent); ok {
		b.published = append(b.published, evt)
	}
}

func (b *fakeBus) Subscribe(topic string) (<-chan any, func()) {
	ch := make(chan any)
	return ch, func() {}
}

func (b *fakeBus) events() []domain.TrustChangedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]domain.TrustChangedEvent(nil), b.published...)
}

func TestScorerInitializeAndGet(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	s := New(store, bus, DefaultThresholds)

	require.NoError(t, s.Initialize(context.Background(), "dev-1", 70))
	score, err := s.Get(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 70, score)
}

func TestScorerAdjustClampsAndRecords(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	s := New(store, bus, DefaultThresholds)
	require.NoError(t, s.Initialize(context.Background(), "dev-1", 10))

	score, err := s.Adjust(context.Background(), "dev-1", -40, "test")
	require.NoError(t, err)
	assert.Equal(t, domain.TrustMin, score) // clamped at 0, not -30

	score, err = s.Adjust(context.Background(), "dev-1", 500, "test")
	require.NoError(t, err)
	assert.Equal(t, domain.TrustMax, score) // clamped at 100
}

func TestScorerNotifiesOnDownwardCrossing(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	s := New(store, bus, DefaultThresholds) // levels 70/50/30, hysteresis 5
	require.NoError(t, s.Initialize(context.Background(), "dev-1", 75))

	_, err := s.Adjust(context.Background(), "dev-1", -10, "alert:dos") // 75 -> 65, crosses 70 downward
	require.NoError(t, err)

	events := bus.events()
	require.Len(t, events, 1)
	assert.Equal(t, 70, events[0].Crossed)
	assert.Equal(t, "down", events[0].Direction)
}

func TestScorerDoesNotNotifyOnUpwardCrossingWithoutHysteresis(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	s := New(store, bus, DefaultThresholds)
	require.NoError(t, s.Initialize(context.Background(), "dev-1", 68)) // just below 70

	_, err := s.Adjust(context.Background(), "dev-1", 3, "recovery") // 68 -> 71, but not >= 70+5
	require.NoError(t, err)

	assert.Empty(t, bus.events())
}

func TestScorerNotifiesOnUpwardCrossingPastHysteresis(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	s := New(store, bus, DefaultThresholds)
	require.NoError(t, s.Initialize(context.Background(), "dev-1", 60)) // below 70-5

	_, err := s.Adjust(context.Background(), "dev-1", 20, "recovery") // 60 -> 80
	require.NoError(t, err)

	events := bus.events()
	require.NotEmpty(t, events)
	assert.Equal(t, "up", events[0].Direction)
}

func TestRecordAlertPenaltyTable(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	s := New(store, bus, DefaultThresholds)
	require.NoError(t, s.Initialize(context.Background(), "dev-1", 100))

	score, err := s.RecordAlert(context.Background(), "dev-1", string(domain.AlertDoS), domain.SeverityHigh)
	require.NoError(t, err)
	assert.Equal(t, 70, score) // -30 for high-severity behavioral alert

	score, err = s.RecordAlert(context.Background(), "dev-1", string(domain.AlertHoneypotHit), domain.SeverityCritical)
	require.NoError(t, err)
	assert.Equal(t, 10, score) // -60 for a confirmed honeypot hit
}

func TestRecordAttestationFailure(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	s := New(store, bus, DefaultThresholds)
	require.NoError(t, s.Initialize(context.Background(), "dev-1", 50))

	score, err := s.RecordAttestationFailure(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, 30, score)
}

func TestScorerConcurrentAdjustIsRaceFree(t *testing.T) {
	store := newFakeStore()
	bus := &fakeBus{}
	s := New(store, bus, DefaultThresholds)
	require.NoError(t, s.Initialize(context.Background(), "dev-1", 50))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Adjust(context.Background(), "dev-1", 1, "concurrent")
		}()
	}
	wg.Wait()

	score, err := s.Get(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.Equal(t, domain.TrustMax, score) // 50 + 50, clamped at 100
}
