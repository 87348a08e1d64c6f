package storage

import (
	"context"
	"testing"
	"time"

	"github.com/meridian-iot/policycore/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func setupInMemoryDB(t *testing.T) *SQLiteAdapter {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	err = db.AutoMigrate(
		&DeviceModel{}, &BaselineModel{}, &PolicyModel{}, &TrustHistoryModel{},
		&CertificateModel{}, &ThreatModel{}, &MitigationRuleModel{}, &DecisionAuditModel{},
	)
	require.NoError(t, err)

	return &SQLiteAdapter{db: db}
}

func TestRegisterPendingAndGetDevice(t *testing.T) {
	a := setupInMemoryDB(t)

	deviceID, err := a.RegisterPending(context.Background(), "aa:bb:cc:dd:ee:ff", "")
	require.NoError(t, err)
	assert.NotEmpty(t, deviceID)

	device, err := a.GetDevice(context.Background(), deviceID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, device.Status)
	assert.Equal(t, "aa:bb:cc:dd:ee:ff", device.MAC)
}

func TestGetDeviceByMACExcludesRevoked(t *testing.T) {
	a := setupInMemoryDB(t)

	deviceID, err := a.RegisterPending(context.Background(), "aa:bb:cc:dd:ee:ff", "dev-1")
	require.NoError(t, err)
	require.NoError(t, a.SetStatus(context.Background(), deviceID, domain.StatusRevoked))

	_, err = a.GetDeviceByMAC(context.Background(), "aa:bb:cc:dd:ee:ff")
	var notFound *domain.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestApproveRejectsNonPendingDevice(t *testing.T) {
	a := setupInMemoryDB(t)

	deviceID, err := a.RegisterPending(context.Background(), "aa:bb:cc:dd:ee:ff", "dev-1")
	require.NoError(t, err)
	_, err = a.Approve(context.Background(), deviceID, "")
	require.NoError(t, err)

	_, err = a.Approve(context.Background(), deviceID, "")
	var conflict *domain.ConflictError
	assert.ErrorAs(t, err, &conflict)
}

func TestTrustHistoryOrderingAndCurrentTrust(t *testing.T) {
	a := setupInMemoryDB(t)
	deviceID := "dev-1"

	require.NoError(t, a.AppendTrustEvent(context.Background(), domain.TrustHistoryEntry{DeviceID: deviceID, ScoreAfter: 70, Reason: "onboarded", Timestamp: time.Now()}))
	require.NoError(t, a.AppendTrustEvent(context.Background(), domain.TrustHistoryEntry{DeviceID: deviceID, ScoreAfter: 55, Delta: -15, Reason: "alert:dos", Timestamp: time.Now()}))

	current, err := a.CurrentTrust(context.Background(), deviceID)
	require.NoError(t, err)
	assert.Equal(t, 55, current)

	unknown, err := a.CurrentTrust(context.Background(), "never-scored")
	require.NoError(t, err)
	assert.Equal(t, domain.TrustInitial, unknown)
}

func TestPolicyRoundTripsRulesAsJSON(t *testing.T) {
	a := setupInMemoryDB(t)
	policy := domain.Policy{
		DeviceID: "dev-1",
		Rules: []domain.PolicyRule{
			{Match: domain.Match{EthSrc: "aa:bb:cc:dd:ee:ff", DstIP: "10.0.0.1"}, Action: domain.ActionAllow, Priority: 100},
			domain.DefaultDenyRule(),
		},
	}
	require.NoError(t, a.PutPolicy(context.Background(), policy))

	stored, err := a.GetPolicy(context.Background(), "dev-1")
	require.NoError(t, err)
	assert.True(t, stored.EndsInDefaultDeny())
	assert.Len(t, stored.Rules, 2)
	assert.Equal(t, "10.0.0.1", stored.Rules[0].Match.DstIP)
}

func TestAgeOutThreatsReturnsAndDeletesExpired(t *testing.T) {
	a := setupInMemoryDB(t)

	require.NoError(t, a.UpsertThreat(context.Background(), domain.Threat{SourceIP: "10.0.0.1", LastSeen: time.Now().Add(-2 * time.Hour)}))
	require.NoError(t, a.UpsertThreat(context.Background(), domain.Threat{SourceIP: "10.0.0.2", LastSeen: time.Now()}))

	expired, err := a.AgeOutThreats(context.Background(), time.Hour)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "10.0.0.1", expired[0].SourceIP)

	remaining, err := a.ListThreats(context.Background())
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "10.0.0.2", remaining[0].SourceIP)
}

func TestMitigationRuleLookupByNotFoundIsNotAnError(t *testing.T) {
	a := setupInMemoryDB(t)

	_, found, err := a.GetMitigationRule(context.Background(), "10.0.0.9")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestDecisionAuditOrderingAndLastInstalledDecision(t *testing.T) {
	a := setupInMemoryDB(t)
	deviceID := "dev-1"

	require.NoError(t, a.AppendDecisionAudit(context.Background(), domain.DecisionAudit{DeviceID: deviceID, Decision: domain.DecisionAllow, Timestamp: time.Now()}))
	require.NoError(t, a.AppendDecisionAudit(context.Background(), domain.DecisionAudit{DeviceID: deviceID, Decision: domain.DecisionQuarantine, Timestamp: time.Now()}))

	last, err := a.LastInstalledDecision(context.Background(), deviceID)
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionQuarantine, last)

	none, err := a.LastInstalledDecision(context.Background(), "unknown-device")
	require.NoError(t, err)
	assert.Equal(t, domain.DecisionNone, none)
}

func TestRejectRetainsRowAsRevoked(t *testing.T) {
	a := setupInMemoryDB(t)

	deviceID, err := a.RegisterPending(context.Background(), "aa:bb:cc:dd:ee:ff", "dev-1")
	require.NoError(t, err)

	require.NoError(t, a.Reject(context.Background(), deviceID, "suspicious MAC prefix"))

	device, err := a.GetDevice(context.Background(), deviceID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRevoked, device.Status)
	assert.Equal(t, "suspicious MAC prefix", device.AdminNote)
}
