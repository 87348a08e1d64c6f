package storage

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/meridian-iot/policycore/internal/core/domain"
)

// SQLiteAdapter implements ports.IdentityStore using GORM and SQLite.
type SQLiteAdapter struct {
	db *gorm.DB
}

// New initializes the database, migrates the schema and tunes SQLite for a
// single-writer/many-reader workload.
func New(path string) (*SQLiteAdapter, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		return nil, &domain.StorageError{Cause: err}
	}

	if err := db.AutoMigrate(
		&DeviceModel{}, &BaselineModel{}, &PolicyModel{}, &TrustHistoryModel{},
		&CertificateModel{}, &ThreatModel{}, &MitigationRuleModel{}, &DecisionAuditModel{},
	); err != nil {
		return nil, &domain.StorageError{Cause: err}
	}

	if err := db.Use(tracing.NewPlugin()); err != nil {
		log.Printf("Warning: failed to enable gorm tracing plugin: %v", err)
	}

	db.Exec("PRAGMA journal_mode=WAL;")
	db.Exec("PRAGMA busy_timeout=5000;")
	db.Exec("PRAGMA synchronous=NORMAL;")

	return &SQLiteAdapter{db: db}, nil
}

func notFound(entity, id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &domain.NotFoundError{Entity: entity, ID: id}
	}
	return &domain.StorageError{Cause: err}
}

// RegisterPending creates a device row in the pending state.
func (a *SQLiteAdapter) RegisterPending(ctx context.Context, mac, suggestedDeviceID string) (string, error) {
	deviceID := suggestedDeviceID
	if deviceID == "" {
		deviceID = "dev-" + uuid.NewString()[:8]
	}
	model := DeviceModel{
		DeviceID:    deviceID,
		MAC:         mac,
		Status:      string(domain.StatusPending),
		OnboardedAt: time.Now(),
		LastSeen:    time.Now(),
	}
	if err := a.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isUniqueConstraint(err) {
			return "", domain.ErrDuplicateDeviceID
		}
		return "", &domain.StorageError{Cause: err}
	}
	return deviceID, nil
}

// Approve records administrative acceptance of a pending device by storing
// the admin note; the status stays pending here and the onboarding
// coordinator moves it on. It returns the row as it stands immediately
// before onboarding continues.
func (a *SQLiteAdapter) Approve(ctx context.Context, deviceID, adminNote string) (domain.Device, error) {
	var model DeviceModel
	if err := a.db.WithContext(ctx).First(&model, "device_id = ?", deviceID).Error; err != nil {
		return domain.Device{}, notFound("device", deviceID, err)
	}
	if model.Status != string(domain.StatusPending) {
		return domain.Device{}, &domain.ConflictError{Reason: "device is not pending"}
	}
	model.AdminNote = adminNote
	if err := a.db.WithContext(ctx).Save(&model).Error; err != nil {
		return domain.Device{}, &domain.StorageError{Cause: err}
	}
	return modelToDevice(model), nil
}

// Reject transitions a pending device straight to revoked, no certificate
// ever issued (§4.3). The row is kept, not deleted: §3 requires revoked
// devices to retain their row for audit.
func (a *SQLiteAdapter) Reject(ctx context.Context, deviceID, adminNote string) error {
	res := a.db.WithContext(ctx).Model(&DeviceModel{}).
		Where("device_id = ? AND status = ?", deviceID, string(domain.StatusPending)).
		Updates(map[string]any{"status": string(domain.StatusRevoked), "admin_note": adminNote})
	if res.Error != nil {
		return &domain.StorageError{Cause: res.Error}
	}
	if res.RowsAffected == 0 {
		return &domain.NotFoundError{Entity: "pending_device", ID: deviceID}
	}
	return nil
}

func (a *SQLiteAdapter) GetDevice(ctx context.Context, deviceID string) (domain.Device, error) {
	var model DeviceModel
	if err := a.db.WithContext(ctx).First(&model, "device_id = ?", deviceID).Error; err != nil {
		return domain.Device{}, notFound("device", deviceID, err)
	}
	return modelToDevice(model), nil
}

func (a *SQLiteAdapter) GetDeviceByMAC(ctx context.Context, mac string) (domain.Device, error) {
	var model DeviceModel
	if err := a.db.WithContext(ctx).Where("mac = ? AND status <> ?", mac, string(domain.StatusRevoked)).First(&model).Error; err != nil {
		return domain.Device{}, notFound("device", mac, err)
	}
	return modelToDevice(model), nil
}

func (a *SQLiteAdapter) UpdateDevice(ctx context.Context, device domain.Device) error {
	model := deviceToModel(device)
	if err := a.db.WithContext(ctx).Save(&model).Error; err != nil {
		return &domain.StorageError{Cause: err}
	}
	return nil
}

func (a *SQLiteAdapter) SetStatus(ctx context.Context, deviceID string, status domain.DeviceStatus) error {
	res := a.db.WithContext(ctx).Model(&DeviceModel{}).Where("device_id = ?", deviceID).Update("status", string(status))
	if res.Error != nil {
		return &domain.StorageError{Cause: res.Error}
	}
	if res.RowsAffected == 0 {
		return &domain.NotFoundError{Entity: "device", ID: deviceID}
	}
	return nil
}

func (a *SQLiteAdapter) SetLastSeen(ctx context.Context, deviceID string, ts time.Time) error {
	res := a.db.WithContext(ctx).Model(&DeviceModel{}).Where("device_id = ?", deviceID).Update("last_seen", ts)
	if res.Error != nil {
		return &domain.StorageError{Cause: res.Error}
	}
	return nil
}

func (a *SQLiteAdapter) ListDevices(ctx context.Context) ([]domain.Device, error) {
	var models []DeviceModel
	if err := a.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, &domain.StorageError{Cause: err}
	}
	out := make([]domain.Device, len(models))
	for i, m := range models {
		out[i] = modelToDevice(m)
	}
	return out, nil
}

func (a *SQLiteAdapter) ListPendingDevices(ctx context.Context) ([]domain.Device, error) {
	return a.listByStatus(ctx, domain.StatusPending)
}

func (a *SQLiteAdapter) ListProfilingDevices(ctx context.Context) ([]domain.Device, error) {
	return a.listByStatus(ctx, domain.StatusProfiling)
}

func (a *SQLiteAdapter) listByStatus(ctx context.Context, status domain.DeviceStatus) ([]domain.Device, error) {
	var models []DeviceModel
	if err := a.db.WithContext(ctx).Where("status = ?", string(status)).Find(&models).Error; err != nil {
		return nil, &domain.StorageError{Cause: err}
	}
	out := make([]domain.Device, len(models))
	for i, m := range models {
		out[i] = modelToDevice(m)
	}
	return out, nil
}

func (a *SQLiteAdapter) PutBaseline(ctx context.Context, baseline domain.Baseline) error {
	model := baselineToModel(baseline)
	if err := a.db.WithContext(ctx).Save(&model).Error; err != nil {
		return &domain.StorageError{Cause: err}
	}
	return nil
}

func (a *SQLiteAdapter) GetBaseline(ctx context.Context, deviceID string) (domain.Baseline, error) {
	var model BaselineModel
	if err := a.db.WithContext(ctx).First(&model, "device_id = ?", deviceID).Error; err != nil {
		return domain.Baseline{}, notFound("baseline", deviceID, err)
	}
	return modelToBaseline(model), nil
}

func (a *SQLiteAdapter) PutPolicy(ctx context.Context, policy domain.Policy) error {
	model, err := policyToModel(policy)
	if err != nil {
		return &domain.StorageError{Cause: err}
	}
	if err := a.db.WithContext(ctx).Save(&model).Error; err != nil {
		return &domain.StorageError{Cause: err}
	}
	return nil
}

func (a *SQLiteAdapter) GetPolicy(ctx context.Context, deviceID string) (domain.Policy, error) {
	var model PolicyModel
	if err := a.db.WithContext(ctx).First(&model, "device_id = ?", deviceID).Error; err != nil {
		return domain.Policy{}, notFound("policy", deviceID, err)
	}
	policy, err := modelToPolicy(model)
	if err != nil {
		return domain.Policy{}, &domain.StorageError{Cause: err}
	}
	return policy, nil
}

func (a *SQLiteAdapter) AppendTrustEvent(ctx context.Context, entry domain.TrustHistoryEntry) error {
	model := TrustHistoryModel{
		DeviceID:   entry.DeviceID,
		ScoreAfter: entry.ScoreAfter,
		Delta:      entry.Delta,
		Reason:     entry.Reason,
		Timestamp:  timeOrNow(entry.Timestamp),
	}
	if err := a.db.WithContext(ctx).Create(&model).Error; err != nil {
		return &domain.StorageError{Cause: err}
	}
	return nil
}

func (a *SQLiteAdapter) CurrentTrust(ctx context.Context, deviceID string) (int, error) {
	var model TrustHistoryModel
	err := a.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("id DESC").First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.TrustInitial, nil
	}
	if err != nil {
		return 0, &domain.StorageError{Cause: err}
	}
	return model.ScoreAfter, nil
}

func (a *SQLiteAdapter) TrustHistory(ctx context.Context, deviceID string, limit int) ([]domain.TrustHistoryEntry, error) {
	var models []TrustHistoryModel
	q := a.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, &domain.StorageError{Cause: err}
	}
	out := make([]domain.TrustHistoryEntry, len(models))
	for i, m := range models {
		out[i] = domain.TrustHistoryEntry{
			DeviceID:   m.DeviceID,
			ScoreAfter: m.ScoreAfter,
			Delta:      m.Delta,
			Reason:     m.Reason,
			Timestamp:  m.Timestamp,
		}
	}
	return out, nil
}

func (a *SQLiteAdapter) PutCertificate(ctx context.Context, cert domain.Certificate) error {
	model := certToModel(cert)
	if err := a.db.WithContext(ctx).Save(&model).Error; err != nil {
		return &domain.StorageError{Cause: err}
	}
	return nil
}

func (a *SQLiteAdapter) GetCertificate(ctx context.Context, deviceID string) (domain.Certificate, error) {
	var model CertificateModel
	if err := a.db.WithContext(ctx).First(&model, "device_id = ?", deviceID).Error; err != nil {
		return domain.Certificate{}, notFound("certificate", deviceID, err)
	}
	return modelToCert(model), nil
}

func (a *SQLiteAdapter) RevokeCertificate(ctx context.Context, deviceID, reason string) error {
	res := a.db.WithContext(ctx).Model(&CertificateModel{}).Where("device_id = ?", deviceID).Updates(map[string]any{
		"revoked":        true,
		"revoked_at":     time.Now(),
		"revoked_reason": reason,
	})
	if res.Error != nil {
		return &domain.StorageError{Cause: res.Error}
	}
	if res.RowsAffected == 0 {
		return &domain.NotFoundError{Entity: "certificate", ID: deviceID}
	}
	return nil
}

func (a *SQLiteAdapter) UpsertThreat(ctx context.Context, threat domain.Threat) error {
	model := threatToModel(threat)
	if err := a.db.WithContext(ctx).Save(&model).Error; err != nil {
		return &domain.StorageError{Cause: err}
	}
	return nil
}

func (a *SQLiteAdapter) GetThreat(ctx context.Context, sourceIP string) (domain.Threat, error) {
	var model ThreatModel
	if err := a.db.WithContext(ctx).First(&model, "source_ip = ?", sourceIP).Error; err != nil {
		return domain.Threat{}, notFound("threat", sourceIP, err)
	}
	return modelToThreat(model), nil
}

func (a *SQLiteAdapter) ListThreats(ctx context.Context) ([]domain.Threat, error) {
	var models []ThreatModel
	if err := a.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, &domain.StorageError{Cause: err}
	}
	out := make([]domain.Threat, len(models))
	for i, m := range models {
		out[i] = modelToThreat(m)
	}
	return out, nil
}

// AgeOutThreats deletes threats whose LastSeen predates ttl and returns the
// deleted rows so the Mitigation Generator can retire their non-permanent
// rules (§4.9).
func (a *SQLiteAdapter) AgeOutThreats(ctx context.Context, ttl time.Duration) ([]domain.Threat, error) {
	cutoff := time.Now().Add(-ttl)
	var models []ThreatModel
	if err := a.db.WithContext(ctx).Where("last_seen < ?", cutoff).Find(&models).Error; err != nil {
		return nil, &domain.StorageError{Cause: err}
	}
	if len(models) == 0 {
		return nil, nil
	}
	if err := a.db.WithContext(ctx).Where("last_seen < ?", cutoff).Delete(&ThreatModel{}).Error; err != nil {
		return nil, &domain.StorageError{Cause: err}
	}
	out := make([]domain.Threat, len(models))
	for i, m := range models {
		out[i] = modelToThreat(m)
	}
	return out, nil
}

func (a *SQLiteAdapter) PutMitigationRule(ctx context.Context, rule domain.MitigationRule) error {
	model := mitigationToModel(rule)
	if err := a.db.WithContext(ctx).Save(&model).Error; err != nil {
		return &domain.StorageError{Cause: err}
	}
	return nil
}

func (a *SQLiteAdapter) GetMitigationRule(ctx context.Context, threatSourceIP string) (domain.MitigationRule, bool, error) {
	var model MitigationRuleModel
	err := a.db.WithContext(ctx).Where("match_src_ip = ?", threatSourceIP).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.MitigationRule{}, false, nil
	}
	if err != nil {
		return domain.MitigationRule{}, false, &domain.StorageError{Cause: err}
	}
	return modelToMitigation(model), true, nil
}

func (a *SQLiteAdapter) ListMitigationRules(ctx context.Context) ([]domain.MitigationRule, error) {
	var models []MitigationRuleModel
	if err := a.db.WithContext(ctx).Find(&models).Error; err != nil {
		return nil, &domain.StorageError{Cause: err}
	}
	out := make([]domain.MitigationRule, len(models))
	for i, m := range models {
		out[i] = modelToMitigation(m)
	}
	return out, nil
}

func (a *SQLiteAdapter) RemoveMitigationRule(ctx context.Context, id string) error {
	if err := a.db.WithContext(ctx).Delete(&MitigationRuleModel{}, "id = ?", id).Error; err != nil {
		return &domain.StorageError{Cause: err}
	}
	return nil
}

func (a *SQLiteAdapter) AppendDecisionAudit(ctx context.Context, audit domain.DecisionAudit) error {
	model := auditToModel(audit)
	if err := a.db.WithContext(ctx).Create(&model).Error; err != nil {
		return &domain.StorageError{Cause: err}
	}
	return nil
}

func (a *SQLiteAdapter) DecisionsAudit(ctx context.Context, sinceTS time.Time) ([]domain.DecisionAudit, error) {
	var models []DecisionAuditModel
	q := a.db.WithContext(ctx).Order("timestamp DESC")
	if !sinceTS.IsZero() {
		q = q.Where("timestamp >= ?", sinceTS)
	}
	if err := q.Find(&models).Error; err != nil {
		return nil, &domain.StorageError{Cause: err}
	}
	out := make([]domain.DecisionAudit, len(models))
	for i, m := range models {
		out[i] = modelToAudit(m)
	}
	return out, nil
}

func (a *SQLiteAdapter) LastInstalledDecision(ctx context.Context, deviceID string) (domain.Decision, error) {
	var model DecisionAuditModel
	err := a.db.WithContext(ctx).Where("device_id = ?", deviceID).Order("id DESC").First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.DecisionNone, nil
	}
	if err != nil {
		return domain.DecisionNone, &domain.StorageError{Cause: err}
	}
	return domain.Decision(model.Decision), nil
}

func timeOrNow(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now()
	}
	return ts
}

func isUniqueConstraint(err error) bool {
	return err != nil && (errors.Is(err, gorm.ErrDuplicatedKey))
}
