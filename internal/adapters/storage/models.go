// Package storage is the GORM+SQLite Identity Store adapter (component A),
// grounded in the teacher's internal/adapters/storage/sqlite.go: the same
// AutoMigrate-driven schema, WAL pragmas and domain<->model conversion
// split, retargeted at device identity instead of WiFi sightings.
package storage

import (
	"encoding/json"
	"time"

	"github.com/meridian-iot/policycore/internal/core/domain"
)

// DeviceModel is the GORM row for a Device (§3).
type DeviceModel struct {
	DeviceID         string `gorm:"primaryKey"`
	MAC              string `gorm:"uniqueIndex:idx_mac_active,where:status <> 'revoked'"`
	Type             string
	Fingerprint      string
	CertSerial       string
	Status           string `gorm:"index"`
	AdminNote        string
	OnboardedAt      time.Time
	LastSeen         time.Time `gorm:"index"`
	ProfilingStarted time.Time
}

func deviceToModel(d domain.Device) DeviceModel {
	return DeviceModel{
		DeviceID:         d.DeviceID,
		MAC:              d.MAC,
		Type:             d.Type,
		Fingerprint:      d.Fingerprint,
		CertSerial:       d.CertSerial,
		Status:           string(d.Status),
		AdminNote:        d.AdminNote,
		OnboardedAt:      d.OnboardedAt,
		LastSeen:         d.LastSeen,
		ProfilingStarted: d.ProfilingStarted,
	}
}

func modelToDevice(m DeviceModel) domain.Device {
	return domain.Device{
		DeviceID:         m.DeviceID,
		MAC:              m.MAC,
		Type:             m.Type,
		Fingerprint:      m.Fingerprint,
		CertSerial:       m.CertSerial,
		Status:           domain.DeviceStatus(m.Status),
		AdminNote:        m.AdminNote,
		OnboardedAt:      m.OnboardedAt,
		LastSeen:         m.LastSeen,
		ProfilingStarted: m.ProfilingStarted,
	}
}

// BaselineModel is the GORM row for a device's behavioral baseline (§3).
type BaselineModel struct {
	DeviceID         string `gorm:"primaryKey"`
	AvgPacketsPerSec float64
	AvgBytesPerSec   float64
	TopDstIPs        string // JSON encoded []string
	TopDstPorts      string // JSON encoded []int
	Protocols        string // JSON encoded []string
	Sparse           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func baselineToModel(b domain.Baseline) BaselineModel {
	ips, _ := json.Marshal(b.TopDstIPs)
	ports, _ := json.Marshal(b.TopDstPorts)
	protos, _ := json.Marshal(b.Protocols)
	return BaselineModel{
		DeviceID:         b.DeviceID,
		AvgPacketsPerSec: b.AvgPacketsPerSec,
		AvgBytesPerSec:   b.AvgBytesPerSec,
		TopDstIPs:        string(ips),
		TopDstPorts:      string(ports),
		Protocols:        string(protos),
		Sparse:           b.Sparse,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
	}
}

func modelToBaseline(m BaselineModel) domain.Baseline {
	var ips []string
	var ports []int
	var protos []string
	_ = json.Unmarshal([]byte(m.TopDstIPs), &ips)
	_ = json.Unmarshal([]byte(m.TopDstPorts), &ports)
	_ = json.Unmarshal([]byte(m.Protocols), &protos)
	return domain.Baseline{
		DeviceID:         m.DeviceID,
		AvgPacketsPerSec: m.AvgPacketsPerSec,
		AvgBytesPerSec:   m.AvgBytesPerSec,
		TopDstIPs:        ips,
		TopDstPorts:      ports,
		Protocols:        protos,
		Sparse:           m.Sparse,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

// PolicyModel is the GORM row for a device's installed policy (§3); Rules
// is stored JSON-encoded since its length and shape vary per device.
type PolicyModel struct {
	DeviceID string `gorm:"primaryKey"`
	Rules    string // JSON encoded []domain.PolicyRule
}

func policyToModel(p domain.Policy) (PolicyModel, error) {
	rules, err := json.Marshal(p.Rules)
	if err != nil {
		return PolicyModel{}, err
	}
	return PolicyModel{DeviceID: p.DeviceID, Rules: string(rules)}, nil
}

func modelToPolicy(m PolicyModel) (domain.Policy, error) {
	var rules []domain.PolicyRule
	if err := json.Unmarshal([]byte(m.Rules), &rules); err != nil {
		return domain.Policy{}, err
	}
	return domain.Policy{DeviceID: m.DeviceID, Rules: rules}, nil
}

// TrustHistoryModel is one append-only row in a device's trust ledger (§3).
type TrustHistoryModel struct {
	ID         uint `gorm:"primaryKey;autoIncrement"`
	DeviceID   string `gorm:"index"`
	ScoreAfter int
	Delta      int
	Reason     string
	Timestamp  time.Time `gorm:"index"`
}

// CertificateModel is the GORM row tracking an issued certificate (§3).
type CertificateModel struct {
	SerialNumber  string `gorm:"primaryKey"`
	DeviceID      string `gorm:"uniqueIndex"`
	MAC           string
	NotBefore     time.Time
	NotAfter      time.Time
	Revoked       bool
	RevokedAt     time.Time
	RevokedReason string
}

func certToModel(c domain.Certificate) CertificateModel {
	return CertificateModel{
		SerialNumber:  c.SerialNumber,
		DeviceID:      c.DeviceID,
		MAC:           c.MAC,
		NotBefore:     c.NotBefore,
		NotAfter:      c.NotAfter,
		Revoked:       c.Revoked,
		RevokedAt:     c.RevokedAt,
		RevokedReason: c.RevokedReason,
	}
}

func modelToCert(m CertificateModel) domain.Certificate {
	return domain.Certificate{
		SerialNumber:  m.SerialNumber,
		DeviceID:      m.DeviceID,
		MAC:           m.MAC,
		NotBefore:     m.NotBefore,
		NotAfter:      m.NotAfter,
		Revoked:       m.Revoked,
		RevokedAt:     m.RevokedAt,
		RevokedReason: m.RevokedReason,
	}
}

// ThreatModel is the GORM row for honeypot-derived threat intelligence (§3).
type ThreatModel struct {
	SourceIP   string `gorm:"primaryKey"`
	FirstSeen  time.Time
	LastSeen   time.Time `gorm:"index"`
	EventKinds string // JSON encoded []string
	Severity   string
}

func threatToModel(t domain.Threat) ThreatModel {
	kinds, _ := json.Marshal(t.EventKinds)
	return ThreatModel{
		SourceIP:   t.SourceIP,
		FirstSeen:  t.FirstSeen,
		LastSeen:   t.LastSeen,
		EventKinds: string(kinds),
		Severity:   string(t.Severity),
	}
}

func modelToThreat(m ThreatModel) domain.Threat {
	var kinds []string
	_ = json.Unmarshal([]byte(m.EventKinds), &kinds)
	return domain.Threat{
		SourceIP:   m.SourceIP,
		FirstSeen:  m.FirstSeen,
		LastSeen:   m.LastSeen,
		EventKinds: kinds,
		Severity:   domain.Severity(m.Severity),
	}
}

// MitigationRuleModel is the GORM row for a cross-device mitigation rule (§3).
type MitigationRuleModel struct {
	ID             string `gorm:"primaryKey"`
	MatchSrcIP     string
	Action         string
	Priority       int
	Reason         string
	OriginThreatID string `gorm:"index"`
	Permanent      bool
}

func mitigationToModel(r domain.MitigationRule) MitigationRuleModel {
	return MitigationRuleModel{
		ID:             r.ID,
		MatchSrcIP:     r.Match.SrcIP,
		Action:         string(r.Action),
		Priority:       r.Priority,
		Reason:         r.Reason,
		OriginThreatID: r.OriginThreatID,
		Permanent:      r.Permanent,
	}
}

func modelToMitigation(m MitigationRuleModel) domain.MitigationRule {
	return domain.MitigationRule{
		ID:             m.ID,
		Match:          domain.Match{SrcIP: m.MatchSrcIP},
		Action:         domain.PolicyAction(m.Action),
		Priority:       m.Priority,
		Reason:         m.Reason,
		OriginThreatID: m.OriginThreatID,
		Permanent:      m.Permanent,
	}
}

// DecisionAuditModel is the GORM row for one orchestrator decision (§3, §6).
type DecisionAuditModel struct {
	ID           uint `gorm:"primaryKey;autoIncrement"`
	Timestamp    time.Time `gorm:"index"`
	DeviceID     string    `gorm:"index"`
	Trust        int
	ThreatLevel  string
	Decision     string
	Reason       string
	PrevDecision string
}

func auditToModel(a domain.DecisionAudit) DecisionAuditModel {
	return DecisionAuditModel{
		Timestamp:    a.Timestamp,
		DeviceID:     a.DeviceID,
		Trust:        a.Trust,
		ThreatLevel:  string(a.ThreatLevel),
		Decision:     string(a.Decision),
		Reason:       a.Reason,
		PrevDecision: string(a.PrevDecision),
	}
}

func modelToAudit(m DecisionAuditModel) domain.DecisionAudit {
	return domain.DecisionAudit{
		Timestamp:    m.Timestamp,
		DeviceID:     m.DeviceID,
		Trust:        m.Trust,
		ThreatLevel:  domain.Severity(m.ThreatLevel),
		Decision:     domain.Decision(m.Decision),
		Reason:       m.Reason,
		PrevDecision: domain.Decision(m.PrevDecision),
	}
}
