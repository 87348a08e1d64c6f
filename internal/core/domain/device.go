package domain

import "time"

// DeviceStatus is the lifecycle state of a device in the zero trust core.
type DeviceStatus string

const (
	StatusPending    DeviceStatus = "pending"
	StatusProfiling  DeviceStatus = "profiling"
	StatusActive     DeviceStatus = "active"
	StatusRevoked    DeviceStatus = "revoked"
	StatusQuarantined DeviceStatus = "quarantined"
)

// Device is the primary identity record for a network endpoint.
//
// DeviceID is the stable primary key: deterministic (MAC prefix + random
// suffix) for auto-onboarded devices, or administrator-chosen for manual
// ones. MAC must be unique across all non-revoked devices; revoked devices
// keep their row for audit.
type Device struct {
	DeviceID    string       `json:"device_id"`
	MAC         string       `json:"mac"`
	Type        string       `json:"type"`
	Fingerprint string       `json:"fingerprint"` // sha256(MAC:Type:FirstSeen)
	CertSerial  string       `json:"cert_serial,omitempty"`
	Status      DeviceStatus `json:"status"`

	AdminNote string `json:"admin_note,omitempty"`

	OnboardedAt       time.Time `json:"onboarded_at"`
	LastSeen          time.Time `json:"last_seen"`
	ProfilingStarted  time.Time `json:"profiling_started_at,omitempty"`
}

// TopologyEntry is the projection returned by get_topology (§6).
type TopologyEntry struct {
	DeviceID        string       `json:"device_id"`
	MAC             string       `json:"mac"`
	Status          DeviceStatus `json:"status"`
	LastSeen        time.Time    `json:"last_seen"`
	CurrentDecision Decision     `json:"current_decision"`
	Connected       bool         `json:"connected"`
}

// PacketObservation is a single packet summary delivered by the Switch
// Adapter's recording channel during a device's profiling window.
type PacketObservation struct {
	MAC       string    `json:"mac"`
	DstIP     string    `json:"dst_ip"`
	DstPort   int       `json:"dst_port"`
	SrcPort   int       `json:"src_port"`
	Protocol  string    `json:"protocol"`
	Size      int       `json:"size"`
	Timestamp time.Time `json:"timestamp"`
}
