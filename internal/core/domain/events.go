package domain

import "time"

// Event bus topics (§2, §4.10, §5). Components publish/subscribe by topic
// name; payloads are the structs below.
const (
	TopicDeviceJoined        = "device.joined"
	TopicDeviceStatusChanged = "device.status_changed"
	TopicTrustChanged        = "trust.changed"
	TopicFlowSample          = "flow.sample"
	TopicAlert               = "alert.raised"
	TopicThreatUpdated       = "threat.updated"
	TopicMitigationProposed  = "mitigation.proposed"
	TopicPolicyReplaced      = "policy.replaced"
	TopicOperatorAlert       = "operator.alert"
)

// DeviceJoinedEvent fires when a device is registered as pending.
type DeviceJoinedEvent struct {
	DeviceID string
	MAC      string
}

// DeviceStatusChangedEvent fires on any Device.Status transition.
type DeviceStatusChangedEvent struct {
	DeviceID  string
	Old       DeviceStatus
	New       DeviceStatus
	Timestamp time.Time
}

// TrustChangedEvent fires when a device's trust score crosses one of the
// configured thresholds in either direction (§4.4).
type TrustChangedEvent struct {
	DeviceID  string
	OldScore  int
	NewScore  int
	Crossed   int // the threshold that was crossed
	Direction string // "up" or "down"
}

// FlowSampleEvent carries one polled flow-stats sample (§4.6).
type FlowSampleEvent struct {
	DeviceID string
	Stats    FlowStats
}

// ThreatUpdatedEvent fires whenever the Honeypot Ingestor upserts a threat
// (§4.8).
type ThreatUpdatedEvent struct {
	SourceIP string
	Severity Severity
}

// PolicyReplacedEvent fires when the Onboarding Coordinator installs a
// device's finalized least-privilege policy in place of its observation
// rule.
type PolicyReplacedEvent struct {
	DeviceID string
}

// OperatorAlertEvent fires when a component needs a human's attention beyond
// what the normal Alert/trust pipeline conveys — e.g. the Orchestrator
// exhausting its rule-install retries and forcing a device fail-closed
// (§4.10).
type OperatorAlertEvent struct {
	DeviceID  string
	Reason    string
	Timestamp time.Time
}
