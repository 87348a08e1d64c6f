package domain

import "time"

// Threat is the honeypot-derived intelligence record for one attacking
// source IP. Mutable only to extend LastSeen and accumulate EventKinds (§3).
type Threat struct {
	SourceIP   string    `json:"source_ip"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	EventKinds []string  `json:"event_kinds"`
	Severity   Severity  `json:"severity"`
}

// HasEventKind reports whether the threat already recorded this event kind.
func (t Threat) HasEventKind(kind string) bool {
	for _, k := range t.EventKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// HoneypotEvent is one parsed record from the honeypot's newline-delimited
// JSON log (§6, §8). Unknown records are skipped by the ingestor without
// error.
type HoneypotEvent struct {
	Timestamp time.Time `json:"timestamp"`
	EventID   string    `json:"eventid"`
	SrcIP     string    `json:"src_ip"`
	Command   string    `json:"command,omitempty"`
	Username  string    `json:"username,omitempty"`
	Password  string    `json:"password,omitempty"`
}

// eventSeverity maps honeypot event kinds to severity (§4.8).
var eventSeverity = map[string]Severity{
	"login_success":          SeverityHigh,
	"file_download":          SeverityHigh,
	"malware_exec":           SeverityHigh,
	"command_execution":      SeverityMedium,
	"repeated_login_attempts": SeverityMedium,
	"login_attempt":          SeverityLow,
	"port_probe":             SeverityLow,
}

// SeverityFor returns the severity for an event kind, and whether the kind
// is recognized at all.
func SeverityFor(eventKind string) (Severity, bool) {
	sev, ok := eventSeverity[eventKind]
	return sev, ok
}
