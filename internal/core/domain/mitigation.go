package domain

// MitigationRule is a cross-device forwarding rule derived from confirmed
// threat intelligence. Permanent rules survive restarts; non-permanent
// ones expire when the source threat ages out (§3, §4.9).
type MitigationRule struct {
	ID             string       `json:"id"`
	Match          Match        `json:"match"` // always a src_ip match
	Action         PolicyAction `json:"action"`
	Priority       int          `json:"priority"`
	Reason         string       `json:"reason"`
	OriginThreatID string       `json:"origin_threat_id"`
	Permanent      bool         `json:"permanent"`
}

// Mitigation priorities and actions by threat severity (§4.9).
const (
	MitigationDenyPriority     = 200
	MitigationRedirectPriority = 150
	MitigationMonitorPriority  = 100
)

// RuleForSeverity builds the mitigation rule a threat of the given severity
// should produce.
func RuleForSeverity(sourceIP, threatID string, sev Severity) MitigationRule {
	switch sev {
	case SeverityHigh, SeverityCritical:
		return MitigationRule{
			Match:          Match{SrcIP: sourceIP},
			Action:         ActionDeny,
			Priority:       MitigationDenyPriority,
			Reason:         "confirmed threat: " + string(sev),
			OriginThreatID: threatID,
			Permanent:      true,
		}
	case SeverityMedium:
		return MitigationRule{
			Match:          Match{SrcIP: sourceIP},
			Action:         ActionRedirect,
			Priority:       MitigationRedirectPriority,
			Reason:         "suspected threat: medium",
			OriginThreatID: threatID,
			Permanent:      false,
		}
	default:
		return MitigationRule{
			Match:          Match{SrcIP: sourceIP},
			Action:         ActionMonitor,
			Priority:       MitigationMonitorPriority,
			Reason:         "low-confidence threat signal",
			OriginThreatID: threatID,
			Permanent:      false,
		}
	}
}
