package domain

// PolicyAction is the forwarding action carried by a policy or mitigation
// rule.
type PolicyAction string

const (
	ActionAllow    PolicyAction = "allow"
	ActionDeny     PolicyAction = "deny"
	ActionRedirect PolicyAction = "redirect"
	ActionMonitor  PolicyAction = "monitor"
)

// Match is a subset-match predicate: a zero-value field means "don't care".
// Device-scoped rules (policy, ALLOW/REDIRECT/DENY/QUARANTINE) match on
// EthSrc (the device's MAC, §4.11); cross-cutting mitigation rules match on
// SrcIP instead (§4.9) and are never keyed by device.
type Match struct {
	EthSrc   string `json:"eth_src,omitempty"`
	SrcIP    string `json:"src_ip,omitempty"`
	DstIP    string `json:"dst_ip,omitempty"`
	DstPort  int    `json:"dst_port,omitempty"`
	Protocol string `json:"protocol,omitempty"`
}

// PolicyRule is a single ordered entry in a device's Policy.
type PolicyRule struct {
	Match    Match        `json:"match"`
	Action   PolicyAction `json:"action"`
	Priority int          `json:"priority"`
}

// Policy is a device's ordered rule list. A well-formed policy always ends
// with a default-deny at priority 0 (invariant #2, §8).
type Policy struct {
	DeviceID string       `json:"device_id"`
	Rules    []PolicyRule `json:"rules"`
}

// DefaultDenyRule is appended as the terminal rule of every generated policy.
func DefaultDenyRule() PolicyRule {
	return PolicyRule{Action: ActionDeny, Priority: 0}
}

// EndsInDefaultDeny reports whether the last rule is a priority-0 deny,
// satisfying invariant #2.
func (p Policy) EndsInDefaultDeny() bool {
	if len(p.Rules) == 0 {
		return false
	}
	last := p.Rules[len(p.Rules)-1]
	return last.Action == ActionDeny && last.Priority == 0
}
