package switchctl

// Messages exchanged with the switch-side agent. Field names are chosen to
// read naturally as JSON since there is no .proto source generating them.

type ruleMatch struct {
	EthSrc   string `json:"eth_src,omitempty"`
	SrcIP    string `json:"src_ip,omitempty"`
	DstIP    string `json:"dst_ip,omitempty"`
	DstPort  int    `json:"dst_port,omitempty"`
	Protocol string `json:"protocol,omitempty"`
}

type installRuleRequest struct {
	RuleID   string    `json:"rule_id"`
	Match    ruleMatch `json:"match"`
	Action   string    `json:"action"`
	Priority int       `json:"priority"`
}

type removeRuleRequest struct {
	RuleID string `json:"rule_id"`
}

type ack struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type empty struct{}

type installedRule struct {
	RuleID   string    `json:"rule_id"`
	Match    ruleMatch `json:"match"`
	Action   string    `json:"action"`
	Priority int       `json:"priority"`
}

type listRulesResponse struct {
	Rules []installedRule `json:"rules"`
}

type flowStatsSample struct {
	DeviceMAC      string   `json:"device_mac"`
	Packets        int64    `json:"packets"`
	Bytes          int64    `json:"bytes"`
	UniqueDstIPs   int      `json:"unique_dst_ips"`
	UniqueDstPorts int      `json:"unique_dst_ports"`
	Protocols      []string `json:"protocols"`
	WindowSeconds  float64  `json:"window_seconds"`
}

type flowStatsResponse struct {
	Samples []flowStatsSample `json:"samples"`
}

// packetObservation mirrors domain.PacketObservation on the wire; it is
// streamed server->client during a device's profiling window.
type packetObservation struct {
	MAC       string `json:"mac"`
	DstIP     string `json:"dst_ip"`
	DstPort   int    `json:"dst_port"`
	SrcPort   int    `json:"src_port"`
	Protocol  string `json:"protocol"`
	Size      int    `json:"size"`
	TimestampUnixNano int64 `json:"timestamp_unix_nano"`
}

type observeRequest struct {
	MAC string `json:"mac"`
}
