package domain

import "time"

// TopN bounds the size of the baseline's destination IP/port sets (§3).
const TopN = 10

// Baseline is the per-device "normal traffic" profile established at the
// end of the profiling window. A device has a Baseline iff it has left
// the profiling state.
type Baseline struct {
	DeviceID        string    `json:"device_id"`
	AvgPacketsPerSec float64  `json:"avg_pps"`
	AvgBytesPerSec   float64  `json:"avg_bps"`
	TopDstIPs       []string  `json:"top_dst_ips"`
	TopDstPorts     []int     `json:"top_dst_ports"`
	Protocols       []string  `json:"protocols"`
	Sparse          bool      `json:"sparse"` // fewer than profiling_min_packets observed
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// UniqueDstIPCount and UniqueDstPortCount describe the baseline's cardinality,
// used by the Anomaly Detector's NetScan/PortScan rules.
func (b Baseline) UniqueDstIPCount() int   { return len(b.TopDstIPs) }
func (b Baseline) UniqueDstPortCount() int { return len(b.TopDstPorts) }

// FlowStats is a single polled sample from the Switch Adapter for one
// device, aggregated across all known switches (§4.6).
type FlowStats struct {
	DeviceMAC      string   `json:"device_mac"`
	Packets        int64    `json:"packets"`
	Bytes          int64    `json:"bytes"`
	UniqueDstIPs   int      `json:"unique_dst_ips"`
	UniqueDstPorts int      `json:"unique_dst_ports"`
	Protocols      []string `json:"protocols"`
	WindowSeconds  float64  `json:"window_seconds"`
}

// Rates derives packets/sec and bytes/sec from the sample's window.
func (f FlowStats) Rates() (pps, bps float64) {
	if f.WindowSeconds <= 0 {
		return 0, 0
	}
	return float64(f.Packets) / f.WindowSeconds, float64(f.Bytes) / f.WindowSeconds
}
