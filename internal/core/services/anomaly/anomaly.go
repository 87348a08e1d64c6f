// Package anomaly implements the Anomaly Detector (component H) as a set
// of pluggable detectors run over each polled flow sample, grounded in the
// teacher's security.Detector plugin pattern.
package anomaly

import (
	"github.com/google/uuid"

	"github.com/meridian-iot/policycore/internal/core/domain"
)

// Detector inspects one device's current flow sample against its baseline
// and returns any alerts it fires. Detectors never hold state across
// calls; all context comes from the arguments.
type Detector interface {
	Name() string
	Analyze(deviceID string, sample domain.FlowStats, baseline domain.Baseline) []domain.Alert
}

// Thresholds configures the rate/cardinality multipliers the built-in
// detectors compare a sample against (§4.7). All four are ratios against
// the device's own baseline; a baseline value of zero is treated as 1 for
// ratio purposes.
type Thresholds struct {
	DoSHighMultiplier    float64
	DoSMediumMultiplier  float64
	DoSLowMultiplier     float64
	VolumeHighMultiplier float64
	NetScanMultiplier    float64
	NetScanMinAbsolute   int
	PortScanMultiplier   float64
	PortScanMinAbsolute  int
}

// DefaultThresholds matches the spec's rule table exactly.
var DefaultThresholds = Thresholds{
	DoSHighMultiplier:    10.0,
	DoSMediumMultiplier:  5.0,
	DoSLowMultiplier:     2.0,
	VolumeHighMultiplier: 10.0,
	NetScanMultiplier:    5.0,
	NetScanMinAbsolute:   20,
	PortScanMultiplier:   3.0,
	PortScanMinAbsolute:  10,
}

// Engine runs every registered detector over a sample and aggregates the
// resulting alerts, mirroring the teacher's SecurityEngine.Analyze.
type Engine struct {
	detectors []Detector
}

// New builds an Engine with the standard detector set.
func New(thresholds Thresholds) *Engine {
	return &Engine{detectors: []Detector{
		&dosDetector{high: thresholds.DoSHighMultiplier, medium: thresholds.DoSMediumMultiplier, low: thresholds.DoSLowMultiplier},
		&volumeDetector{mult: thresholds.VolumeHighMultiplier},
		&netScanDetector{mult: thresholds.NetScanMultiplier, minAbsolute: thresholds.NetScanMinAbsolute},
		&portScanDetector{mult: thresholds.PortScanMultiplier, minAbsolute: thresholds.PortScanMinAbsolute},
	}}
}

// AddDetector registers an additional detector plugin.
func (e *Engine) AddDetector(d Detector) { e.detectors = append(e.detectors, d) }

// Analyze runs all detectors and tags every resulting alert with a fresh ID
// and the owning device.
func (e *Engine) Analyze(deviceID string, sample domain.FlowStats, baseline domain.Baseline) []domain.Alert {
	var out []domain.Alert
	for _, d := range e.detectors {
		alerts := d.Analyze(deviceID, sample, baseline)
		for i := range alerts {
			alerts[i].ID = uuid.NewString()
			alerts[i].DeviceID = deviceID
		}
		out = append(out, alerts...)
	}
	return out
}

// baselineOrOne treats a zero baseline as 1 for ratio purposes, per §4.7.
func baselineOrOne(v float64) float64 {
	if v <= 0 {
		return 1
	}
	return v
}

type volumeDetector struct{ mult float64 }

func (d *volumeDetector) Name() string { return "VolumeDetector" }

func (d *volumeDetector) Analyze(_ string, sample domain.FlowStats, baseline domain.Baseline) []domain.Alert {
	if baseline.Sparse {
		return nil
	}
	_, bps := sample.Rates()
	base := baselineOrOne(baseline.AvgBytesPerSec)
	if bps < base*d.mult {
		return nil
	}
	return []domain.Alert{{
		Kind:          domain.AlertVolume,
		Severity:      domain.SeverityHigh,
		ObservedStats: map[string]float64{"bytes_per_sec": bps, "baseline_bytes_per_sec": base},
	}}
}

type netScanDetector struct {
	mult        float64
	minAbsolute int
}

func (d *netScanDetector) Name() string { return "NetScanDetector" }

func (d *netScanDetector) Analyze(_ string, sample domain.FlowStats, baseline domain.Baseline) []domain.Alert {
	if baseline.Sparse {
		return nil
	}
	baselineIPs := baselineOrOne(float64(baseline.UniqueDstIPCount()))
	if sample.UniqueDstIPs < d.minAbsolute || float64(sample.UniqueDstIPs) < baselineIPs*d.mult {
		return nil
	}
	return []domain.Alert{{
		Kind:          domain.AlertNetworkScan,
		Severity:      domain.SeverityMedium,
		ObservedStats: map[string]float64{"unique_dst_ips": float64(sample.UniqueDstIPs), "baseline_unique_dst_ips": baselineIPs},
	}}
}

type portScanDetector struct {
	mult        float64
	minAbsolute int
}

func (d *portScanDetector) Name() string { return "PortScanDetector" }

func (d *portScanDetector) Analyze(_ string, sample domain.FlowStats, baseline domain.Baseline) []domain.Alert {
	if baseline.Sparse {
		return nil
	}
	baselinePorts := baselineOrOne(float64(baseline.UniqueDstPortCount()))
	if sample.UniqueDstPorts < d.minAbsolute || float64(sample.UniqueDstPorts) < baselinePorts*d.mult {
		return nil
	}
	return []domain.Alert{{
		Kind:          domain.AlertPortScan,
		Severity:      domain.SeverityMedium,
		ObservedStats: map[string]float64{"unique_dst_ports": float64(sample.UniqueDstPorts), "baseline_unique_dst_ports": baselinePorts},
	}}
}

type dosDetector struct{ high, medium, low float64 }

func (d *dosDetector) Name() string { return "DoSDetector" }

func (d *dosDetector) Analyze(_ string, sample domain.FlowStats, baseline domain.Baseline) []domain.Alert {
	if baseline.Sparse {
		return nil
	}
	pps, _ := sample.Rates()
	base := baselineOrOne(baseline.AvgPacketsPerSec)
	ratio := pps / base

	var severity domain.Severity
	switch {
	case ratio >= d.high:
		severity = domain.SeverityHigh
	case ratio >= d.medium:
		severity = domain.SeverityMedium
	case ratio >= d.low:
		severity = domain.SeverityLow
	default:
		return nil
	}
	return []domain.Alert{{
		Kind:          domain.AlertDoS,
		Severity:      severity,
		ObservedStats: map[string]float64{"packets_per_sec": pps, "baseline_packets_per_sec": base},
	}}
}
