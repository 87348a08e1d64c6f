// Package baseline implements the Behavioral Baseline (component D): pure
// functions over domain.Baseline, grounded in the teacher's BehaviorEngine
// (profile update as a stateless transform applied by the caller under its
// own lock) but replacing SSID-signature matching with flow aggregates.
package baseline

import (
	"sort"
	"time"

	"github.com/meridian-iot/policycore/internal/core/domain"
)

// DefaultAlpha is the EMA smoothing factor applied to rate updates (§4.3).
const DefaultAlpha = 0.1

// FromObservations builds the initial baseline at the end of a device's
// profiling window (§4.3). minPackets below which the baseline is marked
// Sparse and the Anomaly Detector skips all of its rules for it.
func FromObservations(deviceID string, obs []domain.PacketObservation, windowSeconds float64, minPackets int) domain.Baseline {
	now := time.Now()
	b := domain.Baseline{
		DeviceID:  deviceID,
		CreatedAt: now,
		UpdatedAt: now,
		Sparse:    len(obs) < minPackets,
	}
	if len(obs) == 0 || windowSeconds <= 0 {
		return b
	}

	ipCounts := make(map[string]int)
	portCounts := make(map[int]int)
	protoSeen := make(map[string]bool)
	var totalBytes int64

	for _, o := range obs {
		ipCounts[o.DstIP]++
		portCounts[o.DstPort]++
		if o.Protocol != "" {
			protoSeen[o.Protocol] = true
		}
		totalBytes += int64(o.Size)
	}

	b.AvgPacketsPerSec = float64(len(obs)) / windowSeconds
	b.AvgBytesPerSec = float64(totalBytes) / windowSeconds
	b.TopDstIPs = topNKeys(ipCounts, domain.TopN)
	b.TopDstPorts = topNIntKeys(portCounts, domain.TopN)
	for proto := range protoSeen {
		b.Protocols = append(b.Protocols, proto)
	}
	sort.Strings(b.Protocols)
	return b
}

// ApplyEMA folds a new flow-stats sample into the baseline's rate averages
// using exponential smoothing, applied only to samples the Anomaly Detector
// judged non-anomalous (§4.3: baselines never learn from attack traffic).
func ApplyEMA(b domain.Baseline, sample domain.FlowStats, alpha float64) domain.Baseline {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultAlpha
	}
	pps, bps := sample.Rates()
	b.AvgPacketsPerSec = ema(b.AvgPacketsPerSec, pps, alpha)
	b.AvgBytesPerSec = ema(b.AvgBytesPerSec, bps, alpha)
	b.UpdatedAt = time.Now()
	return b
}

func ema(prev, sample, alpha float64) float64 {
	return alpha*sample + (1-alpha)*prev
}

func topNKeys(counts map[string]int, n int) []string {
	type kv struct {
		k string
		v int
	}
	items := make([]kv, 0, len(counts))
	for k, v := range counts {
		items = append(items, kv{k, v})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].v != items[j].v {
			return items[i].v > items[j].v
		}
		return items[i].k < items[j].k
	})
	if len(items) > n {
		items = items[:n]
	}
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.k
	}
	return out
}

func topNIntKeys(counts map[int]int, n int) []int {
	type kv struct {
		k int
		v int
	}
	items := make([]kv, 0, len(counts))
	for k, v := range counts {
		items = append(items, kv{k, v})
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].v != items[j].v {
			return items[i].v > items[j].v
		}
		return items[i].k < items[j].k
	})
	if len(items) > n {
		items = items[:n]
	}
	out := make([]int, len(items))
	for i, it := range items {
		out[i] = it.k
	}
	return out
}
