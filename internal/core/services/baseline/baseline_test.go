package baseline

import (
	"testing"
	"time"

	"github.com/meridian-iot/policycore/internal/core/domain"
	"github.com/stretchr/testify/assert"
)

func obs(dstIP string, dstPort int, proto string, size int) domain.PacketObservation {
	return domain.PacketObservation{DstIP: dstIP, DstPort: dstPort, Protocol: proto, Size: size, Timestamp: time.Now()}
}

func TestFromObservationsSparse(t *testing.T) {
	b := FromObservations("dev-1", []domain.PacketObservation{obs("10.0.0.1", 80, "tcp", 100)}, 60, 5)
	assert.True(t, b.Sparse)
}

func TestFromObservationsComputesRatesAndTopSets(t *testing.T) {
	samples := []domain.PacketObservation{
		obs("10.0.0.1", 80, "tcp", 100),
		obs("10.0.0.1", 80, "tcp", 100),
		obs("10.0.0.1", 443, "tcp", 200),
		obs("10.0.0.2", 53, "udp", 50),
	}
	b := FromObservations("dev-1", samples, 2, 2)

	assert.False(t, b.Sparse)
	assert.Equal(t, 2.0, b.AvgPacketsPerSec) // 4 packets / 2s
	assert.Equal(t, 225.0, b.AvgBytesPerSec)  // 450 bytes / 2s
	assert.Equal(t, []string{"10.0.0.1", "10.0.0.2"}, b.TopDstIPs)
	assert.Equal(t, []int{80, 53, 443}, b.TopDstPorts)
	assert.Equal(t, []string{"tcp", "udp"}, b.Protocols)
}

func TestFromObservationsEmpty(t *testing.T) {
	b := FromObservations("dev-1", nil, 60, 5)
	assert.True(t, b.Sparse)
	assert.Equal(t, 0.0, b.AvgPacketsPerSec)
	assert.Nil(t, b.TopDstIPs)
}

func TestApplyEMA(t *testing.T) {
	b := domain.Baseline{AvgPacketsPerSec: 10, AvgBytesPerSec: 1000}
	sample := domain.FlowStats{Packets: 200, Bytes: 20000, WindowSeconds: 10} // pps=20, bps=2000

	updated := ApplyEMA(b, sample, 0.5)
	assert.InDelta(t, 15.0, updated.AvgPacketsPerSec, 1e-9)
	assert.InDelta(t, 1500.0, updated.AvgBytesPerSec, 1e-9)
	assert.False(t, updated.UpdatedAt.IsZero())
}

func TestApplyEMAFallsBackToDefaultAlpha(t *testing.T) {
	b := domain.Baseline{AvgPacketsPerSec: 10}
	sample := domain.FlowStats{Packets: 1000, WindowSeconds: 10} // pps=100

	updated := ApplyEMA(b, sample, 1.5) // out of (0,1], falls back to DefaultAlpha
	want := DefaultAlpha*100 + (1-DefaultAlpha)*10
	assert.InDelta(t, want, updated.AvgPacketsPerSec, 1e-9)
}
