// Package trust implements the Trust Scorer (component C): the current
// score lives in memory, sharded the way the teacher's device registry
// shards by MAC, with every delta additionally appended to the Identity
// Store's durable history.
package trust

import (
	"context"
	"sync"

	"github.com/meridian-iot/policycore/internal/core/domain"
	"github.com/meridian-iot/policycore/internal/core/ports"
	"github.com/meridian-iot/policycore/internal/telemetry"
)

const numShards = 16

type scoreShard struct {
	mu     sync.RWMutex
	scores map[string]int
}

// Thresholds are the trust bands that emit a TrustChangedEvent when
// crossed, with hysteresis to avoid flapping at a boundary (§4.4).
type Thresholds struct {
	Levels     []int
	Hysteresis int
}

// DefaultThresholds matches the spec's 70/50/30 bands with a 5-point band.
var DefaultThresholds = Thresholds{Levels: []int{70, 50, 30}, Hysteresis: 5}

// Scorer is the in-memory, durably-backed implementation of ports.TrustScorer.
type Scorer struct {
	shards     []*scoreShard
	store      ports.IdentityStore
	bus        ports.EventBus
	thresholds Thresholds
}

// New builds a Scorer backed by store for history and bus for threshold
// crossing notifications.
func New(store ports.IdentityStore, bus ports.EventBus, thresholds Thresholds) *Scorer {
	s := &Scorer{
		shards:     make([]*scoreShard, numShards),
		store:      store,
		bus:        bus,
		thresholds: thresholds,
	}
	for i := range s.shards {
		s.shards[i] = &scoreShard{scores: make(map[string]int)}
	}
	return s
}

func (s *Scorer) shardFor(deviceID string) *scoreShard {
	hash := uint32(0)
	for i := 0; i < len(deviceID); i++ {
		hash = hash*31 + uint32(deviceID[i])
	}
	return s.shards[hash%uint32(len(s.shards))]
}

// Initialize sets the starting score for a newly approved device.
func (s *Scorer) Initialize(ctx context.Context, deviceID string, initial int) error {
	shard := s.shardFor(deviceID)
	shard.mu.Lock()
	shard.scores[deviceID] = domain.Clamp(initial)
	shard.mu.Unlock()
	return s.store.AppendTrustEvent(ctx, domain.TrustHistoryEntry{
		DeviceID:   deviceID,
		ScoreAfter: domain.Clamp(initial),
		Delta:      0,
		Reason:     "onboarded",
	})
}

// Adjust applies a clamped delta and returns the resulting score (§4.4,
// invariant #1). A crossed threshold publishes TopicTrustChanged.
func (s *Scorer) Adjust(ctx context.Context, deviceID string, delta int, reason string) (int, error) {
	shard := s.shardFor(deviceID)

	shard.mu.Lock()
	old, ok := shard.scores[deviceID]
	if !ok {
		old = domain.TrustInitial
	}
	next := domain.Clamp(old + delta)
	shard.scores[deviceID] = next
	shard.mu.Unlock()

	if err := s.store.AppendTrustEvent(ctx, domain.TrustHistoryEntry{
		DeviceID:   deviceID,
		ScoreAfter: next,
		Delta:      delta,
		Reason:     reason,
	}); err != nil {
		return next, err
	}

	telemetry.TrustAdjustments.WithLabelValues(reason).Inc()
	s.notifyIfCrossed(ctx, deviceID, old, next)
	return next, nil
}

// RecordAlert converts an alert's kind and severity into a trust penalty
// using the category table of §4.4: behavioral anomalies (dos, volume,
// network/port scans), honeypot hits and attestation failures each have
// their own severity→delta scale.
func (s *Scorer) RecordAlert(ctx context.Context, deviceID string, kind string, severity domain.Severity) (int, error) {
	delta := penaltyFor(domain.AlertKind(kind), severity)
	return s.Adjust(ctx, deviceID, delta, "alert:"+kind)
}

func penaltyFor(kind domain.AlertKind, sev domain.Severity) int {
	switch kind {
	case domain.AlertHoneypotHit:
		switch sev {
		case domain.SeverityCritical:
			return -60
		case domain.SeverityHigh:
			return -40
		default:
			return -20
		}
	case domain.AlertAttestationFail:
		return -20
	case domain.AlertDoS, domain.AlertVolume, domain.AlertNetworkScan, domain.AlertPortScan:
		switch sev {
		case domain.SeverityCritical, domain.SeverityHigh:
			return -30
		case domain.SeverityMedium:
			return -15
		default:
			return -5
		}
	default: // security_alert category, for kinds outside the behavioral set
		switch sev {
		case domain.SeverityCritical, domain.SeverityHigh:
			return -40
		case domain.SeverityMedium:
			return -20
		default:
			return -10
		}
	}
}

// RecordAttestationFailure applies the fixed attestation-failure penalty
// (§4.2, §4.4).
func (s *Scorer) RecordAttestationFailure(ctx context.Context, deviceID string) (int, error) {
	return s.Adjust(ctx, deviceID, -20, "attestation_failed")
}

// Get returns the current in-memory score, falling back to the store for a
// device this process has not scored since restart.
func (s *Scorer) Get(ctx context.Context, deviceID string) (int, error) {
	shard := s.shardFor(deviceID)
	shard.mu.RLock()
	score, ok := shard.scores[deviceID]
	shard.mu.RUnlock()
	if ok {
		return score, nil
	}
	score, err := s.store.CurrentTrust(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	shard.mu.Lock()
	shard.scores[deviceID] = score
	shard.mu.Unlock()
	return score, nil
}

// AllScores snapshots every score currently held in memory.
func (s *Scorer) AllScores(ctx context.Context) map[string]int {
	out := make(map[string]int)
	for _, shard := range s.shards {
		shard.mu.RLock()
		for id, score := range shard.scores {
			out[id] = score
		}
		shard.mu.RUnlock()
	}
	return out
}

func (s *Scorer) notifyIfCrossed(ctx context.Context, deviceID string, old, next int) {
	for _, level := range s.thresholds.Levels {
		crossedDown := old >= level && next < level
		crossedUp := old < level+s.thresholds.Hysteresis && next >= level+s.thresholds.Hysteresis
		if !crossedDown && !crossedUp {
			continue
		}
		direction := "down"
		if crossedUp {
			direction = "up"
		}
		s.bus.Publish(ctx, domain.TopicTrustChanged, domain.TrustChangedEvent{
			DeviceID:  deviceID,
			OldScore:  old,
			NewScore:  next,
			Crossed:   level,
			Direction: direction,
		})
	}
}
