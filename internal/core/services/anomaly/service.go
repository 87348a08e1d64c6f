package anomaly

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/meridian-iot/policycore/internal/core/domain"
	"github.com/meridian-iot/policycore/internal/core/ports"
	"github.com/meridian-iot/policycore/internal/core/services/baseline"
	"github.com/meridian-iot/policycore/internal/telemetry"
)

// Service subscribes to FlowSample events, runs the detector Engine, feeds
// fired alerts into the Trust Scorer and publishes them on the bus, and
// otherwise folds the sample into the device's baseline via EMA (§4.7:
// "attack traffic must not be learned"). Repeat fires of the same alert kind
// for a device within anomalyWindow are suppressed to prevent alert floods.
type Service struct {
	engine *Engine
	store  ports.IdentityStore
	trust  ports.TrustScorer
	bus    ports.EventBus

	anomalyWindow time.Duration
	alphaEMA      float64

	mu       sync.Mutex
	lastFire map[string]time.Time // deviceID+kind -> last emission time
}

// NewService builds a Service.
func NewService(engine *Engine, store ports.IdentityStore, trust ports.TrustScorer, bus ports.EventBus, anomalyWindow time.Duration, alphaEMA float64) *Service {
	return &Service{
		engine:        engine,
		store:         store,
		trust:         trust,
		bus:           bus,
		anomalyWindow: anomalyWindow,
		alphaEMA:      alphaEMA,
		lastFire:      make(map[string]time.Time),
	}
}

// Run blocks, consuming TopicFlowSample events until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ch, cancel := s.bus.Subscribe(domain.TopicFlowSample)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-ch:
			ev, ok := payload.(domain.FlowSampleEvent)
			if !ok {
				continue
			}
			s.handle(ctx, ev)
		}
	}
}

func (s *Service) handle(ctx context.Context, ev domain.FlowSampleEvent) {
	b, err := s.store.GetBaseline(ctx, ev.DeviceID)
	if err != nil {
		return // no baseline yet (still profiling): nothing to compare against
	}

	alerts := s.engine.Analyze(ev.DeviceID, ev.Stats, b)
	fired := s.suppressFlooding(ev.DeviceID, alerts)

	for _, alert := range fired {
		alert.Timestamp = time.Now()
		s.bus.Publish(ctx, domain.TopicAlert, alert)
		telemetry.AlertsRaised.WithLabelValues(string(alert.Kind), string(alert.Severity)).Inc()
		if _, err := s.trust.RecordAlert(ctx, ev.DeviceID, string(alert.Kind), alert.Severity); err != nil {
			slog.Error("anomaly: record trust penalty", "device_id", ev.DeviceID, "error", err)
		}
	}

	if len(fired) == 0 {
		updated := baseline.ApplyEMA(b, ev.Stats, s.alphaEMA)
		if err := s.store.PutBaseline(ctx, updated); err != nil {
			slog.Error("anomaly: update baseline", "device_id", ev.DeviceID, "error", err)
		}
	}
}

// suppressFlooding drops any alert whose (device, kind) pair already fired
// within anomalyWindow, and records the firing time for the ones that pass.
func (s *Service) suppressFlooding(deviceID string, alerts []domain.Alert) []domain.Alert {
	if len(alerts) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []domain.Alert
	for _, a := range alerts {
		key := deviceID + ":" + string(a.Kind)
		if last, ok := s.lastFire[key]; ok && now.Sub(last) < s.anomalyWindow {
			continue
		}
		s.lastFire[key] = now
		out = append(out, a)
	}
	return out
}
