package onboarding

import (
	"context"
	"log/slog"
	"time"

	"github.com/meridian-iot/policycore/internal/core/domain"
)

// CheckInterval is how often the background finalization sweep runs (§4.3:
// "a single background task checks all profiling devices every 30 s").
const CheckInterval = 30 * time.Second

// Watcher periodically finalizes any profiling device whose window has
// elapsed. It is crash-safe: elapsed-ness is computed by re-reading each
// device's persisted ProfilingStarted timestamp rather than any in-memory
// deadline, so a restart mid-window simply resumes the sweep.
type Watcher struct {
	coordinator *Coordinator
	duration    time.Duration
}

// NewWatcher builds a Watcher against coordinator, using duration as the
// configured profiling_duration_s.
func NewWatcher(coordinator *Coordinator, duration time.Duration) *Watcher {
	return &Watcher{coordinator: coordinator, duration: duration}
}

// Run blocks, sweeping every CheckInterval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *Watcher) sweep(ctx context.Context) {
	devices, err := w.coordinator.store.ListProfilingDevices(ctx)
	if err != nil {
		slog.Error("onboarding watcher: list profiling devices", "error", err)
		return
	}
	now := time.Now()
	for _, d := range devices {
		if d.Status != domain.StatusProfiling {
			continue
		}
		if now.Sub(d.ProfilingStarted) < w.duration {
			continue
		}
		if err := w.coordinator.Finalize(ctx, d.DeviceID); err != nil {
			slog.Error("onboarding watcher: finalize", "device_id", d.DeviceID, "error", err)
		}
	}
}
