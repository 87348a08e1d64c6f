// Package app wires every component into a single Application facade, the
// same shape as the teacher's internal/app/app.go: bootstrap() sequences
// construction with graceful degradation for non-critical subsystems,
// Run(ctx) starts every loop as a goroutine feeding one error channel, and
// cleanup() unwinds what bootstrap built.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridian-iot/policycore/internal/adapters/managementapi"
	"github.com/meridian-iot/policycore/internal/adapters/storage"
	"github.com/meridian-iot/policycore/internal/adapters/switchctl"
	"github.com/meridian-iot/policycore/internal/config"
	"github.com/meridian-iot/policycore/internal/core/services/anomaly"
	"github.com/meridian-iot/policycore/internal/core/services/attestation"
	"github.com/meridian-iot/policycore/internal/core/services/ca"
	"github.com/meridian-iot/policycore/internal/core/services/eventbus"
	"github.com/meridian-iot/policycore/internal/core/services/flowpoll"
	"github.com/meridian-iot/policycore/internal/core/services/honeypot"
	"github.com/meridian-iot/policycore/internal/core/services/mitigation"
	"github.com/meridian-iot/policycore/internal/core/services/onboarding"
	"github.com/meridian-iot/policycore/internal/core/services/orchestrator"
	"github.com/meridian-iot/policycore/internal/core/services/reporting"
	"github.com/meridian-iot/policycore/internal/core/services/trust"
	"github.com/meridian-iot/policycore/internal/telemetry"
)

// threatSweepInterval governs how often aged-out threats are reaped and
// their mitigation rules retired (§4.9's threat_ttl_s is the age cutoff;
// this is just the polling cadence, kept well below any realistic TTL).
const threatSweepInterval = 60 * time.Second

// Application holds every wired component of the control plane.
type Application struct {
	cfg *config.Config

	store    *storage.SQLiteAdapter
	authority *ca.Authority
	scorer   *trust.Scorer
	switchAd *switchctl.Adapter
	bus      *eventbus.Bus

	onboard       *onboarding.Coordinator
	watcher       *onboarding.Watcher
	attestLoop    *attestation.Loop
	poller        *flowpoll.Poller
	anomalySvc    *anomaly.Service
	honeypotSrc   *honeypot.FileSource
	ingestor      *honeypot.Ingestor
	mitigationGen *mitigation.Generator
	orch          *orchestrator.Orchestrator
	mgmt          *managementapi.Server

	shutdownTracer func(context.Context) error
}

// New constructs and wires every component. It returns an error only for
// failures that make the control plane unsafe to run at all; failures of
// optional subsystems (e.g. a honeypot log that isn't reachable yet) are
// logged and degrade that subsystem rather than aborting startup, mirroring
// the teacher's bootstrap().
func New(cfg *config.Config) (*Application, error) {
	a := &Application{cfg: cfg}
	if err := a.bootstrap(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Application) bootstrap() error {
	cfg := a.cfg
	ctx := context.Background()

	shutdownTracer, err := telemetry.InitTracer()
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	} else {
		a.shutdownTracer = shutdownTracer
	}
	telemetry.InitMetrics()

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("identity store: %w", err)
	}
	a.store = store

	authority := ca.New(cfg.CADir, store)
	if err := authority.InitOrLoadRoot(ctx); err != nil {
		return fmt.Errorf("certificate authority: %w", err)
	}
	a.authority = authority

	a.bus = eventbus.New(cfg.EventQueueSize)

	a.scorer = trust.New(store, a.bus, trust.Thresholds{
		Levels:     cfg.TrustThresholds,
		Hysteresis: cfg.TrustHysteresis,
	})

	switchAd, err := switchctl.Dial(cfg.SwitchAddr, cfg.RuleInstallRetries)
	if err != nil {
		return fmt.Errorf("switch adapter: %w", err)
	}
	a.switchAd = switchAd
	if err := switchAd.Probe(ctx); err != nil {
		// A failed probe does not abort startup. It is only logged: the
		// result is not recorded and no operation is gated on it.
		slog.Warn("switch control agent unreachable at startup, continuing degraded", "error", err)
	}

	a.onboard = onboarding.New(store, authority, a.scorer, a.bus, switchAd,
		time.Duration(cfg.ProfilingDuration)*time.Second, cfg.ProfilingMinPackets, cfg.InitialTrustScore)
	a.watcher = onboarding.NewWatcher(a.onboard, time.Duration(cfg.ProfilingDuration)*time.Second)

	a.attestLoop = attestation.New(store, authority, a.scorer, a.bus)
	a.poller = flowpoll.New(store, switchAd, a.bus)

	engine := anomaly.New(anomaly.DefaultThresholds)
	a.anomalySvc = anomaly.NewService(engine, store, a.scorer, a.bus,
		time.Duration(cfg.AnomalyWindow)*time.Second, cfg.BaselineEMAAlpha)

	a.honeypotSrc = honeypot.NewFileSource(cfg.HoneypotLogPath)
	a.ingestor = honeypot.New(a.honeypotSrc, store, a.bus)

	a.mitigationGen = mitigation.New(store, switchAd, a.bus)

	a.orch = orchestrator.New(store, a.scorer, switchAd, a.bus, orchestrator.Thresholds{
		AllowMin:        cfg.TrustThresholds[0],
		RedirectMin:     cfg.TrustThresholds[1],
		DenyMin:         cfg.TrustThresholds[2],
		Hysteresis:      cfg.TrustHysteresis,
		AlertWindow:     time.Duration(cfg.AlertWindow) * time.Second,
		RecoveryWindow:  time.Duration(cfg.RecoveryWindow) * time.Second,
	})

	report := reporting.New()
	auth, err := managementapi.NewAuthGate(cfg.AdminUsername, cfg.AdminPassword, 12*time.Hour)
	if err != nil {
		return fmt.Errorf("admin auth gate: %w", err)
	}
	a.mgmt = managementapi.New(cfg.ManagementAddr, store, a.scorer, authority, a.onboard, a.orch, a.bus, report, auth)

	return nil
}

// Run starts every loop and server and blocks until ctx is cancelled or one
// of them reports a fatal error, then unwinds via cleanup(). This mirrors
// the teacher's Run: one errChan shared by every goroutine, select on
// ctx.Done() vs the channel.
func (a *Application) Run(ctx context.Context) error {
	errChan := make(chan error, 8)

	go a.watcher.Run(ctx)
	go a.attestLoop.Run(ctx, time.Duration(a.cfg.AttestationInterval)*time.Second)
	go a.poller.Run(ctx, time.Duration(a.cfg.FlowPollInterval)*time.Second)
	go a.anomalySvc.Run(ctx)
	go a.mitigationGen.Run(ctx)
	go a.orch.Run(ctx)
	go a.runThreatSweep(ctx)

	go func() {
		if err := a.ingestor.Run(ctx); err != nil {
			slog.Warn("honeypot ingestor stopped", "error", err)
		}
	}()

	go func() {
		if err := a.mgmt.Run(ctx); err != nil {
			errChan <- fmt.Errorf("management api: %w", err)
		}
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-errChan:
		slog.Error("subsystem failed, shutting down", "error", err)
	}

	a.cleanup()
	return err
}

// runThreatSweep periodically ages out inactive threats and retires any
// mitigation rules whose origin threat no longer exists, wiring
// IdentityStore.AgeOutThreats to mitigation.Generator.ExpireStale (§4.9).
func (a *Application) runThreatSweep(ctx context.Context) {
	ticker := time.NewTicker(threatSweepInterval)
	defer ticker.Stop()
	ttl := time.Duration(a.cfg.ThreatTTL) * time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := a.store.AgeOutThreats(ctx, ttl)
			if err != nil {
				slog.Warn("threat sweep failed", "error", err)
				continue
			}
			if len(expired) > 0 {
				a.mitigationGen.ExpireStale(ctx, expired)
			}
		}
	}
}

// cleanup unwinds what bootstrap built, tolerating partial initialization.
func (a *Application) cleanup() {
	if a.switchAd != nil {
		_ = a.switchAd.Close()
	}
	if a.shutdownTracer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdownTracer(shutdownCtx); err != nil {
			slog.Warn("tracer shutdown failed", "error", err)
		}
	}
}
