// Package mitigation implements the Mitigation Generator (component J): it
// reacts to threat updates by installing or retiring cross-cutting
// source-IP rules on the Switch Adapter (§4.9).
package mitigation

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/meridian-iot/policycore/internal/core/domain"
	"github.com/meridian-iot/policycore/internal/core/ports"
	"github.com/meridian-iot/policycore/internal/telemetry"
)

// Generator subscribes to threat updates and maintains mitigation rules.
type Generator struct {
	store    ports.IdentityStore
	switchAd ports.SwitchAdapter
	bus      ports.EventBus
}

// New builds a Generator.
func New(store ports.IdentityStore, switchAd ports.SwitchAdapter, bus ports.EventBus) *Generator {
	return &Generator{store: store, switchAd: switchAd, bus: bus}
}

// Run blocks, consuming TopicThreatUpdated events until ctx is cancelled.
func (g *Generator) Run(ctx context.Context) {
	ch, cancel := g.bus.Subscribe(domain.TopicThreatUpdated)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-ch:
			ev, ok := payload.(domain.ThreatUpdatedEvent)
			if !ok {
				continue
			}
			g.handle(ctx, ev)
		}
	}
}

func (g *Generator) handle(ctx context.Context, ev domain.ThreatUpdatedEvent) {
	threat, err := g.store.GetThreat(ctx, ev.SourceIP)
	if err != nil {
		slog.Error("mitigation: load threat", "source_ip", ev.SourceIP, "error", err)
		return
	}

	existing, found, err := g.store.GetMitigationRule(ctx, ev.SourceIP)
	if err != nil {
		slog.Error("mitigation: load existing rule", "source_ip", ev.SourceIP, "error", err)
		return
	}
	if found && existing.Action == actionForSeverity(threat.Severity) {
		return // idempotent: no change in required action
	}

	rule := domain.RuleForSeverity(ev.SourceIP, ruleThreatID(existing, ev.SourceIP), threat.Severity)
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}

	if err := g.switchAd.InstallRule(ctx, rule.ID, rule.Match, rule.Action, rule.Priority); err != nil {
		slog.Error("mitigation: install rule", "source_ip", ev.SourceIP, "error", err)
		return
	}
	if err := g.store.PutMitigationRule(ctx, rule); err != nil {
		slog.Error("mitigation: persist rule", "source_ip", ev.SourceIP, "error", err)
		return
	}
	g.bus.Publish(ctx, domain.TopicMitigationProposed, rule)
	telemetry.MitigationRulesInstalled.WithLabelValues(string(rule.Action)).Inc()
	slog.Info("mitigation rule installed", "source_ip", ev.SourceIP, "action", rule.Action, "severity", threat.Severity)
}

func ruleThreatID(existing domain.MitigationRule, fallback string) string {
	if existing.OriginThreatID != "" {
		return existing.OriginThreatID
	}
	return fallback
}

func actionForSeverity(sev domain.Severity) domain.PolicyAction {
	switch sev {
	case domain.SeverityHigh, domain.SeverityCritical:
		return domain.ActionDeny
	case domain.SeverityMedium:
		return domain.ActionRedirect
	default:
		return domain.ActionMonitor
	}
}

// ExpireStale removes mitigation rules whose origin threat has aged out of
// the store's TTL window and is not marked permanent (§4.9).
func (g *Generator) ExpireStale(ctx context.Context, expired []domain.Threat) {
	for _, threat := range expired {
		rule, found, err := g.store.GetMitigationRule(ctx, threat.SourceIP)
		if err != nil || !found || rule.Permanent {
			continue
		}
		if err := g.switchAd.RemoveRule(ctx, rule.ID); err != nil {
			slog.Warn("mitigation: remove expired rule", "rule_id", rule.ID, "error", err)
			continue
		}
		if err := g.store.RemoveMitigationRule(ctx, rule.ID); err != nil {
			slog.Warn("mitigation: delete expired rule record", "rule_id", rule.ID, "error", err)
		}
	}
}
