package telemetry

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// DecisionsInstalled counts every Orchestrator decision installed on the
	// Switch Adapter, plus every fail-closed decision recorded after an
	// install error (whether or not its forcing install succeeded), by
	// resulting decision (§4.10).
	DecisionsInstalled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "policycore",
			Name:      "decisions_installed_total",
			Help:      "Total number of traffic decisions installed by the orchestrator.",
		},
		[]string{"decision"},
	)

	// AlertsRaised counts alerts emitted by the Anomaly Detector, by kind
	// and severity (§3, §4.7); attestation failures are counted by
	// AttestationFailures instead.
	AlertsRaised = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "policycore",
			Name:      "alerts_raised_total",
			Help:      "Total number of alerts raised, by kind and severity.",
		},
		[]string{"kind", "severity"},
	)

	// TrustAdjustments counts every trust score delta applied, by reason
	// (§4.4).
	TrustAdjustments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "policycore",
			Name:      "trust_adjustments_total",
			Help:      "Total number of trust score adjustments, by reason.",
		},
		[]string{"reason"},
	)

	// MitigationRulesInstalled counts mitigation rules installed by the
	// Mitigation Generator, by action (§4.9).
	MitigationRulesInstalled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "policycore",
			Name:      "mitigation_rules_installed_total",
			Help:      "Total number of mitigation rules installed, by action.",
		},
		[]string{"action"},
	)

	// AttestationFailures counts attestation cycles that failed a device,
	// by reason (§4.2, §4.5).
	AttestationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "policycore",
			Name:      "attestation_failures_total",
			Help:      "Total number of attestation failures, by reason.",
		},
		[]string{"reason"},
	)

	// SwitchRuleInstallRetries counts retried (non-first-attempt) rule
	// installs against the switch, by outcome (§4.11, §7).
	SwitchRuleInstallRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "policycore",
			Name:      "switch_rule_install_retries_total",
			Help:      "Total number of switch rule install retries, by outcome.",
		},
		[]string{"outcome"},
	)

	// OperatorAlerts counts operator-facing alerts raised outside the normal
	// Alert pipeline, by reason (§4.10's fail-closed forcing is the first of
	// these).
	OperatorAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "policycore",
			Name:      "operator_alerts_total",
			Help:      "Total number of operator alerts raised, by reason.",
		},
		[]string{"reason"},
	)

	once sync.Once
)

// InitMetrics registers all policycore metrics with the global Prometheus
// registry. Idempotent: safe to call more than once.
func InitMetrics() {
	once.Do(func() {
		prometheus.DefaultRegisterer.MustRegister(
			DecisionsInstalled,
			AlertsRaised,
			TrustAdjustments,
			MitigationRulesInstalled,
			AttestationFailures,
			SwitchRuleInstallRetries,
			OperatorAlerts,
		)
	})
}
