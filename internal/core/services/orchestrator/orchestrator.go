// Package orchestrator implements the Traffic Orchestrator (component K):
// the sole writer to the Switch Adapter's device-scoped rules. It fuses
// trust score, threat level and onboarding status into a single decision
// per device and only re-installs a rule set when the decision actually
// changes (§4.10). Events go onto one shared queue drained by a fixed worker
// pool, mirroring the teacher's runDeviceWorkers/app.NetworkService.ProcessDevice
// pipeline; a per-device mutex keeps two evaluations of the same device from
// running at once, but events for one device are not kept in arrival order.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/meridian-iot/policycore/internal/core/domain"
	"github.com/meridian-iot/policycore/internal/core/ports"
	"github.com/meridian-iot/policycore/internal/telemetry"
)

// Thresholds configures the trust bands that map to a decision when no
// recent alert forces a stricter one (§4.10).
type Thresholds struct {
	AllowMin    int // trust >= this and no active alert -> ALLOW
	RedirectMin int // trust in [RedirectMin, AllowMin) -> REDIRECT
	DenyMin     int // trust in [DenyMin, RedirectMin) -> DENY
	// trust below DenyMin -> QUARANTINE

	Hysteresis     int           // recovery requires trust >= threshold + Hysteresis
	AlertWindow    time.Duration // window for "latest alerts" escalation
	RecoveryWindow time.Duration // window that must be alert-free (>= medium) to recover
}

// DefaultThresholds mirrors the spec's 70/50/30 trust bands with a 5-point
// recovery hysteresis, a 300s alert window and a 600s recovery window.
var DefaultThresholds = Thresholds{
	AllowMin: 70, RedirectMin: 50, DenyMin: 30,
	Hysteresis:     5,
	AlertWindow:    300 * time.Second,
	RecoveryWindow: 600 * time.Second,
}

type deviceEvent struct {
	deviceID string
}

type alertRecord struct {
	severity domain.Severity
	at       time.Time
}

// Orchestrator serializes decision evaluation per device and is the only
// component permitted to call SwitchAdapter.InstallRule for device-scoped
// (EthSrc) rules.
type Orchestrator struct {
	store      ports.IdentityStore
	trust      ports.TrustScorer
	switchAd   ports.SwitchAdapter
	bus        ports.EventBus
	thresholds Thresholds

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	alertsMu     sync.Mutex
	alertHistory map[string][]alertRecord

	queue chan deviceEvent
}

// New builds an Orchestrator with a worker pool sized to runtime.NumCPU().
func New(store ports.IdentityStore, trust ports.TrustScorer, switchAd ports.SwitchAdapter, bus ports.EventBus, thresholds Thresholds) *Orchestrator {
	return &Orchestrator{
		store:        store,
		trust:        trust,
		switchAd:     switchAd,
		bus:          bus,
		thresholds:   thresholds,
		locks:        make(map[string]*sync.Mutex),
		alertHistory: make(map[string][]alertRecord),
		queue:        make(chan deviceEvent, 1024),
	}
}

func (o *Orchestrator) lockFor(deviceID string) *sync.Mutex {
	o.locksMu.Lock()
	defer o.locksMu.Unlock()
	l, ok := o.locks[deviceID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[deviceID] = l
	}
	return l
}

// Run starts the worker pool and the subscriptions that feed it: trust
// changes, threat updates, alerts, device status changes and policy
// replacements all trigger re-evaluation of the owning device's decision.
func (o *Orchestrator) Run(ctx context.Context) {
	numWorkers := runtime.NumCPU()
	slog.Info("orchestrator: starting worker pool", "workers", numWorkers)
	for i := 0; i < numWorkers; i++ {
		go o.worker(ctx)
	}

	trustCh, cancelTrust := o.bus.Subscribe(domain.TopicTrustChanged)
	threatCh, cancelThreat := o.bus.Subscribe(domain.TopicThreatUpdated)
	alertCh, cancelAlert := o.bus.Subscribe(domain.TopicAlert)
	statusCh, cancelStatus := o.bus.Subscribe(domain.TopicDeviceStatusChanged)
	policyCh, cancelPolicy := o.bus.Subscribe(domain.TopicPolicyReplaced)
	defer cancelTrust()
	defer cancelThreat()
	defer cancelAlert()
	defer cancelStatus()
	defer cancelPolicy()

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-trustCh:
			if ev, ok := payload.(domain.TrustChangedEvent); ok {
				o.enqueue(ev.DeviceID)
			}
		case payload := <-threatCh:
			if ev, ok := payload.(domain.ThreatUpdatedEvent); ok {
				o.enqueueAllMatching(ctx, ev.SourceIP)
			}
		case payload := <-alertCh:
			if alert, ok := payload.(domain.Alert); ok {
				o.recordAlert(alert)
				o.enqueue(alert.DeviceID)
			}
		case payload := <-statusCh:
			if ev, ok := payload.(domain.DeviceStatusChangedEvent); ok {
				o.enqueue(ev.DeviceID)
			}
		case payload := <-policyCh:
			if ev, ok := payload.(domain.PolicyReplacedEvent); ok {
				o.enqueue(ev.DeviceID)
			}
		}
	}
}

// recordAlert appends to the device's recent-alert history, pruning entries
// older than the wider of AlertWindow/RecoveryWindow.
func (o *Orchestrator) recordAlert(alert domain.Alert) {
	o.alertsMu.Lock()
	defer o.alertsMu.Unlock()
	horizon := o.thresholds.AlertWindow
	if o.thresholds.RecoveryWindow > horizon {
		horizon = o.thresholds.RecoveryWindow
	}
	cutoff := time.Now().Add(-horizon)
	history := append(o.alertHistory[alert.DeviceID], alertRecord{severity: alert.Severity, at: alert.Timestamp})
	kept := history[:0]
	for _, r := range history {
		if r.at.After(cutoff) {
			kept = append(kept, r)
		}
	}
	o.alertHistory[alert.DeviceID] = kept
}

// highestSeverityWithin returns the highest alert severity recorded for
// deviceID within window, or "" if none.
func (o *Orchestrator) highestSeverityWithin(deviceID string, window time.Duration) domain.Severity {
	o.alertsMu.Lock()
	defer o.alertsMu.Unlock()
	cutoff := time.Now().Add(-window)
	var max domain.Severity
	for _, r := range o.alertHistory[deviceID] {
		if r.at.After(cutoff) {
			max = domain.MaxSeverity(max, r.severity)
		}
	}
	return max
}

// anyAlertAtLeastMediumWithin reports whether any recorded alert within
// window is medium severity or worse, used by the recovery gate.
func (o *Orchestrator) anyAlertAtLeastMediumWithin(deviceID string, window time.Duration) bool {
	sev := o.highestSeverityWithin(deviceID, window)
	return sev == domain.SeverityMedium || sev == domain.SeverityHigh || sev == domain.SeverityCritical
}

func (o *Orchestrator) enqueue(deviceID string) {
	select {
	case o.queue <- deviceEvent{deviceID: deviceID}:
	default:
		slog.Warn("orchestrator: queue full, dropping re-evaluation", "device_id", deviceID)
	}
}

// enqueueAllMatching re-evaluates every known device, since a threat update
// on sourceIP may change the decision of any device whose policy reaches
// that IP (§4.9 interacting with §4.10); sourceIP itself is not used to
// narrow the set.
func (o *Orchestrator) enqueueAllMatching(ctx context.Context, sourceIP string) {
	devices, err := o.store.ListDevices(ctx)
	if err != nil {
		slog.Error("orchestrator: list devices for threat fanout", "error", err)
		return
	}
	for _, d := range devices {
		o.enqueue(d.DeviceID)
	}
}

func (o *Orchestrator) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.queue:
			o.evaluate(ctx, ev.deviceID)
		}
	}
}

// evaluate computes the device's fused decision and installs it only if it
// differs from the last installed one (idempotent replay, invariant §8 S6).
// Automatic evaluation never recovers a device out of QUARANTINE; that
// requires an explicit administrator action via Reactivate.
func (o *Orchestrator) evaluate(ctx context.Context, deviceID string) {
	o.evaluateWithRecovery(ctx, deviceID, false)
}

// Reactivate forces a re-evaluation that is permitted to move a device out
// of QUARANTINE, used by the management API's explicit unquarantine action
// (§4.10: "recovery from QUARANTINE additionally requires explicit
// administrator action").
func (o *Orchestrator) Reactivate(ctx context.Context, deviceID string) {
	o.evaluateWithRecovery(ctx, deviceID, true)
}

func (o *Orchestrator) evaluateWithRecovery(ctx context.Context, deviceID string, adminRecovery bool) {
	lock := o.lockFor(deviceID)
	lock.Lock()
	defer lock.Unlock()

	device, err := o.store.GetDevice(ctx, deviceID)
	if err != nil {
		return
	}
	if device.Status == domain.StatusPending {
		return
	}

	trustScore, err := o.trust.Get(ctx, deviceID)
	if err != nil {
		slog.Error("orchestrator: get trust", "device_id", deviceID, "error", err)
		return
	}

	highestAlert := o.highestSeverityWithin(deviceID, o.thresholds.AlertWindow)
	threatLevel := o.maxThreatLevelFor(ctx, deviceID)
	combinedSeverity := domain.MaxSeverity(highestAlert, threatLevel)
	decision, reason := o.decide(device, trustScore, combinedSeverity)

	prev, err := o.store.LastInstalledDecision(ctx, deviceID)
	if err != nil {
		prev = domain.DecisionNone
	}

	if decision.Rank() < prev.Rank() {
		// Recovering to a less-degraded decision: gate on hysteresis and a
		// clean recovery window, and require explicit admin action to leave
		// QUARANTINE.
		if prev == domain.DecisionQuarantine && !adminRecovery {
			return
		}
		if !o.recoveryPermitted(deviceID, trustScore, decision) {
			return
		}
	}

	if decision == prev {
		return
	}

	if err := o.install(ctx, device, decision); err != nil {
		slog.Error("orchestrator: install decision", "device_id", deviceID, "decision", decision, "error", err)
		o.failClosed(ctx, device, trustScore, combinedSeverity, decision, prev, err)
		return
	}
	telemetry.DecisionsInstalled.WithLabelValues(string(decision)).Inc()

	audit := domain.DecisionAudit{
		Timestamp:    time.Now(),
		DeviceID:     deviceID,
		Trust:        trustScore,
		ThreatLevel:  combinedSeverity,
		Decision:     decision,
		Reason:       reason,
		PrevDecision: prev,
	}
	if err := o.store.AppendDecisionAudit(ctx, audit); err != nil {
		slog.Error("orchestrator: append decision audit", "device_id", deviceID, "error", err)
	}
}

// failClosed implements §4.10's failure semantics: once a rule install has
// exhausted the Switch Adapter's own retries, the device is forced to DENY
// (or to QUARANTINE, when that was the decision being installed) rather than
// left on whatever decision (possibly ALLOW) was last installed, and an
// operator alert is raised (invariant #8, scenario S5). The forcing install
// itself is best-effort — even if the switch is unreachable and it also
// fails, the forced decision is still recorded as the last installed one so
// the device is never treated as open.
func (o *Orchestrator) failClosed(ctx context.Context, device domain.Device, trustScore int, threatLevel domain.Severity, attempted, prev domain.Decision, installErr error) {
	forced := domain.DecisionDeny
	if attempted == domain.DecisionQuarantine {
		forced = domain.DecisionQuarantine
	}
	ruleID := "decision-" + device.DeviceID
	if err := o.switchAd.InstallRule(ctx, ruleID, domain.Match{EthSrc: device.MAC}, domain.ActionDeny, 500); err != nil {
		slog.Error("orchestrator: fail-closed deny install also failed", "device_id", device.DeviceID, "error", err)
	}

	reason := fmt.Sprintf("forced fail-closed after install error: %v", installErr)
	telemetry.DecisionsInstalled.WithLabelValues(string(forced)).Inc()
	telemetry.OperatorAlerts.WithLabelValues("fail_closed_install_failure").Inc()
	o.bus.Publish(ctx, domain.TopicOperatorAlert, domain.OperatorAlertEvent{
		DeviceID: device.DeviceID, Reason: reason, Timestamp: time.Now(),
	})

	audit := domain.DecisionAudit{
		Timestamp:    time.Now(),
		DeviceID:     device.DeviceID,
		Trust:        trustScore,
		ThreatLevel:  threatLevel,
		Decision:     forced,
		Reason:       reason,
		PrevDecision: prev,
	}
	if err := o.store.AppendDecisionAudit(ctx, audit); err != nil {
		slog.Error("orchestrator: append fail-closed decision audit", "device_id", device.DeviceID, "error", err)
	}
}

// recoveryPermitted implements §4.10's recovery gate: trust must clear the
// relevant threshold plus hysteresis, and no alert of at least medium
// severity may have fired within the recovery window.
func (o *Orchestrator) recoveryPermitted(deviceID string, trustScore int, decision domain.Decision) bool {
	var required int
	switch decision {
	case domain.DecisionAllow:
		required = o.thresholds.AllowMin + o.thresholds.Hysteresis
	case domain.DecisionRedirect:
		required = o.thresholds.RedirectMin + o.thresholds.Hysteresis
	case domain.DecisionDeny:
		required = o.thresholds.DenyMin + o.thresholds.Hysteresis
	}
	if trustScore < required {
		return false
	}
	return !o.anyAlertAtLeastMediumWithin(deviceID, o.thresholds.RecoveryWindow)
}

// decide implements the exact decision cascade of §4.10: device status,
// then the highest recent alert severity, then the trust score, in that
// order, first match wins.
func (o *Orchestrator) decide(device domain.Device, trustScore int, highestAlert domain.Severity) (domain.Decision, string) {
	if device.Status == domain.StatusRevoked || device.Status == domain.StatusQuarantined {
		return domain.DecisionQuarantine, "device status " + string(device.Status)
	}
	switch {
	case highestAlert == domain.SeverityCritical:
		return domain.DecisionQuarantine, "critical alert"
	case highestAlert == domain.SeverityHigh || trustScore < o.thresholds.DenyMin:
		return domain.DecisionQuarantine, "high alert or trust below deny floor"
	case highestAlert == domain.SeverityMedium || trustScore < o.thresholds.RedirectMin:
		return domain.DecisionDeny, "medium alert or trust below redirect floor"
	case trustScore < o.thresholds.AllowMin:
		return domain.DecisionRedirect, "trust below allow floor"
	default:
		return domain.DecisionAllow, "trust and alert history within bounds"
	}
}

// maxThreatLevelFor returns the highest-severity threat currently
// associated with any source IP this device has been observed talking to.
// The spec's ingestor keys threats by source IP, not device, so this walks
// the device's current policy's destination set as a proxy for "recently
// contacted" IPs.
func (o *Orchestrator) maxThreatLevelFor(ctx context.Context, deviceID string) domain.Severity {
	policy, err := o.store.GetPolicy(ctx, deviceID)
	if err != nil {
		return ""
	}
	var max domain.Severity
	for _, rule := range policy.Rules {
		if rule.Match.DstIP == "" {
			continue
		}
		threat, err := o.store.GetThreat(ctx, rule.Match.DstIP)
		if err != nil {
			continue
		}
		max = domain.MaxSeverity(max, threat.Severity)
	}
	return max
}

// install applies decision for device. ALLOW means "apply the device's
// stored least-privilege policy verbatim" (§4.10): rather than installing
// an allow-all rule that would outrank and shadow that policy's per-
// destination matches, it removes any standing override rule so the
// policy onboarding already installed takes effect on its own. REDIRECT and
// DENY install a single override rule at a priority above the device's
// policy. QUARANTINE additionally removes every rule onboarding installed
// for the device's policy, on top of the top-priority drop, per §4.10's
// "explicitly remove any prior allow rules for that device."
func (o *Orchestrator) install(ctx context.Context, device domain.Device, decision domain.Decision) error {
	ruleID := "decision-" + device.DeviceID
	if decision == domain.DecisionAllow {
		if err := o.switchAd.RemoveRule(ctx, ruleID); err != nil {
			return err
		}
	} else {
		action := actionFor(decision)
		priority := 500 // outranks the device's baseline policy (priority 100/0)
		if decision == domain.DecisionQuarantine {
			priority = 65535 // top of table, per §4.10
		}
		if err := o.switchAd.InstallRule(ctx, ruleID, domain.Match{EthSrc: device.MAC}, action, priority); err != nil {
			return err
		}
		if decision == domain.DecisionQuarantine {
			o.removePolicyRules(ctx, device.DeviceID)
		}
	}
	o.bus.Publish(ctx, domain.TopicDeviceStatusChanged, domain.DeviceStatusChangedEvent{
		DeviceID: device.DeviceID, Old: device.Status, New: device.Status, Timestamp: time.Now(),
	})
	return nil
}

// removePolicyRules explicitly tears down the per-rule allow entries
// onboarding installed for device (ruleIDs "policy-<id>-<i>", matching
// onboarding.Coordinator.installPolicy). Best-effort: the 65535 drop rule
// already dominates them, so a removal failure here is logged, not fatal.
func (o *Orchestrator) removePolicyRules(ctx context.Context, deviceID string) {
	policy, err := o.store.GetPolicy(ctx, deviceID)
	if err != nil {
		return
	}
	for i := range policy.Rules {
		ruleID := fmt.Sprintf("policy-%s-%d", deviceID, i)
		if err := o.switchAd.RemoveRule(ctx, ruleID); err != nil {
			slog.Warn("orchestrator: remove policy rule on quarantine", "device_id", deviceID, "rule_id", ruleID, "error", err)
		}
	}
}

func actionFor(decision domain.Decision) domain.PolicyAction {
	switch decision {
	case domain.DecisionAllow:
		return domain.ActionAllow
	case domain.DecisionRedirect:
		return domain.ActionRedirect
	case domain.DecisionDeny, domain.DecisionQuarantine:
		return domain.ActionDeny
	default:
		return domain.ActionDeny
	}
}

// Reevaluate forces a synchronous re-evaluation of one device, used by the
// management API's manual actions (approve, revoke, finalize) so the effect is
// visible before the HTTP response returns.
func (o *Orchestrator) Reevaluate(ctx context.Context, deviceID string) {
	o.evaluate(ctx, deviceID)
}
