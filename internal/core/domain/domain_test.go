package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecisionRank(t *testing.T) {
	assert.Less(t, DecisionAllow.Rank(), DecisionRedirect.Rank())
	assert.Less(t, DecisionRedirect.Rank(), DecisionDeny.Rank())
	assert.Less(t, DecisionDeny.Rank(), DecisionQuarantine.Rank())
}

func TestSeverityRankAndMax(t *testing.T) {
	assert.Less(t, SeverityLow.Rank(), SeverityMedium.Rank())
	assert.Less(t, SeverityMedium.Rank(), SeverityHigh.Rank())
	assert.Less(t, SeverityHigh.Rank(), SeverityCritical.Rank())

	assert.Equal(t, SeverityHigh, MaxSeverity(SeverityLow, SeverityHigh))
	assert.Equal(t, SeverityCritical, MaxSeverity(SeverityCritical, SeverityLow))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, TrustMin, Clamp(-15))
	assert.Equal(t, TrustMax, Clamp(115))
	assert.Equal(t, 42, Clamp(42))
}

func TestPolicyEndsInDefaultDeny(t *testing.T) {
	p := Policy{Rules: []PolicyRule{
		{Action: ActionAllow, Priority: 100},
		DefaultDenyRule(),
	}}
	assert.True(t, p.EndsInDefaultDeny())

	missing := Policy{Rules: []PolicyRule{{Action: ActionAllow, Priority: 100}}}
	assert.False(t, missing.EndsInDefaultDeny())

	empty := Policy{}
	assert.False(t, empty.EndsInDefaultDeny())

	wrongPriority := Policy{Rules: []PolicyRule{{Action: ActionDeny, Priority: 50}}}
	assert.False(t, wrongPriority.EndsInDefaultDeny())
}

func TestRuleForSeverity(t *testing.T) {
	high := RuleForSeverity("10.0.0.5", "threat-1", SeverityHigh)
	assert.Equal(t, ActionDeny, high.Action)
	assert.Equal(t, MitigationDenyPriority, high.Priority)
	assert.True(t, high.Permanent)

	critical := RuleForSeverity("10.0.0.6", "threat-2", SeverityCritical)
	assert.Equal(t, ActionDeny, critical.Action)
	assert.True(t, critical.Permanent)

	medium := RuleForSeverity("10.0.0.7", "threat-3", SeverityMedium)
	assert.Equal(t, ActionRedirect, medium.Action)
	assert.False(t, medium.Permanent)

	low := RuleForSeverity("10.0.0.8", "threat-4", SeverityLow)
	assert.Equal(t, ActionMonitor, low.Action)
	assert.False(t, low.Permanent)
}

func TestFlowStatsRates(t *testing.T) {
	f := FlowStats{Packets: 100, Bytes: 5000, WindowSeconds: 10}
	pps, bps := f.Rates()
	assert.Equal(t, 10.0, pps)
	assert.Equal(t, 500.0, bps)

	zero := FlowStats{Packets: 100, Bytes: 5000, WindowSeconds: 0}
	pps, bps = zero.Rates()
	assert.Equal(t, 0.0, pps)
	assert.Equal(t, 0.0, bps)
}
