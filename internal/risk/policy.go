// Package risk classifies engine-proposed actions into risk tiers and derives
// the confirmation timeout for each tier.
package risk

import (
	"fmt"
	"strings"

	"github.com/g960059/agtpilot/internal/config"
	"github.com/g960059/agtpilot/internal/model"
	"github.com/g960059/agtpilot/internal/security"
)

// Policy is immutable after construction and safe for concurrent use.
type Policy struct {
	tools       map[string]model.RiskTier
	timeouts    map[model.RiskTier]int
	defaultTier model.RiskTier
	credentials *security.CredentialMatcher
}

// Classification explains how a tier was reached.
type Classification struct {
	Base           model.RiskTier
	Tier           model.RiskTier
	Escalated      bool
	EscalatedBy    string
	TimeoutSeconds int
}

func NewPolicy(cfg config.RiskConfig) (*Policy, error) {
	defaultTier, ok := model.ParseRiskTier(cfg.DefaultTier)
	if !ok {
		return nil, fmt.Errorf("invalid default risk tier %q", cfg.DefaultTier)
	}
	p := &Policy{
		tools:       make(map[string]model.RiskTier, len(cfg.Tools)),
		timeouts:    make(map[model.RiskTier]int, 4),
		defaultTier: defaultTier,
	}
	for tool, raw := range cfg.Tools {
		tier, ok := model.ParseRiskTier(raw)
		if !ok {
			return nil, fmt.Errorf("tool %s: invalid risk tier %q", tool, raw)
		}
		p.tools[normalizeTool(tool)] = tier
	}
	for raw, seconds := range cfg.Timeouts {
		tier, ok := model.ParseRiskTier(raw)
		if !ok {
			return nil, fmt.Errorf("timeouts: invalid risk tier %q", raw)
		}
		if seconds <= 0 {
			return nil, fmt.Errorf("timeouts: %s must be positive", tier)
		}
		p.timeouts[tier] = seconds
	}
	for _, tier := range []model.RiskTier{model.RiskLow, model.RiskMedium, model.RiskHigh, model.RiskCritical} {
		if _, ok := p.timeouts[tier]; !ok {
			return nil, fmt.Errorf("timeouts: missing %s", tier)
		}
	}
	matcher, err := security.NewCredentialMatcher(cfg.CredentialPatterns)
	if err != nil {
		return nil, err
	}
	p.credentials = matcher
	return p, nil
}

// Classify returns the tier for toolName and params. The credential
// escalation is applied before the timeout is looked up.
func (p *Policy) Classify(toolName string, params map[string]any) Classification {
	base, ok := p.tools[normalizeTool(toolName)]
	if !ok {
		base = p.defaultTier
	}
	out := Classification{Base: base, Tier: base}
	if hit, ok := p.credentials.Match(params); ok {
		out.Tier = base.Escalate()
		out.Escalated = out.Tier != base
		out.EscalatedBy = hit
	}
	out.TimeoutSeconds = p.timeouts[out.Tier]
	return out
}

// Credentials exposes the matcher so payload redaction agrees with escalation.
func (p *Policy) Credentials() *security.CredentialMatcher {
	return p.credentials
}

func normalizeTool(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, "-", "_")
	return strings.ReplaceAll(name, ".", "_")
}
