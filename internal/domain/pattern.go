package domain

import "time"

// PatternKind is the closed set of recurring behaviors the agent learns.
type PatternKind string

const (
	PatternGasWindow      PatternKind = "GAS_WINDOW"
	PatternAPRDegradation PatternKind = "APR_DEGRADATION"
	PatternVolumeSpike    PatternKind = "VOLUME_SPIKE"
	PatternPoolLifecycle  PatternKind = "POOL_LIFECYCLE"
	PatternArbitrage      PatternKind = "ARBITRAGE"
	PatternOther          PatternKind = "OTHER"
)

// Confidence schedule. Supporting evidence asymptotically approaches 1,
// falsifying evidence decays multiplicatively, so one bad observation cannot
// erase a long support history.
const (
	PatternInitialConfidence  = 0.3
	PatternAdvisoryConfidence = 0.5
	PatternSupportAlpha       = 0.1
	PatternFalsifyAlpha       = 0.2
)

// Pattern is a learned regularity with evidence-weighted confidence.
type Pattern struct {
	ID              string            `json:"id"`
	Kind            PatternKind       `json:"kind"`
	Description     string            `json:"description"`
	Confidence      float64           `json:"confidence"`
	SupportCount    int64             `json:"support_count"`
	FirstObservedAt time.Time         `json:"first_observed_at"`
	LastObservedAt  time.Time         `json:"last_observed_at"`
	Payload         map[string]string `json:"payload,omitempty"`
}

// NewPattern creates a pattern with the initial confidence.
func NewPattern(id string, kind PatternKind, description string, at time.Time) Pattern {
	return Pattern{
		ID:              id,
		Kind:            kind,
		Description:     description,
		Confidence:      PatternInitialConfidence,
		SupportCount:    1,
		FirstObservedAt: at,
		LastObservedAt:  at,
		Payload:         make(map[string]string),
	}
}

// Reinforce records supporting evidence: new = old + (1-old) * alpha.
func (p *Pattern) Reinforce(at time.Time) {
	p.SupportCount++
	p.Confidence += (1 - p.Confidence) * PatternSupportAlpha
	if p.Confidence > 1 {
		p.Confidence = 1
	}
	p.LastObservedAt = at
}

// Falsify records contradicting evidence: new = old * (1-alpha).
func (p *Pattern) Falsify(at time.Time) {
	p.Confidence *= 1 - PatternFalsifyAlpha
	p.LastObservedAt = at
}

// Advisory reports whether the pattern may inform analysis text.
func (p Pattern) Advisory() bool {
	return p.Confidence >= PatternAdvisoryConfidence
}

// Actionable reports whether the pattern may drive decisions, given the
// configured minimum confidence.
func (p Pattern) Actionable(minConfidence float64) bool {
	return p.Confidence >= minConfidence
}
