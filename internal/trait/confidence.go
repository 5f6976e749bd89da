package trait

import (
	"math"

	"github.com/nidhogg/nuka-cognition/internal/model"
	"github.com/nidhogg/nuka-cognition/internal/trend"
)

// EnhancedConfidence breaks a trait's confidence into its contributing
// signals. Every field lies in [0, 1].
type EnhancedConfidence struct {
	Base               float64 `json:"base"`
	PatternConsistency float64 `json:"pattern_consistency"`
	CrossValidation    float64 `json:"cross_validation"`
	TemporalStability  float64 `json:"temporal_stability"`
	EmotionalAlignment float64 `json:"emotional_alignment"`
	TraitCorrelation   float64 `json:"trait_correlation"`
	Overall            float64 `json:"overall"`
}

// CalculateConfidence returns the base confidence of a trait, or 0 when
// the trait is unknown.
func (l *Ledger) CalculateConfidence(name string) float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.traits[name]
	if !ok {
		return 0
	}
	return baseConfidence(e)
}

// Enhanced blends base confidence with trend, cross-trait and emotional
// signals.
func (l *Ledger) Enhanced(name string) (EnhancedConfidence, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.traits[name]
	if !ok {
		return EnhancedConfidence{}, false
	}

	m := e.metrics
	slopeGap := math.Abs(m.Trend.ShortTermSlope - m.Trend.LongTermSlope)
	c := EnhancedConfidence{
		Base:               baseConfidence(e),
		PatternConsistency: model.Clamp01(1 - (0.5*m.Trend.Volatility + 0.5*slopeGap)),
		CrossValidation:    l.crossValidation(name),
		TemporalStability:  model.Clamp01(1 - m.Volatility),
		EmotionalAlignment: model.Clamp01(m.EmotionalAlignment),
	}
	c.TraitCorrelation = model.Clamp01(0.5*c.CrossValidation + 0.5*c.EmotionalAlignment)
	c.Overall = model.Clamp01(0.2*c.Base +
		0.2*c.PatternConsistency +
		0.2*c.CrossValidation +
		0.2*c.TemporalStability +
		0.1*c.EmotionalAlignment +
		0.1*c.TraitCorrelation)
	return c, true
}

// baseConfidence weighs low volatility, evidence balance and a flat
// long-term trend.
func baseConfidence(e *entry) float64 {
	support := float64(len(e.base.SupportingMemories))
	conflict := float64(len(e.base.ConflictingMemories))

	stable := model.Clamp01(1 - e.metrics.Volatility)
	evidence := model.Clamp01(support / (support + conflict + 1))
	flat := model.Clamp01(math.Exp(-math.Abs(e.metrics.LongTermTrend)))

	return model.Clamp01(0.4*stable + 0.3*evidence + 0.3*flat)
}

// crossValidation is the mean absolute history correlation with every
// trait linked to name in the correlation table. Caller holds l.mu.
func (l *Ledger) crossValidation(name string) float64 {
	self, ok := l.traits[name]
	if !ok {
		return 0
	}
	var sum float64
	var n int
	for _, key := range sortedKeys(l.correlations) {
		c := l.correlations[key]
		var other string
		switch name {
		case c.A:
			other = c.B
		case c.B:
			other = c.A
		default:
			continue
		}
		o, ok := l.traits[other]
		if !ok {
			continue
		}
		sum += math.Abs(trend.Pearson(self.metrics.History, o.metrics.History))
		n++
	}
	if n == 0 {
		return 0
	}
	return model.Clamp01(sum / float64(n))
}
