// Package trait keeps per-trait baselines, their decay and reinforcement
// state, and the evolution metrics derived from each trait's history.
package trait

import (
	"sort"
	"time"

	"github.com/nidhogg/nuka-cognition/internal/trend"
)

// EvidenceCorrelated tags secondary influences applied through the
// correlation table.
const EvidenceCorrelated = "correlated_trait"

// Default dynamics for traits created on first influence.
const (
	DefaultDecayRate         = 0.01 // per day
	DefaultReinforcementRate = 1.0
)

// Baseline is the persistent state of one trait.
type Baseline struct {
	Name                string    `json:"name"`
	CurrentValue        float64   `json:"current_value"`
	TargetValue         float64   `json:"target_value"`
	DecayRate           float64   `json:"decay_rate"`
	ReinforcementRate   float64   `json:"reinforcement_rate"`
	Stability           float64   `json:"stability"`
	LastAdjustment      time.Time `json:"last_adjustment"`
	SupportingMemories  []string  `json:"supporting_memories"`
	ConflictingMemories []string  `json:"conflicting_memories"`
}

// Clone returns a deep copy.
func (b Baseline) Clone() Baseline {
	b.SupportingMemories = append([]string(nil), b.SupportingMemories...)
	b.ConflictingMemories = append([]string(nil), b.ConflictingMemories...)
	return b
}

// Metrics tracks how a trait has moved over time.
type Metrics struct {
	History            []float64      `json:"history"`
	ShortTermChange    float64        `json:"short_term_change"`
	LongTermTrend      float64        `json:"long_term_trend"`
	Volatility         float64        `json:"volatility"`
	Confidence         float64        `json:"confidence"`
	EmotionalAlignment float64        `json:"emotional_alignment"`
	Trend              trend.Analysis `json:"trend"`
	LastUpdate         time.Time      `json:"last_update"`
}

// Clone returns a deep copy.
func (m Metrics) Clone() Metrics {
	m.History = append([]float64(nil), m.History...)
	m.Trend.MovingAverages = append([]float64(nil), m.Trend.MovingAverages...)
	m.Trend.SeasonalComponents = append([]float64(nil), m.Trend.SeasonalComponents...)
	return m
}

// Definition seeds a trait with explicit dynamics.
type Definition struct {
	Name              string  `json:"name"`
	CurrentValue      float64 `json:"current_value"`
	TargetValue       float64 `json:"target_value"`
	DecayRate         float64 `json:"decay_rate"`
	ReinforcementRate float64 `json:"reinforcement_rate"`
}

// Correlation links two traits. Key is "a_b".
type Correlation struct {
	A           string  `json:"a"`
	B           string  `json:"b"`
	Coefficient float64 `json:"coefficient"`
}

// Key returns the correlation table key.
func (c Correlation) Key() string { return c.A + "_" + c.B }

// trendWindow is the sample count averaged at each end of the history for
// the long-term trend.
const trendWindow = 10

// recordSample appends v to the history and refreshes the derived metrics.
func (m *Metrics) recordSample(v float64, now time.Time) {
	m.History = trend.Push(m.History, v)
	n := len(m.History)
	if n >= 2 {
		m.ShortTermChange = m.History[n-1] - m.History[n-2]
	}
	if n >= trendWindow {
		m.LongTermTrend = trend.Mean(m.History[n-trendWindow:]) - trend.Mean(m.History[:trendWindow])
	}
	m.Trend = trend.Analyze(m.Trend, m.History, now)
	m.Volatility = m.Trend.Volatility
	m.LastUpdate = now
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
