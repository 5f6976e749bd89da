package cluster

import (
	"math"
	"sort"
	"time"

	"github.com/nidhogg/nuka-cognition/internal/memory"
	"github.com/nidhogg/nuka-cognition/internal/model"
	"github.com/nidhogg/nuka-cognition/internal/trait"
)

// PruneThreshold is the overall score below which a memory is eligible
// for removal.
const PruneThreshold = 0.2

// Hourly decay constants of the pruning score.
const (
	relevanceDecay = 0.1
	emotionalDecay = 0.05
	temporalDecay  = 0.1
)

// TraitView exposes the trait metrics pruning reads.
type TraitView interface {
	Metrics(name string) (trait.Metrics, bool)
}

// Score is the pruning evaluation of one memory.
type Score struct {
	MemoryID          string    `json:"memory_id"`
	Relevance         float64   `json:"relevance"`
	EmotionalImpact   float64   `json:"emotional_impact"`
	TraitContribution float64   `json:"trait_contribution"`
	TemporalDecay     float64   `json:"temporal_decay"`
	Overall           float64   `json:"overall"`
	AffectedTraits    []string  `json:"affected_traits"`
	EvaluatedAt       time.Time `json:"evaluated_at"`
}

// Eligible reports whether the memory may be pruned.
func (s Score) Eligible() bool { return s.Overall < PruneThreshold }

// ScoreMemory evaluates ev against the current trait metrics at now.
// Only traits the ledger knows count towards relevance and contribution.
func ScoreMemory(ev memory.Event, traits TraitView, now time.Time) Score {
	s := Score{MemoryID: ev.ID, EvaluatedAt: now}

	var relevance, contribution float64
	for _, name := range ev.TraitNames() {
		m, ok := traits.Metrics(name)
		if !ok {
			continue
		}
		h := model.ElapsedHours(m.LastUpdate, now)
		relevance += math.Abs(ev.TraitInfluences[name]) * math.Exp(-relevanceDecay*h)
		contribution += math.Abs(m.Trend.ShortTermSlope) * model.Clamp01(1-m.Trend.Volatility)
		s.AffectedTraits = append(s.AffectedTraits, name)
	}
	if n := float64(len(s.AffectedTraits)); n > 0 {
		s.Relevance = relevance / n
		s.TraitContribution = contribution / n
	}

	age := model.ElapsedHours(ev.CreatedAt, now)
	s.EmotionalImpact = ev.EmotionalWeight * math.Exp(-emotionalDecay*age)
	s.TemporalDecay = math.Exp(-temporalDecay * age)

	s.Overall = 0.3*s.Relevance +
		0.2*s.EmotionalImpact +
		0.3*s.TraitContribution +
		0.2*s.TemporalDecay
	return s
}

// PruneCandidates scores every event and returns the eligible ones,
// lowest score first, ties by id. Nothing is removed.
func PruneCandidates(events []memory.Event, traits TraitView, now time.Time) []Score {
	var out []Score
	for _, ev := range events {
		if s := ScoreMemory(ev, traits, now); s.Eligible() {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Overall != out[j].Overall {
			return out[i].Overall < out[j].Overall
		}
		return out[i].MemoryID < out[j].MemoryID
	})
	return out
}
