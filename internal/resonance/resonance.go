// Package resonance turns emotional triggers into time-decayed
// resonances and promotes strong ones into durable emotional patterns.
package resonance

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-cognition/internal/memory"
	"github.com/nidhogg/nuka-cognition/internal/model"
)

const (
	// DecayPerHour is the exponential decay constant of a resonance.
	DecayPerHour = 0.1
	// ExpiryIntensity is the floor below which a resonance is removed.
	ExpiryIntensity = 0.1
	// SignificantIntensity is the level a resonance must have held to be
	// promoted into a pattern when it expires.
	SignificantIntensity = 0.5
	// AssociationWeight is the emotional weight a short-term memory must
	// exceed to be associated with a new resonance.
	AssociationWeight = 0.5
	// PeakDelay is the time from trigger to peak.
	PeakDelay = time.Hour
)

// PromotionMode selects which intensity is compared with
// SignificantIntensity when a resonance expires.
type PromotionMode int

const (
	// PromoteOnPriorIntensity checks the intensity measured on the
	// previous tick, before this tick's decay.
	PromoteOnPriorIntensity PromotionMode = iota
	// PromoteOnDecayedIntensity checks the value that just fell below
	// ExpiryIntensity, so no pattern is ever emitted.
	PromoteOnDecayedIntensity
)

func (m PromotionMode) String() string {
	switch m {
	case PromoteOnPriorIntensity:
		return "prior"
	case PromoteOnDecayedIntensity:
		return "decayed"
	}
	return fmt.Sprintf("PromotionMode(%d)", int(m))
}

// ParsePromotionMode accepts "prior" (or "") and "decayed".
func ParsePromotionMode(s string) (PromotionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "prior":
		return PromoteOnPriorIntensity, nil
	case "decayed":
		return PromoteOnDecayedIntensity, nil
	}
	return 0, model.NewValidationError("promotion_mode", fmt.Sprintf("unknown mode %q", s))
}

// Resonance is a transient emotional activation.
type Resonance struct {
	ID                 string    `json:"id"`
	Trigger            string    `json:"trigger"`
	InitialIntensity   float64   `json:"initial_intensity"`
	Intensity          float64   `json:"intensity"`      // [0, 1]
	LastIntensity      float64   `json:"last_intensity"` // measured on the previous tick
	StartTime          time.Time `json:"start_time"`
	PeakTime           time.Time `json:"peak_time"`
	AssociatedMemories []string  `json:"associated_memories"` // contents, by value
}

func (r Resonance) clone() Resonance {
	r.AssociatedMemories = append([]string(nil), r.AssociatedMemories...)
	return r
}

// Pattern is a durable signature promoted from a significant resonance.
type Pattern struct {
	ID               string         `json:"id"`
	TriggerType      string         `json:"trigger_type"`
	BaseIntensity    float64        `json:"base_intensity"`
	CurrentIntensity float64        `json:"current_intensity"`
	LastTriggered    time.Time      `json:"last_triggered"`
	Members          []memory.Event `json:"members"`
}

// Clone returns a deep copy.
func (p Pattern) Clone() Pattern {
	members := make([]memory.Event, len(p.Members))
	for i, m := range p.Members {
		members[i] = m.Clone()
	}
	p.Members = members
	return p
}

// TraitNames lists the traits influenced by any member, sorted and unique.
func (p Pattern) TraitNames() []string {
	seen := make(map[string]struct{})
	var names []string
	for _, m := range p.Members {
		for _, t := range m.TraitNames() {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				names = append(names, t)
			}
		}
	}
	sort.Strings(names)
	return names
}

// MemorySource provides the short-term memory set.
type MemorySource interface {
	ShortTerm() []memory.Event
}

// Option configures an Engine.
type Option func(*Engine)

// WithNow overrides the engine clock.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine owns the active resonances and emitted patterns of one session.
type Engine struct {
	active   []*Resonance
	patterns []Pattern
	source   MemorySource
	mode     PromotionMode

	now    func() time.Time
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewEngine creates an engine reading short-term memories from source.
func NewEngine(source MemorySource, mode PromotionMode, logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		source: source,
		mode:   mode,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Mode returns the promotion mode.
func (e *Engine) Mode() PromotionMode { return e.mode }

// Trigger starts a new active resonance and associates the short-term
// memories whose emotional weight exceeds AssociationWeight.
func (e *Engine) Trigger(trigger string, intensity float64) (Resonance, error) {
	if strings.TrimSpace(trigger) == "" {
		return Resonance{}, model.NewValidationError("trigger", "must not be empty")
	}
	if !model.Finite(intensity) {
		return Resonance{}, model.NewValidationError("intensity", "must be finite")
	}
	intensity = model.Clamp01(intensity)

	var associated []string
	if e.source != nil {
		for _, m := range e.source.ShortTerm() {
			if m.EmotionalWeight > AssociationWeight {
				associated = append(associated, m.Content)
			}
		}
	}

	now := e.now()
	r := &Resonance{
		ID:                 uuid.New().String(),
		Trigger:            trigger,
		InitialIntensity:   intensity,
		Intensity:          intensity,
		LastIntensity:      intensity,
		StartTime:          now,
		PeakTime:           now.Add(PeakDelay),
		AssociatedMemories: associated,
	}

	e.mu.Lock()
	e.active = append(e.active, r)
	e.mu.Unlock()

	e.logger.Debug("resonance triggered",
		zap.String("trigger", trigger),
		zap.Float64("intensity", intensity),
		zap.Int("associated", len(associated)))
	return r.clone(), nil
}

// Tick decays every active resonance to its value at now, removes the
// expired ones and returns the patterns promoted on this tick. Intensity
// is a function of elapsed time only, so repeated ticks are harmless.
func (e *Engine) Tick() []Pattern {
	var shortTerm []memory.Event
	if e.source != nil {
		shortTerm = e.source.ShortTerm()
	}
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	var emitted []Pattern
	kept := e.active[:0]
	for _, r := range e.active {
		prior := r.Intensity
		h := model.ElapsedHours(r.StartTime, now)
		r.LastIntensity = prior
		r.Intensity = model.Clamp01(r.InitialIntensity * math.Exp(-DecayPerHour*h))

		if r.Intensity >= ExpiryIntensity {
			kept = append(kept, r)
			continue
		}
		if e.significant(prior, r.Intensity) {
			p := promote(r, shortTerm)
			e.patterns = append(e.patterns, p)
			emitted = append(emitted, p.Clone())
			e.logger.Info("emotional pattern emitted",
				zap.String("trigger", r.Trigger),
				zap.Float64("base_intensity", p.BaseIntensity),
				zap.Int("members", len(p.Members)))
		}
	}
	for i := len(kept); i < len(e.active); i++ {
		e.active[i] = nil
	}
	e.active = kept
	return emitted
}

func (e *Engine) significant(prior, decayed float64) bool {
	switch e.mode {
	case PromoteOnDecayedIntensity:
		return decayed > SignificantIntensity
	default:
		return prior > SignificantIntensity
	}
}

// promote resolves associated contents against the short-term set by
// value; the first matching memory wins for each content.
func promote(r *Resonance, shortTerm []memory.Event) Pattern {
	p := Pattern{
		ID:               uuid.New().String(),
		TriggerType:      r.Trigger,
		BaseIntensity:    r.InitialIntensity,
		CurrentIntensity: r.Intensity,
		LastTriggered:    r.StartTime,
	}
	for _, content := range r.AssociatedMemories {
		for _, m := range shortTerm {
			if m.Content == content {
				p.Members = append(p.Members, m.Clone())
				break
			}
		}
	}
	return p
}

// Active returns the active resonances.
func (e *Engine) Active() []Resonance {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Resonance, 0, len(e.active))
	for _, r := range e.active {
		out = append(out, r.clone())
	}
	return out
}

// Patterns returns every emitted pattern in emission order.
func (e *Engine) Patterns() []Pattern {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Pattern, 0, len(e.patterns))
	for _, p := range e.patterns {
		out = append(out, p.Clone())
	}
	return out
}

// RestorePattern re-adopts a persisted pattern. A pattern whose id is
// already known is ignored.
func (e *Engine) RestorePattern(p Pattern) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, have := range e.patterns {
		if have.ID == p.ID {
			return
		}
	}
	p = p.Clone()
	p.BaseIntensity = model.Clamp01(p.BaseIntensity)
	p.CurrentIntensity = model.Clamp01(p.CurrentIntensity)
	e.patterns = append(e.patterns, p)
}
