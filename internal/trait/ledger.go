package trait

import (
	"math"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-cognition/internal/model"
)

const hoursPerDay = 24.0

// Config controls the dynamics of traits created on first influence.
type Config struct {
	DefaultDecayRate         float64
	DefaultReinforcementRate float64
}

// DefaultConfig returns the ledger defaults.
func DefaultConfig() Config {
	return Config{
		DefaultDecayRate:         DefaultDecayRate,
		DefaultReinforcementRate: DefaultReinforcementRate,
	}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithNow overrides the ledger clock.
func WithNow(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

type entry struct {
	base     Baseline
	metrics  Metrics
	alignObs int
}

// Ledger owns every trait baseline of one session.
type Ledger struct {
	traits       map[string]*entry // name -> state
	correlations map[string]Correlation
	cfg          Config
	now          func() time.Time
	mu           sync.RWMutex
	logger       *zap.Logger
}

// NewLedger creates an empty ledger.
func NewLedger(cfg Config, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultDecayRate < 0 || !model.Finite(cfg.DefaultDecayRate) {
		cfg.DefaultDecayRate = DefaultDecayRate
	}
	if cfg.DefaultReinforcementRate <= 0 || !model.Finite(cfg.DefaultReinforcementRate) {
		cfg.DefaultReinforcementRate = DefaultReinforcementRate
	}
	l := &Ledger{
		traits:       make(map[string]*entry),
		correlations: make(map[string]Correlation),
		cfg:          cfg,
		now:          time.Now,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Define seeds or replaces the dynamics of a trait. History is kept.
func (l *Ledger) Define(def Definition) (Baseline, error) {
	p, err := l.Prepare(def)
	if err != nil {
		return Baseline{}, err
	}
	p.Commit()
	return p.Baseline, nil
}

// Pending is a definition computed against the current state of a trait
// but not yet installed. Writers must be serialized between Prepare and
// Commit.
type Pending struct {
	Baseline Baseline
	Metrics  Metrics

	ledger *Ledger
	entry  *entry
}

// Commit installs the prepared definition.
func (p Pending) Commit() {
	l := p.ledger
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.traits[p.entry.base.Name]; !ok {
		l.logger.Debug("trait created", zap.String("trait", p.entry.base.Name))
	}
	l.traits[p.entry.base.Name] = p.entry
}

// Prepare validates def and computes the resulting trait without touching
// the ledger.
func (l *Ledger) Prepare(def Definition) (Pending, error) {
	if strings.TrimSpace(def.Name) == "" {
		return Pending{}, model.NewValidationError("name", "must not be empty")
	}
	if !model.Finite(def.DecayRate) || def.DecayRate < 0 {
		return Pending{}, model.NewValidationError("decay_rate", "must be a non-negative number")
	}
	if !model.Finite(def.ReinforcementRate) || def.ReinforcementRate < 0 {
		return Pending{}, model.NewValidationError("reinforcement_rate", "must be a non-negative number")
	}
	if !model.Finite(def.CurrentValue) || !model.Finite(def.TargetValue) {
		return Pending{}, model.NewValidationError("current_value", "must be finite")
	}

	l.mu.RLock()
	e := &entry{base: Baseline{Name: def.Name}}
	if cur, ok := l.traits[def.Name]; ok {
		e = &entry{base: cur.base.Clone(), metrics: cur.metrics.Clone(), alignObs: cur.alignObs}
	}
	l.mu.RUnlock()

	now := l.now()
	e.base.CurrentValue = model.Clamp01(def.CurrentValue)
	e.base.TargetValue = model.Clamp01(def.TargetValue)
	e.base.DecayRate = def.DecayRate
	e.base.ReinforcementRate = def.ReinforcementRate
	e.base.LastAdjustment = now
	l.refresh(e, now)
	return Pending{
		Baseline: e.base.Clone(),
		Metrics:  e.metrics.Clone(),
		ledger:   l,
		entry:    e,
	}, nil
}

// AddCorrelation records that influencing a also moves b by coef (and the
// reverse). Coefficients lie in [-1, 1].
func (l *Ledger) AddCorrelation(a, b string, coef float64) error {
	if a == "" || b == "" || a == b {
		return model.NewValidationError("correlation", "needs two distinct trait names")
	}
	if !model.Finite(coef) || coef < -1 || coef > 1 {
		return model.NewValidationError("coefficient", "must lie in [-1, 1]")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	c := Correlation{A: a, B: b, Coefficient: coef}
	l.correlations[c.Key()] = c
	return nil
}

// Correlations returns the correlation table keyed "a_b".
func (l *Ledger) Correlations() map[string]Correlation {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]Correlation, len(l.correlations))
	for k, c := range l.correlations {
		out[k] = c
	}
	return out
}

// Influence reinforces (or weakens) a trait, creating it when unseen, and
// propagates the change one hop to correlated traits. The returned baseline
// is the primary trait's.
func (l *Ledger) Influence(name string, amount float64, evidence string) (Baseline, error) {
	if strings.TrimSpace(name) == "" {
		return Baseline{}, model.NewValidationError("name", "must not be empty")
	}
	if !model.Finite(amount) {
		return Baseline{}, model.NewValidationError("amount", "must be finite")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e := l.getOrCreate(name)
	l.apply(e, amount, evidence, now)

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
		secondary := amount * c.Coefficient
		if secondary == 0 {
			continue
		}
		l.apply(l.getOrCreate(other), secondary, EvidenceCorrelated, now)
		l.logger.Debug("propagated trait influence",
			zap.String("source", name),
			zap.String("trait", other),
			zap.Float64("amount", secondary))
	}
	return e.base.Clone(), nil
}

// Decay applies elapsedHours of exponential decay without reinforcement
// and advances the trait's last adjustment by the same span, never past now.
func (l *Ledger) Decay(name string, elapsedHours float64) (Baseline, error) {
	if !model.Finite(elapsedHours) || elapsedHours < 0 {
		return Baseline{}, model.NewValidationError("elapsed_hours", "must be a non-negative number")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.traits[name]
	if !ok {
		return Baseline{}, model.NewNotFoundError("trait", name)
	}
	l.decay(e, elapsedHours, l.now())
	return e.base.Clone(), nil
}

// DecayAll decays every trait for the time since its last adjustment.
// Running it twice back to back is a no-op the second time.
func (l *Ledger) DecayAll() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	n := 0
	for _, name := range sortedKeys(l.traits) {
		e := l.traits[name]
		elapsed := model.ElapsedHours(e.base.LastAdjustment, now)
		if elapsed <= 0 {
			continue
		}
		l.decay(e, elapsed, now)
		n++
	}
	return n
}

// Snapshot returns a copy of the trait's baseline.
func (l *Ledger) Snapshot(name string) (Baseline, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.traits[name]
	if !ok {
		return Baseline{}, false
	}
	return e.base.Clone(), true
}

// Metrics returns a copy of the trait's evolution metrics.
func (l *Ledger) Metrics(name string) (Metrics, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.traits[name]
	if !ok {
		return Metrics{}, false
	}
	return e.metrics.Clone(), true
}

// Names lists every known trait in sorted order.
func (l *Ledger) Names() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return sortedKeys(l.traits)
}

// Restore installs a persisted baseline, replacing any in-memory state for
// that trait. Bounded fields are clamped on the way in.
func (l *Ledger) Restore(b Baseline, m Metrics) {
	l.mu.Lock()
	defer l.mu.Unlock()

	b = b.Clone()
	b.CurrentValue = model.Clamp01(b.CurrentValue)
	b.TargetValue = model.Clamp01(b.TargetValue)
	b.Stability = model.Clamp01(b.Stability)
	m = m.Clone()
	m.Confidence = model.Clamp01(m.Confidence)
	m.EmotionalAlignment = model.Clamp01(m.EmotionalAlignment)
	obs := 0
	if m.EmotionalAlignment > 0 {
		obs = 1
	}
	l.traits[b.Name] = &entry{base: b, metrics: m, alignObs: obs}
}

// ObservePattern folds the intensity of an emitted emotional pattern into
// the trait's running emotional alignment. Unknown traits are ignored.
func (l *Ledger) ObservePattern(name string, intensity float64) {
	if !model.Finite(intensity) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.traits[name]
	if !ok {
		return
	}
	e.alignObs++
	m := &e.metrics
	m.EmotionalAlignment = model.Clamp01(m.EmotionalAlignment + (model.Clamp01(intensity)-m.EmotionalAlignment)/float64(e.alignObs))
}

func (l *Ledger) getOrCreate(name string) *entry {
	e, ok := l.traits[name]
	if !ok {
		e = &entry{base: Baseline{
			Name:              name,
			DecayRate:         l.cfg.DefaultDecayRate,
			ReinforcementRate: l.cfg.DefaultReinforcementRate,
		}}
		l.traits[name] = e
		l.logger.Debug("trait created", zap.String("trait", name))
	}
	return e
}

// apply is the single mutation path for reinforcement.
func (l *Ledger) apply(e *entry, amount float64, evidence string, now time.Time) {
	days := model.ElapsedHours(e.base.LastAdjustment, now) / hoursPerDay
	factor := math.Exp(-e.base.DecayRate * days)

	e.base.CurrentValue = model.Clamp01(e.base.CurrentValue*factor + amount*e.base.ReinforcementRate)
	if evidence != "" {
		switch {
		case amount > 0:
			e.base.SupportingMemories = append(e.base.SupportingMemories, evidence)
		case amount < 0:
			e.base.ConflictingMemories = append(e.base.ConflictingMemories, evidence)
		}
	}
	e.base.LastAdjustment = now
	l.refresh(e, now)
}

func (l *Ledger) decay(e *entry, elapsedHours float64, now time.Time) {
	factor := math.Exp(-e.base.DecayRate * elapsedHours / hoursPerDay)
	e.base.CurrentValue = model.Clamp01(e.base.CurrentValue * factor)

	next := e.base.LastAdjustment.Add(time.Duration(elapsedHours * float64(time.Hour)))
	if e.base.LastAdjustment.IsZero() || next.After(now) {
		next = now
	}
	e.base.LastAdjustment = next
}

// refresh records the current value and recomputes confidence and stability.
func (l *Ledger) refresh(e *entry, now time.Time) {
	e.metrics.recordSample(e.base.CurrentValue, now)
	e.metrics.Confidence = baseConfidence(e)
	e.base.Stability = model.Clamp01(math.Exp(-e.metrics.Volatility) * e.metrics.Confidence)
}
