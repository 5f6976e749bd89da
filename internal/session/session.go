// Package session assembles the memory, trait, cluster and resonance
// components of one cognition session and coordinates their writes.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-cognition/internal/cluster"
	"github.com/nidhogg/nuka-cognition/internal/memory"
	"github.com/nidhogg/nuka-cognition/internal/model"
	"github.com/nidhogg/nuka-cognition/internal/persist"
	"github.com/nidhogg/nuka-cognition/internal/resonance"
	"github.com/nidhogg/nuka-cognition/internal/telemetry"
	"github.com/nidhogg/nuka-cognition/internal/trait"
)

// Config tunes the components of a session.
type Config struct {
	MaxCacheSize  int
	Trait         trait.Config
	PromotionMode resonance.PromotionMode
	Definitions   []trait.Definition
	Correlations  []trait.Correlation
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{
		MaxCacheSize:  memory.DefaultMaxCacheSize,
		Trait:         trait.DefaultConfig(),
		PromotionMode: resonance.PromoteOnPriorIntensity,
	}
}

// ConnectionSink receives every recomputed connection set.
type ConnectionSink interface {
	ReplaceConnections(ctx context.Context, sessionID string, conns []cluster.Connection) error
}

type options struct {
	now     func() time.Time
	sink    ConnectionSink
	metrics *telemetry.Metrics
}

// Option configures a Session.
type Option func(*options)

// WithNow overrides the clock of every component.
func WithNow(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithConnectionSink mirrors association passes to sink.
func WithConnectionSink(sink ConnectionSink) Option {
	return func(o *options) { o.sink = sink }
}

// WithMetrics records counters on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// Session is the behavioral state of one agent. Writers are serialized;
// readers go straight to the components.
type Session struct {
	id        string
	store     persist.Store
	memories  *memory.Store
	traits    *trait.Ledger
	clusters  *cluster.Engine
	resonance *resonance.Engine

	sink    ConnectionSink
	metrics *telemetry.Metrics
	now     func() time.Time
	ready   atomic.Bool
	writeMu sync.Mutex
	logger  *zap.Logger
}

// ValidateID rejects ids that would collide once used as a key prefix.
func ValidateID(id string) error {
	if strings.TrimSpace(id) == "" {
		return model.NewValidationError("session", "must not be empty")
	}
	if strings.Contains(id, ":") {
		return model.NewValidationError("session", "must not contain ':'")
	}
	return nil
}

// New builds a session over backend. Records are scoped to the session id.
// The session rejects every operation until Init succeeds.
func New(id string, backend persist.Store, cfg Config, logger *zap.Logger, opts ...Option) (*Session, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if backend == nil {
		return nil, errors.New("session: nil backend")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	logger = logger.With(zap.String("session", id))

	store := persist.Prefixed(backend, id)
	memories := memory.NewStore(store, memory.Config{MaxCacheSize: cfg.MaxCacheSize}, logger, memory.WithNow(o.now))
	s := &Session{
		id:        id,
		store:     store,
		memories:  memories,
		traits:    trait.NewLedger(cfg.Trait, logger, trait.WithNow(o.now)),
		clusters:  cluster.NewEngine(logger, cluster.WithNow(o.now)),
		resonance: resonance.NewEngine(memories, cfg.PromotionMode, logger, resonance.WithNow(o.now)),
		sink:      o.sink,
		metrics:   o.metrics,
		now:       o.now,
		logger:    logger,
	}

	for _, def := range cfg.Definitions {
		if _, err := s.traits.Define(def); err != nil {
			return nil, fmt.Errorf("define trait %q: %w", def.Name, err)
		}
	}
	for _, c := range cfg.Correlations {
		if err := s.traits.AddCorrelation(c.A, c.B, c.Coefficient); err != nil {
			return nil, fmt.Errorf("correlate %s: %w", c.Key(), err)
		}
	}
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// Ready reports whether Init has completed.
func (s *Session) Ready() bool { return s.ready.Load() }

// Init restores memories, trait baselines and emotional patterns from the
// backend, then marks the session ready. Calling it again is a no-op.
// Backend failures abort; records that fail to decode are skipped.
func (s *Session) Init(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.ready.Load() {
		return nil
	}

	events, err := s.restoreMemories(ctx)
	if err != nil {
		return err
	}
	traits, err := s.restoreTraits(ctx)
	if err != nil {
		return err
	}
	patterns, err := s.restorePatterns(ctx)
	if err != nil {
		return err
	}
	s.memories.EvictIfOverCapacity()

	s.ready.Store(true)
	s.logger.Info("session ready",
		zap.Int("memories", events),
		zap.Int("traits", traits),
		zap.Int("patterns", patterns))
	return nil
}

func (s *Session) loadAll(ctx context.Context, kind persist.Kind) (map[string]persist.Record, error) {
	ids, err := s.store.Keys(ctx, kind)
	if err != nil {
		return nil, model.WrapPersistence("keys", string(kind), "", err)
	}
	out := make(map[string]persist.Record, len(ids))
	for _, id := range ids {
		rec, err := s.store.Load(ctx, kind, id)
		if errors.Is(err, persist.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, model.WrapPersistence("load", string(kind), id, err)
		}
		out[id] = rec
	}
	return out, nil
}

func (s *Session) restoreMemories(ctx context.Context) (int, error) {
	recs, err := s.loadAll(ctx, persist.KindMemory)
	if err != nil {
		return 0, err
	}
	events := make([]memory.Event, 0, len(recs))
	for id, rec := range recs {
		e, err := memory.FromRecord(rec)
		if err != nil {
			s.logger.Warn("skipping undecodable memory", zap.String("memory", id), zap.Error(err))
			continue
		}
		e.ID = id
		events = append(events, e)
	}
	// replay in admission order so cluster bands form as they did live
	sort.Slice(events, func(i, j int) bool {
		if !events[i].CreatedAt.Equal(events[j].CreatedAt) {
			return events[i].CreatedAt.Before(events[j].CreatedAt)
		}
		return events[i].ID < events[j].ID
	})
	n := 0
	for _, e := range events {
		if err := s.memories.Restore(e); err != nil {
			s.logger.Warn("skipping invalid memory", zap.String("memory", e.ID), zap.Error(err))
			continue
		}
		s.clusters.Assign(e)
		n++
	}
	return n, nil
}

func (s *Session) restoreTraits(ctx context.Context) (int, error) {
	recs, err := s.loadAll(ctx, persist.KindTraitBaseline)
	if err != nil {
		return 0, err
	}
	n := 0
	for id, rec := range recs {
		b, m, err := trait.FromRecord(rec)
		if err != nil {
			s.logger.Warn("skipping undecodable trait", zap.String("trait", id), zap.Error(err))
			continue
		}
		if b.Name == "" {
			b.Name = id
		}
		s.traits.Restore(b, m)
		n++
	}
	return n, nil
}

func (s *Session) restorePatterns(ctx context.Context) (int, error) {
	recs, err := s.loadAll(ctx, persist.KindEmotionalState)
	if err != nil {
		return 0, err
	}
	patterns := make([]resonance.Pattern, 0, len(recs))
	for id, rec := range recs {
		p, err := resonance.PatternFromRecord(rec)
		if err != nil {
			s.logger.Warn("skipping undecodable pattern", zap.String("pattern", id), zap.Error(err))
			continue
		}
		if p.ID == "" {
			p.ID = id
		}
		patterns = append(patterns, p)
	}
	sort.Slice(patterns, func(i, j int) bool {
		if !patterns[i].LastTriggered.Equal(patterns[j].LastTriggered) {
			return patterns[i].LastTriggered.Before(patterns[j].LastTriggered)
		}
		return patterns[i].ID < patterns[j].ID
	})
	for _, p := range patterns {
		s.resonance.RestorePattern(p)
	}
	return len(patterns), nil
}

func (s *Session) checkReady() error {
	if !s.ready.Load() {
		return model.ErrNotReady
	}
	return nil
}

// Admit stores a memory, files it into a cluster and applies its trait
// influences in name order with the memory id as evidence. Trait
// baselines are written through afterwards; a failed trait write is
// logged and picked up by the next sweep or checkpoint.
func (s *Session) Admit(ctx context.Context, e memory.Event) (memory.Event, error) {
	if err := s.checkReady(); err != nil {
		return memory.Event{}, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	stored, err := s.memories.Admit(ctx, e)
	if err != nil {
		return memory.Event{}, err
	}
	s.metrics.MemoryAdmitted(ctx, s.id)
	s.clusters.Assign(stored)

	touched := make(map[string]struct{})
	for _, name := range stored.TraitNames() {
		if _, err := s.traits.Influence(name, stored.TraitInfluences[name], stored.ID); err != nil {
			s.logger.Warn("trait influence rejected",
				zap.String("memory", stored.ID),
				zap.String("trait", name),
				zap.Error(err))
			continue
		}
		touched[name] = struct{}{}
		for _, partner := range s.correlatedWith(name) {
			touched[partner] = struct{}{}
		}
	}
	s.saveTraits(ctx, sortedSet(touched))

	if evicted := s.memories.EvictIfOverCapacity(); len(evicted) > 0 {
		s.metrics.MemoriesEvicted(ctx, s.id, len(evicted))
	}
	return stored, nil
}

func (s *Session) correlatedWith(name string) []string {
	var out []string
	for _, c := range s.traits.Correlations() {
		switch name {
		case c.A:
			out = append(out, c.B)
		case c.B:
			out = append(out, c.A)
		}
	}
	return out
}

// saveTraits writes the named baselines and returns how many failed.
func (s *Session) saveTraits(ctx context.Context, names []string) int {
	failed := 0
	for _, name := range names {
		rec, ok, err := s.traitRecord(name)
		if !ok {
			continue
		}
		if err == nil {
			err = s.store.Save(ctx, persist.KindTraitBaseline, name, rec)
		}
		if err != nil {
			failed++
			s.logger.Warn("trait write failed", zap.String("trait", name), zap.Error(err))
		}
	}
	return failed
}

func (s *Session) traitRecord(name string) (persist.Record, bool, error) {
	b, ok := s.traits.Snapshot(name)
	if !ok {
		return nil, false, nil
	}
	m, _ := s.traits.Metrics(name)
	rec, err := trait.ToRecord(b, m)
	return rec, true, err
}

// Get returns a memory by id.
func (s *Session) Get(ctx context.Context, id string) (memory.Event, error) {
	if err := s.checkReady(); err != nil {
		return memory.Event{}, err
	}
	e, err := s.memories.Get(ctx, id)
	if err != nil {
		return memory.Event{}, err
	}
	if _, ok := s.clusters.ClusterOf(e.ID); !ok {
		// adopted from the backend: band it like an admitted memory
		s.writeMu.Lock()
		if s.memories.Contains(e.ID) {
			s.clusters.Assign(e)
		}
		s.writeMu.Unlock()
	}
	return e, nil
}

// Update changes the importance or emotional weight of a memory.
func (s *Session) Update(ctx context.Context, id string, p memory.Patch) (memory.Event, error) {
	if err := s.checkReady(); err != nil {
		return memory.Event{}, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.memories.Update(ctx, id, p)
}

// Remove deletes a memory and drops it from its cluster and connections.
func (s *Session) Remove(ctx context.Context, id string) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.remove(ctx, id)
}

func (s *Session) remove(ctx context.Context, id string) error {
	if err := s.memories.Remove(ctx, id); err != nil {
		return err
	}
	s.clusters.Forget(id)
	s.metrics.MemoryRemoved(ctx, s.id)
	return nil
}

// Search returns the ids indexed under term.
func (s *Session) Search(term string) ([]string, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	return s.memories.Search(term), nil
}

// Query ranks memories by keyword similarity.
func (s *Session) Query(keywords []string) ([]memory.Match, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	return s.memories.Query(keywords), nil
}

// ShortTerm returns the cached memories, most recent first.
func (s *Session) ShortTerm() ([]memory.Event, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	return s.memories.ShortTerm(), nil
}

// Memories returns every memory sorted by id.
func (s *Session) Memories() ([]memory.Event, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	return s.memories.All(), nil
}

// Trigger starts an emotional resonance.
func (s *Session) Trigger(trigger string, intensity float64) (resonance.Resonance, error) {
	if err := s.checkReady(); err != nil {
		return resonance.Resonance{}, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.resonance.Trigger(trigger, intensity)
}

// Resonances returns the active resonances.
func (s *Session) Resonances() ([]resonance.Resonance, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	return s.resonance.Active(), nil
}

// Patterns returns every emitted emotional pattern.
func (s *Session) Patterns() ([]resonance.Pattern, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	return s.resonance.Patterns(), nil
}

// Define seeds or replaces a trait's dynamics. The record is written
// before the ledger changes; on failure the trait is left as it was.
func (s *Session) Define(ctx context.Context, def trait.Definition) (trait.Baseline, error) {
	if err := s.checkReady(); err != nil {
		return trait.Baseline{}, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	p, err := s.traits.Prepare(def)
	if err != nil {
		return trait.Baseline{}, err
	}
	rec, err := trait.ToRecord(p.Baseline, p.Metrics)
	if err == nil {
		err = s.store.Save(ctx, persist.KindTraitBaseline, def.Name, rec)
	}
	if err != nil {
		return trait.Baseline{}, model.WrapPersistence("save", string(persist.KindTraitBaseline), def.Name, err)
	}
	p.Commit()
	return p.Baseline, nil
}

// Trait returns a trait baseline and its metrics.
func (s *Session) Trait(name string) (trait.Baseline, trait.Metrics, error) {
	if err := s.checkReady(); err != nil {
		return trait.Baseline{}, trait.Metrics{}, err
	}
	b, ok := s.traits.Snapshot(name)
	if !ok {
		return trait.Baseline{}, trait.Metrics{}, model.NewNotFoundError("trait", name)
	}
	m, _ := s.traits.Metrics(name)
	return b, m, nil
}

// Traits returns every trait baseline in name order.
func (s *Session) Traits() ([]trait.Baseline, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	names := s.traits.Names()
	out := make([]trait.Baseline, 0, len(names))
	for _, name := range names {
		if b, ok := s.traits.Snapshot(name); ok {
			out = append(out, b)
		}
	}
	return out, nil
}

// Confidence returns the base and enhanced confidence of a trait.
func (s *Session) Confidence(name string) (trait.EnhancedConfidence, error) {
	if err := s.checkReady(); err != nil {
		return trait.EnhancedConfidence{}, err
	}
	c, ok := s.traits.Enhanced(name)
	if !ok {
		return trait.EnhancedConfidence{}, model.NewNotFoundError("trait", name)
	}
	return c, nil
}

// Clusters returns every memory cluster.
func (s *Session) Clusters() ([]cluster.Cluster, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	return s.clusters.Clusters(), nil
}

// Connections returns the connection set of the last association pass.
func (s *Session) Connections() ([]cluster.Connection, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	return s.clusters.Connections(), nil
}

// PruneCandidates scores every memory against the current traits and
// returns the eligible ones, lowest first. Nothing is removed.
func (s *Session) PruneCandidates() ([]cluster.Score, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	return cluster.PruneCandidates(s.memories.All(), s.traits, s.now()), nil
}

// Prune removes every current prune candidate. Failures are isolated per
// memory and returned joined.
func (s *Session) Prune(ctx context.Context) ([]string, error) {
	if err := s.checkReady(); err != nil {
		return nil, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var removed []string
	var errs []error
	for _, c := range cluster.PruneCandidates(s.memories.All(), s.traits, s.now()) {
		if err := s.remove(ctx, c.MemoryID); err != nil {
			s.logger.Warn("prune failed", zap.String("memory", c.MemoryID), zap.Error(err))
			errs = append(errs, err)
			continue
		}
		removed = append(removed, c.MemoryID)
	}
	if len(removed) > 0 {
		s.logger.Info("memories pruned", zap.Int("count", len(removed)))
	}
	return removed, errors.Join(errs...)
}

// Checkpoint writes every trait baseline and emotional pattern in one
// transaction. Any failure rolls the whole batch back.
func (s *Session) Checkpoint(ctx context.Context) error {
	if err := s.checkReady(); err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return model.WrapPersistence("begin", "checkpoint", s.id, err)
	}
	if err := s.checkpoint(ctx, tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			s.logger.Warn("checkpoint rollback failed", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return model.WrapPersistence("commit", "checkpoint", s.id, err)
	}
	s.logger.Debug("checkpoint committed")
	return nil
}

func (s *Session) checkpoint(ctx context.Context, tx persist.Tx) error {
	for _, name := range s.traits.Names() {
		rec, ok, err := s.traitRecord(name)
		if !ok {
			continue
		}
		if err == nil {
			err = tx.Save(ctx, persist.KindTraitBaseline, name, rec)
		}
		if err != nil {
			return model.WrapPersistence("save", string(persist.KindTraitBaseline), name, err)
		}
	}
	for _, p := range s.resonance.Patterns() {
		rec, err := resonance.ToRecord(p)
		if err == nil {
			err = tx.Save(ctx, persist.KindEmotionalState, p.ID, rec)
		}
		if err != nil {
			return model.WrapPersistence("save", string(persist.KindEmotionalState), p.ID, err)
		}
	}
	return nil
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
