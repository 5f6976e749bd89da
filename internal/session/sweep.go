package session

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-cognition/internal/persist"
	"github.com/nidhogg/nuka-cognition/internal/resonance"
)

// SweepReport summarizes one maintenance pass.
type SweepReport struct {
	DecayedTraits int                 `json:"decayed_traits"`
	Evicted       []string            `json:"evicted,omitempty"`
	Connections   int                 `json:"connections"`
	Patterns      []resonance.Pattern `json:"patterns,omitempty"`
	Failures      int                 `json:"failures"`
}

// Sweep runs one maintenance pass: trait decay for the elapsed time,
// cache eviction, a full association pass, and a resonance tick whose
// patterns feed back into trait confidence. Every step depends only on
// elapsed time, so repeated sweeps converge. Per-item failures are logged
// and counted; the pass always completes.
func (s *Session) Sweep(ctx context.Context) (SweepReport, error) {
	if err := s.checkReady(); err != nil {
		return SweepReport{}, err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	start := time.Now()
	var r SweepReport

	r.DecayedTraits = s.traits.DecayAll()

	r.Evicted = s.memories.EvictIfOverCapacity()
	s.metrics.MemoriesEvicted(ctx, s.id, len(r.Evicted))

	conns := s.clusters.UpdateAssociations(s.memories.All())
	r.Connections = len(conns)
	if s.sink != nil {
		if err := s.sink.ReplaceConnections(ctx, s.id, conns); err != nil {
			r.Failures++
			s.logger.Warn("connection export failed", zap.Error(err))
		}
	}

	r.Patterns = s.resonance.Tick()
	for _, p := range r.Patterns {
		for _, name := range p.TraitNames() {
			s.traits.ObservePattern(name, p.BaseIntensity)
		}
		rec, err := resonance.ToRecord(p)
		if err == nil {
			err = s.store.Save(ctx, persist.KindEmotionalState, p.ID, rec)
		}
		if err != nil {
			r.Failures++
			s.logger.Warn("pattern write failed", zap.String("pattern", p.ID), zap.Error(err))
		}
	}
	s.metrics.PatternsEmitted(ctx, s.id, len(r.Patterns))

	r.Failures += s.saveTraits(ctx, s.traits.Names())

	s.metrics.SweepFinished(ctx, s.id, start, r.Failures)
	s.logger.Debug("sweep complete",
		zap.Int("decayed_traits", r.DecayedTraits),
		zap.Int("evicted", len(r.Evicted)),
		zap.Int("connections", r.Connections),
		zap.Int("patterns", len(r.Patterns)),
		zap.Int("failures", r.Failures),
		zap.Duration("took", time.Since(start)))
	return r, nil
}
