// Package cluster groups memories into emotional-weight bands, derives
// pairwise connections and scores memories for pruning.
package cluster

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-cognition/internal/memory"
)

// BandWidth is the emotional-weight distance, exclusive, within which a
// memory joins a cluster's band.
const BandWidth = 0.1

// Cluster is a band of memories with similar emotional weight.
type Cluster struct {
	ID               string             `json:"id"`
	Members          []string           `json:"members"`
	Representative   float64            `json:"representative"` // first member's weight
	TraitFrequencies map[string]float64 `json:"trait_frequencies"`
	SharedTags       []string           `json:"shared_tags"`
	CreatedAt        time.Time          `json:"created_at"`
}

type member struct {
	weight float64
	traits []string
	tags   []string
}

type cluster struct {
	id        string
	members   []string
	createdAt time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithNow overrides the engine clock.
func WithNow(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine owns the clusters and the connection set of one session.
type Engine struct {
	clusters    []*cluster
	members     map[string]member // memory id -> banding input
	memberOf    map[string]string // memory id -> cluster id
	connections []Connection

	now    func() time.Time
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewEngine creates an empty cluster engine.
func NewEngine(logger *zap.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		members:  make(map[string]member),
		memberOf: make(map[string]string),
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Assign places ev in the first cluster whose representative weight is
// within BandWidth, creating a new cluster when none is. Assigning a
// memory twice returns its existing cluster.
func (e *Engine) Assign(ev memory.Event) Cluster {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cid, ok := e.memberOf[ev.ID]; ok {
		return e.snapshot(e.find(cid))
	}

	e.members[ev.ID] = member{
		weight: ev.EmotionalWeight,
		traits: ev.TraitNames(),
		tags:   append([]string(nil), ev.Tags...),
	}

	for _, c := range e.clusters {
		if len(c.members) == 0 {
			continue
		}
		if math.Abs(e.members[c.members[0]].weight-ev.EmotionalWeight) < BandWidth {
			c.members = append(c.members, ev.ID)
			e.memberOf[ev.ID] = c.id
			return e.snapshot(c)
		}
	}

	c := &cluster{id: uuid.New().String(), members: []string{ev.ID}, createdAt: e.now()}
	e.clusters = append(e.clusters, c)
	e.memberOf[ev.ID] = c.id
	e.logger.Debug("cluster created",
		zap.String("cluster", c.id),
		zap.Float64("representative", ev.EmotionalWeight))
	return e.snapshot(c)
}

// Forget drops a removed memory from its cluster; empty clusters go away.
func (e *Engine) Forget(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cid, ok := e.memberOf[id]
	if !ok {
		return
	}
	delete(e.memberOf, id)
	delete(e.members, id)

	kept := e.clusters[:0]
	for _, c := range e.clusters {
		if c.id == cid {
			for i, m := range c.members {
				if m == id {
					c.members = append(c.members[:i], c.members[i+1:]...)
					break
				}
			}
		}
		if len(c.members) > 0 {
			kept = append(kept, c)
		}
	}
	e.clusters = kept

	conns := e.connections[:0]
	for _, c := range e.connections {
		if c.SourceID != id && c.TargetID != id {
			conns = append(conns, c)
		}
	}
	e.connections = conns
}

// Clusters returns every cluster in creation order.
func (e *Engine) Clusters() []Cluster {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Cluster, 0, len(e.clusters))
	for _, c := range e.clusters {
		out = append(out, e.snapshot(c))
	}
	return out
}

// ClusterOf returns the cluster holding memory id.
func (e *Engine) ClusterOf(id string) (Cluster, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cid, ok := e.memberOf[id]
	if !ok {
		return Cluster{}, false
	}
	return e.snapshot(e.find(cid)), true
}

func (e *Engine) find(id string) *cluster {
	for _, c := range e.clusters {
		if c.id == id {
			return c
		}
	}
	return nil
}

// snapshot derives the aggregates of c. Caller holds e.mu.
func (e *Engine) snapshot(c *cluster) Cluster {
	out := Cluster{
		ID:               c.id,
		Members:          append([]string(nil), c.members...),
		TraitFrequencies: make(map[string]float64),
		CreatedAt:        c.createdAt,
	}
	if len(c.members) == 0 {
		return out
	}
	out.Representative = e.members[c.members[0]].weight

	tagCount := make(map[string]int)
	for _, id := range c.members {
		m := e.members[id]
		for _, t := range m.traits {
			out.TraitFrequencies[t]++
		}
		for _, t := range m.tags {
			tagCount[t]++
		}
	}
	n := float64(len(c.members))
	for t := range out.TraitFrequencies {
		out.TraitFrequencies[t] /= n
	}
	for t, cnt := range tagCount {
		if cnt == len(c.members) {
			out.SharedTags = append(out.SharedTags, t)
		}
	}
	sort.Strings(out.SharedTags)
	return out
}
