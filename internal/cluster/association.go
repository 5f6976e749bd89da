package cluster

import (
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-cognition/internal/memory"
	"github.com/nidhogg/nuka-cognition/internal/model"
)

// Association weights.
const (
	SharedTraitWeight   = 0.3
	SharedTagWeight     = 0.2
	EmotionalBonus      = 0.2
	EmotionalProximity  = 0.2 // |Δ weight| below this earns EmotionalBonus
	ConnectionThreshold = 0.3 // strengths must exceed this
)

// Connection types name the largest contributor to a connection.
const (
	TypeTrait     = "trait"
	TypeTag       = "tag"
	TypeEmotional = "emotional"
)

// Connection links an unordered pair of memories; SourceID < TargetID.
type Connection struct {
	SourceID     string   `json:"source_id"`
	TargetID     string   `json:"target_id"`
	Source       string   `json:"source"` // content
	Target       string   `json:"target"` // content
	Strength     float64  `json:"strength"`
	Type         string   `json:"type"`
	SharedTraits []string `json:"shared_traits"`
	SharedTags   []string `json:"shared_tags,omitempty"`
}

// UpdateAssociations recomputes the whole connection set from events and
// replaces the previous one. The result depends only on the input set.
func (e *Engine) UpdateAssociations(events []memory.Event) []Connection {
	sorted := make([]memory.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var conns []Connection
	for i := 0; i < len(sorted); i++ {
		for j := i + 1; j < len(sorted); j++ {
			if c, ok := connect(sorted[i], sorted[j]); ok {
				conns = append(conns, c)
			}
		}
	}

	e.mu.Lock()
	e.connections = conns
	e.mu.Unlock()

	e.logger.Debug("associations updated",
		zap.Int("memories", len(sorted)),
		zap.Int("connections", len(conns)))
	return cloneConnections(conns)
}

// Connections returns the current connection set.
func (e *Engine) Connections() []Connection {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return cloneConnections(e.connections)
}

func connect(a, b memory.Event) (Connection, bool) {
	var sharedTraits, sharedTags []string
	for _, t := range a.TraitNames() {
		if _, ok := b.TraitInfluences[t]; ok {
			sharedTraits = append(sharedTraits, t)
		}
	}
	for _, t := range a.Tags {
		if b.HasTag(t) {
			sharedTags = append(sharedTags, t)
		}
	}

	traitPart := SharedTraitWeight * float64(len(sharedTraits))
	tagPart := SharedTagWeight * float64(len(sharedTags))
	var emotionalPart float64
	if math.Abs(a.EmotionalWeight-b.EmotionalWeight) < EmotionalProximity {
		emotionalPart = EmotionalBonus
	}

	raw := traitPart + tagPart + emotionalPart
	if raw <= ConnectionThreshold {
		return Connection{}, false
	}

	var typ string
	switch {
	case traitPart >= tagPart && traitPart >= emotionalPart:
		typ = TypeTrait
	case tagPart >= emotionalPart:
		typ = TypeTag
	default:
		typ = TypeEmotional
	}

	return Connection{
		SourceID:     a.ID,
		TargetID:     b.ID,
		Source:       a.Content,
		Target:       b.Content,
		Strength:     model.Clamp01(raw),
		Type:         typ,
		SharedTraits: sharedTraits,
		SharedTags:   sharedTags,
	}, true
}

func cloneConnections(in []Connection) []Connection {
	if in == nil {
		return nil
	}
	out := make([]Connection, len(in))
	for i, c := range in {
		c.SharedTraits = append([]string(nil), c.SharedTraits...)
		c.SharedTags = append([]string(nil), c.SharedTags...)
		out[i] = c
	}
	return out
}
