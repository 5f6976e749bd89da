package memory

import (
	"sort"
	"strings"
	"time"

	"github.com/nidhogg/nuka-cognition/internal/model"
	"github.com/nidhogg/nuka-cognition/internal/persist"
)

// Event is one admitted memory. Only Importance and EmotionalWeight change
// after admission, and only through Store.Update.
type Event struct {
	ID              string             `json:"id"`
	Content         string             `json:"content"`
	Context         string             `json:"context,omitempty"`
	Importance      float64            `json:"importance"`       // [0, 1]
	EmotionalWeight float64            `json:"emotional_weight"` // [-1, 1]
	TraitInfluences map[string]float64 `json:"trait_influences,omitempty"`
	Tags            []string           `json:"tags,omitempty"` // sorted, unique
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// Patch carries the mutable fields; nil leaves a field unchanged.
type Patch struct {
	Importance      *float64 `json:"importance,omitempty"`
	EmotionalWeight *float64 `json:"emotional_weight,omitempty"`
}

// Clone returns a deep copy.
func (e Event) Clone() Event {
	if e.TraitInfluences != nil {
		m := make(map[string]float64, len(e.TraitInfluences))
		for k, v := range e.TraitInfluences {
			m[k] = v
		}
		e.TraitInfluences = m
	}
	e.Tags = append([]string(nil), e.Tags...)
	if len(e.Tags) == 0 {
		e.Tags = nil
	}
	return e
}

// HasTag reports whether the event carries tag.
func (e Event) HasTag(tag string) bool {
	i := sort.SearchStrings(e.Tags, tag)
	return i < len(e.Tags) && e.Tags[i] == tag
}

// TraitNames lists the influenced traits in sorted order.
func (e Event) TraitNames() []string {
	names := make([]string, 0, len(e.TraitInfluences))
	for k := range e.TraitInfluences {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func validate(e Event) error {
	if strings.TrimSpace(e.Content) == "" {
		return model.NewValidationError("content", "must not be empty")
	}
	if !model.Finite(e.Importance) {
		return model.NewValidationError("importance", "must be finite")
	}
	if !model.Finite(e.EmotionalWeight) {
		return model.NewValidationError("emotional_weight", "must be finite")
	}
	for name, v := range e.TraitInfluences {
		if strings.TrimSpace(name) == "" {
			return model.NewValidationError("trait_influences", "trait name must not be empty")
		}
		if !model.Finite(v) {
			return model.NewValidationError("trait_influences", "influence on "+name+" must be finite")
		}
	}
	return nil
}

// normalize clamps bounded fields and canonicalizes the tag set.
func normalize(e Event) Event {
	e = e.Clone()
	e.Importance = model.Clamp01(e.Importance)
	e.EmotionalWeight = model.ClampSigned(e.EmotionalWeight)
	if len(e.TraitInfluences) == 0 {
		e.TraitInfluences = nil
	}

	if len(e.Tags) > 0 {
		seen := make(map[string]struct{}, len(e.Tags))
		tags := e.Tags[:0]
		for _, t := range e.Tags {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			tags = append(tags, t)
		}
		sort.Strings(tags)
		e.Tags = tags
		if len(tags) == 0 {
			e.Tags = nil
		}
	}
	return e
}

func toRecord(e Event) (persist.Record, error) {
	traits, err := persist.EncodeBlob(e.TraitInfluences)
	if err != nil {
		return nil, err
	}
	tags, err := persist.EncodeBlob(e.Tags)
	if err != nil {
		return nil, err
	}
	return persist.Record{
		"id":               e.ID,
		"content":          e.Content,
		"context":          e.Context,
		"importance":       e.Importance,
		"emotional_weight": e.EmotionalWeight,
		"trait_influences": traits,
		"tags":             tags,
		"created_at":       persist.FormatTime(e.CreatedAt),
		"updated_at":       persist.FormatTime(e.UpdatedAt),
	}, nil
}

// FromRecord decodes a persisted memory.
func FromRecord(rec persist.Record) (Event, error) {
	e := Event{
		ID:      rec.String("id"),
		Content: rec.String("content"),
		Context: rec.String("context"),
	}
	var err error
	if e.Importance, err = rec.Float("importance"); err != nil {
		return Event{}, err
	}
	if e.EmotionalWeight, err = rec.Float("emotional_weight"); err != nil {
		return Event{}, err
	}
	if err := rec.Blob("trait_influences", &e.TraitInfluences); err != nil {
		return Event{}, err
	}
	if err := rec.Blob("tags", &e.Tags); err != nil {
		return Event{}, err
	}
	if e.CreatedAt, err = rec.Time("created_at"); err != nil {
		return Event{}, err
	}
	if e.UpdatedAt, err = rec.Time("updated_at"); err != nil {
		return Event{}, err
	}
	return normalize(e), nil
}
