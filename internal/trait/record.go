package trait

import (
	"github.com/nidhogg/nuka-cognition/internal/persist"
)

// ToRecord encodes a trait baseline and its metrics as a trait_baseline
// record.
func ToRecord(b Baseline, m Metrics) (persist.Record, error) {
	supporting, err := persist.EncodeBlob(b.SupportingMemories)
	if err != nil {
		return nil, err
	}
	conflicting, err := persist.EncodeBlob(b.ConflictingMemories)
	if err != nil {
		return nil, err
	}
	metrics, err := persist.EncodeBlob(m)
	if err != nil {
		return nil, err
	}
	return persist.Record{
		"name":                 b.Name,
		"current_value":        b.CurrentValue,
		"target_value":         b.TargetValue,
		"decay_rate":           b.DecayRate,
		"reinforcement_rate":   b.ReinforcementRate,
		"stability":            b.Stability,
		"last_adjustment":      persist.FormatTime(b.LastAdjustment),
		"supporting_memories":  supporting,
		"conflicting_memories": conflicting,
		"metrics":              metrics,
	}, nil
}

// FromRecord decodes a trait_baseline record.
func FromRecord(rec persist.Record) (Baseline, Metrics, error) {
	b := Baseline{Name: rec.String("name")}
	fields := []struct {
		key string
		dst *float64
	}{
		{"current_value", &b.CurrentValue},
		{"target_value", &b.TargetValue},
		{"decay_rate", &b.DecayRate},
		{"reinforcement_rate", &b.ReinforcementRate},
		{"stability", &b.Stability},
	}
	for _, f := range fields {
		v, err := rec.Float(f.key)
		if err != nil {
			return Baseline{}, Metrics{}, err
		}
		*f.dst = v
	}
	var err error
	if b.LastAdjustment, err = rec.Time("last_adjustment"); err != nil {
		return Baseline{}, Metrics{}, err
	}
	if err := rec.Blob("supporting_memories", &b.SupportingMemories); err != nil {
		return Baseline{}, Metrics{}, err
	}
	if err := rec.Blob("conflicting_memories", &b.ConflictingMemories); err != nil {
		return Baseline{}, Metrics{}, err
	}
	var m Metrics
	if err := rec.Blob("metrics", &m); err != nil {
		return Baseline{}, Metrics{}, err
	}
	return b, m, nil
}
