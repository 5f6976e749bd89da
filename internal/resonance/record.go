package resonance

import (
	"github.com/nidhogg/nuka-cognition/internal/memory"
	"github.com/nidhogg/nuka-cognition/internal/persist"
)

// ToRecord encodes p as an emotional_state record.
func ToRecord(p Pattern) (persist.Record, error) {
	members, err := persist.EncodeBlob(p.Members)
	if err != nil {
		return nil, err
	}
	return persist.Record{
		"id":                p.ID,
		"trigger_type":      p.TriggerType,
		"base_intensity":    p.BaseIntensity,
		"current_intensity": p.CurrentIntensity,
		"last_triggered":    persist.FormatTime(p.LastTriggered),
		"members":           members,
	}, nil
}

// PatternFromRecord decodes an emotional_state record.
func PatternFromRecord(rec persist.Record) (Pattern, error) {
	p := Pattern{
		ID:          rec.String("id"),
		TriggerType: rec.String("trigger_type"),
	}
	var err error
	if p.BaseIntensity, err = rec.Float("base_intensity"); err != nil {
		return Pattern{}, err
	}
	if p.CurrentIntensity, err = rec.Float("current_intensity"); err != nil {
		return Pattern{}, err
	}
	if p.LastTriggered, err = rec.Time("last_triggered"); err != nil {
		return Pattern{}, err
	}
	var members []memory.Event
	if err := rec.Blob("members", &members); err != nil {
		return Pattern{}, err
	}
	p.Members = members
	return p, nil
}
