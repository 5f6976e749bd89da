// Package persist defines the key-value record store the cognition core
// writes through to, plus an in-process implementation.
package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Kind names an entity table.
type Kind string

const (
	KindMemory         Kind = "memory"
	KindEmotionalState Kind = "emotional_state"
	KindTraitBaseline  Kind = "trait_baseline"
)

// Kinds lists every entity kind.
var Kinds = []Kind{KindMemory, KindEmotionalState, KindTraitBaseline}

// ErrNotFound is returned by Load when no record exists.
var ErrNotFound = errors.New("record not found")

// Record is a flat map of string and number fields. Composite values are
// stored as blobs produced by EncodeBlob.
type Record map[string]any

// Store is the persistence collaborator.
type Store interface {
	Save(ctx context.Context, kind Kind, id string, rec Record) error
	Load(ctx context.Context, kind Kind, id string) (Record, error)
	Delete(ctx context.Context, kind Kind, id string) error
	Keys(ctx context.Context, kind Kind) ([]string, error)
	Begin(ctx context.Context) (Tx, error)
	Close() error
}

// Tx batches saves that become visible together on Commit.
type Tx interface {
	Save(ctx context.Context, kind Kind, id string, rec Record) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// EncodeBlob serializes a composite field.
func EncodeBlob(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode blob: %w", err)
	}
	return string(b), nil
}

// DecodeBlob is the inverse of EncodeBlob.
func DecodeBlob(s string, v any) error {
	if s == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s), v); err != nil {
		return fmt.Errorf("decode blob: %w", err)
	}
	return nil
}

// FormatTime renders t losslessly for storage.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// String returns the field as a string; numbers are formatted.
func (r Record) String(key string) string {
	switch v := r[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Float returns the field as a float64. Backends that only keep strings
// are parsed.
func (r Record) Float(key string) (float64, error) {
	switch v := r[key].(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("field %s: %w", key, err)
		}
		return f, nil
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("field %s: unexpected type %T", key, v)
	}
}

// Time parses a field written with FormatTime. Missing fields yield the
// zero time.
func (r Record) Time(key string) (time.Time, error) {
	s := r.String(key)
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("field %s: %w", key, err)
	}
	return t, nil
}

// Blob decodes a field written with EncodeBlob into v.
func (r Record) Blob(key string, v any) error {
	if err := DecodeBlob(r.String(key), v); err != nil {
		return fmt.Errorf("field %s: %w", key, err)
	}
	return nil
}

// Clone returns a shallow copy; record values are scalars.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
