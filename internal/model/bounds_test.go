package model

import (
	"math"
	"testing"
	"time"
)

func TestClamp(t *testing.T) {
	tests := []struct {
		name string
		fn   func(float64) float64
		in   float64
		want float64
	}{
		{"unit below", Clamp01, -0.3, 0},
		{"unit above", Clamp01, 1.7, 1},
		{"unit inside", Clamp01, 0.42, 0.42},
		{"unit nan", Clamp01, math.NaN(), 0},
		{"signed below", ClampSigned, -4, -1},
		{"signed above", ClampSigned, 2, 1},
		{"signed nan", ClampSigned, math.NaN(), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.fn(tt.in); got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestElapsedHours(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	if got := ElapsedHours(base, base.Add(90*time.Minute)); got != 1.5 {
		t.Errorf("got %v, want 1.5", got)
	}
	if got := ElapsedHours(base, base.Add(-time.Hour)); got != 0 {
		t.Errorf("backwards clock: got %v, want 0", got)
	}
	if got := ElapsedHours(time.Time{}, base); got != 0 {
		t.Errorf("zero since: got %v, want 0", got)
	}
}

func TestErrorHelpers(t *testing.T) {
	err := WrapPersistence("save", "memory", "m1", NewValidationError("x", "y"))
	if !IsPersistenceError(err) {
		t.Fatal("expected persistence error")
	}
	if !IsValidationError(err) {
		t.Error("expected wrapped validation error to be visible through Unwrap")
	}
	if WrapPersistence("save", "memory", "m1", nil) != nil {
		t.Error("nil error must stay nil")
	}
	if !IsNotFoundError(NewNotFoundError("trait", "trust")) {
		t.Error("expected not found error")
	}
}
