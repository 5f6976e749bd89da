package session

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/nidhogg/nuka-cognition/internal/memory"
	"github.com/nidhogg/nuka-cognition/internal/model"
	"github.com/nidhogg/nuka-cognition/internal/persist"
)

func TestManagerOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewManager(persist.NewMemoryStore(), DefaultConfig(), nil)

	a, err := m.Open(ctx, "alice")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	again, _ := m.Open(ctx, "alice")
	if a != again {
		t.Fatal("Open created a second session for the same id")
	}
	if !a.Ready() {
		t.Fatal("opened session not ready")
	}
	if _, err := m.Open(ctx, "bad:id"); !model.IsValidationError(err) {
		t.Errorf("got %v, want validation error", err)
	}
	if s, ok := m.Get("alice"); !ok || s != a {
		t.Error("Get did not return the opened session")
	}
	if _, ok := m.Get("bob"); ok {
		t.Error("Get invented a session")
	}
}

func TestManagerSweepAll(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	m := NewManager(persist.NewMemoryStore(), DefaultConfig(), nil, WithNow(clk.Now))
	m.SetConcurrency(2)

	for _, id := range []string{"a", "b", "c"} {
		s, err := m.Open(ctx, id)
		if err != nil {
			t.Fatalf("Open %s: %v", id, err)
		}
		s.Admit(ctx, memory.Event{Content: "the storm at sea", EmotionalWeight: 0.8, TraitInfluences: map[string]float64{"courage": 0.2}})
		s.Trigger("thunder", 0.9)
	}
	// created but never initialized: skipped
	if _, err := m.getOrCreate("d"); err != nil {
		t.Fatalf("getOrCreate: %v", err)
	}

	clk.Advance(30 * time.Hour)
	reports := m.SweepAll(ctx)
	if len(reports) != 3 {
		t.Fatalf("got %d reports, want 3", len(reports))
	}
	for id, r := range reports {
		if len(r.Patterns) != 1 {
			t.Errorf("session %s emitted %d patterns, want 1", id, len(r.Patterns))
		}
	}
	if got := m.IDs(); !reflect.DeepEqual(got, []string{"a", "b", "c", "d"}) {
		t.Errorf("ids = %v", got)
	}
}

func TestManagerOnTickAndDrop(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	m := NewManager(persist.NewMemoryStore(), DefaultConfig(), nil, WithNow(clk.Now))
	s, _ := m.Open(ctx, "a")
	s.Trigger("thunder", 0.9)

	clk.Advance(30 * time.Hour)
	m.OnTick(ctx, clk.Now())
	if p, _ := s.Patterns(); len(p) != 1 {
		t.Errorf("tick emitted %d patterns, want 1", len(p))
	}

	if !m.Drop("a") || m.Drop("a") {
		t.Error("Drop should succeed exactly once")
	}
	if len(m.IDs()) != 0 {
		t.Errorf("ids after drop = %v", m.IDs())
	}
}

func TestManagerDiscover(t *testing.T) {
	ctx := context.Background()
	backend := persist.NewMemoryStore()
	first := NewManager(backend, DefaultConfig(), nil)
	for _, id := range []string{"b", "a"} {
		s, _ := first.Open(ctx, id)
		s.Admit(ctx, memory.Event{ID: "m-" + id, Content: "hello " + id})
	}
	first.Open(ctx, "empty")

	second := NewManager(backend, DefaultConfig(), nil)
	ids, err := second.Discover(ctx)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if !reflect.DeepEqual(ids, []string{"a", "b"}) {
		t.Fatalf("ids = %v, want [a b]", ids)
	}
	s, _ := second.Get("a")
	if _, err := s.Get(ctx, "m-a"); err != nil {
		t.Errorf("restored session lost its memory: %v", err)
	}
}
