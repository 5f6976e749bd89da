package cluster

import (
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/nidhogg/nuka-cognition/internal/memory"
	"github.com/nidhogg/nuka-cognition/internal/trait"
	"github.com/nidhogg/nuka-cognition/internal/trend"
)

func ev(id string, weight float64, traits map[string]float64, tags ...string) memory.Event {
	return memory.Event{
		ID:              id,
		Content:         "memory " + id,
		EmotionalWeight: weight,
		TraitInfluences: traits,
		Tags:            tags,
	}
}

func TestAssignBanding(t *testing.T) {
	e := NewEngine(nil)
	a := e.Assign(ev("a", 0.6, map[string]float64{"trust": 0.5}, "x"))
	b := e.Assign(ev("b", 0.65, map[string]float64{"trust": 0.4}, "x"))
	c := e.Assign(ev("c", 0.2, nil))

	if a.ID != b.ID {
		t.Fatalf("a and b landed in different clusters")
	}
	if c.ID == a.ID {
		t.Fatalf("c joined a's band")
	}
	if !reflect.DeepEqual(b.Members, []string{"a", "b"}) {
		t.Errorf("members = %v, want [a b]", b.Members)
	}
	if b.Representative != 0.6 {
		t.Errorf("representative = %v, want 0.6", b.Representative)
	}
	if b.TraitFrequencies["trust"] != 1 {
		t.Errorf("trust frequency = %v, want 1", b.TraitFrequencies["trust"])
	}
	if !reflect.DeepEqual(b.SharedTags, []string{"x"}) {
		t.Errorf("shared tags = %v, want [x]", b.SharedTags)
	}
	if len(e.Clusters()) != 2 {
		t.Errorf("got %d clusters, want 2", len(e.Clusters()))
	}
}

func TestAssignBandIsAnchoredOnFirstMember(t *testing.T) {
	e := NewEngine(nil)
	e.Assign(ev("a", 0.50, nil))
	e.Assign(ev("b", 0.58, nil))
	// within 0.1 of b but not of the representative a
	c := e.Assign(ev("c", 0.66, nil))

	if len(c.Members) != 1 {
		t.Errorf("c joined %v, want a fresh cluster", c.Members)
	}
}

func TestAssignTwiceIsStable(t *testing.T) {
	e := NewEngine(nil)
	first := e.Assign(ev("a", 0.1, nil))
	again := e.Assign(ev("a", 0.9, nil))
	if first.ID != again.ID || len(again.Members) != 1 {
		t.Errorf("re-assign moved the memory: %+v", again)
	}
}

func TestForget(t *testing.T) {
	e := NewEngine(nil)
	e.Assign(ev("a", 0.3, nil, "t"))
	e.Assign(ev("b", 0.32, nil, "t"))
	e.Assign(ev("c", -0.8, nil))
	e.UpdateAssociations([]memory.Event{ev("a", 0.3, nil, "t"), ev("b", 0.32, nil, "t")})

	e.Forget("c")
	if len(e.Clusters()) != 1 {
		t.Errorf("empty cluster kept: %d clusters", len(e.Clusters()))
	}
	e.Forget("a")
	cl, ok := e.ClusterOf("b")
	if !ok || !reflect.DeepEqual(cl.Members, []string{"b"}) {
		t.Errorf("cluster of b = %+v", cl)
	}
	if cl.Representative != 0.32 {
		t.Errorf("representative = %v, want 0.32 after first member left", cl.Representative)
	}
	if len(e.Connections()) != 0 {
		t.Errorf("connections to a forgotten memory survive: %v", e.Connections())
	}
	e.Forget("unknown")
}

func TestAssociationScenario(t *testing.T) {
	e := NewEngine(nil)
	a := ev("a", 0.6, map[string]float64{"trust": 0.5}, "x")
	b := ev("b", 0.65, map[string]float64{"trust": 0.4}, "x")

	conns := e.UpdateAssociations([]memory.Event{b, a})
	if len(conns) != 1 {
		t.Fatalf("got %d connections, want 1", len(conns))
	}
	c := conns[0]
	if c.Strength < 0.7-1e-9 {
		t.Errorf("strength = %v, want >= 0.7", c.Strength)
	}
	if c.SourceID != "a" || c.TargetID != "b" || c.Source != "memory a" {
		t.Errorf("pair = %s/%s, want a/b", c.SourceID, c.TargetID)
	}
	if c.Type != TypeTrait {
		t.Errorf("type = %s, want %s", c.Type, TypeTrait)
	}
	if !reflect.DeepEqual(c.SharedTraits, []string{"trust"}) || !reflect.DeepEqual(c.SharedTags, []string{"x"}) {
		t.Errorf("shared = %v %v", c.SharedTraits, c.SharedTags)
	}
}

func TestAssociationThreshold(t *testing.T) {
	cases := []struct {
		name string
		a, b memory.Event
		want bool
	}{
		{"one trait only", ev("a", 0.9, map[string]float64{"t": 1}), ev("b", -0.9, map[string]float64{"t": 1}), false},
		{"one tag and close weights", ev("a", 0.1, nil, "x"), ev("b", 0.15, nil, "x"), true},
		{"close weights only", ev("a", 0.1, nil), ev("b", 0.15, nil), false},
		{"two tags", ev("a", 0.9, nil, "x", "y"), ev("b", -0.9, nil, "x", "y"), true},
	}
	for _, tc := range cases {
		_, ok := connect(tc.a, tc.b)
		if ok != tc.want {
			t.Errorf("%s: connected = %v, want %v", tc.name, ok, tc.want)
		}
	}
}

func TestAssociationStrengthClamped(t *testing.T) {
	traits := map[string]float64{"a": 1, "b": 1, "c": 1, "d": 1}
	c, ok := connect(ev("x", 0, traits), ev("y", 0, traits))
	if !ok || c.Strength != 1 {
		t.Errorf("strength = %v, want clamped 1", c.Strength)
	}
}

func TestAssociationsDeterministic(t *testing.T) {
	events := []memory.Event{
		ev("c", 0.1, map[string]float64{"t": 1}, "x"),
		ev("a", 0.15, map[string]float64{"t": 1, "u": 1}, "x"),
		ev("b", 0.5, map[string]float64{"u": 1}, "x", "y"),
		ev("d", 0.52, nil, "y"),
	}
	e := NewEngine(nil)
	first := e.UpdateAssociations(events)

	reversed := make([]memory.Event, len(events))
	for i := range events {
		reversed[i] = events[len(events)-1-i]
	}
	second := e.UpdateAssociations(reversed)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("association passes differ:\n%v\n%v", first, second)
	}
	if !reflect.DeepEqual(e.Connections(), second) {
		t.Error("stored connection set differs from returned one")
	}
}

type traitMap map[string]trait.Metrics

func (m traitMap) Metrics(name string) (trait.Metrics, bool) {
	v, ok := m[name]
	return v, ok
}

func TestScoreMemory(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	traits := traitMap{
		"trust": {
			LastUpdate: now.Add(-10 * time.Hour),
			Trend:      trend.Analysis{ShortTermSlope: -0.2, Volatility: 0.5},
		},
	}
	m := memory.Event{
		ID:              "m",
		EmotionalWeight: -0.4,
		TraitInfluences: map[string]float64{"trust": -0.8, "unknown": 5},
		CreatedAt:       now.Add(-20 * time.Hour),
	}

	s := ScoreMemory(m, traits, now)
	wantRel := 0.8 * math.Exp(-1)
	wantEmo := -0.4 * math.Exp(-1)
	wantContrib := 0.2 * 0.5
	wantTemporal := math.Exp(-2)
	checks := []struct {
		name      string
		got, want float64
	}{
		{"relevance", s.Relevance, wantRel},
		{"emotional", s.EmotionalImpact, wantEmo},
		{"contribution", s.TraitContribution, wantContrib},
		{"temporal", s.TemporalDecay, wantTemporal},
		{"overall", s.Overall, 0.3*wantRel + 0.2*wantEmo + 0.3*wantContrib + 0.2*wantTemporal},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want) > 1e-12 {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if !reflect.DeepEqual(s.AffectedTraits, []string{"trust"}) {
		t.Errorf("affected = %v, want [trust]", s.AffectedTraits)
	}
}

func TestPruneCandidates(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	fresh := memory.Event{ID: "fresh", EmotionalWeight: 0.5, CreatedAt: now}
	stale := memory.Event{ID: "stale", EmotionalWeight: 0.1, CreatedAt: now.Add(-72 * time.Hour)}
	sad := memory.Event{ID: "sad", EmotionalWeight: -0.9, CreatedAt: now.Add(-time.Hour)}

	got := PruneCandidates([]memory.Event{fresh, stale, sad}, traitMap{}, now)
	var ids []string
	for _, s := range got {
		ids = append(ids, s.MemoryID)
		if !s.Eligible() {
			t.Errorf("%s returned but not eligible (%v)", s.MemoryID, s.Overall)
		}
	}
	if !reflect.DeepEqual(ids, []string{"stale", "sad"}) {
		t.Errorf("candidates = %v, want [stale sad]", ids)
	}
}
