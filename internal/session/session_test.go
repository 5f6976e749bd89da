package session

import (
	"context"
	"errors"
	"math"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nidhogg/nuka-cognition/internal/cluster"
	"github.com/nidhogg/nuka-cognition/internal/memory"
	"github.com/nidhogg/nuka-cognition/internal/model"
	"github.com/nidhogg/nuka-cognition/internal/persist"
	"github.com/nidhogg/nuka-cognition/internal/resonance"
	"github.com/nidhogg/nuka-cognition/internal/trait"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func openSession(t *testing.T, id string, backend persist.Store, cfg Config, clk *fakeClock, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{WithNow(clk.Now)}, opts...)
	s, err := New(id, backend, cfg, nil, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return s
}

func TestNotReady(t *testing.T) {
	s, err := New("s1", persist.NewMemoryStore(), DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()

	if _, err := s.Admit(ctx, memory.Event{Content: "x"}); !errors.Is(err, model.ErrNotReady) {
		t.Errorf("Admit: got %v, want ErrNotReady", err)
	}
	if _, err := s.Trigger("x", 0.5); !errors.Is(err, model.ErrNotReady) {
		t.Errorf("Trigger: got %v, want ErrNotReady", err)
	}
	if _, err := s.Sweep(ctx); !errors.Is(err, model.ErrNotReady) {
		t.Errorf("Sweep: got %v, want ErrNotReady", err)
	}
	if err := s.Checkpoint(ctx); !errors.Is(err, model.ErrNotReady) {
		t.Errorf("Checkpoint: got %v, want ErrNotReady", err)
	}
}

func TestValidateID(t *testing.T) {
	for _, id := range []string{"", "  ", "a:b"} {
		if _, err := New(id, persist.NewMemoryStore(), DefaultConfig(), nil); !model.IsValidationError(err) {
			t.Errorf("New(%q): got %v, want validation error", id, err)
		}
	}
}

func TestBadDefinitionRejected(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Definitions = []trait.Definition{{Name: "calm", DecayRate: -1}}
	if _, err := New("s1", persist.NewMemoryStore(), cfg, nil); !model.IsValidationError(err) {
		t.Fatalf("got %v, want validation error", err)
	}
}

func TestAdmitAppliesTraitsAndPersists(t *testing.T) {
	ctx := context.Background()
	backend := persist.NewMemoryStore()
	cfg := DefaultConfig()
	cfg.Correlations = []trait.Correlation{{A: "courage", B: "resolve", Coefficient: 0.5}}
	s := openSession(t, "s1", backend, cfg, newClock())

	ev, err := s.Admit(ctx, memory.Event{
		Content:         "stood up to the storm",
		EmotionalWeight: 0.8,
		TraitInfluences: map[string]float64{"courage": 0.3},
		Tags:            []string{"sea"},
	})
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if ev.ID == "" {
		t.Fatal("no id assigned")
	}

	b, _, err := s.Trait("courage")
	if err != nil {
		t.Fatalf("Trait: %v", err)
	}
	if math.Abs(b.CurrentValue-0.3) > 1e-12 {
		t.Errorf("courage = %v, want 0.3", b.CurrentValue)
	}
	if !reflect.DeepEqual(b.SupportingMemories, []string{ev.ID}) {
		t.Errorf("supporting = %v, want [%s]", b.SupportingMemories, ev.ID)
	}
	r, _, _ := s.Trait("resolve")
	if math.Abs(r.CurrentValue-0.15) > 1e-12 {
		t.Errorf("resolve = %v, want 0.15", r.CurrentValue)
	}

	mems, _ := backend.Keys(ctx, persist.KindMemory)
	if !reflect.DeepEqual(mems, []string{"s1:" + ev.ID}) {
		t.Errorf("backend memories = %v", mems)
	}
	traits, _ := backend.Keys(ctx, persist.KindTraitBaseline)
	if !reflect.DeepEqual(traits, []string{"s1:courage", "s1:resolve"}) {
		t.Errorf("backend traits = %v, want courage and resolve", traits)
	}

	cl, _ := s.Clusters()
	if len(cl) != 1 || cl[0].TraitFrequencies["courage"] != 1 {
		t.Errorf("clusters = %+v", cl)
	}
}

func TestAdmitEvictsOverCapacity(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	cfg := DefaultConfig()
	cfg.MaxCacheSize = 2
	s := openSession(t, "s1", persist.NewMemoryStore(), cfg, clk)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := s.Admit(ctx, memory.Event{ID: id, Content: "memory " + id}); err != nil {
			t.Fatalf("Admit %s: %v", id, err)
		}
		clk.Advance(time.Minute)
	}
	short, _ := s.ShortTerm()
	if len(short) != 2 || short[0].ID != "c" || short[1].ID != "b" {
		t.Errorf("short-term = %v, want [c b]", ids(short))
	}
	all, _ := s.Memories()
	if len(all) != 3 {
		t.Errorf("got %d memories, want evicted one kept", len(all))
	}
	if _, err := s.Get(ctx, "a"); err != nil {
		t.Errorf("evicted memory not retrievable: %v", err)
	}
}

func TestRemoveForgetsCluster(t *testing.T) {
	ctx := context.Background()
	s := openSession(t, "s1", persist.NewMemoryStore(), DefaultConfig(), newClock())
	s.Admit(ctx, memory.Event{ID: "a", Content: "alpha", Tags: []string{"x", "y"}})
	s.Admit(ctx, memory.Event{ID: "b", Content: "beta", Tags: []string{"x", "y"}})
	s.Sweep(ctx)
	if conns, _ := s.Connections(); len(conns) != 1 {
		t.Fatalf("got %d connections, want 1", len(conns))
	}

	if err := s.Remove(ctx, "a"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := s.Get(ctx, "a"); !model.IsNotFoundError(err) {
		t.Errorf("Get removed: got %v, want not found", err)
	}
	if conns, _ := s.Connections(); len(conns) != 0 {
		t.Errorf("connections survive removal: %v", conns)
	}
	if err := s.Remove(ctx, "a"); !model.IsNotFoundError(err) {
		t.Errorf("second Remove: got %v, want not found", err)
	}
}

func TestSweepEmitsPatternAndFeedsConfidence(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	backend := persist.NewMemoryStore()
	s := openSession(t, "s1", backend, DefaultConfig(), clk)

	s.Admit(ctx, memory.Event{
		ID:              "m1",
		Content:         "the storm at sea",
		EmotionalWeight: 0.8,
		TraitInfluences: map[string]float64{"courage": 0.3},
	})
	if _, err := s.Trigger("thunder", 0.9); err != nil {
		t.Fatalf("Trigger: %v", err)
	}

	clk.Advance(30 * time.Hour)
	r, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(r.Patterns) != 1 || r.Failures != 0 {
		t.Fatalf("report = %+v, want one pattern and no failures", r)
	}
	if r.DecayedTraits != 1 {
		t.Errorf("decayed %d traits, want 1", r.DecayedTraits)
	}
	if active, _ := s.Resonances(); len(active) != 0 {
		t.Errorf("got %d active resonances, want 0", len(active))
	}

	c, err := s.Confidence("courage")
	if err != nil {
		t.Fatalf("Confidence: %v", err)
	}
	if math.Abs(c.EmotionalAlignment-0.9) > 1e-12 {
		t.Errorf("emotional alignment = %v, want 0.9", c.EmotionalAlignment)
	}

	keys, _ := backend.Keys(ctx, persist.KindEmotionalState)
	if len(keys) != 1 || keys[0] != "s1:"+r.Patterns[0].ID {
		t.Errorf("persisted patterns = %v", keys)
	}

	again, _ := s.Sweep(ctx)
	if len(again.Patterns) != 0 || again.DecayedTraits != 0 {
		t.Errorf("repeated sweep = %+v, want no work", again)
	}
}

func TestSweepDecayedModeEmitsNothing(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	cfg := DefaultConfig()
	cfg.PromotionMode = resonance.PromoteOnDecayedIntensity
	s := openSession(t, "s1", persist.NewMemoryStore(), cfg, clk)

	s.Admit(ctx, memory.Event{Content: "the storm at sea", EmotionalWeight: 0.8})
	s.Trigger("thunder", 0.9)
	clk.Advance(30 * time.Hour)
	r, _ := s.Sweep(ctx)
	if len(r.Patterns) != 0 {
		t.Errorf("got %d patterns, want 0", len(r.Patterns))
	}
}

type recordingSink struct {
	calls [][]cluster.Connection
	err   error
}

func (r *recordingSink) ReplaceConnections(_ context.Context, sessionID string, conns []cluster.Connection) error {
	r.calls = append(r.calls, conns)
	return r.err
}

func TestSweepExportsConnections(t *testing.T) {
	ctx := context.Background()
	sink := &recordingSink{}
	s := openSession(t, "s1", persist.NewMemoryStore(), DefaultConfig(), newClock(), WithConnectionSink(sink))
	s.Admit(ctx, memory.Event{ID: "a", Content: "alpha", TraitInfluences: map[string]float64{"trust": 0.5}, Tags: []string{"x"}, EmotionalWeight: 0.6})
	s.Admit(ctx, memory.Event{ID: "b", Content: "beta", TraitInfluences: map[string]float64{"trust": 0.4}, Tags: []string{"x"}, EmotionalWeight: 0.65})

	r, _ := s.Sweep(ctx)
	if r.Connections != 1 || len(sink.calls) != 1 || len(sink.calls[0]) != 1 {
		t.Fatalf("report %+v, sink calls %v", r, sink.calls)
	}

	sink.err = errors.New("graph down")
	r, _ = s.Sweep(ctx)
	if r.Failures != 1 {
		t.Errorf("failures = %d, want 1", r.Failures)
	}
	if conns, _ := s.Connections(); len(conns) != 1 {
		t.Error("export failure dropped the in-process connections")
	}
}

func TestRestoreAfterRestart(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	backend := persist.NewMemoryStore()
	s := openSession(t, "s1", backend, DefaultConfig(), clk)

	s.Admit(ctx, memory.Event{ID: "a", Content: "the storm at sea", EmotionalWeight: 0.8, TraitInfluences: map[string]float64{"courage": 0.3}, Tags: []string{"sea"}})
	clk.Advance(time.Minute)
	s.Admit(ctx, memory.Event{ID: "b", Content: "a quiet harbour", EmotionalWeight: -0.2, TraitInfluences: map[string]float64{"calm": 0.6}})
	s.Trigger("thunder", 0.9)
	clk.Advance(30 * time.Hour)
	s.Sweep(ctx)
	if err := s.Checkpoint(ctx); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}

	restored := openSession(t, "s1", backend, DefaultConfig(), clk)
	a, err := restored.Get(ctx, "a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !reflect.DeepEqual(a.Tags, []string{"sea"}) || a.TraitInfluences["courage"] != 0.3 {
		t.Errorf("restored memory = %+v", a)
	}
	want, _, _ := s.Trait("courage")
	got, _, err := restored.Trait("courage")
	if err != nil {
		t.Fatalf("Trait: %v", err)
	}
	if got.CurrentValue != want.CurrentValue || !got.LastAdjustment.Equal(want.LastAdjustment) {
		t.Errorf("restored courage = %+v, want %+v", got, want)
	}
	if p, _ := restored.Patterns(); len(p) != 1 {
		t.Errorf("restored %d patterns, want 1", len(p))
	}
	if cl, _ := restored.Clusters(); len(cl) != 2 {
		t.Errorf("restored %d clusters, want 2", len(cl))
	}

	other := openSession(t, "s2", backend, DefaultConfig(), clk)
	if all, _ := other.Memories(); len(all) != 0 {
		t.Errorf("session s2 sees %d memories of s1", len(all))
	}
}

type failingTxStore struct {
	*persist.MemoryStore
	rolledBack bool
}

func (f *failingTxStore) Begin(ctx context.Context) (persist.Tx, error) {
	tx, err := f.MemoryStore.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &failingTx{Tx: tx, owner: f}, nil
}

type failingTx struct {
	persist.Tx
	owner *failingTxStore
	saved int
}

func (t *failingTx) Save(ctx context.Context, kind persist.Kind, id string, rec persist.Record) error {
	if t.saved == 1 {
		return errors.New("disk full")
	}
	t.saved++
	return t.Tx.Save(ctx, kind, id, rec)
}

func (t *failingTx) Rollback(ctx context.Context) error {
	t.owner.rolledBack = true
	return t.Tx.Rollback(ctx)
}

func TestCheckpointRollsBack(t *testing.T) {
	ctx := context.Background()
	backend := &failingTxStore{MemoryStore: persist.NewMemoryStore()}
	s := openSession(t, "s1", backend, DefaultConfig(), newClock())
	s.Admit(ctx, memory.Event{Content: "x", TraitInfluences: map[string]float64{"a": 0.1, "b": 0.2}})
	for _, k := range []string{"s1:a", "s1:b"} {
		backend.Delete(ctx, persist.KindTraitBaseline, k)
	}

	err := s.Checkpoint(ctx)
	if !model.IsPersistenceError(err) {
		t.Fatalf("got %v, want persistence error", err)
	}
	if !backend.rolledBack {
		t.Error("checkpoint did not roll back")
	}
	if keys, _ := backend.Keys(ctx, persist.KindTraitBaseline); len(keys) != 0 {
		t.Errorf("partial checkpoint visible: %v", keys)
	}
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	clk := newClock()
	s := openSession(t, "s1", persist.NewMemoryStore(), DefaultConfig(), clk)
	s.Admit(ctx, memory.Event{ID: "old", Content: "faded", EmotionalWeight: 0.1})
	clk.Advance(72 * time.Hour)
	s.Admit(ctx, memory.Event{ID: "new", Content: "vivid", EmotionalWeight: 0.5})

	cands, _ := s.PruneCandidates()
	if len(cands) != 1 || cands[0].MemoryID != "old" {
		t.Fatalf("candidates = %+v, want [old]", cands)
	}
	removed, err := s.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if !reflect.DeepEqual(removed, []string{"old"}) {
		t.Errorf("removed = %v, want [old]", removed)
	}
	if all, _ := s.Memories(); len(all) != 1 || all[0].ID != "new" {
		t.Errorf("remaining = %v, want [new]", ids(all))
	}
	if _, ok := s.clusters.ClusterOf("old"); ok {
		t.Error("pruned memory still clustered")
	}
}

func ids(events []memory.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ID)
	}
	return out
}

// kindFailingStore fails every Save of one kind while down is set.
type kindFailingStore struct {
	*persist.MemoryStore
	kind persist.Kind
	down atomic.Bool
}

func (f *kindFailingStore) Save(ctx context.Context, kind persist.Kind, id string, rec persist.Record) error {
	if kind == f.kind && f.down.Load() {
		return errors.New("down")
	}
	return f.MemoryStore.Save(ctx, kind, id, rec)
}

func TestDefineFailureLeavesTraitUnchanged(t *testing.T) {
	ctx := context.Background()
	backend := &kindFailingStore{MemoryStore: persist.NewMemoryStore(), kind: persist.KindTraitBaseline}
	s := openSession(t, "s1", backend, DefaultConfig(), newClock())

	if _, err := s.Define(ctx, trait.Definition{Name: "calm", CurrentValue: 0.3, DecayRate: 0.01, ReinforcementRate: 1}); err != nil {
		t.Fatalf("Define: %v", err)
	}
	before, beforeMetrics, _ := s.Trait("calm")

	backend.down.Store(true)
	_, err := s.Define(ctx, trait.Definition{Name: "calm", CurrentValue: 0.8, DecayRate: 0.5, ReinforcementRate: 2})
	if !model.IsPersistenceError(err) {
		t.Fatalf("got %v, want persistence error", err)
	}
	after, afterMetrics, err := s.Trait("calm")
	if err != nil {
		t.Fatalf("Trait: %v", err)
	}
	if !reflect.DeepEqual(after, before) {
		t.Errorf("baseline changed after failed write: got %+v, want %+v", after, before)
	}
	if len(afterMetrics.History) != len(beforeMetrics.History) {
		t.Errorf("history grew to %d samples, want %d", len(afterMetrics.History), len(beforeMetrics.History))
	}

	if _, err := s.Define(ctx, trait.Definition{Name: "joy", CurrentValue: 0.5, ReinforcementRate: 1}); !model.IsPersistenceError(err) {
		t.Fatalf("got %v, want persistence error", err)
	}
	if _, _, err := s.Trait("joy"); !model.IsNotFoundError(err) {
		t.Errorf("failed definition created the trait: %v", err)
	}
	if rec, err := backend.Load(ctx, persist.KindTraitBaseline, "s1:calm"); err != nil {
		t.Fatalf("Load: %v", err)
	} else if v, _ := rec.Float("current_value"); v != 0.3 {
		t.Errorf("stored current_value = %v, want 0.3", v)
	}
}

func TestGetBandsMemoryLoadedFromBackend(t *testing.T) {
	ctx := context.Background()
	backend := persist.NewMemoryStore()
	clk := newClock()
	reader := openSession(t, "s1", backend, DefaultConfig(), clk)
	writer := openSession(t, "s1", backend, DefaultConfig(), clk)

	if _, err := writer.Admit(ctx, memory.Event{ID: "m1", Content: "a quiet harbor", EmotionalWeight: 0.4}); err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if _, err := reader.Get(ctx, "m1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	clusters, _ := reader.Clusters()
	if len(clusters) != 1 || !reflect.DeepEqual(clusters[0].Members, []string{"m1"}) {
		t.Fatalf("clusters = %+v, want one cluster holding m1", clusters)
	}

	// a second read does not band it again
	reader.Get(ctx, "m1")
	if clusters, _ := reader.Clusters(); len(clusters) != 1 || len(clusters[0].Members) != 1 {
		t.Errorf("clusters after re-read = %+v", clusters)
	}
}

func TestConcurrentWritersAndReaders(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.MaxCacheSize = 20
	s := openSession(t, "s1", persist.NewMemoryStore(), cfg, newClock())

	const writers, perWriter = 4, 25
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := s.Admit(ctx, memory.Event{
					Content:         "storm over the harbor",
					EmotionalWeight: float64(i%10) / 10,
					TraitInfluences: map[string]float64{"courage": 0.01},
					Tags:            []string{"sea"},
				})
				if err != nil {
					t.Errorf("Admit: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			if _, err := s.Sweep(ctx); err != nil {
				t.Errorf("Sweep: %v", err)
			}
			s.Trigger("thunder", 0.7)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			s.ShortTerm()
			s.Search("harbor")
			s.Traits()
			s.Clusters()
			s.Connections()
			s.Confidence("courage")
		}
	}()
	wg.Wait()

	all, _ := s.Memories()
	if len(all) != writers*perWriter {
		t.Errorf("got %d memories, want %d", len(all), writers*perWriter)
	}
	if short, _ := s.ShortTerm(); len(short) > cfg.MaxCacheSize {
		t.Errorf("short-term set holds %d, want at most %d", len(short), cfg.MaxCacheSize)
	}
	members := 0
	clusters, _ := s.Clusters()
	for _, c := range clusters {
		members += len(c.Members)
	}
	if members != writers*perWriter {
		t.Errorf("clusters hold %d memories, want %d", members, writers*perWriter)
	}
}
