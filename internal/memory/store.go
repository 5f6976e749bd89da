// Package memory owns the canonical set of memory events of a session,
// their keyword/tag index and the bounded recency cache that forms the
// short-term set.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-cognition/internal/model"
	"github.com/nidhogg/nuka-cognition/internal/persist"
)

// DefaultMaxCacheSize bounds the short-term cache.
const DefaultMaxCacheSize = 1000

const kind = "memory"

// Config tunes a Store.
type Config struct {
	MaxCacheSize int
}

// Option configures a Store.
type Option func(*Store)

// WithNow overrides the store clock.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store holds memories in process and writes every change through to a
// persist.Store before applying it. The lock is never held across the
// persistence call.
type Store struct {
	events  map[string]*Event              // id -> event
	index   map[string]map[string]struct{} // term -> ids
	access  map[string]time.Time           // cached id -> last access
	maxSize int

	backend persist.Store
	now     func() time.Time
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewStore creates an empty store writing through to backend.
func NewStore(backend persist.Store, cfg Config, logger *zap.Logger, opts ...Option) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxCacheSize <= 0 {
		cfg.MaxCacheSize = DefaultMaxCacheSize
	}
	s := &Store{
		events:  make(map[string]*Event),
		index:   make(map[string]map[string]struct{}),
		access:  make(map[string]time.Time),
		maxSize: cfg.MaxCacheSize,
		backend: backend,
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Admit validates, clamps and persists a new memory, then indexes and
// caches it. An empty ID is assigned.
func (s *Store) Admit(ctx context.Context, e Event) (Event, error) {
	if err := validate(e); err != nil {
		return Event{}, err
	}
	e = normalize(e)
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if s.Contains(e.ID) {
		return Event{}, model.NewValidationError("id", "memory "+e.ID+" already admitted")
	}
	now := s.now()
	e.CreatedAt = now
	e.UpdatedAt = now

	if err := s.write(ctx, "save", e); err != nil {
		return Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored := e.Clone()
	s.events[e.ID] = &stored
	s.indexEvent(&stored)
	s.access[e.ID] = now

	s.logger.Debug("memory admitted",
		zap.String("memory", e.ID),
		zap.Float64("importance", e.Importance),
		zap.Float64("emotional_weight", e.EmotionalWeight))
	return e, nil
}

// Get returns a memory and marks it recently used. A memory unknown in
// process is looked up in the backend and adopted.
func (s *Store) Get(ctx context.Context, id string) (Event, error) {
	s.mu.Lock()
	if e, ok := s.events[id]; ok {
		s.access[id] = s.now()
		out := e.Clone()
		s.mu.Unlock()
		return out, nil
	}
	s.mu.Unlock()

	rec, err := s.backend.Load(ctx, persist.KindMemory, id)
	if errors.Is(err, persist.ErrNotFound) {
		return Event{}, model.NewNotFoundError(kind, id)
	}
	if err != nil {
		return Event{}, model.WrapPersistence("load", kind, id, err)
	}
	e, err := FromRecord(rec)
	if err != nil {
		return Event{}, model.WrapPersistence("decode", kind, id, err)
	}
	e.ID = id

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.events[id]; ok {
		s.access[id] = s.now()
		return cur.Clone(), nil
	}
	stored := e.Clone()
	s.events[id] = &stored
	s.indexEvent(&stored)
	s.access[id] = s.now()
	return e, nil
}

// Update applies p to an admitted memory.
func (s *Store) Update(ctx context.Context, id string, p Patch) (Event, error) {
	if p.Importance != nil && !model.Finite(*p.Importance) {
		return Event{}, model.NewValidationError("importance", "must be finite")
	}
	if p.EmotionalWeight != nil && !model.Finite(*p.EmotionalWeight) {
		return Event{}, model.NewValidationError("emotional_weight", "must be finite")
	}

	s.mu.RLock()
	cur, ok := s.events[id]
	var next Event
	if ok {
		next = cur.Clone()
	}
	s.mu.RUnlock()
	if !ok {
		return Event{}, model.NewNotFoundError(kind, id)
	}

	if p.Importance != nil {
		next.Importance = model.Clamp01(*p.Importance)
	}
	if p.EmotionalWeight != nil {
		next.EmotionalWeight = model.ClampSigned(*p.EmotionalWeight)
	}
	now := s.now()
	next.UpdatedAt = now

	if err := s.write(ctx, "save", next); err != nil {
		return Event{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.events[id]; !ok {
		return Event{}, model.NewNotFoundError(kind, id)
	}
	stored := next.Clone()
	s.events[id] = &stored
	s.access[id] = now
	return next, nil
}

// Remove deletes a memory from the backend, then from the canonical set,
// the cache and the index.
func (s *Store) Remove(ctx context.Context, id string) error {
	if !s.Contains(id) {
		return model.NewNotFoundError(kind, id)
	}
	if err := s.backend.Delete(ctx, persist.KindMemory, id); err != nil {
		return model.WrapPersistence("delete", kind, id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return nil
	}
	s.unindexEvent(e)
	delete(s.events, id)
	delete(s.access, id)
	s.logger.Debug("memory removed", zap.String("memory", id))
	return nil
}

// Restore adopts a persisted memory without writing it back. Its cache
// access time is its last update.
func (s *Store) Restore(e Event) error {
	if e.ID == "" {
		return model.NewValidationError("id", "must not be empty")
	}
	if err := validate(e); err != nil {
		return err
	}
	e = normalize(e)

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.events[e.ID]; ok {
		s.unindexEvent(old)
	}
	stored := e.Clone()
	s.events[e.ID] = &stored
	s.indexEvent(&stored)
	s.access[e.ID] = e.UpdatedAt
	return nil
}

// Contains reports whether id is admitted.
func (s *Store) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.events[id]
	return ok
}

// Peek returns a memory without touching the cache.
func (s *Store) Peek(id string) (Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return Event{}, false
	}
	return e.Clone(), true
}

// All returns every memory sorted by id.
func (s *Store) All() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of admitted memories.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Reindex rebuilds the index from the canonical set.
func (s *Store) Reindex() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.index = make(map[string]map[string]struct{}, len(s.index))
	for _, e := range s.events {
		s.indexEvent(e)
	}
}

// Search returns the ids indexed under term, sorted.
func (s *Store) Search(term string) []string {
	term = strings.ToLower(strings.TrimSpace(term))

	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.index[term]))
	for id := range s.index[term] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Query ranks memories containing any of keywords by keyword similarity.
func (s *Store) Query(keywords []string) []Match {
	s.mu.RLock()
	defer s.mu.RUnlock()

	candidates := make(map[string]struct{})
	for _, kw := range keywords {
		for id := range s.index[strings.ToLower(kw)] {
			candidates[id] = struct{}{}
		}
	}
	var matches []Match
	for id := range candidates {
		e := s.events[id]
		if score := keywordSimilarity(keywords, *e); score > 0 {
			matches = append(matches, Match{Event: e.Clone(), Score: score})
		}
	}
	sortMatches(matches)
	return matches
}

func (s *Store) write(ctx context.Context, op string, e Event) error {
	rec, err := toRecord(e)
	if err != nil {
		return model.WrapPersistence("encode", kind, e.ID, err)
	}
	if err := s.backend.Save(ctx, persist.KindMemory, e.ID, rec); err != nil {
		return model.WrapPersistence(op, kind, e.ID, err)
	}
	return nil
}

// indexEvent and unindexEvent require s.mu held for writing.
func (s *Store) indexEvent(e *Event) {
	for _, term := range indexTerms(*e) {
		ids, ok := s.index[term]
		if !ok {
			ids = make(map[string]struct{})
			s.index[term] = ids
		}
		ids[e.ID] = struct{}{}
	}
}

func (s *Store) unindexEvent(e *Event) {
	for _, term := range indexTerms(*e) {
		ids := s.index[term]
		delete(ids, e.ID)
		if len(ids) == 0 {
			delete(s.index, term)
		}
	}
}
