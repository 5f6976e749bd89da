package memory

import (
	"sort"
	"time"

	"go.uber.org/zap"
)

type accessEntry struct {
	id string
	at time.Time
}

// byRecency orders least recently used first, ties by id.
func byRecency(access map[string]time.Time) []accessEntry {
	entries := make([]accessEntry, 0, len(access))
	for id, at := range access {
		entries = append(entries, accessEntry{id: id, at: at})
	}
	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].at.Equal(entries[j].at) {
			return entries[i].at.Before(entries[j].at)
		}
		return entries[i].id < entries[j].id
	})
	return entries
}

// EvictIfOverCapacity drops least recently used entries from the cache
// until it is at capacity and returns the evicted ids. Evicted memories
// leave the short-term set but stay retrievable.
func (s *Store) EvictIfOverCapacity() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	over := len(s.access) - s.maxSize
	if over <= 0 {
		return nil
	}
	evicted := make([]string, 0, over)
	for _, entry := range byRecency(s.access)[:over] {
		delete(s.access, entry.id)
		evicted = append(evicted, entry.id)
	}
	s.logger.Debug("cache evicted",
		zap.Int("evicted", len(evicted)),
		zap.Int("cached", len(s.access)))
	return evicted
}

// ShortTerm returns the cached memories, most recently used first.
func (s *Store) ShortTerm() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := byRecency(s.access)
	out := make([]Event, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if e, ok := s.events[entries[i].id]; ok {
			out = append(out, e.Clone())
		}
	}
	return out
}

// CacheLen returns the number of cached memories.
func (s *Store) CacheLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.access)
}

// MaxCacheSize returns the cache capacity.
func (s *Store) MaxCacheSize() int {
	return s.maxSize
}
