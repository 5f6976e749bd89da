package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nidhogg/nuka-cognition/internal/model"
	"github.com/nidhogg/nuka-cognition/internal/persist"
)

// DefaultSweepConcurrency bounds parallel sweeps across sessions.
const DefaultSweepConcurrency = 4

// tickTimeout bounds one clock-driven sweep of every session.
const tickTimeout = 30 * time.Second

// Manager keeps one Session per id over a shared backend. Sessions share
// nothing but the backend, whose records they scope by id.
type Manager struct {
	sessions    map[string]*Session // id -> session
	backend     persist.Store
	cfg         Config
	opts        []Option
	concurrency int
	mu          sync.RWMutex
	logger      *zap.Logger
}

// NewManager creates an empty registry. opts apply to every session.
func NewManager(backend persist.Store, cfg Config, logger *zap.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		sessions:    make(map[string]*Session),
		backend:     backend,
		cfg:         cfg,
		opts:        opts,
		concurrency: DefaultSweepConcurrency,
		logger:      logger,
	}
}

// SetConcurrency changes how many sessions SweepAll runs at once.
func (m *Manager) SetConcurrency(n int) {
	if n <= 0 {
		n = DefaultSweepConcurrency
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.concurrency = n
}

// Open returns the session for id, creating and initializing it if needed.
func (m *Manager) Open(ctx context.Context, id string) (*Session, error) {
	s, err := m.getOrCreate(id)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (m *Manager) getOrCreate(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[id]; ok {
		return s, nil
	}
	s, err := New(id, m.backend, m.cfg, m.logger, m.opts...)
	if err != nil {
		return nil, err
	}
	m.sessions[id] = s
	m.logger.Info("session created", zap.String("session", id))
	return s, nil
}

// Discover opens every session that has persisted records and returns
// their ids.
func (m *Manager) Discover(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	for _, kind := range persist.Kinds {
		keys, err := m.backend.Keys(ctx, kind)
		if err != nil {
			return nil, model.WrapPersistence("keys", string(kind), "", err)
		}
		for _, k := range keys {
			if id, _, ok := strings.Cut(k, ":"); ok && id != "" {
				seen[id] = struct{}{}
			}
		}
	}
	ids := sortedSet(seen)
	for _, id := range ids {
		if _, err := m.Open(ctx, id); err != nil {
			return nil, fmt.Errorf("open session %s: %w", id, err)
		}
	}
	return ids, nil
}

// Get returns an existing session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// IDs lists the known session ids in sorted order.
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Drop forgets a session in process. Its persisted records are kept.
func (m *Manager) Drop(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	return ok
}

// SweepAll sweeps every ready session in parallel. A failing session does
// not stop the others; its error is logged and left out of the result.
func (m *Manager) SweepAll(ctx context.Context) map[string]SweepReport {
	m.mu.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if s.Ready() {
			sessions = append(sessions, s)
		}
	}
	limit := m.concurrency
	m.mu.RUnlock()

	var (
		g   errgroup.Group
		mu  sync.Mutex
		out = make(map[string]SweepReport, len(sessions))
	)
	g.SetLimit(limit)
	for _, s := range sessions {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			r, err := s.Sweep(ctx)
			if err != nil {
				m.logger.Warn("sweep failed", zap.String("session", s.ID()), zap.Error(err))
				return nil
			}
			mu.Lock()
			out[s.ID()] = r
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// OnTick implements clock.Listener.
func (m *Manager) OnTick(ctx context.Context, at time.Time) {
	ctx, cancel := context.WithTimeout(ctx, tickTimeout)
	defer cancel()

	reports := m.SweepAll(ctx)
	var patterns, failures int
	for _, r := range reports {
		patterns += len(r.Patterns)
		failures += r.Failures
	}
	m.logger.Debug("maintenance tick",
		zap.Time("at", at),
		zap.Int("sessions", len(reports)),
		zap.Int("patterns", patterns),
		zap.Int("failures", failures))
}
