// Package clock drives periodic maintenance sweeps.
package clock

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Listener receives tick events.
type Listener interface {
	OnTick(ctx context.Context, at time.Time)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, at time.Time)

// OnTick calls f.
func (f ListenerFunc) OnTick(ctx context.Context, at time.Time) { f(ctx, at) }

// Clock fires its listeners every interval until stopped.
type Clock struct {
	interval  time.Duration
	listeners []Listener
	now       func() time.Time
	ticks     uint64
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}
	logger    *zap.Logger
}

// New creates a stopped clock. A non-positive interval defaults to one minute.
func New(interval time.Duration, logger *zap.Logger) *Clock {
	if interval <= 0 {
		interval = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Clock{
		interval: interval,
		now:      time.Now,
		logger:   logger,
	}
}

// Interval returns the tick interval.
func (c *Clock) Interval() time.Duration { return c.interval }

// AddListener registers a tick listener.
func (c *Clock) AddListener(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// Ticks returns how many ticks have fired.
func (c *Clock) Ticks() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ticks
}

// Start begins the tick loop in a background goroutine. The loop ends when
// ctx is cancelled or Stop is called.
func (c *Clock) Start(ctx context.Context) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	done := c.done
	c.mu.Unlock()

	go c.loop(ctx, done)
	c.logger.Info("maintenance clock started", zap.Duration("interval", c.interval))
}

// Stop halts the tick loop and waits for an in-flight tick to finish.
func (c *Clock) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Info("maintenance clock stopped")
}

func (c *Clock) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick fires every listener once, synchronously, in registration order.
func (c *Clock) Tick(ctx context.Context) {
	c.mu.Lock()
	c.ticks++
	listeners := make([]Listener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.Unlock()

	at := c.now()
	for _, l := range listeners {
		l.OnTick(ctx, at)
	}
}
