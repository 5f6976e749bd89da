package clock

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestTickFansOut(t *testing.T) {
	c := New(time.Hour, nil)
	var order []string
	c.AddListener(ListenerFunc(func(context.Context, time.Time) { order = append(order, "a") }))
	c.AddListener(ListenerFunc(func(context.Context, time.Time) { order = append(order, "b") }))

	c.Tick(context.Background())
	c.Tick(context.Background())

	if len(order) != 4 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("got %v, want [a b a b]", order)
	}
	if c.Ticks() != 2 {
		t.Fatalf("got %d ticks, want 2", c.Ticks())
	}
}

func TestDefaultInterval(t *testing.T) {
	if got := New(0, nil).Interval(); got != time.Minute {
		t.Fatalf("got %v, want 1m", got)
	}
}

func TestStartStop(t *testing.T) {
	c := New(5*time.Millisecond, nil)
	var n atomic.Int32
	fired := make(chan struct{}, 1)
	c.AddListener(ListenerFunc(func(context.Context, time.Time) {
		n.Add(1)
		select {
		case fired <- struct{}{}:
		default:
		}
	}))

	c.Start(context.Background())
	c.Start(context.Background())
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("clock never ticked")
	}
	c.Stop()
	after := n.Load()
	time.Sleep(20 * time.Millisecond)
	if n.Load() != after {
		t.Fatal("clock kept ticking after Stop")
	}
	c.Stop()
}
