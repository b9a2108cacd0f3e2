package comfyui

import (
	"context"
	"sync"
)

// gate is a level-triggered condition that goroutines can wait on.
// It may be opened and closed any number of times.
type gate struct {
	mu   sync.Mutex
	open bool
	ch   chan struct{}
}

func newGate(open bool) *gate {
	g := &gate{ch: make(chan struct{})}
	if open {
		g.open = true
		close(g.ch)
	}
	return g
}

func (g *gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.open = true
		close(g.ch)
	}
}

func (g *gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		g.open = false
		g.ch = make(chan struct{})
	}
}

// Wait blocks until the gate is open, ctx ends, or abort is closed.
func (g *gate) Wait(ctx context.Context, abort <-chan struct{}) error {
	for {
		g.mu.Lock()
		if g.open {
			g.mu.Unlock()
			return nil
		}
		ch := g.ch
		g.mu.Unlock()

		select {
		case <-ch:
		case <-abort:
			return errAborted
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
