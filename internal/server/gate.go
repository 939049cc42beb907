package server

import (
	"context"
	"sync"
)

// gate pauses the outbound write path after a software image has been
// sent, until the peer acknowledges or rejects it. Messages keep
// accumulating in the queue while paused.
type gate struct {
	mu     sync.Mutex
	paused bool
	resume chan struct{}
}

func newGate() *gate {
	return &gate{resume: make(chan struct{})}
}

// pause blocks the write path.
func (g *gate) pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return
	}
	g.paused = true
	g.resume = make(chan struct{})
}

// release unblocks the write path. Called on both acknowledgement and
// error responses; a rejected image is not retransmitted.
func (g *gate) release() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return false
	}
	g.paused = false
	close(g.resume)
	return true
}

// wait returns once the gate is open or the context is done.
func (g *gate) wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		paused := g.paused
		ch := g.resume
		g.mu.Unlock()
		if !paused {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// isPaused reports the current gate state.
func (g *gate) isPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}
