package rotation

import (
	"context"
	"sync"
)

// keyGate serialises fetches per key id. Unlike the per-generation latch it
// survives StopKey, so a key restarted while an old fetch is still draining
// waits for that fetch instead of overlapping it.
type keyGate struct {
	mu    sync.Mutex
	gates map[string]*gateEntry
}

type gateEntry struct {
	slot chan struct{}
	refs int
}

func newKeyGate() *keyGate {
	return &keyGate{gates: make(map[string]*gateEntry)}
}

// acquire blocks until id is free or ctx is done.
func (g *keyGate) acquire(ctx context.Context, id string) (func(), error) {
	g.mu.Lock()
	e, ok := g.gates[id]
	if !ok {
		e = &gateEntry{slot: make(chan struct{}, 1)}
		g.gates[id] = e
	}
	e.refs++
	g.mu.Unlock()

	select {
	case e.slot <- struct{}{}:
		return func() {
			<-e.slot
			g.drop(id, e)
		}, nil
	case <-ctx.Done():
		g.drop(id, e)
		return nil, ctx.Err()
	}
}

func (g *keyGate) drop(id string, e *gateEntry) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(g.gates, id)
	}
}

func (g *keyGate) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.gates)
}
