package usecase

import (
	"context"
	"sync"
)

// SessionGate serializes runs per session. A newer run for the same session
// cancels the one in flight and waits for it to unwind; different sessions do
// not contend.
type SessionGate struct {
	mu       sync.Mutex
	sessions map[string]*sessionSlot
}

type sessionSlot struct {
	lock    chan struct{}
	cancel  context.CancelFunc
	gen     uint64
	waiters int
}

func NewSessionGate() *SessionGate {
	return &SessionGate{sessions: make(map[string]*sessionSlot)}
}

// Acquire returns a context that is cancelled when ctx is, or when a newer
// run for the same session arrives. release must be called exactly once.
func (g *SessionGate) Acquire(ctx context.Context, sessionID string) (context.Context, func(), error) {
	g.mu.Lock()
	slot, ok := g.sessions[sessionID]
	if !ok {
		slot = &sessionSlot{lock: make(chan struct{}, 1)}
		g.sessions[sessionID] = slot
	}
	slot.gen++
	myGen := slot.gen
	slot.waiters++
	if slot.cancel != nil {
		slot.cancel()
	}
	g.mu.Unlock()

	select {
	case slot.lock <- struct{}{}:
	case <-ctx.Done():
		g.leave(sessionID, slot)
		return nil, nil, ctx.Err()
	}

	runCtx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	if slot.gen != myGen {
		// Superseded while waiting for the previous run.
		cancel()
	}
	slot.cancel = cancel
	g.mu.Unlock()

	var once sync.Once
	release := func() {
		once.Do(func() {
			cancel()
			g.mu.Lock()
			if slot.gen == myGen {
				slot.cancel = nil
			}
			g.mu.Unlock()
			<-slot.lock
			g.leave(sessionID, slot)
		})
	}
	return runCtx, release, nil
}

func (g *SessionGate) leave(sessionID string, slot *sessionSlot) {
	g.mu.Lock()
	defer g.mu.Unlock()
	slot.waiters--
	if slot.waiters == 0 {
		delete(g.sessions, sessionID)
	}
}

// Active reports how many sessions currently hold or wait for the gate.
func (g *SessionGate) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}
