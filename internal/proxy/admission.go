package proxy

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	imetrics "traefik-challenge-2/internal/metrics"
)

// ErrAdmissionTimeout is returned by Acquire when a waiter's timeout elapses
// before a slot becomes free.
var ErrAdmissionTimeout = errors.New("admission: timed out waiting for a slot")

// Gate bounds concurrent work to MaxConcurrent, admitting waiters in strict
// FIFO order. Unlike a fixed-capacity channel queue, the waiter list here is
// unbounded — every request waits, not just the first N — and release always
// wakes the oldest waiter, never a racing newcomer.
type Gate struct {
	maxConcurrent int

	mu      sync.Mutex
	active  int
	waiters *list.List // of *waiter
}

type waiter struct {
	grant chan struct{}
}

// NewGate constructs a Gate that admits at most maxConcurrent requests at once.
func NewGate(maxConcurrent int) *Gate {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Gate{
		maxConcurrent: maxConcurrent,
		waiters:       list.New(),
	}
}

// Acquire blocks until a slot is free or ctx is done, whichever comes first.
// On success it returns a release function that must be called exactly once.
func (g *Gate) Acquire(ctx context.Context) (release func(), err error) {
	start := time.Now()

	g.mu.Lock()
	if g.active < g.maxConcurrent && g.waiters.Len() == 0 {
		g.active++
		n := g.active
		g.mu.Unlock()
		imetrics.GateActiveSet(n)
		imetrics.GateWaitObserve(0)
		return g.releaseFunc(), nil
	}

	w := &waiter{grant: make(chan struct{})}
	elem := g.waiters.PushBack(w)
	g.mu.Unlock()
	imetrics.GateQueueDepthSet(g.queueLen())

	select {
	case <-w.grant:
		imetrics.GateQueueDepthSet(g.queueLen())
		imetrics.GateWaitObserve(time.Since(start))
		imetrics.GateActiveSet(g.activeLen())
		return g.releaseFunc(), nil
	case <-ctx.Done():
		g.mu.Lock()
		select {
		case <-w.grant:
			// Granted the same instant ctx was cancelled; honor the grant
			// rather than leak a slot.
			g.mu.Unlock()
			imetrics.GateQueueDepthSet(g.queueLen())
			imetrics.GateWaitObserve(time.Since(start))
			imetrics.GateActiveSet(g.activeLen())
			return g.releaseFunc(), nil
		default:
			g.waiters.Remove(elem)
			g.mu.Unlock()
		}
		imetrics.GateQueueDepthSet(g.queueLen())
		imetrics.GateTimeoutInc()
		imetrics.GateWaitObserve(time.Since(start))
		return nil, ErrAdmissionTimeout
	}
}

func (g *Gate) releaseFunc() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			front := g.waiters.Front()
			if front == nil {
				g.active--
				n := g.active
				g.mu.Unlock()
				imetrics.GateActiveSet(n)
				return
			}
			g.waiters.Remove(front)
			g.mu.Unlock()
			close(front.Value.(*waiter).grant)
		})
	}
}

func (g *Gate) queueLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.waiters.Len()
}

func (g *Gate) activeLen() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}
