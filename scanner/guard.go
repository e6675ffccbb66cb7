package scanner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var (
	ErrScanInProgress = errors.New("a scan is already running")
	ErrWorkerStopped  = errors.New("worker is shutting down")
)

// RunGuard is the single token shared by every scan cadence. The returned
// release func is idempotent so callers can defer it unconditionally.
type RunGuard struct {
	sem     *semaphore.Weighted
	running atomic.Bool
	holder  atomic.Value
}

func NewRunGuard() *RunGuard {
	g := &RunGuard{sem: semaphore.NewWeighted(1)}
	g.holder.Store("")
	return g
}

// TryAcquire never waits; ok is false when another scan holds the token.
func (g *RunGuard) TryAcquire(scan string) (release func(), ok bool) {
	if !g.sem.TryAcquire(1) {
		return func() {}, false
	}
	return g.hold(scan), true
}

// Acquire waits for the token until ctx is done.
func (g *RunGuard) Acquire(ctx context.Context, scan string) (release func(), err error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return func() {}, err
	}
	return g.hold(scan), nil
}

func (g *RunGuard) hold(scan string) func() {
	g.running.Store(true)
	g.holder.Store(scan)
	var once sync.Once
	return func() {
		once.Do(func() {
			g.holder.Store("")
			g.running.Store(false)
			g.sem.Release(1)
		})
	}
}

func (g *RunGuard) Running() bool { return g.running.Load() }

// Holder names the scan holding the token, "" when idle.
func (g *RunGuard) Holder() string {
	s, _ := g.holder.Load().(string)
	return s
}
