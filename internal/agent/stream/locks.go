package stream

import (
	"context"
	"sync"
	"time"

	"github.com/macromate/server/internal/agent/metrics"
	errx "github.com/macromate/server/internal/core/error"
	logx "github.com/macromate/server/pkg/logger"
)

type threadLock struct {
	sem      chan struct{}
	refs     int
	lastUsed time.Time
}

// LockRegistry serializes work per thread id. Entries with no holder and no waiter are
// evicted once idle for longer than the idle TTL.
type LockRegistry struct {
	mu          sync.Mutex
	locks       map[string]*threadLock
	waitTimeout time.Duration
	idleTTL     time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewLockRegistry creates a registry. waitTimeout <= 0 waits until the caller's context
// ends; idleTTL > 0 starts a janitor that sweeps idle entries.
func NewLockRegistry(waitTimeout, idleTTL time.Duration) *LockRegistry {
	r := &LockRegistry{
		locks:       make(map[string]*threadLock),
		waitTimeout: waitTimeout,
		idleTTL:     idleTTL,
		stop:        make(chan struct{}),
	}
	if idleTTL > 0 {
		go r.janitor(idleTTL)
	}
	return r
}

// Acquire blocks until the thread's lock is held, ctx ends, or the wait timeout passes.
// The returned release is safe to call more than once.
func (r *LockRegistry) Acquire(ctx context.Context, threadID string) (func(), error) {
	r.mu.Lock()
	l, ok := r.locks[threadID]
	if !ok {
		l = &threadLock{sem: make(chan struct{}, 1)}
		r.locks[threadID] = l
	}
	l.refs++
	r.mu.Unlock()

	var timeout <-chan time.Time
	if r.waitTimeout > 0 {
		t := time.NewTimer(r.waitTimeout)
		defer t.Stop()
		timeout = t.C
	}

	start := time.Now()
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		r.unref(l)
		return nil, ctx.Err()
	case <-timeout:
		r.unref(l)
		logx.Warn().Str("thread_id", threadID).Dur("waited", time.Since(start)).Msg("thread lock wait timed out")
		return nil, errx.ConcurrencyTimeout(threadID)
	}
	metrics.LockWait.Observe(time.Since(start).Seconds())

	var once sync.Once
	return func() {
		once.Do(func() {
			<-l.sem
			r.unref(l)
		})
	}, nil
}

func (r *LockRegistry) unref(l *threadLock) {
	r.mu.Lock()
	l.refs--
	l.lastUsed = time.Now()
	r.mu.Unlock()
}

// Sweep removes entries idle since before now minus the idle TTL and returns how many.
func (r *LockRegistry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, l := range r.locks {
		if l.refs == 0 && now.Sub(l.lastUsed) >= r.idleTTL {
			delete(r.locks, id)
			n++
		}
	}
	return n
}

// Len returns the number of tracked thread locks.
func (r *LockRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

// Close stops the janitor.
func (r *LockRegistry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
}

func (r *LockRegistry) janitor(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-r.stop:
			return
		case now := <-t.C:
			if n := r.Sweep(now); n > 0 {
				logx.Debug().Int("evicted", n).Msg("evicted idle thread locks")
			}
		}
	}
}
