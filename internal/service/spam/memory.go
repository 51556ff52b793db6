package spam

import (
	"context"
	"sync"
)

type keyLock struct {
	sem  chan struct{}
	refs int
}

// MemoryGuard keeps locks in process memory.
type MemoryGuard struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

var _ Guard = (*MemoryGuard)(nil)

// NewMemoryGuard returns an empty MemoryGuard.
func NewMemoryGuard() *MemoryGuard {
	return &MemoryGuard{locks: make(map[string]*keyLock)}
}

func (g *MemoryGuard) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := g.ref(key)
	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		g.unref(key, l)
		return nil, ctx.Err()
	}

	return releaseOnce(func() {
		<-l.sem
		g.unref(key, l)
	}), nil
}

func (g *MemoryGuard) ref(key string) *keyLock {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.locks[key]
	if !ok {
		l = &keyLock{sem: make(chan struct{}, 1)}
		g.locks[key] = l
	}
	l.refs++
	return l
}

func (g *MemoryGuard) unref(key string, l *keyLock) {
	g.mu.Lock()
	defer g.mu.Unlock()

	l.refs--
	if l.refs == 0 {
		delete(g.locks, key)
	}
}

// Held reports how many keys are currently locked.
func (g *MemoryGuard) Held() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	n := 0
	for _, l := range g.locks {
		if len(l.sem) > 0 {
			n++
		}
	}
	return n
}

// Waiting reports how many callers hold or wait for key.
func (g *MemoryGuard) Waiting(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	if l, ok := g.locks[key]; ok {
		return l.refs
	}
	return 0
}
