// Package spam serializes messages from the same sender.
package spam

import (
	"context"
	"sync"
)

// Guard hands out per-key locks. Acquire waits until the key is free or ctx
// ends, in which case ctx's error is returned. The returned release func is
// safe to call more than once and must be called on every exit path.
type Guard interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

func releaseOnce(fn func()) func() {
	var once sync.Once
	return func() { once.Do(fn) }
}
