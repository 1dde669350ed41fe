// Package groutine starts named goroutines. The name rides along as a
// pprof label, so goroutine dumps and CPU profiles attribute work to the
// spawn site instead of an anonymous stack.
package groutine

import (
	"context"
	"runtime/pprof"
)

// Go runs fn on a new goroutine labeled name. A nil parent falls back to
// context.Background. fn receives a context carrying the label set, so
// goroutines it spawns through this package inherit the labeling chain.
func Go(parent context.Context, name string, fn func(ctx context.Context)) {
	if parent == nil {
		parent = context.Background()
	}
	go pprof.Do(parent, pprof.Labels("goroutine", name), fn)
}
