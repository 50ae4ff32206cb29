// Package guard provides the single in-flight execution guard: a process
// local flag and an optional Redis lock shared between processes.
package guard

import (
	"context"
	"sync"
	"sync/atomic"
)

// Local admits one holder at a time within the process.
type Local struct {
	busy atomic.Bool
}

func NewLocal() *Local {
	return &Local{}
}

func (l *Local) TryAcquire(_ context.Context) (func(), bool, error) {
	if !l.busy.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	var once sync.Once
	return func() { once.Do(func() { l.busy.Store(false) }) }, true, nil
}

func (l *Local) Busy() bool {
	return l.busy.Load()
}
