package guard

import "context"

// Guard is the contract shared by Local, Redis and Chain.
type Guard interface {
	TryAcquire(ctx context.Context) (release func(), ok bool, err error)
	Busy() bool
}

// Chain acquires every guard in order and releases them in reverse. If any
// guard refuses, the ones already taken are released.
type Chain []Guard

func (c Chain) TryAcquire(ctx context.Context) (func(), bool, error) {
	releases := make([]func(), 0, len(c))
	undo := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, g := range c {
		release, ok, err := g.TryAcquire(ctx)
		if err != nil || !ok {
			undo()
			return nil, false, err
		}
		releases = append(releases, release)
	}
	return undo, true, nil
}

func (c Chain) Busy() bool {
	for _, g := range c {
		if g.Busy() {
			return true
		}
	}
	return false
}
