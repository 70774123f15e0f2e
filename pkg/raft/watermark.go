package raft

import (
	"context"
	"sync"
)

// watermark tracks the highest applied log index and lets callers block
// until the index reaches a target. It is the sync half of the freshness
// handshake.
type watermark struct {
	mu      sync.Mutex
	done    uint64
	waiters map[uint64][]chan struct{}
}

func newWatermark() *watermark {
	return &watermark{waiters: make(map[uint64][]chan struct{})}
}

// DoneUntil returns the highest applied index
func (w *watermark) DoneUntil() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// SetDoneUntil advances the applied index and releases any waiter whose
// target has been reached. The index never moves backwards.
func (w *watermark) SetDoneUntil(index uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if index <= w.done {
		return
	}
	w.done = index
	for target, channels := range w.waiters {
		if target <= index {
			for _, ch := range channels {
				close(ch)
			}
			delete(w.waiters, target)
		}
	}
}

// WaitForMark blocks until the applied index reaches target or ctx expires
func (w *watermark) WaitForMark(ctx context.Context, target uint64) error {
	w.mu.Lock()
	if w.done >= target {
		w.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	w.waiters[target] = append(w.waiters[target], ch)
	w.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
