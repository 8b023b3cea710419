package engine

import (
	"context"
	"slices"
	"sync"
)

// Watcher delivers change notifications for the message store. Changes are
// coalesced per conversation: however many mutations happen between two Wait
// calls, each changed conversation id is reported once. The rendering layer
// pulls fresh snapshots at its own cadence.
type Watcher struct {
	mu     sync.Mutex
	dirty  map[string]struct{}
	signal chan struct{}
}

func newWatcher() *Watcher {
	return &Watcher{
		dirty:  make(map[string]struct{}),
		signal: make(chan struct{}, 1),
	}
}

func (w *Watcher) mark(conversationID string) {
	w.mu.Lock()
	w.dirty[conversationID] = struct{}{}
	w.mu.Unlock()

	select {
	case w.signal <- struct{}{}:
	default:
	}
}

// Wait blocks until at least one conversation has changed since the last call
// and returns the changed ids, sorted. It returns the context's error if the
// context ends first.
func (w *Watcher) Wait(ctx context.Context) ([]string, error) {
	for {
		w.mu.Lock()
		if len(w.dirty) > 0 {
			ids := make([]string, 0, len(w.dirty))
			for id := range w.dirty {
				ids = append(ids, id)
			}
			clear(w.dirty)
			w.mu.Unlock()
			slices.Sort(ids)
			return ids, nil
		}
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.signal:
		}
	}
}
