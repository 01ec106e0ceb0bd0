// Package inproc delivers run progress events to in-process subscribers.
package inproc

import (
	"sync"

	"playlistgen/internal/domain"
)

// Bus fans stage events out to subscribers keyed by run id. Publishing never
// blocks: a full or missing subscriber queue drops the event, since progress
// notifications are advisory.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.StageEvent
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.StageEvent),
		buffer: buffer,
	}
}

// Subscribe returns the event channel for the given run, creating it when
// needed. The channel closes on Unsubscribe.
func (b *Bus) Subscribe(runID string) <-chan domain.StageEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[runID]; ok {
		return ch
	}
	ch := make(chan domain.StageEvent, b.buffer)
	b.subs[runID] = ch
	return ch
}

func (b *Bus) Unsubscribe(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[runID]
	if !ok {
		return
	}
	delete(b.subs, runID)
	close(ch)
}

func (b *Bus) Publish(event domain.StageEvent) {
	// The lock is held across the send: Unsubscribe closes the channel under
	// the write lock, so the send can never race the close.
	b.mu.RLock()
	defer b.mu.RUnlock()

	ch, ok := b.subs[event.RunID]
	if !ok {
		return
	}
	select {
	case ch <- event:
	default:
	}
}
