// Package bus fans durable appends and state changes out across server
// instances. A single-instance deployment runs on the in-process LocalBus;
// multi-instance deployments share a redis pub/sub channel. All event
// delivery flows through the bus exactly once: a publication reaches the
// local subscribers directly and peer instances over redis, where the
// instance id in the envelope drops the publisher's own echo.
package bus

import (
	"context"
	"sync"

	"github.com/devzarr/devzarr/types"
)

// Bus is the change feed. Publish delivers to every subscriber, local and
// remote, exactly once each.
type Bus interface {
	Publish(ctx context.Context, event *types.Event) error
	// Subscribe registers a callback for every published event, no matter
	// which instance published it. It returns a cancellation func; after it
	// returns the callback is never invoked again.
	Subscribe(onEvent func(*types.Event)) (func(), error)
	Close() error
}

// LocalBus is the in-process implementation.
type LocalBus struct {
	mu     sync.RWMutex
	nextId int
	subs   map[int]func(*types.Event)
	closed bool
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[int]func(*types.Event))}
}

func (b *LocalBus) Publish(ctx context.Context, event *types.Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil
	}
	for _, sub := range b.subs {
		sub(event)
	}
	return nil
}

func (b *LocalBus) Subscribe(onEvent func(*types.Event)) (func(), error) {
	b.mu.Lock()
	id := b.nextId
	b.nextId++
	b.subs[id] = onEvent
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}, nil
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[int]func(*types.Event))
	b.mu.Unlock()
	return nil
}
