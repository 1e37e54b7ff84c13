package main

import (
	"context"
	"sync"
)

// Broadcaster fans DeviceState snapshots out to subscribers.
//
// Each subscriber owns a 1-slot mailbox. Publishing never blocks: if a subscriber
// has not consumed its previous snapshot, that snapshot is replaced by the newer
// one, so a slow consumer only ever sees the freshest state and never a backlog.
// Fast consumers see every published snapshot in order.
type Broadcaster struct {
	mu     sync.Mutex
	last   DeviceState
	subs   map[uint64]chan DeviceState
	nextID uint64
}

func NewBroadcaster(initial DeviceState) *Broadcaster {
	return &Broadcaster{
		last: initial,
		subs: make(map[uint64]chan DeviceState),
	}
}

// Subscribe registers a subscriber. The channel immediately holds the last
// published snapshot. It is closed once ctx is done.
func (b *Broadcaster) Subscribe(ctx context.Context) <-chan DeviceState {
	ch := make(chan DeviceState, 1)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	ch <- b.last
	b.subs[id] = ch
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.unsubscribe(id)
	}()
	return ch
}

func (b *Broadcaster) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Publish delivers s to every subscriber, latest-wins.
func (b *Broadcaster) Publish(s DeviceState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.last = s
	for _, ch := range b.subs {
		offerLatest(ch, s)
	}
}

// offerLatest puts s into a 1-slot mailbox, evicting an unread older value.
// Callers must hold the lock that makes them the only sender on ch.
func offerLatest(ch chan DeviceState, s DeviceState) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- s
}

// SubscriberCount returns the current number of subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
