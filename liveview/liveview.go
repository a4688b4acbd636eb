// Package liveview holds matched pairs for a viewer that may come and go.
//
// The buffer is bounded and never blocks: pushing into a full buffer
// releases the oldest pair. While no viewer is attached pairs are released
// on arrival.
package liveview

import (
	"sync"

	"github.com/greendrake/gazecap/frame"
)

type Stats struct {
	Held     int
	Pushed   uint64
	Dropped  uint64 // evicted because the buffer was full
	Inactive uint64 // released because nobody was watching
	Skipped  uint64 // released by PopNewest
}

type Buffer struct {
	mu       sync.Mutex
	pairs    []*frame.Pair
	capacity int
	active   bool
	notify   chan struct{}
	stats    Stats
}

func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{
		pairs:    make([]*frame.Pair, 0, capacity),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
	}
}

// Push takes ownership of p.
func (b *Buffer) Push(p *frame.Pair) {
	if p == nil {
		return
	}
	b.mu.Lock()
	b.stats.Pushed++
	if !b.active {
		b.stats.Inactive++
		b.mu.Unlock()
		p.Release()
		return
	}
	var evicted *frame.Pair
	if len(b.pairs) >= b.capacity {
		evicted = b.pairs[0]
		b.pairs[0] = nil
		b.pairs = b.pairs[1:]
		b.stats.Dropped++
	}
	b.pairs = append(b.pairs, p)
	b.mu.Unlock()
	evicted.Release()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// PopOldest returns the oldest held pair, or nil.
func (b *Buffer) PopOldest() *frame.Pair {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pairs) == 0 {
		return nil
	}
	p := b.pairs[0]
	b.pairs[0] = nil
	b.pairs = b.pairs[1:]
	return p
}

// PopNewest returns the newest held pair and releases all older ones.
func (b *Buffer) PopNewest() *frame.Pair {
	b.mu.Lock()
	n := len(b.pairs)
	if n == 0 {
		b.mu.Unlock()
		return nil
	}
	p := b.pairs[n-1]
	older := b.take()[:n-1]
	b.stats.Skipped += uint64(len(older))
	b.mu.Unlock()
	for _, o := range older {
		o.Release()
	}
	return p
}

// SetActive attaches or detaches the viewer. Detaching releases everything
// held.
func (b *Buffer) SetActive(active bool) {
	b.mu.Lock()
	b.active = active
	var held []*frame.Pair
	if !active {
		held = b.take()
	}
	b.mu.Unlock()
	for _, p := range held {
		p.Release()
	}
}

func (b *Buffer) take() []*frame.Pair {
	held := b.pairs
	b.pairs = make([]*frame.Pair, 0, b.capacity)
	return held
}

func (b *Buffer) Active() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.active
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pairs)
}

// Notify is signalled after every accepted push. Signals coalesce.
func (b *Buffer) Notify() <-chan struct{} {
	return b.notify
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	st := b.stats
	st.Held = len(b.pairs)
	return st
}
