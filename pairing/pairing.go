// Package pairing reassembles the per-source outputs of the workers into
// matched pairs keyed by sequence id.
//
// Source A allocates ids; source B tags its frames with the most recent id
// A handed out. Each id lives in a pending slot until both sides report,
// after which the pair is persisted and handed off (or retained for
// retrieval when there is no hand-off). The slot table is bounded: a new id
// arriving while it is full evicts the oldest slot, complete or not.
package pairing

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/greendrake/gazecap/frame"
	"github.com/greendrake/gazecap/util"
	"github.com/sirupsen/logrus"
)

var ErrClosed = errors.New("pairing: synchronizer closed")

const allPresent = 1<<frame.NumSources - 1

// Dispatcher is the worker side of a source. worker.Worker satisfies it.
type Dispatcher interface {
	IsSpace() bool
	Add(item *frame.Sequenced) bool
}

type Options struct {
	// Capacity bounds the number of pending slots.
	Capacity int
	// Dispatch holds the worker of each source. A nil entry means the source
	// is not analysed and its frames complete on ingest.
	Dispatch [frame.NumSources]Dispatcher
	// Persist sees every completed pair before hand-off. It must copy what
	// it needs and not keep the pair.
	Persist func(*frame.Pair)
	// Handoff takes ownership of every completed pair. When nil, completed
	// pairs stay in the table for GetOldestComplete / GetNewestComplete.
	Handoff func(*frame.Pair)
}

type Stats struct {
	Ingested      [frame.NumSources]uint64
	IngestDropped [frame.NumSources]uint64
	Completed     uint64
	Duplicates    uint64
	Stale         uint64
	Evicted       uint64
	Discarded     uint64
	Pending       int
}

type slot struct {
	seq      uint32
	items    [frame.NumSources]*frame.Sequenced
	mask     uint8
	complete bool
}

func (sl *slot) release() {
	for i, it := range sl.items {
		it.Release()
		sl.items[i] = nil
	}
}

func (sl *slot) pair() *frame.Pair {
	p := &frame.Pair{Seq: sl.seq, Frames: sl.items}
	sl.items = [frame.NumSources]*frame.Sequenced{}
	return p
}

type Synchronizer struct {
	opts Options
	log  *logrus.Entry

	mu     sync.Mutex
	cond   *sync.Cond
	closed bool
	slots  []*slot // ascending seq
	index  map[uint32]*slot

	// id allocation
	next       uint32
	latest     uint32
	haveLatest bool
	lastB      uint32
	haveLastB  bool

	// ids at or below floor were evicted or discarded; late completions
	// for them are stale
	floor     uint32
	haveFloor bool

	stats Stats
}

func New(opts Options) *Synchronizer {
	if opts.Capacity < 1 {
		opts.Capacity = 1
	}
	s := &Synchronizer{
		opts:  opts,
		log:   util.Logger("pairing"),
		index: make(map[uint32]*slot, opts.Capacity),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Ingest copies v, tags it with a sequence id and dispatches it to the
// source's worker. It never blocks on a worker; false means the frame was
// dropped.
func (s *Synchronizer) Ingest(src frame.SourceID, v frame.View) bool {
	if int(src) >= frame.NumSources {
		return false
	}
	d := s.opts.Dispatch[src]
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	var seq uint32
	switch src {
	case frame.SourceA:
		if d != nil && !d.IsSpace() {
			s.dropLocked(src, "worker busy")
			return false
		}
		seq = s.next
		s.next++
		s.latest, s.haveLatest = seq, true
	default:
		if !s.haveLatest || (s.haveLastB && s.lastB == s.latest) {
			// nothing new from A to pair with
			s.dropLocked(src, "")
			return false
		}
		if d != nil && !d.IsSpace() {
			s.dropLocked(src, "worker busy")
			return false
		}
		seq = s.latest
		s.lastB, s.haveLastB = seq, true
	}
	s.stats.Ingested[src]++
	s.mu.Unlock()

	item := &frame.Sequenced{Frame: v.Clone(), Source: src, Seq: seq}
	if d == nil {
		s.OnWorkerDone(src, item)
		return true
	}
	if !d.Add(item) {
		s.mu.Lock()
		s.stats.IngestDropped[src]++
		s.mu.Unlock()
		return false
	}
	return true
}

// dropLocked counts an ingest drop and unlocks.
func (s *Synchronizer) dropLocked(src frame.SourceID, reason string) {
	s.stats.IngestDropped[src]++
	n := s.stats.IngestDropped[src]
	s.mu.Unlock()
	if reason != "" && util.Every(n, 100) {
		s.log.WithFields(logrus.Fields{"source": src.String(), "dropped": n}).Warn(reason)
	}
}

// OnWorkerDone takes ownership of item and files it under its sequence id.
func (s *Synchronizer) OnWorkerDone(src frame.SourceID, item *frame.Sequenced) {
	if item == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		item.Release()
		return
	}
	if s.haveFloor && item.Seq <= s.floor {
		if _, ok := s.index[item.Seq]; !ok {
			s.stats.Stale++
			s.mu.Unlock()
			item.Release()
			return
		}
	}
	var evicted *slot
	sl, ok := s.index[item.Seq]
	if !ok {
		sl = &slot{seq: item.Seq}
		evicted = s.insertLocked(sl)
	}
	if sl.items[src] != nil {
		s.stats.Duplicates++
		s.mu.Unlock()
		item.Release()
		s.dispose(evicted)
		return
	}
	sl.items[src] = item
	sl.mask |= 1 << src
	if sl.mask != allPresent {
		s.mu.Unlock()
		s.dispose(evicted)
		return
	}
	s.removeLocked(sl)
	s.stats.Completed++
	s.mu.Unlock()
	s.dispose(evicted)

	pair := sl.pair()
	if s.opts.Persist != nil {
		s.opts.Persist(pair)
	}
	if s.opts.Handoff != nil {
		s.opts.Handoff(pair)
		return
	}
	s.retain(pair)
}

func (s *Synchronizer) retain(pair *frame.Pair) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		pair.Release()
		return
	}
	sl := &slot{seq: pair.Seq, items: pair.Frames, mask: allPresent, complete: true}
	evicted := s.insertLocked(sl)
	s.cond.Broadcast()
	s.mu.Unlock()
	s.dispose(evicted)
}

// insertLocked adds sl in seq order, evicting the oldest slot first when the
// table is full. The evicted slot is returned for release outside the lock.
func (s *Synchronizer) insertLocked(sl *slot) *slot {
	var evicted *slot
	if len(s.slots) >= s.opts.Capacity {
		evicted = s.slots[0]
		s.removeLocked(evicted)
		s.raiseFloorLocked(evicted.seq)
		s.stats.Evicted++
	}
	i := sort.Search(len(s.slots), func(i int) bool { return s.slots[i].seq >= sl.seq })
	s.slots = append(s.slots, nil)
	copy(s.slots[i+1:], s.slots[i:])
	s.slots[i] = sl
	s.index[sl.seq] = sl
	return evicted
}

func (s *Synchronizer) removeLocked(sl *slot) {
	for i, x := range s.slots {
		if x == sl {
			copy(s.slots[i:], s.slots[i+1:])
			s.slots[len(s.slots)-1] = nil
			s.slots = s.slots[:len(s.slots)-1]
			break
		}
	}
	delete(s.index, sl.seq)
}

func (s *Synchronizer) raiseFloorLocked(seq uint32) {
	if !s.haveFloor || seq > s.floor {
		s.floor, s.haveFloor = seq, true
	}
}

func (s *Synchronizer) dispose(sl *slot) {
	if sl == nil {
		return
	}
	n := s.Stats().Evicted
	if util.Every(n, 50) {
		s.log.WithFields(logrus.Fields{
			"seq":      sl.seq,
			"complete": sl.complete,
			"evicted":  n,
		}).Warn("pending table full, evicting oldest slot")
	}
	sl.release()
}

// GetOldestComplete pops the oldest complete pair, or returns nil.
func (s *Synchronizer) GetOldestComplete() *frame.Pair {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.oldestLocked()
}

func (s *Synchronizer) oldestLocked() *frame.Pair {
	for _, sl := range s.slots {
		if sl.complete {
			s.removeLocked(sl)
			return sl.pair()
		}
	}
	return nil
}

// GetNewestComplete pops the newest complete pair and releases every slot
// older than it, complete or not.
func (s *Synchronizer) GetNewestComplete() *frame.Pair {
	s.mu.Lock()
	newest := -1
	for i := len(s.slots) - 1; i >= 0; i-- {
		if s.slots[i].complete {
			newest = i
			break
		}
	}
	if newest < 0 {
		s.mu.Unlock()
		return nil
	}
	older := make([]*slot, newest)
	copy(older, s.slots[:newest])
	sl := s.slots[newest]
	for _, o := range older {
		delete(s.index, o.seq)
	}
	delete(s.index, sl.seq)
	s.slots = append(s.slots[:0], s.slots[newest+1:]...)
	if newest > 0 {
		s.raiseFloorLocked(older[len(older)-1].seq)
	}
	s.stats.Discarded += uint64(len(older))
	s.mu.Unlock()

	for _, o := range older {
		o.release()
	}
	return sl.pair()
}

// WaitComplete blocks until a complete pair is available and pops the
// oldest one. It returns ErrClosed after Close and ctx.Err() on cancellation.
func (s *Synchronizer) WaitComplete(ctx context.Context) (*frame.Pair, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if s.closed {
			return nil, ErrClosed
		}
		if p := s.oldestLocked(); p != nil {
			return p, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.cond.Wait()
	}
}

func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Pending = len(s.slots)
	return st
}

// Close releases every held slot and wakes all waiters. Completions that
// arrive afterwards are released on arrival.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	held := s.slots
	s.slots = nil
	clear(s.index)
	s.cond.Broadcast()
	s.mu.Unlock()
	for _, sl := range held {
		sl.release()
	}
	s.log.WithField("released", len(held)).Debug("closed")
}
