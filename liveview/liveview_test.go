package liveview

import (
	"sync/atomic"
	"testing"

	"github.com/greendrake/gazecap/frame"
)

type tracker struct{ released atomic.Int64 }

func (tr *tracker) pair(seq uint32) *frame.Pair {
	p := &frame.Pair{Seq: seq}
	for i := range p.Frames {
		f := frame.NewView([]byte{1}, frame.Meta{}).Clone()
		f.OnRelease(func(*frame.Frame) { tr.released.Add(1) })
		p.Frames[i] = &frame.Sequenced{Frame: f, Source: frame.SourceID(i), Seq: seq}
	}
	return p
}

func TestInactiveReleasesImmediately(t *testing.T) {
	var tr tracker
	b := New(4)
	b.Push(tr.pair(1))
	if b.Len() != 0 || tr.released.Load() != 2 {
		t.Fatalf("len=%d released=%d", b.Len(), tr.released.Load())
	}
}

func TestFullEvictsOldest(t *testing.T) {
	var tr tracker
	b := New(2)
	b.SetActive(true)
	for i := uint32(1); i <= 3; i++ {
		b.Push(tr.pair(i))
	}
	if st := b.Stats(); st.Dropped != 1 || st.Held != 2 {
		t.Fatalf("stats %+v", st)
	}
	if p := b.PopOldest(); p == nil || p.Seq != 2 {
		t.Fatalf("PopOldest = %+v", p)
	} else {
		p.Release()
	}
}

func TestPopNewestDiscardsOlder(t *testing.T) {
	var tr tracker
	b := New(8)
	b.SetActive(true)
	for i := uint32(1); i <= 3; i++ {
		b.Push(tr.pair(i))
	}
	p := b.PopNewest()
	if p == nil || p.Seq != 3 {
		t.Fatalf("PopNewest = %+v", p)
	}
	if q := b.PopOldest(); q != nil {
		t.Fatalf("older pair %d survived", q.Seq)
	}
	if tr.released.Load() != 4 {
		t.Fatalf("released=%d", tr.released.Load())
	}
	p.Release()
}

func TestDetachReleasesEverything(t *testing.T) {
	var tr tracker
	b := New(8)
	b.SetActive(true)
	for i := uint32(0); i < 5; i++ {
		b.Push(tr.pair(i))
	}
	select {
	case <-b.Notify():
	default:
		t.Fatal("no notification after push")
	}
	b.SetActive(false)
	if b.Len() != 0 || tr.released.Load() != 10 || b.Active() {
		t.Fatalf("len=%d released=%d", b.Len(), tr.released.Load())
	}
}
