package worker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/greendrake/gazecap/frame"
	"github.com/greendrake/gazecap/result"
)

type collector struct {
	mu    sync.Mutex
	items []*frame.Sequenced
	got   chan struct{}
}

func newCollector() *collector {
	return &collector{got: make(chan struct{}, 1000)}
}

func (c *collector) done(src frame.SourceID, item *frame.Sequenced) {
	c.mu.Lock()
	c.items = append(c.items, item)
	c.mu.Unlock()
	c.got <- struct{}{}
}

func (c *collector) wait(t *testing.T, n int) []*frame.Sequenced {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-c.got:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for completion %d/%d", i+1, n)
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*frame.Sequenced(nil), c.items...)
}

func item(seq uint32, released *int32) *frame.Sequenced {
	f := frame.NewView([]byte{byte(seq)}, frame.Meta{Width: 1, Height: 1}).Clone()
	if released != nil {
		f.OnRelease(func(*frame.Frame) { atomic.AddInt32(released, 1) })
	}
	return &frame.Sequenced{Frame: f, Source: frame.SourceA, Seq: seq}
}

func analyzeOK(in *frame.Sequenced) (*frame.Sequenced, error) {
	in.Result = &result.Result{Seq: in.Seq, Success: true}
	return in, nil
}

func TestWorkerProcessesInOrder(t *testing.T) {
	c := newCollector()
	w, err := New(Options{Capacity: 8, Transform: analyzeOK, Done: c.done})
	if err != nil {
		t.Fatal(err)
	}
	w.Start()
	defer w.End()
	for i := uint32(1); i <= 5; i++ {
		if !w.Add(item(i, nil)) {
			t.Fatalf("Add(%d) refused", i)
		}
	}
	items := c.wait(t, 5)
	for i, it := range items {
		if it.Seq != uint32(i+1) || it.Result == nil || !it.Result.Success {
			t.Fatalf("item %d: %+v", i, it)
		}
		it.Release()
	}
}

func TestWorkerBackpressure(t *testing.T) {
	const capacity = 3
	var released int32
	c := newCollector()
	w, _ := New(Options{Capacity: capacity, Transform: analyzeOK, Done: c.done})
	// not started: nothing is popped
	accepted := 0
	for i := uint32(1); i <= capacity+1; i++ {
		if w.Add(item(i, &released)) {
			accepted++
		}
	}
	if accepted != capacity {
		t.Fatalf("accepted %d, expected %d", accepted, capacity)
	}
	if s := w.Stats(); s.Dropped != 1 || s.Queued != capacity {
		t.Fatalf("stats %+v", s)
	}
	if released != 1 {
		t.Fatalf("dropped item should be released by Add, released=%d", released)
	}
	if w.IsSpace() {
		t.Fatal("IsSpace() true on a full queue")
	}
	w.Start()
	items := c.wait(t, capacity)
	for i, it := range items {
		if it.Seq != uint32(i+1) {
			t.Fatalf("FIFO violated: position %d has seq %d", i, it.Seq)
		}
		it.Release()
	}
	w.End()
	if released != capacity+1 {
		t.Fatalf("released=%d, expected %d", released, capacity+1)
	}
}

func TestWorkerTransformFailureKeepsSequence(t *testing.T) {
	var released int32
	c := newCollector()
	failing := func(in *frame.Sequenced) (*frame.Sequenced, error) {
		if in.Seq == 2 {
			return nil, errors.New("corrupt jpeg")
		}
		if in.Seq == 3 {
			panic("decoder blew up")
		}
		return analyzeOK(in)
	}
	w, _ := New(Options{Source: frame.SourceA, Capacity: 8, Transform: failing, Done: c.done})
	w.Start()
	for i := uint32(1); i <= 4; i++ {
		w.Add(item(i, &released))
	}
	items := c.wait(t, 4)
	w.End()
	for i, it := range items {
		seq := uint32(i + 1)
		if it.Seq != seq {
			t.Fatalf("sequence gap: got %d want %d", it.Seq, seq)
		}
		failed := seq == 2 || seq == 3
		if failed != !it.Result.Success {
			t.Errorf("seq %d success=%v", seq, it.Result.Success)
		}
		if failed && !it.Frame.IsBlank() {
			t.Errorf("seq %d should carry a blank frame", seq)
		}
		it.Release()
	}
	if released != 4 {
		t.Fatalf("released=%d, expected 4", released)
	}
	if s := w.Stats(); s.Failed != 2 || s.Processed != 4 {
		t.Fatalf("stats %+v", s)
	}
}

func TestWorkerEndIsLive(t *testing.T) {
	block := make(chan struct{})
	var released int32
	slow := func(in *frame.Sequenced) (*frame.Sequenced, error) {
		<-block
		return in, nil
	}
	var done int32
	w, _ := New(Options{Capacity: 4, Transform: slow, Done: func(_ frame.SourceID, it *frame.Sequenced) {
		atomic.AddInt32(&done, 1)
		it.Release()
	}})
	w.Start()
	for i := uint32(1); i <= 5; i++ {
		w.Add(item(i, &released))
	}
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(block)
	}()
	ended := make(chan struct{})
	go func() { w.End(); close(ended) }()
	select {
	case <-ended:
	case <-time.After(2 * time.Second):
		t.Fatal("End() did not return")
	}
	if released != 5 {
		t.Fatalf("every item must be released exactly once, got %d", released)
	}
}

func TestWorkerEndOnEmptyQueue(t *testing.T) {
	w, _ := New(Options{Capacity: 1, Transform: analyzeOK, Done: func(frame.SourceID, *frame.Sequenced) {}})
	w.Start()
	time.Sleep(5 * time.Millisecond)
	ended := make(chan struct{})
	go func() { w.End(); close(ended) }()
	select {
	case <-ended:
	case <-time.After(time.Second):
		t.Fatal("End() blocked on an idle worker")
	}
	w.End()
}

func TestNewRequiresTransform(t *testing.T) {
	if _, err := New(Options{}); !errors.Is(err, ErrNoTransform) {
		t.Fatalf("expected ErrNoTransform, got %v", err)
	}
}
