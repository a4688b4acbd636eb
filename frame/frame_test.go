package frame

import (
	"bytes"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"
)

func TestReleaseFiresOnce(t *testing.T) {
	var n int
	f := New([]byte{1, 2, 3}, Meta{Format: FormatGray8}).OnRelease(func(*Frame) { n++ })
	f.Release()
	f.Release()
	if n != 1 {
		t.Fatalf("release hook ran %d times, expected 1", n)
	}
	if f.Data() != nil {
		t.Errorf("Data() after release should be nil")
	}
}

func TestViewCloneIsIndependent(t *testing.T) {
	src := []byte("borrowed")
	v := NewView(src, Meta{Width: 8, Height: 1, Format: FormatGray8})
	f := v.Clone()
	src[0] = 'X'
	if !bytes.Equal(f.Data(), []byte("borrowed")) {
		t.Fatalf("clone shares memory with its view: %q", f.Data())
	}
	if f.Width != 8 || f.Format != FormatGray8 {
		t.Errorf("clone lost metadata: %+v", f.Meta)
	}
	f.Release()
}

func TestSequencedReleaseClearsFrame(t *testing.T) {
	var n int
	s := &Sequenced{Frame: New([]byte{1}, Meta{}).OnRelease(func(*Frame) { n++ }), Seq: 4}
	s.Release()
	s.Release()
	if s.Frame != nil || n != 1 {
		t.Fatalf("frame=%v releases=%d", s.Frame, n)
	}
}

// Every frame handed around in random order gets exactly one release, no
// matter how many holders try.
func TestOwnershipExactlyOneRelease(t *testing.T) {
	const frames = 500
	var counts [frames]int32
	pairs := make([]*Pair, 0, frames/2)
	for i := 0; i < frames; i += 2 {
		p := &Pair{Seq: uint32(i)}
		for src := 0; src < NumSources; src++ {
			idx := i + src
			f := NewView([]byte{byte(idx)}, Meta{Captured: time.Now()}).Clone()
			f.OnRelease(func(*Frame) { atomic.AddInt32(&counts[idx], 1) })
			p.Frames[src] = &Sequenced{Frame: f, Source: SourceID(src), Seq: uint32(i)}
		}
		pairs = append(pairs, p)
	}
	r := rand.New(rand.NewSource(1))
	for round := 0; round < 3; round++ {
		r.Shuffle(len(pairs), func(a, b int) { pairs[a], pairs[b] = pairs[b], pairs[a] })
		for _, p := range pairs {
			p.Release()
		}
	}
	for i, c := range counts {
		if c != 1 {
			t.Fatalf("frame %d released %d times", i, c)
		}
	}
}

func TestFailedCarriesSequence(t *testing.T) {
	s := Failed(SourceB, 42, Meta{Width: 640, Height: 480})
	if !s.Frame.IsBlank() || s.Seq != 42 || s.Source != SourceB {
		t.Fatalf("unexpected failed item %+v", s)
	}
	if s.Result == nil || s.Result.Success || s.Result.Seq != 42 {
		t.Fatalf("unexpected failed result %+v", s.Result)
	}
}

func TestParseFormat(t *testing.T) {
	for _, f := range []Format{FormatGray8, FormatJPEG, FormatH265} {
		got, ok := ParseFormat(f.String())
		if !ok || got != f {
			t.Errorf("ParseFormat(%q) = %v, %v", f.String(), got, ok)
		}
	}
	if _, ok := ParseFormat("tiff"); ok {
		t.Errorf("tiff should not parse")
	}
}
