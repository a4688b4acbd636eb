package recorder

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/greendrake/gazecap/frame"
	"github.com/greendrake/gazecap/result"
	"github.com/greendrake/gazecap/wire"
)

func readRecords(t *testing.T, path string) []wire.Record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var out []wire.Record
	rd := wire.NewReader(f)
	for {
		r, err := rd.Next()
		if err == io.EOF {
			return out
		}
		if err != nil {
			t.Fatalf("%s: %v", path, err)
		}
		out = append(out, r)
	}
}

func seqPayload(i int) []byte {
	return binary.LittleEndian.AppendUint32(nil, uint32(i))
}

func TestRotationDurability(t *testing.T) {
	const n = 100
	root := t.TempDir()
	var mu sync.Mutex
	var closed []PartitionInfo
	w := New(Options{
		QueueCapacity:    8,
		Timeout:          5 * time.Second,
		RotationInterval: time.Hour,
		OnPartition: func(p PartitionInfo) {
			mu.Lock()
			closed = append(closed, p)
			mu.Unlock()
		},
	})
	if err := w.Init(DirDestination{Root: root}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < n; i++ {
		if i == n/2 {
			if err := w.Rotate(); err != nil {
				t.Fatal(err)
			}
		}
		if err := w.AddResult(uint32(i), seqPayload(i)); err != nil {
			t.Fatalf("AddResult(%d): %v", i, err)
		}
	}
	if err := w.End(); err != nil {
		t.Fatal(err)
	}

	var got []wire.Record
	for idx := 0; idx < 2; idx++ {
		recs := readRecords(t, filepath.Join(PartitionDir(root, idx), ResultsFile))
		if len(recs) != n/2 {
			t.Errorf("partition %d holds %d records", idx, len(recs))
		}
		got = append(got, recs...)
	}
	if len(got) != n {
		t.Fatalf("%d of %d records survived", len(got), n)
	}
	for i, r := range got {
		if r.Seq != uint32(i) || !bytes.Equal(r.Payload, seqPayload(i)) {
			t.Fatalf("record %d out of order: seq %d", i, r.Seq)
		}
	}
	if len(closed) != 2 || closed[0].Records != n/2 || closed[1].Index != 1 {
		t.Fatalf("partition reports %+v", closed)
	}
	if st := w.Stats(); st.Written != n || st.Rotations != 1 {
		t.Fatalf("stats %+v", st)
	}
}

func testPair(seq uint32) *frame.Pair {
	a := frame.NewView([]byte("AAAA"), frame.Meta{Format: frame.FormatJPEG}).Clone()
	b := frame.NewView([]byte("BB"), frame.Meta{Format: frame.FormatGray8}).Clone()
	return &frame.Pair{Seq: seq, Frames: [frame.NumSources]*frame.Sequenced{
		{Frame: a, Source: frame.SourceA, Seq: seq, Result: &result.Result{Seq: seq, Success: true}},
		{Frame: b, Source: frame.SourceB, Seq: seq},
	}}
}

func TestDirPartitionLayout(t *testing.T) {
	root := t.TempDir()
	w := New(Options{Timeout: time.Second})
	if err := w.Init(DirDestination{Root: root}); err != nil {
		t.Fatal(err)
	}
	for seq := uint32(0); seq < 3; seq++ {
		p := testPair(seq)
		if err := w.AddFramePair(p); err != nil {
			t.Fatal(err)
		}
		// the writer copied; the caller still owns the pair
		if p.Frames[0].Frame.Released() {
			t.Fatal("AddFramePair released a pipeline frame")
		}
		p.Release()
	}
	if err := w.End(); err != nil {
		t.Fatal(err)
	}
	dir := PartitionDir(root, 0)
	a, err := os.ReadFile(filepath.Join(dir, "a.mjpeg"))
	if err != nil || string(a) != "AAAAAAAAAAAA" {
		t.Fatalf("a.mjpeg = %q, %v", a, err)
	}
	b, err := os.ReadFile(filepath.Join(dir, "b.gray8"))
	if err != nil || string(b) != "BBBBBB" {
		t.Fatalf("b.gray8 = %q, %v", b, err)
	}
	recs := readRecords(t, filepath.Join(dir, ResultsFile))
	if len(recs) != 3 {
		t.Fatalf("%d result records", len(recs))
	}
	r, err := result.Unmarshal(recs[2].Payload)
	if err != nil || r.Seq != 2 || !r.Success {
		t.Fatalf("result %+v, %v", r, err)
	}
}

func TestSocketDestinationOrder(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	received := make(chan []wire.Record, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		var recs []wire.Record
		rd := wire.NewReader(conn)
		for {
			r, err := rd.Next()
			if err != nil {
				break
			}
			recs = append(recs, r)
		}
		received <- recs
	}()

	w := New(Options{Timeout: time.Second})
	if err := w.Init(SocketDestination{Address: ln.Addr().String()}); err != nil {
		t.Fatal(err)
	}
	p := testPair(5)
	w.AddFramePair(p)
	p.Release()
	if err := w.End(); err != nil {
		t.Fatal(err)
	}
	select {
	case recs := <-received:
		want := []wire.Type{wire.TypeFrameA, wire.TypeFrameB, wire.TypeResult}
		if len(recs) != len(want) {
			t.Fatalf("got %d records", len(recs))
		}
		for i, r := range recs {
			if r.Type != want[i] || r.Seq != 5 {
				t.Fatalf("record %d: %v seq %d", i, r.Type, r.Seq)
			}
		}
		if frame.Format(recs[0].Format) != frame.FormatJPEG || string(recs[1].Payload) != "BB" {
			t.Fatal("frame records mangled")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer received nothing")
	}
}

type flakyDest struct {
	root    string
	failAt  int
	opened  int
	partErr error
	gate    chan struct{} // when set, the failing open waits on it
}

func (d *flakyDest) Open(index int) (Partition, error) {
	d.opened++
	if index == d.failAt {
		if d.gate != nil {
			<-d.gate
		}
		return nil, errors.New("disk gone")
	}
	p, err := DirDestination{Root: d.root}.Open(index)
	if err != nil || d.partErr == nil {
		return p, err
	}
	return failingPartition{p, d.partErr}, nil
}

type failingPartition struct {
	Partition
	err error
}

func (p failingPartition) Write(...wire.Record) error { return p.err }

func TestRotationFailureStopsWriter(t *testing.T) {
	w := New(Options{Timeout: time.Second})
	if err := w.Init(&flakyDest{root: t.TempDir(), failAt: 1}); err != nil {
		t.Fatal(err)
	}
	w.AddResult(1, []byte("x"))
	w.Rotate()
	deadline := time.Now().Add(2 * time.Second)
	for w.Err() == nil && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if w.Err() == nil {
		t.Fatal("rotation failure did not stop the writer")
	}
	if err := w.AddResult(2, []byte("y")); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
	if err := w.End(); err == nil {
		t.Fatal("End did not report the fatal error")
	}
}

func TestRotationFailureCountsDiscarded(t *testing.T) {
	gate := make(chan struct{})
	w := New(Options{Timeout: time.Second})
	if err := w.Init(&flakyDest{root: t.TempDir(), failAt: 1, gate: gate}); err != nil {
		t.Fatal(err)
	}
	w.Rotate()
	// queued behind the rotation that is about to fail
	for i := 0; i < 3; i++ {
		if err := w.AddResult(uint32(i), []byte("r")); err != nil {
			t.Fatal(err)
		}
	}
	close(gate)
	if err := w.End(); err == nil {
		t.Fatal("End did not report the fatal error")
	}
	if st := w.Stats(); st.Dropped != 3 || st.Written != 0 {
		t.Fatalf("stats %+v", st)
	}
}

func TestInitFailure(t *testing.T) {
	w := New(Options{})
	err := w.Init(&flakyDest{root: t.TempDir(), failAt: 0})
	if err == nil {
		t.Fatal("expected init error")
	}
	if w.End() != nil {
		t.Fatal("End after failed Init should be a no-op")
	}
}

func TestWriteFailureDropsAndCounts(t *testing.T) {
	w := New(Options{Timeout: time.Second})
	if err := w.Init(&flakyDest{root: t.TempDir(), failAt: -1, partErr: errors.New("io")}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		w.AddResult(uint32(i), []byte("r"))
	}
	if err := w.End(); err != nil {
		t.Fatalf("mid-stream failures must not be fatal: %v", err)
	}
	if st := w.Stats(); st.WriteErrors != 5 || st.Written != 0 {
		t.Fatalf("stats %+v", st)
	}
}

// fullDest puts results on /dev/full, where every flush fails with ENOSPC.
type fullDest struct{ dir string }

func (d fullDest) Open(index int) (Partition, error) {
	f, err := os.OpenFile("/dev/full", os.O_WRONLY, 0)
	if err != nil {
		return nil, err
	}
	bf := newBufferedFile(f)
	return &dirPartition{dir: d.dir, results: bf, extra: []*bufferedFile{bf}}, nil
}

func TestBufferedWriteFailureIsCounted(t *testing.T) {
	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("no /dev/full")
	}
	var infos []PartitionInfo
	w := New(Options{Timeout: time.Second, OnPartition: func(p PartitionInfo) { infos = append(infos, p) }})
	if err := w.Init(fullDest{dir: t.TempDir()}); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		w.AddResult(uint32(i), []byte("r"))
	}
	if err := w.End(); err != nil {
		t.Fatal(err)
	}
	if st := w.Stats(); st.Written != 0 || st.WriteErrors != 5 {
		t.Fatalf("stats %+v", st)
	}
	if len(infos) != 1 || infos[0].Records != 0 || infos[0].Bytes != 0 {
		t.Fatalf("partition reports %+v", infos)
	}
}

func TestDirWriteRollsBackFailedJob(t *testing.T) {
	dir := t.TempDir()
	dp, err := DirDestination{Root: dir}.Open(0)
	if err != nil {
		t.Fatal(err)
	}
	p := dp.(*dirPartition)
	a := wire.NewRecord(wire.TypeFrameA, uint32(frame.FormatJPEG), 1, []byte("AAAA"))
	if err := p.Write(a, wire.NewRecord(wire.TypeResult, 0, 1, []byte("r"))); err != nil {
		t.Fatal(err)
	}
	// the unknown record type fails the job after the frame was buffered
	bad := wire.Record{Header: wire.Header{Type: 9}}
	if err := p.Write(a, bad); err == nil {
		t.Fatal("expected an error")
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	got, err := os.ReadFile(filepath.Join(PartitionDir(dir, 0), "a.mjpeg"))
	if err != nil || string(got) != "AAAA" {
		t.Fatalf("a.mjpeg = %q, %v", got, err)
	}
}

func TestSocketRedialsAfterStall(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	conns := make(chan net.Conn, 2)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			conns <- c
		}
	}()
	accept := func() net.Conn {
		select {
		case c := <-conns:
			return c
		case <-time.After(2 * time.Second):
			t.Fatal("no connection")
		}
		return nil
	}

	p, err := SocketDestination{Address: ln.Addr().String(), WriteTimeout: 100 * time.Millisecond}.Open(0)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	stalled := accept()
	defer stalled.Close()

	// far more than the socket buffers hold while nobody reads
	big := wire.NewRecord(wire.TypeFrameA, uint32(frame.FormatJPEG), 1, make([]byte, 32<<20))
	if err := p.Write(big); err == nil {
		t.Fatal("write to a stalled peer succeeded")
	}
	drained := make(chan struct{})
	go func() {
		io.Copy(io.Discard, stalled)
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		t.Fatal("stalled connection was not dropped")
	}

	if err := p.Write(wire.NewRecord(wire.TypeResult, 0, 2, []byte("r"))); err != nil {
		t.Fatalf("write after the stall: %v", err)
	}
	fresh := accept()
	defer fresh.Close()
	fresh.SetReadDeadline(time.Now().Add(2 * time.Second))
	r, err := wire.NewReader(fresh).Next()
	if err != nil || r.Seq != 2 || string(r.Payload) != "r" {
		t.Fatalf("got %+v, %v", r.Header, err)
	}
}

func TestEndLiveness(t *testing.T) {
	for _, fill := range []int{0, 4, 8} {
		w := New(Options{QueueCapacity: 8, Timeout: time.Second, IdleTick: time.Hour, RotationInterval: time.Hour})
		if err := w.Init(DirDestination{Root: t.TempDir()}); err != nil {
			t.Fatal(err)
		}
		for i := 0; i < fill; i++ {
			w.AddResult(uint32(i), []byte("r"))
		}
		done := make(chan struct{})
		go func() { w.End(); close(done) }()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("fill=%d: End blocked", fill)
		}
		if st := w.Stats(); st.Written != uint64(fill) {
			t.Fatalf("fill=%d: wrote %d", fill, st.Written)
		}
	}
}

func TestAddBeforeInit(t *testing.T) {
	w := New(Options{})
	if err := w.AddResult(0, nil); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("got %v", err)
	}
}
