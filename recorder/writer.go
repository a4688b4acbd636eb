// Package recorder persists matched pairs and result records to rotating
// output partitions from a single background goroutine.
package recorder

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/greendrake/gazecap/frame"
	"github.com/greendrake/gazecap/queue"
	"github.com/greendrake/gazecap/result"
	"github.com/greendrake/gazecap/util"
	"github.com/greendrake/gazecap/wire"
	"github.com/sirupsen/logrus"
)

const (
	DefaultRotationInterval = 10 * time.Minute
	DefaultTimeout          = 200 * time.Millisecond
	defaultIdleTick         = 500 * time.Millisecond
)

var (
	ErrStopped     = errors.New("recorder: writer stopped")
	ErrNotStarted  = errors.New("recorder: writer not initialised")
	ErrInitialised = errors.New("recorder: writer already initialised")
)

// Partition is one rotation period's output target. Write persists its
// records as one unit: when it fails none of them count as written, and the
// partition must still accept the next call.
type Partition interface {
	Write(records ...wire.Record) error
	Close() error
	Path() string
}

// Destination opens partitions by rotation counter.
type Destination interface {
	Open(index int) (Partition, error)
}

type PartitionInfo struct {
	Index   int
	Path    string
	Opened  time.Time
	Closed  time.Time
	Records uint64
	Bytes   uint64
}

type Options struct {
	QueueCapacity    int
	Timeout          time.Duration // how long an add may wait for room
	RotationInterval time.Duration
	IdleTick         time.Duration
	// OnPartition is called from the writer goroutine after a partition is
	// closed.
	OnPartition func(PartitionInfo)
}

// Stats counts records in Written and WriteErrors (lost to I/O errors), and
// jobs in Dropped (refused on a full queue or discarded when the writer
// stopped).
type Stats struct {
	Depth       int
	Written     uint64
	Dropped     uint64
	WriteErrors uint64
	Rotations   uint64
	Partition   int
}

// job is one queue entry. Records of one job are written back to back.
type job struct {
	records []wire.Record
	rotate  bool
}

type Writer struct {
	opts Options
	q    *queue.Bounded[job]
	log  *logrus.Entry
	dest Destination
	wg   sync.WaitGroup

	started atomic.Bool
	endOnce sync.Once

	// owned by the writer goroutine
	part       Partition
	info       PartitionInfo
	counter    int
	failedJobs uint64

	mu  sync.Mutex
	err error

	written     atomic.Uint64
	writeErrors atomic.Uint64
	discarded   atomic.Uint64
	rotations   atomic.Uint64
	partIndex   atomic.Int64
}

func New(opts Options) *Writer {
	if opts.QueueCapacity < 1 {
		opts.QueueCapacity = 256
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RotationInterval <= 0 {
		opts.RotationInterval = DefaultRotationInterval
	}
	if opts.IdleTick <= 0 {
		opts.IdleTick = min(defaultIdleTick, opts.RotationInterval)
	}
	return &Writer{
		opts: opts,
		q:    queue.New[job](opts.QueueCapacity),
		log:  util.Logger("recorder"),
	}
}

// Init opens the first partition and starts the writer goroutine.
func (w *Writer) Init(dest Destination) error {
	if !w.started.CompareAndSwap(false, true) {
		return ErrInitialised
	}
	w.dest = dest
	if err := w.open(); err != nil {
		w.q.Close()
		return &util.InitError{Component: "recorder", Err: err}
	}
	w.wg.Add(1)
	go w.run()
	return nil
}

// AddFramePair copies both frames, and the results they carry, into the
// queue as one unit: A frame, B frame, then results in source order.
func (w *Writer) AddFramePair(p *frame.Pair) error {
	if p == nil {
		return nil
	}
	var records []wire.Record
	for i, s := range p.Frames {
		if s == nil || s.Frame == nil || s.Frame.IsBlank() {
			continue
		}
		t := wire.TypeFrameA
		if frame.SourceID(i) == frame.SourceB {
			t = wire.TypeFrameB
		}
		data := append([]byte(nil), s.Frame.Data()...)
		records = append(records, wire.NewRecord(t, uint32(s.Frame.Format), p.Seq, data))
	}
	for _, s := range p.Frames {
		if s == nil || s.Result == nil {
			continue
		}
		b, err := result.Marshal(s.Result)
		if err != nil {
			w.log.WithError(err).Warn("dropping unserialisable result")
			continue
		}
		records = append(records, wire.NewRecord(wire.TypeResult, uint32(s.Source), p.Seq, b))
	}
	if len(records) == 0 {
		return nil
	}
	return w.push(job{records: records})
}

// AddResult enqueues an already serialised result record. b is copied.
func (w *Writer) AddResult(seq uint32, b []byte) error {
	data := append([]byte(nil), b...)
	return w.push(job{records: []wire.Record{wire.NewRecord(wire.TypeResult, 0, seq, data)}})
}

// Rotate asks for a new partition once everything queued before it is
// written.
func (w *Writer) Rotate() error {
	return w.push(job{rotate: true})
}

func (w *Writer) push(j job) error {
	if !w.started.Load() {
		return ErrNotStarted
	}
	if err := w.Err(); err != nil {
		return ErrStopped
	}
	err := w.q.PushTimeout(w.opts.Timeout, j)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, queue.ErrClosed):
		return ErrStopped
	case errors.Is(err, queue.ErrTimeout):
		if n := w.q.Dropped(); util.Every(n, 50) {
			w.log.WithFields(logrus.Fields{"dropped": n, "depth": w.q.Len()}).Warn("writer queue full, dropping records")
		}
	}
	return err
}

func (w *Writer) BufferDepth() int {
	return w.q.Len()
}

// Err returns the error that stopped the writer goroutine, if any.
func (w *Writer) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *Writer) Stats() Stats {
	return Stats{
		Depth:       w.q.Len(),
		Written:     w.written.Load(),
		Dropped:     w.q.Dropped() + w.discarded.Load(),
		WriteErrors: w.writeErrors.Load(),
		Rotations:   w.rotations.Load(),
		Partition:   int(w.partIndex.Load()),
	}
}

// End stops intake, writes everything still queued, closes the current
// partition and joins the goroutine. It returns the fatal error, if the
// writer had one.
func (w *Writer) End() error {
	w.endOnce.Do(func() {
		w.q.Close()
		w.wg.Wait()
	})
	return w.Err()
}

func (w *Writer) run() {
	defer w.wg.Done()
	for {
		batch, ok := w.q.DrainWait(w.opts.IdleTick)
		for i, j := range batch {
			if j.rotate {
				if err := w.rotate(); err != nil {
					w.fail(err, batch[i+1:])
					return
				}
				continue
			}
			w.write(j.records)
		}
		if !ok {
			w.closePartition()
			return
		}
		if time.Since(w.info.Opened) >= w.opts.RotationInterval {
			if err := w.rotate(); err != nil {
				w.fail(err, nil)
				return
			}
		}
	}
}

func (w *Writer) write(records []wire.Record) {
	if err := w.part.Write(records...); err != nil {
		n := w.writeErrors.Add(uint64(len(records)))
		if w.failedJobs++; util.Every(w.failedJobs, 20) {
			w.log.WithFields(logrus.Fields{"seq": records[0].Seq, "records": len(records), "errors": n}).WithError(err).Error("write failed, records dropped")
		}
		return
	}
	w.written.Add(uint64(len(records)))
	w.info.Records += uint64(len(records))
	for _, r := range records {
		w.info.Bytes += uint64(r.Len())
	}
}

func (w *Writer) open() error {
	p, err := w.dest.Open(w.counter)
	if err != nil {
		return fmt.Errorf("open partition %d: %w", w.counter, err)
	}
	w.part = p
	w.info = PartitionInfo{Index: w.counter, Path: p.Path(), Opened: time.Now()}
	w.partIndex.Store(int64(w.counter))
	w.log.WithFields(logrus.Fields{"partition": w.counter, "path": p.Path()}).Info("partition opened")
	w.counter++
	return nil
}

func (w *Writer) closePartition() {
	if w.part == nil {
		return
	}
	if err := w.part.Close(); err != nil {
		w.writeErrors.Add(1)
		w.log.WithError(err).WithField("path", w.part.Path()).Error("closing partition")
	}
	w.part = nil
	w.info.Closed = time.Now()
	if w.opts.OnPartition != nil {
		w.opts.OnPartition(w.info)
	}
}

func (w *Writer) rotate() error {
	w.closePartition()
	if err := w.open(); err != nil {
		return err
	}
	w.rotations.Add(1)
	return nil
}

// fail stops the writer for good. The rest of the current batch and
// whatever is still queued are discarded and counted as dropped.
func (w *Writer) fail(err error, rest []job) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
	w.q.Close()
	var n uint64
	for _, j := range append(rest, w.q.Drain()...) {
		if !j.rotate {
			n++
		}
	}
	w.discarded.Add(n)
	w.log.WithError(err).WithField("discarded", n).Error("writer stopped")
}
