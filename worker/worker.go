// Package worker runs one transform over one source's frames on a dedicated
// goroutine.
package worker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/greendrake/gazecap/frame"
	"github.com/greendrake/gazecap/queue"
	"github.com/greendrake/gazecap/result"
	"github.com/greendrake/gazecap/util"
	"github.com/sirupsen/logrus"
)

// Transform consumes in and returns the item to pass on, usually in itself
// with a Result attached. On error the returned item may be nil; the worker
// then substitutes a blank failed item for the same tick.
type Transform func(in *frame.Sequenced) (*frame.Sequenced, error)

// Done receives every processed item and owns it from then on.
type Done func(src frame.SourceID, item *frame.Sequenced)

type Options struct {
	Name      string
	Source    frame.SourceID
	Capacity  int
	Transform Transform
	Done      Done
}

type Stats struct {
	Queued    int
	Dropped   uint64
	Processed uint64
	Failed    uint64
}

type Worker struct {
	opts      Options
	q         *queue.Bounded[*frame.Sequenced]
	log       *logrus.Entry
	wg        sync.WaitGroup
	startOnce sync.Once
	endOnce   sync.Once
	processed atomic.Uint64
	failed    atomic.Uint64
}

var ErrNoTransform = errors.New("worker: no transform")

func New(opts Options) (*Worker, error) {
	if opts.Transform == nil {
		return nil, ErrNoTransform
	}
	if opts.Done == nil {
		return nil, fmt.Errorf("worker %s: no completion callback", opts.Name)
	}
	if opts.Name == "" {
		opts.Name = "worker-" + opts.Source.String()
	}
	return &Worker{
		opts: opts,
		q:    queue.New[*frame.Sequenced](opts.Capacity),
		log:  util.Logger("worker").WithField("worker", opts.Name),
	}, nil
}

func (w *Worker) Start() {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go w.run()
		w.log.Debug("started")
	})
}

// Add enqueues item without blocking. On false the item has already been
// released and counted as a drop.
func (w *Worker) Add(item *frame.Sequenced) bool {
	if w.q.TryPush(item) {
		return true
	}
	item.Release()
	if n := w.q.Dropped(); util.Every(n, 100) {
		w.log.WithField("dropped", n).Warn("queue full, dropping frame")
	}
	return false
}

// IsSpace reports whether Add would currently be accepted.
func (w *Worker) IsSpace() bool {
	return w.q.Space()
}

// End stops the goroutine and waits for it. Items still queued are released
// without being processed. Safe to call more than once and before Start.
func (w *Worker) End() {
	w.endOnce.Do(func() {
		w.q.Close()
		w.wg.Wait()
		left := w.q.Drain()
		for _, item := range left {
			item.Release()
		}
		w.log.WithField("discarded", len(left)).Debug("ended")
	})
}

func (w *Worker) Stats() Stats {
	return Stats{
		Queued:    w.q.Len(),
		Dropped:   w.q.Dropped(),
		Processed: w.processed.Load(),
		Failed:    w.failed.Load(),
	}
}

func (w *Worker) run() {
	defer w.wg.Done()
	for {
		item, ok := w.q.Pop()
		if !ok {
			return
		}
		out := w.apply(item)
		w.processed.Add(1)
		w.opts.Done(w.opts.Source, out)
	}
}

// apply never lets a transform failure escape: errors and panics both turn
// into a failed item carrying the original source and sequence id.
func (w *Worker) apply(in *frame.Sequenced) (out *frame.Sequenced) {
	src, seq := in.Source, in.Seq
	var meta frame.Meta
	if in.Frame != nil {
		meta = in.Frame.Meta
	}
	defer func() {
		if r := recover(); r != nil {
			w.log.WithField("seq", seq).Errorf("transform panicked: %v", r)
			in.Release()
			w.failed.Add(1)
			out = frame.Failed(src, seq, meta)
		}
	}()
	out, err := w.opts.Transform(in)
	if err != nil {
		w.failed.Add(1)
		w.log.WithField("seq", seq).WithError(err).Warn("transform failed")
		if out == nil {
			in.Release()
			return frame.Failed(src, seq, meta)
		}
		if out.Result == nil {
			out.Result = result.Failed(seq, uint8(src), meta.Captured)
		}
		out.Result.Success = false
	}
	if out == nil {
		in.Release()
		return frame.Failed(src, seq, meta)
	}
	return out
}
