// Package pipeline wires the frame sources, per-source workers, the pair
// synchronizer, the persistence writer and the live view into one running
// unit, and takes it apart again in order.
package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/greendrake/gazecap/camera"
	"github.com/greendrake/gazecap/catalog"
	"github.com/greendrake/gazecap/codec"
	"github.com/greendrake/gazecap/config"
	"github.com/greendrake/gazecap/emitter"
	"github.com/greendrake/gazecap/frame"
	"github.com/greendrake/gazecap/gaze"
	"github.com/greendrake/gazecap/liveview"
	"github.com/greendrake/gazecap/pairing"
	"github.com/greendrake/gazecap/recorder"
	"github.com/greendrake/gazecap/result"
	"github.com/greendrake/gazecap/util"
	"github.com/greendrake/gazecap/webcast"
	"github.com/greendrake/gazecap/worker"
	"github.com/greendrake/server_client_hierarchy"
	"github.com/sirupsen/logrus"
)

// The top node for holding and puppet-mastering both Source nodes and the
// live Caster.
type Pipeline struct {
	server_client_hierarchy.Node
	RunID string

	cfg     *config.Config
	log     *logrus.Entry
	live    *liveview.Buffer
	writer  *recorder.Writer
	sync    *pairing.Synchronizer
	workers [frame.NumSources]*worker.Worker
	sources []*camera.Source
	catalog *catalog.Catalog
	emitter *emitter.MQTTEmitter

	persistErrors atomic.Uint64

	casterMakeMutex sync.Mutex
	caster          *webcast.Caster
	closed          bool
	started         bool

	endOnce sync.Once
	endErr  error
}

type Stats struct {
	RunID   string                         `json:"run_id"`
	Sources []camera.SourceStats           `json:"sources"`
	Workers [frame.NumSources]worker.Stats `json:"workers"`
	Pairing pairing.Stats                  `json:"pairing"`
	Writer  recorder.Stats                 `json:"writer"`
	Persist uint64                         `json:"persist_errors"`
	Live    liveview.Stats                 `json:"live"`
	MQTT    *emitter.Stats                 `json:"mqtt,omitempty"`
}

// New brings every component up and starts the sources. Any failure tears
// down what was already started and comes back as *util.InitError.
func New(ctx context.Context, cfg *config.Config) (*Pipeline, error) {
	makers := make([]camera.MonitorMaker, len(cfg.Sources))
	for i, sc := range cfg.Sources {
		m, err := camera.MakerFor(sc)
		if err != nil {
			return nil, &util.InitError{Component: "source " + sc.Name, Err: err}
		}
		makers[i] = m
	}
	p, err := build(ctx, cfg)
	if err != nil {
		return nil, err
	}
	p.GetNode().ID = "Pipeline " + p.RunID
	p.SetContextWaiter(ctx)
	p.casterMakeMutex.Lock()
	p.started = true
	p.casterMakeMutex.Unlock()
	for i, sc := range cfg.Sources {
		s := camera.NewSource(sc.Name, frame.SourceID(i), makers[i], p.sync)
		s.Init()
		p.sources = append(p.sources, s)
		p.AddClient(s)
	}
	p.log.WithFields(logrus.Fields{
		"eye":   cfg.Sources[frame.SourceA].Name,
		"scene": cfg.Sources[frame.SourceB].Name,
	}).Info("pipeline started")
	return p, nil
}

// build starts everything below the sources: live view, writer, emitter,
// workers and the synchronizer between them.
func build(ctx context.Context, cfg *config.Config) (p *Pipeline, err error) {
	p = &Pipeline{
		RunID: uuid.New().String(),
		cfg:   cfg,
		live:  liveview.New(cfg.LiveCapacity),
	}
	p.log = util.Logger("pipeline").WithField("run", p.RunID)
	defer func() {
		if err != nil {
			p.End()
			p = nil
		}
	}()

	if cfg.CatalogPath != "" {
		if p.catalog, err = catalog.Open(cfg.CatalogPath); err != nil {
			return p, &util.InitError{Component: "catalog", Err: err}
		}
	}

	p.writer = recorder.New(recorder.Options{
		QueueCapacity:    cfg.WriterQueue,
		Timeout:          cfg.WriterTimeout,
		RotationInterval: cfg.RotationInterval,
		OnPartition:      p.onPartition,
	})
	if err = p.writer.Init(p.destination()); err != nil {
		return p, err
	}

	if cfg.MQTT.Broker != "" {
		p.emitter = emitter.NewMQTTEmitter(cfg.MQTT)
		if err = p.emitter.Connect(ctx); err != nil {
			return p, &util.InitError{Component: "emitter", Err: err}
		}
	}

	var dispatch [frame.NumSources]pairing.Dispatcher
	for i, sc := range cfg.Sources {
		if !sc.Analyzed() {
			continue
		}
		src := frame.SourceID(i)
		w, werr := worker.New(worker.Options{
			Name:      sc.Name,
			Source:    src,
			Capacity:  cfg.WorkerQueue,
			Transform: p.transformFor(src),
			Done:      p.onWorkerDone,
		})
		if werr != nil {
			return p, &util.InitError{Component: "worker " + sc.Name, Err: werr}
		}
		p.workers[i] = w
		dispatch[i] = w
	}

	p.sync = pairing.New(pairing.Options{
		Capacity: cfg.PendingCapacity,
		Dispatch: dispatch,
		Persist:  p.persist,
		Handoff:  p.live.Push,
	})
	for _, w := range p.workers {
		if w != nil {
			w.Start()
		}
	}
	return p, nil
}

func (p *Pipeline) destination() recorder.Destination {
	if p.cfg.Sink == config.SinkSocket {
		return recorder.SocketDestination{Address: p.cfg.SocketAddress}
	}
	// one directory per run so partition numbering never collides
	return recorder.DirDestination{Root: filepath.Join(p.cfg.OutputDir, p.RunID)}
}

// transformFor returns the per-source analysis. The eye camera is decoded
// and run through the pupil/glint analyzer; the scene camera is decoded to
// prove it is readable. Both keep their original bytes. A frame that cannot
// be decoded is replaced by a blank one, while a frame the analyzer rejects
// travels on with a failed result.
func (p *Pipeline) transformFor(src frame.SourceID) worker.Transform {
	var (
		dec codec.Decoder = codec.Gray{}
		an  gaze.Analyzer
	)
	if src == frame.SourceA {
		an = gaze.NewDarkPupil(p.cfg.Calibration.Affine)
	}
	return func(in *frame.Sequenced) (*frame.Sequenced, error) {
		start := time.Now()
		gray, err := dec.Decode(in.Frame)
		if err != nil {
			return nil, err
		}
		defer gray.Release()
		res, err := analyze(an, gray)
		if err != nil {
			// the frame decoded and is kept; only its result is a failure
			in.Result = result.Failed(in.Seq, uint8(in.Source), in.Frame.Captured)
			in.Result.Duration = time.Since(start)
			return in, err
		}
		res.Seq = in.Seq
		res.Source = uint8(in.Source)
		res.Captured = in.Frame.Captured
		if res.Duration == 0 {
			res.Duration = time.Since(start)
		}
		in.Result = res
		return in, nil
	}
}

// analyze runs an over gray. Without an analyzer the frame only had to
// decode.
func analyze(an gaze.Analyzer, gray *frame.Frame) (*result.Result, error) {
	if an == nil {
		return &result.Result{Success: true}, nil
	}
	return an.Analyze(gray)
}

func (p *Pipeline) onWorkerDone(src frame.SourceID, item *frame.Sequenced) {
	p.sync.OnWorkerDone(src, item)
}

// persist copies the pair into the writer queue and the MQTT queue. The
// pair itself moves on to the live view untouched.
func (p *Pipeline) persist(pair *frame.Pair) {
	if err := p.writer.AddFramePair(pair); err != nil {
		if n := p.persistErrors.Add(1); util.Every(n, 100) {
			p.log.WithError(err).WithField("seq", pair.Seq).Warn("pair not persisted")
		}
	}
	if p.emitter != nil {
		p.emitter.PublishPair(pair)
	}
}

func (p *Pipeline) onPartition(info recorder.PartitionInfo) {
	p.log.WithFields(logrus.Fields{
		"partition": info.Index,
		"records":   info.Records,
		"bytes":     info.Bytes,
	}).Info("partition closed")
	if p.catalog == nil {
		return
	}
	if _, err := p.catalog.Add(p.RunID, info); err != nil {
		p.log.WithError(err).Error("cannot index partition")
	}
}

// Caster returns the live caster, making one on demand, and keeps the live
// view active while it exists. It is nil once the pipeline is shutting down.
func (p *Pipeline) Caster() *webcast.Caster {
	p.casterMakeMutex.Lock()
	defer p.casterMakeMutex.Unlock()
	if p.closed || !p.started {
		return nil
	}
	if p.caster == nil {
		c := webcast.NewCaster(p.live)
		c.GetNode().ID = "Caster [" + p.RunID + "]"
		// the live view holds pairs only while someone is watching
		c.On("stop", func(args ...any) {
			p.casterMakeMutex.Lock()
			if p.caster == c {
				p.caster = nil
				p.live.SetActive(false)
			}
			p.casterMakeMutex.Unlock()
		})
		p.live.SetActive(true)
		p.caster = c
		p.AddClient(c)
	}
	return p.caster
}

func (p *Pipeline) Partitions(limit int) (any, error) {
	if p.catalog == nil {
		return []catalog.Partition{}, nil
	}
	return p.catalog.List(p.RunID, limit)
}

func (p *Pipeline) Stats() any {
	return p.stats()
}

func (p *Pipeline) stats() Stats {
	st := Stats{
		RunID:   p.RunID,
		Persist: p.persistErrors.Load(),
		Live:    p.live.Stats(),
	}
	for _, s := range p.sources {
		st.Sources = append(st.Sources, s.Stats())
	}
	for i, w := range p.workers {
		if w != nil {
			st.Workers[i] = w.Stats()
		}
	}
	if p.sync != nil {
		st.Pairing = p.sync.Stats()
	}
	if p.writer != nil {
		st.Writer = p.writer.Stats()
	}
	if p.emitter != nil {
		m := p.emitter.Stats()
		st.MQTT = &m
	}
	return st
}

// End shuts the pipeline down front to back: sources, workers, the pending
// table, the writer (which drains its queue), the live view, the MQTT queue
// and finally the catalog. It returns the writer's fatal error, if any.
func (p *Pipeline) End() error {
	p.endOnce.Do(func() {
		p.casterMakeMutex.Lock()
		p.closed = true
		started := p.started
		p.casterMakeMutex.Unlock()
		if started {
			p.Stop()
			p.Wait()
		}
		for _, w := range p.workers {
			if w != nil {
				w.End()
			}
		}
		if p.sync != nil {
			p.sync.Close()
		}
		if p.writer != nil {
			p.endErr = p.writer.End()
		}
		p.live.SetActive(false)
		if p.emitter != nil {
			p.emitter.Close()
		}
		if p.catalog != nil {
			if err := p.catalog.Close(); err != nil {
				p.log.WithError(err).Warn("closing catalog")
			}
		}
		st := p.stats()
		p.log.WithFields(logrus.Fields{
			"completed":      st.Pairing.Completed,
			"evicted":        st.Pairing.Evicted,
			"written":        st.Writer.Written,
			"writer_dropped": st.Writer.Dropped,
		}).Info("pipeline ended")
	})
	return p.endErr
}
