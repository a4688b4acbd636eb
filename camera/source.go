package camera

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/greendrake/gazecap/frame"
	"github.com/greendrake/gazecap/util"
	"github.com/greendrake/server_client_hierarchy"
	"github.com/sirupsen/logrus"
)

const retryDelay = time.Second

// Ingester is the pipeline side of a source. It only borrows the view.
type Ingester interface {
	Ingest(src frame.SourceID, v frame.View) bool
}

// Source is a client Node of the pipeline apex that pulls frames from its
// monitor and ingests them. The monitor is reopened whenever it fails; a
// monitor that runs out of frames (io.EOF) stops the source.
type Source struct {
	server_client_hierarchy.Node
	Name        string
	ID          frame.SourceID
	makeMonitor MonitorMaker
	sink        Ingester
	log         *logrus.Entry

	monitor          Monitor
	monitorMakeMutex sync.Mutex

	frames   atomic.Uint64
	accepted atomic.Uint64
	failures atomic.Uint64
}

type SourceStats struct {
	Frames   uint64
	Accepted uint64
	Failures uint64
}

func NewSource(name string, id frame.SourceID, maker MonitorMaker, sink Ingester) *Source {
	return &Source{
		Name:        name,
		ID:          id,
		makeMonitor: maker,
		sink:        sink,
		log:         util.Logger("source").WithFields(logrus.Fields{"source": name, "id": id.String()}),
	}
}

func (s *Source) Init() {
	// Stays up with no clients of its own; it is stopped by the pipeline.
	s.SetPrincipallyClient(true)
	s.GetNode().ID = "Source [" + s.Name + "]"
	s.SetTask(func(ch chan bool) {
		defer s.stopMonitor()
		for {
			select {
			case <-ch:
				return
			case <-s.Node.Ctx.Done():
				<-ch
				return
			default:
				if err := s.step(s.Node.Ctx); errors.Is(err, io.EOF) {
					s.log.Info("source exhausted")
					go s.Stop()
					<-ch
					return
				}
			}
		}
	})
}

// step moves one frame from the monitor into the pipeline, opening the
// monitor first if needed. Failures are logged and paced by retryDelay.
func (s *Source) step(ctx context.Context) error {
	if !s.ensureMonitor(ctx) {
		return nil
	}
	f, err := s.monitor.GetFrame()
	if err != nil {
		s.stopMonitor()
		if errors.Is(err, io.EOF) {
			return err
		}
		if ctx.Err() == nil {
			s.failures.Add(1)
			s.log.WithError(err).Warn("monitor failed, reopening")
			util.SleepCtx(ctx, retryDelay)
		}
		return err
	}
	s.frames.Add(1)
	if s.sink.Ingest(s.ID, f.View()) {
		s.accepted.Add(1)
	}
	f.Release()
	return nil
}

func (s *Source) ensureMonitor(ctx context.Context) bool {
	s.monitorMakeMutex.Lock()
	defer s.monitorMakeMutex.Unlock()
	if s.monitor != nil {
		return true
	}
	m, err := s.makeMonitor(ctx)
	if err != nil {
		s.failures.Add(1)
		s.log.WithError(err).Warnf("cannot open monitor, retrying in %v", retryDelay)
		util.SleepCtx(ctx, retryDelay)
		return false
	}
	s.monitor = m
	s.log.Info("monitor opened")
	return true
}

func (s *Source) stopMonitor() {
	s.monitorMakeMutex.Lock()
	defer s.monitorMakeMutex.Unlock()
	if s.monitor != nil {
		m := s.monitor
		s.monitor = nil
		m.ShutDown()
	}
}

func (s *Source) Stats() SourceStats {
	return SourceStats{
		Frames:   s.frames.Load(),
		Accepted: s.accepted.Load(),
		Failures: s.failures.Load(),
	}
}
