// Package watch turns a drop directory into a frame source: every file
// moved into the directory becomes one frame.
//
// Producers should write elsewhere and rename into the directory so the
// file is complete when its Create event fires.
package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/greendrake/gazecap/frame"
	"github.com/greendrake/gazecap/util"
	"github.com/sirupsen/logrus"
)

var ErrShutDown = errors.New("watch: monitor shut down")

type Options struct {
	Dir     string
	Meta    frame.Meta
	Consume bool // remove each file once read
}

type Monitor struct {
	Ctx     context.Context
	opts    Options
	watcher *fsnotify.Watcher
	log     *logrus.Entry
}

func NewMonitor(ctx context.Context, opts Options) (*Monitor, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = watcher.Add(opts.Dir); err != nil {
		watcher.Close()
		return nil, err
	}
	return &Monitor{
		Ctx:     ctx,
		opts:    opts,
		watcher: watcher,
		log:     util.Logger("watch").WithField("dir", opts.Dir),
	}, nil
}

// GetFrame blocks until the next file lands in the directory.
func (m *Monitor) GetFrame() (*frame.Frame, error) {
	for {
		select {
		case <-m.Ctx.Done():
			return nil, ErrShutDown
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return nil, ErrShutDown
			}
			return nil, err
		case event, ok := <-m.watcher.Events:
			if !ok {
				return nil, ErrShutDown
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			f, err := m.read(event.Name)
			if err != nil {
				// removed already, or a directory
				m.log.WithError(err).Debug("skipping")
				continue
			}
			if f != nil {
				return f, nil
			}
		}
	}
}

func (m *Monitor) read(path string) (*frame.Frame, error) {
	if filepath.Dir(path) != filepath.Clean(m.opts.Dir) {
		return nil, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() || info.Size() == 0 {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if m.opts.Consume {
		os.Remove(path)
	}
	meta := m.opts.Meta
	meta.Captured = info.ModTime()
	if meta.Captured.IsZero() {
		meta.Captured = time.Now()
	}
	return frame.New(data, meta), nil
}

func (m *Monitor) ShutDown() {
	m.watcher.Close()
}
