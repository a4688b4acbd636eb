// Package replay plays a directory of recorded frames back as a live
// source, one file per frame in name order, paced to a fixed frame rate.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/greendrake/gazecap/frame"
	"github.com/greendrake/gazecap/util"
)

var ErrShutDown = errors.New("replay: monitor shut down")

type Options struct {
	Dir  string
	FPS  float64
	Meta frame.Meta // geometry and format of every file
	Loop bool
}

type Monitor struct {
	Ctx   context.Context
	opts  Options
	files []string
	next  int
	pts   *PTS
	due   time.Time
}

func NewMonitor(ctx context.Context, opts Options) (*Monitor, error) {
	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.Type().IsRegular() {
			files = append(files, filepath.Join(opts.Dir, e.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("replay: no files in %s", opts.Dir)
	}
	sort.Strings(files)
	fps := math.Round(opts.FPS)
	if fps < 1 || fps > math.MaxUint8 {
		return nil, fmt.Errorf("replay: fps %v out of range", opts.FPS)
	}
	pts, err := NewPTS(uint8(fps))
	if err != nil {
		return nil, err
	}
	return &Monitor{Ctx: ctx, opts: opts, files: files, pts: pts}, nil
}

// GetFrame waits for the next frame's turn and reads it. It returns io.EOF
// after the last file unless looping.
func (m *Monitor) GetFrame() (*frame.Frame, error) {
	if m.next >= len(m.files) {
		if !m.opts.Loop {
			return nil, io.EOF
		}
		m.next = 0
	}
	now := time.Now()
	if m.due.IsZero() {
		m.due = now
	}
	if wait := m.due.Sub(now); wait > 0 {
		if !util.SleepCtx(m.Ctx, wait) {
			return nil, ErrShutDown
		}
	}
	m.due = m.due.Add(time.Duration(m.pts.Next()) * time.Millisecond)

	path := m.files[m.next]
	m.next++
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	meta := m.opts.Meta
	meta.Captured = time.Now()
	return frame.New(data, meta), nil
}

func (m *Monitor) ShutDown() {}
