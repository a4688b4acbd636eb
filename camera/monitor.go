package camera

import (
	"context"
	"fmt"

	"github.com/greendrake/gazecap/config"
	"github.com/greendrake/gazecap/frame"
	"github.com/greendrake/gazecap/replay"
	"github.com/greendrake/gazecap/rtsp"
	"github.com/greendrake/gazecap/watch"
)

// Monitor pulls frames from a device, stream or directory. GetFrame hands
// over an owned frame.
type Monitor interface {
	GetFrame() (*frame.Frame, error)
	ShutDown()
}

// MonitorMaker opens a fresh monitor. It is called again after the previous
// one failed.
type MonitorMaker func(ctx context.Context) (Monitor, error)

// MakerFor builds the monitor constructor for one configured source.
func MakerFor(sc config.SourceConfig) (MonitorMaker, error) {
	meta := frame.Meta{Width: sc.Width, Height: sc.Height}
	if sc.Format != "" {
		f, ok := frame.ParseFormat(sc.Format)
		if !ok {
			return nil, fmt.Errorf("source %s: unknown format %q", sc.Name, sc.Format)
		}
		meta.Format = f
		if !f.IsCompressed() {
			meta.BytesPerPixel = bytesPerPixel(f)
		}
	}
	switch sc.Kind {
	case config.KindRTSP:
		return func(ctx context.Context) (Monitor, error) {
			return rtsp.NewMonitor(ctx, sc.Address)
		}, nil
	case config.KindWatch:
		return func(ctx context.Context) (Monitor, error) {
			return watch.NewMonitor(ctx, watch.Options{Dir: sc.Path, Meta: meta, Consume: true})
		}, nil
	case config.KindReplay:
		return func(ctx context.Context) (Monitor, error) {
			return replay.NewMonitor(ctx, replay.Options{Dir: sc.Path, FPS: sc.FPS, Meta: meta, Loop: sc.Loop})
		}, nil
	}
	return nil, fmt.Errorf("source %s: unknown kind %q", sc.Name, sc.Kind)
}

func bytesPerPixel(f frame.Format) int {
	switch f {
	case frame.FormatRGB24, frame.FormatBGR24:
		return 3
	case frame.FormatYUYV:
		return 2
	}
	return 1
}
