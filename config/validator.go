package config

import (
	"fmt"

	"github.com/greendrake/gazecap/frame"
	"github.com/sirupsen/logrus"
)

// Validate checks cfg and fills in derived defaults.
func Validate(cfg *Config) error {
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}

	switch cfg.Sink {
	case SinkDir:
		if cfg.OutputDir == "" {
			return fmt.Errorf("output_dir is required for the dir sink")
		}
	case SinkSocket:
		if cfg.SocketAddress == "" {
			return fmt.Errorf("socket_address is required for the socket sink")
		}
	default:
		return fmt.Errorf("sink must be %q or %q, got %q", SinkDir, SinkSocket, cfg.Sink)
	}
	if cfg.RotationInterval <= 0 {
		return fmt.Errorf("rotation_interval must be > 0")
	}
	for name, v := range map[string]int{
		"pending_capacity": cfg.PendingCapacity,
		"worker_queue":     cfg.WorkerQueue,
		"writer_queue":     cfg.WriterQueue,
		"live_capacity":    cfg.LiveCapacity,
	} {
		if v <= 0 {
			return fmt.Errorf("%s must be > 0", name)
		}
	}

	if len(cfg.Sources) != frame.NumSources {
		return fmt.Errorf("exactly %d sources are required (eye, scene), got %d", frame.NumSources, len(cfg.Sources))
	}
	for i := range cfg.Sources {
		s := &cfg.Sources[i]
		if s.Name == "" {
			s.Name = frame.SourceID(i).String()
		}
		switch s.Kind {
		case KindRTSP:
			if s.Address == "" {
				return fmt.Errorf("sources[%d]: address is required for rtsp", i)
			}
		case KindWatch, KindReplay:
			if s.Path == "" {
				return fmt.Errorf("sources[%d]: path is required for %s", i, s.Kind)
			}
			if s.Format == "" {
				s.Format = frame.FormatJPEG.String()
			}
			f, ok := frame.ParseFormat(s.Format)
			if !ok {
				return fmt.Errorf("sources[%d]: unknown format %q", i, s.Format)
			}
			if !f.IsCompressed() && (s.Width <= 0 || s.Height <= 0) {
				return fmt.Errorf("sources[%d]: width and height are required for raw %s", i, f)
			}
		default:
			return fmt.Errorf("sources[%d]: kind must be rtsp, watch or replay, got %q", i, s.Kind)
		}
		if s.Kind == KindReplay && s.FPS <= 0 {
			s.FPS = 30
		}
	}

	if cfg.MQTT.Broker != "" && cfg.MQTT.Topic == "" {
		cfg.MQTT.Topic = "gazecap/results"
	}
	return nil
}
