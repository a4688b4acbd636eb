package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sample = `
log_level: debug
output_dir: /var/gazecap
rotation_interval: 5m
writer_timeout: 50ms
sources:
  - name: eye
    kind: rtsp
    address: rtsp://10.0.0.5/0
  - name: scene
    kind: replay
    path: /data/scene
    analyze: false
calibration:
  affine: [1, 0, 5, 0, 1, -5]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RotationInterval != 5*time.Minute || cfg.WriterTimeout != 50*time.Millisecond {
		t.Fatalf("durations %v %v", cfg.RotationInterval, cfg.WriterTimeout)
	}
	if cfg.WriterQueue != 256 || cfg.Sink != SinkDir {
		t.Fatal("defaults not kept")
	}
	eye, scene := cfg.Sources[0], cfg.Sources[1]
	if !eye.Analyzed() || scene.Analyzed() {
		t.Fatal("analyze flags")
	}
	if scene.Format != "jpeg" || scene.FPS != 30 {
		t.Fatalf("replay defaults %+v", scene)
	}
	if cfg.Calibration.Affine[2] != 5 {
		t.Fatalf("affine %v", cfg.Calibration.Affine)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GAZECAP_OUTPUT_DIR", "/tmp/elsewhere")
	t.Setenv("GAZECAP_PENDING_CAPACITY", "64")
	cfg, err := Load(writeConfig(t, sample))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OutputDir != "/tmp/elsewhere" || cfg.PendingCapacity != 64 {
		t.Fatalf("env ignored: %s %d", cfg.OutputDir, cfg.PendingCapacity)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"one source", func(c *Config) { c.Sources = c.Sources[:1] }, "exactly 2 sources"},
		{"bad kind", func(c *Config) { c.Sources[0].Kind = "usb" }, "kind must be"},
		{"rtsp without address", func(c *Config) { c.Sources[0].Address = "" }, "address is required"},
		{"raw without geometry", func(c *Config) { c.Sources[1].Format = "gray8" }, "width and height"},
		{"socket without address", func(c *Config) { c.Sink = SinkSocket }, "socket_address"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"zero queue", func(c *Config) { c.WorkerQueue = 0 }, "worker_queue"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Sources = []SourceConfig{
				{Kind: KindRTSP, Address: "rtsp://cam/0"},
				{Kind: KindWatch, Path: "/drop"},
			}
			tc.mutate(cfg)
			err := Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("got %v, want error containing %q", err, tc.wantErr)
			}
		})
	}
}
