package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type SourceKind string

const (
	KindRTSP   SourceKind = "rtsp"
	KindWatch  SourceKind = "watch"
	KindReplay SourceKind = "replay"
)

type SinkKind string

const (
	SinkDir    SinkKind = "dir"
	SinkSocket SinkKind = "socket"
)

type Config struct {
	LogLevel         string        `yaml:"log_level"`
	OutputDir        string        `yaml:"output_dir"`
	RotationInterval time.Duration `yaml:"rotation_interval"`
	Sink             SinkKind      `yaml:"sink"`
	SocketAddress    string        `yaml:"socket_address"`
	PendingCapacity  int           `yaml:"pending_capacity"`
	WorkerQueue      int           `yaml:"worker_queue"`
	WriterQueue      int           `yaml:"writer_queue"`
	WriterTimeout    time.Duration `yaml:"writer_timeout"`
	LiveCapacity     int           `yaml:"live_capacity"`
	HTTPAddr         string        `yaml:"http_addr"`
	CatalogPath      string        `yaml:"catalog_path"`
	MQTT             MQTTConfig    `yaml:"mqtt"`
	// Sources[0] is the eye camera, Sources[1] the scene camera.
	Sources     []SourceConfig    `yaml:"sources"`
	Calibration CalibrationConfig `yaml:"calibration"`
}

type SourceConfig struct {
	Name    string     `yaml:"name"`
	Kind    SourceKind `yaml:"kind"`
	Address string     `yaml:"address"` // rtsp URL
	Path    string     `yaml:"path"`    // watched or replayed directory
	FPS     float64    `yaml:"fps"`     // replay pacing
	Loop    bool       `yaml:"loop"`    // replay from the start when done
	Format  string     `yaml:"format"`  // format of files in Path
	Width   int        `yaml:"width"`   // geometry of raw files in Path
	Height  int        `yaml:"height"`
	Analyze *bool      `yaml:"analyze"` // default true
}

func (s SourceConfig) Analyzed() bool {
	return s.Analyze == nil || *s.Analyze
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
	QoS      byte   `yaml:"qos"`
}

// CalibrationConfig paths are handed to the analysis side untouched.
type CalibrationConfig struct {
	Eye    string     `yaml:"eye"`
	Scene  string     `yaml:"scene"`
	Affine [6]float64 `yaml:"affine"`
}

func Default() *Config {
	return &Config{
		LogLevel:         "info",
		OutputDir:        "recordings",
		RotationInterval: 10 * time.Minute,
		Sink:             SinkDir,
		PendingCapacity:  32,
		WorkerQueue:      4,
		WriterQueue:      256,
		WriterTimeout:    200 * time.Millisecond,
		LiveCapacity:     8,
		MQTT:             MQTTConfig{Topic: "gazecap/results", ClientID: "gazecap"},
	}
}

// Load reads the YAML file at path over the defaults, then applies .env and
// GAZECAP_* overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	// a missing .env is normal
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}
	cfg.ApplyEnv()
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) ApplyEnv() {
	c.OutputDir = getEnv("GAZECAP_OUTPUT_DIR", c.OutputDir)
	c.HTTPAddr = getEnv("GAZECAP_HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = getEnv("GAZECAP_LOG_LEVEL", c.LogLevel)
	c.SocketAddress = getEnv("GAZECAP_SOCKET_ADDRESS", c.SocketAddress)
	c.MQTT.Broker = getEnv("GAZECAP_MQTT_BROKER", c.MQTT.Broker)
	c.PendingCapacity = getEnvAsInt("GAZECAP_PENDING_CAPACITY", c.PendingCapacity)
	c.WriterQueue = getEnvAsInt("GAZECAP_WRITER_QUEUE", c.WriterQueue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}
