package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/e7canasta/orion-pose-overlay/skeleton"
)

// Config represents the complete pose-overlay configuration
type Config struct {
	InstanceID       string          `yaml:"instance_id"`
	ShutdownTimeoutS int             `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 5)
	Source           SourceConfig    `yaml:"source"`
	Model            ModelConfig     `yaml:"model"`
	Render           RenderConfig    `yaml:"render"`
	Topology         *TopologyConfig `yaml:"topology,omitempty"` // nil = MoveNet 17 keypoints
	Loop             LoopConfig      `yaml:"loop"`
	Display          DisplayConfig   `yaml:"display"`
	Server           ServerConfig    `yaml:"server"`
	MQTT             MQTTConfig      `yaml:"mqtt"`
}

// SourceConfig selects and tunes the frame source
type SourceConfig struct {
	// device, rtsp, test or synthetic
	Kind    string `yaml:"kind"`
	Device  string `yaml:"device"`
	URL     string `yaml:"url"`
	Pattern int    `yaml:"pattern"`
	// 0x0 keeps the camera-reported resolution
	Width  int     `yaml:"width"`
	Height int     `yaml:"height"`
	FPS    float64 `yaml:"fps"`

	OpenTimeoutS    int     `yaml:"open_timeout_s"`
	MaxReconnects   int     `yaml:"max_reconnects"`
	WarmupDurationS float64 `yaml:"warmup_duration_s"` // 0 = skip
}

// ModelConfig selects the pose estimator backend
type ModelConfig struct {
	// python, http or mock
	Backend     string            `yaml:"backend"`
	ModelPath   string            `yaml:"model_path"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Endpoint    string            `yaml:"endpoint"`
	InputSize   int               `yaml:"input_size"`
	Headers     map[string]string `yaml:"headers"`
	TimeoutMS   int               `yaml:"timeout_ms"`
	MockDelayMS int               `yaml:"mock_delay_ms"`
}

// RenderConfig tunes the overlay
type RenderConfig struct {
	DrawLabels          bool     `yaml:"draw_labels"`
	ConfidenceThreshold *float64 `yaml:"confidence_threshold"` // nil = 0.5
	MarkerRadius        int      `yaml:"marker_radius"`
	BoneWidth           int      `yaml:"bone_width"`
	LabelOffset         []int    `yaml:"label_offset"` // [dx, dy]
}

// TopologyConfig defines a custom skeleton
type TopologyConfig struct {
	Keypoints []string `yaml:"keypoints"`
	Bones     [][2]int `yaml:"bones"`
}

// LoopConfig paces the detection-render loop
type LoopConfig struct {
	RefreshHz      float64 `yaml:"refresh_hz"`       // default 60
	StatsIntervalS int     `yaml:"stats_interval_s"` // default 10
}

// DisplayConfig controls the desktop preview window
type DisplayConfig struct {
	Window bool   `yaml:"window"`
	Title  string `yaml:"title"`
}

// ServerConfig controls the HTTP preview and health server
type ServerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Addr        string  `yaml:"addr"`         // default :8080
	JPEGQuality int     `yaml:"jpeg_quality"` // default 80
	MaxFPS      float64 `yaml:"max_fps"`      // default 15
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Broker      string  `yaml:"broker"`
	ClientID    string  `yaml:"client_id"`
	TopicPrefix string  `yaml:"topic_prefix"`
	QoS         byte    `yaml:"qos"`
	MaxRateHz   float64 `yaml:"max_rate_hz"`
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML and validates it.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Default returns a validated configuration for a local camera, the python
// worker and the desktop window.
func Default() *Config {
	cfg := &Config{}
	if err := Validate(cfg); err != nil {
		panic(err)
	}
	return cfg
}

// BuildTopology returns the configured skeleton, or MoveNet when none is set.
func (c *Config) BuildTopology() (*skeleton.Topology, error) {
	if c.Topology == nil {
		return skeleton.MoveNet(), nil
	}
	bones := make([]skeleton.Bone, len(c.Topology.Bones))
	for i, b := range c.Topology.Bones {
		bones[i] = skeleton.Bone{A: b[0], B: b[1]}
	}
	return skeleton.New(c.Topology.Keypoints, bones)
}

// ShutdownTimeout as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}
