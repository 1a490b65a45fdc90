package config

import (
	"fmt"
	"image"
	"regexp"
	"time"

	"github.com/e7canasta/orion-pose-overlay/render"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills defaults in place
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "pose-overlay"
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ShutdownTimeoutS < 0 {
		return fmt.Errorf("shutdown_timeout_s must be >= 0")
	}
	if cfg.ShutdownTimeoutS == 0 {
		cfg.ShutdownTimeoutS = 5
	}

	if err := validateSource(&cfg.Source); err != nil {
		return fmt.Errorf("source: %w", err)
	}
	if err := validateModel(&cfg.Model); err != nil {
		return fmt.Errorf("model: %w", err)
	}
	if err := validateRender(&cfg.Render); err != nil {
		return fmt.Errorf("render: %w", err)
	}

	// A bad topology aborts startup, never the first frame.
	if _, err := cfg.BuildTopology(); err != nil {
		return fmt.Errorf("topology: %w", err)
	}

	if cfg.Loop.RefreshHz == 0 {
		cfg.Loop.RefreshHz = 60
	}
	if cfg.Loop.RefreshHz < 0 || cfg.Loop.RefreshHz > 1000 {
		return fmt.Errorf("loop.refresh_hz must be in (0, 1000], got %.2f", cfg.Loop.RefreshHz)
	}
	if cfg.Loop.StatsIntervalS <= 0 {
		cfg.Loop.StatsIntervalS = 10
	}

	if cfg.Display.Title == "" {
		cfg.Display.Title = "Pose Overlay"
	}

	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.JPEGQuality == 0 {
		cfg.Server.JPEGQuality = 80
	}
	if cfg.Server.JPEGQuality < 1 || cfg.Server.JPEGQuality > 100 {
		return fmt.Errorf("server.jpeg_quality must be 1-100, got %d", cfg.Server.JPEGQuality)
	}
	if cfg.Server.MaxFPS == 0 {
		cfg.Server.MaxFPS = 15
	}
	if cfg.Server.MaxFPS < 0 {
		return fmt.Errorf("server.max_fps must be >= 0")
	}

	if err := validateMQTT(&cfg.MQTT, cfg.InstanceID); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}

	return nil
}

func validateSource(s *SourceConfig) error {
	if s.Kind == "" {
		s.Kind = "device"
	}
	switch s.Kind {
	case "device":
		if s.Device == "" {
			s.Device = "/dev/video0"
		}
	case "rtsp":
		if s.URL == "" {
			return fmt.Errorf("url is required for kind rtsp")
		}
	case "test", "synthetic":
	default:
		return fmt.Errorf("unknown kind %q (must be device, rtsp, test or synthetic)", s.Kind)
	}

	if (s.Width == 0) != (s.Height == 0) || s.Width < 0 || s.Height < 0 {
		return fmt.Errorf("width and height must both be set or both be 0, got %dx%d", s.Width, s.Height)
	}
	if s.FPS < 0 || s.FPS > 120 {
		return fmt.Errorf("fps must be 0-120, got %.2f", s.FPS)
	}
	if s.OpenTimeoutS <= 0 {
		s.OpenTimeoutS = 10
	}
	if s.MaxReconnects <= 0 {
		s.MaxReconnects = 5
	}
	if s.WarmupDurationS < 0 {
		return fmt.Errorf("warmup_duration_s must be >= 0")
	}
	return nil
}

func validateModel(m *ModelConfig) error {
	if m.Backend == "" {
		m.Backend = "python"
	}
	switch m.Backend {
	case "python":
		if m.ModelPath == "" {
			m.ModelPath = "models/movenet_singlepose_lightning.onnx"
		}
		if m.Command == "" {
			m.Command = "models/run_pose_worker.sh"
		}
	case "http":
		if m.Endpoint == "" {
			return fmt.Errorf("endpoint is required for backend http")
		}
		if m.InputSize == 0 {
			m.InputSize = 256
		}
	case "mock":
		if m.MockDelayMS < 0 {
			return fmt.Errorf("mock_delay_ms must be >= 0")
		}
	default:
		return fmt.Errorf("unknown backend %q (must be python, http or mock)", m.Backend)
	}

	if m.TimeoutMS < 0 {
		return fmt.Errorf("timeout_ms must be >= 0")
	}
	if m.TimeoutMS == 0 {
		m.TimeoutMS = 2000
	}
	return nil
}

func validateRender(r *RenderConfig) error {
	if r.ConfidenceThreshold == nil {
		t := 0.5
		r.ConfidenceThreshold = &t
	}
	if t := *r.ConfidenceThreshold; !(t >= 0 && t <= 1) {
		return fmt.Errorf("confidence_threshold must be in [0,1], got %.3f", *r.ConfidenceThreshold)
	}
	if r.MarkerRadius == 0 {
		r.MarkerRadius = 5
	}
	if r.BoneWidth == 0 {
		r.BoneWidth = 2
	}
	if r.MarkerRadius < 0 || r.BoneWidth < 0 {
		return fmt.Errorf("marker_radius and bone_width must be positive")
	}
	if r.LabelOffset == nil {
		r.LabelOffset = []int{8, -8}
	}
	if len(r.LabelOffset) != 2 {
		return fmt.Errorf("label_offset must be [dx, dy], got %v", r.LabelOffset)
	}
	return nil
}

func validateMQTT(m *MQTTConfig, instanceID string) error {
	if !m.Enabled {
		return nil
	}
	if m.Broker == "" {
		return fmt.Errorf("broker is required when enabled")
	}
	if m.ClientID == "" {
		m.ClientID = instanceID
	}
	if m.TopicPrefix == "" {
		m.TopicPrefix = fmt.Sprintf("care/pose/%s", instanceID)
	}
	if m.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2, got %d", m.QoS)
	}
	if m.MaxRateHz == 0 {
		m.MaxRateHz = 5
	}
	if m.MaxRateHz < 0 {
		return fmt.Errorf("max_rate_hz must be >= 0")
	}
	return nil
}

// RenderOptions converts the validated render section.
func (c *Config) RenderOptions() render.Options {
	opts := render.DefaultOptions()
	opts.DrawLabels = c.Render.DrawLabels
	if c.Render.ConfidenceThreshold != nil {
		opts.ConfidenceThreshold = *c.Render.ConfidenceThreshold
	}
	if c.Render.MarkerRadius > 0 {
		opts.MarkerRadius = c.Render.MarkerRadius
	}
	if c.Render.BoneWidth > 0 {
		opts.BoneWidth = c.Render.BoneWidth
	}
	if len(c.Render.LabelOffset) == 2 {
		opts.LabelOffset = image.Pt(c.Render.LabelOffset[0], c.Render.LabelOffset[1])
	}
	return opts
}

// Warmup returns the fps warm-up duration (0 = skip).
func (c *Config) Warmup() time.Duration {
	return time.Duration(c.Source.WarmupDurationS * float64(time.Second))
}
