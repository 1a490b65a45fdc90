package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-pose-overlay/capture"
	"github.com/e7canasta/orion-pose-overlay/internal/config"
	"github.com/e7canasta/orion-pose-overlay/internal/preview"
	"github.com/e7canasta/orion-pose-overlay/internal/server"
	"github.com/e7canasta/orion-pose-overlay/internal/telemetry"
	"github.com/e7canasta/orion-pose-overlay/loop"
	"github.com/e7canasta/orion-pose-overlay/pose"
	"github.com/e7canasta/orion-pose-overlay/render/cvcanvas"
)

// runOptions are the command-line overrides for the config file.
type runOptions struct {
	Source    string
	Device    string
	URL       string
	Backend   string
	ModelPath string
	Labels    bool
	Threshold float64
	Window    bool
	HTTPAddr  string
}

var runOpts runOptions

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Capture, detect and paint the skeleton until interrupted",
	Long: `Opens the configured source, runs the pose model on every frame and paints
markers and bones over it. The overlay goes to a desktop window (--window),
an MJPEG preview over HTTP (--http) and, when enabled in the config file,
an MQTT topic.`,
	Example: `  pose-overlay run --window
  pose-overlay run --source rtsp --url rtsp://10.0.0.5/stream1 --http :8080
  pose-overlay run --source synthetic --backend mock --labels --http`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		if err := applyRunFlags(cmd, cfg, runOpts); err != nil {
			return err
		}
		return runOverlay(cmd.Context(), cfg)
	},
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOpts.Source, "source", "", "Source kind: device, rtsp, test or synthetic")
	f.StringVar(&runOpts.Device, "device", "", "V4L2 device path (source kind device)")
	f.StringVar(&runOpts.URL, "url", "", "Stream URL (source kind rtsp)")
	f.StringVar(&runOpts.Backend, "backend", "", "Model backend: python, http or mock")
	f.StringVar(&runOpts.ModelPath, "model", "", "Model file passed to the python worker")
	f.BoolVar(&runOpts.Labels, "labels", false, "Draw keypoint name labels")
	f.Float64Var(&runOpts.Threshold, "threshold", 0.5, "Confidence threshold in [0,1]")
	f.BoolVar(&runOpts.Window, "window", false, "Show the overlay in a desktop window")
	f.StringVar(&runOpts.HTTPAddr, "http", "", "Serve health and the MJPEG preview on this address")
	f.Lookup("http").NoOptDefVal = ":8080"

	rootCmd.AddCommand(runCmd)
}

// loadConfig reads path, or starts from an empty config when path is empty.
// Validation runs after the flag overrides.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return &config.Config{}, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	slog.Info("configuration loaded", "path", path, "instance_id", cfg.InstanceID)
	return cfg, nil
}

// applyRunFlags copies explicitly set flags over cfg and validates the result.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config, o runOptions) error {
	f := cmd.Flags()
	if f.Changed("source") {
		cfg.Source.Kind = o.Source
	}
	if f.Changed("device") {
		cfg.Source.Device = o.Device
	}
	if f.Changed("url") {
		cfg.Source.URL = o.URL
	}
	if f.Changed("backend") {
		cfg.Model.Backend = o.Backend
	}
	if f.Changed("model") {
		cfg.Model.ModelPath = o.ModelPath
	}
	if f.Changed("labels") {
		cfg.Render.DrawLabels = o.Labels
	}
	if f.Changed("threshold") {
		th := o.Threshold
		cfg.Render.ConfidenceThreshold = &th
	}
	if f.Changed("window") {
		cfg.Display.Window = o.Window
	}
	if f.Changed("http") {
		cfg.Server.Enabled = true
		cfg.Server.Addr = o.HTTPAddr
	}

	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func buildSource(s config.SourceConfig) (capture.Source, error) {
	if s.Kind == "synthetic" {
		return capture.NewSyntheticSource(capture.SyntheticConfig{
			Width:  s.Width,
			Height: s.Height,
			FPS:    s.FPS,
		})
	}
	return capture.NewGstSource(capture.GstConfig{
		Kind:          capture.Kind(s.Kind),
		Device:        s.Device,
		URL:           s.URL,
		Pattern:       s.Pattern,
		Width:         s.Width,
		Height:        s.Height,
		FPS:           s.FPS,
		OpenTimeout:   time.Duration(s.OpenTimeoutS) * time.Second,
		MaxReconnects: s.MaxReconnects,
	})
}

func buildEstimator(m config.ModelConfig) (pose.Estimator, error) {
	timeout := time.Duration(m.TimeoutMS) * time.Millisecond

	switch m.Backend {
	case "python":
		return pose.NewPythonEstimator(pose.PythonConfig{
			Command:   m.Command,
			Args:      m.Args,
			ModelPath: m.ModelPath,
			Timeout:   timeout,
		})
	case "http":
		return pose.NewHTTPEstimator(pose.HTTPConfig{
			Endpoint:  m.Endpoint,
			InputSize: m.InputSize,
			Timeout:   timeout,
			Headers:   m.Headers,
		})
	case "mock":
		return pose.NewMockEstimator(time.Duration(m.MockDelayMS) * time.Millisecond), nil
	default:
		return nil, fmt.Errorf("unknown model backend %q", m.Backend)
	}
}

// runOverlay wires the session and blocks until the loop ends or ctx is
// cancelled, then shuts everything down within the configured timeout.
func runOverlay(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting pose overlay",
		"instance_id", cfg.InstanceID,
		"source", cfg.Source.Kind,
		"backend", cfg.Model.Backend,
		"window", cfg.Display.Window,
		"http", cfg.Server.Enabled,
		"mqtt", cfg.MQTT.Enabled,
	)

	topo, err := cfg.BuildTopology()
	if err != nil {
		return err
	}
	source, err := buildSource(cfg.Source)
	if err != nil {
		return err
	}

	var (
		sinks  []cvcanvas.Sink
		window *cvcanvas.WindowSink
		frames *preview.Bus
	)
	if cfg.Display.Window {
		window = cvcanvas.NewWindowSink(cfg.Display.Title)
		sinks = append(sinks, window)
	}
	if cfg.Server.Enabled {
		frames = preview.NewBus()
		defer frames.Close()

		jpeg, err := cvcanvas.NewJPEGSink(frames, cfg.Server.JPEGQuality, cfg.Server.MaxFPS)
		if err != nil {
			return err
		}
		sinks = append(sinks, jpeg)
	}
	if len(sinks) == 0 && !cfg.MQTT.Enabled {
		slog.Warn("no output configured, the overlay will not be visible (use --window or --http)")
	}

	var (
		pub       *telemetry.Publisher
		mqttReady bool
	)
	if cfg.MQTT.Enabled {
		pub, err = telemetry.NewPublisher(telemetry.Config{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			InstanceID:  cfg.InstanceID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			MaxRateHz:   cfg.MQTT.MaxRateHz,
		})
		if err != nil {
			return err
		}
		defer pub.Close()

		// The client keeps retrying in the background; readiness reports
		// degraded until it connects.
		if err := pub.Connect(ctx); err != nil {
			slog.Warn("mqtt broker not reachable yet, continuing", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			mqttReady = true
		}
	}

	estimator, err := buildEstimator(cfg.Model)
	if err != nil {
		return err
	}

	canvas := cvcanvas.New(sinks...)

	lcfg := loop.Config{
		Source:        source,
		Surface:       canvas,
		Estimator:     estimator,
		Topology:      topo,
		Options:       cfg.RenderOptions(),
		RefreshHz:     cfg.Loop.RefreshHz,
		Warmup:        cfg.Warmup(),
		StatsInterval: time.Duration(cfg.Loop.StatsIntervalS) * time.Second,
	}
	if pub != nil {
		lcfg.Observer = pub.Observe
	}
	l, err := loop.New(lcfg)
	if err != nil {
		estimator.Close()
		canvas.Close()
		return err
	}
	if window != nil {
		window.OnQuit = l.Stop
	}

	// Remote commands need a live subscription; without a broker at
	// startup the session runs without them.
	if mqttReady {
		control := telemetry.NewControl(pub, telemetry.ControlCallbacks{
			OnGetStatus: func() any { return l.Stats() },
			OnShutdown:  l.Stop,
		})
		if err := control.Start(); err != nil {
			slog.Warn("mqtt control plane unavailable", "error", err)
		} else {
			defer control.Stop()
		}
	}

	var srv *server.Server
	if cfg.Server.Enabled {
		scfg := server.Config{Addr: cfg.Server.Addr, InstanceID: cfg.InstanceID}
		if pub != nil {
			scfg.MQTTConnected = pub.Connected
		}
		srv = server.New(scfg, l, frames)
		srv.Start()
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- l.Run(context.Background())
	}()

	// Wait for shutdown signal or the loop to end
	var runErr error
	loopDone := false
	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
		l.Stop()
	case runErr = <-errChan:
		loopDone = true
	}

	shutdownTimeout := cfg.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if !loopDone {
		select {
		case runErr = <-errChan:
			loopDone = true
		case <-shutdownCtx.Done():
			slog.Error("loop did not stop within the shutdown timeout")
		}
	}

	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown failed", "error", err)
		}
	}

	// The canvas belongs to the loop goroutine until Run returns.
	if loopDone {
		if err := canvas.Close(); err != nil {
			slog.Warn("canvas close failed", "error", err)
		}
	}

	if runErr != nil {
		return runErr
	}
	slog.Info("pose overlay stopped", "cycles", l.Stats().Cycles)
	return nil
}
