package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/e7canasta/orion-pose-overlay/internal/config"
	"github.com/e7canasta/orion-pose-overlay/skeleton"
)

// parseRunFlags returns a fresh run command with args parsed into its flags.
func parseRunFlags(t *testing.T, args ...string) (*cobra.Command, runOptions) {
	t.Helper()
	var o runOptions
	cmd := &cobra.Command{Use: "run"}
	f := cmd.Flags()
	f.StringVar(&o.Source, "source", "", "")
	f.StringVar(&o.Device, "device", "", "")
	f.StringVar(&o.URL, "url", "", "")
	f.StringVar(&o.Backend, "backend", "", "")
	f.StringVar(&o.ModelPath, "model", "", "")
	f.BoolVar(&o.Labels, "labels", false, "")
	f.Float64Var(&o.Threshold, "threshold", 0.5, "")
	f.BoolVar(&o.Window, "window", false, "")
	f.StringVar(&o.HTTPAddr, "http", "", "")
	f.Lookup("http").NoOptDefVal = ":8080"

	if err := f.Parse(args); err != nil {
		t.Fatalf("parse %v: %v", args, err)
	}
	return cmd, o
}

func TestApplyRunFlags(t *testing.T) {
	cmd, o := parseRunFlags(t,
		"--source", "rtsp", "--url", "rtsp://cam/1",
		"--backend", "mock", "--labels", "--threshold", "0.2", "--http")

	cfg := &config.Config{}
	if err := applyRunFlags(cmd, cfg, o); err != nil {
		t.Fatalf("applyRunFlags() error = %v", err)
	}

	if cfg.Source.Kind != "rtsp" || cfg.Source.URL != "rtsp://cam/1" {
		t.Errorf("source = %+v", cfg.Source)
	}
	if cfg.Model.Backend != "mock" {
		t.Errorf("backend = %q", cfg.Model.Backend)
	}
	opts := cfg.RenderOptions()
	if !opts.DrawLabels || opts.ConfidenceThreshold != 0.2 {
		t.Errorf("render options = %+v", opts)
	}
	if !cfg.Server.Enabled || cfg.Server.Addr != ":8080" {
		t.Errorf("server = %+v, want enabled on :8080", cfg.Server)
	}
	if cfg.Display.Window {
		t.Error("window enabled without --window")
	}
}

func TestApplyRunFlags_UnsetFlagsKeepFile(t *testing.T) {
	cfg, err := config.Parse([]byte("render: {confidence_threshold: 0.7}\nsource: {kind: synthetic}"))
	if err != nil {
		t.Fatal(err)
	}
	cmd, o := parseRunFlags(t, "--window")
	if err := applyRunFlags(cmd, cfg, o); err != nil {
		t.Fatal(err)
	}
	if got := cfg.RenderOptions().ConfidenceThreshold; got != 0.7 {
		t.Errorf("threshold = %.2f, want file value 0.7", got)
	}
	if cfg.Source.Kind != "synthetic" || !cfg.Display.Window {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestApplyRunFlags_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"rtsp without url", []string{"--source", "rtsp"}},
		{"threshold out of range", []string{"--threshold", "2"}},
		{"unknown backend", []string{"--backend", "tflite"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, o := parseRunFlags(t, tt.args...)
			if err := applyRunFlags(cmd, &config.Config{}, o); err == nil {
				t.Error("applyRunFlags() error = nil")
			}
		})
	}
}

func TestBuildEstimator_Mock(t *testing.T) {
	est, err := buildEstimator(config.ModelConfig{Backend: "mock"})
	if err != nil {
		t.Fatal(err)
	}
	defer est.Close()

	if _, err := buildEstimator(config.ModelConfig{Backend: "onnx"}); err == nil {
		t.Error("unknown backend accepted")
	}
}

func TestBuildSource_Synthetic(t *testing.T) {
	if _, err := buildSource(config.SourceConfig{Kind: "synthetic", Width: 320, Height: 240}); err != nil {
		t.Fatal(err)
	}
}

func TestPrintTopology(t *testing.T) {
	topo := skeleton.MustNew([]string{"head", "neck", "tail"}, []skeleton.Bone{{A: 0, B: 1}, {A: 1, B: 2}})

	var buf bytes.Buffer
	if err := printTopology(&buf, topo); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	t.Log("\n" + out)

	for _, want := range []string{"INDEX", "head", "tail", "neck (1)", "tail (2)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestSetupLogger(t *testing.T) {
	for _, format := range []string{"json", "text"} {
		if err := setupLogger(format, true); err != nil {
			t.Errorf("setupLogger(%q) error = %v", format, err)
		}
	}
	if err := setupLogger("xml", false); err == nil {
		t.Error("setupLogger(xml) error = nil")
	}
}
