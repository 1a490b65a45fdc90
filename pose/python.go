package pose

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/e7canasta/orion-pose-overlay/capture"
)

// PythonConfig configures a PythonEstimator.
type PythonConfig struct {
	// Command is the worker executable (default "models/run_pose_worker.sh").
	Command string
	// Args are extra arguments appended after --model.
	Args []string
	// ModelPath is passed as --model (required).
	ModelPath string
	// Timeout bounds one request/response round trip (default 2s).
	Timeout time.Duration
	// StopTimeout is how long Close waits for the process after closing
	// stdin before killing it (default 2s).
	StopTimeout time.Duration
}

// PythonEstimator drives a long-lived python worker.
//
// Each request is a 4-byte big-endian length followed by a msgpack map
// {frame_data, width, height, meta: {seq, trace_id, timestamp}} on stdin. The
// worker answers on stdout with {seq, poses, timing, error?}. Replies whose
// seq does not match the pending request are stale and dropped. stderr lines
// are forwarded to slog.
type PythonEstimator struct {
	cfg PythonConfig

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader

	// one request in flight at a time
	mu      sync.Mutex
	lastSeq uint64

	requests  chan []byte
	responses chan response
	dead      chan struct{} // closed when stdout hits EOF or a read error
	readErr   error

	closed    atomic.Bool
	closeOnce sync.Once
	quit      chan struct{} // closed by Close, releases a pending Estimate
	wg        sync.WaitGroup
	exited    chan struct{}

	// Stats
	inferences     atomic.Uint64
	stale          atomic.Uint64
	totalLatencyUS atomic.Uint64
}

// NewPythonEstimator spawns the worker process.
func NewPythonEstimator(cfg PythonConfig) (*PythonEstimator, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("pose: model path is required")
	}
	if cfg.Command == "" {
		cfg.Command = "models/run_pose_worker.sh"
	}

	args := append([]string{"--model", cfg.ModelPath}, cfg.Args...)
	cmd := exec.Command(cfg.Command, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("pose: failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pose: failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("pose: failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("pose: failed to start python worker %q: %w", cfg.Command, err)
	}

	e := newPythonEstimator(cfg, stdin, stdout)
	e.cmd = cmd

	e.wg.Add(1)
	go e.logStderr(stderr)

	go e.waitProcess()

	slog.Info("pose: python worker started",
		"command", cfg.Command,
		"model", cfg.ModelPath,
		"pid", cmd.Process.Pid,
	)
	return e, nil
}

// newPythonEstimator wires the protocol goroutines over arbitrary pipes.
func newPythonEstimator(cfg PythonConfig, stdin io.WriteCloser, stdout io.Reader) *PythonEstimator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}

	e := &PythonEstimator{
		cfg:       cfg,
		stdin:     stdin,
		stdout:    stdout,
		requests:  make(chan []byte),
		responses: make(chan response, 8),
		dead:      make(chan struct{}),
		quit:      make(chan struct{}),
		exited:    make(chan struct{}),
	}

	e.wg.Add(1)
	go e.writeLoop()
	go e.readLoop()

	return e
}

// Estimate sends frame to the worker and waits for the matching reply.
func (e *PythonEstimator) Estimate(ctx context.Context, frame *capture.Frame) ([]Pose, error) {
	if e.closed.Load() {
		return nil, ErrEstimatorClosed
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return nil, ErrEstimatorClosed
	}

	seq := frame.Seq
	if seq <= e.lastSeq {
		seq = e.lastSeq + 1
	}
	e.lastSeq = seq

	fail := func(reason string, err error) error {
		return &ModelError{Backend: "python", Seq: seq, Reason: reason, Err: err}
	}

	var msg bytes.Buffer
	err := writeMessage(&msg, request{
		FrameData: frame.Data,
		Width:     frame.Width,
		Height:    frame.Height,
		Meta: requestMeta{
			Seq:       seq,
			TraceID:   frame.TraceID,
			Timestamp: frame.Timestamp.Format(time.RFC3339Nano),
		},
	})
	if err != nil {
		return nil, fail("encode request", err)
	}

	start := time.Now()
	timer := time.NewTimer(e.cfg.Timeout)
	defer timer.Stop()

	select {
	case e.requests <- msg.Bytes():
	case <-e.quit:
		return nil, ErrEstimatorClosed
	case <-e.dead:
		return nil, fail("worker exited", e.readErr)
	case <-timer.C:
		return nil, fail("stdin write timeout", nil)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for {
		select {
		case resp := <-e.responses:
			if resp.Seq != seq {
				e.stale.Add(1)
				slog.Debug("pose: discarding stale worker reply", "got_seq", resp.Seq, "want_seq", seq)
				continue
			}
			if resp.Error != "" {
				return nil, fail(resp.Error, nil)
			}
			poses, err := toPoses(resp.Poses, 1, 1)
			if err != nil {
				return nil, fail("malformed reply", err)
			}

			elapsed := time.Since(start)
			e.inferences.Add(1)
			e.totalLatencyUS.Add(uint64(elapsed.Microseconds()))
			slog.Debug("pose: inference complete",
				"seq", seq,
				"trace_id", frame.TraceID,
				"poses", len(poses),
				"round_trip_ms", elapsed.Milliseconds(),
				"inference_ms", resp.Timing.InferenceMS,
			)
			return poses, nil

		case <-e.quit:
			return nil, ErrEstimatorClosed
		case <-e.dead:
			return nil, fail("worker exited", e.readErr)
		case <-timer.C:
			return nil, fail(fmt.Sprintf("no reply within %s", e.cfg.Timeout), nil)
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// writeLoop owns stdin so a hung worker never interleaves two messages.
// It closes stdin once Close is called.
func (e *PythonEstimator) writeLoop() {
	defer e.wg.Done()
	defer e.stdin.Close()

	for {
		select {
		case msg := <-e.requests:
			if _, err := e.stdin.Write(msg); err != nil {
				slog.Error("pose: failed to write to python worker stdin", "error", err)
				return
			}
		case <-e.quit:
			return
		}
	}
}

// readLoop decodes replies until stdout closes.
func (e *PythonEstimator) readLoop() {
	defer close(e.dead)

	for {
		var resp response
		if err := readMessage(e.stdout, &resp); err != nil {
			if !errors.Is(err, io.EOF) && !e.closed.Load() {
				slog.Error("pose: failed to read python worker reply",
					"error", err,
					"action", "check python worker logs in stderr",
				)
			}
			e.readErr = err
			return
		}

		select {
		case e.responses <- resp:
		default:
			// nobody is waiting and the buffer is full of stale replies
			e.stale.Add(1)
			slog.Warn("pose: reply buffer full, dropping worker reply", "seq", resp.Seq)
		}
	}
}

// logStderr maps python log levels to slog levels.
func (e *PythonEstimator) logStderr(stderr io.Reader) {
	defer e.wg.Done()

	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			slog.Error("pose: python worker error", "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			slog.Warn("pose: python worker warning", "log", line)
		default:
			slog.Debug("pose: python worker log", "log", line)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Error("pose: error reading python worker stderr", "error", err)
	}
}

// waitProcess reaps the process so it never lingers as a zombie.
func (e *PythonEstimator) waitProcess() {
	defer close(e.exited)

	err := e.cmd.Wait()
	switch {
	case e.closed.Load():
		slog.Debug("pose: python worker exited (shutdown)", "pid", e.cmd.Process.Pid)
	case err != nil:
		slog.Error("pose: python worker exited unexpectedly", "pid", e.cmd.Process.Pid, "error", err)
	default:
		slog.Warn("pose: python worker exited", "pid", e.cmd.Process.Pid)
	}
}

// Close closes stdin, waits up to StopTimeout for the worker to exit and
// kills it otherwise. A pending Estimate returns ErrEstimatorClosed.
// Idempotent.
func (e *PythonEstimator) Close() error {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		slog.Info("pose: stopping python worker")

		// writeLoop closes stdin on quit
		close(e.quit)

		if e.cmd == nil {
			return
		}

		select {
		case <-e.exited:
			slog.Info("pose: python worker stopped cleanly")
		case <-time.After(e.cfg.StopTimeout):
			slog.Warn("pose: python worker stop timeout, force killing process")
			if err := e.cmd.Process.Kill(); err != nil {
				slog.Error("pose: failed to kill python worker", "error", err)
			}
			<-e.exited
		}
		e.wg.Wait()

		slog.Info("pose: python worker stats",
			"inferences", e.inferences.Load(),
			"stale_replies", e.stale.Load(),
			"avg_latency_ms", e.avgLatencyMS(),
		)
	})
	return nil
}

func (e *PythonEstimator) avgLatencyMS() float64 {
	n := e.inferences.Load()
	if n == 0 {
		return 0
	}
	return float64(e.totalLatencyUS.Load()) / float64(n) / 1000
}
