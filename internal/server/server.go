// Package server exposes health, stats and the live overlay preview over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/e7canasta/orion-pose-overlay/internal/preview"
	"github.com/e7canasta/orion-pose-overlay/loop"
)

// StatusProvider is implemented by *loop.Loop.
type StatusProvider interface {
	State() loop.State
	Stats() loop.Stats
}

// Config configures the HTTP server.
type Config struct {
	Addr       string
	InstanceID string
	// MQTTConnected, if set, is reported by /readiness.
	MQTTConnected func() bool
}

// HealthStatus is the /readiness body.
type HealthStatus struct {
	Status        string `json:"status"` // healthy, degraded, unhealthy
	InstanceID    string `json:"instance_id"`
	State         string `json:"state"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	MQTTConnected *bool  `json:"mqtt_connected,omitempty"`
}

// Server serves:
//
//	GET /health       liveness
//	GET /readiness    200 while the loop is painting, 503 otherwise
//	GET /stats        loop and preview counters
//	GET /snapshot.jpg latest overlay frame
//	GET /stream.mjpg  multipart/x-mixed-replace overlay stream
type Server struct {
	cfg     Config
	status  StatusProvider
	frames  *preview.Bus
	started time.Time
	engine  *gin.Engine
	http    *http.Server

	// closed by Shutdown so streaming handlers return
	done     chan struct{}
	stopOnce sync.Once
}

// New builds the router. frames may be nil, in which case the preview
// endpoints answer 404.
func New(cfg Config, status StatusProvider, frames *preview.Bus) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}

	s := &Server{
		cfg:     cfg,
		status:  status,
		frames:  frames,
		started: time.Now(),
		done:    make(chan struct{}),
	}

	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/health", s.liveness)
	r.GET("/readiness", s.readiness)
	r.GET("/stats", s.stats)
	if frames != nil {
		r.GET("/snapshot.jpg", s.snapshot)
		r.GET("/stream.mjpg", s.mjpeg)
	}

	s.engine = r
	s.http = &http.Server{
		Addr:        cfg.Addr,
		Handler:     r,
		ReadTimeout: 5 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start listens in the background. It does not block.
func (s *Server) Start() {
	slog.Info("server: starting http server",
		"addr", s.cfg.Addr,
		"endpoints", []string{"/health", "/readiness", "/stats", "/snapshot.jpg", "/stream.mjpg"},
	)

	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server: http server failed", "error", err)
		}
	}()
}

// Shutdown ends open MJPEG streams, stops accepting connections and waits
// for handlers, bounded by ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })
	return s.http.Shutdown(ctx)
}

func (s *Server) liveness(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "alive",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// Health derives the readiness status from the loop state.
func (s *Server) Health() HealthStatus {
	state := s.status.State()
	h := HealthStatus{
		Status:        "healthy",
		InstanceID:    s.cfg.InstanceID,
		State:         state.String(),
		UptimeSeconds: int64(time.Since(s.started).Seconds()),
	}
	if s.cfg.MQTTConnected != nil {
		ok := s.cfg.MQTTConnected()
		h.MQTTConnected = &ok
		if !ok {
			h.Status = "degraded"
		}
	}
	if !state.Serving() {
		h.Status = "unhealthy"
	}
	return h
}

func (s *Server) readiness(c *gin.Context) {
	h := s.Health()
	code := http.StatusOK
	if h.Status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, h)
}

func (s *Server) stats(c *gin.Context) {
	body := gin.H{"loop": s.status.Stats()}
	if s.frames != nil {
		body["preview"] = s.frames.Stats()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) snapshot(c *gin.Context) {
	frame, ok := s.frames.Latest()
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no frame rendered yet"})
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Header("X-Frame-Seq", strconv.FormatUint(frame.Seq, 10))
	c.Data(http.StatusOK, "image/jpeg", frame.Data)
}

const mjpegBoundary = "overlayframe"

func (s *Server) mjpeg(c *gin.Context) {
	id := uuid.NewString()
	ch := make(chan preview.Frame, 2)
	if err := s.frames.Subscribe(id, ch); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	defer s.frames.Unsubscribe(id)

	slog.Info("server: mjpeg viewer connected", "viewer_id", id, "remote", c.ClientIP())
	defer slog.Info("server: mjpeg viewer disconnected", "viewer_id", id)

	c.Header("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	c.Header("Cache-Control", "no-store")
	c.Status(http.StatusOK)
	// viewers see the headers before the first frame
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case frame := <-ch:
			if err := writePart(w, frame); err != nil {
				slog.Debug("server: mjpeg write failed", "viewer_id", id, "error", err)
				return false
			}
			return true
		case <-ctx.Done():
			return false
		case <-s.done:
			return false
		}
	})
}

func writePart(w io.Writer, frame preview.Frame) error {
	if _, err := fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\nX-Frame-Seq: %d\r\n\r\n",
		mjpegBoundary, len(frame.Data), frame.Seq); err != nil {
		return err
	}
	if _, err := w.Write(frame.Data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Debug("server: request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
