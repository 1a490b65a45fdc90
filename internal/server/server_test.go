package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/e7canasta/orion-pose-overlay/internal/preview"
	"github.com/e7canasta/orion-pose-overlay/loop"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStatus struct {
	state atomic.Int32
	stats loop.Stats
}

func (f *fakeStatus) State() loop.State { return loop.State(f.state.Load()) }
func (f *fakeStatus) Stats() loop.Stats { return f.stats }

func newFake(state loop.State) *fakeStatus {
	f := &fakeStatus{stats: loop.Stats{Cycles: 42, Overlays: 40}}
	f.state.Store(int32(state))
	return f
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestLiveness(t *testing.T) {
	s := New(Config{}, newFake(loop.StateStopped), nil)

	w := get(t, s.Handler(), "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "alive" {
		t.Errorf("body = %v", body)
	}
}

func TestReadiness(t *testing.T) {
	tests := []struct {
		state    loop.State
		wantCode int
	}{
		{loop.StateUninitialized, http.StatusServiceUnavailable},
		{loop.StateAwaitingCapture, http.StatusServiceUnavailable},
		{loop.StateReady, http.StatusOK},
		{loop.StateDetecting, http.StatusOK},
		{loop.StateRendering, http.StatusOK},
		{loop.StateStopped, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			s := New(Config{InstanceID: "bed-1"}, newFake(tt.state), nil)
			w := get(t, s.Handler(), "/readiness")
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}

			var h HealthStatus
			if err := json.Unmarshal(w.Body.Bytes(), &h); err != nil {
				t.Fatal(err)
			}
			if h.State != tt.state.String() || h.InstanceID != "bed-1" {
				t.Errorf("health = %+v", h)
			}
		})
	}
}

func TestReadiness_MQTTDegraded(t *testing.T) {
	s := New(Config{MQTTConnected: func() bool { return false }}, newFake(loop.StateReady), nil)

	w := get(t, s.Handler(), "/readiness")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (degraded is still ready)", w.Code)
	}
	var h HealthStatus
	json.Unmarshal(w.Body.Bytes(), &h)
	if h.Status != "degraded" || h.MQTTConnected == nil || *h.MQTTConnected {
		t.Errorf("health = %+v, want degraded with mqtt_connected=false", h)
	}
}

func TestStats(t *testing.T) {
	bus := preview.NewBus()
	defer bus.Close()
	bus.Publish(preview.Frame{Seq: 1, Data: []byte{0xff, 0xd8}})

	s := New(Config{}, newFake(loop.StateReady), bus)
	w := get(t, s.Handler(), "/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var body struct {
		Loop    loop.Stats    `json:"loop"`
		Preview preview.Stats `json:"preview"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Loop.Cycles != 42 || body.Preview.TotalPublished != 1 {
		t.Errorf("stats = %+v", body)
	}
}

func TestSnapshot(t *testing.T) {
	bus := preview.NewBus()
	defer bus.Close()
	s := New(Config{}, newFake(loop.StateReady), bus)

	if w := get(t, s.Handler(), "/snapshot.jpg"); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status before first frame = %d, want 503", w.Code)
	}

	jpegBytes := []byte{0xff, 0xd8, 0xff, 0xe0, 1, 2, 3}
	bus.Publish(preview.Frame{Seq: 7, Data: jpegBytes})

	w := get(t, s.Handler(), "/snapshot.jpg")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	if w.Header().Get("X-Frame-Seq") != "7" {
		t.Errorf("X-Frame-Seq = %q, want 7", w.Header().Get("X-Frame-Seq"))
	}
	if !bytes.Equal(w.Body.Bytes(), jpegBytes) {
		t.Error("body differs from published frame")
	}
}

func TestPreviewDisabled(t *testing.T) {
	s := New(Config{}, newFake(loop.StateReady), nil)
	for _, path := range []string{"/snapshot.jpg", "/stream.mjpg"} {
		if w := get(t, s.Handler(), path); w.Code != http.StatusNotFound {
			t.Errorf("%s status = %d, want 404", path, w.Code)
		}
	}
}

func TestMJPEGStream(t *testing.T) {
	bus := preview.NewBus()
	defer bus.Close()
	s := New(Config{}, newFake(loop.StateReady), bus)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		seq := uint64(0)
		ticker := time.NewTicker(5 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				seq++
				bus.Publish(preview.Frame{Seq: seq, Data: []byte{0xff, 0xd8, byte(seq)}})
			}
		}
	}()

	resp, err := http.Get(ts.URL + "/stream.mjpg")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	mediaType, params, err := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if err != nil || mediaType != "multipart/x-mixed-replace" {
		t.Fatalf("Content-Type = %q (%v)", resp.Header.Get("Content-Type"), err)
	}

	mr := multipart.NewReader(resp.Body, params["boundary"])
	for i := 0; i < 3; i++ {
		part, err := mr.NextPart()
		if err != nil {
			t.Fatalf("part %d: %v", i, err)
		}
		if ct := part.Header.Get("Content-Type"); ct != "image/jpeg" {
			t.Errorf("part %d Content-Type = %q", i, ct)
		}
		data, err := io.ReadAll(part)
		if err != nil {
			t.Fatal(err)
		}
		if len(data) != 3 || data[0] != 0xff {
			t.Errorf("part %d = %v", i, data)
		}
		t.Logf("part %d seq=%s", i, part.Header.Get("X-Frame-Seq"))
	}
}

func TestMJPEGStream_HeadersBeforeFirstFrame(t *testing.T) {
	bus := preview.NewBus()
	defer bus.Close()
	s := New(Config{}, newFake(loop.StateReady), bus)

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	client := &http.Client{Timeout: time.Second}
	resp, err := client.Get(ts.URL + "/stream.mjpg")
	if err != nil {
		t.Fatalf("GET /stream.mjpg with no frames published: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "multipart/x-mixed-replace; boundary="+mjpegBoundary {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestShutdown_EndsOpenStreams(t *testing.T) {
	bus := preview.NewBus()
	defer bus.Close()
	s := New(Config{}, newFake(loop.StateReady), bus)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan error, 1)
	go func() { served <- s.http.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/stream.mjpg")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	bodyDone := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, resp.Body)
		bodyDone <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() with a viewer connected error = %v", err)
	}
	t.Logf("shutdown took %s", time.Since(start))

	select {
	case err := <-bodyDone:
		if err != nil {
			t.Errorf("stream body ended with %v, want clean EOF", err)
		}
	case <-time.After(time.Second):
		t.Fatal("stream still open after Shutdown")
	}
	if err := <-served; !errors.Is(err, http.ErrServerClosed) {
		t.Errorf("Serve() error = %v, want ErrServerClosed", err)
	}
}
