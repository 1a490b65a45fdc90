// Package telemetry publishes the painted skeleton to MQTT.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-pose-overlay/loop"
)

// Config configures a Publisher.
type Config struct {
	Broker      string // host:port or scheme://host:port
	ClientID    string
	InstanceID  string
	TopicPrefix string
	QoS         byte
	// MaxRateHz caps publishes per second (0 = every overlay).
	MaxRateHz float64
}

// Stats contains publisher statistics
type Stats struct {
	Connected bool   `json:"connected"`
	Published uint64 `json:"published"`
	Throttled uint64 `json:"throttled"`
	Dropped   uint64 `json:"dropped"`
	Errors    uint64 `json:"errors"`
}

// Publisher sends a pose_keypoints message for painted overlays.
//
// Observe runs on the loop goroutine and never blocks: it rate-limits,
// encodes and hands the payload to a sender goroutine through a one-slot
// mailbox. A payload still waiting when the next one arrives is replaced.
type Publisher struct {
	cfg      Config
	client   mqtt.Client
	topic    string
	interval time.Duration
	last     time.Time

	pending chan []byte
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	connected atomic.Bool
	published atomic.Uint64
	throttled atomic.Uint64
	dropped   atomic.Uint64
	errors    atomic.Uint64
}

// NewPublisher validates cfg and prepares the client. Call Connect before use.
func NewPublisher(cfg Config) (*Publisher, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("telemetry: mqtt broker is required")
	}
	broker := cfg.Broker
	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	p := newPublisher(cfg, nil)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		p.connected.Store(true)
		slog.Info("telemetry: mqtt connection established",
			"broker", broker,
			"client_id", cfg.ClientID,
			"auto_reconnect", "enabled")
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		p.connected.Store(false)
		slog.Warn("telemetry: mqtt connection lost, will auto-reconnect",
			"error", err,
			"broker", broker,
			"max_retry_interval", "30s")
	}

	p.client = mqtt.NewClient(opts)
	return p, nil
}

func newPublisher(cfg Config, client mqtt.Client) *Publisher {
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "care/pose/" + cfg.InstanceID
	}
	p := &Publisher{
		cfg:     cfg,
		client:  client,
		topic:   cfg.TopicPrefix + "/pose_keypoints",
		pending: make(chan []byte, 1),
		done:    make(chan struct{}),
	}
	if cfg.MaxRateHz > 0 {
		p.interval = time.Duration(float64(time.Second) / cfg.MaxRateHz)
	}
	p.wg.Add(1)
	go p.run()
	return p
}

// Topic is the full pose_keypoints topic.
func (p *Publisher) Topic() string { return p.topic }

// Connect establishes the connection to the broker
func (p *Publisher) Connect(ctx context.Context) error {
	slog.Info("telemetry: connecting to mqtt broker", "broker", p.cfg.Broker)

	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("telemetry: mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("telemetry: mqtt connection failed: %w", err)
	}
	p.connected.Store(true)
	return nil
}

// Connected reports the broker connection state.
func (p *Publisher) Connected() bool { return p.connected.Load() }

// Observe is a loop.Observer.
func (p *Publisher) Observe(r loop.CycleReport) {
	if len(r.Visible) == 0 {
		return
	}
	now := time.Now()
	if p.interval > 0 && !p.last.IsZero() && now.Sub(p.last) < p.interval {
		p.throttled.Add(1)
		return
	}
	p.last = now

	payload, err := NewPoseKeypoints(p.cfg.InstanceID, r).ToJSON()
	if err != nil {
		p.errors.Add(1)
		slog.Error("telemetry: failed to marshal pose", "seq", r.Seq, "error", err)
		return
	}

	select {
	case p.pending <- payload:
	default:
		// replace the stale payload with the fresh one
		select {
		case <-p.pending:
			p.dropped.Add(1)
		default:
		}
		select {
		case p.pending <- payload:
		default:
			p.dropped.Add(1)
		}
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return
		case payload := <-p.pending:
			if err := p.publish(payload); err != nil {
				p.errors.Add(1)
				slog.Debug("telemetry: publish failed", "topic", p.topic, "error", err)
			}
		}
	}
}

func (p *Publisher) publish(payload []byte) error {
	if !p.connected.Load() {
		return fmt.Errorf("mqtt not connected")
	}

	token := p.client.Publish(p.topic, p.cfg.QoS, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}

	p.published.Add(1)
	slog.Debug("telemetry: pose published",
		"topic", p.topic,
		"qos", p.cfg.QoS,
		"size", len(payload),
	)
	return nil
}

// Close stops the sender and disconnects. Idempotent.
func (p *Publisher) Close() error {
	p.once.Do(func() {
		close(p.done)
		p.wg.Wait()

		if p.client != nil && p.client.IsConnected() {
			p.client.Disconnect(250) // 250ms grace period
			slog.Info("telemetry: mqtt disconnected", "published", p.published.Load())
		}
		p.connected.Store(false)
	})
	return nil
}

// Stats returns publisher statistics
func (p *Publisher) Stats() Stats {
	return Stats{
		Connected: p.connected.Load(),
		Published: p.published.Load(),
		Throttled: p.throttled.Load(),
		Dropped:   p.dropped.Load(),
		Errors:    p.errors.Load(),
	}
}
