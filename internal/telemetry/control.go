package telemetry

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Command is a control message received on {prefix}/control.
type Command struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params,omitempty"`
}

// Response is published on {prefix}/status for every command.
type Response struct {
	CommandAck string `json:"command_ack"`
	Status     string `json:"status"`
	Data       any    `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// ControlCallbacks are invoked from the control goroutine.
type ControlCallbacks struct {
	OnGetStatus func() any
	OnShutdown  func()
}

// Control answers get_status and shutdown commands over the publisher's
// MQTT connection.
type Control struct {
	client      mqtt.Client
	topic       string
	statusTopic string
	qos         byte
	callbacks   ControlCallbacks

	commands chan Command
	done     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewControl shares p's client. Call Start after Connect.
func NewControl(p *Publisher, callbacks ControlCallbacks) *Control {
	return &Control{
		client:      p.client,
		topic:       p.cfg.TopicPrefix + "/control",
		statusTopic: p.cfg.TopicPrefix + "/status",
		qos:         p.cfg.QoS,
		callbacks:   callbacks,
		commands:    make(chan Command, 10),
		done:        make(chan struct{}),
	}
}

// Start subscribes to the control topic and starts processing commands.
func (c *Control) Start() error {
	slog.Info("telemetry: subscribing to control topic", "topic", c.topic, "qos", c.qos)

	token := c.client.Subscribe(c.topic, c.qos, c.messageHandler)
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("telemetry: control subscription timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("telemetry: control subscription failed: %w", err)
	}

	c.wg.Add(1)
	go c.processCommands()
	return nil
}

// Stop unsubscribes and waits for the command goroutine. Idempotent.
func (c *Control) Stop() {
	c.once.Do(func() {
		if c.client.IsConnected() {
			c.client.Unsubscribe(c.topic).WaitTimeout(time.Second)
		}
		close(c.done)
		c.wg.Wait()
		slog.Info("telemetry: control handler stopped")
	})
}

func (c *Control) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	var cmd Command
	if err := json.Unmarshal(msg.Payload(), &cmd); err != nil {
		slog.Error("telemetry: failed to parse control command", "error", err)
		c.sendResponse(Response{CommandAck: "unknown", Status: "error", Error: "invalid JSON"})
		return
	}

	slog.Info("telemetry: control command received", "command", cmd.Command)

	select {
	case c.commands <- cmd:
	default:
		slog.Warn("telemetry: command queue full, dropping command", "command", cmd.Command)
	}
}

func (c *Control) processCommands() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case cmd := <-c.commands:
			c.handleCommand(cmd)
		}
	}
}

func (c *Control) handleCommand(cmd Command) {
	resp := Response{CommandAck: cmd.Command}

	switch cmd.Command {
	case "get_status":
		if c.callbacks.OnGetStatus == nil {
			resp.Status = "error"
			resp.Error = "get_status not available"
			break
		}
		resp.Status = "success"
		resp.Data = c.callbacks.OnGetStatus()

	case "shutdown":
		if c.callbacks.OnShutdown == nil {
			resp.Status = "error"
			resp.Error = "shutdown not available"
			break
		}
		slog.Warn("telemetry: shutdown command received via mqtt")
		resp.Status = "success"
		resp.Data = map[string]any{"shutdown_initiated": true}
		// acknowledge before stopping
		c.sendResponse(resp)
		c.callbacks.OnShutdown()
		return

	default:
		resp.Status = "error"
		resp.Error = fmt.Sprintf("unknown command: %s", cmd.Command)
	}

	c.sendResponse(resp)
}

func (c *Control) sendResponse(resp Response) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)

	payload, err := json.Marshal(resp)
	if err != nil {
		slog.Error("telemetry: failed to marshal response", "error", err)
		return
	}

	token := c.client.Publish(c.statusTopic, c.qos, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Error("telemetry: response publish timeout")
		return
	}
	if err := token.Error(); err != nil {
		slog.Error("telemetry: failed to publish response", "error", err)
		return
	}

	slog.Debug("telemetry: response sent", "command_ack", resp.CommandAck, "status", resp.Status)
}
