// Package health publishes periodic operational snapshots to an MQTT
// broker so fleet monitoring can watch camera rates, client counts and
// meta-frame progress without touching the streaming path.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/depthcast/internal/server"
)

// Config configures the emitter.
type Config struct {
	Broker     string
	Topic      string
	InstanceID string
	Interval   time.Duration
}

// Emitter periodically publishes server stats as JSON.
type Emitter struct {
	cfg    Config
	client mqtt.Client
	srv    *server.Server
}

// report is the published document.
type report struct {
	InstanceID string       `json:"instance_id"`
	Uptime     float64      `json:"uptime_s"`
	Stats      server.Stats `json:"stats"`
	Timestamp  string       `json:"timestamp"`
}

// New creates an emitter bound to the given server.
func New(cfg Config, srv *server.Server) *Emitter {
	return &Emitter{cfg: cfg, srv: srv}
}

// Connect establishes the broker connection with automatic reconnection.
func (e *Emitter) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.InstanceID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		slog.Info("health: mqtt connected", "broker", e.cfg.Broker)
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		slog.Warn("health: mqtt connection lost, will auto-reconnect",
			"broker", e.cfg.Broker, "error", err)
	}

	e.client = mqtt.NewClient(opts)
	token := e.client.Connect()
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("health: mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("health: mqtt connect: %w", err)
	}
	return nil
}

// Run publishes one report per interval until ctx is cancelled, then
// disconnects. Publish failures are logged, never fatal.
func (e *Emitter) Run(ctx context.Context) {
	start := time.Now()
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if e.client != nil && e.client.IsConnected() {
				e.client.Disconnect(250)
				slog.Info("health: mqtt disconnected")
			}
			return
		case <-ticker.C:
			e.publish(start)
		}
	}
}

func (e *Emitter) publish(start time.Time) {
	if e.client == nil || !e.client.IsConnected() {
		return
	}

	doc := report{
		InstanceID: e.cfg.InstanceID,
		Uptime:     time.Since(start).Seconds(),
		Stats:      e.srv.Stats(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		slog.Error("health: marshal report", "error", err)
		return
	}

	token := e.client.Publish(e.cfg.Topic, 0, false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		slog.Warn("health: publish timeout", "topic", e.cfg.Topic)
		return
	}
	if err := token.Error(); err != nil {
		slog.Warn("health: publish failed", "topic", e.cfg.Topic, "error", err)
		return
	}
	slog.Debug("health: report published", "topic", e.cfg.Topic, "size", len(payload))
}
