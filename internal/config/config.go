// Package config loads and validates the server's YAML configuration.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the complete depthcast configuration.
type Config struct {
	InstanceID   string         `yaml:"instance_id"`
	ListenPortID uint16         `yaml:"listen_port_id"` // default 26000
	Cameras      []CameraConfig `yaml:"cameras"`        // ordered; order fixes sub-stream ids
	MQTT         MQTTConfig     `yaml:"mqtt"`
}

// CameraConfig selects and configures one sensor.
type CameraConfig struct {
	Name         string `yaml:"name"`
	SerialNumber string `yaml:"serial_number"`

	RemoveBackground bool `yaml:"remove_background"`

	// BackgroundFile is the path prefix of a saved background image
	// (the file on disk is <prefix>.background).
	BackgroundFile          string `yaml:"background_file,omitempty"`
	CaptureBackgroundFrames uint32 `yaml:"capture_background_frames"`
	MaxDepth                uint32 `yaml:"max_depth"`
	BackgroundFuzz          int32  `yaml:"background_fuzz"`

	// HighResColor selects 1280×1024 color at 15 Hz instead of 640×480
	// at 30 Hz.
	HighResColor bool `yaml:"high_res_color"`

	// CompressDepth requests RLE/differential depth frames from the
	// sensor.
	CompressDepth bool `yaml:"compress_depth"`
}

// MQTTConfig configures the optional operational-health emitter. An empty
// broker disables it.
type MQTTConfig struct {
	Broker      string `yaml:"broker"`
	HealthTopic string `yaml:"health_topic"`
	IntervalS   int    `yaml:"interval_s"`
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}
