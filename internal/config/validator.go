package config

import (
	"fmt"
	"regexp"
)

var namePattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate checks the configuration and fills defaults in place.
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "depthcast"
	}
	if !namePattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.ListenPortID == 0 {
		cfg.ListenPortID = 26000
	}

	seen := map[string]bool{}
	for i := range cfg.Cameras {
		cam := &cfg.Cameras[i]
		if cam.Name == "" {
			cam.Name = fmt.Sprintf("camera-%d", i)
		}
		if !namePattern.MatchString(cam.Name) {
			return fmt.Errorf("camera %d: name must match pattern [a-z0-9-]+", i)
		}
		if seen[cam.Name] {
			return fmt.Errorf("camera %d: duplicate name %q", i, cam.Name)
		}
		seen[cam.Name] = true

		if cam.SerialNumber == "" {
			return fmt.Errorf("camera %q: serial_number is required", cam.Name)
		}
		if cam.MaxDepth > 0x7ff {
			return fmt.Errorf("camera %q: max_depth %d exceeds the 11-bit range", cam.Name, cam.MaxDepth)
		}
	}

	if cfg.MQTT.Broker != "" {
		if cfg.MQTT.HealthTopic == "" {
			cfg.MQTT.HealthTopic = fmt.Sprintf("depthcast/health/%s", cfg.InstanceID)
		}
		if cfg.MQTT.IntervalS <= 0 {
			cfg.MQTT.IntervalS = 10
		}
	}

	return nil
}
