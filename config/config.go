package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "15m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the server settings.
type Config struct {
	ListenAddr        string   `yaml:"listen_addr"`
	DatabasePath      string   `yaml:"database_path"`
	LivenessThreshold Duration `yaml:"liveness_threshold"`
	DispatchTimeout   Duration `yaml:"dispatch_timeout"`
	SweepInterval     Duration `yaml:"sweep_interval"`
	SweepAfter        Duration `yaml:"sweep_after"`
}

// Default returns the local development configuration.
func Default() Config {
	return Config{
		ListenAddr:        ":8080",
		DatabasePath:      "./data/fleetcontrol.db",
		LivenessThreshold: Duration(30 * time.Minute),
		DispatchTimeout:   Duration(10 * time.Second),
		SweepInterval:     Duration(5 * time.Minute),
		SweepAfter:        Duration(1 * time.Hour),
	}
}

// Load reads a YAML config file over the defaults. A missing file is
// not an error: it returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
