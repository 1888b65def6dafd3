// Package config loads the coordinator configuration: embedded defaults
// overridden field by field from $CONF_DIR/config.yaml.
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed config.default.yaml
var defaultYAML []byte

// Data holds the serialisable coordinator configuration.
type Data struct {
	Listen        string `yaml:"listen"`
	DBPath        string `yaml:"db_path"`
	StaticDir     string `yaml:"static_dir"`
	PingInterval  string `yaml:"ping_interval"`
	OutboundQueue int    `yaml:"outbound_queue"`
	RequeueAfter  string `yaml:"requeue_after"`
}

// Load reads config.yaml from confDir on top of the embedded defaults.
// A missing file is not an error; the defaults apply as-is.
func Load(confDir string) (Data, error) {
	var d Data
	if err := yaml.Unmarshal(defaultYAML, &d); err != nil {
		return Data{}, fmt.Errorf("embedded defaults: %w", err)
	}

	raw, err := os.ReadFile(filepath.Join(confDir, "config.yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return d, nil
		}
		return Data{}, err
	}
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return Data{}, fmt.Errorf("config.yaml: %w", err)
	}
	return d, nil
}

// PingEvery returns the parsed ping cadence, defaulting to 5s.
func (d Data) PingEvery() time.Duration {
	return parseDuration(d.PingInterval, 5*time.Second)
}

// RequeueEvery returns the parsed stale-job requeue cutoff.
// Zero means the requeue sweep is disabled.
func (d Data) RequeueEvery() time.Duration {
	return parseDuration(d.RequeueAfter, 0)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}
