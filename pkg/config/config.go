// Package config loads the agent's YAML configuration file, per spec
// §6: a fixed set of recognized options with defaults, and unknown
// keys rejected at startup rather than silently ignored.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/pulsebeam/pkg/log"
)

// Agent is the agent's recognized configuration, matching spec §6's
// option set exactly.
type Agent struct {
	APIURL                   string   `yaml:"apiUrl"`
	APIKey                   string   `yaml:"apiKey"`
	SamplePeriodSeconds      int      `yaml:"samplePeriodSeconds"`
	NetworkPeriodSeconds     int      `yaml:"networkPeriodSeconds"`
	SuppressionSeconds       int      `yaml:"suppressionSeconds"`
	QueueSoftCap             int      `yaml:"queueSoftCap"`
	QueuePruneThreshold      int      `yaml:"queuePruneThreshold"`
	RetryCeiling             int      `yaml:"retryCeiling"`
	StreamReconnectProbeSec  int      `yaml:"streamReconnectProbeSeconds"`
	HTTPPacingMs             int      `yaml:"httpPacingMs"`
	ApplicationAllowList     []string `yaml:"applicationAllowList"`
}

func (a *Agent) setDefaults() {
	if a.SamplePeriodSeconds == 0 {
		a.SamplePeriodSeconds = 10
	}
	if a.NetworkPeriodSeconds == 0 {
		a.NetworkPeriodSeconds = 30
	}
	if a.SuppressionSeconds == 0 {
		a.SuppressionSeconds = 60
	}
	if a.QueueSoftCap == 0 {
		a.QueueSoftCap = 10000
	}
	if a.QueuePruneThreshold == 0 {
		a.QueuePruneThreshold = 8000
	}
	if a.RetryCeiling == 0 {
		a.RetryCeiling = 10
	}
	if a.StreamReconnectProbeSec == 0 {
		a.StreamReconnectProbeSec = 300
	}
	if a.HTTPPacingMs == 0 {
		a.HTTPPacingMs = 700
	}
}

func (a *Agent) validate() error {
	if a.APIURL == "" {
		return fmt.Errorf("config: apiUrl is required")
	}
	if a.APIKey == "" {
		return fmt.Errorf("config: apiKey is required")
	}
	if a.SamplePeriodSeconds < 1 || a.SamplePeriodSeconds > 300 {
		return fmt.Errorf("config: samplePeriodSeconds must be in [1, 300], got %d", a.SamplePeriodSeconds)
	}
	return nil
}

// SamplePeriod, NetworkPeriod, SuppressionWindow, StreamReconnectProbe,
// and HTTPPacing convert the raw integer fields into time.Duration for
// the packages that consume them.
func (a *Agent) SamplePeriod() time.Duration { return time.Duration(a.SamplePeriodSeconds) * time.Second }
func (a *Agent) NetworkPeriod() time.Duration {
	return time.Duration(a.NetworkPeriodSeconds) * time.Second
}
func (a *Agent) SuppressionWindow() time.Duration {
	return time.Duration(a.SuppressionSeconds) * time.Second
}
func (a *Agent) StreamReconnectProbe() time.Duration {
	return time.Duration(a.StreamReconnectProbeSec) * time.Second
}
func (a *Agent) HTTPPacing() time.Duration { return time.Duration(a.HTTPPacingMs) * time.Millisecond }

// LoadAgent reads and validates the agent config file at path. Unknown
// top-level keys are rejected via yaml.v3's strict decoder, per spec §6.
func LoadAgent(path string) (*Agent, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var cfg Agent
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// WatchAgent reloads the config file on change and calls onChange with
// the new value. A reload that fails validation is logged and ignored,
// leaving the agent running on its last-good configuration rather than
// crashing on a typo in a live edit. The returned stop func closes the
// underlying watcher; callers should defer it.
func WatchAgent(path string, onChange func(*Agent)) (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := LoadAgent(path)
				if err != nil {
					log.Error("config: reload failed, keeping previous configuration: " + err.Error())
					continue
				}
				onChange(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Error("config: watch error: " + err.Error())
			}
		}
	}()

	return func() { w.Close() }, nil
}
