// Copyright 2026 Blink Labs Software
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

type ctxKey string

const configContextKey ctxKey = "attest.config"

const (
	DefaultShutdownTimeout    = "30s"
	DefaultPurgeRetryInterval = "5s"
	// StdinEventLog reads the event log from standard input
	StdinEventLog = "-"
)

func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configContextKey, cfg)
}

func FromContext(ctx context.Context) *Config {
	cfg, ok := ctx.Value(configContextKey).(*Config)
	if !ok {
		return nil
	}
	return cfg
}

type tempConfig struct {
	Config *Config `yaml:"config,omitempty"`
}

type Config struct {
	Network            string   `yaml:"network"`
	BindAddr           string   `yaml:"bindAddr"           split_words:"true"`
	HistoryPath        string   `yaml:"historyPath"        split_words:"true"`
	EventLog           string   `yaml:"eventLog"           split_words:"true"`
	PurgeRetryInterval string   `yaml:"purgeRetryInterval" split_words:"true"`
	ShutdownTimeout    string   `yaml:"shutdownTimeout"    split_words:"true"`
	Validators         []string `yaml:"validators"`
	QuorumThreshold    int      `yaml:"quorumThreshold"    split_words:"true"`
	EventQueueSize     int      `yaml:"eventQueueSize"     split_words:"true"`
	// Attempts before a retryable event is dropped
	EventRetries  int  `yaml:"eventRetries"  split_words:"true"`
	MetricsPort   uint `yaml:"metricsPort"   split_words:"true"`
	History       bool `yaml:"history"`
	Tracing       bool `yaml:"tracing"`
	TracingStdout bool `yaml:"tracingStdout" split_words:"true"`
}

func defaultConfig() *Config {
	return &Config{
		Network:            "preview",
		BindAddr:           "0.0.0.0",
		MetricsPort:        12799,
		History:            true,
		HistoryPath:        ".attest",
		EventLog:           "",
		PurgeRetryInterval: DefaultPurgeRetryInterval,
		ShutdownTimeout:    DefaultShutdownTimeout,
		QuorumThreshold:    1,
		EventQueueSize:     256,
		EventRetries:       8,
	}
}

var globalConfig = defaultConfig()

// LoadConfig builds the configuration from defaults, the config file and
// then the environment, in that order of precedence.
func LoadConfig(configFile string) (*Config, error) {
	cfg := defaultConfig()
	// Load config file as YAML if provided
	if configFile == "" {
		// Check for config file in this path: ~/.attest/attest.yaml
		if homeDir, err := os.UserHomeDir(); err == nil {
			userPath := filepath.Join(homeDir, ".attest", "attest.yaml")
			if _, err := os.Stat(userPath); err == nil {
				configFile = userPath
			}
		}

		// Try to check for /etc/attest/attest.yaml if still not found
		if configFile == "" {
			systemPath := "/etc/attest/attest.yaml"
			if _, err := os.Stat(systemPath); err == nil {
				configFile = systemPath
			}
		}
	}

	if configFile != "" {
		buf, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		var tempCfg tempConfig
		if err := yaml.Unmarshal(buf, &tempCfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
		if tempCfg.Config != nil {
			// Overlay config values onto existing defaults
			configBytes, err := yaml.Marshal(tempCfg.Config)
			if err != nil {
				return nil, fmt.Errorf("error re-marshalling config: %w", err)
			}
			if err := yaml.Unmarshal(configBytes, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config section: %w", err)
			}
		} else {
			if err := yaml.Unmarshal(buf, cfg); err != nil {
				return nil, fmt.Errorf("error parsing config file: %w", err)
			}
		}
	}
	// Process environment variables
	if err := envconfig.Process("attest", cfg); err != nil {
		return nil, fmt.Errorf("error processing environment: %+w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	globalConfig = cfg
	return globalConfig, nil
}

func GetConfig() *Config {
	return globalConfig
}

// Validate checks values that cannot be caught by the YAML or environment
// decoders
func (c *Config) Validate() error {
	if c.Network == "" {
		return errors.New("network must be set")
	}
	if _, err := c.PurgeRetryDuration(); err != nil {
		return err
	}
	if _, err := c.ShutdownDuration(); err != nil {
		return err
	}
	if len(c.Validators) > 0 &&
		(c.QuorumThreshold < 1 || c.QuorumThreshold > len(c.Validators)) {
		return fmt.Errorf(
			"invalid quorumThreshold %d for %d validators",
			c.QuorumThreshold,
			len(c.Validators),
		)
	}
	if c.EventQueueSize < 1 {
		return fmt.Errorf("invalid eventQueueSize: %d", c.EventQueueSize)
	}
	if c.EventRetries < 0 {
		return fmt.Errorf("invalid eventRetries: %d", c.EventRetries)
	}
	return nil
}

// PurgeRetryDuration returns the parsed purge retry interval. An empty
// value disables retries.
func (c *Config) PurgeRetryDuration() (time.Duration, error) {
	if c.PurgeRetryInterval == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.PurgeRetryInterval)
	if err != nil {
		return 0, fmt.Errorf("invalid purge retry interval: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid purge retry interval: %s", d)
	}
	return d, nil
}

// ShutdownDuration returns the parsed shutdown timeout
func (c *Config) ShutdownDuration() (time.Duration, error) {
	if c.ShutdownTimeout == "" {
		return time.ParseDuration(DefaultShutdownTimeout)
	}
	d, err := time.ParseDuration(c.ShutdownTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid shutdown timeout: %w", err)
	}
	return d, nil
}
