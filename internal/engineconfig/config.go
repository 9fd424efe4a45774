// Copyright 2025 Tom Barlow
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

// Package engineconfig loads the engine daemon's structured
// configuration record: store backend, worker pool size, timer
// granularity, default retry policy, SSE heartbeat interval, and
// authentication mode, per the Design Notes of the system this daemon
// implements.
package engineconfig

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/tombee/conductor/pkg/errors"
	"gopkg.in/yaml.v3"
)

// LogConfig configures structured logging, mirroring the shape the
// rest of this codebase's daemon configuration already uses.
type LogConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	AddSource bool   `yaml:"add_source"`
}

// BackendConfig selects and configures the persistence backend.
type BackendConfig struct {
	// Type is "memory" or "sqlite".
	Type       string `yaml:"type"`
	SQLitePath string `yaml:"sqlite_path,omitempty"`
}

// RetryConfig is the default outbound HTTP retry policy webhook steps
// use when a step doesn't override it.
type RetryConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

// ListenConfig configures the HTTP surface.
type ListenConfig struct {
	Addr        string `yaml:"addr"`
	AllowRemote bool   `yaml:"allow_remote"`
}

// AuthConfig selects the authentication mode enforced on the HTTP
// surface. "none" is only valid when Listen.Addr is loopback-bound or
// AllowRemote has been explicitly acknowledged.
type AuthConfig struct {
	Mode string `yaml:"mode"` // "none" or "bearer_token"
	Token string `yaml:"token,omitempty"`
}

// Config is the engine daemon's full configuration record.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Backend BackendConfig `yaml:"backend"`
	Listen  ListenConfig  `yaml:"listen"`
	Auth    AuthConfig    `yaml:"auth"`

	WorkerPoolSize        int           `yaml:"worker_pool_size"`
	TimerTick             time.Duration `yaml:"timer_tick"`
	Retry                 RetryConfig   `yaml:"retry"`
	SSEHeartbeat          time.Duration `yaml:"sse_heartbeat"`
	WebhookRequestTimeout time.Duration `yaml:"webhook_request_timeout"`
}

// Default returns a configuration suitable for local development: the
// in-memory store, a loopback listener, no auth, and a small worker pool.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Backend: BackendConfig{
			Type: "memory",
		},
		Listen: ListenConfig{Addr: "127.0.0.1:8089"},
		Auth:   AuthConfig{Mode: "none"},

		WorkerPoolSize: 8,
		TimerTick:      time.Second,
		Retry: RetryConfig{
			MaxRetries: 3,
			BaseDelay:  500 * time.Millisecond,
			MaxDelay:   30 * time.Second,
		},
		SSEHeartbeat:          30 * time.Second,
		WebhookRequestTimeout: 30 * time.Second,
	}
}

// Load reads path (if non-empty and present) over Default(), then
// applies environment variable overrides, mirroring the layered
// file-then-env precedence the rest of this codebase's config loading
// uses.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, &errors.ConfigError{Key: path, Reason: "failed to read config file", Cause: err}
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Key: path, Reason: "failed to parse config file", Cause: err}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ENGINED_LISTEN_ADDR"); v != "" {
		cfg.Listen.Addr = v
	}
	if v := os.Getenv("ENGINED_ALLOW_REMOTE"); v == "true" {
		cfg.Listen.AllowRemote = true
	}
	if v := os.Getenv("ENGINED_BACKEND"); v != "" {
		cfg.Backend.Type = v
	}
	if v := os.Getenv("ENGINED_SQLITE_PATH"); v != "" {
		cfg.Backend.SQLitePath = v
	}
	if v := os.Getenv("ENGINED_AUTH_MODE"); v != "" {
		cfg.Auth.Mode = v
	}
	if v := os.Getenv("ENGINED_AUTH_TOKEN"); v != "" {
		cfg.Auth.Token = v
	}
	if v := os.Getenv("ENGINED_WORKER_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.WorkerPoolSize = n
		}
	}
	if v := os.Getenv("ENGINED_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate rejects configurations the daemon cannot safely start with.
func (c *Config) Validate() error {
	if c.Backend.Type != "memory" && c.Backend.Type != "sqlite" {
		return &errors.ConfigError{Key: "backend.type", Reason: "must be \"memory\" or \"sqlite\", got " + c.Backend.Type}
	}
	if c.Backend.Type == "sqlite" && c.Backend.SQLitePath == "" {
		return &errors.ConfigError{Key: "backend.sqlite_path", Reason: "required when backend.type=sqlite"}
	}
	if c.Auth.Mode != "none" && c.Auth.Mode != "bearer_token" {
		return &errors.ConfigError{Key: "auth.mode", Reason: "must be \"none\" or \"bearer_token\", got " + c.Auth.Mode}
	}
	if c.Auth.Mode == "bearer_token" && c.Auth.Token == "" {
		return &errors.ConfigError{Key: "auth.token", Reason: "required when auth.mode=bearer_token"}
	}
	if c.WorkerPoolSize <= 0 {
		return &errors.ConfigError{Key: "worker_pool_size", Reason: "must be positive"}
	}
	if c.Auth.Mode == "none" && !c.Listen.AllowRemote {
		host, _, err := net.SplitHostPort(c.Listen.Addr)
		ip := net.ParseIP(host)
		if err != nil || (host != "localhost" && (ip == nil || !ip.IsLoopback())) {
			return &errors.ConfigError{Key: "auth.mode", Reason: "\"none\" requires a loopback listen.addr or listen.allow_remote"}
		}
	}
	return nil
}
