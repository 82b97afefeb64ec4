// smsmatrix - A Matrix-SMS bridge.
// Copyright (C) 2025 Ludvig Rhodin
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

type Config struct {
	// HomeserverURL, UserID and AccessToken are the Matrix credentials.
	// All three are required; the sync loop refuses to start without them.
	HomeserverURL string `yaml:"homeserver_url"`
	UserID        string `yaml:"user_id"`
	AccessToken   string `yaml:"access_token"`

	// DatabasePath is the sqlite file backing the message store.
	DatabasePath string `yaml:"database_path"`

	// DefaultSyncDirection applies to newly created conversations.
	// One of: none, sms_to_matrix, matrix_to_sms, bidirectional.
	DefaultSyncDirection string `yaml:"default_sync_direction"`

	// SyncTimeoutSeconds is the Matrix long-poll window requested from the
	// server. Default 30.
	SyncTimeoutSeconds int `yaml:"sync_timeout_seconds"`

	// BackoffBaseSeconds/BackoffMaxSeconds shape the sync failure backoff:
	// delay = min(base * consecutive_errors, max). Defaults 5 / 300.
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds  int `yaml:"backoff_max_seconds"`

	// MaxRetries caps the periodic retry sweep per message. Default 3.
	MaxRetries int `yaml:"max_retries"`

	// Runtime enable flags. These reload live when the config file changes.
	BridgeEnabled     bool `yaml:"bridge_enabled"`
	MatrixSyncEnabled bool `yaml:"matrix_sync_enabled"`
	SMSSendEnabled    bool `yaml:"sms_send_enabled"`
	SMSReceiveEnabled bool `yaml:"sms_receive_enabled"`
}

type umConfig Config

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	// Flags default on so an omitted key doesn't silently disable the bridge.
	c.BridgeEnabled = true
	c.MatrixSyncEnabled = true
	c.SMSSendEnabled = true
	c.SMSReceiveEnabled = true
	if err := node.Decode((*umConfig)(c)); err != nil {
		return err
	}
	return c.PostProcess()
}

func (c *Config) PostProcess() error {
	if c.DatabasePath == "" {
		c.DatabasePath = "smsmatrix.db"
	}
	if c.DefaultSyncDirection == "" {
		c.DefaultSyncDirection = string(SyncBidirectional)
	}
	switch SyncDirection(c.DefaultSyncDirection) {
	case SyncNone, SyncSMSToMatrix, SyncMatrixToSMS, SyncBidirectional:
	default:
		return fmt.Errorf("invalid default_sync_direction %q", c.DefaultSyncDirection)
	}
	if c.SyncTimeoutSeconds <= 0 {
		c.SyncTimeoutSeconds = 30
	}
	if c.BackoffBaseSeconds <= 0 {
		c.BackoffBaseSeconds = 5
	}
	if c.BackoffMaxSeconds <= 0 {
		c.BackoffMaxSeconds = 300
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return nil
}

// HasCredentials reports whether the Matrix credentials are present.
func (c *Config) HasCredentials() bool {
	return c.HomeserverURL != "" && c.UserID != "" && c.AccessToken != ""
}

func (c *Config) SyncTimeout() time.Duration {
	return time.Duration(c.SyncTimeoutSeconds) * time.Second
}

func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseSeconds) * time.Second
}

func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxSeconds) * time.Second
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config at %s: %w", path, err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config at %s: %w", path, err)
	}
	return &cfg, nil
}

// Settings exposes the runtime enable flags with observable-change
// semantics: a config-file watcher reloads them live, and every read goes
// through the lock so the sync loop and the SMS paths always see the
// current values.
type Settings struct {
	mu  sync.RWMutex
	cfg *Config
	log zerolog.Logger
}

func NewSettings(cfg *Config, log zerolog.Logger) *Settings {
	return &Settings{cfg: cfg, log: log.With().Str("component", "settings").Logger()}
}

func (s *Settings) BridgeEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.BridgeEnabled
}

func (s *Settings) MatrixSyncEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.MatrixSyncEnabled
}

func (s *Settings) SMSSendEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.SMSSendEnabled
}

func (s *Settings) SMSReceiveEnabled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.SMSReceiveEnabled
}

func (s *Settings) reload(cfg *Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.log.Info().
		Bool("bridge", cfg.BridgeEnabled).
		Bool("matrix_sync", cfg.MatrixSyncEnabled).
		Bool("sms_send", cfg.SMSSendEnabled).
		Bool("sms_receive", cfg.SMSReceiveEnabled).
		Msg("Reloaded runtime flags from config")
}

// Watch reloads the enable flags whenever the config file changes. Only the
// flags take effect live; credential or database changes need a restart.
// Blocks until stop is closed.
func (s *Settings) Watch(path string, stop <-chan struct{}) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to create config watcher, flags are start-time only")
		return
	}
	defer watcher.Close()
	if err = watcher.Add(path); err != nil {
		s.log.Warn().Err(err).Str("path", path).Msg("Failed to watch config file")
		return
	}
	for {
		select {
		case evt, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
				continue
			}
			cfg, err := LoadConfig(path)
			if err != nil {
				s.log.Warn().Err(err).Msg("Ignoring config reload: parse failed")
				continue
			}
			s.reload(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn().Err(err).Msg("Config watcher error")
		case <-stop:
			return
		}
	}
}
