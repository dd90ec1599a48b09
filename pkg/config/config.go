// Copyright 2024 The Dwell Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/dwell-labs/dwell/pkg/errors"
	"github.com/dwell-labs/dwell/pkg/logutil"
)

// TomlDuration is a duration that knows how to unmarshal from a TOML string
// such as "10s".
type TomlDuration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *TomlDuration) UnmarshalText(text []byte) error {
	stdDuration, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = TomlDuration(stdDuration)
	return nil
}

// Duration returns the underlying time.Duration.
func (d TomlDuration) Duration() time.Duration {
	return time.Duration(d)
}

// OverloadConfig bounds the amount of work queued against one instance.
// Any exceeded bound rejects the request immediately.
type OverloadConfig struct {
	// MaxPendingOps is the mailbox capacity.
	//
	// The default value is 1024.
	MaxPendingOps int `toml:"max-pending-ops" json:"max-pending-ops"`
	// MaxPendingBytes bounds the total payload bytes queued.
	//
	// The default value is 16777216, 16MB.
	MaxPendingBytes int64 `toml:"max-pending-bytes" json:"max-pending-bytes"`
	// MaxPendingAge bounds the age of the oldest queued operation.
	//
	// The default value is 30s.
	MaxPendingAge TomlDuration `toml:"max-pending-age" json:"max-pending-age"`
	// RatePerSecond bounds the sustained admission rate. Zero disables the
	// rate limiter.
	//
	// The default value is 0.
	RatePerSecond float64 `toml:"rate-per-second" json:"rate-per-second"`
	// RateBurst is the burst size of the rate limiter.
	//
	// The default value is 64.
	RateBurst int `toml:"rate-burst" json:"rate-burst"`
}

// LifecycleConfig tunes instance idle handling. Exact moments within the
// windows below are chosen by the runtime, callers must not rely on precise
// timing.
type LifecycleConfig struct {
	// HibernationGrace is how long an instance must stay hibernatable-idle
	// before it may hibernate.
	//
	// The default value is 10s.
	HibernationGrace TomlDuration `toml:"hibernation-grace" json:"hibernation-grace"`
	// EvictTimeout is how long an instance may stay idle (hibernated or not)
	// before it is evicted entirely.
	//
	// The default value is 10m.
	EvictTimeout TomlDuration `toml:"evict-timeout" json:"evict-timeout"`
	// InFlightGrace is how long in-flight operations may run after an
	// eviction is requested.
	//
	// The default value is 5s.
	InFlightGrace TomlDuration `toml:"in-flight-grace" json:"in-flight-grace"`
	// BarrierTimeout bounds the construction/initialization barrier. A
	// barrier callback that exceeds it tears the instance down.
	//
	// The default value is 30s.
	BarrierTimeout TomlDuration `toml:"barrier-timeout" json:"barrier-timeout"`
	// SweepInterval is the period of the idle sweep loop.
	//
	// The default value is 1s.
	SweepInterval TomlDuration `toml:"sweep-interval" json:"sweep-interval"`
}

// AlarmConfig tunes alarm delivery retries.
type AlarmConfig struct {
	// RetryBaseDelay is the first retry delay after a failed alarm callback.
	//
	// The default value is 2s.
	RetryBaseDelay TomlDuration `toml:"retry-base-delay" json:"retry-base-delay"`
	// RetryMaxAttempts caps automatic retries of a failing alarm callback.
	//
	// The default value is 6.
	RetryMaxAttempts int `toml:"retry-max-attempts" json:"retry-max-attempts"`
	// PollInterval is the firing loop wake period.
	//
	// The default value is 100ms.
	PollInterval TomlDuration `toml:"poll-interval" json:"poll-interval"`
}

// SessionConfig tunes hibernatable sessions.
type SessionConfig struct {
	// MaxAttachmentBytes bounds a per-session persisted attachment. Larger
	// state must live in storage, referenced by key.
	//
	// The default value is 2048.
	MaxAttachmentBytes int `toml:"max-attachment-bytes" json:"max-attachment-bytes"`
}

// StorageConfig tunes the per-identity storage facade.
type StorageConfig struct {
	// ReadCacheSize is the number of committed values cached per identity.
	//
	// The default value is 1024.
	ReadCacheSize int `toml:"read-cache-size" json:"read-cache-size"`
	// BookmarkRetention is the number of recent commits whose undo records
	// are retained for point-in-time restoration.
	//
	// The default value is 256.
	BookmarkRetention int `toml:"bookmark-retention" json:"bookmark-retention"`
}

// Config is the top-level runtime configuration.
type Config struct {
	// DataDir is the directory holding the durability logs.
	DataDir string `toml:"data-dir" json:"data-dir"`
	// WorkerNum is the number of workers polling instances.
	//
	// The default value is 8.
	WorkerNum int `toml:"worker-num" json:"worker-num"`

	Log       *logutil.Config  `toml:"log" json:"log"`
	DB        *DBConfig        `toml:"db" json:"db"`
	Overload  *OverloadConfig  `toml:"overload" json:"overload"`
	Lifecycle *LifecycleConfig `toml:"lifecycle" json:"lifecycle"`
	Alarm     *AlarmConfig     `toml:"alarm" json:"alarm"`
	Session   *SessionConfig   `toml:"session" json:"session"`
	Storage   *StorageConfig   `toml:"storage" json:"storage"`
}

// GetDefaultConfig returns the default runtime configuration.
func GetDefaultConfig() *Config {
	return &Config{
		WorkerNum: 8,
		Log:       logutil.GetDefaultConfig(),
		DB:        GetDefaultDBConfig(),
		Overload: &OverloadConfig{
			MaxPendingOps:   1024,
			MaxPendingBytes: 16 << 20,
			MaxPendingAge:   TomlDuration(30 * time.Second),
			RatePerSecond:   0,
			RateBurst:       64,
		},
		Lifecycle: &LifecycleConfig{
			HibernationGrace: TomlDuration(10 * time.Second),
			EvictTimeout:     TomlDuration(10 * time.Minute),
			InFlightGrace:    TomlDuration(5 * time.Second),
			BarrierTimeout:   TomlDuration(30 * time.Second),
			SweepInterval:    TomlDuration(time.Second),
		},
		Alarm: &AlarmConfig{
			RetryBaseDelay:   TomlDuration(2 * time.Second),
			RetryMaxAttempts: 6,
			PollInterval:     TomlDuration(100 * time.Millisecond),
		},
		Session: &SessionConfig{
			MaxAttachmentBytes: 2048,
		},
		Storage: &StorageConfig{
			ReadCacheSize:     1024,
			BookmarkRetention: 256,
		},
	}
}

// FromFile loads a configuration file on top of the defaults.
func FromFile(path string) (*Config, error) {
	cfg := GetDefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, errors.WrapError(errors.ErrIllegalRuntimeParameter, err, path)
	}
	if err := cfg.ValidateAndAdjust(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidateAndAdjust validates and adjusts the configuration.
func (c *Config) ValidateAndAdjust() error {
	if c.WorkerNum <= 0 {
		c.WorkerNum = 8
	}
	if c.Overload.MaxPendingOps <= 0 {
		return errors.ErrIllegalRuntimeParameter.GenWithStackByArgs(
			"overload.max-pending-ops must be positive")
	}
	if c.Overload.RatePerSecond < 0 {
		return errors.ErrIllegalRuntimeParameter.GenWithStackByArgs(
			"overload.rate-per-second must not be negative")
	}
	if c.Lifecycle.HibernationGrace.Duration() <= 0 {
		return errors.ErrIllegalRuntimeParameter.GenWithStackByArgs(
			"lifecycle.hibernation-grace must be positive")
	}
	if c.Lifecycle.EvictTimeout.Duration() < c.Lifecycle.HibernationGrace.Duration() {
		return errors.ErrIllegalRuntimeParameter.GenWithStackByArgs(
			"lifecycle.evict-timeout must not be shorter than hibernation-grace")
	}
	if c.Lifecycle.BarrierTimeout.Duration() <= 0 {
		return errors.ErrIllegalRuntimeParameter.GenWithStackByArgs(
			"lifecycle.barrier-timeout must be positive")
	}
	if c.Alarm.RetryMaxAttempts <= 0 {
		return errors.ErrIllegalRuntimeParameter.GenWithStackByArgs(
			"alarm.retry-max-attempts must be positive")
	}
	if c.Session.MaxAttachmentBytes <= 0 {
		return errors.ErrIllegalRuntimeParameter.GenWithStackByArgs(
			"session.max-attachment-bytes must be positive")
	}
	if c.Storage.ReadCacheSize <= 0 {
		c.Storage.ReadCacheSize = 1024
	}
	if c.Storage.BookmarkRetention < 0 {
		return errors.ErrIllegalRuntimeParameter.GenWithStackByArgs(
			"storage.bookmark-retention must not be negative")
	}
	return c.DB.ValidateAndAdjust()
}
