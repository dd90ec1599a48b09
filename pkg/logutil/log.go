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

package logutil

import (
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config defines the runtime logging configuration.
type Config struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level"`
	// File is the log file path. Empty means stderr.
	File string `toml:"file" json:"file"`
	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max-size-mb" json:"max-size-mb"`
	// MaxDays is the maximum number of days to retain old log files.
	MaxDays int `toml:"max-days" json:"max-days"`
}

// GetDefaultConfig returns the default logging configuration.
func GetDefaultConfig() *Config {
	return &Config{
		Level:     "info",
		MaxSizeMB: 128,
		MaxDays:   7,
	}
}

// InitLogger initializes the global logger.
func InitLogger(cfg *Config) error {
	pcfg := &log.Config{
		Level: cfg.Level,
		File: log.FileLogConfig{
			Filename: cfg.File,
			MaxSize:  cfg.MaxSizeMB,
			MaxDays:  cfg.MaxDays,
		},
	}
	logger, props, err := log.InitLogger(pcfg)
	if err != nil {
		return err
	}
	log.ReplaceGlobals(logger, props)
	return nil
}

// WithComponent returns a logger tagged with a component name for
// long-running loops that emit many entries.
func WithComponent(name string) *zap.Logger {
	return log.L().With(zap.String("component", name))
}

// SetLevel adjusts the global log level at runtime.
func SetLevel(level string) error {
	var lv zapcore.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		return err
	}
	log.SetLevel(lv)
	return nil
}
