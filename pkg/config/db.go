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

import "github.com/dwell-labs/dwell/pkg/errors"

// DBConfig represents the embedded durability log configuration.
type DBConfig struct {
	// MaxOpenFiles is the maximum number of open FD by the db.
	//
	// The default value is 10000.
	MaxOpenFiles int `toml:"max-open-files" json:"max-open-files"`
	// BlockSize is the db block size.
	//
	// The default value is 65536, 64KB.
	BlockSize int `toml:"block-size" json:"block-size"`
	// WriterBufferSize is the size of the db memory table.
	//
	// The default value is 8388608, 8MB.
	WriterBufferSize int `toml:"writer-buffer-size" json:"writer-buffer-size"`
	// Compression is the compression algorithm that is used by the db.
	// Valid values are "none" or "snappy".
	//
	// The default value is "snappy".
	Compression string `toml:"compression" json:"compression"`
	// WriteL0PauseTrigger defines the number of level-0 sst files that pause
	// writes.
	//
	// The default value is 1<<31 - 1.
	WriteL0PauseTrigger int `toml:"write-l0-pause-trigger" json:"write-l0-pause-trigger"`
	// CompactionL0Trigger defines the number of level-0 sst files that
	// trigger compaction.
	//
	// The default value is 16.
	CompactionL0Trigger int `toml:"compaction-l0-trigger" json:"compaction-l0-trigger"`
}

// GetDefaultDBConfig returns the default db configuration.
func GetDefaultDBConfig() *DBConfig {
	return &DBConfig{
		MaxOpenFiles:        10000,
		BlockSize:           65536,
		WriterBufferSize:    8 << 20,
		Compression:         "snappy",
		WriteL0PauseTrigger: 1<<31 - 1,
		CompactionL0Trigger: 16,
	}
}

// ValidateAndAdjust validates and adjusts the db configuration.
func (c *DBConfig) ValidateAndAdjust() error {
	if c.Compression != "none" && c.Compression != "snappy" {
		return errors.ErrIllegalRuntimeParameter.GenWithStackByArgs(
			"db.compression must be \"none\" or \"snappy\"")
	}
	return nil
}
