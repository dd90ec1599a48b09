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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultConfig()
	require.Nil(t, cfg.ValidateAndAdjust())
}

func TestFromFile(t *testing.T) {
	t.Parallel()

	data := `
data-dir = "/tmp/dwell"
worker-num = 4

[overload]
max-pending-ops = 16
max-pending-age = "5s"
rate-per-second = 100.0

[lifecycle]
hibernation-grace = "2s"
evict-timeout = "1m"

[db]
compression = "none"
`
	path := filepath.Join(t.TempDir(), "dwell.toml")
	require.Nil(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := FromFile(path)
	require.Nil(t, err)
	require.Equal(t, "/tmp/dwell", cfg.DataDir)
	require.Equal(t, 4, cfg.WorkerNum)
	require.Equal(t, 16, cfg.Overload.MaxPendingOps)
	require.Equal(t, 5*time.Second, cfg.Overload.MaxPendingAge.Duration())
	require.Equal(t, 100.0, cfg.Overload.RatePerSecond)
	require.Equal(t, 2*time.Second, cfg.Lifecycle.HibernationGrace.Duration())
	require.Equal(t, "none", cfg.DB.Compression)
	// Untouched sections keep defaults.
	require.Equal(t, 6, cfg.Alarm.RetryMaxAttempts)
	require.Equal(t, 2048, cfg.Session.MaxAttachmentBytes)
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cfg := GetDefaultConfig()
	cfg.Overload.MaxPendingOps = 0
	require.Error(t, cfg.ValidateAndAdjust())

	cfg = GetDefaultConfig()
	cfg.Lifecycle.EvictTimeout = TomlDuration(time.Second)
	cfg.Lifecycle.HibernationGrace = TomlDuration(time.Minute)
	require.Error(t, cfg.ValidateAndAdjust())

	cfg = GetDefaultConfig()
	cfg.DB.Compression = "zstd"
	require.Error(t, cfg.ValidateAndAdjust())
}
