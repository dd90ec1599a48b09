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

// Package demo implements the `demo` command, which runs a workload of
// persistent counter actors against a local data directory.
package demo

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dwell-labs/dwell/pkg/config"
	"github.com/dwell-labs/dwell/pkg/logutil"
	"github.com/dwell-labs/dwell/pkg/version"
	"github.com/dwell-labs/dwell/runtime"
	"github.com/dwell-labs/dwell/runtime/alarm"
	"github.com/dwell-labs/dwell/runtime/identity"
)

// options defines flags for the `demo` command.
type options struct {
	configFilePath string
	dataDir        string
	logLevel       string
	actors         int
	operations     int

	cfg *config.Config
}

func newOptions() *options {
	return &options{}
}

func (o *options) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.configFilePath, "config", "", "Path of the configuration file")
	cmd.Flags().StringVar(&o.dataDir, "data-dir", "", "Directory storing actor state, a temporary one when empty")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "info", "log level (etc: debug|info|warn|error)")
	cmd.Flags().IntVar(&o.actors, "actors", 4, "number of counter actors")
	cmd.Flags().IntVar(&o.operations, "operations", 16, "operations per actor")
}

func (o *options) complete() error {
	cfg := config.GetDefaultConfig()
	if o.configFilePath != "" {
		var err error
		cfg, err = config.FromFile(o.configFilePath)
		if err != nil {
			return err
		}
	}
	if o.dataDir != "" {
		cfg.DataDir = o.dataDir
	}
	if cfg.DataDir == "" {
		dir, err := os.MkdirTemp("", "dwell-demo")
		if err != nil {
			return errors.Trace(err)
		}
		cfg.DataDir = dir
	}
	cfg.Log.Level = o.logLevel
	if err := cfg.ValidateAndAdjust(); err != nil {
		return err
	}
	o.cfg = cfg
	return nil
}

// counter is a persistent counter actor. Each invocation adds the decoded
// payload to the stored count, and an alarm logs the final count shortly
// after the counter goes quiet.
type counter struct{}

func (h *counter) Construct(ctx *runtime.Context) error { return nil }

func (h *counter) Invoke(ctx *runtime.Context, payload []byte) ([]byte, error) {
	delta, err := strconv.Atoi(string(payload))
	if err != nil {
		return nil, errors.Trace(err)
	}
	var count int
	if raw, ok, err := ctx.Get([]byte("count")); err != nil {
		return nil, err
	} else if ok {
		count, _ = strconv.Atoi(string(raw))
	}
	count += delta
	value := []byte(strconv.Itoa(count))
	if err := ctx.Put([]byte("count"), value); err != nil {
		return nil, err
	}
	if err := ctx.SetAlarm(time.Now().Add(2 * time.Second)); err != nil {
		return nil, err
	}
	return value, nil
}

func (h *counter) OnAlarm(ctx *runtime.Context, md alarm.Metadata) error {
	raw, _, err := ctx.Get([]byte("count"))
	if err != nil {
		return err
	}
	log.Info("counter settled",
		zap.String("id", ctx.ID().Short()),
		zap.ByteString("count", raw),
		zap.Int("attempt", md.Attempt))
	return nil
}

func (o *options) run(cmd *cobra.Command) error {
	err := logutil.InitLogger(o.cfg.Log)
	if err != nil {
		return err
	}
	version.LogVersionInfo()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rt, err := runtime.NewRuntime(o.cfg, nil,
		func(identity.ID) runtime.Handler { return &counter{} })
	if err != nil {
		return err
	}
	rt.Start(ctx)
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			log.Warn("closing runtime failed", zap.Error(cerr))
		}
	}()

	log.Info("demo starting",
		zap.String("dataDir", o.cfg.DataDir),
		zap.Int("actors", o.actors),
		zap.Int("operations", o.operations))
	for i := 0; i < o.actors; i++ {
		id := identity.FromName("demo", fmt.Sprintf("counter-%d", i))
		for j := 0; j < o.operations; j++ {
			result, err := rt.Invoke(ctx, id, []byte("1"))
			if err != nil {
				return err
			}
			if j == o.operations-1 {
				cmd.Printf("counter-%d => %s\n", i, result)
			}
		}
	}

	// Leave the runtime up briefly so the settle alarms fire.
	select {
	case <-ctx.Done():
	case <-time.After(3 * time.Second):
	}
	return nil
}

// NewCmdDemo creates the `demo` command.
func NewCmdDemo() *cobra.Command {
	o := newOptions()
	command := &cobra.Command{
		Use:   "demo",
		Short: "Run a workload of persistent counter actors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := o.complete(); err != nil {
				return err
			}
			return o.run(cmd)
		},
	}
	o.addFlags(command)
	return command
}
