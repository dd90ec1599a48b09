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

// Package bench implements the `bench` command, which drives concurrent
// load against a local runtime and reports throughput and latency.
package bench

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"github.com/spf13/cobra"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dwell-labs/dwell/pkg/config"
	cerrors "github.com/dwell-labs/dwell/pkg/errors"
	"github.com/dwell-labs/dwell/pkg/logutil"
	"github.com/dwell-labs/dwell/pkg/version"
	"github.com/dwell-labs/dwell/runtime"
	"github.com/dwell-labs/dwell/runtime/identity"
)

// options defines flags for the `bench` command.
type options struct {
	configFilePath string
	dataDir        string
	logLevel       string
	actors         int
	concurrency    int
	operations     int
	payloadSize    int

	cfg *config.Config
}

func newOptions() *options {
	return &options{}
}

func (o *options) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.configFilePath, "config", "", "Path of the configuration file")
	cmd.Flags().StringVar(&o.dataDir, "data-dir", "", "Directory storing actor state, a temporary one when empty")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "warn", "log level (etc: debug|info|warn|error)")
	cmd.Flags().IntVar(&o.actors, "actors", 64, "number of actors to spread load across")
	cmd.Flags().IntVar(&o.concurrency, "concurrency", 8, "number of concurrent callers")
	cmd.Flags().IntVar(&o.operations, "operations", 1000, "operations per caller")
	cmd.Flags().IntVar(&o.payloadSize, "payload-size", 128, "payload bytes per operation")
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
		dir, err := os.MkdirTemp("", "dwell-bench")
		if err != nil {
			return errors.Trace(err)
		}
		cfg.DataDir = dir
	}
	cfg.Log.Level = o.logLevel
	if err := cfg.ValidateAndAdjust(); err != nil {
		return err
	}
	if o.concurrency <= 0 || o.operations <= 0 || o.actors <= 0 {
		return cerrors.ErrIllegalRuntimeParameter.GenWithStackByArgs(
			"actors, concurrency and operations must be positive")
	}
	o.cfg = cfg
	return nil
}

// sink is the benchmark actor. Each invocation appends the payload length to
// a running total so every turn carries one durable write.
type sink struct{}

func (h *sink) Construct(ctx *runtime.Context) error { return nil }

func (h *sink) Invoke(ctx *runtime.Context, payload []byte) ([]byte, error) {
	var total uint64
	if raw, ok, err := ctx.Get([]byte("total")); err != nil {
		return nil, err
	} else if ok {
		total = binary.BigEndian.Uint64(raw)
	}
	total += uint64(len(payload))
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, total)
	if err := ctx.Put([]byte("total"), buf); err != nil {
		return nil, err
	}
	return buf, nil
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
		func(identity.ID) runtime.Handler { return &sink{} })
	if err != nil {
		return err
	}
	rt.Start(ctx)
	defer func() {
		if cerr := rt.Close(); cerr != nil {
			log.Warn("closing runtime failed", zap.Error(cerr))
		}
	}()

	ids := make([]identity.ID, o.actors)
	for i := range ids {
		ids[i] = identity.FromName("bench", fmt.Sprintf("sink-%d", i))
	}
	payload := make([]byte, o.payloadSize)

	var (
		succeeded atomic.Int64
		rejected  atomic.Int64
		totalNano atomic.Int64
	)
	start := time.Now()
	eg, ectx := errgroup.WithContext(ctx)
	for w := 0; w < o.concurrency; w++ {
		w := w
		eg.Go(func() error {
			for op := 0; op < o.operations; op++ {
				id := ids[(w*o.operations+op)%len(ids)]
				t0 := time.Now()
				_, err := rt.InvokeWithRetry(ectx, id, payload)
				switch {
				case err == nil:
					succeeded.Inc()
					totalNano.Add(int64(time.Since(t0)))
				case ectx.Err() != nil:
					return errors.Trace(ectx.Err())
				default:
					rejected.Inc()
				}
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}
	elapsed := time.Since(start)

	ok := succeeded.Load()
	var mean time.Duration
	if ok > 0 {
		mean = time.Duration(totalNano.Load() / ok)
	}
	cmd.Printf("operations: %d ok, %d rejected\n", ok, rejected.Load())
	cmd.Printf("elapsed: %s, throughput: %.0f op/s, mean latency: %s\n",
		elapsed.Truncate(time.Millisecond),
		float64(ok)/elapsed.Seconds(), mean)
	return nil
}

// NewCmdBench creates the `bench` command.
func NewCmdBench() *cobra.Command {
	o := newOptions()
	command := &cobra.Command{
		Use:   "bench",
		Short: "Drive concurrent load against a local runtime",
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
