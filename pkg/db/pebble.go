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

package db

import (
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/bloom"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/dwell-labs/dwell/pkg/config"
	cerrors "github.com/dwell-labs/dwell/pkg/errors"
)

type writeStall struct {
	counter  int64
	duration atomic.Value
	begin    atomic.Value
}

func buildPebbleOption(id int, cacheSize uint64, cfg *config.DBConfig) (pebble.Options, *writeStall) {
	var opts pebble.Options
	opts.ErrorIfExists = false
	opts.DisableWAL = false // Delete range requires WAL.
	opts.MaxOpenFiles = cfg.MaxOpenFiles
	opts.MaxConcurrentCompactions = func() int { return 6 }
	opts.L0CompactionThreshold = cfg.CompactionL0Trigger
	opts.L0StopWritesThreshold = cfg.WriteL0PauseTrigger
	opts.LBaseMaxBytes = 64 << 20 // 64 MB
	opts.MemTableSize = uint64(cfg.WriterBufferSize)
	opts.MemTableStopWritesThreshold = 4
	opts.Levels = make([]pebble.LevelOptions, 7)
	for i := 0; i < len(opts.Levels); i++ {
		l := &opts.Levels[i]
		l.BlockSize = cfg.BlockSize
		l.IndexBlockSize = 256 << 10 // 256 KB
		l.FilterPolicy = bloom.FilterPolicy(10)
		l.FilterType = pebble.TableFilter
		if cfg.Compression == "none" {
			l.Compression = pebble.NoCompression
		} else {
			l.Compression = pebble.SnappyCompression
		}
		if i == 0 {
			l.TargetFileSize = 8 << 20 // 8 MB
		} else if i < 4 {
			l.TargetFileSize = opts.Levels[i-1].TargetFileSize * 2
		}
		l.EnsureDefaults()
	}
	opts.Levels[6].FilterPolicy = nil
	opts.FlushSplitBytes = opts.Levels[0].TargetFileSize
	if cacheSize > 0 {
		opts.Cache = pebble.NewCache(int64(cacheSize))
	}

	ws := &writeStall{}
	ws.duration.Store(time.Duration(0))
	listener := pebble.MakeLoggingEventListener(&pebbleLogger{id: id})
	listener.WriteStallBegin = func(_ pebble.WriteStallBeginInfo) {
		atomic.AddInt64(&ws.counter, 1)
		ws.begin.Store(time.Now())
	}
	listener.WriteStallEnd = func() {
		begin, ok := ws.begin.Swap(time.Time{}).(time.Time)
		if !ok || begin.IsZero() {
			// Filter out of order write stall end.
			return
		}
		elapsed := time.Since(begin)
		for {
			old := ws.duration.Load().(time.Duration)
			if ws.duration.CompareAndSwap(old, old+elapsed) {
				break
			}
		}
	}
	opts.EventListener = &listener
	opts.EnsureDefaults()
	return opts, ws
}

// OpenPebble opens a pebble db at dir/<id>.
func OpenPebble(id int, dir string, cacheSize uint64, cfg *config.DBConfig) (DB, error) {
	opts, ws := buildPebbleOption(id, cacheSize, cfg)
	if opts.Cache != nil {
		defer opts.Cache.Unref()
	}
	db, err := pebble.Open(dir, &opts)
	if err != nil {
		log.Error("open pebble fails",
			zap.String("dir", dir), zap.Int("id", id), zap.Error(err))
		return nil, cerrors.Trace(err)
	}
	return &pebbleDB{db: db, metricWriteStall: ws}, nil
}

type pebbleDB struct {
	db               *pebble.DB
	metricWriteStall *writeStall
}

var _ DB = (*pebbleDB)(nil)

func (p *pebbleDB) Get(key []byte) ([]byte, bool, error) {
	value, closer, err := p.db.Get(key)
	if err != nil {
		if err == pebble.ErrNotFound {
			return nil, false, nil
		}
		return nil, false, cerrors.Trace(err)
	}
	ret := make([]byte, len(value))
	copy(ret, value)
	if err := closer.Close(); err != nil {
		return nil, false, cerrors.Trace(err)
	}
	return ret, true, nil
}

func (p *pebbleDB) Iterator(lowerBound, upperBound []byte) Iterator {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: lowerBound,
		UpperBound: upperBound,
	})
	return &pebbleIter{iter: iter, err: err}
}

func (p *pebbleDB) Batch(cap int) Batch {
	return &pebbleBatch{batch: p.db.NewBatch()}
}

func (p *pebbleDB) DeleteRange(start, end []byte) error {
	return cerrors.Trace(p.db.DeleteRange(start, end, pebble.Sync))
}

func (p *pebbleDB) Compact(start, end []byte) error {
	return cerrors.Trace(p.db.Compact(start, end, false))
}

func (p *pebbleDB) Close() error {
	return cerrors.Trace(p.db.Close())
}

func (p *pebbleDB) CollectMetrics(i int) {
	db := p.db
	stats := db.Metrics()
	id := strconv.Itoa(i)
	dbWriteBytes.WithLabelValues(id).Set(float64(stats.WAL.BytesWritten))
	dbReadBytes.WithLabelValues(id).Set(float64(stats.Levels[6].BytesRead))
	for level, metric := range stats.Levels {
		dbLevelCount.WithLabelValues(strconv.Itoa(level), id).
			Set(float64(metric.NumFiles))
	}
	dbBlockCacheAccess.WithLabelValues(id, "hit").
		Set(float64(stats.BlockCache.Hits))
	dbBlockCacheAccess.WithLabelValues(id, "miss").
		Set(float64(stats.BlockCache.Misses))
	dbWriteDelayCount.WithLabelValues(id).
		Set(float64(atomic.LoadInt64(&p.metricWriteStall.counter)))
	stallDuration := p.metricWriteStall.duration.Load().(time.Duration)
	if stallDuration > 0 {
		p.metricWriteStall.duration.Store(time.Duration(0))
		dbWriteDelayDuration.WithLabelValues(id).Set(stallDuration.Seconds())
	}
}

type pebbleBatch struct {
	batch *pebble.Batch
}

var _ Batch = (*pebbleBatch)(nil)

func (b *pebbleBatch) Put(key, value []byte) {
	_ = b.batch.Set(key, value, nil)
}

func (b *pebbleBatch) Delete(key []byte) {
	_ = b.batch.Delete(key, nil)
}

func (b *pebbleBatch) DeleteRange(start, end []byte) {
	_ = b.batch.DeleteRange(start, end, nil)
}

func (b *pebbleBatch) Commit() error {
	return cerrors.Trace(b.batch.Commit(pebble.Sync))
}

func (b *pebbleBatch) Count() uint32 {
	return b.batch.Count()
}

func (b *pebbleBatch) Repr() []byte {
	return b.batch.Repr()
}

func (b *pebbleBatch) Reset() {
	b.batch.Reset()
}

type pebbleIter struct {
	iter *pebble.Iterator
	err  error
}

var _ Iterator = (*pebbleIter)(nil)

func (i *pebbleIter) Valid() bool {
	if i.err != nil {
		return false
	}
	return i.iter.Valid()
}

func (i *pebbleIter) Seek(key []byte) bool {
	if i.err != nil {
		return false
	}
	return i.iter.SeekGE(key)
}

func (i *pebbleIter) SeekToLast() bool {
	if i.err != nil {
		return false
	}
	return i.iter.Last()
}

func (i *pebbleIter) Next() bool {
	if i.err != nil {
		return false
	}
	return i.iter.Next()
}

func (i *pebbleIter) Prev() bool {
	if i.err != nil {
		return false
	}
	return i.iter.Prev()
}

func (i *pebbleIter) Key() []byte {
	return i.iter.Key()
}

func (i *pebbleIter) Value() []byte {
	return i.iter.Value()
}

func (i *pebbleIter) Error() error {
	if i.err != nil {
		return i.err
	}
	return i.iter.Error()
}

func (i *pebbleIter) Release() error {
	if i.err != nil {
		return nil
	}
	return cerrors.Trace(i.iter.Close())
}

type pebbleLogger struct{ id int }

var _ pebble.Logger = (*pebbleLogger)(nil)

func (logger *pebbleLogger) Infof(format string, args ...interface{}) {
	// Do not surface low-level pebble chatter at info level.
	log.Debug(fmt.Sprintf(format, args...), zap.Int("db", logger.id))
}

func (logger *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Panic(fmt.Sprintf(format, args...), zap.Int("db", logger.id))
}
