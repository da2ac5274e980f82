package fastkv

import (
	"context"
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    upsertCounter    prometheus.Counter
//	    pendingHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordUpsert(duration time.Duration, err error) {
//	    p.upsertCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordUpsert is called after each upsert.
	RecordUpsert(duration time.Duration, err error)

	// RecordDelete is called after each delete.
	RecordDelete(duration time.Duration, err error)

	// RecordRead is called after each read, has or size lookup with the
	// synchronous status.
	RecordRead(status Status, duration time.Duration, err error)

	// RecordPendingComplete is called when a pending read is delivered.
	// latency spans issue to delivery.
	RecordPendingComplete(latency time.Duration, err error)

	// RecordFlush is called after log pages reached stable storage.
	RecordFlush(pages int, bytes int64, duration time.Duration)

	// RecordCheckpoint is called after each checkpoint attempt.
	RecordCheckpoint(duration time.Duration, err error)

	// RecordRecovery is called once per open that restored state.
	RecordRecovery(replayed int, duration time.Duration, err error)

	// RecordQueueDepth reports the number of reads waiting for an I/O worker.
	RecordQueueDepth(depth int)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordUpsert(time.Duration, error)          {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)          {}
func (NoopMetricsCollector) RecordRead(Status, time.Duration, error)    {}
func (NoopMetricsCollector) RecordPendingComplete(time.Duration, error) {}
func (NoopMetricsCollector) RecordFlush(int, int64, time.Duration)      {}
func (NoopMetricsCollector) RecordCheckpoint(time.Duration, error)      {}
func (NoopMetricsCollector) RecordRecovery(int, time.Duration, error)   {}
func (NoopMetricsCollector) RecordQueueDepth(int)                       {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	UpsertCount      atomic.Int64
	UpsertErrors     atomic.Int64
	UpsertTotalNanos atomic.Int64
	DeleteCount      atomic.Int64
	DeleteErrors     atomic.Int64
	ReadCount        atomic.Int64
	ReadHits         atomic.Int64
	ReadMisses       atomic.Int64
	ReadPending      atomic.Int64
	ReadErrors       atomic.Int64
	ReadTotalNanos   atomic.Int64
	PendingCount     atomic.Int64
	PendingErrors    atomic.Int64
	PendingNanos     atomic.Int64
	FlushPages       atomic.Int64
	FlushBytes       atomic.Int64
	FlushNanos       atomic.Int64
	CheckpointCount  atomic.Int64
	CheckpointErrors atomic.Int64
	CheckpointNanos  atomic.Int64
	Replayed         atomic.Int64
	MaxQueueDepth    atomic.Int64
}

// RecordUpsert implements MetricsCollector.
func (b *BasicMetricsCollector) RecordUpsert(duration time.Duration, err error) {
	b.UpsertCount.Add(1)
	b.UpsertTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.UpsertErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordRead implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRead(status Status, duration time.Duration, err error) {
	b.ReadCount.Add(1)
	b.ReadTotalNanos.Add(duration.Nanoseconds())
	switch {
	case err != nil:
		b.ReadErrors.Add(1)
	case status == StatusOK:
		b.ReadHits.Add(1)
	case status == StatusNotFound:
		b.ReadMisses.Add(1)
	case status == StatusPending:
		b.ReadPending.Add(1)
	}
}

// RecordPendingComplete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPendingComplete(latency time.Duration, err error) {
	b.PendingCount.Add(1)
	b.PendingNanos.Add(latency.Nanoseconds())
	if err != nil {
		b.PendingErrors.Add(1)
	}
}

// RecordFlush implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFlush(pages int, bytes int64, duration time.Duration) {
	b.FlushPages.Add(int64(pages))
	b.FlushBytes.Add(bytes)
	b.FlushNanos.Add(duration.Nanoseconds())
}

// RecordCheckpoint implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCheckpoint(duration time.Duration, err error) {
	b.CheckpointCount.Add(1)
	b.CheckpointNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.CheckpointErrors.Add(1)
	}
}

// RecordRecovery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRecovery(replayed int, duration time.Duration, err error) {
	b.Replayed.Add(int64(replayed))
}

// RecordQueueDepth implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQueueDepth(depth int) {
	for {
		cur := b.MaxQueueDepth.Load()
		if int64(depth) <= cur || b.MaxQueueDepth.CompareAndSwap(cur, int64(depth)) {
			return
		}
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		UpsertCount:        b.UpsertCount.Load(),
		UpsertErrors:       b.UpsertErrors.Load(),
		UpsertAvgNanos:     avgNanos(b.UpsertTotalNanos.Load(), b.UpsertCount.Load()),
		DeleteCount:        b.DeleteCount.Load(),
		DeleteErrors:       b.DeleteErrors.Load(),
		ReadCount:          b.ReadCount.Load(),
		ReadHits:           b.ReadHits.Load(),
		ReadMisses:         b.ReadMisses.Load(),
		ReadPending:        b.ReadPending.Load(),
		ReadErrors:         b.ReadErrors.Load(),
		ReadAvgNanos:       avgNanos(b.ReadTotalNanos.Load(), b.ReadCount.Load()),
		PendingCount:       b.PendingCount.Load(),
		PendingErrors:      b.PendingErrors.Load(),
		PendingAvgNanos:    avgNanos(b.PendingNanos.Load(), b.PendingCount.Load()),
		FlushPages:         b.FlushPages.Load(),
		FlushBytes:         b.FlushBytes.Load(),
		CheckpointCount:    b.CheckpointCount.Load(),
		CheckpointErrors:   b.CheckpointErrors.Load(),
		CheckpointAvgNanos: avgNanos(b.CheckpointNanos.Load(), b.CheckpointCount.Load()),
		Replayed:           b.Replayed.Load(),
		MaxQueueDepth:      b.MaxQueueDepth.Load(),
	}
}

func avgNanos(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	UpsertCount        int64
	UpsertErrors       int64
	UpsertAvgNanos     int64
	DeleteCount        int64
	DeleteErrors       int64
	ReadCount          int64
	ReadHits           int64
	ReadMisses         int64
	ReadPending        int64
	ReadErrors         int64
	ReadAvgNanos       int64
	PendingCount       int64
	PendingErrors      int64
	PendingAvgNanos    int64
	FlushPages         int64
	FlushBytes         int64
	CheckpointCount    int64
	CheckpointErrors   int64
	CheckpointAvgNanos int64
	Replayed           int64
	MaxQueueDepth      int64
}

// engineObserver forwards engine events to the collector and the logger.
type engineObserver struct {
	mc     MetricsCollector
	logger *Logger
}

func (o engineObserver) OnFlush(duration time.Duration, pages int, bytes int64) {
	o.mc.RecordFlush(pages, bytes, duration)
	o.logger.LogFlush(context.Background(), pages, bytes, duration)
}

func (o engineObserver) OnPendingComplete(latency time.Duration, err error) {
	o.mc.RecordPendingComplete(latency, translateError(err))
}

func (o engineObserver) OnCheckpoint(duration time.Duration, err error) {
	o.mc.RecordCheckpoint(duration, translateError(err))
}

func (o engineObserver) OnRecovery(duration time.Duration, replayed int, err error) {
	o.mc.RecordRecovery(replayed, duration, translateError(err))
	o.logger.LogRecovery(context.Background(), replayed, translateError(err))
}

func (o engineObserver) OnQueueDepth(_ string, depth int) {
	o.mc.RecordQueueDepth(depth)
}
