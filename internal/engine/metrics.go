package engine

import "time"

// MetricsObserver receives engine-internal events.
type MetricsObserver interface {
	// OnFlush is called after a batch of pages reached the device.
	OnFlush(duration time.Duration, pages int, bytes int64)

	// OnPendingComplete is called when a pending operation is delivered.
	// latency spans issue to delivery.
	OnPendingComplete(latency time.Duration, err error)

	// OnCheckpoint is called when a checkpoint finishes or fails.
	OnCheckpoint(duration time.Duration, err error)

	// OnRecovery is called once after a checkpoint was recovered.
	OnRecovery(duration time.Duration, replayed int, err error)

	// OnQueueDepth reports the depth of a background queue.
	OnQueueDepth(name string, depth int)
}

// NoopMetricsObserver is a no-op implementation of MetricsObserver.
type NoopMetricsObserver struct{}

func (o *NoopMetricsObserver) OnFlush(time.Duration, int, int64)      {}
func (o *NoopMetricsObserver) OnPendingComplete(time.Duration, error) {}
func (o *NoopMetricsObserver) OnCheckpoint(time.Duration, error)      {}
func (o *NoopMetricsObserver) OnRecovery(time.Duration, int, error)   {}
func (o *NoopMetricsObserver) OnQueueDepth(string, int)               {}
