package hlog

import (
	"context"
	"time"

	"github.com/hupe1980/fastkv/internal/device"
)

func (l *Log) kickFlush() {
	select {
	case l.flushKick <- struct{}{}:
	default:
	}
}

// retryFlush clears a previous flush failure and wakes the flusher.
func (l *Log) retryFlush() {
	l.setFlushErr(nil)
	l.kickFlush()
}

// FlushError returns the error of the last failed flush, if it has not
// been retried successfully since.
func (l *Log) FlushError() error {
	l.errMu.Lock()
	defer l.errMu.Unlock()
	return l.flushErr
}

func (l *Log) setFlushErr(err error) {
	l.errMu.Lock()
	l.flushErr = err
	l.errMu.Unlock()
}

func (l *Log) flushLoop() {
	defer l.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case <-l.flushKick:
		}
		l.flushPending()
	}
}

// flushPending writes [flushedUntil, safeReadOnly) to the device in batches.
// Only the flusher goroutine moves flushedUntil.
func (l *Log) flushPending() {
	ctx := context.Background()

	for !l.closed.Load() {
		from, to := l.flushedUntil.Load(), l.safeReadOnly.Load()
		if b := l.begin.Load(); from < b {
			from = min(b, to)
			l.flushedUntil.Store(from)
		}
		if from >= to {
			return
		}

		first := from >> l.pageBits
		last := min((to-1)>>l.pageBits, first+uint64(l.opts.FlushBatch)-1)
		end := min(to, (last+1)<<l.pageBits)

		pages := make([]device.Page, 0, last-first+1)
		var bytes int64
		for p := first; p <= last; p++ {
			n := l.pageSize
			if pe := (p + 1) << l.pageBits; pe > end {
				n = end - p<<l.pageBits
			}
			pages = append(pages, device.Page{Number: p, Data: l.frames[p%uint64(len(l.frames))][:n]})
			bytes += int64(n)
		}

		if err := l.opts.Resources.AcquireFlushSlot(ctx); err != nil {
			l.setFlushErr(err)
			return
		}
		start := time.Now()
		err := l.dev.WriteBatch(ctx, pages)
		l.opts.Resources.ReleaseFlushSlot()
		if err != nil {
			l.setFlushErr(err)
			l.logger.Error("log flush failed", "from", from, "until", end, "error", err)
			return
		}

		l.setFlushErr(nil)
		l.flushedUntil.Store(end)
		l.flushPages.Add(int64(len(pages)))
		l.flushBytes.Add(bytes)

		elapsed := time.Since(start)
		l.logger.Debug("log flushed", "from", from, "until", end, "pages", len(pages), "duration", elapsed)
		if l.opts.OnFlush != nil {
			l.opts.OnFlush(len(pages), bytes, elapsed)
		}
	}
}
