package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wardengate/wardengate/internal/domain/audit"
)

// Recorder writes audit records asynchronously through a buffered
// channel and a background worker, keeping store writes off the request
// path. When the channel is full the producer blocks up to sendTimeout,
// then drops the record and counts the drop.
type Recorder struct {
	store   audit.Store
	records chan audit.Record
	logger  *slog.Logger

	batchSize     int
	flushInterval time.Duration
	sendTimeout   time.Duration

	wg        sync.WaitGroup
	closeOnce sync.Once
	closed    atomic.Bool
	dropCount atomic.Int64
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithBatchSize sets how many records are batched per store write.
func WithBatchSize(size int) RecorderOption {
	return func(r *Recorder) {
		if size > 0 {
			r.batchSize = size
		}
	}
}

// WithFlushInterval sets how often a partial batch is flushed.
func WithFlushInterval(interval time.Duration) RecorderOption {
	return func(r *Recorder) {
		if interval > 0 {
			r.flushInterval = interval
		}
	}
}

// WithChannelSize sets the audit channel buffer.
func WithChannelSize(size int) RecorderOption {
	return func(r *Recorder) {
		if size > 0 {
			r.records = make(chan audit.Record, size)
		}
	}
}

// WithSendTimeout sets how long Record blocks on a full channel before
// dropping. Zero drops immediately.
func WithSendTimeout(timeout time.Duration) RecorderOption {
	return func(r *Recorder) {
		r.sendTimeout = timeout
	}
}

// NewRecorder builds a Recorder over the given store. Call Start to
// begin the worker and Stop to drain it.
func NewRecorder(store audit.Store, logger *slog.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:         store,
		records:       make(chan audit.Record, 1000),
		logger:        logger,
		batchSize:     100,
		flushInterval: time.Second,
		sendTimeout:   100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the background worker.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.worker(ctx)
}

// Record enqueues one audit record. A zero timestamp is stamped here so
// callers can omit it. Never blocks longer than sendTimeout and never
// returns an error; a gateway request must not fail because its audit
// line could not be queued.
func (r *Recorder) Record(rec audit.Record) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if r.closed.Load() {
		r.countDrop(rec)
		return
	}

	select {
	case r.records <- rec:
		return
	default:
	}

	if r.sendTimeout <= 0 {
		r.countDrop(rec)
		return
	}
	select {
	case r.records <- rec:
	case <-time.After(r.sendTimeout):
		r.countDrop(rec)
	}
}

func (r *Recorder) countDrop(rec audit.Record) {
	drops := r.dropCount.Add(1)
	r.logger.Warn("audit record dropped",
		"event_type", string(rec.EventType),
		"trace_id", rec.TraceID,
		"total_drops", drops)
}

// Dropped returns the total records dropped so far.
func (r *Recorder) Dropped() int64 {
	return r.dropCount.Load()
}

// Recent reads the newest records back from the store's cache.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]audit.Record, error) {
	return r.store.Recent(ctx, limit)
}

// Stop closes intake, waits for the worker to flush what is queued, and
// forces the store to disk. Idempotent.
func (r *Recorder) Stop(ctx context.Context) {
	r.closeOnce.Do(func() {
		r.closed.Store(true)
		close(r.records)
	})
	r.wg.Wait()
	if err := r.store.Flush(ctx); err != nil {
		r.logger.Error("audit store flush failed", "error", err)
	}
}

// worker batches records and writes them to the store, flushing on
// batch size or the interval tick, whichever comes first.
func (r *Recorder) worker(ctx context.Context) {
	defer r.wg.Done()

	batch := make([]audit.Record, 0, r.batchSize)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case rec, ok := <-r.records:
			if !ok {
				r.finalFlush(batch)
				return
			}
			batch = append(batch, rec)
			if len(batch) >= r.batchSize {
				r.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			// Drain what is already buffered without waiting for more.
			for {
				select {
				case rec, ok := <-r.records:
					if !ok {
						r.finalFlush(batch)
						return
					}
					batch = append(batch, rec)
				default:
					r.finalFlush(batch)
					return
				}
			}
		}
	}
}

// finalFlush writes the remaining batch under its own bounded deadline;
// the request context is gone by the time shutdown reaches here.
func (r *Recorder) finalFlush(batch []audit.Record) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.flush(ctx, batch)
}

// flush writes one batch. Errors are logged, never propagated; audit
// failures must not fail gateway operations.
func (r *Recorder) flush(ctx context.Context, batch []audit.Record) {
	if err := r.store.Append(ctx, batch...); err != nil {
		r.logger.Error("audit batch write failed",
			"error", err, "count", len(batch))
	}
}
