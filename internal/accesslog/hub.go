// Package accesslog buffers cache access records off the request path and
// flushes them in batches to pluggable sinks.
package accesslog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/metrics"
	"github.com/JakeFAU/prerender/internal/render"
)

// Sink consumes batches of access records. Implementations must honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []render.AccessRecord) error
	Close(ctx context.Context) error
}

// Config controls buffering and batching for the Hub.
//   - BufferSize: size of the internal channel (default 4096).
//   - MaxBatch: flush once this many records queue (default 500).
//   - MaxBatchWait: flush after this duration even if the batch is small (default 1s).
//   - SinkTimeout: per-sink timeout while flushing (default 10s).
type Config struct {
	BufferSize   int
	MaxBatch     int
	MaxBatchWait time.Duration
	SinkTimeout  time.Duration
	Logger       *zap.Logger
}

const (
	defaultBufferSize   = 4096
	defaultMaxBatch     = 500
	defaultMaxBatchWait = time.Second
	defaultSinkTimeout  = 10 * time.Second
	dropLogInterval     = 5 * time.Second
)

// Hub implements render.AccessEmitter. Emit never blocks; when the buffer is
// full the record is dropped and counted.
type Hub struct {
	cfg         Config
	sinks       []Sink
	records     chan render.AccessRecord
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *zap.Logger
	dropLimiter dropLimiter
	dropped     atomic.Int64
	closed      atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

// NewHub starts the batching goroutine and returns a ready Hub.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:         cfg,
		sinks:       append([]Sink(nil), sinks...),
		records:     make(chan render.AccessRecord, cfg.BufferSize),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      logger,
		dropLimiter: dropLimiter{interval: dropLogInterval},
	}
	go h.run()
	return h
}

var errInvalidRecord = errors.New("access record needs a url and a location")

func validate(rec render.AccessRecord) error {
	if rec.NormalizedURL == "" || rec.Location == "" {
		return errInvalidRecord
	}
	return nil
}

// Emit enqueues a record for batching.
func (h *Hub) Emit(rec render.AccessRecord) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := validate(rec); err != nil {
		h.logger.Debug("discarding access record", zap.Error(err))
		return
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	select {
	case h.records <- rec:
	default:
		metrics.ObserveAccessRecordDropped()
		h.dropped.Add(1)
		if h.dropLimiter.Allow(time.Now()) {
			count := h.dropped.Swap(0)
			h.logger.Warn("access records dropped due to backpressure", zap.Int64("dropped", count))
		}
	}
}

// Close drains buffered records, flushes sinks, and waits for the background
// goroutine. Repeated calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("access log close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	batch := make([]render.AccessRecord, 0, h.cfg.MaxBatch)
	ticker := time.NewTicker(h.cfg.MaxBatchWait)
	defer ticker.Stop()
	for {
		select {
		case rec := <-h.records:
			batch = append(batch, rec)
			if len(batch) >= h.cfg.MaxBatch {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				h.flush(batch)
				batch = batch[:0]
			}
		case <-h.stopCh:
			h.drain(batch)
			return
		}
	}
}

func (h *Hub) drain(batch []render.AccessRecord) {
	for {
		select {
		case rec := <-h.records:
			batch = append(batch, rec)
			if len(batch) >= h.cfg.MaxBatch {
				h.flush(batch)
				batch = batch[:0]
			}
		default:
			h.flush(batch)
			h.closeSinks()
			return
		}
	}
}

func (h *Hub) flush(batch []render.AccessRecord) {
	if len(batch) == 0 {
		return
	}
	copyBatch := append([]render.AccessRecord(nil), batch...)
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), h.cfg.SinkTimeout)
		if err := sink.Consume(ctx, copyBatch); err != nil {
			h.logger.Warn("access log sink consume failed", zap.Int("records", len(copyBatch)), zap.Error(err))
		}
		cancel()
	}
}

func (h *Hub) closeSinks() {
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	for _, sink := range h.sinks {
		if sink == nil {
			continue
		}
		if err := sink.Close(ctx); err != nil {
			h.logger.Warn("access log sink close failed", zap.Error(err))
		}
	}
}

type dropLimiter struct {
	interval time.Duration
	last     atomic.Int64
}

func (r *dropLimiter) Allow(now time.Time) bool {
	if r.interval <= 0 {
		return true
	}
	nano := now.UnixNano()
	last := r.last.Load()
	if nano-last < r.interval.Nanoseconds() {
		return false
	}
	return r.last.CompareAndSwap(last, nano)
}
