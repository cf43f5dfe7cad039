// Package sinks contains accesslog.Sink implementations.
package sinks

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/prerender/internal/render"
)

// StoreSink appends batches to the durable access log.
type StoreSink struct {
	store render.AccessLogStore
}

// NewStoreSink wraps store.
func NewStoreSink(store render.AccessLogStore) *StoreSink {
	return &StoreSink{store: store}
}

// Consume writes the batch in one call.
func (s *StoreSink) Consume(ctx context.Context, batch []render.AccessRecord) error {
	if s == nil || s.store == nil {
		return nil
	}
	if err := s.store.InsertAccessRecords(ctx, batch); err != nil {
		return fmt.Errorf("insert access records: %w", err)
	}
	return nil
}

// Close implements accesslog.Sink; it performs no action.
func (s *StoreSink) Close(context.Context) error { return nil }

// TouchSink bumps access stats on artifacts that served a hit.
type TouchSink struct {
	artifacts render.ArtifactStore
}

// NewTouchSink wraps artifacts.
func NewTouchSink(artifacts render.ArtifactStore) *TouchSink {
	return &TouchSink{artifacts: artifacts}
}

// Consume touches the artifact behind every hit in batch.
func (s *TouchSink) Consume(ctx context.Context, batch []render.AccessRecord) error {
	if s == nil || s.artifacts == nil {
		return nil
	}
	for _, rec := range batch {
		if rec.Location == render.CacheLocationNone {
			continue
		}
		if err := s.artifacts.TouchArtifact(ctx, rec.NormalizedURL, rec.Timestamp); err != nil {
			return fmt.Errorf("touch artifact: %w", err)
		}
	}
	return nil
}

// Close implements accesslog.Sink; it performs no action.
func (s *TouchSink) Close(context.Context) error { return nil }

// LogSink writes each record at debug level. Useful in development where no
// durable store is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each record using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []render.AccessRecord) error {
	for _, rec := range batch {
		s.logger.Debug("cache access",
			zap.String("principal", rec.PrincipalID),
			zap.String("normalized_url", rec.NormalizedURL),
			zap.String("location", string(rec.Location)),
			zap.Int64("response_time_ms", rec.ResponseTimeMs),
			zap.Time("ts", rec.Timestamp),
		)
	}
	return nil
}

// Close implements accesslog.Sink; it performs no action.
func (s *LogSink) Close(context.Context) error { return nil }
