// Package sink delivers synchronized meter readings to their destinations.
// A reading may be written more than once when a job is replayed, so every
// destination must tolerate duplicates.
package sink

import (
	"context"
	"fmt"

	"metering-gateway/internal/common/logging"
	"metering-gateway/internal/storage"
)

// Sink receives one reading at a time.
type Sink interface {
	Name() string
	Write(ctx context.Context, reading *storage.MeterReading) error
}

// ReadingWriter is the part of storage.Storage the storage sink needs.
type ReadingWriter interface {
	SaveReading(ctx context.Context, reading *storage.MeterReading) error
}

// StorageSink upserts readings into the relational store.
type StorageSink struct {
	store ReadingWriter
}

func NewStorageSink(store ReadingWriter) *StorageSink {
	return &StorageSink{store: store}
}

func (s *StorageSink) Name() string { return "storage" }

func (s *StorageSink) Write(ctx context.Context, reading *storage.MeterReading) error {
	return s.store.SaveReading(ctx, reading)
}

// Multi writes every reading to all of its sinks in order and stops at the
// first failure. The failing reading is written again when the job retries.
type Multi struct {
	sinks  []Sink
	logger logging.Logger
}

func NewMulti(logger logging.Logger, sinks ...Sink) *Multi {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Multi{
		sinks:  sinks,
		logger: logger.WithFields(logging.Field{Key: "component", Value: "sink"}),
	}
}

func (m *Multi) Name() string { return "multi" }

func (m *Multi) Len() int { return len(m.sinks) }

func (m *Multi) Write(ctx context.Context, reading *storage.MeterReading) error {
	for _, s := range m.sinks {
		if err := s.Write(ctx, reading); err != nil {
			m.logger.Warn("Sink write failed",
				logging.Field{Key: "sink", Value: s.Name()},
				logging.Field{Key: "account_id", Value: reading.AccountID},
				logging.Field{Key: "usage_point_id", Value: reading.UsagePointID},
				logging.Field{Key: "endpoint", Value: reading.Endpoint},
				logging.Field{Key: "error", Value: err.Error()},
			)
			return fmt.Errorf("sink %s: %w", s.Name(), err)
		}
	}
	return nil
}

// Close releases sinks that hold connections.
func (m *Multi) Close() error {
	var firstErr error
	for _, s := range m.sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
