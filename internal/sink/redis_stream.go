package sink

import (
	"context"
	"time"

	"metering-gateway/internal/storage"
)

// DefaultStreamMaxLen bounds the stream length; trimming is approximate.
const DefaultStreamMaxLen = 100000

// StreamAppender is satisfied by *redis.Client.
type StreamAppender interface {
	AppendStream(ctx context.Context, stream string, maxLen int64, values map[string]interface{}) (string, error)
}

// StreamSink appends readings to a Redis stream for downstream consumers.
type StreamSink struct {
	client StreamAppender
	stream string
	maxLen int64
}

func NewStreamSink(client StreamAppender, stream string, maxLen int64) *StreamSink {
	if maxLen <= 0 {
		maxLen = DefaultStreamMaxLen
	}
	return &StreamSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *StreamSink) Name() string { return "redis-stream" }

func (s *StreamSink) Write(ctx context.Context, reading *storage.MeterReading) error {
	_, err := s.client.AppendStream(ctx, s.stream, s.maxLen, map[string]interface{}{
		"account_id":     reading.AccountID,
		"usage_point_id": reading.UsagePointID,
		"endpoint":       reading.Endpoint,
		"start":          reading.Start,
		"end":            reading.End,
		"payload":        string(reading.Payload),
		"fetched_at":     reading.FetchedAt.UTC().Format(time.RFC3339),
	})
	return err
}
