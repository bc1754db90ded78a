package sink

import (
	"metering-gateway/internal/common/logging"
	"metering-gateway/internal/config"
)

// FromConfig builds the sinks enabled in cfg. redisClient may be nil when no
// stream is configured.
func FromConfig(cfg *config.Config, store ReadingWriter, redisClient StreamAppender, logger logging.Logger) (*Multi, error) {
	var sinks []Sink

	if cfg.SinkStorageEnabled && store != nil {
		sinks = append(sinks, NewStorageSink(store))
	}
	if cfg.SinkRedisStream != "" && redisClient != nil {
		sinks = append(sinks, NewStreamSink(redisClient, cfg.SinkRedisStream, DefaultStreamMaxLen))
	}
	if cfg.SinkAMQPURL != "" {
		pool, err := NewConnectionPool(cfg.SinkAMQPURL, 2)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, NewAMQPSink(pool, cfg.SinkAMQPExchange, logger))
	}

	return NewMulti(logger, sinks...), nil
}
