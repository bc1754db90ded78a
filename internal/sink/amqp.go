package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"
	"metering-gateway/internal/common/errors"
	"metering-gateway/internal/common/logging"
	"metering-gateway/internal/storage"
)

// Channel is the subset of *amqp.Channel used for publishing.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelSource hands out channels. Closing a channel returns its connection.
type ChannelSource interface {
	NewChannel() (Channel, error)
	Close()
}

// ConnectionPool keeps a fixed number of AMQP connections open.
type ConnectionPool struct {
	url         string
	connections chan *amqp.Connection
	mu          sync.RWMutex
	closed      bool
	dial        func(url string) (*amqp.Connection, error)
}

// NewConnectionPool dials size connections up front.
func NewConnectionPool(url string, size int) (*ConnectionPool, error) {
	if size < 1 {
		size = 1
	}
	pool := &ConnectionPool{
		url:         url,
		connections: make(chan *amqp.Connection, size),
		dial:        amqp.Dial,
	}

	for i := 0; i < size; i++ {
		conn, err := pool.dial(url)
		if err != nil {
			pool.Close()
			return nil, errors.ConnectionError("failed to connect to AMQP broker", err)
		}
		pool.connections <- conn
	}
	return pool, nil
}

func (p *ConnectionPool) getConnection() (*amqp.Connection, error) {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, fmt.Errorf("connection pool is closed")
	}
	p.mu.RUnlock()

	select {
	case conn, ok := <-p.connections:
		if !ok {
			return nil, fmt.Errorf("connection pool is closed")
		}
		if conn.IsClosed() {
			return p.dial(p.url)
		}
		return conn, nil
	case <-time.After(5 * time.Second):
		return nil, errors.TimeoutError("waiting for AMQP connection")
	}
}

func (p *ConnectionPool) returnConnection(conn *amqp.Connection) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		conn.Close()
		return
	}
	if conn.IsClosed() {
		return
	}
	select {
	case p.connections <- conn:
	default:
		conn.Close()
	}
}

// NewChannel opens a channel on a pooled connection.
func (p *ConnectionPool) NewChannel() (Channel, error) {
	conn, err := p.getConnection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		p.returnConnection(conn)
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return &pooledChannel{Channel: ch, conn: conn, pool: p}, nil
}

func (p *ConnectionPool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.connections)
	for conn := range p.connections {
		conn.Close()
	}
}

type pooledChannel struct {
	*amqp.Channel
	conn *amqp.Connection
	pool *ConnectionPool
}

func (c *pooledChannel) Close() error {
	err := c.Channel.Close()
	c.pool.returnConnection(c.conn)
	return err
}

// AMQPSink publishes readings to a topic exchange. The routing key is
// "<endpoint>.<usage_point_id>" and the message id identifies the reading,
// so consumers can drop duplicates.
type AMQPSink struct {
	source   ChannelSource
	exchange string
	logger   logging.Logger

	mu       sync.Mutex
	declared bool
}

func NewAMQPSink(source ChannelSource, exchange string, logger logging.Logger) *AMQPSink {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &AMQPSink{
		source:   source,
		exchange: exchange,
		logger:   logger.WithFields(logging.Field{Key: "component", Value: "amqp-sink"}, logging.Field{Key: "exchange", Value: exchange}),
	}
}

func (s *AMQPSink) Name() string { return "amqp" }

type readingMessage struct {
	AccountID    string          `json:"account_id"`
	UsagePointID string          `json:"usage_point_id"`
	Endpoint     string          `json:"endpoint"`
	Start        string          `json:"start"`
	End          string          `json:"end"`
	Payload      json.RawMessage `json:"payload"`
	FetchedAt    time.Time       `json:"fetched_at"`
}

func encodeReading(reading *storage.MeterReading) ([]byte, error) {
	payload := json.RawMessage(reading.Payload)
	if !json.Valid(payload) {
		quoted, err := json.Marshal(string(reading.Payload))
		if err != nil {
			return nil, err
		}
		payload = quoted
	}
	return json.Marshal(readingMessage{
		AccountID:    reading.AccountID,
		UsagePointID: reading.UsagePointID,
		Endpoint:     reading.Endpoint,
		Start:        reading.Start,
		End:          reading.End,
		Payload:      payload,
		FetchedAt:    reading.FetchedAt.UTC(),
	})
}

// MessageID is stable across replays of the same reading.
func MessageID(reading *storage.MeterReading) string {
	return fmt.Sprintf("%s:%s:%s:%s", reading.AccountID, reading.UsagePointID, reading.Endpoint, reading.Start)
}

func (s *AMQPSink) Write(ctx context.Context, reading *storage.MeterReading) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := encodeReading(reading)
	if err != nil {
		return errors.InternalError("failed to encode reading", err)
	}

	ch, err := s.source.NewChannel()
	if err != nil {
		return errors.ConnectionError("failed to get AMQP channel", err)
	}
	defer ch.Close()

	if err := s.declare(ch); err != nil {
		return errors.ConnectionError("failed to declare exchange "+s.exchange, err)
	}

	err = ch.Publish(s.exchange, reading.Endpoint+"."+reading.UsagePointID, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    MessageID(reading),
		Timestamp:    reading.FetchedAt,
		Body:         body,
	})
	if err != nil {
		return errors.ConnectionError("failed to publish reading", err)
	}

	s.logger.Debug("Reading published", logging.Field{Key: "message_id", Value: MessageID(reading)})
	return nil
}

func (s *AMQPSink) declare(ch Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.declared {
		return nil
	}
	if err := ch.ExchangeDeclare(s.exchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}
	s.declared = true
	return nil
}

func (s *AMQPSink) Close() error {
	s.source.Close()
	return nil
}
