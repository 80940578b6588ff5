// Package kafka implements the broker on a Kafka topic.
//
// Workers share one consumer group, so each message is handled by a single
// worker. Offsets are committed per message once it is settled. A group
// consumer owns whole partitions, so the topic needs at least as many
// partitions as there are workers; records carry no key and ordering across
// partitions is not preserved.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/browsing-digest/internal/broker"
)

// RedeliveredHeader marks a message that was nacked and written back to the topic.
const RedeliveredHeader = "digest-redelivered"

// Config names the Kafka resources backing the queue.
type Config struct {
	Addr        string
	Topic       string
	GroupID     string
	DialTimeout time.Duration
	// Partitions is used when the topic is created. Values below 1 mean 1.
	Partitions int
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Dialer opens Kafka backed brokers.
type Dialer struct {
	cfg    Config
	logger *zap.Logger
}

// NewDialer builds a Dialer.
func NewDialer(cfg Config, logger *zap.Logger) *Dialer {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{cfg: cfg, logger: logger}
}

// Dial checks the cluster is reachable and creates the topic if needed.
func (d *Dialer) Dial(ctx context.Context) (broker.Broker, error) {
	if d.cfg.Addr == "" || d.cfg.Topic == "" || d.cfg.GroupID == "" {
		return nil, errors.New("kafka address, topic and group are required")
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	if err := d.ensureTopic(ctx); err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(d.cfg.Addr),
		Topic:                  d.cfg.Topic,
		Balancer:               &kafka.LeastBytes{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
	}
	cfg := d.cfg
	return New(cfg.Topic, writer, func() messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers: []string{cfg.Addr},
			Topic:   cfg.Topic,
			GroupID: cfg.GroupID,
		})
	}, d.logger), nil
}

func (d *Dialer) ensureTopic(ctx context.Context) error {
	conn, err := kafka.DialContext(ctx, "tcp", d.cfg.Addr)
	if err != nil {
		return fmt.Errorf("dial kafka %s: %w", d.cfg.Addr, err)
	}
	defer func() { _ = conn.Close() }()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find kafka controller: %w", err)
	}
	addr := net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port))
	ctrlConn, err := kafka.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial kafka controller %s: %w", addr, err)
	}
	defer func() { _ = ctrlConn.Close() }()

	tc := d.topicConfig()
	err = ctrlConn.CreateTopics(tc)
	if err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topic %q: %w", d.cfg.Topic, err)
	}

	parts, err := conn.ReadPartitions(d.cfg.Topic)
	if err != nil {
		return fmt.Errorf("read partitions of %q: %w", d.cfg.Topic, err)
	}
	if len(parts) < tc.NumPartitions {
		d.logger.Warn("topic has fewer partitions than consumers, some workers will sit idle",
			zap.String("topic", d.cfg.Topic),
			zap.Int("partitions", len(parts)),
			zap.Int("wanted", tc.NumPartitions),
		)
	}
	return nil
}

func (d *Dialer) topicConfig() kafka.TopicConfig {
	return kafka.TopicConfig{
		Topic:             d.cfg.Topic,
		NumPartitions:     max(d.cfg.Partitions, 1),
		ReplicationFactor: 1,
	}
}

// Broker publishes with a kafka.Writer and consumes through a group reader.
type Broker struct {
	topic     string
	writer    messageWriter
	newReader func() messageReader
	logger    *zap.Logger

	mu          sync.Mutex
	reader      messageReader
	outstanding bool
	closed      bool
}

// New builds a Broker from a writer and a reader factory. The reader is created
// on the first Receive so publish-only connections never join the group.
func New(topic string, writer messageWriter, newReader func() messageReader, logger *zap.Logger) *Broker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broker{topic: topic, writer: writer, newReader: newReader, logger: logger}
}

// Publish writes body and waits for all in-sync replicas.
func (b *Broker) Publish(ctx context.Context, body []byte) error {
	if b.isClosed() {
		return broker.ErrClosed
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	msg := kafka.Message{Value: body, Time: time.Now().UTC()}
	for k, v := range carrier {
		msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	if err := b.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Receive fetches the next message without committing it.
func (b *Broker) Receive(ctx context.Context) (*broker.Delivery, error) {
	b.mu.Lock()
	switch {
	case b.closed:
		b.mu.Unlock()
		return nil, broker.ErrClosed
	case b.outstanding:
		b.mu.Unlock()
		return nil, broker.ErrUnsettled
	}
	if b.reader == nil {
		b.reader = b.newReader()
	}
	reader := b.reader
	b.mu.Unlock()

	msg, err := reader.FetchMessage(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("receive canceled: %w", ctx.Err())
		}
		if b.isClosed() {
			return nil, broker.ErrClosed
		}
		return nil, fmt.Errorf("fetch message: %w", err)
	}

	b.mu.Lock()
	b.outstanding = true
	b.mu.Unlock()

	id := fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
	d := broker.NewDelivery(id, msg.Value, isRedelivered(msg),
		func(ctx context.Context) error {
			defer b.settled()
			if err := reader.CommitMessages(ctx, msg); err != nil {
				return fmt.Errorf("commit offset %s: %w", id, err)
			}
			return nil
		},
		func(ctx context.Context) error {
			defer b.settled()
			return b.requeue(ctx, reader, msg)
		},
	)
	d.Headers = headerMap(msg.Headers)
	return d, nil
}

// requeue writes a copy of msg back to the topic before committing the original,
// so a crash in between duplicates the message rather than losing it.
func (b *Broker) requeue(ctx context.Context, reader messageReader, msg kafka.Message) error {
	again := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Time:  time.Now().UTC(),
	}
	for _, h := range msg.Headers {
		if h.Key != RedeliveredHeader {
			again.Headers = append(again.Headers, h)
		}
	}
	again.Headers = append(again.Headers, kafka.Header{Key: RedeliveredHeader, Value: []byte("1")})
	if err := b.writer.WriteMessages(ctx, again); err != nil {
		return fmt.Errorf("requeue message: %w", err)
	}
	if err := reader.CommitMessages(ctx, msg); err != nil {
		return fmt.Errorf("commit requeued message: %w", err)
	}
	b.logger.Debug("message requeued", zap.Int64("offset", msg.Offset))
	return nil
}

func (b *Broker) settled() {
	b.mu.Lock()
	b.outstanding = false
	b.mu.Unlock()
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close closes the reader and writer. Uncommitted messages are redelivered to the group.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	reader := b.reader
	b.mu.Unlock()

	var errs []error
	if reader != nil {
		if err := reader.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close reader: %w", err))
		}
	}
	if err := b.writer.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close writer: %w", err))
	}
	return errors.Join(errs...)
}

func headerMap(headers []kafka.Header) map[string]string {
	if len(headers) == 0 {
		return nil
	}
	m := make(map[string]string, len(headers))
	for _, h := range headers {
		m[h.Key] = string(h.Value)
	}
	return m
}

func isRedelivered(msg kafka.Message) bool {
	for _, h := range msg.Headers {
		if h.Key == RedeliveredHeader {
			return true
		}
	}
	return false
}
