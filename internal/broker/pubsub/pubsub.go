// Package pubsub implements the broker on Google Cloud Pub/Sub.
//
// The queue maps to a topic plus one shared subscription; every worker pulls from
// the same subscription with one outstanding message.
//
// Pub/Sub only reports a delivery attempt count on subscriptions with a
// dead-letter policy. Without one, a Broker marks a message redelivered when it
// nacked the same message ID itself, so a redelivery that lands on another
// worker's Broker is not flagged.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/JakeFAU/browsing-digest/internal/broker"
)

// Config names the Pub/Sub resources backing the queue.
type Config struct {
	ProjectID    string
	Topic        string
	Subscription string
	// Endpoint points at an emulator. Empty uses the production endpoint with default credentials.
	Endpoint    string
	AckDeadline time.Duration
	DialTimeout time.Duration
}

// SubscriptionID returns the subscription name derived from the queue and group.
func (c Config) SubscriptionID() string {
	return c.Topic + "-" + c.Subscription
}

// Dialer opens Pub/Sub backed brokers.
type Dialer struct {
	cfg    Config
	opts   []option.ClientOption
	logger *zap.Logger
}

// NewDialer builds a Dialer. Extra client options take precedence over Endpoint.
func NewDialer(cfg Config, logger *zap.Logger, opts ...option.ClientOption) *Dialer {
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = 60 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dialer{cfg: cfg, opts: opts, logger: logger}
}

func (d *Dialer) clientOptions() []option.ClientOption {
	if len(d.opts) > 0 || d.cfg.Endpoint == "" {
		return d.opts
	}
	return []option.ClientOption{
		option.WithEndpoint(d.cfg.Endpoint),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	}
}

// Dial connects and makes sure the topic and subscription exist.
func (d *Dialer) Dial(ctx context.Context) (broker.Broker, error) {
	if d.cfg.ProjectID == "" || d.cfg.Topic == "" || d.cfg.Subscription == "" {
		return nil, errors.New("pubsub project, topic and subscription are required")
	}
	ctx, cancel := context.WithTimeout(ctx, d.cfg.DialTimeout)
	defer cancel()

	client, err := pubsub.NewClient(ctx, d.cfg.ProjectID, d.clientOptions()...)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	topic, err := d.ensureTopic(ctx, client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	sub, err := d.ensureSubscription(ctx, client, topic)
	if err != nil {
		topic.Stop()
		_ = client.Close()
		return nil, err
	}
	topic.PublishSettings.CountThreshold = 1
	sub.ReceiveSettings.MaxOutstandingMessages = 1
	sub.ReceiveSettings.NumGoroutines = 1

	return &Broker{
		client:     client,
		topic:      topic,
		sub:        sub,
		logger:     d.logger,
		deliveries: make(chan *broker.Delivery),
		recvErr:    make(chan error, 1),
		done:       make(chan struct{}),
		nacked:     make(map[string]struct{}),
	}, nil
}

func (d *Dialer) ensureTopic(ctx context.Context, client *pubsub.Client) (*pubsub.Topic, error) {
	topic := client.Topic(d.cfg.Topic)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check topic %q: %w", d.cfg.Topic, err)
	}
	if exists {
		return topic, nil
	}
	created, err := client.CreateTopic(ctx, d.cfg.Topic)
	if status.Code(err) == codes.AlreadyExists {
		return topic, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create topic %q: %w", d.cfg.Topic, err)
	}
	d.logger.Info("created pubsub topic", zap.String("topic", d.cfg.Topic))
	return created, nil
}

func (d *Dialer) ensureSubscription(ctx context.Context, client *pubsub.Client, topic *pubsub.Topic) (*pubsub.Subscription, error) {
	id := d.cfg.SubscriptionID()
	sub := client.Subscription(id)
	exists, err := sub.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("check subscription %q: %w", id, err)
	}
	if exists {
		return sub, nil
	}
	created, err := client.CreateSubscription(ctx, id, pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: d.cfg.AckDeadline,
	})
	if status.Code(err) == codes.AlreadyExists {
		return sub, nil
	}
	if err != nil {
		return nil, fmt.Errorf("create subscription %q: %w", id, err)
	}
	d.logger.Info("created pubsub subscription", zap.String("subscription", id))
	return created, nil
}

// Broker is a Pub/Sub connection with a prefetch of one.
type Broker struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	logger *zap.Logger

	startOnce  sync.Once
	deliveries chan *broker.Delivery
	recvErr    chan error
	cancel     context.CancelFunc
	wg         sync.WaitGroup

	mu          sync.Mutex
	outstanding bool
	closed      bool
	done        chan struct{}
	// nacked holds IDs this Broker returned to the subscription and has not
	// seen acked since.
	nacked map[string]struct{}
}

// Publish sends body and waits for the server to accept it.
func (b *Broker) Publish(ctx context.Context, body []byte) error {
	if b.isClosed() {
		return broker.ErrClosed
	}
	msg := &pubsub.Message{Data: body, Attributes: map[string]string{}}
	otel.GetTextMapPropagator().Inject(ctx, &attributeCarrier{attrs: msg.Attributes})
	if _, err := b.topic.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Receive returns the next message. The subscription is pulled lazily so that
// publish-only connections never lease messages.
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
	b.mu.Unlock()

	b.startOnce.Do(b.startReceiving)

	select {
	case d := <-b.deliveries:
		b.mu.Lock()
		b.outstanding = true
		b.mu.Unlock()
		return d, nil
	case err := <-b.recvErr:
		return nil, fmt.Errorf("pubsub receive: %w", err)
	case <-ctx.Done():
		return nil, fmt.Errorf("receive canceled: %w", ctx.Err())
	case <-b.done:
		return nil, broker.ErrClosed
	}
}

func (b *Broker) startReceiving() {
	rctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.sub.Receive(rctx, b.handle); err != nil && rctx.Err() == nil {
			b.recvErr <- err
		}
	}()
}

func (b *Broker) handle(ctx context.Context, m *pubsub.Message) {
	settled := make(chan struct{})
	finish := func() {
		b.mu.Lock()
		b.outstanding = false
		b.mu.Unlock()
		close(settled)
	}
	d := broker.NewDelivery(m.ID, m.Data, b.redelivered(m),
		func(context.Context) error {
			b.forget(m.ID)
			m.Ack()
			finish()
			return nil
		},
		func(context.Context) error {
			b.nack(m)
			finish()
			return nil
		},
	)
	d.Headers = m.Attributes

	select {
	case b.deliveries <- d:
	case <-ctx.Done():
		b.nack(m)
		return
	}
	select {
	case <-settled:
	case <-ctx.Done():
		b.nack(m)
	}
}

func (b *Broker) redelivered(m *pubsub.Message) bool {
	if m.DeliveryAttempt != nil && *m.DeliveryAttempt > 1 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.nacked[m.ID]
	return ok
}

func (b *Broker) nack(m *pubsub.Message) {
	b.mu.Lock()
	b.nacked[m.ID] = struct{}{}
	b.mu.Unlock()
	m.Nack()
}

func (b *Broker) forget(id string) {
	b.mu.Lock()
	delete(b.nacked, id)
	b.mu.Unlock()
}

func (b *Broker) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close stops pulling, flushes pending publishes and closes the client.
// An unsettled delivery is nacked and will be redelivered.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	b.mu.Unlock()

	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
	b.topic.Stop()
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}

// attributeCarrier implements propagation.TextMapCarrier for message attributes.
type attributeCarrier struct {
	attrs map[string]string
}

func (c *attributeCarrier) Get(key string) string {
	return c.attrs[key]
}

func (c *attributeCarrier) Set(key, value string) {
	c.attrs[key] = value
}

func (c *attributeCarrier) Keys() []string {
	keys := make([]string, 0, len(c.attrs))
	for k := range c.attrs {
		keys = append(keys, k)
	}
	return keys
}
