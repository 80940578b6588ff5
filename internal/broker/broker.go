// Package broker defines the durable queue contract shared by the publisher and
// the worker, and the connection loop used to reach it.
//
// Backends declare the queue as durable when dialed, publish persistently, and
// hand out at most one unsettled delivery per consumer.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/browsing-digest/internal/metrics"
	"github.com/JakeFAU/browsing-digest/internal/retry"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker closed")

// ErrUnsettled is returned when Receive is called while a delivery is still unsettled.
var ErrUnsettled = errors.New("previous delivery not settled")

// Broker is a connection to one durable queue.
type Broker interface {
	// Publish enqueues body persistently.
	Publish(ctx context.Context, body []byte) error
	// Receive blocks until the next delivery is available or ctx is done.
	Receive(ctx context.Context) (*Delivery, error)
	Close() error
}

// Dialer opens a Broker, declaring the durable queue as part of the dial.
type Dialer interface {
	Dial(ctx context.Context) (Broker, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context) (Broker, error)

// Dial calls f.
func (f DialFunc) Dial(ctx context.Context) (Broker, error) {
	return f(ctx)
}

// Delivery is a received message awaiting acknowledgment.
type Delivery struct {
	ID          string
	Body        []byte
	Redelivered bool
	// Headers carries transport metadata such as trace context. May be nil.
	Headers map[string]string

	once sync.Once
	ack  func(context.Context) error
	nack func(context.Context) error
}

// NewDelivery builds a Delivery settled through ack or nack.
func NewDelivery(id string, body []byte, redelivered bool, ack, nack func(context.Context) error) *Delivery {
	return &Delivery{ID: id, Body: body, Redelivered: redelivered, ack: ack, nack: nack}
}

// Ack confirms the message; the broker will not deliver it again.
// Only the first Ack or Nack has any effect.
func (d *Delivery) Ack(ctx context.Context) error {
	return d.settle(ctx, d.ack)
}

// Nack returns the message to the queue for redelivery.
func (d *Delivery) Nack(ctx context.Context) error {
	return d.settle(ctx, d.nack)
}

func (d *Delivery) settle(ctx context.Context, fn func(context.Context) error) error {
	var err error
	d.once.Do(func() {
		if fn != nil {
			err = fn(ctx)
		}
	})
	return err
}

// ConnectionError reports that the broker stayed unreachable for the whole retry budget.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker unreachable after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// Connect dials until it succeeds or the policy is exhausted.
func Connect(ctx context.Context, d Dialer, p retry.Policy, s retry.Sleeper, logger *zap.Logger) (Broker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var b Broker
	err := retry.Do(ctx, p, s, func(ctx context.Context) error {
		conn, err := d.Dial(ctx)
		if err != nil {
			metrics.ObserveBrokerConnect(false)
			return err
		}
		metrics.ObserveBrokerConnect(true)
		b = conn
		return nil
	}, func(attempt, maxAttempts int, err error) {
		logger.Warn("broker connection failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Error(err),
		)
	})
	if err != nil {
		var exhausted *retry.ExhaustedError
		if errors.As(err, &exhausted) {
			return nil, &ConnectionError{Attempts: exhausted.Attempts, Err: exhausted.Err}
		}
		return nil, fmt.Errorf("connect broker: %w", err)
	}
	logger.Info("broker connected")
	return b, nil
}
