// Package memory is an in-process broker backend for tests and single-binary runs.
//
// A Queue outlives the Brokers dialed against it, so unsettled messages of a
// closed Broker go back to the queue and are redelivered to the next consumer.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/JakeFAU/browsing-digest/internal/broker"
)

type message struct {
	id          string
	body        []byte
	headers     map[string]string
	redelivered bool
}

// Queue is a named durable queue held in memory.
type Queue struct {
	name    string
	mu      sync.Mutex
	ready   []*message
	unacked map[string]*message
	changed chan struct{}
}

// NewQueue creates an empty queue.
func NewQueue(name string) *Queue {
	return &Queue{
		name:    name,
		unacked: make(map[string]*message),
		changed: make(chan struct{}),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Len returns the number of messages waiting for delivery.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready)
}

// Unacked returns the number of delivered but unsettled messages.
func (q *Queue) Unacked() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.unacked)
}

// Bodies returns copies of the waiting message bodies in delivery order.
func (q *Queue) Bodies() [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([][]byte, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, append([]byte(nil), m.body...))
	}
	return out
}

// broadcast wakes all waiters. Callers hold q.mu.
func (q *Queue) broadcast() {
	close(q.changed)
	q.changed = make(chan struct{})
}

func (q *Queue) push(m *message, front bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if front {
		q.ready = append([]*message{m}, q.ready...)
	} else {
		q.ready = append(q.ready, m)
	}
	q.broadcast()
}

func (q *Queue) take(ctx context.Context, closed <-chan struct{}) (*message, error) {
	for {
		q.mu.Lock()
		if len(q.ready) > 0 {
			m := q.ready[0]
			q.ready = q.ready[1:]
			q.unacked[m.id] = m
			q.mu.Unlock()
			return m, nil
		}
		wait := q.changed
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receive canceled: %w", ctx.Err())
		case <-closed:
			return nil, broker.ErrClosed
		case <-wait:
		}
	}
}

func (q *Queue) ack(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.unacked, id)
}

func (q *Queue) requeue(id string) {
	q.mu.Lock()
	m, ok := q.unacked[id]
	if ok {
		delete(q.unacked, id)
	}
	q.mu.Unlock()
	if ok {
		m.redelivered = true
		q.push(m, true)
	}
}

// Dialer opens Brokers on a Queue.
type Dialer struct {
	queue *Queue
}

// NewDialer returns a Dialer for q.
func NewDialer(q *Queue) *Dialer {
	return &Dialer{queue: q}
}

// Dial returns a new consumer/producer handle on the queue.
func (d *Dialer) Dial(_ context.Context) (broker.Broker, error) {
	return &Broker{queue: d.queue, done: make(chan struct{})}, nil
}

// Broker is one connection to a Queue with a prefetch of one.
type Broker struct {
	queue *Queue

	mu          sync.Mutex
	outstanding string
	closed      bool
	done        chan struct{}
}

// Publish appends body to the queue. The trace context of ctx travels with the
// message as headers.
func (b *Broker) Publish(ctx context.Context, body []byte) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return broker.ErrClosed
	}
	headers := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, headers)
	b.queue.push(&message{id: uuid.NewString(), body: append([]byte(nil), body...), headers: headers}, false)
	return nil
}

// Receive waits for the next message. It fails with broker.ErrUnsettled while
// the previous delivery has not been acked or nacked.
func (b *Broker) Receive(ctx context.Context) (*broker.Delivery, error) {
	b.mu.Lock()
	switch {
	case b.closed:
		b.mu.Unlock()
		return nil, broker.ErrClosed
	case b.outstanding != "":
		b.mu.Unlock()
		return nil, broker.ErrUnsettled
	}
	b.mu.Unlock()

	m, err := b.queue.take(ctx, b.done)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.queue.requeue(m.id)
		return nil, broker.ErrClosed
	}
	b.outstanding = m.id
	b.mu.Unlock()

	d := broker.NewDelivery(m.id, append([]byte(nil), m.body...), m.redelivered,
		func(context.Context) error {
			b.settle(m.id)
			b.queue.ack(m.id)
			return nil
		},
		func(context.Context) error {
			b.settle(m.id)
			b.queue.requeue(m.id)
			return nil
		},
	)
	d.Headers = maps.Clone(m.headers)
	return d, nil
}

func (b *Broker) settle(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.outstanding == id {
		b.outstanding = ""
	}
}

// Close stops the handle and returns any unsettled message to the queue.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	close(b.done)
	pending := b.outstanding
	b.outstanding = ""
	b.mu.Unlock()

	if pending != "" {
		b.queue.requeue(pending)
	}
	return nil
}
