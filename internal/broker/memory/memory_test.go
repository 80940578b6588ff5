package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/JakeFAU/browsing-digest/internal/broker"
)

func dial(t *testing.T, q *Queue) broker.Broker {
	t.Helper()
	b, err := NewDialer(q).Dial(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestPublishReceiveAck(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue("urls")
	b := dial(t, q)

	require.NoError(t, b.Publish(ctx, []byte("one")))
	require.NoError(t, b.Publish(ctx, []byte("two")))
	assert.Equal(t, 2, q.Len())

	d, err := b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", string(d.Body))
	assert.False(t, d.Redelivered)
	assert.Equal(t, 1, q.Unacked())

	_, err = b.Receive(ctx)
	require.ErrorIs(t, err, broker.ErrUnsettled)

	require.NoError(t, d.Ack(ctx))
	assert.Zero(t, q.Unacked())

	d, err = b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "two", string(d.Body))
	require.NoError(t, d.Ack(ctx))
	assert.Zero(t, q.Len())
}

func TestNackRedeliversFirst(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue("urls")
	b := dial(t, q)
	require.NoError(t, b.Publish(ctx, []byte("one")))
	require.NoError(t, b.Publish(ctx, []byte("two")))

	d, err := b.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, d.Nack(ctx))

	d, err = b.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "one", string(d.Body))
	assert.True(t, d.Redelivered)
}

func TestCloseReturnsUnsettledMessage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue("urls")
	first, err := NewDialer(q).Dial(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Publish(ctx, []byte("pending")))

	_, err = first.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, first.Close())
	assert.Equal(t, 1, q.Len())

	_, err = first.Receive(ctx)
	require.ErrorIs(t, err, broker.ErrClosed)
	require.ErrorIs(t, first.Publish(ctx, []byte("x")), broker.ErrClosed)

	second := dial(t, q)
	d, err := second.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "pending", string(d.Body))
	assert.True(t, d.Redelivered)
}

func TestReceiveWaitsForPublish(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	q := NewQueue("urls")
	consumer := dial(t, q)
	producer := dial(t, q)

	got := make(chan string, 1)
	go func() {
		d, err := consumer.Receive(ctx)
		if err == nil {
			got <- string(d.Body)
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, producer.Publish(ctx, []byte("late")))
	select {
	case body := <-got:
		assert.Equal(t, "late", body)
	case <-time.After(time.Second):
		t.Fatal("receive did not wake up")
	}
}

func TestReceiveHonorsCancel(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := dial(t, NewQueue("urls")).Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCloseUnblocksReceive(t *testing.T) {
	t.Parallel()

	b, err := NewDialer(NewQueue("urls")).Dial(context.Background())
	require.NoError(t, err)
	errs := make(chan error, 1)
	go func() {
		_, err := b.Receive(context.Background())
		errs <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Close())
	require.ErrorIs(t, <-errs, broker.ErrClosed)
	require.NoError(t, b.Close())
}

func TestTraceContextTravelsWithMessage(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x0a, 0x0b},
		SpanID:     trace.SpanID{0x01},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	q := NewQueue("urls")
	b := dial(t, q)
	require.NoError(t, b.Publish(ctx, []byte("one")))

	d, err := b.Receive(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, d.Headers["traceparent"])
	got := trace.SpanContextFromContext(otel.GetTextMapPropagator().Extract(context.Background(), propagation.MapCarrier(d.Headers)))
	assert.Equal(t, sc.TraceID(), got.TraceID())
	assert.Equal(t, sc.SpanID(), got.SpanID())

	require.NoError(t, d.Nack(context.Background()))
	d, err = b.Receive(context.Background())
	require.NoError(t, err)
	assert.True(t, d.Redelivered)
	assert.Equal(t, sc.TraceID().String(), d.Headers["traceparent"][3:35], "headers survive a requeue")
	require.NoError(t, d.Ack(context.Background()))
}
