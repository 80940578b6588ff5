// Package publisher enqueues browsing history visits for the workers.
package publisher

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/JakeFAU/browsing-digest/internal/digest"
	"github.com/JakeFAU/browsing-digest/internal/metrics"
)

// DefaultProgressEvery is how many publishes pass between progress log lines.
const DefaultProgressEvery = 100

// Sink receives encoded queue messages. broker.Broker satisfies it.
type Sink interface {
	Publish(ctx context.Context, body []byte) error
}

// Publisher encodes visits and hands them to a Sink.
type Publisher struct {
	sink          Sink
	logger        *zap.Logger
	progressEvery int
}

// New builds a Publisher logging progress every DefaultProgressEvery messages.
func New(sink Sink, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{sink: sink, logger: logger, progressEvery: DefaultProgressEvery}
}

const tracerName = "github.com/JakeFAU/browsing-digest/internal/publisher"

// Publish enqueues every record with a URL, in order. Records without a URL are
// skipped. The first publish error aborts and is returned with the count so far.
func (p *Publisher) Publish(ctx context.Context, records []digest.VisitRecord) (int, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "publisher.publish")
	defer span.End()
	span.SetAttributes(attribute.Int("records", len(records)))

	published := 0
	for _, rec := range records {
		if rec.URL == "" {
			continue
		}
		body, err := digest.NewQueueMessage(rec).Encode()
		if err != nil {
			return published, fmt.Errorf("encode %s: %w", rec.URL, err)
		}
		if err := p.sink.Publish(ctx, body); err != nil {
			return published, fmt.Errorf("publish %s: %w", rec.URL, err)
		}
		published++
		metrics.ObservePublished()
		if published%p.progressEvery == 0 {
			p.logger.Info("queued urls", zap.Int("published", published))
		}
	}
	p.logger.Info("finished publishing", zap.Int("published", published))
	return published, nil
}

// Run loads the visits of the last daysBack days from source and publishes them.
func (p *Publisher) Run(ctx context.Context, source digest.HistorySource, daysBack int, clock digest.Clock) (int, error) {
	p.logger.Info("ingesting history", zap.Int("days_back", daysBack))
	records, err := source.Since(ctx, daysBack, clock.Now())
	if err != nil {
		return 0, fmt.Errorf("read history: %w", err)
	}
	p.logger.Info("found history records", zap.Int("records", len(records)))
	return p.Publish(ctx, records)
}
