// Package worker implements the consume, transform, buffer and flush loop.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/JakeFAU/browsing-digest/internal/broker"
	"github.com/JakeFAU/browsing-digest/internal/clock/system"
	"github.com/JakeFAU/browsing-digest/internal/digest"
	"github.com/JakeFAU/browsing-digest/internal/metrics"
	"github.com/JakeFAU/browsing-digest/internal/retry"
)

// Message outcomes reported to metrics.
const (
	outcomeBuffered  = "buffered"
	outcomeDropped   = "dropped"
	outcomeRequeued  = "requeued"
	outcomeMalformed = "malformed"
	outcomeSkipped   = "skipped"
)

const tracerName = "github.com/JakeFAU/browsing-digest/internal/worker"

// Receiver hands out deliveries one at a time. broker.Broker satisfies it.
type Receiver interface {
	Receive(ctx context.Context) (*broker.Delivery, error)
}

// Config controls Worker behavior.
type Config struct {
	// BatchSize is the buffer length that triggers a flush.
	BatchSize int
	// SkipExisting acks messages whose URL is already stored without fetching.
	SkipExisting bool
	// AckAfterFlush flushes before every ack so no acked message lives only in memory.
	AckAfterFlush    bool
	FetchTimeout     time.Duration
	SummarizeTimeout time.Duration
	ShutdownTimeout  time.Duration
	FlushPolicy      retry.Policy
	FailurePolicy    FailurePolicy
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:        10,
		FetchTimeout:     5 * time.Second,
		SummarizeTimeout: 60 * time.Second,
		ShutdownTimeout:  30 * time.Second,
		FlushPolicy:      retry.Fixed(3, 2*time.Second),
		FailurePolicy:    DropAll,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = def.FetchTimeout
	}
	if c.SummarizeTimeout <= 0 {
		c.SummarizeTimeout = def.SummarizeTimeout
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.FlushPolicy.Attempts <= 0 {
		c.FlushPolicy = def.FlushPolicy
	}
	if c.FailurePolicy == nil {
		c.FailurePolicy = def.FailurePolicy
	}
	return c
}

// PersistenceError reports a flush that failed for every attempt. The buffered
// records are kept.
type PersistenceError struct {
	Records int
	Err     error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("flush %d records: %v", e.Records, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Worker consumes queue messages sequentially and persists their summaries.
type Worker struct {
	receiver   Receiver
	fetcher    digest.Fetcher
	summarizer digest.Summarizer
	store      digest.Store
	sleeper    retry.Sleeper
	cfg        Config
	logger     *zap.Logger

	buffer   *Buffer
	state    atomic.Int32
	buffered atomic.Int64
}

// New constructs a Worker.
func New(
	receiver Receiver,
	fetcher digest.Fetcher,
	summarizer digest.Summarizer,
	store digest.Store,
	sleeper retry.Sleeper,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if sleeper == nil {
		sleeper = system.New()
	}
	cfg = cfg.withDefaults()
	return &Worker{
		receiver:   receiver,
		fetcher:    fetcher,
		summarizer: summarizer,
		store:      store,
		sleeper:    sleeper,
		cfg:        cfg,
		logger:     logger,
		buffer:     NewBuffer(cfg.BatchSize),
	}
}

// State returns the current state. Safe to call from any goroutine.
func (w *Worker) State() State {
	return State(w.state.Load())
}

// Buffered returns the number of summaries waiting for a flush. Safe to call
// from any goroutine.
func (w *Worker) Buffered() int {
	return int(w.buffered.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

// Run consumes messages until ctx is canceled, then flushes the buffer and
// returns nil. A message already received when ctx is canceled is processed to
// completion. Run returns a *PersistenceError when a flush fails for good; the
// message that triggered it is left unacknowledged.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("waiting for messages", zap.Int("batch_size", w.cfg.BatchSize))
	for {
		if ctx.Err() != nil {
			return w.shutdown()
		}
		w.setState(StateConsuming)
		d, err := w.receiver.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return w.shutdown()
			}
			return errors.Join(fmt.Errorf("receive: %w", err), w.shutdown())
		}
		if err := w.handle(context.WithoutCancel(ctx), d); err != nil {
			w.setState(StateShuttingDown)
			return err
		}
	}
}

func (w *Worker) handle(ctx context.Context, d *broker.Delivery) error {
	w.setState(StateTransforming)
	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(d.Headers))
	ctx, span := otel.Tracer(tracerName).Start(ctx, "worker.handle")
	defer span.End()
	span.SetAttributes(attribute.String("delivery.id", d.ID), attribute.Bool("delivery.redelivered", d.Redelivered))
	msg, err := digest.DecodeQueueMessage(d.Body)
	if err != nil {
		w.logger.Warn("dropping malformed message", zap.String("delivery_id", d.ID), zap.Error(err))
		metrics.ObserveMessage(outcomeMalformed)
		w.ack(ctx, d)
		return nil
	}

	logger := w.logger.With(zap.String("url", msg.URL))
	if sc := span.SpanContext(); sc.IsValid() {
		logger = logger.With(
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	logger.Info("processing", zap.Bool("redelivered", d.Redelivered))

	if w.cfg.SkipExisting && w.alreadyStored(ctx, logger, msg.URL) {
		logger.Debug("already stored, skipping")
		metrics.ObserveMessage(outcomeSkipped)
		w.ack(ctx, d)
		return nil
	}

	span.SetAttributes(attribute.String("url", msg.URL))
	rec, err := w.transform(ctx, msg)
	if err != nil {
		span.RecordError(err)
		w.settleFailure(ctx, logger, d, err)
		return nil
	}

	w.setState(StateBuffering)
	full := w.buffer.Add(rec)
	w.syncBuffered()
	if full || w.cfg.AckAfterFlush {
		if _, err := w.Flush(ctx); err != nil {
			logger.Error("flush failed, leaving message unacknowledged", zap.Error(err))
			span.SetStatus(codes.Error, "flush failed")
			return err
		}
	}
	metrics.ObserveMessage(outcomeBuffered)
	w.ack(ctx, d)
	return nil
}

func (w *Worker) alreadyStored(ctx context.Context, logger *zap.Logger, url string) bool {
	exists, err := w.store.Exists(ctx, url)
	if err != nil {
		logger.Warn("existence check failed", zap.Error(err))
		return false
	}
	return exists
}

func (w *Worker) transform(ctx context.Context, msg digest.QueueMessage) (digest.SummaryRecord, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	page, err := w.fetcher.Fetch(fetchCtx, msg.URL)
	cancel()
	if err != nil {
		return digest.SummaryRecord{}, asTransformError(digest.StageFetch, msg.URL, err)
	}
	if strings.TrimSpace(page.Text) == "" {
		return digest.SummaryRecord{}, digest.NoContent(digest.StageFetch, msg.URL)
	}

	summarizeCtx, cancel := context.WithTimeout(ctx, w.cfg.SummarizeTimeout)
	summary, err := w.summarizer.Summarize(summarizeCtx, page.Text)
	cancel()
	if err != nil {
		return digest.SummaryRecord{}, asTransformError(digest.StageSummarize, msg.URL, err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return digest.SummaryRecord{}, digest.NoContent(digest.StageSummarize, msg.URL)
	}

	return digest.SummaryRecord{
		URL:       msg.URL,
		Title:     digest.TitleOrPlaceholder(page.Title),
		Summary:   summary,
		VisitTime: digest.Normalize(msg.VisitTime),
	}, nil
}

func asTransformError(stage digest.Stage, url string, err error) *digest.TransformError {
	var te *digest.TransformError
	if errors.As(err, &te) {
		return te
	}
	return digest.Failure(stage, url, digest.KindOf(err), err)
}

func (w *Worker) settleFailure(ctx context.Context, logger *zap.Logger, d *broker.Delivery, err error) {
	te := asTransformError(digest.StageFetch, "", err)
	action := w.cfg.FailurePolicy(te.Stage, te.Kind)
	metrics.ObserveTransformFailure(string(te.Stage), string(te.Kind))
	logger.Warn("transform failed",
		zap.String("stage", string(te.Stage)),
		zap.String("kind", string(te.Kind)),
		zap.Stringer("action", action),
		zap.Error(err),
	)
	if action == Requeue {
		metrics.ObserveMessage(outcomeRequeued)
		if err := d.Nack(ctx); err != nil {
			logger.Warn("nack failed", zap.Error(err))
		}
		return
	}
	metrics.ObserveMessage(outcomeDropped)
	w.ack(ctx, d)
}

// ack failures are logged only; the message will be redelivered and the
// insert-or-ignore store absorbs the duplicate.
func (w *Worker) ack(ctx context.Context, d *broker.Delivery) {
	if err := d.Ack(ctx); err != nil {
		w.logger.Warn("ack failed", zap.String("delivery_id", d.ID), zap.Error(err))
	}
}

// Flush writes the buffer to the store in one operation, retrying per the
// flush policy. On success the buffer is emptied and the number of flushed
// records returned. On failure the buffer is left intact. Flush must not be
// called concurrently with Run.
func (w *Worker) Flush(ctx context.Context) (int, error) {
	if w.buffer.Len() == 0 {
		return 0, nil
	}
	prev := w.State()
	w.setState(StateFlushing)
	defer w.setState(prev)

	records := w.buffer.Records()
	start := time.Now()
	var inserted int64
	err := retry.Do(ctx, w.cfg.FlushPolicy, w.sleeper, func(ctx context.Context) error {
		n, err := w.store.InsertIgnore(ctx, records)
		if err != nil {
			return err
		}
		inserted = n
		return nil
	}, func(attempt, maxAttempts int, err error) {
		w.logger.Warn("flush attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxAttempts),
			zap.Int("records", len(records)),
			zap.Error(err),
		)
	})
	if err != nil {
		metrics.ObserveFlush("error", 0, time.Since(start))
		return 0, &PersistenceError{Records: len(records), Err: err}
	}

	w.buffer.Reset()
	w.syncBuffered()
	metrics.ObserveFlush("ok", inserted, time.Since(start))
	w.logger.Info("flushed records to store",
		zap.Int("records", len(records)),
		zap.Int64("inserted", inserted),
	)
	return len(records), nil
}

func (w *Worker) syncBuffered() {
	n := int64(w.buffer.Len())
	prev := w.buffered.Swap(n)
	metrics.AddBuffered(int(n - prev))
}

func (w *Worker) shutdown() error {
	w.setState(StateShuttingDown)
	w.logger.Info("shutting down, flushing buffer", zap.Int("buffered", w.buffer.Len()))
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.ShutdownTimeout)
	defer cancel()
	if _, err := w.Flush(ctx); err != nil {
		return err
	}
	return nil
}
