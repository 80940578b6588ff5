// Package app builds the long-lived services selected by configuration and
// owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/browsing-digest/internal/broker"
	kafkabroker "github.com/JakeFAU/browsing-digest/internal/broker/kafka"
	brokermem "github.com/JakeFAU/browsing-digest/internal/broker/memory"
	pubsubbroker "github.com/JakeFAU/browsing-digest/internal/broker/pubsub"
	"github.com/JakeFAU/browsing-digest/internal/clock/system"
	"github.com/JakeFAU/browsing-digest/internal/config"
	"github.com/JakeFAU/browsing-digest/internal/digest"
	"github.com/JakeFAU/browsing-digest/internal/fetcher"
	collyfetcher "github.com/JakeFAU/browsing-digest/internal/fetcher/colly"
	"github.com/JakeFAU/browsing-digest/internal/fetcher/headless"
	"github.com/JakeFAU/browsing-digest/internal/history/safari"
	"github.com/JakeFAU/browsing-digest/internal/policy/ratelimit"
	"github.com/JakeFAU/browsing-digest/internal/policy/simple"
	"github.com/JakeFAU/browsing-digest/internal/store/memory"
	"github.com/JakeFAU/browsing-digest/internal/store/postgres"
	"github.com/JakeFAU/browsing-digest/internal/store/sqlite"
	"github.com/JakeFAU/browsing-digest/internal/summarizer/ollama"
	"github.com/JakeFAU/browsing-digest/internal/telemetry"
)

// App holds the shared services for one process. Builders memoize their
// result, and everything opened is released by Close in reverse order.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  *system.Clock

	mu       sync.Mutex
	store    digest.Store
	queue    *brokermem.Queue
	closers  []namedCloser
	isClosed bool
}

// ErrClosed is returned by builders called after Close.
var ErrClosed = errors.New("app closed")

type namedCloser struct {
	name string
	fn   func() error
}

// New creates an App for cfg. Nothing is opened until a builder is called.
func New(cfg config.Config, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{cfg: cfg, logger: logger, clock: system.New()}
}

// Config returns the configuration the App was built with.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Clock returns the wall clock shared by the services.
func (a *App) Clock() *system.Clock {
	return a.clock
}

func (a *App) closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.isClosed
}

func (a *App) onClose(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, fn: fn})
}

// Tracing installs the global trace provider; it is shut down by Close.
func (a *App) Tracing(ctx context.Context, serviceName string) error {
	if a.closed() {
		return ErrClosed
	}
	tp, err := telemetry.InitTracerProvider(ctx, a.cfg.TracingOptions(serviceName))
	if err != nil {
		return fmt.Errorf("tracer init failed: %w", err)
	}
	a.mu.Lock()
	a.onClose("tracer", func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tp.Shutdown(shutdownCtx)
	})
	a.mu.Unlock()
	return nil
}

// Store opens the configured summary store, creating its schema if needed.
func (a *App) Store(ctx context.Context) (digest.Store, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isClosed {
		return nil, ErrClosed
	}
	if a.store != nil {
		return a.store, nil
	}

	var (
		s   digest.Store
		err error
	)
	switch a.cfg.Store.Kind {
	case config.StoreSQLite:
		a.logger.Info("using sqlite store", zap.String("path", a.cfg.Store.Path))
		s, err = sqlite.Open(ctx, a.cfg.Store.Path)
	case config.StorePostgres:
		a.logger.Info("using postgres store")
		s, err = postgres.Open(ctx, postgres.Config{DSN: a.cfg.Store.DSN, MaxConns: a.cfg.Store.MaxConns})
	case config.StoreMemory:
		a.logger.Warn("using in-memory store, summaries are lost on exit")
		s = memory.New()
	default:
		return nil, fmt.Errorf("unknown store kind %q", a.cfg.Store.Kind)
	}
	if err != nil {
		return nil, fmt.Errorf("store init failed: %w", err)
	}
	a.store = s
	a.onClose("store", s.Close)
	return s, nil
}

// Ready pings the store when it supports it.
func (a *App) Ready(ctx context.Context) error {
	a.mu.Lock()
	s := a.store
	a.mu.Unlock()
	if s == nil {
		return errors.New("store not opened")
	}
	if p, ok := s.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Fetcher builds the page fetcher: the configured retriever behind the host
// block list and per-host rate limiter.
func (a *App) Fetcher() (digest.Fetcher, error) {
	if a.closed() {
		return nil, ErrClosed
	}
	fc := a.cfg.Fetcher
	quick := collyfetcher.New(collyfetcher.Config{UserAgent: fc.UserAgent, Timeout: fc.Timeout})

	var inner digest.Fetcher
	switch fc.Kind {
	case config.FetcherColly:
		a.logger.Info("using colly fetcher", zap.String("user_agent", fc.UserAgent))
		inner = quick
	case config.FetcherHeadless, config.FetcherAuto:
		renderer := headless.NewChromedp(headless.Config{UserAgent: fc.UserAgent, NavigationTimeout: fc.RenderTimeout})
		a.mu.Lock()
		a.onClose("headless", renderer.Close)
		a.mu.Unlock()
		if fc.Kind == config.FetcherHeadless {
			a.logger.Info("using headless fetcher", zap.Duration("render_timeout", fc.RenderTimeout))
			inner = renderer
		} else {
			a.logger.Info("using colly fetcher with headless promotion", zap.Int("min_text_chars", fc.MinTextChars))
			inner = fetcher.NewPromoting(quick, renderer, fetcher.NewDetector(fc.MinTextChars), a.logger.Named("fetcher"))
		}
	default:
		return nil, fmt.Errorf("unknown fetcher kind %q", fc.Kind)
	}

	var limiter fetcher.Waiter
	if fc.RateLimitRPS > 0 {
		limiter = ratelimit.New(ratelimit.Config{RPS: fc.RateLimitRPS, Burst: fc.RateLimitBurst})
		a.logger.Info("rate limiter enabled",
			zap.Float64("rps", fc.RateLimitRPS),
			zap.Int("burst", fc.RateLimitBurst),
		)
	}
	return fetcher.NewGuarded(inner, simple.New(fc.BlockedHosts), limiter), nil
}

// Summarizer builds the Ollama summarizer.
func (a *App) Summarizer() digest.Summarizer {
	sc := a.cfg.Summarizer
	a.logger.Info("using ollama summarizer", zap.String("url", sc.URL), zap.String("model", sc.Model))
	return ollama.New(ollama.Config{
		URL:           sc.URL,
		Model:         sc.Model,
		Prompt:        sc.Prompt,
		Timeout:       sc.Timeout,
		MaxInputChars: sc.MaxInputChars,
	}, nil)
}

// Dialer returns a broker.Dialer for the configured backend. Memory dialers
// from one App share a queue.
func (a *App) Dialer() (broker.Dialer, error) {
	if a.closed() {
		return nil, ErrClosed
	}
	bc := a.cfg.Broker
	logger := a.logger.Named("broker")
	switch bc.Kind {
	case config.BrokerPubSub:
		return pubsubbroker.NewDialer(pubsubbroker.Config{
			ProjectID:    bc.ProjectID,
			Topic:        bc.Queue,
			Subscription: bc.Subscription,
			Endpoint:     bc.Host,
			DialTimeout:  bc.DialTimeout,
		}, logger), nil
	case config.BrokerKafka:
		return kafkabroker.NewDialer(kafkabroker.Config{
			Addr:        bc.Host,
			Topic:       bc.Queue,
			GroupID:     bc.Subscription,
			DialTimeout: bc.DialTimeout,
			Partitions:  a.cfg.BrokerPartitions(),
		}, logger), nil
	case config.BrokerMemory:
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.queue == nil {
			a.logger.Warn("using in-memory broker, queue is not shared between processes")
			a.queue = brokermem.NewQueue(bc.Queue)
		}
		return brokermem.NewDialer(a.queue), nil
	default:
		return nil, fmt.Errorf("unknown broker kind %q", bc.Kind)
	}
}

// Connect dials the broker with the configured reconnect policy. The caller
// owns the returned Broker.
func (a *App) Connect(ctx context.Context) (broker.Broker, error) {
	d, err := a.Dialer()
	if err != nil {
		return nil, err
	}
	a.logger.Info("connecting to broker",
		zap.String("kind", a.cfg.Broker.Kind),
		zap.String("host", a.cfg.Broker.Host),
		zap.String("queue", a.cfg.Broker.Queue),
	)
	return broker.Connect(ctx, d, a.cfg.ConnectPolicy(), a.clock, a.logger.Named("broker"))
}

// History opens the Safari history database.
func (a *App) History(ctx context.Context) (digest.HistorySource, error) {
	if a.closed() {
		return nil, ErrClosed
	}
	src, err := safari.Open(ctx, a.cfg.History.Path)
	if err != nil {
		return nil, fmt.Errorf("history init failed: %w", err)
	}
	a.mu.Lock()
	a.onClose("history", src.Close)
	a.mu.Unlock()
	return src, nil
}

// Close releases everything the builders opened, newest first.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isClosed {
		return nil
	}
	a.isClosed = true

	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	return errors.Join(errs...)
}
