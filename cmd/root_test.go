package cmd

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/browsing-digest/internal/app"
	"github.com/JakeFAU/browsing-digest/internal/config"
)

// useMemoryApp swaps in an App on in-memory backends. The returned func yields
// the last App built.
func useMemoryApp(t *testing.T, mutate func(*config.Config)) func() *app.App {
	t.Helper()
	orig := newApp
	t.Cleanup(func() { newApp = orig })
	var built *app.App
	newApp = func(context.Context, string) (*app.App, error) {
		cfg, err := config.Load("")
		if err != nil {
			return nil, err
		}
		cfg.Store.Kind = config.StoreMemory
		cfg.Broker.Kind = config.BrokerMemory
		if mutate != nil {
			mutate(&cfg)
		}
		built = app.New(cfg, zap.NewNop())
		return built, nil
	}
	return func() *app.App { return built }
}

func execute(ctx context.Context, args ...string) error {
	return runCLI(ctx, args)
}

func TestMigrateCommand(t *testing.T) {
	useMemoryApp(t, nil)
	require.NoError(t, execute(context.Background(), "migrate"))
}

func TestWorkCommandStopsOnCancel(t *testing.T) {
	useMemoryApp(t, func(c *config.Config) { c.Worker.Count = 2 })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, execute(ctx, "work"))
}

func TestPublishCommandNeedsHistory(t *testing.T) {
	useMemoryApp(t, func(c *config.Config) {
		c.History.Path = filepath.Join(t.TempDir(), "missing", "History.db")
	})
	err := execute(context.Background(), "publish", "--days-back", "3")
	require.ErrorContains(t, err, "history init failed")
}

func TestFailedCommandStillClosesApp(t *testing.T) {
	built := useMemoryApp(t, func(c *config.Config) {
		c.History.Path = filepath.Join(t.TempDir(), "missing", "History.db")
	})
	require.Error(t, execute(context.Background(), "publish"))

	a := built()
	require.NotNil(t, a)
	_, err := a.Store(context.Background())
	require.ErrorIs(t, err, app.ErrClosed)
}

func TestSuccessfulCommandClosesApp(t *testing.T) {
	built := useMemoryApp(t, nil)
	require.NoError(t, execute(context.Background(), "migrate"))

	_, err := built().Store(context.Background())
	require.ErrorIs(t, err, app.ErrClosed)
}

func TestPublishCommandRejectsNegativeDays(t *testing.T) {
	useMemoryApp(t, nil)
	err := execute(context.Background(), "publish", "--days-back=-1")
	require.ErrorContains(t, err, "days-back")
}

func TestBadConfigFails(t *testing.T) {
	err := execute(context.Background(), "--config", filepath.Join(t.TempDir(), "nope.yaml"), "migrate")
	require.ErrorContains(t, err, "failed to initialize application services")
}
