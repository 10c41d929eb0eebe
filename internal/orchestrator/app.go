package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/aristath/dispatch/internal/config"
	"github.com/aristath/dispatch/internal/events"
	"github.com/aristath/dispatch/internal/gate"
	"github.com/aristath/dispatch/internal/metrics"
	"github.com/aristath/dispatch/internal/persistence"
	"github.com/aristath/dispatch/internal/poller"
	"github.com/aristath/dispatch/internal/process"
	"github.com/aristath/dispatch/internal/starter"
)

// DatabaseEnv names the variable through which started workers learn where
// to report their outcome.
const DatabaseEnv = "DISPATCH_DATABASE"

// App owns every long-lived component of a dispatch process.
type App struct {
	Config  *config.Config
	Store   persistence.Store
	Bus     *events.Bus
	Metrics *metrics.Metrics
	Runner  *Runner

	pm       *process.ProcessManager
	notifier *Notifier
	stop     context.CancelFunc
	logger   *zap.Logger
}

// Open builds the application from cfg. Metrics are registered on reg when
// it is non-nil. The caller must Close the returned App.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := persistence.NewSQLiteStore(ctx, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	return assemble(ctx, cfg, store, logger, reg)
}

// assemble wires everything around an already opened store. It takes
// ownership of store.
func assemble(ctx context.Context, cfg *config.Config, store persistence.Store, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	app := &App{
		Config: cfg,
		Store:  store,
		Bus:    events.NewBus(),
		pm:     process.NewProcessManager(),
		logger: logger,
	}

	if reg != nil {
		app.Metrics = metrics.New(reg)
	}

	pollOpts := []poller.Option{
		poller.WithInterval(cfg.PollInterval.Std()),
		poller.WithLogger(logger.Named("poller")),
	}
	if app.Metrics != nil {
		pollOpts = append(pollOpts, poller.WithObserver(app.Metrics.ObservePoll))
	}

	deps := Deps{
		Waiter:       poller.New(store, pollOpts...),
		Store:        store,
		GateExecutor: gate.NewShellExecutor(app.pm),
		Bus:          app.Bus,
		Metrics:      app.Metrics,
		Logger:       logger,
	}

	if len(cfg.Starter.Command) > 0 {
		env := append([]string{DatabaseEnv + "=" + absPath(cfg.DatabasePath)}, cfg.Starter.Env...)
		cmdStarter, err := starter.NewCommandStarter(starter.CommandConfig{
			Command: cfg.Starter.Command,
			Dir:     cfg.Starter.Dir,
			Env:     env,
		}, app.pm, logger.Named("starter"))
		if err != nil {
			app.Close()
			return nil, err
		}
		breakers := starter.NewBreakerRegistry(logger.Named("breaker"))
		deps.Starter = starter.NewResilient(cmdStarter, breakers.Get(cfg.Starter.Command[0]), retryConfig(cfg.Starter.Retry))
	}

	runner, err := NewRunner(cfg, deps)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Runner = runner

	if cfg.NotifyCommand != "" {
		notifyCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
		app.stop = stop
		app.notifier = NewNotifier(app.Bus, CommandNotifier(cfg.NotifyCommand, cfg.WorkDir, app.pm), logger.Named("notify"))
		app.notifier.Start(notifyCtx)
	}

	return app, nil
}

func absPath(p string) string {
	if abs, err := filepath.Abs(p); err == nil {
		return abs
	}
	return p
}

func retryConfig(rc config.RetryConfig) starter.RetryConfig {
	out := starter.DefaultRetryConfig()
	if rc.InitialInterval > 0 {
		out.InitialInterval = rc.InitialInterval.Std()
	}
	if rc.MaxInterval > 0 {
		out.MaxInterval = rc.MaxInterval.Std()
	}
	if rc.MaxElapsedTime > 0 {
		out.MaxElapsedTime = rc.MaxElapsedTime.Std()
	}
	if rc.Multiplier > 0 {
		out.Multiplier = rc.Multiplier
	}
	return out
}

// Close delivers pending notifications, stops tracked processes and closes
// the store.
func (a *App) Close() error {
	// Closing the bus ends the notifier after it drains its queue.
	a.Bus.Close()
	if a.notifier != nil {
		a.notifier.Stop()
		a.stop()
	}

	var errs []error
	if err := a.pm.KillAll(); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop processes: %w", err))
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	return errors.Join(errs...)
}
