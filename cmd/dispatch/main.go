// Package main implements the dispatch CLI: it schedules work items onto an
// external starter, waits for their reported outcome and verifies them with
// gate commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aristath/dispatch/internal/config"
	"github.com/aristath/dispatch/internal/logging"
	"github.com/aristath/dispatch/internal/orchestrator"
)

var version = "dev"

// errRunFailed marks a run that finished with failed items. main exits
// non-zero without printing it again.
var errRunFailed = errors.New("run finished with failures")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCmd(os.Stdout, os.Stderr).ExecuteContext(ctx)
	if err == nil {
		return
	}
	if !errors.Is(err, errRunFailed) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(1)
}

// rootOptions are the persistent flags shared by every command.
type rootOptions struct {
	configFile string
	database   string
	logLevel   string
	logFormat  string

	out    io.Writer
	errOut io.Writer
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	opts := &rootOptions{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:   "dispatch",
		Short: "Schedule work items with conflict-aware concurrency and gate verification",
		Long: `dispatch starts work items through an external command, waits for each item
to report its outcome and confirms it with a pipeline of gate commands.

Items labelled as conflict-prone run one at a time; independent items run
in parallel up to the configured concurrency. Chains run items strictly in
order, each building on the previous item's branch, and can be resumed.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	root.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "config file (default: ~/.dispatch/config.json then .dispatch/config.json)")
	root.PersistentFlags().StringVar(&opts.database, "db", "", "state database path (overrides config and $"+orchestrator.DatabaseEnv+")")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	root.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "log format: console or json")

	root.AddCommand(runCmd(opts))
	root.AddCommand(classifyCmd(opts))
	root.AddCommand(chainCmd(opts))
	root.AddCommand(itemCmd(opts))
	root.AddCommand(gatesCmd(opts))
	root.AddCommand(configCmd(opts))

	return root
}

// loadConfig applies the config files, the environment and the persistent
// flags, in that order.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	var cfg *config.Config
	var err error
	if o.configFile != "" {
		cfg, err = config.Load("", o.configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}

	if db := os.Getenv(orchestrator.DatabaseEnv); db != "" {
		cfg.DatabasePath = db
	}
	if o.database != "" {
		cfg.DatabasePath = o.database
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.logFormat != "" {
		cfg.Log.Format = o.logFormat
	}
	return cfg, nil
}

func (o *rootOptions) logger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewWithWriter(cfg.Log.Level, cfg.Log.Format, o.errOut)
}

// session is an opened application plus the logger it writes to.
type session struct {
	*orchestrator.App
	logger  *zap.Logger
	metrics *http.Server
}

// open loads configuration, lets mutate adjust it, and opens the app.
func (o *rootOptions) open(ctx context.Context, mutate func(*config.Config)) (*session, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if mutate != nil {
		mutate(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	logger, err := o.logger(cfg)
	if err != nil {
		return nil, err
	}

	var reg prometheus.Registerer
	var gatherer prometheus.Gatherer
	if cfg.MetricsAddr != "" {
		r := prometheus.NewRegistry()
		reg, gatherer = r, r
	}

	app, err := orchestrator.Open(ctx, cfg, logger, reg)
	if err != nil {
		logger.Sync()
		return nil, err
	}

	s := &session{App: app, logger: logger}
	if gatherer != nil {
		s.metrics = serveMetrics(cfg.MetricsAddr, gatherer, logger)
	}
	return s, nil
}

func (s *session) Close() error {
	if s.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stopMetrics(ctx, s.metrics, s.logger)
	}
	err := s.App.Close()
	s.logger.Sync()
	return err
}

// stopMetrics shuts srv down, logging connections it could not drain.
func stopMetrics(ctx context.Context, srv *http.Server, logger *zap.Logger) {
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("metrics server shutdown failed", zap.Error(err))
	}
}

// serveMetrics exposes gatherer on addr until shutdown.
func serveMetrics(addr string, gatherer prometheus.Gatherer, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("serving metrics", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	return srv
}
