package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/rill/internal/changelog"
	"github.com/roach88/rill/internal/config"
	"github.com/roach88/rill/internal/engine"
	"github.com/roach88/rill/internal/eventlog"
	"github.com/roach88/rill/internal/query"
)

// shutdownTimeout bounds the HTTP server's graceful shutdown.
const shutdownTimeout = 5 * time.Second

// RunOptions holds flags for the run command. Set flags override the
// config file.
type RunOptions struct {
	*RootOptions
	Changelog string
	Backend   string
	HTTPAddr  string
	RESPAddr  string
	Brokers   []string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [queries-dir]",
		Short: "Start the engine and the pull query servers",
		Long: `Start the materialization engine with the continuous queries in
queries-dir (default: the config file's queries setting).

The engine recovers every table from the changelog, resumes consumption
from the last durable position of each query, and serves point lookups
over HTTP and the Redis protocol until interrupted.

Example:
  rill run ./queries --db ./rill.db
  rill run --config rill.yaml --http :8088 --resp :6380`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Changelog, "db", "", "changelog path (sqlite file or pebble directory)")
	cmd.Flags().StringVar(&opts.Backend, "backend", "", "changelog backend (sqlite|pebble)")
	cmd.Flags().StringVar(&opts.HTTPAddr, "http", "", "HTTP listen address")
	cmd.Flags().StringVar(&opts.RESPAddr, "resp", "", "RESP listen address (empty string disables)")
	cmd.Flags().StringSliceVar(&opts.Brokers, "brokers", nil, "Kafka seed brokers; switches the log to kafka")

	return cmd
}

// apply overlays the flags that were set onto cfg.
func (o *RunOptions) apply(cmd *cobra.Command, cfg *config.Config) {
	if o.Changelog != "" {
		cfg.Changelog.Path = o.Changelog
	}
	if o.Backend != "" {
		cfg.Changelog.Backend = o.Backend
	}
	if o.HTTPAddr != "" {
		cfg.Server.HTTPAddr = o.HTTPAddr
	}
	if cmd.Flags().Changed("resp") {
		cfg.Server.RESPAddr = o.RESPAddr
	}
	if len(o.Brokers) > 0 {
		cfg.Log.Kind = config.LogKafka
		cfg.Log.Brokers = o.Brokers
	}
}

func runEngine(opts *RunOptions, args []string, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	opts.apply(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	logger := opts.newLogger(cmd.ErrOrStderr())
	slog.SetDefault(logger)

	dir := queriesDir(args, cfg.Queries)
	logger.Info("compiling queries", "dir", dir)
	queries, err := loadQueries(dir)
	if err != nil {
		return err
	}
	logger.Info("queries compiled", "queries", len(queries))

	log, err := openLog(cfg, logger)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to connect to event log", err)
	}
	defer log.Close()

	logger.Info("opening changelog", "backend", cfg.Changelog.Backend, "path", cfg.Changelog.Path)
	st, err := changelog.Open(cfg.Changelog.Backend, cfg.Changelog.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open changelog", err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing changelog", "error", closeErr)
		}
	}()

	eng, err := engine.New(log, st, queries, engine.Options{
		Logger:             logger,
		CheckpointInterval: cfg.Engine.CheckpointInterval,
		SweepInterval:      cfg.Engine.SweepInterval,
		SweepBatch:         cfg.Engine.SweepBatch,
		Backoff:            eventlog.Backoff{Initial: cfg.Engine.BackoffInitial, Max: cfg.Engine.BackoffMax},
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to create engine", err)
	}
	srv := query.NewServer(eng, query.Options{
		Timeout:    cfg.Server.LookupTimeout,
		PushBuffer: cfg.Server.PushBuffer,
		Logger:     logger,
	})

	// Use the command's context if set (tests), otherwise Background.
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpLn, err := net.Listen("tcp", cfg.Server.HTTPAddr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen for HTTP", err)
	}
	var respLn net.Listener
	if cfg.Server.RESPAddr != "" {
		respLn, err = net.Listen("tcp", cfg.Server.RESPAddr)
		if err != nil {
			httpLn.Close()
			return WrapExitError(ExitCommandError, "failed to listen for RESP", err)
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "HTTP listening on %s\n", httpLn.Addr())
	if respLn != nil {
		fmt.Fprintf(out, "RESP listening on %s\n", respLn.Addr())
	}
	fmt.Fprintln(out, "Press Ctrl-C to stop.")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return eng.Run(gctx)
	})

	httpSrv := &http.Server{Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	g.Go(func() error {
		if err := httpSrv.Serve(httpLn); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	if respLn != nil {
		g.Go(func() error {
			if err := srv.ServeRESP(respLn); err != nil && gctx.Err() == nil {
				return fmt.Errorf("resp server: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if respLn != nil {
			respLn.Close()
		}
		return httpSrv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return WrapExitError(ExitFailure, "engine error", err)
	}
	logger.Info("engine stopped gracefully")
	return nil
}

// openLog connects the configured event log.
func openLog(cfg config.Config, logger *slog.Logger) (eventlog.Log, error) {
	switch cfg.Log.Kind {
	case config.LogKafka:
		return eventlog.NewKafka(eventlog.KafkaOptions{
			Brokers:          cfg.Log.Brokers,
			ClientID:         cfg.Log.ClientID,
			AutoCreateTopics: true,
			Logger:           logger,
		})
	default:
		return eventlog.NewMemory(eventlog.MemoryOptions{
			Partitions: int32(cfg.Log.Partitions),
			Logger:     logger,
		}), nil
	}
}
