package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/g960059/agtpilot/internal/config"
	"github.com/g960059/agtpilot/internal/daemon"
	"github.com/g960059/agtpilot/internal/delivery"
	"github.com/g960059/agtpilot/internal/dispatch"
	"github.com/g960059/agtpilot/internal/gate"
	"github.com/g960059/agtpilot/internal/ledger"
	"github.com/g960059/agtpilot/internal/metrics"
	"github.com/g960059/agtpilot/internal/observability"
	"github.com/g960059/agtpilot/internal/risk"
	"github.com/g960059/agtpilot/internal/session"
)

const (
	engineEventBuffer  = 256
	streamViewerBuffer = 256
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		_, _ = fmt.Fprintf(os.Stderr, "agtpilotd: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	fs := pflag.NewFlagSet("agtpilotd", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	config.RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, err := config.Load("", fs)
	if err != nil {
		return err
	}

	log := observability.NewLogger(cfg.Log, stderr)
	if _, err := maxprocs.Set(maxprocs.Logger(func(format string, a ...any) {
		log.V(1).Info(fmt.Sprintf(format, a...))
	})); err != nil {
		log.Error(err, "set GOMAXPROCS")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	store, err := ledger.Open(ctx, cfg.LedgerPath)
	if err != nil {
		return err
	}
	defer store.Close() //nolint:errcheck
	if err := ledger.ApplyMigrations(ctx, store.DB()); err != nil {
		return err
	}

	policy, err := risk.NewPolicy(cfg.Risk)
	if err != nil {
		return err
	}
	keymap, err := dispatch.NewKeymap(cfg.Keymap)
	if err != nil {
		return err
	}

	clk := clock.RealClock{}
	g := gate.New(clk, log, m)
	defer g.Close()

	hub := daemon.NewStreamHub(uuid.NewString(), clk, log, streamViewerBuffer)
	batcher := delivery.NewEventBatcher(hub, delivery.BatcherOptions{
		Interval:  cfg.Batch.Interval,
		HighWater: cfg.Batch.HighWater,
		Clock:     clk,
		Logger:    log,
		Metrics:   m,
	})
	defer batcher.Destroy()
	cursor := delivery.NewThrottledSender(hub, session.ChannelCursor, delivery.ThrottleOptions{
		Interval: cfg.Throttle.Interval,
		Clock:    clk,
		Logger:   log,
		Metrics:  m,
	})
	defer cursor.Close()

	engine := daemon.NewEngineLink(log, cfg.EngineWriteTimeout, engineEventBuffer)
	ctrl, err := session.New(policy, g, session.Options{
		MaxConcurrentTasks: cfg.MaxConcurrentTasks,
		ArchiveSize:        cfg.ArchiveSize,
		CommandTimeout:     cfg.CommandTimeout,
		Clock:              clk,
		Logger:             log,
		Metrics:            m,
		Commander:          engine,
		Publisher:          batcher,
		Cursor:             cursor,
		Recorder:           store,
	})
	if err != nil {
		return err
	}

	srv := daemon.NewServer(cfg, daemon.Deps{
		Controller: ctrl,
		Dispatcher: dispatch.New(ctrl, keymap, log),
		Ledger:     store,
		Engine:     engine,
		Stream:     hub,
		Gatherer:   reg,
		Logger:     log,
	})

	logStartup(log, cfg)
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return srv.Start(egCtx)
	})
	eg.Go(func() error {
		return ctrl.Run(egCtx, engine.Events())
	})
	err = eg.Wait()
	log.Info("agtpilotd stopped")
	return err
}

func logStartup(log logr.Logger, cfg config.Config) {
	ledgerPath := cfg.LedgerPath
	if ledgerPath == "" {
		ledgerPath = "(memory)"
	}
	log.Info("agtpilotd starting",
		"socket", cfg.SocketPath,
		"ledger", ledgerPath,
		"max_concurrent_tasks", cfg.MaxConcurrentTasks,
		"batch_interval", cfg.Batch.Interval,
		"batch_high_water", cfg.Batch.HighWater,
		"throttle_interval", cfg.Throttle.Interval,
	)
}
