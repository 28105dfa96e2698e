package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/signalnine/capsulewatch/internal/alert"
	"github.com/signalnine/capsulewatch/internal/config"
	"github.com/signalnine/capsulewatch/internal/drift"
	"github.com/signalnine/capsulewatch/internal/evolution"
	"github.com/signalnine/capsulewatch/internal/history"
	"github.com/signalnine/capsulewatch/internal/metrics"
	"github.com/signalnine/capsulewatch/internal/monitor"
	"github.com/signalnine/capsulewatch/internal/provider"
	"github.com/signalnine/capsulewatch/internal/server"
	"github.com/signalnine/capsulewatch/internal/store"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor [capsule_id...]",
	Short: "Run the monitoring loop",
	Long:  "Run the monitoring loop over the given capsules, the configured ones, or every capsule the provider lists.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMonitoring(cmd, args, false)
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve [capsule_id...]",
	Short: "Run the monitoring loop and the report/ingest API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMonitoring(cmd, args, true)
	},
}

var printChanges bool

func init() {
	for _, c := range []*cobra.Command{monitorCmd, serveCmd} {
		c.Flags().BoolVar(&printChanges, "print-changes", false, "write every changed or failed capsule result to stdout as a JSON line")
	}
}

func runMonitoring(cmd *cobra.Command, args []string, serve bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, cancel := signalContext()
	defer cancel()

	capsules := cfg.Capsules
	if len(args) > 0 {
		capsules = args
	}
	var onResult func(monitor.CapsuleResult)
	if printChanges {
		onResult = resultPrinter(cmd.OutOrStdout())
	}
	return run(ctx, cfg, capsules, serve, onResult, logger)
}

// resultPrinter returns a result consumer that writes results carrying a
// mutation or an error to w, one JSON document per line.
func resultPrinter(w io.Writer) func(monitor.CapsuleResult) {
	var mu sync.Mutex
	enc := json.NewEncoder(w)
	return func(r monitor.CapsuleResult) {
		if r.Mutation == nil && r.Error == "" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(r); err != nil {
			panic(fmt.Sprintf("write capsule result: %v", err))
		}
	}
}

// app is a fully wired monitor with its side resources.
type app struct {
	monitor  *monitor.Monitor
	provider provider.Provider
	registry *prometheus.Registry
	close    func()
}

func build(ctx context.Context, cfg *config.Config, onResult func(monitor.CapsuleResult), logger *slog.Logger) (*app, error) {
	backend, err := store.Open(cfg)
	if err != nil {
		return nil, err
	}
	prov, err := provider.Build(cfg.Provider)
	if err != nil {
		backend.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	sinks, closeSinks := alert.Build(cfg.Alerts, logger)
	sink := m.Alerts(sinks)

	trackerOpts := history.TrackerOptions{MaxLength: cfg.MaxHistoryLength, Logger: logger}
	overrideOpts := history.OverrideOptions{
		MaxLength:       cfg.MaxHistoryLength,
		Sink:            sink,
		AlertOnOverride: cfg.AlertOnOverride,
		Logger:          logger,
	}
	if backend != nil {
		trackerOpts.Store = backend.Mutations
		overrideOpts.Store = backend.Overrides
	}

	mon := monitor.New(monitor.Options{
		Provider: prov,
		Detector: drift.New(drift.Options{
			Thresholds:   cfg.DriftThresholds,
			MaxHistory:   cfg.MaxHistoryLength,
			Sink:         sink,
			Logger:       logger,
			BaselineFile: cfg.BaselineFile,
		}),
		Tracker:   history.NewTracker(ctx, trackerOpts),
		Overrides: history.NewOverrideLogger(ctx, overrideOpts),
		Analyzer: evolution.New(evolution.Options{
			MutationRateThreshold: cfg.AnomalyThresholds.MutationRate,
			OverrideRateThreshold: cfg.AnomalyThresholds.OverrideRate,
		}),
		Metrics:     m,
		Logger:      logger,
		Interval:    cfg.MonitoringInterval,
		Concurrency: cfg.Concurrency,
		HighDrift:   cfg.AnomalyThresholds.DriftPercentage,
		OnResult:    onResult,
	})

	return &app{
		monitor:  mon,
		provider: prov,
		registry: reg,
		close: func() {
			if err := closeSinks(); err != nil {
				logger.Warn("close alert sinks", "error", err)
			}
			if err := backend.Close(); err != nil {
				logger.Warn("close history store", "error", err)
			}
		},
	}, nil
}

// run monitors until ctx is done. With serve the API runs alongside.
func run(ctx context.Context, cfg *config.Config, capsules []string, serve bool, onResult func(monitor.CapsuleResult), logger *slog.Logger) error {
	a, err := build(ctx, cfg, onResult, logger)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.monitor.Start(ctx, capsules); err != nil {
		return fmt.Errorf("start monitoring: %w", err)
	}
	defer a.monitor.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.monitor.Run(ctx)
	})

	if dir, ok := a.provider.(*provider.Dir); ok && cfg.Provider.Watch {
		g.Go(func() error {
			return dir.Watch(ctx, provider.WatchOptions{Logger: logger}, func(id string) {
				if _, err := a.monitor.Check(ctx, id); err != nil {
					if errors.Is(err, monitor.ErrNotMonitored) {
						logger.Debug("ignoring change of unmonitored capsule", "capsule_id", id)
						return
					}
					logger.Warn("out-of-cycle check failed", "capsule_id", id, "error", err)
				}
			})
		})
	}

	if serve {
		srv := server.New(cfg.Server, a.monitor, a.registry, logger)
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}

	return g.Wait()
}
