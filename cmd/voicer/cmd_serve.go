package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/voicer/internal/config"
	"github.com/skypro1111/voicer/internal/jobs"
	"github.com/skypro1111/voicer/internal/metrics"
	"github.com/skypro1111/voicer/internal/server"
	"github.com/skypro1111/voicer/internal/watch"
)

func newServeCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP job API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runService(cmd, false)
		},
	}
	addServerFlags(c)
	return c
}

func newWatchCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "watch [dir]",
		Short: "Transcribe every audio file dropped into a directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := cmd.Flags().Set("dir", args[0]); err != nil {
					return err
				}
			}
			return runService(cmd, true)
		},
	}
	addServerFlags(c)
	c.Flags().String("dir", "", "Directory to watch (default: watch.dir from the config)")
	c.Flags().String("scenario", "", "Scenario used for every detected file")
	c.Flags().Bool("existing", false, "Also submit matching files already in the directory")
	c.Flags().Bool("http", false, "Also serve the HTTP job API")
	return c
}

func addServerFlags(c *cobra.Command) {
	c.Flags().String("address", "", "Listen address (default: server.address from the config)")
	c.Flags().Int("port", 0, "Listen port (default: server.port from the config)")
}

func serviceOverrides(cmd *cobra.Command, cfg *config.Config) error {
	if addr, _ := cmd.Flags().GetString("address"); addr != "" {
		cfg.Server.Address = addr
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	if cmd.Flags().Lookup("dir") != nil {
		if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
			cfg.Watch.Dir = dir
		}
		if scenario, _ := cmd.Flags().GetString("scenario"); scenario != "" {
			cfg.Context.Scenario = scenario
		}
	}
	return nil
}

// runService runs the job manager with the HTTP API, the folder watcher or both
func runService(cmd *cobra.Command, watching bool) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.NewMetrics(registry)

	a, err := newApp(cmd, m, func(cfg *config.Config) error {
		return serviceOverrides(cmd, cfg)
	})
	if err != nil {
		return err
	}
	defer a.Close()

	serveHTTP := !watching
	if watching {
		serveHTTP, _ = cmd.Flags().GetBool("http")
		if a.cfg.Watch.Dir == "" {
			return errors.New("no directory to watch: pass it as an argument or set watch.dir")
		}
	}

	ctx, stop := runContext(cmd)
	defer stop()

	if err := a.checkTools(ctx); err != nil {
		return err
	}

	manager, err := jobs.NewManager(a.logger, a.pipeline, jobs.Config{
		MaxConcurrent:   a.cfg.Jobs.MaxConcurrent,
		MaxQueued:       a.cfg.Jobs.MaxQueued,
		Retention:       a.cfg.Jobs.GetRetention(),
		CleanupInterval: a.cfg.Jobs.GetCleanupInterval(),
	}, m)
	if err != nil {
		return fmt.Errorf("failed to create job manager: %w", err)
	}

	var watcher *watch.Watcher
	if watching {
		watcher, err = watch.New(watch.Config{
			Dir:             a.cfg.Watch.Dir,
			Extensions:      a.cfg.Watch.Extensions,
			SettleDelay:     a.cfg.Watch.GetSettleDelay(),
			Scenario:        a.cfg.Context.Scenario,
			ProcessExisting: mustBool(cmd, "existing"),
		}, manager, m, a.logger)
		if err != nil {
			manager.Stop(context.Background())
			return err
		}
	}

	var httpServer *server.HTTPServer
	if serveHTTP {
		httpServer, err = server.NewHTTPServer(server.Options{
			Config:   a.cfg,
			Jobs:     manager,
			Metrics:  m,
			Gatherer: registry,
			Stats: map[string]server.StatsProvider{
				"pipeline": func() any { return a.pipeline.GetStats() },
				"vad":      func() any { return a.detector.GetStats() },
				"asr":      func() any { return a.asr.Stats() },
			},
		}, a.logger)
		if err == nil {
			err = httpServer.Start()
		}
		if err != nil {
			manager.Stop(context.Background())
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if watcher != nil {
		g.Go(func() error {
			return watcher.Run(gctx)
		})
	}

	a.logger.Info("Service started, waiting for signals...",
		slog.Bool("http", serveHTTP),
		slog.Bool("watch", watching),
	)

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	runErr := g.Wait()

	a.logger.Info("Starting graceful shutdown...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.GetShutdownTimeout())
	defer cancel()

	if httpServer != nil {
		if err := httpServer.Stop(shutdownCtx); err != nil {
			a.logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		a.logger.Error("Error stopping job manager", slog.String("error", err.Error()))
	}

	stats := a.pipeline.GetStats()
	a.logger.Info("Service stopped",
		slog.Uint64("runs", stats.TotalRuns),
		slog.Uint64("succeeded", stats.SucceededRuns),
		slog.Uint64("failed", stats.FailedRuns),
	)

	return runErr
}

func mustBool(cmd *cobra.Command, name string) bool {
	v, _ := cmd.Flags().GetBool(name)
	return v
}
