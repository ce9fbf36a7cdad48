package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/launchdesk/internal/api"
	"github.com/kalambet/launchdesk/internal/config"
	"github.com/kalambet/launchdesk/internal/retention"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitoring server and retention sweeper (foreground)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		return runServe(addr)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default 0.0.0.0:<metrics.port>)")
}

func runServe(addr string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	a.logger.Info("starting launchdesk",
		zap.String("version", version),
		zap.Bool("storage_available", a.gateway.Available()),
		zap.String("storage_reason", a.gateway.Reason()),
	)

	g, gctx := errgroup.WithContext(ctx)

	if sweeper := scheduledSweeper(a); sweeper != nil {
		g.Go(func() error {
			sweeper.Run(gctx)
			return nil
		})
	}

	if !a.cfg.Metrics.Enabled {
		a.logger.Info("metrics disabled, monitoring server not started")
		return g.Wait()
	}

	g.Go(func() error {
		a.exporter.Run(gctx, a.gateway, 30*time.Second)
		return nil
	})

	if addr == "" {
		addr = fmt.Sprintf("0.0.0.0:%d", a.cfg.Metrics.Port)
	}
	srv := &http.Server{
		Addr: addr,
		Handler: api.NewMonitoringHandler(api.MonitoringDeps{
			Reporter:   a.reporter,
			Summarizer: a.gateway,
			Live:       a.live,
			Gatherer:   a.registry,
			Token:      a.cfg.Status.APIToken,
			Logger:     a.logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return gctx
		},
	}

	g.Go(func() error {
		printSuccess("launchdesk listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		printStep("shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// scheduledSweeper returns the background sweeper, or nil when the configured
// retention is out of range. A horizon below one day would delete every row on
// each sweep.
func scheduledSweeper(a *app) *retention.Sweeper {
	days := a.cfg.Retention.Days
	if days < 1 || days > config.MaxRetentionDays {
		a.logger.Error("retention sweeper disabled, retention.days out of range",
			zap.Int("retention_days", days),
			zap.Int("min", 1),
			zap.Int("max", config.MaxRetentionDays),
		)
		return nil
	}
	return retention.NewSweeper(a.gateway, days, a.cfg.Retention.Interval, a.logger)
}
