package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"welfare-agent/internal/metrics"
	"welfare-agent/internal/observability"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat API over HTTP",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log := observability.Init(cfg.LogLevel, os.Stdout)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := wireApp(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer a.close()

			// No write timeout: streamed answers may legitimately run for
			// timeouts.stream.
			api := &http.Server{
				Addr:              cfg.Server.Listen,
				Handler:           a.api.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
				IdleTimeout:       120 * time.Second,
			}
			var metricsSrv *http.Server
			if cfg.Server.MetricsListen != "" {
				metricsSrv = &http.Server{
					Addr:              cfg.Server.MetricsListen,
					Handler:           metricsMux(a),
					ReadHeaderTimeout: 10 * time.Second,
				}
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info("http api listening", "addr", api.Addr, "prefix", cfg.Server.PathPrefix)
				if err := api.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return errors.WithMessage(err, "http api stopped")
				}
				return nil
			})
			if metricsSrv != nil {
				g.Go(func() error {
					log.Info("metrics listening", "addr", metricsSrv.Addr)
					if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return errors.WithMessage(err, "metrics server stopped")
					}
					return nil
				})
			}
			if cfg.Retention.Interval > 0 {
				g.Go(func() error {
					sweepLoop(gctx, a, cfg.Retention.Interval)
					return nil
				})
			}
			g.Go(func() error {
				<-gctx.Done()
				log.Info("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				err := api.Shutdown(shutdownCtx)
				if metricsSrv != nil {
					if merr := metricsSrv.Shutdown(shutdownCtx); err == nil {
						err = merr
					}
				}
				return err
			})
			return g.Wait()
		},
	}
}

func metricsMux(a *app) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(a.registry))
	return mux
}

// sweepLoop runs a retention sweep every interval until ctx is done.
// Failures are logged and retried on the next tick.
func sweepLoop(ctx context.Context, a *app, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := runSweep(ctx, a, now); err != nil {
				a.log.Error("retention sweep failed", "err", err)
			}
		}
	}
}
