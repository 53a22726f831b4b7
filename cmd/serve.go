package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/MimeLyc/subcache/internal/config"
	"github.com/MimeLyc/subcache/internal/httpapi"
	"github.com/MimeLyc/subcache/pkg/log"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
)

type scheduler interface {
	Schedule(ctx context.Context) error
}

type cronEngine interface {
	Start()
	Stop() context.Context
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

func newServeCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the scheduled channel refresh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&ctx.addr, "addr", "", "Listen address (overrides HTTP_ADDR)")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	c := cron.New()
	refresher, err := a.refresher(c)
	if err != nil {
		return err
	}

	opts := []httpapi.Option{
		httpapi.WithStats(a.store),
		httpapi.WithDigests(a.store),
		httpapi.WithChannels(a.store),
		httpapi.WithAuthSecret(cfg.HTTP.AuthSecret),
		httpapi.WithCORSOrigins(cfg.HTTP.CORSOrigins),
		httpapi.WithDefaults(cfg.Jobs.DefaultMaxItems, cfg.Jobs.DefaultLang),
	}
	if cfg.HTTP.RateLimitRPM > 0 {
		opts = append(opts, httpapi.WithRateLimiter(a.limiter(cfg.HTTP.RateLimitRPM, "subcache:http")))
	}
	var sched scheduler
	if refresher != nil {
		opts = append(opts, httpapi.WithRefreshStatus(refresher))
		sched = refresher
	}
	srv := httpapi.NewServer(a.fetcher, a.cache, a.manager, opts...)

	return runWithComponents(ctx, cfg, sched, c, srv)
}

// runWithComponents starts the scheduler and the HTTP server and blocks until
// ctx ends or the server fails.
func runWithComponents(ctx context.Context, cfg *config.Config, sched scheduler, engine cronEngine, srv httpServer) error {
	if sched != nil {
		if err := sched.Schedule(ctx); err != nil {
			return fmt.Errorf("schedule refresh: %w", err)
		}
	}
	engine.Start()
	defer engine.Stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP API listening on %s", cfg.HTTP.Addr)
		errCh <- srv.ListenAndServe(cfg.HTTP.Addr)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
