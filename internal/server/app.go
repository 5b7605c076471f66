// Package server builds the scrapecache dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/scrapecache/internal/admission"
	"github.com/JakeFAU/scrapecache/internal/api"
	"github.com/JakeFAU/scrapecache/internal/cache"
	"github.com/JakeFAU/scrapecache/internal/config"
	"github.com/JakeFAU/scrapecache/internal/coordinator"
	"github.com/JakeFAU/scrapecache/internal/dispatcher"
	"github.com/JakeFAU/scrapecache/internal/events"
	"github.com/JakeFAU/scrapecache/internal/fetcher/headless"
	"github.com/JakeFAU/scrapecache/internal/lock"
	memoryqueue "github.com/JakeFAU/scrapecache/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/scrapecache/internal/queue/pubsub"
	"github.com/JakeFAU/scrapecache/internal/search"
)

// Purger is implemented by slow tiers that can drop expired rows in bulk.
type Purger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// App owns every long-lived component.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  search.Clock

	api      *api.Server
	dispatch *dispatcher.Dispatcher
	coord    *coordinator.Coordinator
	tiers    *cache.Tiers
	locks    *lock.Coordinator
	gate     *admission.Gate
	hub      *events.Hub

	memQueue    *memoryqueue.Queue
	pubsubQueue *pubsubqueue.Queue
	purger      Purger

	pool      *pgxpool.Pool
	gcs       *storage.Client
	headless  *headless.Fetcher
	tracer    *sdktrace.TracerProvider
	closeFns  []func() error
	closeOnce sync.Once
	closeErr  error
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.api.Handler()
}

// Dispatcher returns the job dispatcher.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatch
}

// Run serves HTTP and runs the background loops until ctx ends or SIGINT/SIGTERM
// arrives, then shuts everything down.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	a.Start(gctx, g)
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		return nil
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Close(closeCtx))
}

// Start launches the dispatcher, lock sweeper, broker receiver and cache
// purger on g. They stop when ctx ends.
func (a *App) Start(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Workers()))
		a.dispatch.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.locks.Run(ctx)
		return nil
	})
	if a.pubsubQueue != nil {
		g.Go(func() error {
			if err := a.pubsubQueue.Run(ctx); err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		})
	}
	if a.purger != nil && a.cfg.Cache.PurgeInterval > 0 {
		g.Go(func() error {
			a.purgeLoop(ctx)
			return nil
		})
	}
}

func (a *App) purgeLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Cache.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.purger.PurgeExpired(ctx, a.clock.Now().UTC())
			if err != nil {
				a.logger.Warn("purge expired entries failed", zap.Error(err))
				continue
			}
			if n > 0 {
				a.logger.Info("purged expired entries", zap.Int64("count", n))
			}
		}
	}
}

// Close stops background fetches and releases clients. It is safe to call more
// than once.
func (a *App) Close(ctx context.Context) error {
	a.closeOnce.Do(func() {
		a.closeErr = a.close(ctx)
	})
	return a.closeErr
}

func (a *App) close(ctx context.Context) error {
	var errs []error
	if a.coord != nil {
		if err := a.coord.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("coordinator close: %w", err))
		}
	}
	if a.tiers != nil {
		a.tiers.Wait()
	}
	if a.memQueue != nil {
		a.memQueue.Close()
	}
	if a.pubsubQueue != nil {
		if err := a.pubsubQueue.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("event hub close: %w", err))
		}
	}
	if a.headless != nil {
		a.headless.Close()
	}
	for i := len(a.closeFns) - 1; i >= 0; i-- {
		if err := a.closeFns[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			errs = append(errs, fmt.Errorf("gcs client close: %w", err))
		}
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("tracer shutdown: %w", err))
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		a.logger.Warn("shutdown finished with errors", zap.Error(err))
	} else {
		a.logger.Info("shutdown complete")
	}
	return err
}
