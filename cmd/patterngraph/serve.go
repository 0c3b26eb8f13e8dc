package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vthunder/patterngraph/internal/budget"
	"github.com/vthunder/patterngraph/internal/logging"
	"github.com/vthunder/patterngraph/internal/messagebus"
	"github.com/vthunder/patterngraph/internal/metrics"
	"github.com/vthunder/patterngraph/internal/queue"
	"github.com/vthunder/patterngraph/internal/scheduler"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run all consumers, the scheduler and the metrics endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, options{provider: true, bus: true})
			if err != nil {
				return err
			}
			defer a.Close()
			return a.serve(ctx)
		},
	}
}

func newConsumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "consume <queue>",
		Short: "Run a single queue consumer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := openApp(ctx, options{provider: true, bus: true})
			if err != nil {
				return err
			}
			defer a.Close()
			c, err := a.consumer(args[0], budget.NewCPUGuard(a.cfg.Budget.MaxCPUPercent))
			if err != nil {
				return err
			}
			return c.Run(ctx)
		},
	}
}

func (a *app) consumer(name string, guard queue.LoadGuard) (*queue.Consumer, error) {
	h, err := a.pipeline.Handler(name)
	if err != nil {
		return nil, err
	}
	c := queue.NewConsumer(a.queue, name, h)
	c.SetGuard(guard)
	q := a.cfg.Queue
	if q.BatchSize > 0 {
		c.BatchSize = q.BatchSize
	}
	if q.Workers > 0 {
		c.Workers = q.Workers
	}
	if q.VisibilityTimeout > 0 {
		c.VisibilityTimeout = q.VisibilityTimeout
	}
	if q.PollInterval > 0 {
		c.PollInterval = q.PollInterval
	}
	return c, nil
}

func (a *app) serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	guard := budget.NewCPUGuard(a.cfg.Budget.MaxCPUPercent)

	var detection *queue.Consumer
	for _, name := range queue.Queues {
		c, err := a.consumer(name, guard)
		if err != nil {
			return err
		}
		if name == queue.PatternDetection {
			detection = c
		}
		g.Go(func() error { return c.Run(ctx) })
	}

	if a.bus != nil && detection != nil {
		err := a.bus.SubscribeDetection("patterngraph-detect", func(req messagebus.DetectionRequest) {
			logging.Debug("main", "detection requested for %s (%s)", req.WorkspaceID, req.Reason)
			detection.Wake()
		})
		if err != nil {
			return fmt.Errorf("subscribe detection: %w", err)
		}
	}

	sched := scheduler.New()
	if err := a.pipeline.Register(sched, a.cfg.Scheduler, a.cfg.Queue); err != nil {
		return err
	}
	g.Go(func() error { return sched.Run(ctx) })

	if addr := a.cfg.Metrics.Addr; addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logging.Info("main", "metrics on %s/metrics", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	logging.Info("main", "serving %d queues, %d scheduled tasks", len(queue.Queues), sched.Len())
	return g.Wait()
}
