// Package scheduler runs the periodic pipeline work (realtime detection
// fan-out, sweeps, queue maintenance) on cron specs.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vthunder/patterngraph/internal/logging"
)

// Task is one periodic job
type Task func(ctx context.Context) error

// Scheduler wraps a cron runner. Overlapping runs of one task are skipped
// and panics are recovered.
type Scheduler struct {
	cron *cron.Cron
	ctx  context.Context

	cancel context.CancelFunc
}

// New creates an empty scheduler
func New() *Scheduler {
	logger := cronLogger{}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers task under spec. An empty spec disables the task.
func (s *Scheduler) Add(name, spec string, task Task) error {
	if spec == "" {
		logging.Info("scheduler", "%s disabled", name)
		return nil
	}
	_, err := s.cron.AddFunc(spec, func() {
		start := time.Now()
		if err := task(s.ctx); err != nil {
			logging.Error("scheduler", "%s failed after %s: %v", name, time.Since(start).Round(time.Millisecond), err)
			return
		}
		logging.Debug("scheduler", "%s done in %s", name, time.Since(start).Round(time.Millisecond))
	})
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, spec, err)
	}
	logging.Info("scheduler", "%s scheduled at %q", name, spec)
	return nil
}

// Len returns the number of scheduled tasks
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running tasks to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.cron.Start()
	<-ctx.Done()
	s.cancel()
	<-s.cron.Stop().Done()
	logging.Info("scheduler", "stopped")
	return nil
}

// cronLogger routes cron's own messages into the subsystem logger
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logging.Debug("scheduler", "%s %v", msg, keysAndValues)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logging.Error("scheduler", "%s: %v %v", msg, err, keysAndValues)
}
