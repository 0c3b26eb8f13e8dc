package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/vthunder/patterngraph/internal/config"
	"github.com/vthunder/patterngraph/internal/logging"
	"github.com/vthunder/patterngraph/internal/patterns"
	"github.com/vthunder/patterngraph/internal/queue"
	"github.com/vthunder/patterngraph/internal/scheduler"
)

// ActiveWindow is how recently a workspace must have ingested something to be
// included in the realtime detection fan-out
const ActiveWindow = 15 * time.Minute

// EnqueueActive queues a detection pass for every workspace with recent
// activity and returns how many were newly queued.
func (p *Pipeline) EnqueueActive(ctx context.Context) (int, error) {
	workspaces, err := p.graph.ActiveWorkspaces(ctx, p.now().Add(-ActiveWindow))
	if err != nil {
		return 0, fmt.Errorf("active workspaces: %w", err)
	}
	n := 0
	for _, ws := range workspaces {
		added, err := p.queue.EnqueueDetection(ctx, ws)
		if err != nil {
			return n, fmt.Errorf("enqueue detection for %s: %w", ws, err)
		}
		if !added {
			continue
		}
		n++
		if p.bus != nil {
			p.announce(ctx, ws, "realtime")
		}
	}
	if n > 0 {
		logging.Info("pipeline", "queued detection for %d of %d active workspaces", n, len(workspaces))
	}
	return n, nil
}

// Sweep decays stale patterns and boosts well-evidenced ones
func (p *Pipeline) Sweep(ctx context.Context) (patterns.SweepResult, error) {
	return p.detector.Sweep(ctx)
}

// Cleanup drops completed queue items and finished jobs older than retention
func (p *Pipeline) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	n, err := p.queue.Cleanup(ctx, p.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("pipeline", "cleanup removed %d queue rows older than %s", n, retention)
	}
	return n, nil
}

// Requeue returns failed items to pending, dead-lettering those out of retries
func (p *Pipeline) Requeue(ctx context.Context, maxRetries int) (int, int, error) {
	return queue.Requeue(ctx, p.queue, maxRetries)
}

// Register schedules the periodic maintenance tasks
func (p *Pipeline) Register(s *scheduler.Scheduler, specs config.SchedulerConfig, q config.QueueConfig) error {
	return errors.Join(
		s.Add("realtime-detection", specs.Realtime, func(ctx context.Context) error {
			_, err := p.EnqueueActive(ctx)
			return err
		}),
		s.Add("pattern-sweep", specs.Sweep, func(ctx context.Context) error {
			_, err := p.Sweep(ctx)
			return err
		}),
		s.Add("queue-cleanup", specs.Cleanup, func(ctx context.Context) error {
			_, err := p.Cleanup(ctx, q.RetentionPeriod)
			return err
		}),
		s.Add("queue-requeue", specs.Requeue, func(ctx context.Context) error {
			_, _, err := p.Requeue(ctx, q.MaxRetries)
			return err
		}),
	)
}
