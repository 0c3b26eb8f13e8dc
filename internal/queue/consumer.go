package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/vthunder/patterngraph/internal/logging"
	"github.com/vthunder/patterngraph/internal/metrics"
)

// Handler processes one item. Returning an error marks the item failed.
type Handler func(ctx context.Context, item *Item) error

// LoadGuard lets a consumer skip polls while the host is overloaded
type LoadGuard interface {
	Busy(ctx context.Context) bool
}

// Consumer polls one queue and fans each claimed batch out onto a bounded
// worker pool.
type Consumer struct {
	store   Store
	queue   string
	handler Handler
	guard   LoadGuard
	wake    chan struct{}

	BatchSize         int           // items claimed per poll (default 10)
	Workers           int           // concurrent items per batch (default 4)
	VisibilityTimeout time.Duration // claim lease (default 5m)
	PollInterval      time.Duration // delay between polls in Run (default 10s)
}

// NewConsumer creates a consumer for queue
func NewConsumer(store Store, queue string, handler Handler) *Consumer {
	return &Consumer{
		store:             store,
		queue:             queue,
		handler:           handler,
		wake:              make(chan struct{}, 1),
		BatchSize:         10,
		Workers:           4,
		VisibilityTimeout: 5 * time.Minute,
		PollInterval:      10 * time.Second,
	}
}

// SetGuard installs a load guard consulted before every poll
func (c *Consumer) SetGuard(g LoadGuard) {
	c.guard = g
}

// Wake makes a running consumer poll now instead of at its next tick
func (c *Consumer) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Queue returns the queue name
func (c *Consumer) Queue() string {
	return c.queue
}

// Run polls until ctx is cancelled
func (c *Consumer) Run(ctx context.Context) error {
	logging.Info("queue", "consumer for %s started (batch=%d workers=%d)", c.queue, c.BatchSize, c.Workers)
	ticker := time.NewTicker(c.PollInterval)
	defer ticker.Stop()

	for {
		job, err := c.ProcessBatch(ctx)
		if err != nil && ctx.Err() == nil {
			logging.Error("queue", "%s batch failed: %v", c.queue, err)
		}
		// A full batch suggests more work is waiting
		if err == nil && job != nil && job.Status == JobCompleted && job.ItemCount == c.BatchSize {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			logging.Info("queue", "consumer for %s stopped", c.queue)
			return nil
		case <-ticker.C:
		case <-c.wake:
		}
	}
}

// ProcessBatch claims and processes one batch. It returns a nil job when
// there was nothing to do or the poll was skipped.
func (c *Consumer) ProcessBatch(ctx context.Context) (*Job, error) {
	m := metrics.Get()
	if c.guard != nil && c.guard.Busy(ctx) {
		m.PollsSkipped.Inc()
		return nil, nil
	}

	items, err := c.store.Dequeue(ctx, c.queue, c.BatchSize, c.VisibilityTimeout)
	if errors.Is(err, ErrNoItems) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.BatchesPolled.WithLabelValues(c.queue).Inc()

	// bookkeeping must land even when ctx is cancelled mid-batch
	bg := context.WithoutCancel(ctx)

	job, err := c.store.StartJob(ctx, c.queue, items)
	if err != nil {
		c.release(bg, items)
		return nil, fmt.Errorf("start job: %w", err)
	}
	logging.Debug("queue", "job %s: %d items from %s", job.ID, len(items), c.queue)

	pool, err := ants.NewPool(c.Workers)
	if err != nil {
		return c.abort(bg, job, items, fmt.Errorf("create worker pool: %w", err))
	}
	defer pool.Release()

	var (
		wg        sync.WaitGroup
		processed atomic.Int64
		failed    atomic.Int64
	)
	for i, it := range items {
		if ctx.Err() != nil || c.cancelled(bg, job.ID) {
			logging.Info("queue", "job %s stopping, releasing %d unstarted items", job.ID, len(items)-i)
			c.release(bg, items[i:])
			break
		}
		item := it
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			if c.handle(ctx, item) {
				processed.Add(1)
			} else {
				failed.Add(1)
			}
		}); err != nil {
			wg.Done()
			wg.Wait()
			return c.abort(bg, job, items[i:], fmt.Errorf("submit item %s: %w", item.ID, err))
		}
	}
	wg.Wait()

	if err := c.store.RecordProgress(bg, job.ID, int(processed.Load()), int(failed.Load())); err != nil {
		logging.Warn("queue", "job %s progress: %v", job.ID, err)
	}
	if err := c.store.FinishJob(bg, job.ID, JobCompleted, ""); err != nil {
		return job, err
	}
	c.reportDepth(bg)

	done, err := c.store.GetJob(bg, job.ID)
	if err != nil {
		return job, nil
	}
	logging.Info("queue", "job %s (%s): %d processed, %d failed of %d",
		done.ID, done.Status, done.Processed, done.Failed, done.ItemCount)
	return done, nil
}

// handle runs the handler for one item and records the outcome. A panic is
// recorded as a failure with its stack.
func (c *Consumer) handle(ctx context.Context, item *Item) (ok bool) {
	m := metrics.Get()
	start := time.Now()
	bg := context.WithoutCancel(ctx)

	var (
		err   error
		stack string
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
				stack = string(debug.Stack())
			}
		}()
		err = c.handler(ctx, item)
	}()
	m.ItemDuration.WithLabelValues(c.queue).Observe(time.Since(start).Seconds())

	if err != nil {
		logging.Warn("queue", "item %s on %s failed (attempt %d): %v", item.ID, c.queue, item.RetryCount+1, err)
		m.ItemsProcessed.WithLabelValues(c.queue, "failed").Inc()
		if ferr := c.store.Fail(bg, item.ID, err.Error(), stack); ferr != nil {
			logging.Error("queue", "record failure of %s: %v", item.ID, ferr)
		}
		return false
	}

	m.ItemsProcessed.WithLabelValues(c.queue, "completed").Inc()
	if cerr := c.store.Complete(bg, item.ID); cerr != nil {
		logging.Error("queue", "complete %s: %v", item.ID, cerr)
		return false
	}
	return true
}

func (c *Consumer) cancelled(ctx context.Context, jobID string) bool {
	job, err := c.store.GetJob(ctx, jobID)
	return err == nil && job.Status == JobCancelled
}

func (c *Consumer) release(ctx context.Context, items []*Item) {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	if err := c.store.Release(ctx, ids); err != nil {
		logging.Warn("queue", "release %d items: %v", len(ids), err)
	}
}

// abort fails the job, returns unstarted items to pending and hands the
// error back to the caller
func (c *Consumer) abort(ctx context.Context, job *Job, unstarted []*Item, err error) (*Job, error) {
	c.release(ctx, unstarted)
	if ferr := c.store.FinishJob(ctx, job.ID, JobFailed, err.Error()); ferr != nil {
		logging.Error("queue", "mark job %s failed: %v", job.ID, ferr)
	}
	job.Status = JobFailed
	job.Error = err.Error()
	return job, err
}

func (c *Consumer) reportDepth(ctx context.Context) {
	if err := RecordDepths(ctx, c.store); err != nil {
		logging.Debug("queue", "depth gauge: %v", err)
	}
}

// RecordDepths publishes per-queue, per-status item counts to the depth gauge
func RecordDepths(ctx context.Context, store Store) error {
	depths, err := store.Depths(ctx)
	if err != nil {
		return err
	}
	g := metrics.Get().QueueDepth
	g.Reset()
	for _, d := range depths {
		g.WithLabelValues(d.Queue, string(d.Status)).Set(float64(d.Count))
	}
	return nil
}

// Requeue runs one retry pass and records the moves
func Requeue(ctx context.Context, store Store, maxRetries int) (int, int, error) {
	requeued, dead, err := store.Requeue(ctx, maxRetries)
	m := metrics.Get()
	m.Requeued.WithLabelValues("pending").Add(float64(requeued))
	m.Requeued.WithLabelValues("dead_letter").Add(float64(dead))
	if requeued > 0 || dead > 0 {
		logging.Info("queue", "requeue: %d back to pending, %d dead-lettered", requeued, dead)
	}
	return requeued, dead, err
}
