package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/metrics"
	"github.com/mbd888/escrowd/internal/retry"
)

const (
	// DefaultInterval is how often the worker sweeps the queue.
	DefaultInterval = 30 * time.Second
	// DefaultMaxAttempts buries a job after this many failed sends.
	DefaultMaxAttempts = 8

	batchSize = 50
	lease     = 5 * time.Minute
)

// backoff schedules deferred redelivery: 1m, 2m, 4m ... capped at 6h.
var backoff = retry.Policy{BaseDelay: time.Minute, MaxDelay: 6 * time.Hour}

// Worker drains the fallback queue.
type Worker struct {
	queue       Queue
	mailer      Mailer
	maxAttempts int
	interval    time.Duration
	logger      *slog.Logger
	now         func() time.Time
	stop        chan struct{}
	stopOnce    sync.Once
}

// NewWorker creates a queue worker. maxAttempts <= 0 uses DefaultMaxAttempts.
func NewWorker(queue Queue, mailer Mailer, maxAttempts int, logger *slog.Logger) *Worker {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Worker{
		queue:       queue,
		mailer:      mailer,
		maxAttempts: maxAttempts,
		interval:    DefaultInterval,
		logger:      logger,
		now:         time.Now,
		stop:        make(chan struct{}),
	}
}

// Start begins the sweep loop. Call in a goroutine.
func (w *Worker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.logger.Warn("email queue sweep failed", "error", err)
			}
		}
	}
}

// Stop signals the worker to stop. Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
}

// RunOnce claims one batch of due jobs and attempts each. It returns the
// number sent.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.queue.Claim(ctx, w.now(), lease, batchSize)
	if err != nil {
		return 0, err
	}

	sent := 0
	for _, job := range jobs {
		if w.attempt(ctx, job) {
			sent++
		}
	}

	if depth, err := w.queue.Depth(ctx); err == nil {
		metrics.NotifyQueueDepth.Set(float64(depth))
	}
	if len(jobs) > 0 {
		w.logger.Info("email queue sweep", "claimed", len(jobs), "sent", sent)
	}
	return sent, nil
}

func (w *Worker) attempt(ctx context.Context, job *Job) bool {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	err := w.mailer.Send(sendCtx, job.Message)
	cancel()

	log := w.logger.With("job_id", job.ID, "template", job.Message.Template)
	if err == nil {
		if cerr := w.queue.Complete(ctx, job.ID); cerr != nil {
			log.Error("failed to mark email job sent", "error", cerr)
		}
		metrics.NotificationsTotal.WithLabelValues(job.Message.Template, "sent").Inc()
		return true
	}

	attempts := job.Attempts + 1
	if attempts >= w.maxAttempts {
		if berr := w.queue.Bury(ctx, job.ID, attempts, err.Error()); berr != nil {
			log.Error("failed to bury email job", "error", berr)
		}
		log.Error("email job buried after final attempt", "attempts", attempts, "error", err)
		metrics.NotificationsTotal.WithLabelValues(job.Message.Template, "dead").Inc()
		return false
	}

	next := w.now().Add(retry.Backoff(backoff, attempts-1))
	if rerr := w.queue.Retry(ctx, job.ID, attempts, err.Error(), next); rerr != nil {
		log.Error("failed to reschedule email job", "error", rerr)
	}
	log.Warn("email job send failed", "attempts", attempts, "next_attempt_at", next, "error", err)
	return false
}
