package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/sakif/channel-lifecycle/internal/apperror"
	"github.com/sakif/channel-lifecycle/internal/model"
	"github.com/sakif/channel-lifecycle/internal/repository"
)

// Backoff is an exponential delay schedule.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= b.Max {
			return b.Max
		}
	}
	if d > b.Max {
		return b.Max
	}
	return d
}

// Dispatcher enqueues notifications into the durable job queue.
type Dispatcher struct {
	jobs     repository.JobRepository
	logger   *slog.Logger
	attempts int
	backoff  Backoff
	now      func() time.Time
}

func NewDispatcher(jobs repository.JobRepository, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		jobs:     jobs,
		logger:   logger,
		attempts: 3,
		backoff:  Backoff{Initial: 50 * time.Millisecond, Max: 500 * time.Millisecond},
		now:      time.Now,
	}
}

// Dispatch enqueues n, retrying transient queue errors with the same DedupeKey.
// Because Enqueue ignores a key it has already stored, a retry after an
// ambiguous failure never produces a second job.
func (d *Dispatcher) Dispatch(ctx context.Context, n model.Notification) (string, error) {
	if n.DedupeKey == "" {
		return "", apperror.ValidationFailed("dedupeKey", "dedupe key is required")
	}

	var lastErr error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		id, err := d.jobs.Enqueue(ctx, n, d.now())
		if err == nil {
			d.logger.Debug("notification queued",
				slog.String("job_id", id),
				slog.String("kind", string(n.Kind)),
				slog.String("channel_id", n.ChannelGlobalID),
			)
			return id, nil
		}
		lastErr = err

		if attempt == d.attempts {
			break
		}
		d.logger.Warn("enqueue failed, retrying",
			slog.String("kind", string(n.Kind)),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
		select {
		case <-time.After(d.backoff.Delay(attempt)):
		case <-ctx.Done():
			return "", apperror.UpstreamDelivery("notification not queued", ctx.Err())
		}
	}
	return "", apperror.UpstreamDelivery("notification not queued", lastErr)
}
