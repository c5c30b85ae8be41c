package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sakif/channel-lifecycle/internal/model"
	"github.com/sakif/channel-lifecycle/internal/repository"
)

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Workers     int
	Poll        time.Duration // idle wait when no job is due
	MaxAttempts int
	Backoff     Backoff
	SendTimeout time.Duration
	// Lease is how long a claimed job stays invisible to other workers.
	// Zero means twice SendTimeout.
	Lease time.Duration
}

func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		Workers:     2,
		Poll:        time.Second,
		MaxAttempts: 5,
		Backoff:     Backoff{Initial: 5 * time.Second, Max: 5 * time.Minute},
		SendTimeout: 15 * time.Second,
	}
}

// Pool runs workers that drain the job queue.
// Jobs are claimed highest priority first, so OTP sends jump the queue.
type Pool struct {
	jobs   repository.JobRepository
	sender Sender
	config PoolConfig
	logger *slog.Logger
	now    func() time.Time

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewPool(jobs repository.JobRepository, sender Sender, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 2 * cfg.SendTimeout
	}
	if cfg.Lease <= 0 {
		cfg.Lease = time.Minute
	}
	return &Pool{
		jobs:   jobs,
		sender: sender,
		config: cfg,
		logger: logger,
		now:    time.Now,
		done:   make(chan struct{}),
	}
}

func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.logger.Info("starting notification workers", slog.Int("workers", p.config.Workers))
		for i := 0; i < p.config.Workers; i++ {
			p.wg.Add(1)
			go p.worker(i)
		}
	})
}

// Stop signals the workers and waits for them to exit. A send already in
// flight runs to completion, bounded by SendTimeout, and is recorded.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("stopping notification workers")
		close(p.done)
		p.wg.Wait()
	})
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()

	ctx := context.Background()
	for {
		select {
		case <-p.done:
			return
		default:
		}

		worked, err := p.RunOnce(ctx)
		if err != nil {
			p.logger.Error("notification worker", slog.Int("worker", n), slog.String("error", err.Error()))
		}
		if worked {
			continue
		}

		timer := time.NewTimer(p.config.Poll)
		select {
		case <-p.done:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// RunOnce claims and delivers a single due job. It reports whether a job was found.
// The error is about the queue itself; delivery failures are recorded on the job.
//
// The outcome is written even when ctx is cancelled mid-send; otherwise the
// job would sit in working until its lease runs out.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.jobs.ClaimNext(ctx, p.now(), p.config.Lease)
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	sendErr := p.deliver(ctx, job)
	record := context.WithoutCancel(ctx)
	switch {
	case sendErr == nil:
		p.logger.Info("notification delivered",
			slog.String("job_id", job.ID),
			slog.String("kind", string(job.Kind)),
			slog.Int("attempts", job.Attempts),
		)
		return true, p.jobs.MarkDelivered(record, job.ID)

	case IsPermanent(sendErr) || job.Attempts >= p.config.MaxAttempts:
		p.logger.Error("notification failed",
			slog.String("job_id", job.ID),
			slog.String("kind", string(job.Kind)),
			slog.Int("attempts", job.Attempts),
			slog.String("error", sendErr.Error()),
		)
		return true, p.jobs.MarkFailed(record, job.ID, sendErr.Error())

	default:
		delay := p.config.Backoff.Delay(job.Attempts)
		p.logger.Warn("notification attempt failed, retrying",
			slog.String("job_id", job.ID),
			slog.Int("attempt", job.Attempts),
			slog.Duration("next_retry_in", delay),
			slog.String("error", sendErr.Error()),
		)
		return true, p.jobs.MarkRetry(record, job.ID, p.now().Add(delay), sendErr.Error())
	}
}

func (p *Pool) deliver(ctx context.Context, job *model.Job) error {
	msg, err := Render(job.Notification)
	if err != nil {
		return Permanent(err)
	}

	if p.config.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.SendTimeout)
		defer cancel()
	}
	return p.sender.Send(ctx, job.Notification, msg)
}
