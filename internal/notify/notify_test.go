package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/sendgrid/rest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/channel-lifecycle/internal/apperror"
	"github.com/sakif/channel-lifecycle/internal/model"
	"github.com/sakif/channel-lifecycle/internal/repository"
	"github.com/sakif/channel-lifecycle/internal/repository/sqlite"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.New(":memory:", "q")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func confirmEmail(key string) model.Notification {
	return model.Notification{
		DedupeKey:       key,
		Kind:            model.NotifyConfirmEmail,
		ChannelGlobalID: "1~abc",
		PathType:        model.PathEmail,
		Address:         "ada@example.com",
		Payload:         map[string]string{"code": "4321"},
	}
}

// =========================================================================
// RENDERING
// =========================================================================

func TestRender(t *testing.T) {
	msg, err := Render(confirmEmail("k"))
	require.NoError(t, err)
	assert.Equal(t, "Confirm your email address", msg.Subject)
	assert.Contains(t, msg.Text, "4321")
}

func TestRender_RegistrationGreetsByName(t *testing.T) {
	n := confirmEmail("k")
	n.Kind = model.NotifyConfirmRegistration
	n.Payload["name"] = "Ada"

	msg, err := Render(n)
	require.NoError(t, err)
	assert.Contains(t, msg.Text, "Welcome, Ada!")
}

func TestRender_Errors(t *testing.T) {
	_, err := Render(model.Notification{Kind: "carrier_pigeon"})
	assert.Error(t, err, "unknown kind")

	_, err = Render(model.Notification{Kind: model.NotifyOTP, Payload: map[string]string{}})
	assert.Error(t, err, "missing code")
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 10 * time.Second}

	assert.Equal(t, time.Second, b.Delay(1))
	assert.Equal(t, 2*time.Second, b.Delay(2))
	assert.Equal(t, 8*time.Second, b.Delay(4))
	assert.Equal(t, 10*time.Second, b.Delay(5))
	assert.Equal(t, 10*time.Second, b.Delay(50))
}

// =========================================================================
// ROUTING AND SENDERS
// =========================================================================

type recordingSender struct {
	sent []model.Notification
	err  error
}

func (r *recordingSender) Send(_ context.Context, n model.Notification, _ Message) error {
	r.sent = append(r.sent, n)
	return r.err
}

func TestRouter(t *testing.T) {
	ctx := context.Background()
	email := &recordingSender{}
	fallback := &recordingSender{}
	router := NewRouter(fallback).Handle(model.PathEmail, email)

	personal := confirmEmail("k")
	personal.PathType = model.PathPersonalEmail
	require.NoError(t, router.Send(ctx, personal, Message{}))

	sms := confirmEmail("k2")
	sms.PathType = model.PathSMS
	require.NoError(t, router.Send(ctx, sms, Message{}))

	assert.Len(t, email.sent, 1, "personal_email routes to the email sender")
	assert.Len(t, fallback.sent, 1)
}

func TestRouter_NoFallbackIsPermanent(t *testing.T) {
	err := NewRouter(nil).Send(context.Background(), confirmEmail("k"), Message{})
	assert.True(t, IsPermanent(err))
}

func TestSendGridSender(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		callErr       error
		wantErr       bool
		wantPermanent bool
	}{
		{"accepted", 202, nil, false, false},
		{"bad request", 400, nil, true, true},
		{"rate limited", 429, nil, true, false},
		{"server error", 503, nil, true, false},
		{"network", 0, errors.New("connection reset"), true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got rest.Request
			s := NewSendGridSender("key", "Channels", "no-reply@example.com")
			s.call = func(_ context.Context, req rest.Request) (*rest.Response, error) {
				got = req
				if tt.callErr != nil {
					return nil, tt.callErr
				}
				return &rest.Response{StatusCode: tt.status, Body: "{}"}, nil
			}

			err := s.Send(context.Background(), confirmEmail("k"), Message{Subject: "Hi", Text: "code 4321"})
			if !tt.wantErr {
				require.NoError(t, err)
				var body map[string]any
				require.NoError(t, json.Unmarshal(got.Body, &body))
				assert.Contains(t, string(got.Body), "ada@example.com")
				assert.Equal(t, rest.Post, got.Method)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantPermanent, IsPermanent(err))
		})
	}
}

func TestSendGridSender_DefaultClient(t *testing.T) {
	s := NewSendGridSender("key", "Channels", "no-reply@example.com")
	require.NotNil(t, s.client.HTTPClient)
	assert.Equal(t, sendgridTimeout, s.client.HTTPClient.Timeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.Send(ctx, confirmEmail("k"), Message{Subject: "Hi", Text: "code 4321"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsPermanent(err))
}

// =========================================================================
// DISPATCH
// =========================================================================

// flakyJobs fails the first failures Enqueue calls, then delegates.
type flakyJobs struct {
	repository.JobRepository
	failures int
	calls    int
}

func (f *flakyJobs) Enqueue(ctx context.Context, n model.Notification, runAt time.Time) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", errors.New("database is locked")
	}
	return f.JobRepository.Enqueue(ctx, n, runAt)
}

func newTestDispatcher(jobs repository.JobRepository) *Dispatcher {
	d := NewDispatcher(jobs, discardLogger())
	d.backoff = Backoff{Initial: time.Millisecond, Max: time.Millisecond}
	return d
}

func TestDispatch_SameKeyOneJob(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)
	d := newTestDispatcher(queue)

	first, err := d.Dispatch(ctx, confirmEmail("op-1"))
	require.NoError(t, err)
	second, err := d.Dispatch(ctx, confirmEmail("op-1"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestDispatch_RetriesTransientErrors(t *testing.T) {
	jobs := &flakyJobs{JobRepository: newTestQueue(t), failures: 2}
	d := newTestDispatcher(jobs)

	id, err := d.Dispatch(context.Background(), confirmEmail("op-1"))
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, 3, jobs.calls)
}

func TestDispatch_GivesUp(t *testing.T) {
	jobs := &flakyJobs{JobRepository: newTestQueue(t), failures: 100}
	d := newTestDispatcher(jobs)

	_, err := d.Dispatch(context.Background(), confirmEmail("op-1"))
	assert.ErrorIs(t, err, apperror.ErrUpstreamDelivery)
	assert.Equal(t, d.attempts, jobs.calls)
}

func TestDispatch_RequiresKey(t *testing.T) {
	d := newTestDispatcher(newTestQueue(t))

	_, err := d.Dispatch(context.Background(), confirmEmail(""))
	assert.ErrorIs(t, err, apperror.ErrValidation)
}

// =========================================================================
// WORKER POOL
// =========================================================================

func newTestPool(t *testing.T, queue *sqlite.DB, sender Sender) *Pool {
	t.Helper()
	cfg := DefaultPoolConfig()
	cfg.MaxAttempts = 2
	cfg.Backoff = Backoff{Initial: time.Minute, Max: time.Hour}
	return NewPool(queue, sender, cfg, discardLogger())
}

func TestRunOnce_Delivers(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)
	sender := &recordingSender{}
	pool := newTestPool(t, queue, sender)

	id, err := queue.Enqueue(ctx, confirmEmail("k"), time.Now())
	require.NoError(t, err)

	worked, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	require.Len(t, sender.sent, 1)

	job, err := queue.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobDelivered, job.State)

	worked, err = pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, worked, "queue is empty")
}

func TestRunOnce_HighPriorityFirst(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)
	sender := &recordingSender{}
	pool := newTestPool(t, queue, sender)

	_, _ = queue.Enqueue(ctx, confirmEmail("normal"), time.Now().Add(-time.Second))
	otp := confirmEmail("otp")
	otp.Kind = model.NotifyOTP
	otp.Priority = model.PriorityHigh
	_, _ = queue.Enqueue(ctx, otp, time.Now())

	_, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, model.NotifyOTP, sender.sent[0].Kind)
}

func TestRunOnce_RetryThenFail(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)
	sender := &recordingSender{err: errors.New("provider timeout")}
	pool := newTestPool(t, queue, sender)

	now := time.Now()
	pool.now = func() time.Time { return now }
	id, _ := queue.Enqueue(ctx, confirmEmail("k"), now)

	_, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	job, _ := queue.GetJob(ctx, id)
	assert.Equal(t, model.JobPending, job.State)
	assert.Equal(t, "provider timeout", job.LastError)
	assert.WithinDuration(t, now.Add(time.Minute), job.RunAt, time.Second)

	worked, _ := pool.RunOnce(ctx)
	assert.False(t, worked, "retry is not due yet")

	now = now.Add(2 * time.Minute)
	_, err = pool.RunOnce(ctx)
	require.NoError(t, err)
	job, _ = queue.GetJob(ctx, id)
	assert.Equal(t, model.JobFailed, job.State, "second attempt hits MaxAttempts")
}

func TestRunOnce_PermanentFailsImmediately(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)
	pool := newTestPool(t, queue, &recordingSender{err: Permanent(errors.New("invalid address"))})

	id, _ := queue.Enqueue(ctx, confirmEmail("k"), time.Now())
	_, err := pool.RunOnce(ctx)
	require.NoError(t, err)

	job, _ := queue.GetJob(ctx, id)
	assert.Equal(t, model.JobFailed, job.State)
	assert.Equal(t, 1, job.Attempts)
}

func TestPool_StartStop(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)
	delivered := make(chan struct{}, 1)
	sender := SenderFunc(func(context.Context, model.Notification, Message) error {
		delivered <- struct{}{}
		return nil
	})

	cfg := DefaultPoolConfig()
	cfg.Workers = 1
	cfg.Poll = 10 * time.Millisecond
	pool := NewPool(queue, sender, cfg, discardLogger())

	_, err := queue.Enqueue(ctx, confirmEmail("k"), time.Now())
	require.NoError(t, err)

	pool.Start()
	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("job was not delivered")
	}
	pool.Stop()
	pool.Stop() // idempotent
}

func TestPool_StopLetsInFlightSendFinish(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var sendCtxErr error
	sender := SenderFunc(func(sendCtx context.Context, _ model.Notification, _ Message) error {
		close(started)
		select {
		case <-release:
		case <-sendCtx.Done():
		}
		sendCtxErr = sendCtx.Err()
		return sendCtxErr
	})

	cfg := DefaultPoolConfig()
	cfg.Workers = 1
	cfg.Poll = 10 * time.Millisecond
	pool := NewPool(queue, sender, cfg, discardLogger())

	id, err := queue.Enqueue(ctx, confirmEmail("k"), time.Now())
	require.NoError(t, err)

	pool.Start()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("send never started")
	}

	stopped := make(chan struct{})
	go func() {
		pool.Stop()
		close(stopped)
	}()
	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.NoError(t, sendCtxErr, "Stop must not cancel the in-flight send")
	job, err := queue.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.JobDelivered, job.State)
}

func TestRunOnce_RecordsOutcomeAfterCancel(t *testing.T) {
	queue := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sender := SenderFunc(func(context.Context, model.Notification, Message) error {
		cancel()
		return context.Canceled
	})
	pool := newTestPool(t, queue, sender)

	id, _ := queue.Enqueue(context.Background(), confirmEmail("k"), time.Now())
	worked, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)

	job, err := queue.GetJob(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.JobPending, job.State, "cancelled send is rescheduled, not left working")
	assert.Equal(t, context.Canceled.Error(), job.LastError)
}

func TestRunOnce_ReclaimsAbandonedJob(t *testing.T) {
	ctx := context.Background()
	queue := newTestQueue(t)
	sender := &recordingSender{}
	pool := newTestPool(t, queue, sender)

	now := time.Now()
	pool.now = func() time.Time { return now }
	id, _ := queue.Enqueue(ctx, confirmEmail("k"), now)

	// A worker that claimed the job and then died.
	_, err := queue.ClaimNext(ctx, now, pool.config.Lease)
	require.NoError(t, err)

	worked, err := pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, worked, "lease still held")

	now = now.Add(pool.config.Lease + time.Second)
	worked, err = pool.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, worked)
	require.Len(t, sender.sent, 1)

	job, _ := queue.GetJob(ctx, id)
	assert.Equal(t, model.JobDelivered, job.State)
	assert.Equal(t, 2, job.Attempts)
}
