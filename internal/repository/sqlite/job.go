package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/channel-lifecycle/internal/apperror"
	"github.com/sakif/channel-lifecycle/internal/model"
	"github.com/sakif/channel-lifecycle/internal/repository"
)

var _ repository.JobRepository = (*DB)(nil)

const jobColumns = `id, dedupe_key, kind, channel_id, path_type, address, payload,
	priority, state, attempts, run_at_ms, last_error, created_at, updated_at`

func scanJob(s rowScanner) (*model.Job, error) {
	var (
		j                     model.Job
		kind, pathType, state string
		payload               string
		runAtMS               int64
	)
	err := s.Scan(
		&j.ID, &j.DedupeKey, &kind, &j.ChannelGlobalID, &pathType, &j.Address, &payload,
		&j.Priority, &state, &j.Attempts, &runAtMS, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	j.Kind = model.NotificationKind(kind)
	j.PathType = model.PathType(pathType)
	j.State = model.JobState(state)
	j.RunAt = time.UnixMilli(runAtMS).UTC()
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &j.Payload); err != nil {
			return nil, fmt.Errorf("decoding job payload: %w", err)
		}
	}
	return &j, nil
}

// Enqueue inserts n as a pending job unless its DedupeKey is already queued.
//
// ON CONFLICT DO NOTHING is what makes dispatch retries safe: a caller that
// re-sends the same notification after a timeout gets the original job back.
func (db *DB) Enqueue(ctx context.Context, n model.Notification, runAt time.Time) (string, error) {
	if n.DedupeKey == "" {
		return "", fmt.Errorf("sqlite: enqueue: dedupe key must not be empty")
	}

	payload, err := json.Marshal(n.Payload)
	if err != nil {
		return "", fmt.Errorf("sqlite: encoding job payload: %w", err)
	}

	now := time.Now().UTC()
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO notification_jobs (
			id, dedupe_key, kind, channel_id, path_type, address, payload,
			priority, state, attempts, run_at_ms, last_error, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, '', ?, ?)
		ON CONFLICT(dedupe_key) DO NOTHING`,
		xid.New().String(), n.DedupeKey, string(n.Kind), n.ChannelGlobalID, string(n.PathType),
		n.Address, string(payload), n.Priority, runAt.UnixMilli(), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("sqlite: enqueueing %s job: %w", n.Kind, err)
	}

	var id string
	if err := db.conn.QueryRowContext(ctx,
		`SELECT id FROM notification_jobs WHERE dedupe_key = ?`, n.DedupeKey,
	).Scan(&id); err != nil {
		return "", fmt.Errorf("sqlite: reading enqueued job: %w", err)
	}
	return id, nil
}

// ClaimNext picks the highest-priority due job and marks it working.
//
// A claim is a lease: run_at_ms moves to now+lease, and a working job whose
// lease has run out is due again. A worker that dies mid-send therefore
// loses its job to the next claimer instead of stranding it.
func (db *DB) ClaimNext(ctx context.Context, now time.Time, lease time.Duration) (*model.Job, error) {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: beginning claim: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM notification_jobs
		 WHERE state IN ('pending', 'working') AND run_at_ms <= ?
		 ORDER BY priority DESC, run_at_ms, created_at
		 LIMIT 1`,
		now.UnixMilli(),
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: selecting next job: %w", err)
	}

	job.State = model.JobWorking
	job.Attempts++
	job.RunAt = now.Add(lease).UTC()
	job.UpdatedAt = now.UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE notification_jobs SET state = 'working', attempts = ?, run_at_ms = ?, updated_at = ? WHERE id = ?`,
		job.Attempts, job.RunAt.UnixMilli(), job.UpdatedAt, job.ID,
	); err != nil {
		return nil, fmt.Errorf("sqlite: claiming job %s: %w", job.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: committing claim: %w", err)
	}
	return job, nil
}

func (db *DB) MarkDelivered(ctx context.Context, id string) error {
	return db.setJobState(ctx, id, `state = 'delivered', last_error = ''`)
}

func (db *DB) MarkRetry(ctx context.Context, id string, runAt time.Time, lastErr string) error {
	return db.setJobState(ctx, id, `state = 'pending', run_at_ms = ?, last_error = ?`, runAt.UnixMilli(), lastErr)
}

func (db *DB) MarkFailed(ctx context.Context, id string, lastErr string) error {
	return db.setJobState(ctx, id, `state = 'failed', last_error = ?`, lastErr)
}

func (db *DB) setJobState(ctx context.Context, id, set string, args ...any) error {
	args = append(args, time.Now().UTC(), id)
	result, err := db.conn.ExecContext(ctx,
		`UPDATE notification_jobs SET `+set+`, updated_at = ? WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("sqlite: updating job %s: %w", id, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("job", id)
	}
	return nil
}

// GetJob retrieves a queued job by ID.
func (db *DB) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM notification_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("job", id)
		}
		return nil, fmt.Errorf("sqlite: getting job %s: %w", id, err)
	}
	return job, nil
}
