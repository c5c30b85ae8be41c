package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/channel-lifecycle/internal/apperror"
	"github.com/sakif/channel-lifecycle/internal/model"
	"github.com/sakif/channel-lifecycle/internal/repository"
)

// compile-time check that *DB implements repository.ChannelRepository
var _ repository.ChannelRepository = (*DB)(nil)

const channelColumns = `id, user_id, path, path_type, workflow_state, position,
	confirmation_code, confirmation_code_expires_at, confirmation_sent_count,
	bounce_count, last_bounce_at, last_bounce_details,
	last_transient_bounce_at, last_transient_bounce_details,
	last_suppression_bounce_at, created_at, updated_at`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (db *DB) scanChannel(s rowScanner) (*model.Channel, error) {
	var (
		ch                                    model.Channel
		pathType, state                       string
		expiresAt, lastBounce, lastTransient  sql.NullTime
		lastSuppression                       sql.NullTime
		bounceDetails, transientBounceDetails sql.NullString
	)
	err := s.Scan(
		&ch.ID, &ch.UserID, &ch.Path, &pathType, &state, &ch.Position,
		&ch.ConfirmationCode, &expiresAt, &ch.ConfirmationSentCount,
		&ch.BounceCount, &lastBounce, &bounceDetails,
		&lastTransient, &transientBounceDetails,
		&lastSuppression, &ch.CreatedAt, &ch.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	ch.ShardID = db.shardID
	ch.PathType = model.PathType(pathType)
	ch.WorkflowState = model.WorkflowState(state)
	ch.ConfirmationCodeExpiresAt = timePtr(expiresAt)
	ch.LastBounceAt = timePtr(lastBounce)
	ch.LastTransientBounceAt = timePtr(lastTransient)
	ch.LastSuppressionBounceAt = timePtr(lastSuppression)

	if ch.LastBounceDetails, err = decodeDetails(bounceDetails); err != nil {
		return nil, err
	}
	if ch.LastTransientBounceDetails, err = decodeDetails(transientBounceDetails); err != nil {
		return nil, err
	}
	return &ch, nil
}

// Create inserts a new channel at the end of its user's list.
//
// The position is computed inside the INSERT so two concurrent creates for
// the same user can't both read the same MAX(position).
func (db *DB) Create(ctx context.Context, ch *model.Channel) error {
	return db.insertChannel(ctx, db.conn, ch)
}

func (db *DB) insertChannel(ctx context.Context, q querier, ch *model.Channel) error {
	ch.ID = xid.New().String()
	ch.ShardID = db.shardID

	now := time.Now().UTC()
	ch.CreatedAt = now
	ch.UpdatedAt = now

	bounceDetails, err := encodeDetails(ch.LastBounceDetails)
	if err != nil {
		return fmt.Errorf("sqlite: creating channel: %w", err)
	}
	transientDetails, err := encodeDetails(ch.LastTransientBounceDetails)
	if err != nil {
		return fmt.Errorf("sqlite: creating channel: %w", err)
	}

	err = q.QueryRowContext(ctx,
		`INSERT INTO communication_channels (
			id, user_id, path, path_type, workflow_state, position,
			confirmation_code, confirmation_code_expires_at, confirmation_sent_count,
			bounce_count, last_bounce_at, last_bounce_details,
			last_transient_bounce_at, last_transient_bounce_details,
			last_suppression_bounce_at, created_at, updated_at
		) VALUES (
			?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(position), 0) + 1 FROM communication_channels WHERE user_id = ?),
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		) RETURNING position`,
		ch.ID, ch.UserID, ch.Path, string(ch.PathType), string(ch.WorkflowState),
		ch.UserID,
		ch.ConfirmationCode, nullTime(ch.ConfirmationCodeExpiresAt), ch.ConfirmationSentCount,
		ch.BounceCount, nullTime(ch.LastBounceAt), bounceDetails,
		nullTime(ch.LastTransientBounceAt), transientDetails,
		nullTime(ch.LastSuppressionBounceAt), ch.CreatedAt, ch.UpdatedAt,
	).Scan(&ch.Position)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("channel", ch.Path)
		}
		return fmt.Errorf("sqlite: creating channel: %w", err)
	}

	return nil
}

// GetByID retrieves a single channel by its shard-local ID.
func (db *DB) GetByID(ctx context.Context, id string) (*model.Channel, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+channelColumns+` FROM communication_channels WHERE id = ?`, id)

	ch, err := db.scanChannel(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("channel", model.GlobalID(db.shardID, id))
		}
		return nil, fmt.Errorf("sqlite: getting channel %s: %w", id, err)
	}
	return ch, nil
}

// Update writes every mutable column of ch. Concurrent updates to the same
// row are last-write-wins.
func (db *DB) Update(ctx context.Context, ch *model.Channel) error {
	ch.UpdatedAt = time.Now().UTC()

	bounceDetails, err := encodeDetails(ch.LastBounceDetails)
	if err != nil {
		return fmt.Errorf("sqlite: updating channel %s: %w", ch.ID, err)
	}
	transientDetails, err := encodeDetails(ch.LastTransientBounceDetails)
	if err != nil {
		return fmt.Errorf("sqlite: updating channel %s: %w", ch.ID, err)
	}

	result, err := db.conn.ExecContext(ctx,
		`UPDATE communication_channels SET
			path = ?, path_type = ?, workflow_state = ?, position = ?,
			confirmation_code = ?, confirmation_code_expires_at = ?, confirmation_sent_count = ?,
			bounce_count = ?, last_bounce_at = ?, last_bounce_details = ?,
			last_transient_bounce_at = ?, last_transient_bounce_details = ?,
			last_suppression_bounce_at = ?, updated_at = ?
		 WHERE id = ?`,
		ch.Path, string(ch.PathType), string(ch.WorkflowState), ch.Position,
		ch.ConfirmationCode, nullTime(ch.ConfirmationCodeExpiresAt), ch.ConfirmationSentCount,
		ch.BounceCount, nullTime(ch.LastBounceAt), bounceDetails,
		nullTime(ch.LastTransientBounceAt), transientDetails,
		nullTime(ch.LastSuppressionBounceAt), ch.UpdatedAt,
		ch.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("channel", ch.Path)
		}
		return fmt.Errorf("sqlite: updating channel %s: %w", ch.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("channel", ch.GlobalID())
	}
	return nil
}

// ListByUser returns every channel of userID, retired ones included, by position.
func (db *DB) ListByUser(ctx context.Context, userID string) ([]model.Channel, error) {
	return db.queryChannels(ctx,
		`SELECT `+channelColumns+` FROM communication_channels
		 WHERE user_id = ? ORDER BY position, created_at`, userID)
}

// CountUnretired counts the channels that count toward the per-user limit.
func (db *DB) CountUnretired(ctx context.Context, userID string) (int, error) {
	var n int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM communication_channels
		 WHERE user_id = ? AND workflow_state IN ('unconfirmed', 'active')`,
		userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("sqlite: counting channels of user %s: %w", userID, err)
	}
	return n, nil
}

// PathInUse is the pre-commit uniqueness check for (user, effective type, path).
func (db *DB) PathInUse(ctx context.Context, userID string, pathType model.PathType, path, excludeID string) (bool, error) {
	types := pathType.Aliases()
	args := []any{userID, path, excludeID}
	args = append(args, typeStrings(types)...)

	var exists bool
	err := db.conn.QueryRowContext(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM communication_channels
			WHERE user_id = ? AND LOWER(path) = LOWER(?) AND id <> ?
			  AND workflow_state IN ('unconfirmed', 'active')
			  AND path_type IN (`+placeholders(len(types))+`)
		)`,
		args...,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("sqlite: checking path uniqueness: %w", err)
	}
	return exists, nil
}

// FindByPath returns channels with the given path, filtered by q.
func (db *DB) FindByPath(ctx context.Context, q repository.PathQuery) ([]model.Channel, error) {
	var (
		where = []string{"LOWER(path) = LOWER(?)"}
		args  = []any{q.Path}
	)
	if len(q.PathTypes) > 0 {
		where = append(where, "path_type IN ("+placeholders(len(q.PathTypes))+")")
		args = append(args, typeStrings(q.PathTypes)...)
	}
	if len(q.States) > 0 {
		where = append(where, "workflow_state IN ("+placeholders(len(q.States))+")")
		args = append(args, stateStrings(q.States)...)
	}
	if q.ExcludeUserID != "" {
		where = append(where, "user_id <> ?")
		args = append(args, q.ExcludeUserID)
	}

	query := `SELECT ` + channelColumns + ` FROM communication_channels WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY created_at, id`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	return db.queryChannels(ctx, query, args...)
}

// HasPath reports whether any channel on this shard uses path.
func (db *DB) HasPath(ctx context.Context, path string) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM communication_channels WHERE LOWER(path) = LOWER(?))`,
		path,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("sqlite: checking path on shard %s: %w", db.shardID, err)
	}
	return exists, nil
}

// ApplyBounce records a bounce on every channel in u.IDs that is still fresh
// for u.Kind, as one transaction.
//
// The freshness predicate is evaluated inside the transaction, so two
// webhook deliveries of the same bounce race harmlessly: the second one sees
// the first one's timestamp and skips.
func (db *DB) ApplyBounce(ctx context.Context, u repository.BounceUpdate) ([]repository.BounceResult, error) {
	if len(u.IDs) == 0 {
		return nil, nil
	}

	var column string
	switch u.Kind {
	case repository.BouncePermanent:
		column = "last_bounce_at"
	case repository.BounceSuppression:
		column = "last_suppression_bounce_at"
	default:
		column = "last_transient_bounce_at"
	}

	details, err := encodeDetails(u.Details)
	if err != nil {
		return nil, fmt.Errorf("sqlite: applying bounce: %w", err)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: beginning bounce transaction: %w", err)
	}
	defer tx.Rollback()

	args := make([]any, len(u.IDs))
	for i, id := range u.IDs {
		args[i] = id
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id, user_id, bounce_count, `+column+` FROM communication_channels
		 WHERE workflow_state <> 'retired' AND id IN (`+placeholders(len(u.IDs))+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: reading bounce candidates: %w", err)
	}

	ts := u.Timestamp.UTC()
	var fresh []repository.BounceResult
	for rows.Next() {
		var (
			r    repository.BounceResult
			last sql.NullTime
		)
		if err := rows.Scan(&r.ChannelID, &r.UserID, &r.PrevBounceCount, &last); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scanning bounce candidate: %w", err)
		}
		if last.Valid && ts.Sub(last.Time) < u.Window {
			continue
		}
		r.BounceCount = r.PrevBounceCount
		if u.Kind == repository.BouncePermanent {
			r.BounceCount++
		}
		fresh = append(fresh, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("sqlite: iterating bounce candidates: %w", err)
	}
	rows.Close()

	if len(fresh) == 0 {
		return nil, nil
	}

	ids := make([]any, len(fresh))
	for i, r := range fresh {
		ids[i] = r.ChannelID
	}

	var (
		stmt    string
		updArgs []any
		now     = time.Now().UTC()
	)
	switch u.Kind {
	case repository.BouncePermanent:
		stmt = `UPDATE communication_channels
			SET bounce_count = bounce_count + 1, last_bounce_at = ?, last_bounce_details = ?, updated_at = ?`
		updArgs = []any{ts, details, now}
	case repository.BounceSuppression:
		stmt = `UPDATE communication_channels SET last_suppression_bounce_at = ?, updated_at = ?`
		updArgs = []any{ts, now}
	default:
		stmt = `UPDATE communication_channels
			SET last_transient_bounce_at = ?, last_transient_bounce_details = ?, updated_at = ?`
		updArgs = []any{ts, details, now}
	}
	updArgs = append(updArgs, ids...)

	if _, err := tx.ExecContext(ctx, stmt+` WHERE id IN (`+placeholders(len(ids))+`)`, updArgs...); err != nil {
		return nil, fmt.Errorf("sqlite: applying %s bounce: %w", u.Kind, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: committing bounce: %w", err)
	}
	return fresh, nil
}

// SetPositions renumbers userID's channels in the given order, starting at 1.
// Channels not listed keep their relative order after the listed ones.
func (db *DB) SetPositions(ctx context.Context, userID string, orderedIDs []string) error {
	current, err := db.ListByUser(ctx, userID)
	if err != nil {
		return err
	}

	owned := make(map[string]bool, len(current))
	for _, ch := range current {
		owned[ch.ID] = true
	}

	order := make([]string, 0, len(current))
	listed := make(map[string]bool, len(orderedIDs))
	for _, id := range orderedIDs {
		if !owned[id] {
			return apperror.ValidationFailed("channelIds",
				fmt.Sprintf("channel %s does not belong to user", model.GlobalID(db.shardID, id)))
		}
		if listed[id] {
			continue
		}
		listed[id] = true
		order = append(order, id)
	}
	for _, ch := range current {
		if !listed[ch.ID] {
			order = append(order, ch.ID)
		}
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning reorder: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i, id := range order {
		if _, err := tx.ExecContext(ctx,
			`UPDATE communication_channels SET position = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
			i+1, now, id, userID,
		); err != nil {
			return fmt.Errorf("sqlite: setting position of %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing reorder: %w", err)
	}
	return nil
}

func (db *DB) queryChannels(ctx context.Context, query string, args ...any) ([]model.Channel, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: querying channels: %w", err)
	}
	defer rows.Close()

	var channels []model.Channel
	for rows.Next() {
		ch, err := db.scanChannel(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning channel row: %w", err)
		}
		channels = append(channels, *ch)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating channels: %w", err)
	}
	return channels, nil
}
