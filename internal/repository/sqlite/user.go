package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/xid"
	"github.com/sakif/channel-lifecycle/internal/apperror"
	"github.com/sakif/channel-lifecycle/internal/model"
	"github.com/sakif/channel-lifecycle/internal/repository"
)

// compile-time checks that *DB implements the user-side repositories
var (
	_ repository.UserRepository       = (*DB)(nil)
	_ repository.CredentialRepository = (*DB)(nil)
)

// CreateUser inserts a new user on this shard and fills in ID, ShardID and timestamps.
func (db *DB) CreateUser(ctx context.Context, user *model.User) error {
	return db.insertUser(ctx, db.conn, user)
}

// CreateAccount inserts a new user with its credential and first channel in
// one transaction. Either all three rows exist afterwards or none do.
func (db *DB) CreateAccount(ctx context.Context, user *model.User, cred *model.Credential, ch *model.Channel) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: beginning account insert: %w", err)
	}
	defer tx.Rollback()

	if err := db.insertUser(ctx, tx, user); err != nil {
		return err
	}
	cred.UserID = user.ID
	if err := insertCredential(ctx, tx, cred); err != nil {
		return err
	}
	ch.UserID = user.ID
	if err := db.insertChannel(ctx, tx, ch); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: committing account insert: %w", err)
	}
	return nil
}

func (db *DB) insertUser(ctx context.Context, q querier, user *model.User) error {
	now := time.Now().UTC()
	user.ID = xid.New().String()
	user.ShardID = db.shardID
	user.CreatedAt = now
	user.UpdatedAt = now

	_, err := q.ExecContext(ctx,
		`INSERT INTO users (id, name, otp_channel_id, has_bouncing_channel, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		user.ID,
		user.Name,
		nullString(user.OTPChannelID),
		user.HasBouncingChannel,
		user.CreatedAt,
		user.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: inserting user: %w", err)
	}
	return nil
}

// GetUserByID retrieves a user by their shard-local ID.
// Returns apperror.ErrNotFound if no user exists with that ID.
func (db *DB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	var (
		u   model.User
		otp sql.NullString
	)

	err := db.conn.QueryRowContext(ctx,
		`SELECT id, name, otp_channel_id, has_bouncing_channel, created_at, updated_at
		 FROM users WHERE id = ?`,
		id,
	).Scan(
		&u.ID,
		&u.Name,
		&otp,
		&u.HasBouncingChannel,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", model.GlobalID(db.shardID, id))
		}
		return nil, fmt.Errorf("sqlite: getting user %s: %w", id, err)
	}

	u.ShardID = db.shardID
	u.OTPChannelID = stringPtr(otp)
	return &u, nil
}

// UpdateUser saves the mutable user columns.
func (db *DB) UpdateUser(ctx context.Context, user *model.User) error {
	user.UpdatedAt = time.Now().UTC()
	result, err := db.conn.ExecContext(ctx,
		`UPDATE users SET name = ?, otp_channel_id = ?, has_bouncing_channel = ?, updated_at = ?
		 WHERE id = ?`,
		user.Name,
		nullString(user.OTPChannelID),
		user.HasBouncingChannel,
		user.UpdatedAt,
		user.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating user %s: %w", user.ID, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("user", user.GlobalID())
	}
	return nil
}

const credentialColumns = `id, user_id, login, password_hash, workflow_state, created_at, updated_at`

func scanCredential(s rowScanner) (*model.Credential, error) {
	var (
		c     model.Credential
		state string
	)
	if err := s.Scan(&c.ID, &c.UserID, &c.Login, &c.PasswordHash, &state, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.WorkflowState = model.CredentialState(state)
	return &c, nil
}

// CreateCredential inserts a login for an existing user.
func (db *DB) CreateCredential(ctx context.Context, cred *model.Credential) error {
	return insertCredential(ctx, db.conn, cred)
}

func insertCredential(ctx context.Context, q querier, cred *model.Credential) error {
	now := time.Now().UTC()
	cred.ID = xid.New().String()
	cred.CreatedAt = now
	cred.UpdatedAt = now
	if cred.WorkflowState == "" {
		cred.WorkflowState = model.CredentialActive
	}

	_, err := q.ExecContext(ctx,
		`INSERT INTO credentials (id, user_id, login, password_hash, workflow_state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cred.ID,
		cred.UserID,
		cred.Login,
		cred.PasswordHash,
		string(cred.WorkflowState),
		cred.CreatedAt,
		cred.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperror.Conflict("credential", cred.Login)
		}
		return fmt.Errorf("sqlite: inserting credential for user %s: %w", cred.UserID, err)
	}
	return nil
}

// ListActiveCredentials returns the user's logins that can still sign in.
func (db *DB) ListActiveCredentials(ctx context.Context, userID string) ([]model.Credential, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		 WHERE user_id = ? AND workflow_state = 'active'
		 ORDER BY created_at, id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing credentials of user %s: %w", userID, err)
	}
	defer rows.Close()

	var creds []model.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning credential row: %w", err)
		}
		creds = append(creds, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating credentials: %w", err)
	}
	return creds, nil
}

// UpdateCredential saves the password hash and state of cred.
func (db *DB) UpdateCredential(ctx context.Context, cred *model.Credential) error {
	cred.UpdatedAt = time.Now().UTC()
	result, err := db.conn.ExecContext(ctx,
		`UPDATE credentials SET password_hash = ?, workflow_state = ?, updated_at = ? WHERE id = ?`,
		cred.PasswordHash, string(cred.WorkflowState), cred.UpdatedAt, cred.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: updating credential %s: %w", cred.ID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return apperror.NotFound("credential", cred.ID)
	}
	return nil
}

// LoginTaken reports whether login (case-insensitive) is already used on this shard.
func (db *DB) LoginTaken(ctx context.Context, login string) (bool, error) {
	var exists bool
	err := db.conn.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM credentials WHERE LOWER(login) = LOWER(?))`, login,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("sqlite: checking login: %w", err)
	}
	return exists, nil
}

// FindActiveCredential returns the active credential for login.
func (db *DB) FindActiveCredential(ctx context.Context, login string) (*model.Credential, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+credentialColumns+` FROM credentials
		 WHERE LOWER(login) = LOWER(?) AND workflow_state = 'active'`,
		login,
	)
	c, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("credential", login)
		}
		return nil, fmt.Errorf("sqlite: finding credential: %w", err)
	}
	return c, nil
}
