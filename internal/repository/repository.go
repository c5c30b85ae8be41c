// Package repository declares the storage contracts the service layer depends on.
//
// The service never sees a database handle. It sees a ShardRouter that hands
// out Shards, and each Shard exposes per-table repositories scoped to that
// partition. Cross-shard work is an explicit loop over Shards.
package repository

import (
	"context"
	"time"

	"github.com/sakif/channel-lifecycle/internal/model"
)

// PathQuery selects channels by address.
// Path matching is case-insensitive. Empty slices mean "any".
type PathQuery struct {
	Path          string
	PathTypes     []model.PathType
	States        []model.WorkflowState
	ExcludeUserID string
	// Limit, when > 0, caps the number of rows returned.
	Limit int
}

// BounceKind selects which bounce columns an update touches.
type BounceKind int

const (
	BounceTransient BounceKind = iota
	BouncePermanent
	BounceSuppression
)

func (k BounceKind) String() string {
	switch k {
	case BouncePermanent:
		return "permanent"
	case BounceSuppression:
		return "suppression"
	default:
		return "transient"
	}
}

// BounceUpdate is a batched bounce write over a set of channel IDs.
//
// A channel is only touched if its last bounce of the same kind is older
// than Timestamp-Window (or absent). The store re-checks this inside its
// own transaction so concurrent reports don't double count.
type BounceUpdate struct {
	IDs       []string
	Kind      BounceKind
	Timestamp time.Time
	Details   model.BounceDetails
	Window    time.Duration
}

// BounceResult describes one channel an update actually changed.
type BounceResult struct {
	ChannelID       string
	UserID          string
	PrevBounceCount int
	BounceCount     int
}

type ChannelRepository interface {
	Create(ctx context.Context, ch *model.Channel) error
	GetByID(ctx context.Context, id string) (*model.Channel, error)
	Update(ctx context.Context, ch *model.Channel) error
	ListByUser(ctx context.Context, userID string) ([]model.Channel, error)
	CountUnretired(ctx context.Context, userID string) (int, error)
	// PathInUse reports whether userID already holds an unretired channel for
	// the same effective type and path, ignoring excludeID.
	PathInUse(ctx context.Context, userID string, pathType model.PathType, path, excludeID string) (bool, error)
	FindByPath(ctx context.Context, q PathQuery) ([]model.Channel, error)
	HasPath(ctx context.Context, path string) (bool, error)
	ApplyBounce(ctx context.Context, u BounceUpdate) ([]BounceResult, error)
	SetPositions(ctx context.Context, userID string, orderedIDs []string) error
}

type UserRepository interface {
	CreateUser(ctx context.Context, user *model.User) error
	// CreateAccount stores a new user, its credential and its first channel
	// atomically. It sets cred.UserID and ch.UserID.
	CreateAccount(ctx context.Context, user *model.User, cred *model.Credential, ch *model.Channel) error
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	UpdateUser(ctx context.Context, user *model.User) error
}

type CredentialRepository interface {
	CreateCredential(ctx context.Context, cred *model.Credential) error
	ListActiveCredentials(ctx context.Context, userID string) ([]model.Credential, error)
	UpdateCredential(ctx context.Context, cred *model.Credential) error
	LoginTaken(ctx context.Context, login string) (bool, error)
	// FindActiveCredential looks up an active credential by login (case-insensitive).
	FindActiveCredential(ctx context.Context, login string) (*model.Credential, error)
}

// JobRepository is the durable delivery queue.
type JobRepository interface {
	// Enqueue stores n as a pending job. Enqueueing a DedupeKey that already
	// exists is a no-op that returns the existing job's ID.
	Enqueue(ctx context.Context, n model.Notification, runAt time.Time) (string, error)
	// ClaimNext marks the highest-priority due job as working for lease and
	// returns it, or nil when nothing is due. Working jobs whose lease expired
	// are due again.
	ClaimNext(ctx context.Context, now time.Time, lease time.Duration) (*model.Job, error)
	MarkDelivered(ctx context.Context, id string) error
	// MarkRetry records a failed attempt and reschedules the job.
	MarkRetry(ctx context.Context, id string, runAt time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id string, lastErr string) error
	GetJob(ctx context.Context, id string) (*model.Job, error)
}

// Shard is one database partition.
type Shard interface {
	ID() string
	Channels() ChannelRepository
	Users() UserRepository
	Credentials() CredentialRepository
}

// ShardRouter is the sharded record store: it knows every partition and
// which of them hold a given address.
type ShardRouter interface {
	Shards() []Shard
	Shard(id string) (Shard, bool)
	// Home is the shard new users are created on.
	Home() Shard
	// AssociatedShards returns the shards holding at least one channel with path.
	AssociatedShards(ctx context.Context, path string) ([]Shard, error)
}
