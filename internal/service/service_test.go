package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sakif/channel-lifecycle/internal/cache"
	"github.com/sakif/channel-lifecycle/internal/model"
	"github.com/sakif/channel-lifecycle/internal/repository"
	"github.com/sakif/channel-lifecycle/internal/repository/sqlite"
)

// recordingDispatcher captures notifications instead of queueing them.
type recordingDispatcher struct {
	mu   sync.Mutex
	sent []model.Notification
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, n model.Notification) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return "", d.err
	}
	d.sent = append(d.sent, n)
	return fmt.Sprintf("job-%d", len(d.sent)), nil
}

func (d *recordingDispatcher) kinds() []model.NotificationKind {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.NotificationKind, len(d.sent))
	for i, n := range d.sent {
		out[i] = n.Kind
	}
	return out
}

func (d *recordingDispatcher) last(t *testing.T) model.Notification {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.NotEmpty(t, d.sent, "no notification dispatched")
	return d.sent[len(d.sent)-1]
}

type testEnv struct {
	svc    *ChannelService
	shards *sqlite.ShardSet
	sent   *recordingDispatcher
	clock  time.Time
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEnv builds a ChannelService over in-memory shards (default "s1").
func newTestEnv(t *testing.T, cfg Config, shardIDs ...string) *testEnv {
	t.Helper()
	if len(shardIDs) == 0 {
		shardIDs = []string{"s1"}
	}
	dbs := make([]*sqlite.DB, 0, len(shardIDs))
	for _, id := range shardIDs {
		db, err := sqlite.New(":memory:", id)
		require.NoError(t, err)
		dbs = append(dbs, db)
	}
	set, err := sqlite.NewShardSet(dbs...)
	require.NoError(t, err)
	t.Cleanup(func() { set.Close() })

	env := &testEnv{
		shards: set,
		sent:   &recordingDispatcher{},
		clock:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	env.svc = NewChannelService(set, env.sent, cache.NewMemoryFlags(), cfg, discardLogger())
	env.svc.now = func() time.Time { return env.clock }
	return env
}

func (e *testEnv) shard(t *testing.T, id string) repository.Shard {
	t.Helper()
	shard, ok := e.shards.Shard(id)
	require.True(t, ok, "unknown shard %s", id)
	return shard
}

// createUser adds a user to shard; a non-empty login also gives it an active credential.
func (e *testEnv) createUser(t *testing.T, shardID, name, login string) *model.User {
	t.Helper()
	ctx := context.Background()
	shard := e.shard(t, shardID)

	user := &model.User{Name: name}
	require.NoError(t, shard.Users().CreateUser(ctx, user))
	if login != "" {
		cred := &model.Credential{UserID: user.ID, Login: login, PasswordHash: "x"}
		require.NoError(t, shard.Credentials().CreateCredential(ctx, cred))
	}
	return user
}

func owner(u *model.User) model.Actor {
	return model.Actor{UserID: u.GlobalID()}
}

func (e *testEnv) createChannel(t *testing.T, u *model.User, path string, pathType model.PathType) *model.Channel {
	t.Helper()
	ch, err := e.svc.Create(context.Background(), owner(u), u.GlobalID(), NewChannel{Path: path, PathType: pathType})
	require.NoError(t, err)
	return ch
}

func (e *testEnv) activeChannel(t *testing.T, u *model.User, path string, pathType model.PathType) *model.Channel {
	t.Helper()
	ch := e.createChannel(t, u, path, pathType)
	ch, err := e.svc.Confirm(context.Background(), ch.GlobalID())
	require.NoError(t, err)
	return ch
}

func (e *testEnv) reload(t *testing.T, ch *model.Channel) *model.Channel {
	t.Helper()
	got, err := e.shard(t, ch.ShardID).Channels().GetByID(context.Background(), ch.ID)
	require.NoError(t, err)
	return got
}
