package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/channel-lifecycle/internal/apperror"
	"github.com/sakif/channel-lifecycle/internal/model"
)

func TestRecordBounce_PermanentDebounce(t *testing.T) {
	env := newTestEnv(t, Config{})
	user := env.createUser(t, "s1", "Ada", "")
	ctx := context.Background()
	ch := env.activeChannel(t, user, "ada@example.com", model.PathEmail)
	t0 := env.clock

	report := func(at time.Time) BounceSummary {
		t.Helper()
		sum, err := env.svc.RecordBounce(ctx, BounceReport{
			Path:      "Ada@Example.com",
			PathType:  model.PathEmail,
			Timestamp: at,
			Details:   model.BounceDetails{"code": "550"},
			Permanent: true,
		})
		require.NoError(t, err)
		return sum
	}

	sum := report(t0)
	assert.Equal(t, 1, sum.Updated)
	assert.Equal(t, []string{ch.GlobalID()}, sum.NowBouncing)

	sum = report(t0.Add(30 * time.Minute))
	assert.Zero(t, sum.Updated, "second bounce inside the window is skipped")
	assert.Equal(t, 1, env.reload(t, ch).BounceCount)

	later := t0.Add(61 * time.Minute)
	sum = report(later)
	assert.Equal(t, 1, sum.Updated)
	assert.Empty(t, sum.NowBouncing, "already bouncing")

	got := env.reload(t, ch)
	assert.Equal(t, 2, got.BounceCount)
	require.NotNil(t, got.LastBounceAt)
	assert.True(t, got.LastBounceAt.Equal(later), "lastBounceAt = %v, want %v", got.LastBounceAt, later)
	assert.Equal(t, "550", got.LastBounceDetails["code"])

	u, err := env.shard(t, "s1").Users().GetUserByID(ctx, user.ID)
	require.NoError(t, err)
	assert.True(t, u.HasBouncingChannel)
}

func TestRecordBounce_Kinds(t *testing.T) {
	env := newTestEnv(t, Config{})
	user := env.createUser(t, "s1", "Ada", "")
	ctx := context.Background()
	ch := env.activeChannel(t, user, "ada@example.com", model.PathEmail)

	sum, err := env.svc.RecordBounce(ctx, BounceReport{Path: ch.Path, Details: model.BounceDetails{"reason": "mailbox full"}})
	require.NoError(t, err)
	assert.Equal(t, "transient", sum.Kind)

	got := env.reload(t, ch)
	assert.Zero(t, got.BounceCount)
	require.NotNil(t, got.LastTransientBounceAt)
	assert.Equal(t, "mailbox full", got.LastTransientBounceDetails["reason"])
	assert.Nil(t, got.LastBounceAt)

	// Suppression wins even when the provider also flags it permanent.
	sum, err = env.svc.RecordBounce(ctx, BounceReport{Path: ch.Path, Permanent: true, Suppression: true})
	require.NoError(t, err)
	assert.Equal(t, "suppression", sum.Kind)

	got = env.reload(t, ch)
	assert.Zero(t, got.BounceCount)
	assert.NotNil(t, got.LastSuppressionBounceAt)
}

func TestRecordBounce_SkipsRetiredAndOtherTypes(t *testing.T) {
	env := newTestEnv(t, Config{})
	user := env.createUser(t, "s1", "Ada", "")
	ctx := context.Background()

	retired := env.createChannel(t, user, "ada@example.com", model.PathEmail)
	_, err := env.svc.Retire(ctx, owner(user), retired.GlobalID())
	require.NoError(t, err)
	slack := env.createChannel(t, user, "ada@example.com", model.PathSlack)

	sum, err := env.svc.RecordBounce(ctx, BounceReport{Path: "ada@example.com", Permanent: true})
	require.NoError(t, err)
	assert.Zero(t, sum.Updated)
	assert.Zero(t, env.reload(t, retired).BounceCount)
	assert.Zero(t, env.reload(t, slack).BounceCount)
}

func TestRecordBounce_AcrossShards(t *testing.T) {
	env := newTestEnv(t, Config{}, "s1", "s2", "s3")
	ctx := context.Background()

	a := env.createUser(t, "s1", "Ada", "")
	b := env.createUser(t, "s2", "Bob", "")
	chA := env.createChannel(t, a, "shared@example.com", model.PathEmail)
	chB := env.createChannel(t, b, "shared@example.com", model.PathPersonalEmail)

	sum, err := env.svc.RecordBounce(ctx, BounceReport{Path: "shared@example.com", Permanent: true})
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Shards)
	assert.Equal(t, 2, sum.Updated)
	assert.Equal(t, 1, env.reload(t, chA).BounceCount)
	assert.Equal(t, 1, env.reload(t, chB).BounceCount)
}

func TestRecordBounce_FanOutCap(t *testing.T) {
	env := newTestEnv(t, Config{MaxBounceShards: 1}, "s1", "s2")
	ctx := context.Background()

	a := env.createUser(t, "s1", "Ada", "")
	b := env.createUser(t, "s2", "Bob", "")
	chA := env.createChannel(t, a, "shared@example.com", model.PathEmail)
	env.createChannel(t, b, "shared@example.com", model.PathEmail)

	sum, err := env.svc.RecordBounce(ctx, BounceReport{Path: "shared@example.com", Permanent: true})
	require.NoError(t, err)
	assert.True(t, sum.FanOutSkipped)
	assert.Zero(t, env.reload(t, chA).BounceCount)

	// The cap only applies to permanent bounces.
	sum, err = env.svc.RecordBounce(ctx, BounceReport{Path: "shared@example.com"})
	require.NoError(t, err)
	assert.False(t, sum.FanOutSkipped)
	assert.Equal(t, 2, sum.Updated)
}

func TestRecordBounce_Validation(t *testing.T) {
	env := newTestEnv(t, Config{})

	_, err := env.svc.RecordBounce(context.Background(), BounceReport{Path: "  "})
	assert.ErrorIs(t, err, apperror.ErrValidation)
}
