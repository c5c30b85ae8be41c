package cache

import (
	"context"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/rs/xid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordResetKey(t *testing.T) {
	assert.Equal(t, "recent_password_reset:1~abc", PasswordResetKey("1~abc"))
}

func TestMemoryFlags_AcquireOnceUntilExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	flags := NewMemoryFlags()
	flags.now = func() time.Time { return now }

	ok, err := flags.Acquire(ctx, "k", 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "first acquire sets the flag")

	now = now.Add(29 * time.Minute)
	ok, _ = flags.Acquire(ctx, "k", 30*time.Minute)
	assert.False(t, ok, "flag still live inside the ttl")

	now = now.Add(2 * time.Minute)
	ok, _ = flags.Acquire(ctx, "k", 30*time.Minute)
	assert.True(t, ok, "flag expired")
}

func TestMemoryFlags_Clear(t *testing.T) {
	ctx := context.Background()
	flags := NewMemoryFlags()

	_, _ = flags.Acquire(ctx, "k", time.Hour)
	require.NoError(t, flags.Clear(ctx, "k"))
	require.NoError(t, flags.Clear(ctx, "missing"))

	ok, _ := flags.Acquire(ctx, "k", time.Hour)
	assert.True(t, ok)
}

// TestRedisFlags runs against a real server when CHANNELS_TEST_REDIS_ADDR is set.
func TestRedisFlags(t *testing.T) {
	addr := os.Getenv("CHANNELS_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CHANNELS_TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	opts := DefaultConnectOptions(addr, "", 0)
	opts.ConnectTimeout = 3 * time.Second
	client, err := Connect(ctx, opts, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	flags := NewRedisFlags(client)
	key := PasswordResetKey("test~" + xid.New().String())
	t.Cleanup(func() { flags.Clear(ctx, key) })

	ok, err := flags.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = flags.Acquire(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConnect_RejectsZeroTimeouts(t *testing.T) {
	_, err := Connect(context.Background(), ConnectOptions{Addr: "localhost:0"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}
