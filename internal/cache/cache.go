// Package cache holds short-lived flags used to debounce user-triggered sends.
//
// Two backends share one interface: Redis when CHANNELS_REDIS_ADDR is set, and
// an in-process map otherwise. The in-process map is per-replica, so running
// several replicas without Redis loosens the debounce to "once per replica".
package cache

import (
	"context"
	"time"
)

// KeyPrefixPasswordReset prefixes the per-channel forgot-password debounce flag.
const KeyPrefixPasswordReset = "recent_password_reset:"

// PasswordResetKey is the flag set after a forgot-password message is sent to a channel.
func PasswordResetKey(channelGlobalID string) string {
	return KeyPrefixPasswordReset + channelGlobalID
}

// Flags is a set of keys that expire on their own.
type Flags interface {
	// Acquire sets key for ttl if it is not already set and reports whether
	// this call set it. A false result means a live flag already exists.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Clear drops key. Clearing a missing key is not an error.
	Clear(ctx context.Context, key string) error
}
