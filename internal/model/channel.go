// Package model defines the data structures used throughout the application.
// In Go, we use structs to represent our data. They are similar to classes in other languages,
// but without inheritance. Go favours composition over inheritance.
package model

import (
	"fmt"
	"strings"
	"time"
)

// PathType says what kind of address a Channel's Path holds.
type PathType string

const (
	PathEmail         PathType = "email"
	PathPersonalEmail PathType = "personal_email"
	PathSMS           PathType = "sms"
	PathSlack         PathType = "slack"
	PathPush          PathType = "push"
	PathTwitter       PathType = "twitter" // deprecated, kept so old rows still load
)

// KnownPathTypes lists every path type the store accepts.
var KnownPathTypes = []PathType{
	PathEmail, PathPersonalEmail, PathSMS, PathSlack, PathPush, PathTwitter,
}

// Known reports whether t is one of KnownPathTypes.
func (t PathType) Known() bool {
	for _, k := range KnownPathTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Effective collapses aliases for read purposes.
//
// WHY KEEP personal_email AT ALL?
// The stored value feeds analytics on how users label their addresses, so we
// keep it in the database. Everything that reads behaviour (validation,
// uniqueness, delivery routing) goes through Effective and sees plain "email".
func (t PathType) Effective() PathType {
	if t == PathPersonalEmail {
		return PathEmail
	}
	return t
}

// Aliases returns every stored type that reads as t.
// Used when querying by path so "email" lookups also match "personal_email" rows.
func (t PathType) Aliases() []PathType {
	if t.Effective() == PathEmail {
		return []PathType{PathEmail, PathPersonalEmail}
	}
	return []PathType{t}
}

// BounceDetails is the structured blob a mail/SMS provider attaches to a bounce.
// Providers send wildly different shapes, so we keep it as a free-form map.
type BounceDetails map[string]any

const (
	// RetireThreshold is the bounce count at which a channel counts as bouncing.
	RetireThreshold = 1

	// MaxChannelsPerUser caps non-retired channels per user.
	MaxChannelsPerUser = 100

	// MaxConfirmationSends is how many confirmation messages a channel may be sent.
	MaxConfirmationSends = 2
)

// Channel is a user's registered contact endpoint (email, phone, etc.).
//
// ID is local to the shard the row lives on. Use GlobalID when the channel
// must be identified across shards (cache keys, API responses, job payloads).
type Channel struct {
	ID      string `json:"id"      db:"id"`
	ShardID string `json:"shardId" db:"shard_id"`
	UserID  string `json:"userId"  db:"user_id"`

	Path          string        `json:"path"          db:"path"`
	PathType      PathType      `json:"pathType"      db:"path_type"`
	WorkflowState WorkflowState `json:"workflowState" db:"workflow_state"`
	Position      int           `json:"position"      db:"position"`

	// Never serialized. Handlers build their own view of a channel.
	ConfirmationCode          string     `json:"-" db:"confirmation_code"`
	ConfirmationCodeExpiresAt *time.Time `json:"-" db:"confirmation_code_expires_at"`
	ConfirmationSentCount     int        `json:"-" db:"confirmation_sent_count"`

	BounceCount                int           `json:"bounceCount" db:"bounce_count"`
	LastBounceAt               *time.Time    `json:"lastBounceAt,omitempty" db:"last_bounce_at"`
	LastBounceDetails          BounceDetails `json:"-" db:"last_bounce_details"`
	LastTransientBounceAt      *time.Time    `json:"lastTransientBounceAt,omitempty" db:"last_transient_bounce_at"`
	LastTransientBounceDetails BounceDetails `json:"-" db:"last_transient_bounce_details"`
	LastSuppressionBounceAt    *time.Time    `json:"lastSuppressionBounceAt,omitempty" db:"last_suppression_bounce_at"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// GlobalID identifies the channel across every shard.
func (c *Channel) GlobalID() string {
	return GlobalID(c.ShardID, c.ID)
}

// Bouncing reports whether the channel has reached the retire threshold.
func (c *Channel) Bouncing() bool {
	return c.BounceCount >= RetireThreshold
}

// ConfirmationExpired reports whether the current code has an expiry that has passed.
func (c *Channel) ConfirmationExpired(now time.Time) bool {
	return c.ConfirmationCodeExpiresAt != nil && !now.Before(*c.ConfirmationCodeExpiresAt)
}

// globalIDSeparator splits "<shard>~<local>" identifiers.
const globalIDSeparator = "~"

// GlobalID joins a shard ID and a shard-local ID.
func GlobalID(shardID, localID string) string {
	return shardID + globalIDSeparator + localID
}

// ParseGlobalID splits a global ID back into its shard and local parts.
func ParseGlobalID(gid string) (shardID, localID string, err error) {
	shardID, localID, ok := strings.Cut(gid, globalIDSeparator)
	if !ok || shardID == "" || localID == "" {
		return "", "", fmt.Errorf("model: malformed global id %q", gid)
	}
	return shardID, localID, nil
}
