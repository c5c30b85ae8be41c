// Package model defines the data structures used throughout the application.
package model

import "time"

// User owns channels and login credentials.
//
// A user lives on exactly one shard (its "home" shard); its channels live
// there too. ShardID is filled in by the repository on read.
//
// WHY OTPChannelID *string?
// Most users never enrol in one-time-password login. A nil pointer says
// "no OTP channel" without inventing a sentinel ID.
type User struct {
	ID                 string    `json:"id"                 db:"id"`
	ShardID            string    `json:"shardId"            db:"shard_id"`
	Name               string    `json:"name"               db:"name"`
	OTPChannelID       *string   `json:"otpChannelId"       db:"otp_channel_id"`
	HasBouncingChannel bool      `json:"hasBouncingChannel" db:"has_bouncing_channel"`
	CreatedAt          time.Time `json:"createdAt"          db:"created_at"`
	UpdatedAt          time.Time `json:"updatedAt"          db:"updated_at"`
}

// GlobalID identifies the user across every shard.
func (u *User) GlobalID() string {
	return GlobalID(u.ShardID, u.ID)
}

// CredentialState is the lifecycle of a login credential.
type CredentialState string

const (
	CredentialActive  CredentialState = "active"
	CredentialDeleted CredentialState = "deleted"
)

// Credential is a login (pseudonym) a user signs in with.
// Only users with at least one active credential are considered real
// accounts when looking for merge candidates.
type Credential struct {
	ID            string          `json:"id"            db:"id"`
	UserID        string          `json:"userId"        db:"user_id"`
	Login         string          `json:"login"         db:"login"`
	PasswordHash  string          `json:"-"             db:"password_hash"`
	WorkflowState CredentialState `json:"workflowState" db:"workflow_state"`
	CreatedAt     time.Time       `json:"createdAt"     db:"created_at"`
	UpdatedAt     time.Time       `json:"updatedAt"     db:"updated_at"`
}

// Actor is whoever is calling into the service, as established by the auth layer.
// The permission booleans are decided outside this core and passed in.
type Actor struct {
	UserID               string
	Admin                bool
	CanForceConfirm      bool
	CanReadBounceDetails bool
}

// CanManage reports whether the actor may act on channels owned by userGlobalID.
func (a Actor) CanManage(userGlobalID string) bool {
	return a.Admin || (a.UserID != "" && a.UserID == userGlobalID)
}
