package model

import "time"

// NotificationKind is the message a channel is being sent.
type NotificationKind string

const (
	NotifyForgotPassword      NotificationKind = "forgot_password"
	NotifyConfirmRegistration NotificationKind = "confirm_registration"
	NotifyConfirmEmail        NotificationKind = "confirm_email"
	NotifyConfirmSMS          NotificationKind = "confirm_sms"
	NotifyMerge               NotificationKind = "merge_notification"
	NotifyOTP                 NotificationKind = "otp"
)

// Delivery priorities. Higher runs first.
const (
	PriorityNormal = 0
	PriorityHigh   = 10
)

// Notification is a request to deliver one message to one channel.
//
// DedupeKey makes enqueueing idempotent: the same key enqueued twice
// produces one job. Callers generate one key per accepted operation and
// reuse it across retries.
type Notification struct {
	DedupeKey       string            `json:"dedupeKey"`
	Kind            NotificationKind  `json:"kind"`
	ChannelGlobalID string            `json:"channelId"`
	PathType        PathType          `json:"pathType"`
	Address         string            `json:"address"`
	Payload         map[string]string `json:"payload,omitempty"`
	Priority        int               `json:"priority"`
}

// JobState tracks a queued delivery.
type JobState string

const (
	JobPending   JobState = "pending"
	JobWorking   JobState = "working"
	JobDelivered JobState = "delivered"
	JobFailed    JobState = "failed"
)

// Job is a Notification persisted in the delivery queue.
type Job struct {
	ID string `json:"id" db:"id"`
	Notification
	State     JobState  `json:"state"     db:"state"`
	Attempts  int       `json:"attempts"  db:"attempts"`
	RunAt     time.Time `json:"runAt"     db:"run_at"`
	LastError string    `json:"lastError" db:"last_error"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}
