package handler

import (
	"time"

	"github.com/sakif/channel-lifecycle/internal/model"
)

// ChannelView is a channel as API clients see it. The confirmation code is
// never included; bounce details only for actors allowed to read them.
type ChannelView struct {
	ID            string              `json:"id"`
	UserID        string              `json:"userId"`
	Path          string              `json:"path"`
	PathType      model.PathType      `json:"pathType"`
	WorkflowState model.WorkflowState `json:"workflowState"`
	Position      int                 `json:"position"`

	BounceCount                int                 `json:"bounceCount"`
	Bouncing                   bool                `json:"bouncing"`
	LastBounceAt               *time.Time          `json:"lastBounceAt,omitempty"`
	LastBounceDetails          model.BounceDetails `json:"lastBounceDetails,omitempty"`
	LastTransientBounceAt      *time.Time          `json:"lastTransientBounceAt,omitempty"`
	LastTransientBounceDetails model.BounceDetails `json:"lastTransientBounceDetails,omitempty"`
	LastSuppressionBounceAt    *time.Time          `json:"lastSuppressionBounceAt,omitempty"`

	OTPImpaired bool `json:"otpImpaired,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type impairmentChecker interface {
	OTPImpaired(ch *model.Channel) bool
}

func newChannelView(ch *model.Channel, actor model.Actor, otp impairmentChecker) ChannelView {
	v := ChannelView{
		ID:                      ch.GlobalID(),
		UserID:                  model.GlobalID(ch.ShardID, ch.UserID),
		Path:                    ch.Path,
		PathType:                ch.PathType,
		WorkflowState:           ch.WorkflowState,
		Position:                ch.Position,
		BounceCount:             ch.BounceCount,
		Bouncing:                ch.Bouncing(),
		LastBounceAt:            ch.LastBounceAt,
		LastTransientBounceAt:   ch.LastTransientBounceAt,
		LastSuppressionBounceAt: ch.LastSuppressionBounceAt,
		OTPImpaired:             otp.OTPImpaired(ch),
		CreatedAt:               ch.CreatedAt,
		UpdatedAt:               ch.UpdatedAt,
	}
	if actor.CanReadBounceDetails {
		v.LastBounceDetails = ch.LastBounceDetails
		v.LastTransientBounceDetails = ch.LastTransientBounceDetails
	}
	return v
}

func newChannelViews(channels []model.Channel, actor model.Actor, otp impairmentChecker) []ChannelView {
	out := make([]ChannelView, len(channels))
	for i := range channels {
		out[i] = newChannelView(&channels[i], actor, otp)
	}
	return out
}

// UserView is a user with global identifiers.
type UserView struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	OTPChannelID       *string   `json:"otpChannelId"`
	HasBouncingChannel bool      `json:"hasBouncingChannel"`
	CreatedAt          time.Time `json:"createdAt"`
}

func newUserView(u *model.User) UserView {
	v := UserView{
		ID:                 u.GlobalID(),
		Name:               u.Name,
		HasBouncingChannel: u.HasBouncingChannel,
		CreatedAt:          u.CreatedAt,
	}
	if u.OTPChannelID != nil {
		gid := model.GlobalID(u.ShardID, *u.OTPChannelID)
		v.OTPChannelID = &gid
	}
	return v
}
