package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sakif/channel-lifecycle/internal/apperror"
	"github.com/sakif/channel-lifecycle/internal/model"
	"github.com/sakif/channel-lifecycle/internal/repository"
)

// NewChannel is the input to Create.
type NewChannel struct {
	Path     string         `json:"path"     validate:"notblank,max=255"`
	PathType model.PathType `json:"pathType"`
}

// Create registers a new unconfirmed channel for userGID.
//
// An empty or unknown path type is treated as e-mail. The channel gets a
// confirmation code straight away; sending it is a separate RequestConfirmation.
func (s *ChannelService) Create(ctx context.Context, actor model.Actor, userGID string, in NewChannel) (*model.Channel, error) {
	if !actor.CanManage(userGID) {
		return nil, apperror.Forbidden("not allowed to add channels for this user")
	}
	shard, userID, err := s.locate("user", userGID)
	if err != nil {
		return nil, err
	}
	user, err := shard.Users().GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.create(ctx, shard, user, in)
}

func (s *ChannelService) create(ctx context.Context, shard repository.Shard, user *model.User, in NewChannel) (*model.Channel, error) {
	in.Path = strings.TrimSpace(in.Path)
	if !in.PathType.Known() {
		in.PathType = model.PathEmail
	}

	if err := s.validate.Struct(in); err != nil {
		return nil, err
	}
	if err := s.validatePath(in.Path, in.PathType); err != nil {
		return nil, err
	}

	count, err := shard.Channels().CountUnretired(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	if count >= model.MaxChannelsPerUser {
		return nil, apperror.ValidationFailed("path",
			fmt.Sprintf("a user may have at most %d channels", model.MaxChannelsPerUser))
	}

	inUse, err := shard.Channels().PathInUse(ctx, user.ID, in.PathType, in.Path, "")
	if err != nil {
		return nil, err
	}
	if inUse {
		return nil, pathTaken()
	}

	code, err := s.newCode(in.PathType)
	if err != nil {
		return nil, err
	}

	ch := &model.Channel{
		UserID:           user.ID,
		Path:             in.Path,
		PathType:         in.PathType,
		WorkflowState:    model.StateUnconfirmed,
		ConfirmationCode: code,
	}
	if err := shard.Channels().Create(ctx, ch); err != nil {
		// The unique index caught a concurrent create of the same path.
		if errors.Is(err, apperror.ErrConflict) {
			return nil, pathTaken()
		}
		return nil, err
	}

	s.logger.Info("channel created",
		slog.String("channel_id", ch.GlobalID()),
		slog.String("user_id", user.GlobalID()),
		slog.String("path_type", string(ch.PathType)),
	)
	return ch, nil
}

func pathTaken() error {
	return apperror.ValidationFailed("path", "path is already in use by this user")
}

// validatePath applies the per-type syntax rules.
func (s *ChannelService) validatePath(path string, t model.PathType) error {
	switch t.Effective() {
	case model.PathTwitter:
		return apperror.ValidationFailed("pathType", "twitter channels can no longer be created")
	case model.PathEmail:
		if err := s.validate.Var("path", path, "email"); err != nil {
			return apperror.ValidationFailed("path", "path is not a valid email address")
		}
		domain := strings.ToLower(path[strings.LastIndex(path, "@")+1:])
		for _, blocked := range s.config.BlockedEmailDomains {
			blocked = strings.ToLower(blocked)
			if domain == blocked || strings.HasSuffix(domain, "."+blocked) {
				return apperror.ValidationFailed("path", "email domain "+domain+" is not accepted")
			}
		}
	case model.PathSMS:
		if _, ok := s.E164Representation(path); !ok {
			return apperror.ValidationFailed("path", "path is not a valid phone number")
		}
	}
	return nil
}

// Get returns one channel the actor may manage.
func (s *ChannelService) Get(ctx context.Context, actor model.Actor, gid string) (*model.Channel, error) {
	_, ch, err := s.loadFor(ctx, actor, gid)
	return ch, err
}

// List returns every channel of userGID in position order, retired ones included.
func (s *ChannelService) List(ctx context.Context, actor model.Actor, userGID string) ([]model.Channel, error) {
	if !actor.CanManage(userGID) {
		return nil, apperror.Forbidden("not allowed to list channels for this user")
	}
	shard, userID, err := s.locate("user", userGID)
	if err != nil {
		return nil, err
	}
	if _, err := shard.Users().GetUserByID(ctx, userID); err != nil {
		return nil, err
	}
	return shard.Channels().ListByUser(ctx, userID)
}

// Reorder puts the listed channels first, in the given order.
func (s *ChannelService) Reorder(ctx context.Context, actor model.Actor, userGID string, channelGIDs []string) ([]model.Channel, error) {
	if !actor.CanManage(userGID) {
		return nil, apperror.Forbidden("not allowed to reorder channels for this user")
	}
	shard, userID, err := s.locate("user", userGID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(channelGIDs))
	for _, gid := range channelGIDs {
		shardID, id, err := model.ParseGlobalID(gid)
		if err != nil || shardID != shard.ID() {
			return nil, apperror.ValidationFailed("channelIds", fmt.Sprintf("channel %s does not belong to user", gid))
		}
		ids = append(ids, id)
	}

	if err := shard.Channels().SetPositions(ctx, userID, ids); err != nil {
		return nil, err
	}
	return shard.Channels().ListByUser(ctx, userID)
}

// transition moves ch along the lifecycle table without persisting it.
func transition(ch *model.Channel, ev model.Event) error {
	to, err := model.Next(ch.WorkflowState, ev)
	if err != nil {
		return apperror.InvalidTransition(err.Error())
	}
	ch.WorkflowState = to
	return nil
}

// Confirm activates an unconfirmed channel and replaces its code, so a
// confirmation link works once.
//
// If other accounts hold the same address, the channel is sent a
// merge_notification after the write. A failed send is returned as
// ErrUpstreamDelivery together with the confirmed channel.
func (s *ChannelService) Confirm(ctx context.Context, gid string) (*model.Channel, error) {
	shard, ch, err := s.load(ctx, gid)
	if err != nil {
		return nil, err
	}
	return s.confirm(ctx, shard, ch)
}

// ConfirmWithCode confirms a channel when code matches and has not expired.
// Actors allowed to force confirmation skip the code check.
func (s *ChannelService) ConfirmWithCode(ctx context.Context, actor model.Actor, gid, code string) (*model.Channel, error) {
	shard, ch, err := s.load(ctx, gid)
	if err != nil {
		return nil, err
	}
	if !actor.CanForceConfirm {
		if !codesEqual(ch.ConfirmationCode, code) {
			return nil, apperror.ValidationFailed("code", "confirmation code is invalid")
		}
		if ch.ConfirmationExpired(s.now()) {
			return nil, apperror.ValidationFailed("code", "confirmation code has expired")
		}
	}
	return s.confirm(ctx, shard, ch)
}

func (s *ChannelService) confirm(ctx context.Context, shard repository.Shard, ch *model.Channel) (*model.Channel, error) {
	if err := transition(ch, model.EventConfirm); err != nil {
		return nil, err
	}
	code, err := s.newCode(ch.PathType)
	if err != nil {
		return nil, err
	}
	ch.ConfirmationCode = code
	ch.ConfirmationCodeExpiresAt = nil

	if err := shard.Channels().Update(ctx, ch); err != nil {
		return nil, err
	}
	s.logger.Info("channel confirmed", slog.String("channel_id", ch.GlobalID()))

	others, err := s.findMergeCandidates(ctx, ch, true)
	if err != nil {
		// The confirmation stands; the notice is best effort.
		s.logger.Warn("merge candidate lookup failed",
			slog.String("channel_id", ch.GlobalID()),
			slog.String("error", err.Error()),
		)
		return ch, nil
	}
	if len(others) > 0 {
		if err := s.dispatch(ctx, ch, model.NotifyMerge, model.PriorityNormal, map[string]string{"path": ch.Path}); err != nil {
			return ch, err
		}
	}
	return ch, nil
}

// Retire takes a channel out of use. The user's OTP channel can't be retired.
func (s *ChannelService) Retire(ctx context.Context, actor model.Actor, gid string) (*model.Channel, error) {
	shard, ch, err := s.loadFor(ctx, actor, gid)
	if err != nil {
		return nil, err
	}
	user, err := shard.Users().GetUserByID(ctx, ch.UserID)
	if err != nil {
		return nil, err
	}
	if user.OTPChannelID != nil && *user.OTPChannelID == ch.ID {
		return nil, apperror.ValidationFailed("workflowState", "the one-time password channel cannot be retired")
	}

	wasBouncing := ch.Bouncing()
	if err := transition(ch, model.EventRetire); err != nil {
		return nil, err
	}
	if err := shard.Channels().Update(ctx, ch); err != nil {
		return nil, err
	}
	if wasBouncing {
		s.refreshBouncingFlag(ctx, shard, ch.UserID)
	}

	s.logger.Info("channel retired", slog.String("channel_id", ch.GlobalID()))
	return ch, nil
}

// Reactivate brings a retired channel back as active with a clean bounce count.
func (s *ChannelService) Reactivate(ctx context.Context, actor model.Actor, gid string) (*model.Channel, error) {
	shard, ch, err := s.loadFor(ctx, actor, gid)
	if err != nil {
		return nil, err
	}
	if err := transition(ch, model.EventReactivate); err != nil {
		return nil, err
	}

	inUse, err := shard.Channels().PathInUse(ctx, ch.UserID, ch.PathType, ch.Path, ch.ID)
	if err != nil {
		return nil, err
	}
	if inUse {
		return nil, pathTaken()
	}
	count, err := shard.Channels().CountUnretired(ctx, ch.UserID)
	if err != nil {
		return nil, err
	}
	if count >= model.MaxChannelsPerUser {
		return nil, apperror.ValidationFailed("path",
			fmt.Sprintf("a user may have at most %d channels", model.MaxChannelsPerUser))
	}

	ch.BounceCount = 0
	if err := shard.Channels().Update(ctx, ch); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return nil, pathTaken()
		}
		return nil, err
	}

	s.logger.Info("channel reactivated", slog.String("channel_id", ch.GlobalID()))
	return ch, nil
}

// ResetBounceCount clears the bounce count whatever the channel's state. Admins only.
func (s *ChannelService) ResetBounceCount(ctx context.Context, actor model.Actor, gid string) (*model.Channel, error) {
	if !actor.Admin {
		return nil, apperror.Forbidden("only admins may reset bounce counts")
	}
	shard, ch, err := s.load(ctx, gid)
	if err != nil {
		return nil, err
	}

	wasBouncing := ch.Bouncing()
	ch.BounceCount = 0
	if err := shard.Channels().Update(ctx, ch); err != nil {
		return nil, err
	}
	if wasBouncing {
		s.refreshBouncingFlag(ctx, shard, ch.UserID)
	}

	s.logger.Info("bounce count reset", slog.String("channel_id", ch.GlobalID()))
	return ch, nil
}

// SetOTPChannel makes an active channel the user's one-time password channel.
// An empty channelGID clears it.
func (s *ChannelService) SetOTPChannel(ctx context.Context, actor model.Actor, userGID, channelGID string) (*model.User, error) {
	if !actor.CanManage(userGID) {
		return nil, apperror.Forbidden("not allowed to manage this user")
	}
	shard, userID, err := s.locate("user", userGID)
	if err != nil {
		return nil, err
	}
	user, err := shard.Users().GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	if channelGID == "" {
		user.OTPChannelID = nil
	} else {
		_, ch, err := s.load(ctx, channelGID)
		if err != nil {
			return nil, err
		}
		if ch.ShardID != user.ShardID || ch.UserID != user.ID {
			return nil, apperror.ValidationFailed("channelId", "channel does not belong to user")
		}
		if ch.WorkflowState != model.StateActive {
			return nil, apperror.ValidationFailed("channelId", "only active channels can receive one-time passwords")
		}
		if ch.PathType == model.PathPush {
			return nil, apperror.ValidationFailed("channelId", "push channels cannot receive one-time passwords")
		}
		user.OTPChannelID = &ch.ID
	}

	if err := shard.Users().UpdateUser(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// refreshBouncingFlag recomputes the user's HasBouncingChannel from its
// unretired channels. Failures are logged; the flag is advisory.
func (s *ChannelService) refreshBouncingFlag(ctx context.Context, shard repository.Shard, userID string) {
	log := s.logger.With(slog.String("user_id", model.GlobalID(shard.ID(), userID)))

	channels, err := shard.Channels().ListByUser(ctx, userID)
	if err != nil {
		log.Error("listing channels for bouncing flag", slog.String("error", err.Error()))
		return
	}
	bouncing := false
	for i := range channels {
		if channels[i].WorkflowState != model.StateRetired && channels[i].Bouncing() {
			bouncing = true
			break
		}
	}

	user, err := shard.Users().GetUserByID(ctx, userID)
	if err != nil {
		log.Error("loading user for bouncing flag", slog.String("error", err.Error()))
		return
	}
	if user.HasBouncingChannel == bouncing {
		return
	}
	user.HasBouncingChannel = bouncing
	if err := shard.Users().UpdateUser(ctx, user); err != nil {
		log.Error("updating bouncing flag", slog.String("error", err.Error()))
		return
	}
	log.Info("bouncing flag changed", slog.Bool("has_bouncing_channel", bouncing))
}
