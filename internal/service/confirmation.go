package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sakif/channel-lifecycle/internal/apperror"
	"github.com/sakif/channel-lifecycle/internal/cache"
	"github.com/sakif/channel-lifecycle/internal/model"
	"github.com/sakif/channel-lifecycle/internal/repository"
)

// ConfirmationOptions tunes RequestConfirmation.
type ConfirmationOptions struct {
	// Registration sends the welcome variant used right after sign-up.
	Registration bool
}

// RequestConfirmation sends the channel its confirmation code.
//
// A channel gets at most MaxConfirmationSends messages, and none while it is
// bouncing. The send count is persisted before the message is queued; if
// queueing fails the count stays and the channel is returned with an
// ErrUpstreamDelivery error.
func (s *ChannelService) RequestConfirmation(ctx context.Context, actor model.Actor, gid string, opts ConfirmationOptions) (*model.Channel, error) {
	shard, ch, err := s.loadFor(ctx, actor, gid)
	if err != nil {
		return nil, err
	}
	return s.requestConfirmation(ctx, shard, ch, opts)
}

func (s *ChannelService) requestConfirmation(ctx context.Context, shard repository.Shard, ch *model.Channel, opts ConfirmationOptions) (*model.Channel, error) {
	switch {
	case ch.WorkflowState != model.StateUnconfirmed:
		return nil, apperror.InvalidTransition("only unconfirmed channels can be sent a confirmation")
	case ch.ConfirmationSentCount >= model.MaxConfirmationSends:
		return nil, apperror.LimitExceeded("confirmationSentCount", "confirmation has already been sent the maximum number of times")
	case ch.Bouncing():
		return nil, apperror.Suppressed("channel is bouncing; confirmation not sent")
	case ch.PathType == model.PathPush:
		return nil, apperror.ValidationFailed("pathType", "push channels are confirmed by their device")
	}

	payload := map[string]string{"code": ch.ConfirmationCode}
	kind := model.NotifyConfirmEmail
	switch {
	case opts.Registration:
		kind = model.NotifyConfirmRegistration
		payload["name"] = ""
		if user, err := shard.Users().GetUserByID(ctx, ch.UserID); err == nil {
			payload["name"] = user.Name
		}
	case ch.PathType == model.PathSMS:
		kind = model.NotifyConfirmSMS
	}

	ch.ConfirmationSentCount++
	if err := shard.Channels().Update(ctx, ch); err != nil {
		return nil, err
	}

	s.logger.Info("confirmation requested",
		slog.String("channel_id", ch.GlobalID()),
		slog.String("kind", string(kind)),
		slog.Int("sent_count", ch.ConfirmationSentCount),
	)
	if err := s.dispatch(ctx, ch, kind, model.PriorityNormal, payload); err != nil {
		return ch, err
	}
	return ch, nil
}

// ForgotPassword sends a password-reset code to the channel.
//
// Requests for the same channel inside PasswordResetDebounce are ignored and
// sent reports false. The flag is taken before anything is written, so two
// concurrent requests produce one message.
func (s *ChannelService) ForgotPassword(ctx context.Context, gid string) (sent bool, err error) {
	shard, ch, err := s.load(ctx, gid)
	if err != nil {
		return false, err
	}
	return s.forgotPassword(ctx, shard, ch)
}

func (s *ChannelService) forgotPassword(ctx context.Context, shard repository.Shard, ch *model.Channel) (bool, error) {
	if ch.WorkflowState == model.StateRetired {
		return false, apperror.InvalidTransition("cannot send a password reset to a retired channel")
	}
	if ch.Bouncing() {
		return false, apperror.Suppressed("channel is bouncing; password reset not sent")
	}

	key := cache.PasswordResetKey(ch.GlobalID())
	acquired, err := s.flags.Acquire(ctx, key, s.config.PasswordResetDebounce)
	if err != nil {
		return false, err
	}
	if !acquired {
		s.logger.Debug("password reset debounced", slog.String("channel_id", ch.GlobalID()))
		return false, nil
	}

	code, err := s.newCode(ch.PathType)
	if err != nil {
		s.clearFlag(ctx, key)
		return false, err
	}
	expires := s.now().Add(s.config.PasswordResetCodeTTL).UTC()
	ch.ConfirmationCode = code
	ch.ConfirmationCodeExpiresAt = &expires

	if err := shard.Channels().Update(ctx, ch); err != nil {
		s.clearFlag(ctx, key)
		return false, err
	}

	err = s.dispatch(ctx, ch, model.NotifyForgotPassword, model.PriorityNormal, map[string]string{
		"code":       code,
		"expires_at": expires.Format(time.RFC3339),
	})
	return true, err
}

// clearFlag releases a debounce flag after a failed write so the user can retry.
func (s *ChannelService) clearFlag(ctx context.Context, key string) {
	if err := s.flags.Clear(ctx, key); err != nil {
		s.logger.Warn("clearing debounce flag", slog.String("key", key), slog.String("error", err.Error()))
	}
}

// ForgotPasswordByPath sends a reset code to every unretired e-mail channel
// with this address whose user can log in. It returns how many were sent.
// Unknown addresses are not an error.
func (s *ChannelService) ForgotPasswordByPath(ctx context.Context, path string) (int, error) {
	shards, err := s.shards.AssociatedShards(ctx, path)
	if err != nil {
		return 0, err
	}

	var (
		sent int
		errs []error
	)
	for _, shard := range shards {
		channels, err := shard.Channels().FindByPath(ctx, repository.PathQuery{
			Path:      path,
			PathTypes: model.PathEmail.Aliases(),
			States:    model.UnretiredStates,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for i := range channels {
			ch := &channels[i]
			creds, err := shard.Credentials().ListActiveCredentials(ctx, ch.UserID)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if len(creds) == 0 || ch.Bouncing() {
				continue
			}
			ok, err := s.forgotPassword(ctx, shard, ch)
			if ok {
				sent++
			}
			if err != nil {
				errs = append(errs, err)
			}
		}
	}
	return sent, errors.Join(errs...)
}

// SendOTP queues a one-time password for an active channel ahead of other mail.
// Only trusted callers (admin actors) may send one.
func (s *ChannelService) SendOTP(ctx context.Context, actor model.Actor, gid, code string) error {
	if !actor.Admin {
		return apperror.Forbidden("only trusted callers may send one-time passwords")
	}
	if code == "" {
		return apperror.ValidationFailed("code", "code is required")
	}
	_, ch, err := s.load(ctx, gid)
	if err != nil {
		return err
	}
	if ch.WorkflowState != model.StateActive {
		return apperror.InvalidTransition("one-time passwords go to active channels only")
	}
	if ch.Bouncing() {
		return apperror.Suppressed("channel is bouncing; one-time password not sent")
	}
	return s.dispatch(ctx, ch, model.NotifyOTP, model.PriorityHigh, map[string]string{"code": code})
}
