package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/sakif/channel-lifecycle/internal/apperror"
	"github.com/sakif/channel-lifecycle/internal/auth"
	"github.com/sakif/channel-lifecycle/internal/model"
)

// ErrInvalidLogin is returned by Login for an unknown login or a wrong password.
// The two cases are not distinguished.
var ErrInvalidLogin = errors.New("invalid login or password")

// AccountService owns users and their credentials:
//
//	AccountHandler (HTTP) → AccountService → ChannelService (channels, confirmation)
//	                                      ↘ TokenService, PasswordService
type AccountService struct {
	channels  *ChannelService
	tokens    *auth.TokenService
	passwords *auth.PasswordService
	logger    *slog.Logger
}

// NewAccountService wires an AccountService. tokens may be nil, in which case
// Login is unavailable.
func NewAccountService(
	channels *ChannelService,
	tokens *auth.TokenService,
	passwords *auth.PasswordService,
	logger *slog.Logger,
) *AccountService {
	return &AccountService{
		channels:  channels,
		tokens:    tokens,
		passwords: passwords,
		logger:    logger,
	}
}

type RegisterInput struct {
	Name     string `json:"name"     validate:"notblank,max=255"`
	Login    string `json:"login"    validate:"required,email,max=255"`
	Password string `json:"password" validate:"required"`
}

// Registration is the result of Register.
type Registration struct {
	User    *model.User    `json:"user"`
	Channel *model.Channel `json:"channel"`
}

// Register creates a user with a password login and an e-mail channel for
// that login, then sends the registration confirmation.
//
// Every check runs before the write, and the user, credential and channel
// are stored in one shard transaction, so a rejected registration leaves
// nothing behind. A failed send is reported as ErrUpstreamDelivery alongside
// the registration; the account exists either way.
func (a *AccountService) Register(ctx context.Context, in RegisterInput) (*Registration, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Login = strings.TrimSpace(in.Login)
	if err := a.channels.validate.Struct(in); err != nil {
		return nil, err
	}
	if err := auth.CheckPolicy(in.Password); err != nil {
		return nil, err
	}
	if err := a.channels.validatePath(in.Login, model.PathEmail); err != nil {
		var appErr *apperror.AppError
		if errors.As(err, &appErr) {
			return nil, apperror.ValidationFailed("login", appErr.Message)
		}
		return nil, err
	}

	for _, shard := range a.channels.shards.Shards() {
		taken, err := shard.Credentials().LoginTaken(ctx, in.Login)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, loginTaken()
		}
	}

	hash, err := a.passwords.Hash(in.Password)
	if err != nil {
		return nil, err
	}
	code, err := a.channels.newCode(model.PathEmail)
	if err != nil {
		return nil, err
	}

	shard := a.channels.shards.Home()
	user := &model.User{Name: in.Name}
	cred := &model.Credential{Login: in.Login, PasswordHash: hash}
	ch := &model.Channel{
		Path:             in.Login,
		PathType:         model.PathEmail,
		WorkflowState:    model.StateUnconfirmed,
		ConfirmationCode: code,
	}
	if err := shard.Users().CreateAccount(ctx, user, cred, ch); err != nil {
		// A new user cannot collide on its own channel, so a conflict is the
		// login racing another registration.
		if errors.Is(err, apperror.ErrConflict) {
			return nil, loginTaken()
		}
		return nil, err
	}

	a.logger.Info("user registered",
		slog.String("user_id", user.GlobalID()),
		slog.String("channel_id", ch.GlobalID()),
	)

	reg := &Registration{User: user, Channel: ch}
	if _, err := a.channels.requestConfirmation(ctx, shard, ch, ConfirmationOptions{Registration: true}); err != nil {
		return reg, err
	}
	return reg, nil
}

func loginTaken() error {
	return apperror.ValidationFailed("login", "login is already taken")
}

// LoginResult bundles the user and the token, so the handler can respond in one step.
type LoginResult struct {
	User  *model.User `json:"user"`
	Token string      `json:"token"`
}

// Login checks a password login on every shard and issues an actor token.
func (a *AccountService) Login(ctx context.Context, login, password string) (*LoginResult, error) {
	if a.tokens == nil {
		return nil, fmt.Errorf("service/account: token signing is not configured")
	}
	login = strings.TrimSpace(login)

	for _, shard := range a.channels.shards.Shards() {
		cred, err := shard.Credentials().FindActiveCredential(ctx, login)
		if errors.Is(err, apperror.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if err := a.passwords.Verify(cred.PasswordHash, password); err != nil {
			if errors.Is(err, auth.ErrPasswordMismatch) {
				return nil, ErrInvalidLogin
			}
			return nil, err
		}

		user, err := shard.Users().GetUserByID(ctx, cred.UserID)
		if err != nil {
			return nil, err
		}
		token, err := a.tokens.Generate(model.Actor{UserID: user.GlobalID()})
		if err != nil {
			return nil, fmt.Errorf("service/account: generating token for %s: %w", user.GlobalID(), err)
		}
		return &LoginResult{User: user, Token: token}, nil
	}
	return nil, ErrInvalidLogin
}

// GetUser returns a user the actor may manage.
func (a *AccountService) GetUser(ctx context.Context, actor model.Actor, userGID string) (*model.User, error) {
	if !actor.CanManage(userGID) {
		return nil, apperror.Forbidden("not allowed to view this user")
	}
	shard, id, err := a.channels.locate("user", userGID)
	if err != nil {
		return nil, err
	}
	return shard.Users().GetUserByID(ctx, id)
}

// ResetPassword finishes the forgot-password flow started by ForgotPassword.
//
// The code must match and be unexpired. Every active credential of the
// channel's user gets the new password, the code is replaced so it works
// once, and an unconfirmed channel is confirmed: receiving the code proves
// the address works.
func (a *AccountService) ResetPassword(ctx context.Context, channelGID, code, password string) error {
	s := a.channels
	shard, ch, err := s.load(ctx, channelGID)
	if err != nil {
		return err
	}
	if ch.ConfirmationCodeExpiresAt == nil || ch.ConfirmationExpired(s.now()) || !codesEqual(ch.ConfirmationCode, code) {
		return apperror.ValidationFailed("code", "reset code is invalid or has expired")
	}

	hash, err := a.passwords.Hash(password)
	if err != nil {
		return err
	}
	creds, err := shard.Credentials().ListActiveCredentials(ctx, ch.UserID)
	if err != nil {
		return err
	}
	if len(creds) == 0 {
		return apperror.ValidationFailed("code", "user has no password login")
	}
	for i := range creds {
		creds[i].PasswordHash = hash
		if err := shard.Credentials().UpdateCredential(ctx, &creds[i]); err != nil {
			return err
		}
	}

	a.logger.Info("password reset",
		slog.String("channel_id", ch.GlobalID()),
		slog.Int("credentials", len(creds)),
	)

	if ch.WorkflowState == model.StateUnconfirmed {
		_, err := s.confirm(ctx, shard, ch)
		return err
	}

	newCode, err := s.newCode(ch.PathType)
	if err != nil {
		return err
	}
	ch.ConfirmationCode = newCode
	ch.ConfirmationCodeExpiresAt = nil
	return shard.Channels().Update(ctx, ch)
}
