// Package service contains the communication-channel lifecycle rules.
//
// THE PIPELINE:
// Every mutating operation runs the same four steps, in order:
//
//	validate → transition → persist → dispatch
//
// Validation and transition errors return before anything is written.
// Notifications are dispatched only after the write succeeded, and a failed
// dispatch never undoes the write: the caller gets ErrUpstreamDelivery and
// may retry the send on its own.
//
// SHARDS:
// The service never holds a database handle. It asks the ShardRouter for the
// shard named in a channel's global ID ("<shard>~<local>"), or for every shard
// that knows an address when a bounce or merge search has to fan out.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/sakif/channel-lifecycle/internal/apperror"
	"github.com/sakif/channel-lifecycle/internal/cache"
	"github.com/sakif/channel-lifecycle/internal/model"
	"github.com/sakif/channel-lifecycle/internal/repository"
)

// Dispatcher accepts a notification for asynchronous delivery.
// notify.Dispatcher is the production implementation.
type Dispatcher interface {
	Dispatch(ctx context.Context, n model.Notification) (jobID string, err error)
}

// Config holds the tunables. Zero values are replaced by DefaultConfig's.
type Config struct {
	DefaultCountryCode    string
	MaxBounceShards       int
	MergeSearchLimit      int
	BounceDebounceWindow  time.Duration
	PasswordResetDebounce time.Duration
	PasswordResetCodeTTL  time.Duration
	BlockedEmailDomains   []string
	TrustPolicies         []TrustPolicy
}

func DefaultConfig() Config {
	return Config{
		DefaultCountryCode:    "1",
		MaxBounceShards:       50,
		MergeSearchLimit:      10,
		BounceDebounceWindow:  time.Hour,
		PasswordResetDebounce: 30 * time.Minute,
		PasswordResetCodeTTL:  2 * time.Hour,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.DefaultCountryCode == "" {
		c.DefaultCountryCode = d.DefaultCountryCode
	}
	if c.MaxBounceShards <= 0 {
		c.MaxBounceShards = d.MaxBounceShards
	}
	if c.MergeSearchLimit <= 0 {
		c.MergeSearchLimit = d.MergeSearchLimit
	}
	if c.BounceDebounceWindow <= 0 {
		c.BounceDebounceWindow = d.BounceDebounceWindow
	}
	if c.PasswordResetDebounce <= 0 {
		c.PasswordResetDebounce = d.PasswordResetDebounce
	}
	if c.PasswordResetCodeTTL <= 0 {
		c.PasswordResetCodeTTL = d.PasswordResetCodeTTL
	}
	return c
}

// ChannelService manages channels across every shard.
type ChannelService struct {
	shards     repository.ShardRouter
	dispatcher Dispatcher
	flags      cache.Flags
	config     Config
	logger     *slog.Logger

	now      func() time.Time
	newCode  func(model.PathType) (string, error)
	newKey   func() string
	validate *validator
}

func NewChannelService(
	shards repository.ShardRouter,
	dispatcher Dispatcher,
	flags cache.Flags,
	cfg Config,
	logger *slog.Logger,
) *ChannelService {
	return &ChannelService{
		shards:     shards,
		dispatcher: dispatcher,
		flags:      flags,
		config:     cfg.withDefaults(),
		logger:     logger,
		now:        time.Now,
		newCode:    generateConfirmationCode,
		newKey:     newDedupeKey,
		validate:   newValidator(),
	}
}

// locate resolves a global ID to its shard and shard-local ID.
func (s *ChannelService) locate(resource, gid string) (repository.Shard, string, error) {
	shardID, localID, err := model.ParseGlobalID(gid)
	if err != nil {
		return nil, "", apperror.NotFound(resource, gid)
	}
	shard, ok := s.shards.Shard(shardID)
	if !ok {
		return nil, "", apperror.NotFound(resource, gid)
	}
	return shard, localID, nil
}

// load fetches a channel by global ID.
func (s *ChannelService) load(ctx context.Context, gid string) (repository.Shard, *model.Channel, error) {
	shard, id, err := s.locate("channel", gid)
	if err != nil {
		return nil, nil, err
	}
	ch, err := shard.Channels().GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return shard, ch, nil
}

// loadFor fetches a channel and checks that actor may manage its owner.
func (s *ChannelService) loadFor(ctx context.Context, actor model.Actor, gid string) (repository.Shard, *model.Channel, error) {
	shard, ch, err := s.load(ctx, gid)
	if err != nil {
		return nil, nil, err
	}
	if !actor.CanManage(ownerID(ch)) {
		return nil, nil, apperror.Forbidden("not allowed to manage this channel")
	}
	return shard, ch, nil
}

// ownerID is the global ID of the user owning ch. Users and their channels share a shard.
func ownerID(ch *model.Channel) string {
	return model.GlobalID(ch.ShardID, ch.UserID)
}

// dispatch queues a kind notification for ch with a fresh dedupe key.
// Failures come back as ErrUpstreamDelivery.
func (s *ChannelService) dispatch(ctx context.Context, ch *model.Channel, kind model.NotificationKind, priority int, payload map[string]string) error {
	n := model.Notification{
		DedupeKey:       s.newKey(),
		Kind:            kind,
		ChannelGlobalID: ch.GlobalID(),
		PathType:        ch.PathType,
		Address:         ch.Path,
		Payload:         payload,
		Priority:        priority,
	}
	if _, err := s.dispatcher.Dispatch(ctx, n); err != nil {
		s.logger.Error("notification dispatch failed",
			slog.String("channel_id", ch.GlobalID()),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		return apperror.UpstreamDelivery(string(kind)+" notification was not sent", err)
	}
	return nil
}
