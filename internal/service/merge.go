package service

import (
	"context"

	"github.com/sakif/channel-lifecycle/internal/model"
	"github.com/sakif/channel-lifecycle/internal/repository"
)

// FindMergeCandidates lists other users who hold an active channel with the
// same address and type, and who can log in.
//
// An address held by more than MergeSearchLimit channels on any one shard is
// treated as shared (a help-desk mailbox, say) and yields no candidates.
func (s *ChannelService) FindMergeCandidates(ctx context.Context, actor model.Actor, gid string, stopAtFirst bool) ([]model.User, error) {
	_, ch, err := s.loadFor(ctx, actor, gid)
	if err != nil {
		return nil, err
	}
	return s.findMergeCandidates(ctx, ch, stopAtFirst)
}

func (s *ChannelService) findMergeCandidates(ctx context.Context, ch *model.Channel, stopAtFirst bool) ([]model.User, error) {
	if ch.PathType == model.PathPush {
		return nil, nil
	}

	shards, err := s.shards.AssociatedShards(ctx, ch.Path)
	if err != nil {
		return nil, err
	}

	limit := s.config.MergeSearchLimit
	seen := make(map[string]bool)
	var users []model.User

	for _, shard := range shards {
		q := repository.PathQuery{
			Path:      ch.Path,
			PathTypes: ch.PathType.Aliases(),
			States:    []model.WorkflowState{model.StateActive},
			Limit:     limit + 1,
		}
		if shard.ID() == ch.ShardID {
			q.ExcludeUserID = ch.UserID
		}
		matches, err := shard.Channels().FindByPath(ctx, q)
		if err != nil {
			return nil, err
		}
		if len(matches) > limit {
			return nil, nil
		}

		for _, m := range matches {
			gid := model.GlobalID(shard.ID(), m.UserID)
			if seen[gid] {
				continue
			}
			seen[gid] = true

			creds, err := shard.Credentials().ListActiveCredentials(ctx, m.UserID)
			if err != nil {
				return nil, err
			}
			if len(creds) == 0 {
				continue
			}
			user, err := shard.Users().GetUserByID(ctx, m.UserID)
			if err != nil {
				return nil, err
			}
			users = append(users, *user)
			if stopAtFirst {
				return users, nil
			}
		}
	}
	return users, nil
}
