package service

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/sakif/channel-lifecycle/internal/apperror"
	"github.com/sakif/channel-lifecycle/internal/model"
	"github.com/sakif/channel-lifecycle/internal/repository"
)

// BounceReport is one delivery failure reported by a provider.
type BounceReport struct {
	Path        string              `json:"path"`
	PathType    model.PathType      `json:"pathType"`
	Timestamp   time.Time           `json:"timestamp"`
	Details     model.BounceDetails `json:"details"`
	Permanent   bool                `json:"permanent"`
	Suppression bool                `json:"suppression"`
}

// Kind classifies the report. Suppression wins over permanent.
func (r BounceReport) Kind() repository.BounceKind {
	switch {
	case r.Suppression:
		return repository.BounceSuppression
	case r.Permanent:
		return repository.BouncePermanent
	default:
		return repository.BounceTransient
	}
}

// BounceSummary says what RecordBounce did.
type BounceSummary struct {
	Kind    string `json:"kind"`
	Shards  int    `json:"shards"`
	Updated int    `json:"updated"`
	// FanOutSkipped is set when a permanent bounce spanned too many shards.
	FanOutSkipped bool `json:"fanOutSkipped"`
	// NowBouncing lists channels that crossed the retire threshold.
	NowBouncing []string `json:"nowBouncing,omitempty"`
}

// RecordBounce applies a bounce to every unretired channel with the
// reported address, on every shard that knows it.
//
// Each channel takes a given kind of bounce at most once per
// BounceDebounceWindow; the store re-checks that inside its transaction.
func (s *ChannelService) RecordBounce(ctx context.Context, r BounceReport) (BounceSummary, error) {
	r.Path = strings.TrimSpace(r.Path)
	if r.Path == "" {
		return BounceSummary{}, apperror.ValidationFailed("path", "path is required")
	}
	if !r.PathType.Known() {
		r.PathType = model.PathEmail
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = s.now()
	}

	kind := r.Kind()
	summary := BounceSummary{Kind: kind.String()}
	log := s.logger.With(slog.String("bounce_kind", kind.String()), slog.String("path_type", string(r.PathType)))

	shards, err := s.shards.AssociatedShards(ctx, r.Path)
	if err != nil {
		return summary, err
	}
	summary.Shards = len(shards)

	if kind == repository.BouncePermanent && len(shards) > s.config.MaxBounceShards {
		log.Warn("permanent bounce spans too many shards; skipping",
			slog.Int("shards", len(shards)),
			slog.Int("max", s.config.MaxBounceShards),
		)
		summary.FanOutSkipped = true
		return summary, nil
	}

	for _, shard := range shards {
		channels, err := shard.Channels().FindByPath(ctx, repository.PathQuery{
			Path:      r.Path,
			PathTypes: r.PathType.Aliases(),
			States:    model.UnretiredStates,
		})
		if err != nil {
			return summary, err
		}
		if len(channels) == 0 {
			continue
		}

		ids := make([]string, len(channels))
		for i := range channels {
			ids[i] = channels[i].ID
		}
		results, err := shard.Channels().ApplyBounce(ctx, repository.BounceUpdate{
			IDs:       ids,
			Kind:      kind,
			Timestamp: r.Timestamp,
			Details:   r.Details,
			Window:    s.config.BounceDebounceWindow,
		})
		if err != nil {
			return summary, err
		}
		summary.Updated += len(results)

		for _, res := range results {
			if res.PrevBounceCount < model.RetireThreshold && res.BounceCount >= model.RetireThreshold {
				gid := model.GlobalID(shard.ID(), res.ChannelID)
				summary.NowBouncing = append(summary.NowBouncing, gid)
				log.Info("channel started bouncing",
					slog.String("channel_id", gid),
					slog.Int("bounce_count", res.BounceCount),
				)
				s.refreshBouncingFlag(ctx, shard, res.UserID)
			}
		}
	}

	log.Debug("bounce recorded", slog.Int("shards", summary.Shards), slog.Int("updated", summary.Updated))
	return summary, nil
}
