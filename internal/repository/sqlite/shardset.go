package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sakif/channel-lifecycle/internal/repository"
)

var _ repository.ShardRouter = (*ShardSet)(nil)

// ShardSpec says where one shard's database lives.
type ShardSpec struct {
	ID   string
	Path string
}

// ParseShardSpecs reads "id=path,id=path" (as found in CHANNELS_SHARDS).
func ParseShardSpecs(s string) ([]ShardSpec, error) {
	var specs []ShardSpec
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, path, ok := strings.Cut(part, "=")
		id, path = strings.TrimSpace(id), strings.TrimSpace(path)
		if !ok || id == "" || path == "" {
			return nil, fmt.Errorf("sqlite: malformed shard spec %q (want id=path)", part)
		}
		specs = append(specs, ShardSpec{ID: id, Path: path})
	}
	if len(specs) == 0 {
		return nil, errors.New("sqlite: at least one shard is required")
	}
	return specs, nil
}

// ShardSet is the sharded record store: an ordered list of shard databases.
// The first shard is the home shard; it also holds the delivery queue.
type ShardSet struct {
	shards []*DB
	byID   map[string]*DB
}

// Open opens every shard in specs. On error, shards already opened are closed.
func Open(specs []ShardSpec) (*ShardSet, error) {
	dbs := make([]*DB, 0, len(specs))
	for _, spec := range specs {
		db, err := New(spec.Path, spec.ID)
		if err != nil {
			for _, opened := range dbs {
				opened.Close()
			}
			return nil, fmt.Errorf("opening shard %s: %w", spec.ID, err)
		}
		dbs = append(dbs, db)
	}
	return NewShardSet(dbs...)
}

// NewShardSet groups already-open shard databases.
func NewShardSet(dbs ...*DB) (*ShardSet, error) {
	if len(dbs) == 0 {
		return nil, errors.New("sqlite: at least one shard is required")
	}
	set := &ShardSet{shards: dbs, byID: make(map[string]*DB, len(dbs))}
	for _, db := range dbs {
		if _, dup := set.byID[db.ID()]; dup {
			return nil, fmt.Errorf("sqlite: duplicate shard id %q", db.ID())
		}
		set.byID[db.ID()] = db
	}
	return set, nil
}

func (s *ShardSet) Shards() []repository.Shard {
	out := make([]repository.Shard, len(s.shards))
	for i, db := range s.shards {
		out[i] = db
	}
	return out
}

func (s *ShardSet) Shard(id string) (repository.Shard, bool) {
	db, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return db, true
}

func (s *ShardSet) Home() repository.Shard { return s.shards[0] }

// Jobs is the delivery queue, kept on the home shard.
func (s *ShardSet) Jobs() repository.JobRepository { return s.shards[0] }

// AssociatedShards asks every shard whether it holds path.
//
// A production deployment would keep a path → shard directory; with a
// handful of SQLite files an EXISTS probe per shard is cheap enough.
func (s *ShardSet) AssociatedShards(ctx context.Context, path string) ([]repository.Shard, error) {
	var out []repository.Shard
	for _, db := range s.shards {
		ok, err := db.HasPath(ctx, path)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, db)
		}
	}
	return out, nil
}

// Close closes every shard, returning the first error.
func (s *ShardSet) Close() error {
	var first error
	for _, db := range s.shards {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
