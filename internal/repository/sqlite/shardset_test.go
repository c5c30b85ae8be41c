package sqlite

import (
	"context"
	"testing"

	"github.com/sakif/channel-lifecycle/internal/model"
)

func TestParseShardSpecs(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []ShardSpec
		wantErr bool
	}{
		{"single", "1=data/shard1.db", []ShardSpec{{"1", "data/shard1.db"}}, false},
		{"several with spaces", " a=:memory: , b=/tmp/b.db ", []ShardSpec{{"a", ":memory:"}, {"b", "/tmp/b.db"}}, false},
		{"missing path", "a=", nil, true},
		{"no separator", "shard.db", nil, true},
		{"empty", "", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseShardSpecs(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseShardSpecs() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("ParseShardSpecs() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("spec[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestNew_RejectsBadShardID(t *testing.T) {
	for _, id := range []string{"", "a~b"} {
		if _, err := New(":memory:", id); err == nil {
			t.Errorf("New(%q) should fail", id)
		}
	}
}

func TestShardSet_AssociatedShards(t *testing.T) {
	ctx := context.Background()
	a := newTestShard(t, "a")
	b := newTestShard(t, "b")
	set, err := NewShardSet(a, b)
	if err != nil {
		t.Fatalf("NewShardSet() error = %v", err)
	}

	u := createTestUser(t, b, "bob")
	createTestChannel(t, b, u.ID, "bob@example.com", model.PathEmail)

	shards, err := set.AssociatedShards(ctx, "BOB@example.com")
	if err != nil {
		t.Fatalf("AssociatedShards() error = %v", err)
	}
	if len(shards) != 1 || shards[0].ID() != "b" {
		t.Errorf("AssociatedShards() = %v, want only shard b", shards)
	}

	if set.Home().ID() != "a" {
		t.Errorf("Home() = %s, want a", set.Home().ID())
	}
	if _, ok := set.Shard("b"); !ok {
		t.Error("Shard(b) not found")
	}
	if _, ok := set.Shard("zzz"); ok {
		t.Error("Shard(zzz) should not exist")
	}
}

func TestNewShardSet_DuplicateIDs(t *testing.T) {
	if _, err := NewShardSet(newTestShard(t, "a"), newTestShard(t, "a")); err == nil {
		t.Error("NewShardSet() with duplicate ids should fail")
	}
}
