package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sakif/channel-lifecycle/internal/apperror"
	"github.com/sakif/channel-lifecycle/internal/model"
	"github.com/sakif/channel-lifecycle/internal/repository"
)

// TESTING WITH IN-MEMORY SQLITE:
// ":memory:" gives every test its own fresh database that disappears when the
// connection closes. The pool is capped at one connection, so all queries in
// a test see the same database.
func newTestDB(t *testing.T) *DB {
	t.Helper()
	return newTestShard(t, "s1")
}

func newTestShard(t *testing.T, shardID string) *DB {
	t.Helper()
	db, err := New(":memory:", shardID)
	if err != nil {
		t.Fatalf("failed to create test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func createTestUser(t *testing.T, db *DB, name string) *model.User {
	t.Helper()
	user := &model.User{Name: name}
	if err := db.CreateUser(context.Background(), user); err != nil {
		t.Fatalf("failed to create test user: %v", err)
	}
	return user
}

func createTestChannel(t *testing.T, db *DB, userID, path string, pathType model.PathType) *model.Channel {
	t.Helper()
	ch := &model.Channel{
		UserID:        userID,
		Path:          path,
		PathType:      pathType,
		WorkflowState: model.StateUnconfirmed,
	}
	if err := db.Create(context.Background(), ch); err != nil {
		t.Fatalf("failed to create test channel: %v", err)
	}
	return ch
}

// =========================================================================
// CREATE / GET
// =========================================================================

func TestCreateChannel(t *testing.T) {
	db := newTestDB(t)
	user := createTestUser(t, db, "ada")

	ch := createTestChannel(t, db, user.ID, "ada@example.com", model.PathEmail)

	if ch.ID == "" {
		t.Error("Create() did not set ch.ID")
	}
	if ch.ShardID != "s1" {
		t.Errorf("Create() ShardID = %q, want s1", ch.ShardID)
	}
	if ch.Position != 1 {
		t.Errorf("Create() Position = %d, want 1", ch.Position)
	}
	if ch.CreatedAt.IsZero() {
		t.Error("Create() did not set ch.CreatedAt")
	}
}

func TestCreateChannel_PositionsAppend(t *testing.T) {
	db := newTestDB(t)
	user := createTestUser(t, db, "ada")

	first := createTestChannel(t, db, user.ID, "a@example.com", model.PathEmail)
	second := createTestChannel(t, db, user.ID, "+15555550100", model.PathSMS)

	if first.Position != 1 || second.Position != 2 {
		t.Errorf("positions = %d, %d; want 1, 2", first.Position, second.Position)
	}
}

func TestGetByID_RoundTrip(t *testing.T) {
	db := newTestDB(t)
	user := createTestUser(t, db, "ada")
	orig := createTestChannel(t, db, user.ID, "ada@example.com", model.PathEmail)

	got, err := db.GetByID(context.Background(), orig.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.Path != orig.Path || got.PathType != model.PathEmail {
		t.Errorf("GetByID() = %s/%s, want %s/email", got.Path, got.PathType, orig.Path)
	}
	if got.WorkflowState != model.StateUnconfirmed {
		t.Errorf("GetByID() state = %s, want unconfirmed", got.WorkflowState)
	}
	if got.GlobalID() != "s1~"+orig.ID {
		t.Errorf("GlobalID() = %s", got.GlobalID())
	}
}

func TestGetByID_NotFound(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetByID(context.Background(), "nope")
	if !errors.Is(err, apperror.ErrNotFound) {
		t.Errorf("GetByID() error = %v, want ErrNotFound", err)
	}
}

// =========================================================================
// UNIQUENESS
// =========================================================================

func TestCreateChannel_DuplicatePathConflicts(t *testing.T) {
	db := newTestDB(t)
	user := createTestUser(t, db, "ada")
	createTestChannel(t, db, user.ID, "ada@example.com", model.PathEmail)

	// personal_email collapses to email, and paths compare case-insensitively.
	dup := &model.Channel{
		UserID:        user.ID,
		Path:          "ADA@example.com",
		PathType:      model.PathPersonalEmail,
		WorkflowState: model.StateUnconfirmed,
	}
	err := db.Create(context.Background(), dup)
	if !errors.Is(err, apperror.ErrConflict) {
		t.Errorf("Create() error = %v, want ErrConflict", err)
	}
}

func TestCreateChannel_RetiredDoesNotBlock(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := createTestUser(t, db, "ada")
	ch := createTestChannel(t, db, user.ID, "ada@example.com", model.PathEmail)

	ch.WorkflowState = model.StateRetired
	if err := db.Update(ctx, ch); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	createTestChannel(t, db, user.ID, "ada@example.com", model.PathEmail)
}

func TestPathInUse(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := createTestUser(t, db, "ada")
	other := createTestUser(t, db, "bob")
	ch := createTestChannel(t, db, user.ID, "ada@example.com", model.PathEmail)

	tests := []struct {
		name      string
		userID    string
		pathType  model.PathType
		path      string
		excludeID string
		want      bool
	}{
		{"same path", user.ID, model.PathEmail, "ada@example.com", "", true},
		{"alias type", user.ID, model.PathPersonalEmail, "Ada@Example.com", "", true},
		{"other type", user.ID, model.PathSMS, "ada@example.com", "", false},
		{"other user", other.ID, model.PathEmail, "ada@example.com", "", false},
		{"excluded self", user.ID, model.PathEmail, "ada@example.com", ch.ID, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := db.PathInUse(ctx, tt.userID, tt.pathType, tt.path, tt.excludeID)
			if err != nil {
				t.Fatalf("PathInUse() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("PathInUse() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCountUnretired(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := createTestUser(t, db, "ada")
	createTestChannel(t, db, user.ID, "a@example.com", model.PathEmail)
	retired := createTestChannel(t, db, user.ID, "b@example.com", model.PathEmail)
	retired.WorkflowState = model.StateRetired
	if err := db.Update(ctx, retired); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	n, err := db.CountUnretired(ctx, user.ID)
	if err != nil {
		t.Fatalf("CountUnretired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("CountUnretired() = %d, want 1", n)
	}
}

// =========================================================================
// QUERIES
// =========================================================================

func TestFindByPath_Filters(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ada := createTestUser(t, db, "ada")
	bob := createTestUser(t, db, "bob")

	adaCh := createTestChannel(t, db, ada.ID, "shared@example.com", model.PathEmail)
	bobCh := createTestChannel(t, db, bob.ID, "shared@example.com", model.PathEmail)
	bobCh.WorkflowState = model.StateActive
	if err := db.Update(ctx, bobCh); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := db.FindByPath(ctx, repository.PathQuery{
		Path:          "SHARED@example.com",
		States:        []model.WorkflowState{model.StateActive},
		ExcludeUserID: ada.ID,
	})
	if err != nil {
		t.Fatalf("FindByPath() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != bobCh.ID {
		t.Fatalf("FindByPath() = %+v, want only bob's channel", got)
	}

	all, err := db.FindByPath(ctx, repository.PathQuery{Path: "shared@example.com", Limit: 1})
	if err != nil {
		t.Fatalf("FindByPath() error = %v", err)
	}
	if len(all) != 1 || all[0].ID != adaCh.ID {
		t.Errorf("FindByPath(limit 1) = %d rows, want ada's channel first", len(all))
	}
}

func TestHasPath(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := createTestUser(t, db, "ada")
	createTestChannel(t, db, user.ID, "ada@example.com", model.PathEmail)

	if ok, err := db.HasPath(ctx, "Ada@Example.com"); err != nil || !ok {
		t.Errorf("HasPath(known) = %v, %v; want true", ok, err)
	}
	if ok, err := db.HasPath(ctx, "nobody@example.com"); err != nil || ok {
		t.Errorf("HasPath(unknown) = %v, %v; want false", ok, err)
	}
}

func TestSetPositions(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := createTestUser(t, db, "ada")
	a := createTestChannel(t, db, user.ID, "a@example.com", model.PathEmail)
	b := createTestChannel(t, db, user.ID, "b@example.com", model.PathEmail)
	c := createTestChannel(t, db, user.ID, "c@example.com", model.PathEmail)

	if err := db.SetPositions(ctx, user.ID, []string{c.ID, a.ID}); err != nil {
		t.Fatalf("SetPositions() error = %v", err)
	}

	list, err := db.ListByUser(ctx, user.ID)
	if err != nil {
		t.Fatalf("ListByUser() error = %v", err)
	}
	want := []string{c.ID, a.ID, b.ID}
	for i, ch := range list {
		if ch.ID != want[i] || ch.Position != i+1 {
			t.Errorf("list[%d] = %s@%d, want %s@%d", i, ch.Path, ch.Position, want[i], i+1)
		}
	}
}

func TestSetPositions_ForeignChannel(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	ada := createTestUser(t, db, "ada")
	bob := createTestUser(t, db, "bob")
	bobCh := createTestChannel(t, db, bob.ID, "bob@example.com", model.PathEmail)

	err := db.SetPositions(ctx, ada.ID, []string{bobCh.ID})
	if !errors.Is(err, apperror.ErrValidation) {
		t.Errorf("SetPositions() error = %v, want ErrValidation", err)
	}
}

// =========================================================================
// BOUNCES
// =========================================================================

func TestApplyBounce_PermanentIncrements(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := createTestUser(t, db, "ada")
	ch := createTestChannel(t, db, user.ID, "ada@example.com", model.PathEmail)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	results, err := db.ApplyBounce(ctx, repository.BounceUpdate{
		IDs:       []string{ch.ID},
		Kind:      repository.BouncePermanent,
		Timestamp: ts,
		Details:   model.BounceDetails{"bounceType": "Permanent"},
		Window:    time.Hour,
	})
	if err != nil {
		t.Fatalf("ApplyBounce() error = %v", err)
	}
	if len(results) != 1 || results[0].PrevBounceCount != 0 || results[0].BounceCount != 1 {
		t.Fatalf("ApplyBounce() = %+v, want one result 0→1", results)
	}

	got, err := db.GetByID(ctx, ch.ID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if got.BounceCount != 1 {
		t.Errorf("BounceCount = %d, want 1", got.BounceCount)
	}
	if got.LastBounceAt == nil || !got.LastBounceAt.Equal(ts) {
		t.Errorf("LastBounceAt = %v, want %v", got.LastBounceAt, ts)
	}
	if got.LastBounceDetails["bounceType"] != "Permanent" {
		t.Errorf("LastBounceDetails = %v", got.LastBounceDetails)
	}
}

func TestApplyBounce_DebounceWindow(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := createTestUser(t, db, "ada")
	ch := createTestChannel(t, db, user.ID, "ada@example.com", model.PathEmail)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	apply := func(at time.Time) []repository.BounceResult {
		t.Helper()
		res, err := db.ApplyBounce(ctx, repository.BounceUpdate{
			IDs: []string{ch.ID}, Kind: repository.BouncePermanent, Timestamp: at, Window: time.Hour,
		})
		if err != nil {
			t.Fatalf("ApplyBounce() error = %v", err)
		}
		return res
	}

	apply(ts)
	if res := apply(ts.Add(30 * time.Minute)); len(res) != 0 {
		t.Errorf("bounce inside window applied: %+v", res)
	}
	if res := apply(ts.Add(2 * time.Hour)); len(res) != 1 || res[0].BounceCount != 2 {
		t.Errorf("bounce after window = %+v, want count 2", res)
	}
}

func TestApplyBounce_TransientLeavesCount(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := createTestUser(t, db, "ada")
	ch := createTestChannel(t, db, user.ID, "ada@example.com", model.PathEmail)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	_, err := db.ApplyBounce(ctx, repository.BounceUpdate{
		IDs: []string{ch.ID}, Kind: repository.BounceTransient, Timestamp: ts,
		Details: model.BounceDetails{"bounceSubType": "MailboxFull"}, Window: time.Hour,
	})
	if err != nil {
		t.Fatalf("ApplyBounce() error = %v", err)
	}

	got, _ := db.GetByID(ctx, ch.ID)
	if got.BounceCount != 0 {
		t.Errorf("transient bounce changed BounceCount to %d", got.BounceCount)
	}
	if got.LastTransientBounceAt == nil || got.LastTransientBounceDetails["bounceSubType"] != "MailboxFull" {
		t.Errorf("transient bounce not recorded: %+v", got)
	}
	if got.LastBounceAt != nil {
		t.Error("transient bounce set LastBounceAt")
	}
}

func TestApplyBounce_SkipsRetired(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	user := createTestUser(t, db, "ada")
	ch := createTestChannel(t, db, user.ID, "ada@example.com", model.PathEmail)
	ch.WorkflowState = model.StateRetired
	if err := db.Update(ctx, ch); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	res, err := db.ApplyBounce(ctx, repository.BounceUpdate{
		IDs: []string{ch.ID}, Kind: repository.BounceSuppression, Timestamp: time.Now(), Window: time.Hour,
	})
	if err != nil {
		t.Fatalf("ApplyBounce() error = %v", err)
	}
	if len(res) != 0 {
		t.Errorf("ApplyBounce() touched a retired channel: %+v", res)
	}
}
