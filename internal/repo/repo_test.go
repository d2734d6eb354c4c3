package repo_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"servline/internal/db"
	"servline/internal/domain"
	"servline/internal/migrate"
	"servline/internal/repo"
)

func newTestRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func insertRequest(t *testing.T, r repo.Repo, id, date string) domain.Request {
	t.Helper()
	req := domain.Request{
		ID:          id,
		RequesterID: "alice",
		FulfillerID: "bob",
		Category:    "plumbing",
		Title:       "Fix kitchen sink",
		Description: "The kitchen sink has been leaking for a week.",
		Location: domain.Location{
			Street: "123 Main St",
			City:   "Springfield",
			State:  "IL",
		},
		RequestedDate: date,
		Status:        domain.StatusPending,
		CreatedAt:     "2026-01-01T00:00:00Z",
		UpdatedAt:     "2026-01-01T00:00:00Z",
	}
	tx, err := r.DB.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := r.InsertRequest(context.Background(), tx, req); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return req
}

func TestCompareAndSetStatusConflict(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertRequest(t, r, "req-1", "2026-01-05")

	updated, err := r.CompareAndSetStatus(ctx, "req-1", domain.StatusPending, func(tx *sql.Tx, req *domain.Request) error {
		req.Status = domain.StatusAccepted
		req.UpdatedAt = "2026-01-01T01:00:00Z"
		return nil
	})
	if err != nil {
		t.Fatalf("cas: %v", err)
	}
	if updated.Status != domain.StatusAccepted {
		t.Fatalf("expected accepted, got %s", updated.Status)
	}

	// expected status no longer matches
	_, err = r.CompareAndSetStatus(ctx, "req-1", domain.StatusPending, func(tx *sql.Tx, req *domain.Request) error {
		req.Status = domain.StatusRejected
		return nil
	})
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	// mutate errors roll the transaction back
	boom := errors.New("boom")
	_, err = r.CompareAndSetStatus(ctx, "req-1", domain.StatusAccepted, func(tx *sql.Tx, req *domain.Request) error {
		req.Status = domain.StatusInProgress
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected mutate error, got %v", err)
	}
	got, err := r.GetRequest(ctx, "req-1")
	if err != nil || got.Status != domain.StatusAccepted {
		t.Fatalf("status should be unchanged after rollback, got %s (%v)", got.Status, err)
	}

	_, err = r.CompareAndSetStatus(ctx, "missing", domain.StatusPending, func(tx *sql.Tx, req *domain.Request) error {
		return nil
	})
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestListRequestsCursor(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	// two share a requested date to exercise the id tie-break
	insertRequest(t, r, "req-a", "2026-01-05")
	insertRequest(t, r, "req-b", "2026-01-05")
	insertRequest(t, r, "req-c", "2026-01-03")

	page, err := r.ListRequests(ctx, repo.RequestFilters{ParticipantID: "alice", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 2 || page[0].ID != "req-a" || page[1].ID != "req-b" {
		t.Fatalf("unexpected first page: %+v", page)
	}

	last := page[len(page)-1]
	page, err = r.ListRequests(ctx, repo.RequestFilters{
		ParticipantID: "alice",
		Limit:         2,
		CursorDate:    last.RequestedDate,
		CursorID:      last.ID,
	})
	if err != nil {
		t.Fatalf("list page 2: %v", err)
	}
	if len(page) != 1 || page[0].ID != "req-c" {
		t.Fatalf("unexpected second page: %+v", page)
	}
}

func TestAPIKeys(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	raw := "sk-test-12345"
	key := domain.APIKey{
		ID:        "key-1",
		UserID:    "alice",
		Name:      "ci",
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: "2026-01-01T00:00:00Z",
	}
	if err := r.InsertAPIKey(ctx, key); err != nil {
		t.Fatalf("insert key: %v", err)
	}

	found, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey(raw))
	if err != nil {
		t.Fatalf("get by hash: %v", err)
	}
	if found.UserID != "alice" || found.Name != "ci" {
		t.Fatalf("unexpected key: %+v", found)
	}

	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("wrong")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for wrong key, got %v", err)
	}

	keys, err := r.ListAPIKeys(ctx, "alice")
	if err != nil || len(keys) != 1 {
		t.Fatalf("list keys: %v (%d)", err, len(keys))
	}

	if err := r.DeleteAPIKey(ctx, "key-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := r.DeleteAPIKey(ctx, "key-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestEventQueries(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	insertRequest(t, r, "req-1", "2026-01-05")

	for i := 0; i < 3; i++ {
		tx, err := r.DB.Begin()
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if _, err := tx.Exec(`INSERT INTO events(ts,type,request_id,actor_id,payload_json) VALUES (?,?,?,?,?)`,
			"2026-01-01T00:00:00Z", fmt.Sprintf("request.type%d", i), "req-1", "alice", "{}"); err != nil {
			t.Fatalf("insert event: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	events, err := r.ListEventsByRequest(ctx, "req-1", 0, 0)
	if err != nil || len(events) != 3 {
		t.Fatalf("list events: %v (%d)", err, len(events))
	}
	if events[0].ID >= events[1].ID {
		t.Fatalf("events should be ascending")
	}

	after, err := r.EventsAfter(ctx, 10, events[0].ID)
	if err != nil || len(after) != 2 {
		t.Fatalf("events after: %v (%d)", err, len(after))
	}

	latest, err := r.LatestEventID(ctx)
	if err != nil || latest != events[2].ID {
		t.Fatalf("latest id: %v (%d != %d)", err, latest, events[2].ID)
	}
}
