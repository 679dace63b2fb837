package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"postpilot/pkg/logx"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func addTestAccount(t *testing.T, s *Store) Account {
	t.Helper()
	a, err := s.AddAccount(context.Background(), Account{
		Target:          "webhook",
		Username:        "https://example.com/hook",
		EncryptedSecret: []byte("sealed"),
	})
	if err != nil {
		t.Fatalf("AddAccount: %v", err)
	}
	return a
}

func TestAccountLifecycle(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	a := addTestAccount(t, s)
	if a.ID == "" || !a.Active {
		t.Fatalf("unexpected account after insert: %+v", a)
	}

	got, err := s.GetAccount(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if got.Username != a.Username || string(got.EncryptedSecret) != "sealed" {
		t.Fatalf("round trip mismatch: %+v", got)
	}

	// Same target+username while active is a duplicate.
	_, err = s.AddAccount(ctx, Account{Target: "webhook", Username: a.Username})
	if !errors.Is(err, ErrDuplicateAccount) {
		t.Fatalf("expected ErrDuplicateAccount, got %v", err)
	}

	if err := s.UpdateAccountSecret(ctx, a.ID, []byte("resealed")); err != nil {
		t.Fatalf("UpdateAccountSecret: %v", err)
	}

	if err := s.DisableAccount(ctx, a.ID); err != nil {
		t.Fatalf("DisableAccount: %v", err)
	}
	active, err := s.ListActiveAccounts(ctx, "")
	if err != nil {
		t.Fatalf("ListActiveAccounts: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("disabled account still listed: %+v", active)
	}
	// Row survives for history; a new link with the same identity works.
	if _, err := s.GetAccount(ctx, a.ID); err != nil {
		t.Fatalf("disabled account should remain readable: %v", err)
	}
	if _, err := s.AddAccount(ctx, Account{Target: "webhook", Username: a.Username}); err != nil {
		t.Fatalf("relink after disconnect: %v", err)
	}
}

func TestGetAccountNotFound(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	_, err := s.GetAccount(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPendingOrderAndRoundTrip(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	a := addTestAccount(t, s)

	base := time.Now().Add(time.Hour).UTC()
	later, err := s.AddPost(ctx, ScheduledPost{AccountID: a.ID, Content: "later", DueAt: base.Add(time.Hour)})
	if err != nil {
		t.Fatalf("AddPost: %v", err)
	}
	sooner, err := s.AddPost(ctx, ScheduledPost{
		AccountID: a.ID, Content: "sooner", DueAt: base,
		Media: []string{"/tmp/a.jpg", "/tmp/b.jpg"},
	})
	if err != nil {
		t.Fatalf("AddPost: %v", err)
	}

	pending, err := s.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 2 || pending[0].ID != sooner.ID || pending[1].ID != later.ID {
		t.Fatalf("expected due-ascending order, got %+v", pending)
	}
	if len(pending[0].Media) != 2 || pending[0].Media[0] != "/tmp/a.jpg" {
		t.Fatalf("media round trip failed: %+v", pending[0].Media)
	}
	if !pending[0].DueAt.Equal(base) {
		t.Fatalf("due time mismatch: want %v got %v", base, pending[0].DueAt)
	}
	if !pending[0].ExecutedAt.IsZero() {
		t.Fatalf("pending post should not have executed_at")
	}
}

func TestCASStatus(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	a := addTestAccount(t, s)
	p, err := s.AddPost(ctx, ScheduledPost{AccountID: a.ID, Content: "x", DueAt: time.Now()})
	if err != nil {
		t.Fatalf("AddPost: %v", err)
	}

	ok, err := s.CASStatus(ctx, p.ID, StatusPending, StatusRunning, "", "")
	if err != nil || !ok {
		t.Fatalf("pending->running: ok=%v err=%v", ok, err)
	}

	// Losing side of the race.
	ok, err = s.CASStatus(ctx, p.ID, StatusPending, StatusCancelled, "", "")
	if err != nil || ok {
		t.Fatalf("cancel of running post must lose CAS: ok=%v err=%v", ok, err)
	}

	ok, err = s.CASStatus(ctx, p.ID, StatusRunning, StatusSuccess, "delivered", "https://demo/post/42")
	if err != nil || !ok {
		t.Fatalf("running->success: ok=%v err=%v", ok, err)
	}

	got, err := s.GetPost(ctx, p.ID)
	if err != nil {
		t.Fatalf("GetPost: %v", err)
	}
	if got.Status != StatusSuccess || got.PostURL != "https://demo/post/42" || got.ResultMessage != "delivered" {
		t.Fatalf("terminal fields not written: %+v", got)
	}
	if got.ExecutedAt.IsZero() {
		t.Fatalf("executed_at must be stamped on terminal transition")
	}

	// Terminal rows are frozen.
	ok, err = s.CASStatus(ctx, p.ID, StatusSuccess, StatusFailed, "", "")
	if err != nil || ok {
		t.Fatalf("terminal row must reject further transitions: ok=%v err=%v", ok, err)
	}
}

func TestUpdatePostContentOnlyPending(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	a := addTestAccount(t, s)
	p, _ := s.AddPost(ctx, ScheduledPost{AccountID: a.ID, Content: "draft", DueAt: time.Now().Add(time.Hour)})

	newDue := time.Now().Add(2 * time.Hour).UTC()
	if err := s.UpdatePostContent(ctx, p.ID, "edited", newDue, nil); err != nil {
		t.Fatalf("UpdatePostContent: %v", err)
	}
	got, _ := s.GetPost(ctx, p.ID)
	if got.Content != "edited" || !got.DueAt.Equal(newDue) {
		t.Fatalf("edit not applied: %+v", got)
	}

	if _, err := s.CASStatus(ctx, p.ID, StatusPending, StatusRunning, "", ""); err != nil {
		t.Fatalf("CASStatus: %v", err)
	}
	err := s.UpdatePostContent(ctx, p.ID, "too late", newDue, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("editing a running post must fail with ErrNotFound, got %v", err)
	}
}

func TestListRecent(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	a := addTestAccount(t, s)

	mk := func(content string, to PostStatus) ScheduledPost {
		p, err := s.AddPost(ctx, ScheduledPost{AccountID: a.ID, Content: content, DueAt: time.Now()})
		if err != nil {
			t.Fatalf("AddPost: %v", err)
		}
		if to != StatusPending {
			if _, err := s.CASStatus(ctx, p.ID, StatusPending, StatusRunning, "", ""); err != nil {
				t.Fatalf("CASStatus: %v", err)
			}
			if _, err := s.CASStatus(ctx, p.ID, StatusRunning, to, "", ""); err != nil {
				t.Fatalf("CASStatus: %v", err)
			}
		}
		return p
	}

	mk("still pending", StatusPending)
	done := mk("done", StatusSuccess)
	failed := mk("broken", StatusFailed)

	recent, err := s.ListRecent(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected only terminal posts, got %+v", recent)
	}
	seen := map[string]bool{recent[0].ID: true, recent[1].ID: true}
	if !seen[done.ID] || !seen[failed.ID] {
		t.Fatalf("missing terminal posts in %+v", recent)
	}
}

func TestDeletePost(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()
	a := addTestAccount(t, s)
	p, _ := s.AddPost(ctx, ScheduledPost{AccountID: a.ID, Content: "x", DueAt: time.Now()})

	if err := s.DeletePost(ctx, p.ID); err != nil {
		t.Fatalf("DeletePost: %v", err)
	}
	if _, err := s.GetPost(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeletePost(ctx, p.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("double delete should report ErrNotFound, got %v", err)
	}
}

func TestLogAppendAndPrune(t *testing.T) {
	t.Parallel()
	s := openTestStore(t)
	ctx := context.Background()

	old := LogEntry{Level: "warn", Message: "old", At: time.Now().Add(-48 * time.Hour), Fields: map[string]string{"comp": "test"}}
	fresh := LogEntry{Level: "error", Message: "fresh", At: time.Now()}
	for _, e := range []LogEntry{old, fresh} {
		if err := s.AppendLog(ctx, e); err != nil {
			t.Fatalf("AppendLog: %v", err)
		}
	}

	entries, err := s.RecentLogs(ctx, 10)
	if err != nil {
		t.Fatalf("RecentLogs: %v", err)
	}
	if len(entries) != 2 || entries[0].Message != "fresh" {
		t.Fatalf("expected newest first, got %+v", entries)
	}
	if entries[1].Fields["comp"] != "test" {
		t.Fatalf("fields round trip failed: %+v", entries[1])
	}

	removed, err := s.PruneLogs(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneLogs: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 pruned entry, got %d", removed)
	}
}
