package posts

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"postpilot/internal/eventbus"
	"postpilot/internal/publish"
	"postpilot/internal/services/scheduler"
	"postpilot/internal/storage"
	"postpilot/pkg/logx"
)

type fakeStore struct {
	mu       sync.Mutex
	nextID   int
	accounts map[string]storage.Account
	posts    map[string]storage.ScheduledPost
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts: map[string]storage.Account{},
		posts:    map[string]storage.ScheduledPost{},
	}
}

func (f *fakeStore) id(prefix string) string {
	f.nextID++
	return prefix + string(rune('0'+f.nextID))
}

func (f *fakeStore) AddAccount(_ context.Context, a storage.Account) (storage.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ex := range f.accounts {
		if ex.Active && ex.Target == a.Target && ex.Username == a.Username {
			return storage.Account{}, storage.ErrDuplicateAccount
		}
	}
	a.ID = f.id("a")
	a.Active = true
	f.accounts[a.ID] = a
	return a, nil
}

func (f *fakeStore) GetAccount(_ context.Context, id string) (storage.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return storage.Account{}, storage.ErrNotFound
	}
	return a, nil
}

func (f *fakeStore) ListActiveAccounts(_ context.Context, target string) ([]storage.Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.Account
	for _, a := range f.accounts {
		if a.Active && (target == "" || a.Target == target) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateAccountSecret(_ context.Context, id string, secret []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return storage.ErrNotFound
	}
	a.EncryptedSecret = secret
	f.accounts[id] = a
	return nil
}

func (f *fakeStore) DisableAccount(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.accounts[id]
	if !ok {
		return storage.ErrNotFound
	}
	a.Active = false
	f.accounts[id] = a
	return nil
}

func (f *fakeStore) AddPost(_ context.Context, p storage.ScheduledPost) (storage.ScheduledPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p.ID = f.id("p")
	p.Status = storage.StatusPending
	p.CreatedAt = time.Now()
	f.posts[p.ID] = p
	return p, nil
}

func (f *fakeStore) GetPost(_ context.Context, id string) (storage.ScheduledPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.posts[id]
	if !ok {
		return storage.ScheduledPost{}, storage.ErrNotFound
	}
	return p, nil
}

func (f *fakeStore) ListPending(_ context.Context) ([]storage.ScheduledPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.ScheduledPost
	for _, p := range f.posts {
		if p.Status == storage.StatusPending {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) ListRecent(_ context.Context, limit int) ([]storage.ScheduledPost, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.ScheduledPost
	for _, p := range f.posts {
		if p.Status.Terminal() && len(out) < limit {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdatePostContent(_ context.Context, id, content string, dueAt time.Time, media []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.posts[id]
	if !ok || p.Status != storage.StatusPending {
		return storage.ErrNotFound
	}
	p.Content = content
	p.DueAt = dueAt
	p.Media = media
	f.posts[id] = p
	return nil
}

func (f *fakeStore) CASStatus(_ context.Context, id string, from, to storage.PostStatus, message, postURL string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.posts[id]
	if !ok || p.Status != from {
		return false, nil
	}
	p.Status = to
	p.ResultMessage = message
	p.PostURL = postURL
	f.posts[id] = p
	return true, nil
}

func (f *fakeStore) DeletePost(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.posts[id]; !ok {
		return storage.ErrNotFound
	}
	delete(f.posts, id)
	return nil
}

type fakeTimers struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
	cancelled []string
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{scheduled: map[string]time.Time{}}
}

func (f *fakeTimers) Schedule(id string, dueAt time.Time) {
	f.mu.Lock()
	f.scheduled[id] = dueAt
	f.mu.Unlock()
}

func (f *fakeTimers) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	_, ok := f.scheduled[id]
	delete(f.scheduled, id)
	return ok
}

func (f *fakeTimers) ListPending() []scheduler.JobInfo { return nil }

type fakeEncrypter struct{}

func (fakeEncrypter) Encrypt(plaintext string) ([]byte, error) {
	return []byte("enc:" + plaintext), nil
}

func newTestService(t *testing.T) (*Service, *fakeStore, *fakeTimers, eventbus.Bus) {
	t.Helper()
	store := newFakeStore()
	timers := newFakeTimers()
	bus := eventbus.New()
	reg := publish.NewRegistry()
	reg.Register(stubPublisher{})
	return New(store, timers, fakeEncrypter{}, reg, bus, logx.Nop()), store, timers, bus
}

type stubPublisher struct{}

func (stubPublisher) Target() string { return "webhook" }

func (stubPublisher) Open(context.Context, publish.AccountRef) (publish.Session, error) {
	return nil, errors.New("not used")
}

func linkTestAccount(t *testing.T, s *Service) storage.Account {
	t.Helper()
	a, err := s.LinkAccount(context.Background(), "Webhook", "https://example.com/hook", "tok")
	if err != nil {
		t.Fatalf("LinkAccount: %v", err)
	}
	return a
}

func TestLinkAccountSealsSecret(t *testing.T) {
	t.Parallel()
	s, store, _, _ := newTestService(t)
	a := linkTestAccount(t, s)

	if a.Target != "webhook" {
		t.Fatalf("target not normalized: %q", a.Target)
	}
	got, _ := store.GetAccount(context.Background(), a.ID)
	if string(got.EncryptedSecret) != "enc:tok" {
		t.Fatalf("secret stored unencrypted: %q", got.EncryptedSecret)
	}
}

func TestLinkAccountUnknownTarget(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newTestService(t)
	if _, err := s.LinkAccount(context.Background(), "mastodon", "user", "pw"); !errors.Is(err, publish.ErrUnknownTarget) {
		t.Fatalf("expected ErrUnknownTarget, got %v", err)
	}
}

func TestCreatePostSchedulesTimer(t *testing.T) {
	t.Parallel()
	s, _, timers, _ := newTestService(t)
	a := linkTestAccount(t, s)

	due := time.Now().Add(time.Hour)
	p, err := s.CreatePost(context.Background(), a.ID, "hello", nil, due)
	if err != nil {
		t.Fatalf("CreatePost: %v", err)
	}
	timers.mu.Lock()
	got, ok := timers.scheduled[p.ID]
	timers.mu.Unlock()
	if !ok || !got.Equal(due) {
		t.Fatalf("timer not armed for %s at %v", p.ID, due)
	}
}

func TestCreatePostValidation(t *testing.T) {
	t.Parallel()
	s, _, _, _ := newTestService(t)
	a := linkTestAccount(t, s)
	ctx := context.Background()
	future := time.Now().Add(time.Hour)

	if _, err := s.CreatePost(ctx, a.ID, "  ", nil, future); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("empty content: got %v", err)
	}
	if _, err := s.CreatePost(ctx, a.ID, "x", nil, time.Now().Add(-time.Minute)); !errors.Is(err, ErrBadDueTime) {
		t.Fatalf("past due: got %v", err)
	}
	if _, err := s.CreatePost(ctx, "ghost", "x", nil, future); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown account: got %v", err)
	}

	if err := s.DisconnectAccount(ctx, a.ID); err != nil {
		t.Fatalf("DisconnectAccount: %v", err)
	}
	if _, err := s.CreatePost(ctx, a.ID, "x", nil, future); err == nil {
		t.Fatalf("posting for a disconnected account must fail")
	}
}

func TestEditPostReschedules(t *testing.T) {
	t.Parallel()
	s, store, timers, _ := newTestService(t)
	a := linkTestAccount(t, s)
	p, _ := s.CreatePost(context.Background(), a.ID, "v1", nil, time.Now().Add(time.Hour))

	newDue := time.Now().Add(2 * time.Hour)
	if err := s.EditPost(context.Background(), p.ID, "v2", nil, newDue); err != nil {
		t.Fatalf("EditPost: %v", err)
	}
	got, _ := store.GetPost(context.Background(), p.ID)
	if got.Content != "v2" {
		t.Fatalf("edit not stored: %+v", got)
	}
	timers.mu.Lock()
	due := timers.scheduled[p.ID]
	timers.mu.Unlock()
	if !due.Equal(newDue) {
		t.Fatalf("timer not re-armed: %v", due)
	}

	// Once running, edits are refused.
	if _, err := store.CASStatus(context.Background(), p.ID, storage.StatusPending, storage.StatusRunning, "", ""); err != nil {
		t.Fatalf("CASStatus: %v", err)
	}
	if err := s.EditPost(context.Background(), p.ID, "v3", nil, newDue); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("edit of running post: got %v", err)
	}
}

func TestCancelPost(t *testing.T) {
	t.Parallel()
	s, store, timers, bus := newTestService(t)
	a := linkTestAccount(t, s)
	p, _ := s.CreatePost(context.Background(), a.ID, "x", nil, time.Now().Add(time.Hour))

	ch, unsub := bus.Subscribe(4)
	defer unsub()

	if err := s.CancelPost(context.Background(), p.ID); err != nil {
		t.Fatalf("CancelPost: %v", err)
	}
	got, _ := store.GetPost(context.Background(), p.ID)
	if got.Status != storage.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	timers.mu.Lock()
	cancelled := len(timers.cancelled)
	timers.mu.Unlock()
	if cancelled != 1 {
		t.Fatalf("timer not cancelled")
	}
	select {
	case ev := <-ch:
		if ev.Type != eventbus.TypePostCancelled {
			t.Fatalf("unexpected event %q", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("no cancel event published")
	}

	// Cancelled is terminal.
	if err := s.CancelPost(context.Background(), p.ID); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("double cancel: got %v", err)
	}
}

func TestCancelRunningPostRefused(t *testing.T) {
	t.Parallel()
	s, store, _, _ := newTestService(t)
	a := linkTestAccount(t, s)
	p, _ := s.CreatePost(context.Background(), a.ID, "x", nil, time.Now().Add(time.Hour))
	if _, err := store.CASStatus(context.Background(), p.ID, storage.StatusPending, storage.StatusRunning, "", ""); err != nil {
		t.Fatalf("CASStatus: %v", err)
	}

	if err := s.CancelPost(context.Background(), p.ID); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("cancel of running post: got %v", err)
	}
}

func TestDeletePost(t *testing.T) {
	t.Parallel()
	s, store, _, _ := newTestService(t)
	a := linkTestAccount(t, s)
	ctx := context.Background()

	pending, _ := s.CreatePost(ctx, a.ID, "pending", nil, time.Now().Add(time.Hour))
	if err := s.DeletePost(ctx, pending.ID); err != nil {
		t.Fatalf("DeletePost (pending): %v", err)
	}
	if _, err := store.GetPost(ctx, pending.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("post not deleted: %v", err)
	}

	running, _ := s.CreatePost(ctx, a.ID, "running", nil, time.Now().Add(time.Hour))
	if _, err := store.CASStatus(ctx, running.ID, storage.StatusPending, storage.StatusRunning, "", ""); err != nil {
		t.Fatalf("CASStatus: %v", err)
	}
	if err := s.DeletePost(ctx, running.ID); !errors.Is(err, ErrRunning) {
		t.Fatalf("delete of running post: got %v", err)
	}
}
