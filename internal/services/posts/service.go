// Package posts is the command surface of the pipeline: create, edit,
// cancel and delete scheduled posts, link and disconnect accounts, and
// query pending work and history. The presentation layer talks to this
// package only; it never touches the scheduler or store directly.
package posts

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"postpilot/internal/eventbus"
	"postpilot/internal/publish"
	"postpilot/internal/services/scheduler"
	"postpilot/internal/storage"
	"postpilot/pkg/logx"
)

var (
	// ErrNotCancellable means the post already started running or is in
	// a terminal state; the state machine only allows cancel from pending.
	ErrNotCancellable = errors.New("posts: post already started or finished")

	// ErrRunning guards deletion of a post that is currently executing.
	ErrRunning = errors.New("posts: post is executing; wait for it to finish")

	ErrEmptyContent = errors.New("posts: post needs content or media")
	ErrBadDueTime   = errors.New("posts: due time must be in the future")
)

// Store is the storage surface the command layer needs.
type Store interface {
	AddAccount(ctx context.Context, a storage.Account) (storage.Account, error)
	GetAccount(ctx context.Context, id string) (storage.Account, error)
	ListActiveAccounts(ctx context.Context, target string) ([]storage.Account, error)
	UpdateAccountSecret(ctx context.Context, id string, secret []byte) error
	DisableAccount(ctx context.Context, id string) error

	AddPost(ctx context.Context, p storage.ScheduledPost) (storage.ScheduledPost, error)
	GetPost(ctx context.Context, id string) (storage.ScheduledPost, error)
	ListPending(ctx context.Context) ([]storage.ScheduledPost, error)
	ListRecent(ctx context.Context, limit int) ([]storage.ScheduledPost, error)
	UpdatePostContent(ctx context.Context, id, content string, dueAt time.Time, media []string) error
	CASStatus(ctx context.Context, id string, from, to storage.PostStatus, message, postURL string) (bool, error)
	DeletePost(ctx context.Context, id string) error
}

// Timers is the scheduler surface the command layer needs.
type Timers interface {
	Schedule(id string, dueAt time.Time)
	Cancel(id string) bool
	ListPending() []scheduler.JobInfo
}

// Encrypter seals credentials for storage.
type Encrypter interface {
	Encrypt(plaintext string) ([]byte, error)
}

type Service struct {
	store    Store
	timers   Timers
	vault    Encrypter
	registry *publish.Registry
	bus      eventbus.Bus
	log      logx.Logger
}

func New(store Store, timers Timers, vault Encrypter, registry *publish.Registry, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, timers: timers, vault: vault, registry: registry, bus: bus, log: log}
}

// ---- accounts ----

// LinkAccount registers a target account. secret is optional: accounts
// whose target supports session restore can be linked without one.
func (s *Service) LinkAccount(ctx context.Context, target, username, secret string) (storage.Account, error) {
	target = strings.ToLower(strings.TrimSpace(target))
	username = strings.TrimSpace(username)
	if username == "" {
		return storage.Account{}, errors.New("posts: username required")
	}
	if _, err := s.registry.Resolve(target); err != nil {
		return storage.Account{}, err
	}

	var blob []byte
	if secret != "" {
		var err error
		blob, err = s.vault.Encrypt(secret)
		if err != nil {
			return storage.Account{}, fmt.Errorf("posts: sealing credentials: %w", err)
		}
	}
	a, err := s.store.AddAccount(ctx, storage.Account{
		Target:          target,
		Username:        username,
		EncryptedSecret: blob,
	})
	if err != nil {
		return storage.Account{}, err
	}
	s.log.Info("account linked",
		logx.String("account", a.ID), logx.String("target", target), logx.String("username", username))
	return a, nil
}

// UpdateCredentials replaces an account's stored secret.
func (s *Service) UpdateCredentials(ctx context.Context, accountID, secret string) error {
	blob, err := s.vault.Encrypt(secret)
	if err != nil {
		return fmt.Errorf("posts: sealing credentials: %w", err)
	}
	return s.store.UpdateAccountSecret(ctx, accountID, blob)
}

// DisconnectAccount soft-deletes an account. Its pending posts are left
// alone; they will fail with a missing-account cause when they fire, which
// is visible to the operator in history.
func (s *Service) DisconnectAccount(ctx context.Context, accountID string) error {
	if err := s.store.DisableAccount(ctx, accountID); err != nil {
		return err
	}
	s.log.Info("account disconnected", logx.String("account", accountID))
	return nil
}

func (s *Service) ListAccounts(ctx context.Context, target string) ([]storage.Account, error) {
	return s.store.ListActiveAccounts(ctx, target)
}

// ---- posts ----

// CreatePost records a unit of future work and arms its timer.
func (s *Service) CreatePost(ctx context.Context, accountID, content string, media []string, dueAt time.Time) (storage.ScheduledPost, error) {
	if strings.TrimSpace(content) == "" && len(media) == 0 {
		return storage.ScheduledPost{}, ErrEmptyContent
	}
	if dueAt.IsZero() || !dueAt.After(time.Now()) {
		return storage.ScheduledPost{}, ErrBadDueTime
	}
	acct, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return storage.ScheduledPost{}, err
	}
	if !acct.Active {
		return storage.ScheduledPost{}, fmt.Errorf("posts: account %s is disconnected", accountID)
	}

	p, err := s.store.AddPost(ctx, storage.ScheduledPost{
		AccountID: accountID,
		Content:   content,
		Media:     media,
		DueAt:     dueAt,
	})
	if err != nil {
		return storage.ScheduledPost{}, err
	}
	s.timers.Schedule(p.ID, p.DueAt)
	s.log.Info("post scheduled",
		logx.String("post", p.ID), logx.String("account", accountID), logx.Time("due", dueAt))
	return p, nil
}

// EditPost changes content, due time and media of a pending post and
// re-arms its timer. Editing after execution began is refused.
func (s *Service) EditPost(ctx context.Context, id, content string, media []string, dueAt time.Time) error {
	if strings.TrimSpace(content) == "" && len(media) == 0 {
		return ErrEmptyContent
	}
	if dueAt.IsZero() || !dueAt.After(time.Now()) {
		return ErrBadDueTime
	}
	if err := s.store.UpdatePostContent(ctx, id, content, dueAt, media); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotCancellable
		}
		return err
	}
	s.timers.Schedule(id, dueAt)
	s.log.Info("post rescheduled", logx.String("post", id), logx.Time("due", dueAt))
	return nil
}

// CancelPost moves a pending post to cancelled and removes its timer. The
// status CAS is the authoritative step: if the timer fired concurrently
// and won the pending->running race, cancel fails.
func (s *Service) CancelPost(ctx context.Context, id string) error {
	ok, err := s.store.CASStatus(ctx, id, storage.StatusPending, storage.StatusCancelled,
		"cancelled by operator", "")
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotCancellable
	}
	s.timers.Cancel(id)
	s.log.Info("post cancelled", logx.String("post", id))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypePostCancelled, Data: eventbus.PostEvent{PostID: id}})
	}
	return nil
}

// DeletePost removes a post row entirely. Pending posts are cancelled
// first; a running post cannot be deleted.
func (s *Service) DeletePost(ctx context.Context, id string) error {
	p, err := s.store.GetPost(ctx, id)
	if err != nil {
		return err
	}
	switch p.Status {
	case storage.StatusRunning:
		return ErrRunning
	case storage.StatusPending:
		if err := s.CancelPost(ctx, id); err != nil && !errors.Is(err, ErrNotCancellable) {
			return err
		}
	}
	return s.store.DeletePost(ctx, id)
}

// PendingPosts returns the durable pending snapshot, due-time ascending.
func (s *Service) PendingPosts(ctx context.Context) ([]storage.ScheduledPost, error) {
	return s.store.ListPending(ctx)
}

// History returns recently finished posts, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]storage.ScheduledPost, error) {
	return s.store.ListRecent(ctx, limit)
}
