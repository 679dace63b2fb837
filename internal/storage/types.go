package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned for lookups and updates against ids that
	// don't exist (or updates whose status precondition no longer holds
	// and the row is gone).
	ErrNotFound = errors.New("storage: not found")

	// ErrDuplicateAccount is returned when linking an account whose
	// (target, username) pair is already active.
	ErrDuplicateAccount = errors.New("storage: account already linked")
)

// Config configures the store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default (5s)
}

// PostStatus is the lifecycle state of a scheduled post.
//
// Legal transitions:
//
//	pending -> running -> success | failed
//	pending -> cancelled
//
// success, failed and cancelled are terminal.
type PostStatus string

const (
	StatusPending   PostStatus = "pending"
	StatusRunning   PostStatus = "running"
	StatusSuccess   PostStatus = "success"
	StatusFailed    PostStatus = "failed"
	StatusCancelled PostStatus = "cancelled"
)

// Terminal reports whether no further transition is legal from s.
func (s PostStatus) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusCancelled
}

// Account is a linked target identity capable of receiving posts.
// Accounts are never hard-deleted; Active flips to false on disconnect so
// post history stays resolvable.
type Account struct {
	ID              string
	Target          string // target-type tag, e.g. "webhook", "mastodon"
	Username        string
	EncryptedSecret []byte // vault blob; empty when only a restorable session exists
	Active          bool
	CreatedAt       time.Time
}

// ScheduledPost is one unit of future work.
type ScheduledPost struct {
	ID            string
	AccountID     string
	Content       string
	Media         []string // ordered; order may matter to the publisher
	DueAt         time.Time
	Status        PostStatus
	ResultMessage string
	PostURL       string
	CreatedAt     time.Time
	ExecutedAt    time.Time // zero until a terminal transition
}

// LogEntry is a free-form diagnostic record. Append-only, pruned by age.
type LogEntry struct {
	ID      int64
	Level   string
	Message string
	At      time.Time
	Fields  map[string]string
}
