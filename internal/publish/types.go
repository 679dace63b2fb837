// Package publish defines the capability a target integration must provide
// and a registry resolving target-type tags to implementations.
//
// Expected failures (login rejected, content refused, transport trouble)
// travel as Result values or plain errors. Nothing in this package panics
// on a failed publish.
package publish

import (
	"context"
	"errors"
)

var ErrUnknownTarget = errors.New("publish: unknown target type")

// Status is the outcome class of a publish attempt.
type Status int

const (
	StatusSuccess Status = iota
	StatusFailed
	StatusAuthRequired
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailed:
		return "failed"
	case StatusAuthRequired:
		return "auth_required"
	default:
		return "unknown"
	}
}

// Result is the outcome of a publish attempt.
type Result struct {
	Status  Status
	Message string
	PostURL string
}

// Credentials is the decrypted login material for a target account.
type Credentials struct {
	Username string
	Password string
}

// AccountRef identifies the account a session acts for without dragging the
// storage package into every integration.
type AccountRef struct {
	ID       string
	Target   string
	Username string
}

// Publisher is the per-target-type integration entry point. One Publisher
// serves all accounts of its target type; each execution opens a fresh
// Session that must be closed on every exit path.
type Publisher interface {
	Target() string
	Open(ctx context.Context, acct AccountRef) (Session, error)
}

// Session is a single authentication + publish unit of work.
type Session interface {
	// RestoreSession tries to reuse previously captured auth state.
	// Returning false (without error) means a fresh login is needed.
	RestoreSession(ctx context.Context) (bool, error)

	// Login authenticates with decrypted credentials. false means the
	// target rejected them.
	Login(ctx context.Context, creds Credentials) (bool, error)

	// Publish delivers the content and media to the target.
	Publish(ctx context.Context, content string, media []string) (Result, error)

	// Close releases any session resources. Always called, success or not.
	Close() error
}
