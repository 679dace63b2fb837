// Package poster is the execution task: the orchestration that runs when a
// scheduled post comes due. It resolves the account, restores or creates a
// session, invokes the target publisher, and classifies the outcome.
//
// It performs no persistence of its own — the scheduler writes the result
// back — and it never retries: a failed post is terminal, and retrying is
// an explicit operator action (create a new post).
package poster

import (
	"context"
	"fmt"
	"os"

	"postpilot/internal/publish"
	"postpilot/internal/storage"
	"postpilot/pkg/logx"
)

// Failure cause prefixes. The notifier and UI key off these (in
// particular, "authentication required" prompts a relink instead of a
// plain failure notice).
const (
	causeAccountMissing = "account missing or disconnected"
	causeAuthRequired   = "authentication required"
	causeLoginFailed    = "login failed"
	causeSessionError   = "publish error"
)

// AccountStore is the slice of storage the execution task needs.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (storage.Account, error)
}

// Decrypter materializes stored credentials.
type Decrypter interface {
	Decrypt(blob []byte) (string, error)
}

type Service struct {
	accounts AccountStore
	vault    Decrypter
	registry *publish.Registry
	log      logx.Logger
}

func New(accounts AccountStore, vault Decrypter, registry *publish.Registry, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{accounts: accounts, vault: vault, registry: registry, log: log}
}

// Execute runs one post. Every expected failure comes back as a Result;
// a panic from a publisher is contained and classified as a publish error.
func (s *Service) Execute(ctx context.Context, post storage.ScheduledPost) (res publish.Result) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("publisher panicked", logx.String("post", post.ID), logx.Any("panic", r))
			res = failed("%s: internal error in publisher", causeSessionError)
		}
	}()

	acct, err := s.accounts.GetAccount(ctx, post.AccountID)
	if err != nil || !acct.Active {
		return failed("%s (account %s)", causeAccountMissing, post.AccountID)
	}

	pub, err := s.registry.Resolve(acct.Target)
	if err != nil {
		return failed("no publisher for target %q", acct.Target)
	}

	sess, err := pub.Open(ctx, publish.AccountRef{ID: acct.ID, Target: acct.Target, Username: acct.Username})
	if err != nil {
		return failed("%s: %v", causeSessionError, err)
	}
	// Session resources are released on every exit path.
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			s.log.Warn("session close failed", logx.String("post", post.ID), logx.Err(cerr))
		}
	}()

	restored, err := sess.RestoreSession(ctx)
	if err != nil {
		s.log.Warn("session restore errored; falling back to login",
			logx.String("account", acct.ID), logx.Err(err))
		restored = false
	}
	if !restored {
		if len(acct.EncryptedSecret) == 0 {
			return failed("%s: no stored credentials; reconnect the account", causeAuthRequired)
		}
		secret, err := s.vault.Decrypt(acct.EncryptedSecret)
		if err != nil {
			// Vault trouble is a configuration error, not a target
			// rejection; surface it loudly.
			s.log.Error("credential decrypt failed", logx.String("account", acct.ID), logx.Err(err))
			return failed("%s: stored credentials unreadable (vault key problem)", causeAuthRequired)
		}
		ok, err := sess.Login(ctx, publish.Credentials{Username: acct.Username, Password: secret})
		if err != nil {
			return failed("%s: %v", causeLoginFailed, err)
		}
		if !ok {
			return failed("%s: target rejected the stored credentials", causeLoginFailed)
		}
	}

	media := existingMedia(post.Media)
	if dropped := len(post.Media) - len(media); dropped > 0 {
		s.log.Warn("dropping missing media files",
			logx.String("post", post.ID), logx.Int("dropped", dropped))
	}

	result, err := sess.Publish(ctx, post.Content, media)
	if err != nil {
		return failed("%s: %v", causeSessionError, err)
	}
	if result.Status == publish.StatusAuthRequired {
		// Keep the auth cause recognizable regardless of what the
		// publisher put in the message.
		msg := result.Message
		if msg == "" {
			msg = "session expired"
		}
		result.Message = fmt.Sprintf("%s: %s", causeAuthRequired, msg)
		result.Status = publish.StatusFailed
	}
	return result
}

// existingMedia keeps the validated, still-present subset of media paths,
// preserving order. Partial media is tolerated; a fully missing list just
// posts text.
func existingMedia(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			out = append(out, p)
		}
	}
	return out
}

func failed(format string, args ...any) publish.Result {
	return publish.Result{Status: publish.StatusFailed, Message: fmt.Sprintf(format, args...)}
}
