package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"postpilot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const timeLayout = time.RFC3339Nano

// Store is the SQLite-backed store. Safe for concurrent use; writes are
// serialized on a single connection (SQLite prefers one writer under WAL).
type Store struct {
	db  *sql.DB
	log logx.Logger
}

// Open opens (or creates) the database at cfg.Path and applies migrations.
func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage: path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")
	_, _ = db.Exec("PRAGMA foreign_keys = ON")

	st := &Store{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- accounts ----

// AddAccount inserts a new account, assigning its id and creation time.
func (s *Store) AddAccount(ctx context.Context, a Account) (Account, error) {
	a.ID = uuid.NewString()
	a.Active = true
	a.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts(id, target, username, secret, active, created_at) VALUES(?,?,?,?,1,?)`,
		a.ID, a.Target, a.Username, nullBytes(a.EncryptedSecret), a.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Account{}, ErrDuplicateAccount
		}
		return Account{}, err
	}
	return a, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, target, username, secret, active, created_at FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// ListActiveAccounts returns active accounts, optionally filtered by target.
func (s *Store) ListActiveAccounts(ctx context.Context, target string) ([]Account, error) {
	q := `SELECT id, target, username, secret, active, created_at FROM accounts WHERE active = 1`
	args := []any{}
	if target != "" {
		q += ` AND target = ?`
		args = append(args, target)
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAccountSecret replaces the stored credential blob.
func (s *Store) UpdateAccountSecret(ctx context.Context, id string, secret []byte) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET secret = ? WHERE id = ?`, nullBytes(secret), id)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

// DisableAccount soft-deletes an account. The row is kept so post history
// stays resolvable.
func (s *Store) DisableAccount(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

// ---- scheduled posts ----

// AddPost inserts a new pending post, assigning its id and creation time.
func (s *Store) AddPost(ctx context.Context, p ScheduledPost) (ScheduledPost, error) {
	p.ID = uuid.NewString()
	p.Status = StatusPending
	p.CreatedAt = time.Now().UTC()
	p.ExecutedAt = time.Time{}

	media, err := json.Marshal(mediaOrEmpty(p.Media))
	if err != nil {
		return ScheduledPost{}, err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO posts(id, account_id, content, media, due_at, status, created_at)
		 VALUES(?,?,?,?,?,?,?)`,
		p.ID, p.AccountID, p.Content, string(media),
		p.DueAt.UTC().Format(timeLayout), string(p.Status), p.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return ScheduledPost{}, err
	}
	return p, nil
}

func (s *Store) GetPost(ctx context.Context, id string) (ScheduledPost, error) {
	row := s.db.QueryRowContext(ctx, selectPost+` WHERE id = ?`, id)
	return scanPost(row)
}

// ListPending returns all pending posts ordered by due time ascending.
// Used both for display and for rebuilding timers after a restart.
func (s *Store) ListPending(ctx context.Context) ([]ScheduledPost, error) {
	rows, err := s.db.QueryContext(ctx,
		selectPost+` WHERE status = ? ORDER BY due_at ASC`, string(StatusPending))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

// ListRecent returns posts in terminal states, most recently executed first.
func (s *Store) ListRecent(ctx context.Context, limit int) ([]ScheduledPost, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		selectPost+` WHERE status IN (?,?,?) ORDER BY COALESCE(executed_at, created_at) DESC LIMIT ?`,
		string(StatusSuccess), string(StatusFailed), string(StatusCancelled), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

// ListPostsByAccount returns every post for an account, newest due first.
func (s *Store) ListPostsByAccount(ctx context.Context, accountID string) ([]ScheduledPost, error) {
	rows, err := s.db.QueryContext(ctx,
		selectPost+` WHERE account_id = ? ORDER BY due_at DESC`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

// UpdatePostContent edits content, due time and media of a pending post.
// Editing a post that already started (or finished) returns ErrNotFound.
func (s *Store) UpdatePostContent(ctx context.Context, id, content string, dueAt time.Time, media []string) error {
	mb, err := json.Marshal(mediaOrEmpty(media))
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE posts SET content = ?, due_at = ?, media = ? WHERE id = ? AND status = ?`,
		content, dueAt.UTC().Format(timeLayout), string(mb), id, string(StatusPending))
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

// CASStatus transitions a post from one status to another, writing the
// result fields at the same time. It returns false when the post is not in
// the expected prior status (lost race, already terminal, or missing).
// executed_at is stamped on any transition into a terminal status.
func (s *Store) CASStatus(ctx context.Context, id string, from, to PostStatus, message, postURL string) (bool, error) {
	var res sql.Result
	var err error
	if to.Terminal() {
		res, err = s.db.ExecContext(ctx,
			`UPDATE posts SET status = ?, result_message = ?, post_url = ?, executed_at = ?
			 WHERE id = ? AND status = ?`,
			string(to), nullStr(message), nullStr(postURL),
			time.Now().UTC().Format(timeLayout), id, string(from))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE posts SET status = ? WHERE id = ? AND status = ?`,
			string(to), id, string(from))
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeletePost removes a post row. Callers must cancel its timer first.
func (s *Store) DeletePost(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM posts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return oneRowOrNotFound(res)
}

// ---- logs ----

func (s *Store) AppendLog(ctx context.Context, e LogEntry) error {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	var fields any
	if len(e.Fields) > 0 {
		b, err := json.Marshal(e.Fields)
		if err == nil {
			fields = string(b)
		}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO logs(level, message, at, fields) VALUES(?,?,?,?)`,
		e.Level, e.Message, e.At.Format(timeLayout), fields)
	return err
}

func (s *Store) RecentLogs(ctx context.Context, limit int) ([]LogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, level, message, at, fields FROM logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var e LogEntry
		var at string
		var fields sql.NullString
		if err := rows.Scan(&e.ID, &e.Level, &e.Message, &at, &fields); err != nil {
			return nil, err
		}
		e.At, _ = time.Parse(timeLayout, at)
		if fields.Valid && fields.String != "" {
			_ = json.Unmarshal([]byte(fields.String), &e.Fields)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PruneLogs deletes entries older than cutoff and reports how many went.
func (s *Store) PruneLogs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM logs WHERE at < ?`, cutoff.UTC().Format(timeLayout))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- scan helpers ----

const selectPost = `SELECT id, account_id, content, media, due_at, status, result_message, post_url, created_at, executed_at FROM posts`

type rowScanner interface{ Scan(dest ...any) error }

func scanAccount(r rowScanner) (Account, error) {
	var a Account
	var secret []byte
	var active int
	var created string
	if err := r.Scan(&a.ID, &a.Target, &a.Username, &secret, &active, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, err
	}
	a.EncryptedSecret = secret
	a.Active = active == 1
	a.CreatedAt, _ = time.Parse(timeLayout, created)
	return a, nil
}

func scanPost(r rowScanner) (ScheduledPost, error) {
	var p ScheduledPost
	var media, dueAt, status, created string
	var message, postURL, executed sql.NullString
	if err := r.Scan(&p.ID, &p.AccountID, &p.Content, &media, &dueAt, &status,
		&message, &postURL, &created, &executed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ScheduledPost{}, ErrNotFound
		}
		return ScheduledPost{}, err
	}
	_ = json.Unmarshal([]byte(media), &p.Media)
	p.DueAt, _ = time.Parse(timeLayout, dueAt)
	p.Status = PostStatus(status)
	p.ResultMessage = message.String
	p.PostURL = postURL.String
	p.CreatedAt, _ = time.Parse(timeLayout, created)
	if executed.Valid && executed.String != "" {
		p.ExecutedAt, _ = time.Parse(timeLayout, executed.String)
	}
	return p, nil
}

func collectPosts(rows *sql.Rows) ([]ScheduledPost, error) {
	var out []ScheduledPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func mediaOrEmpty(m []string) []string {
	if m == nil {
		return []string{}
	}
	return m
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func oneRowOrNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
