package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// WebhookConfig configures the generic webhook target.
type WebhookConfig struct {
	// StateDir holds cached session tokens, one file per account id.
	StateDir string
	Timeout  time.Duration
}

// Webhook delivers posts to a self-hosted HTTP endpoint. The account's
// username is the endpoint URL; the stored credential is a bearer token.
// It exists so the daemon works end-to-end out of the box; browser-driven
// targets plug in through the same Publisher interface.
type Webhook struct {
	cfg    WebhookConfig
	client *http.Client
}

type WebhookOption func(*Webhook)

// WithHTTPClient overrides the outbound client (tests use this to reach
// loopback servers, which the default client refuses).
func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

func NewWebhook(cfg WebhookConfig, opts ...WebhookOption) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	w := &Webhook{cfg: cfg}
	for _, o := range opts {
		o(w)
	}
	if w.client == nil {
		// SSRF-safe client: endpoints are operator-supplied URLs, so
		// private/loopback/metadata ranges are blocked at dial time.
		sc := safeurl.GetConfigBuilder().
			SetTimeout(cfg.Timeout).
			SetAllowedSchemes("http", "https").
			SetAllowedPorts(80, 443).
			Build()
		w.client = safeurl.Client(sc).Client
	}
	return w
}

func (w *Webhook) Target() string { return "webhook" }

func (w *Webhook) Open(ctx context.Context, acct AccountRef) (Session, error) {
	endpoint := strings.TrimSpace(acct.Username)
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("webhook: account %s has no valid endpoint URL", acct.ID)
	}
	return &webhookSession{
		parent:    w,
		endpoint:  endpoint,
		tokenFile: filepath.Join(w.cfg.StateDir, acct.ID+".token"),
	}, nil
}

type webhookSession struct {
	parent    *Webhook
	endpoint  string
	tokenFile string
	token     string
}

func (s *webhookSession) RestoreSession(ctx context.Context) (bool, error) {
	b, err := os.ReadFile(s.tokenFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	tok := strings.TrimSpace(string(b))
	if tok == "" {
		return false, nil
	}
	s.token = tok
	return true, nil
}

func (s *webhookSession) Login(ctx context.Context, creds Credentials) (bool, error) {
	tok := strings.TrimSpace(creds.Password)
	if tok == "" {
		return false, nil
	}
	s.token = tok
	// Cache the token as the restorable session for the next run.
	if dir := filepath.Dir(s.tokenFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return true, nil // login still usable, cache is best-effort
		}
	}
	_ = os.WriteFile(s.tokenFile, []byte(tok+"\n"), 0o600)
	return true, nil
}

type webhookPayload struct {
	Content string   `json:"content"`
	Media   []string `json:"media,omitempty"`
	SentAt  string   `json:"sent_at"`
}

type webhookResponse struct {
	URL string `json:"url"`
}

func (s *webhookSession) Publish(ctx context.Context, content string, media []string) (Result, error) {
	names := make([]string, 0, len(media))
	for _, m := range media {
		names = append(names, filepath.Base(m))
	}
	body, err := json.Marshal(webhookPayload{
		Content: content,
		Media:   names,
		SentAt:  time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.parent.client.Do(req)
	if err != nil {
		return Result{Status: StatusFailed, Message: "endpoint unreachable: " + err.Error()}, nil
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Cached token is no good anymore; drop it so the next run
		// forces a fresh login.
		_ = os.Remove(s.tokenFile)
		return Result{Status: StatusAuthRequired, Message: "endpoint rejected the session token"}, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		res := Result{Status: StatusSuccess, Message: "delivered"}
		if loc := resp.Header.Get("Location"); loc != "" {
			res.PostURL = loc
		} else {
			var wr webhookResponse
			if b, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10)); err == nil {
				if json.Unmarshal(b, &wr) == nil && wr.URL != "" {
					res.PostURL = wr.URL
				}
			}
		}
		return res, nil
	default:
		return Result{
			Status:  StatusFailed,
			Message: fmt.Sprintf("endpoint refused the post (HTTP %d)", resp.StatusCode),
		}, nil
	}
}

func (s *webhookSession) Close() error { return nil }
