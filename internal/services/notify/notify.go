// Package notify pushes post outcomes to an operator chat over Telegram.
// It subscribes to the event bus and is strictly best-effort: a down bot
// never blocks or fails the pipeline.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"
	"golang.org/x/time/rate"

	"postpilot/internal/eventbus"
	"postpilot/pkg/logx"
)

var ErrDisabled = errors.New("notify: disabled")

type Config struct {
	Enabled    bool
	Token      string
	ChatID     int64
	RatePerSec int // telegram send budget; defaults to 1
}

// Sender is the transport seam; *tele.Bot satisfies it via botSender.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

type botSender struct {
	bot *tele.Bot
}

func (b botSender) Send(_ context.Context, chatID int64, text string) error {
	_, err := b.bot.Send(tele.ChatID(chatID), text, tele.ModeHTML)
	return err
}

// NewSender builds the Telegram transport from a bot token.
func NewSender(token string) (Sender, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("notify: telegram token is empty")
	}
	// Send-only: no poller, the bus drives us.
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, err
	}
	return botSender{bot: b}, nil
}

type Service struct {
	mu      sync.Mutex
	cfg     Config
	sender  Sender
	bus     eventbus.Bus
	log     logx.Logger
	limiter *rate.Limiter

	unsub  func()
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, bus: bus, log: log}
	s.applyLocked(cfg)
	return s
}

// Apply swaps the config at runtime (hot reload). Enabling/disabling takes
// effect per message; the subscription itself stays up.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start subscribes to post outcome events. Idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsub != nil || s.bus == nil {
		return
	}

	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel

	ch, unsub := s.bus.Subscribe(64)
	s.unsub = unsub
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-rctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.handle(rctx, ev)
			}
		}
	}()
}

func (s *Service) Stop() {
	s.mu.Lock()
	unsub := s.unsub
	cancel := s.cancel
	s.unsub = nil
	s.cancel = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Service) handle(ctx context.Context, ev eventbus.Event) {
	pe, ok := ev.Data.(eventbus.PostEvent)
	if !ok {
		return
	}
	text := render(ev.Type, pe)
	if text == "" {
		return
	}

	s.mu.Lock()
	enabled := s.cfg.Enabled
	chatID := s.cfg.ChatID
	lim := s.limiter
	sender := s.sender
	s.mu.Unlock()
	if !enabled || sender == nil || chatID == 0 {
		return
	}

	if err := lim.Wait(ctx); err != nil {
		return
	}
	sctx, cancelSend := context.WithTimeout(ctx, 10*time.Second)
	err := sender.Send(sctx, chatID, text)
	cancelSend()
	if err != nil {
		s.log.Warn("outcome notification failed",
			logx.String("post", pe.PostID), logx.Err(err))
	}
}

// render maps an event to operator-facing text. Unhandled event types
// (post.started among them) produce no message.
func render(typ string, pe eventbus.PostEvent) string {
	switch typ {
	case eventbus.TypePostSucceeded:
		b := fmt.Sprintf("✅ Post <code>%s</code> published", pe.PostID)
		if pe.PostURL != "" {
			b += "\n" + pe.PostURL
		}
		return b
	case eventbus.TypePostFailed:
		// Authentication failures get their own call to action.
		if strings.Contains(pe.Message, "authentication required") {
			return fmt.Sprintf("🔑 Post <code>%s</code> needs attention: %s\nReconnect the account and schedule it again.", pe.PostID, pe.Message)
		}
		return fmt.Sprintf("❌ Post <code>%s</code> failed: %s", pe.PostID, pe.Message)
	case eventbus.TypePostMissed:
		return fmt.Sprintf("⏰ Post <code>%s</code> missed its window (was due %s). It stays scheduled-as-pending; edit its time to retry.",
			pe.PostID, pe.DueAt.Format(time.RFC3339))
	case eventbus.TypePostCancelled:
		return fmt.Sprintf("🚫 Post <code>%s</code> cancelled", pe.PostID)
	default:
		return ""
	}
}
