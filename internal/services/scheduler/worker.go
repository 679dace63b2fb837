package scheduler

import (
	"context"
	"errors"
	"time"

	"postpilot/internal/eventbus"
	"postpilot/internal/publish"
	"postpilot/internal/storage"
	"postpilot/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job, idx int) {
	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.execOne(ctx, j)
		}
	}
}

// execOne runs one fired job end to end: re-read the row, win the
// pending->running CAS, execute, write the terminal status back.
func (s *Service) execOne(ctx context.Context, j job) {
	log := s.log.With(logx.String("post", j.id))

	// The store is the source of truth; the queued job is just a hint.
	// A cancel or edit may have landed while we sat in the queue.
	post, err := s.store.GetPost(ctx, j.id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Error("failed to load due post", logx.Err(err))
		}
		return
	}
	if post.Status != storage.StatusPending {
		log.Debug("due post no longer pending; dropping",
			logx.String("status", string(post.Status)))
		return
	}

	// Queue delay can also push a job past the window.
	if late := s.now().Sub(post.DueAt); late > s.cfg.MisfireGrace {
		s.tmu.Lock()
		s.missed[post.ID] = struct{}{}
		s.tmu.Unlock()
		log.Warn("post missed its window in the queue", logx.Duration("late", late))
		s.publishEvent(eventbus.TypePostMissed, eventbus.PostEvent{
			PostID: post.ID, AccountID: post.AccountID, DueAt: post.DueAt,
			Message: "missed: due time passed beyond the grace window",
		})
		return
	}

	// Defensive single-instance guard. Triggers are one-shot so this
	// should never trip, but a duplicate fire must be dropped, not run.
	s.rmu.Lock()
	if s.running[post.ID] {
		s.rmu.Unlock()
		log.Warn("duplicate fire for running post; dropping")
		return
	}
	s.running[post.ID] = true
	s.rmu.Unlock()
	defer func() {
		s.rmu.Lock()
		delete(s.running, post.ID)
		s.rmu.Unlock()
	}()

	ok, err := s.store.CASStatus(ctx, post.ID, storage.StatusPending, storage.StatusRunning, "", "")
	if err != nil {
		// A post whose state cannot be persisted must not run.
		log.Error("failed to mark post running", logx.Err(err))
		return
	}
	if !ok {
		log.Debug("lost pending->running race; dropping")
		return
	}

	start := s.now()
	s.publishEvent(eventbus.TypePostStarted, eventbus.PostEvent{
		PostID: post.ID, AccountID: post.AccountID, DueAt: post.DueAt,
	})

	res := s.exec.Execute(ctx, post)
	dur := time.Since(start)

	to := storage.StatusFailed
	evType := eventbus.TypePostFailed
	if res.Status == publish.StatusSuccess {
		to = storage.StatusSuccess
		evType = eventbus.TypePostSucceeded
	}

	wctx := ctx
	if ctx.Err() != nil {
		// Run context was cancelled (shutdown); still try to persist the
		// outcome with a short independent deadline.
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	wrote, err := s.store.CASStatus(wctx, post.ID, storage.StatusRunning, to, res.Message, res.PostURL)
	if err != nil {
		log.Error("failed to persist post result",
			logx.String("result", res.Status.String()), logx.Err(err))
		return
	}
	if !wrote {
		// Shutdown abandonment got there first.
		log.Warn("post result discarded; row already terminal",
			logx.String("result", res.Status.String()))
		return
	}

	if to == storage.StatusSuccess {
		log.Info("post published", logx.Duration("dur", dur), logx.String("url", res.PostURL))
	} else {
		log.Warn("post failed", logx.Duration("dur", dur), logx.String("reason", res.Message))
	}
	s.publishEvent(evType, eventbus.PostEvent{
		PostID:    post.ID,
		AccountID: post.AccountID,
		Message:   res.Message,
		PostURL:   res.PostURL,
		DueAt:     post.DueAt,
		Duration:  dur,
	})
}
