package scheduler

import (
	"context"
	"sort"
	"time"

	"postpilot/internal/eventbus"
	"postpilot/pkg/logx"
)

// Schedule registers (or replaces) the one-shot timer for a post. The
// version counter makes callbacks from a replaced timer harmless, so
// reschedule/edit is just another Schedule call with the same id.
func (s *Service) Schedule(id string, dueAt time.Time) {
	s.tmu.Lock()
	defer s.tmu.Unlock()

	if t, ok := s.timers[id]; ok {
		_ = t.Stop()
		delete(s.timers, id)
	}
	ver := s.ver[id] + 1
	s.ver[id] = ver
	s.dueAt[id] = dueAt
	delete(s.missed, id) // a reschedule clears the missed report

	delay := dueAt.Sub(s.now())
	if delay < 0 {
		delay = 0
	}
	localID, localVer, localDue := id, ver, dueAt
	s.timers[id] = time.AfterFunc(delay, func() {
		s.onFire(localID, localVer, localDue)
	})
}

// Cancel removes a pending timer. It returns false when the job has
// already started (or was never scheduled); the post's status write is the
// caller's concern.
func (s *Service) Cancel(id string) bool {
	s.tmu.Lock()
	t, ok := s.timers[id]
	if ok {
		_ = t.Stop()
		delete(s.timers, id)
		delete(s.dueAt, id)
		delete(s.ver, id)
	}
	s.tmu.Unlock()
	if !ok {
		return false
	}

	s.rmu.Lock()
	started := s.running[id]
	s.rmu.Unlock()
	if started {
		return false
	}
	s.log.Debug("timer cancelled", logx.String("post", id))
	return true
}

// ListPending returns the registered timers ordered by due time.
func (s *Service) ListPending() []JobInfo {
	s.tmu.Lock()
	out := make([]JobInfo, 0, len(s.dueAt))
	for id, due := range s.dueAt {
		out = append(out, JobInfo{ID: id, DueAt: due})
	}
	s.tmu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out
}

// Snapshot reports current topology and queue depth for status surfaces.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	q := s.queue
	running := s.stopCh != nil
	workers := s.cfg.Workers
	s.mu.Unlock()

	snap := Snapshot{Running: running, Workers: workers, Pending: s.ListPending()}
	if q != nil {
		snap.QueueLen = len(q)
		snap.QueueCap = cap(q)
	}
	return snap
}

// onFire is the timer callback: drop stale versions, apply the misfire
// policy, then hand the job to the worker pool.
func (s *Service) onFire(id string, ver uint64, dueAt time.Time) {
	s.tmu.Lock()
	if s.ver[id] != ver {
		s.tmu.Unlock()
		return
	}
	delete(s.timers, id)
	delete(s.dueAt, id)
	delete(s.ver, id)
	s.tmu.Unlock()

	if late := s.now().Sub(dueAt); late > s.cfg.MisfireGrace {
		// Too late to post without surprising the operator. Leave the
		// row pending and report it instead of firing.
		s.tmu.Lock()
		s.missed[id] = struct{}{}
		s.tmu.Unlock()
		s.log.Warn("post missed its window",
			logx.String("post", id), logx.Duration("late", late))
		s.publishEvent(eventbus.TypePostMissed, eventbus.PostEvent{PostID: id, DueAt: dueAt,
			Message: "missed: due time passed beyond the grace window"})
		return
	}
	s.enqueue(job{id: id, dueAt: dueAt})
}

func (s *Service) enqueue(j job) {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		s.log.Debug("scheduler not running; dropping job", logx.String("post", j.id))
		return
	}
	select {
	case q <- j:
	default:
		s.log.Warn("scheduler queue full; dropping job",
			logx.String("post", j.id), logx.Int("queue_len", len(q)), logx.Int("queue_cap", cap(q)))
	}
}

// sweepMisfires is the hourly upkeep pass. It catches pending posts whose
// timer never fired (process was suspended through the deadline) and
// re-registers timers the table somehow lost.
func (s *Service) sweepMisfires(ctx context.Context) {
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		s.log.Error("misfire sweep failed", logx.Err(err))
		return
	}
	now := s.now()
	for _, p := range pending {
		s.tmu.Lock()
		_, scheduled := s.timers[p.ID]
		_, reported := s.missed[p.ID]
		s.tmu.Unlock()
		if scheduled || reported {
			continue
		}
		if late := now.Sub(p.DueAt); late > s.cfg.MisfireGrace {
			s.tmu.Lock()
			s.missed[p.ID] = struct{}{}
			s.tmu.Unlock()
			s.log.Warn("post missed its window (found by sweep)",
				logx.String("post", p.ID), logx.Duration("late", late))
			s.publishEvent(eventbus.TypePostMissed, eventbus.PostEvent{
				PostID: p.ID, AccountID: p.AccountID, DueAt: p.DueAt,
				Message: "missed: due time passed beyond the grace window",
			})
			continue
		}
		// Still inside the window (or not due yet): self-heal the table.
		s.Schedule(p.ID, p.DueAt)
	}
}
