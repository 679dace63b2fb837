package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postpilot/internal/eventbus"
	"postpilot/internal/storage"
	"postpilot/pkg/logx"
)

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	store PostStore
	exec  Executor
	bus   eventbus.Bus

	queue  chan job
	stopCh chan struct{}
	// stopDone is non-nil while a Stop() is in progress; closed when
	// workers fully exit.
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	// timer table (derived index over pending posts)
	tmu    sync.Mutex
	timers map[string]*time.Timer
	dueAt  map[string]time.Time
	ver    map[string]uint64
	missed map[string]struct{} // already reported as missed; cleared on reschedule

	// single-instance-per-job guard + shutdown abandonment tracking
	rmu     sync.Mutex
	running map[string]bool

	// upkeep cron for recurring maintenance (misfire sweep, log prune).
	// Post triggers themselves never go through cron.
	upkeep     *cron.Cron
	upkeepJobs []upkeepDef

	// test hook
	now func() time.Time
}

type upkeepDef struct {
	name string
	spec string
	fn   func(ctx context.Context)
}

func New(cfg Config, store PostStore, exec Executor, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg.withDefaults(),
		store:   store,
		exec:    exec,
		bus:     bus,
		log:     log,
		timers:  map[string]*time.Timer{},
		dueAt:   map[string]time.Time{},
		ver:     map[string]uint64{},
		missed:  map[string]struct{}{},
		running: map[string]bool{},
		now:     time.Now,
	}
}

// AddUpkeep registers a recurring maintenance job (standard cron spec).
// Must be called before Start.
func (s *Service) AddUpkeep(name, spec string, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upkeepJobs = append(s.upkeepJobs, upkeepDef{name: name, spec: spec, fn: fn})
}

// Start launches the worker pool, rebuilds timers from the store's pending
// posts, and starts upkeep schedules. Calling Start on a running service
// is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return nil
	}
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(context.WithoutCancel(ctx))
	s.queue = make(chan job, s.cfg.QueueSize)

	// Local captures prevent races if fields are swapped during Stop().
	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue
	workers := s.cfg.Workers

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in scheduler worker",
						logx.Int("worker", idx), logx.Any("panic", r),
						logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue, idx)
		}()
	}

	s.upkeep = cron.New()
	s.upkeep.AddFunc("@hourly", func() { s.sweepMisfires(runCtx) })
	for _, d := range s.upkeepJobs {
		d := d
		if _, err := s.upkeep.AddFunc(d.spec, func() { d.fn(runCtx) }); err != nil {
			s.log.Error("upkeep register failed", logx.String("name", d.name), logx.Err(err))
		}
	}
	s.upkeep.Start()
	s.mu.Unlock()

	// Rebuild the timer table from the store; this is the restart
	// recovery path and must happen after workers are up.
	pending, err := s.store.ListPending(ctx)
	if err != nil {
		return err
	}
	for _, p := range pending {
		s.Schedule(p.ID, p.DueAt)
	}

	s.log.Info("scheduler started",
		logx.Int("workers", workers),
		logx.Int("rehydrated", len(pending)),
		logx.Duration("misfire_grace", s.cfg.MisfireGrace))
	return nil
}

// Stop drains in-flight executions up to the configured drain timeout. Work
// still running past the bound is abandoned: its post is force-failed with a
// shutdown cause (the worker's own later write loses the CAS race).
func (s *Service) Stop(ctx context.Context) {
	start := s.now()

	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	up := s.upkeep
	s.upkeep = nil
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if up != nil {
		<-up.Stop().Done()
	}

	// Stop all timers; pending definitions live in the store, so nothing
	// is lost for the next Start.
	s.tmu.Lock()
	for _, t := range s.timers {
		_ = t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.dueAt = map[string]time.Time{}
	s.ver = map[string]uint64{}
	s.tmu.Unlock()

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.queue = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
	}()

	drain := time.NewTimer(s.cfg.DrainTimeout)
	defer drain.Stop()
	select {
	case <-done:
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
		return
	case <-ctx.Done():
	case <-drain.C:
	}

	// Drain bound exceeded: abandon whatever is still executing.
	if cancel != nil {
		cancel()
	}
	s.rmu.Lock()
	abandoned := make([]string, 0, len(s.running))
	for id := range s.running {
		abandoned = append(abandoned, id)
	}
	s.rmu.Unlock()

	for _, id := range abandoned {
		wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
		ok, err := s.store.CASStatus(wctx, id, storage.StatusRunning, storage.StatusFailed,
			"abandoned: process shut down mid-execution", "")
		wcancel()
		if err != nil {
			s.log.Error("failed to record abandoned post", logx.String("post", id), logx.Err(err))
			continue
		}
		if ok {
			s.log.Warn("post abandoned at shutdown", logx.String("post", id))
			s.publishEvent(eventbus.TypePostFailed, eventbus.PostEvent{
				PostID:  id,
				Message: "abandoned: process shut down mid-execution",
			})
		}
	}
	s.log.Warn("scheduler stopped before drain finished",
		logx.Int("abandoned", len(abandoned)),
		logx.Duration("took", time.Since(start)))
}

func (s *Service) publishEvent(typ string, ev eventbus.PostEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: ev})
}
