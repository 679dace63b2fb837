package scheduler

import (
	"context"
	"time"

	"postpilot/internal/publish"
	"postpilot/internal/storage"
)

// Config controls the scheduler service. Topology (workers, queue) is
// fixed at Start; only the grace window is consulted per fire.
type Config struct {
	Workers      int           // worker pool size (default 3)
	QueueSize    int           // fired-job queue capacity (default 64)
	MisfireGrace time.Duration // tolerated lateness before a job counts as missed (default 5m)
	DrainTimeout time.Duration // Stop() waits this long for in-flight work (default 30s)
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.MisfireGrace <= 0 {
		c.MisfireGrace = 5 * time.Minute
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	return c
}

// PostStore is the slice of storage the scheduler needs.
type PostStore interface {
	GetPost(ctx context.Context, id string) (storage.ScheduledPost, error)
	ListPending(ctx context.Context) ([]storage.ScheduledPost, error)
	CASStatus(ctx context.Context, id string, from, to storage.PostStatus, message, postURL string) (bool, error)
}

// Executor runs the publish orchestration for one due post. It never
// persists anything itself; the scheduler writes the result back.
type Executor interface {
	Execute(ctx context.Context, post storage.ScheduledPost) publish.Result
}

// JobInfo describes one registered timer, for introspection.
type JobInfo struct {
	ID    string
	DueAt time.Time
}

// Snapshot is a point-in-time view of the scheduler, for status surfaces.
type Snapshot struct {
	Running  bool
	Workers  int
	QueueLen int
	QueueCap int
	Pending  []JobInfo
}

type job struct {
	id    string
	dueAt time.Time
}
