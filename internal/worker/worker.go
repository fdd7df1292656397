// Package worker runs the async job collaborator: River on Postgres, an
// inline executor elsewhere. The engine only enqueues typed job args; the
// handlers here re-enter the stores to apply cascades and deferred writes.
package worker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/d9705996/gatekeep/internal/jobs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
)

// Handlers are the job execution callbacks. They are plain funcs so the
// caller can close over stores constructed after the queue.
type Handlers struct {
	Cascade  func(ctx context.Context, args jobs.CascadeRemovalArgs) error
	Deferred func(ctx context.Context, args jobs.DeferredLinkArgs) error
	Notify   func(ctx context.Context, args jobs.NotifyArgs) error
}

// Queue is the interface exposed by both the River client and the inline
// executor.
type Queue interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Enqueue(ctx context.Context, args jobs.Args) error
}

// Client wraps river.Client with a Start/Stop/Enqueue lifecycle.
type Client struct {
	client *river.Client[pgx.Tx]
	log    *slog.Logger
}

// Start begins processing queued jobs.
func (c *Client) Start(ctx context.Context) error { return c.client.Start(ctx) }

// Stop gracefully shuts down the worker client.
func (c *Client) Stop(ctx context.Context) error { return c.client.Stop(ctx) }

// Enqueue inserts a job for asynchronous execution.
func (c *Client) Enqueue(ctx context.Context, args jobs.Args) error {
	if _, err := c.client.Insert(ctx, args, nil); err != nil {
		return fmt.Errorf("insert job %s: %w", args.Kind(), err)
	}
	return nil
}

// Inline executes jobs synchronously at enqueue time. Used when River is
// unavailable (SQLite driver) and in tests; cascade semantics stay
// eventually-consistent from the caller's point of view, just with a very
// short eventuality.
type Inline struct {
	handlers Handlers
	log      *slog.Logger
}

// Start logs a startup notice; there is nothing to run.
func (q *Inline) Start(_ context.Context) error {
	q.log.Info("inline job execution enabled (River requires postgres)")
	return nil
}

// Stop is a no-op.
func (q *Inline) Stop(_ context.Context) error { return nil }

// Enqueue dispatches the job to its handler immediately.
func (q *Inline) Enqueue(ctx context.Context, args jobs.Args) error {
	switch a := args.(type) {
	case jobs.CascadeRemovalArgs:
		if q.handlers.Cascade != nil {
			return q.handlers.Cascade(ctx, a)
		}
	case jobs.DeferredLinkArgs:
		if q.handlers.Deferred != nil {
			return q.handlers.Deferred(ctx, a)
		}
	case jobs.NotifyArgs:
		if q.handlers.Notify != nil {
			return q.handlers.Notify(ctx, a)
		}
	default:
		return fmt.Errorf("no handler for job kind %q", args.Kind())
	}
	return nil
}

type cascadeWorker struct {
	river.WorkerDefaults[jobs.CascadeRemovalArgs]
	h   Handlers
	log *slog.Logger
}

func (w *cascadeWorker) Work(ctx context.Context, job *river.Job[jobs.CascadeRemovalArgs]) error {
	return w.h.Cascade(ctx, job.Args)
}

type deferredWorker struct {
	river.WorkerDefaults[jobs.DeferredLinkArgs]
	h   Handlers
	log *slog.Logger
}

func (w *deferredWorker) Work(ctx context.Context, job *river.Job[jobs.DeferredLinkArgs]) error {
	return w.h.Deferred(ctx, job.Args)
}

type notifyWorker struct {
	river.WorkerDefaults[jobs.NotifyArgs]
	h   Handlers
	log *slog.Logger
}

func (w *notifyWorker) Work(ctx context.Context, job *river.Job[jobs.NotifyArgs]) error {
	if w.h.Notify == nil {
		w.log.Debug("relationship event dropped", "event", job.Args.Event)
		return nil
	}
	return w.h.Notify(ctx, job.Args)
}

// New creates a queue implementation appropriate for the given driver.
//   - "postgres": returns a fully-functional River client backed by pool.
//   - anything else: returns the Inline executor.
//
// pool may be nil when driver != "postgres".
func New(ctx context.Context, pool *pgxpool.Pool, driver string, concurrency int, h Handlers, log *slog.Logger) (Queue, error) {
	if driver != "postgres" {
		return &Inline{handlers: h, log: log}, nil
	}
	workers := river.NewWorkers()
	river.AddWorker(workers, &cascadeWorker{h: h, log: log})
	river.AddWorker(workers, &deferredWorker{h: h, log: log})
	river.AddWorker(workers, &notifyWorker{h: h, log: log})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: concurrency},
		},
		Workers: workers,
		Logger:  log,
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	return &Client{client: client, log: log}, nil
}

// MigrateRiver runs River's built-in schema migrations against the given
// pool. Only call this when DB_DRIVER=postgres.
func MigrateRiver(ctx context.Context, db *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(db), nil)
	if err != nil {
		return fmt.Errorf("create river migrator: %w", err)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		return fmt.Errorf("run river migrations: %w", err)
	}
	return nil
}
