/*
Package jobqueue runs the durable job queue on River over Postgres. Three job
kinds flow through it: review runs, chat turns, and feedback application.

For worker counts and retry tuning see queue_config.go.
*/
package jobqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"

	"github.com/reviewloop/internal/engine"
	"github.com/reviewloop/internal/retry"
)

// ReviewRunArgs identifies one review run to execute.
type ReviewRunArgs struct {
	RunID string `json:"run_id"`
}

func (ReviewRunArgs) Kind() string { return "review_run" }

// ChatTurnArgs carries one conversational message to answer.
type ChatTurnArgs struct {
	Turn engine.ChatTurn `json:"turn"`
}

func (ChatTurnArgs) Kind() string { return "chat_turn" }

// FeedbackApplyArgs identifies one recorded feedback signal to fold into the
// rule set.
type FeedbackApplyArgs struct {
	FeedbackID string `json:"feedback_id"`
}

func (FeedbackApplyArgs) Kind() string { return "feedback_apply" }

// reviewRunWorker drives one review attempt. The engine owns the
// requeue-or-fail decision; a non-nil return here only means River should
// redeliver on the backoff schedule.
type reviewRunWorker struct {
	river.WorkerDefaults[ReviewRunArgs]
	engine *engine.Engine
}

func (w *reviewRunWorker) Work(ctx context.Context, job *river.Job[ReviewRunArgs]) error {
	return w.engine.ProcessRun(ctx, job.Args.RunID)
}

type chatTurnWorker struct {
	river.WorkerDefaults[ChatTurnArgs]
	engine *engine.Engine
}

func (w *chatTurnWorker) Work(ctx context.Context, job *river.Job[ChatTurnArgs]) error {
	return w.engine.ProcessChatTurn(ctx, job.Args.Turn)
}

type feedbackApplyWorker struct {
	river.WorkerDefaults[FeedbackApplyArgs]
	engine *engine.Engine
}

func (w *feedbackApplyWorker) Work(ctx context.Context, job *river.Job[FeedbackApplyArgs]) error {
	return w.engine.ProcessFeedback(ctx, job.Args.FeedbackID)
}

// backoffRetryPolicy maps River's attempt counter onto our jittered
// exponential backoff so queue redelivery and run requeue share one schedule.
type backoffRetryPolicy struct {
	policy retry.Policy
}

func (p *backoffRetryPolicy) NextRetry(job *rivertype.JobRow) time.Time {
	attempt := job.Attempt
	if attempt < 1 {
		attempt = 1
	}
	return time.Now().Add(p.policy.Delay(attempt - 1))
}

// JobQueue wraps the River client. It implements engine.Queue.
type JobQueue struct {
	client *river.Client[pgx.Tx]
	pool   *pgxpool.Pool
	config *QueueConfig
	logger zerolog.Logger
}

// New creates the queue client and registers the workers against eng. The
// pool is owned by the caller.
func New(pool *pgxpool.Pool, eng *engine.Engine, config *QueueConfig, logger zerolog.Logger) (*JobQueue, error) {
	if config == nil {
		config = DefaultQueueConfig()
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, &reviewRunWorker{engine: eng})
	river.AddWorker(workers, &chatTurnWorker{engine: eng})
	river.AddWorker(workers, &feedbackApplyWorker{engine: eng})

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues:      config.RiverQueueConfig(),
		Workers:     workers,
		RetryPolicy: &backoffRetryPolicy{policy: config.RetryPolicy},
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}

	return &JobQueue{
		client: client,
		pool:   pool,
		config: config,
		logger: logger,
	}, nil
}

// Start begins processing jobs. It returns once workers are running.
func (q *JobQueue) Start(ctx context.Context) error {
	if err := q.client.Start(ctx); err != nil {
		return fmt.Errorf("start job queue: %w", err)
	}
	q.logger.Info().
		Int("max_workers", q.config.MaxWorkers).
		Int("max_attempts", q.config.MaxAttempts).
		Msg("job queue started")
	return nil
}

// Stop drains workers and shuts the client down.
func (q *JobQueue) Stop(ctx context.Context) error {
	return q.client.Stop(ctx)
}

// EnqueueReview schedules one review run execution.
func (q *JobQueue) EnqueueReview(ctx context.Context, runID string) error {
	_, err := q.client.Insert(ctx, ReviewRunArgs{RunID: runID}, &river.InsertOpts{
		MaxAttempts: q.config.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("enqueue review run %s: %w", runID, err)
	}
	return nil
}

// EnqueueChatTurn schedules a conversational reply.
func (q *JobQueue) EnqueueChatTurn(ctx context.Context, turn engine.ChatTurn) error {
	_, err := q.client.Insert(ctx, ChatTurnArgs{Turn: turn}, &river.InsertOpts{
		MaxAttempts: q.config.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("enqueue chat turn for %s#%d: %w", turn.RepoRef, turn.PRNumber, err)
	}
	return nil
}

// EnqueueFeedbackApply schedules one feedback signal for application.
func (q *JobQueue) EnqueueFeedbackApply(ctx context.Context, feedbackID string) error {
	_, err := q.client.Insert(ctx, FeedbackApplyArgs{FeedbackID: feedbackID}, &river.InsertOpts{
		MaxAttempts: q.config.MaxAttempts,
	})
	if err != nil {
		return fmt.Errorf("enqueue feedback %s: %w", feedbackID, err)
	}
	return nil
}

var _ engine.Queue = (*JobQueue)(nil)
