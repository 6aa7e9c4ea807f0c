package store

import (
	"context"
	"errors"
	"time"

	"github.com/reviewloop/internal/event"
)

// ErrNotClaimable is returned by Claim when the run is no longer pending,
// it was superseded, already claimed, or already finished. Callers treat it
// as a no-op, not a failure.
var ErrNotClaimable = errors.New("run is not claimable")

// EventStore durably records admitted inbound events. Admission is the
// system's exactly-once gate under at-least-once delivery: the insert and the
// dedup check are one atomic operation keyed on the provider event ID.
type EventStore interface {
	// Admit records the event if its provider event ID has not been seen.
	// Returns false (and no error) for duplicate deliveries. On success the
	// event's Seq is populated with a monotone admission sequence.
	Admit(ctx context.Context, ev *event.InboundEvent) (admitted bool, err error)

	ByProviderID(ctx context.Context, providerEventID string) (*event.InboundEvent, error)

	// PurgeOlderThan removes events admitted before the cutoff. Retention
	// must exceed the provider's maximum redelivery window.
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RunStore owns ReviewRun persistence. All transitions are conditional
// writes so correctness holds across racing worker processes without locks.
type RunStore interface {
	// CreateSuperseding atomically marks any active run for the same PR with
	// an older admission sequence as Updated and inserts run as Pending.
	// The superseded run's comment ref carries over to the new run so it
	// edits the same visible comment. It returns false without inserting
	// when the PR already has a run with the same revision that is active
	// or newer, or any run with a newer sequence; the older revision loses
	// the slot regardless of arrival order.
	CreateSuperseding(ctx context.Context, run *ReviewRun) (created bool, err error)

	GetRun(ctx context.Context, id string) (*ReviewRun, error)

	// Claim moves a Pending run to Running, stamping started_at and
	// incrementing attempt_count. Returns ErrNotClaimable if the run is not
	// Pending anymore.
	Claim(ctx context.Context, id string) (*ReviewRun, error)

	// MarkPosted conditionally moves Running→Posted. Returns false when the
	// run is no longer Running (superseded mid-flight): the caller must then
	// discard its result silently.
	MarkPosted(ctx context.Context, id, commentRef, summary string) (bool, error)

	// Requeue moves Running→Pending for another attempt after a reviewer failure.
	Requeue(ctx context.Context, id, lastError string) error

	// MarkFailed conditionally moves Running→Failed after retries are
	// exhausted. Returns false when the run is no longer Running (superseded
	// mid-flight): the caller must then suppress the failure notice.
	MarkFailed(ctx context.Context, id, lastError string) (bool, error)

	SetCommentRef(ctx context.Context, id, commentRef string) error

	ActiveForPR(ctx context.Context, repoRef string, prNumber int) (*ReviewRun, error)
	LatestPostedForPR(ctx context.Context, repoRef string, prNumber int) (*ReviewRun, error)
	ListRecent(ctx context.Context, limit int) ([]*ReviewRun, error)
}

// RuleStore is the append-only rule set. Entries are never deleted; the set
// only grows. Reads return an ordered snapshot safe to use without locks.
type RuleStore interface {
	AppendRule(ctx context.Context, entry *RuleEntry) error
	IncrementWeight(ctx context.Context, id string) error

	// ListForRepo returns global entries plus entries scoped to repoRef,
	// oldest first.
	ListForRepo(ctx context.Context, repoRef string) ([]*RuleEntry, error)
}

// FeedbackStore records feedback signals exactly once per composite key.
type FeedbackStore interface {
	// Record inserts the signal unless its (review_run_id, repo_ref,
	// pr_number, kind, target_excerpt, actor) composite was already seen;
	// returns false for replays.
	Record(ctx context.Context, sig *FeedbackSignal) (recorded bool, err error)

	GetFeedback(ctx context.Context, id string) (*FeedbackSignal, error)
	MarkApplied(ctx context.Context, id string) error

	// PendingForPR lists unapplied signals recorded before any run existed
	// for the PR, so they can be replayed once a run posts.
	PendingForPR(ctx context.Context, repoRef string, prNumber int) ([]*FeedbackSignal, error)
	AttachRun(ctx context.Context, id, reviewRunID string) error
}

// RepoStore keeps installation and repository records current from
// installation events.
type RepoStore interface {
	UpsertInstallation(ctx context.Context, installationID int64, accountLogin string) error
	UpsertRepo(ctx context.Context, repo *Repository) error
	DeactivateRepo(ctx context.Context, fullName string) error
	GetRepo(ctx context.Context, fullName string) (*Repository, error)
}
