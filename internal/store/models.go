// Package store holds the persisted domain records and their stores. Every
// store has a Postgres implementation and a threadsafe in-memory one used by
// tests.
package store

import (
	"errors"
	"time"
)

var ErrNotFound = errors.New("not found")

// RunState is one of the review run lifecycle states.
type RunState string

const (
	RunPending RunState = "pending"
	RunRunning RunState = "running"
	RunPosted  RunState = "posted"
	RunFailed  RunState = "failed"

	// RunUpdated marks a run superseded by a newer revision of the same PR.
	RunUpdated RunState = "updated"
)

// Active reports whether the state still occupies the PR's single active-run slot.
func (s RunState) Active() bool { return s == RunPending || s == RunRunning }

// Terminal reports whether the run can no longer transition.
func (s RunState) Terminal() bool {
	return s == RunPosted || s == RunFailed || s == RunUpdated
}

// ReviewRun is one attempt to review one (repo, PR, revision) triple. At most
// one run per (RepoRef, PRNumber) is ever in an active state; a new revision
// supersedes an in-flight run, never runs alongside it.
type ReviewRun struct {
	ID             string     `json:"id"`
	RepoRef        string     `json:"repo_ref"`
	PRNumber       int        `json:"pr_number"`
	RevisionSHA    string     `json:"revision_sha"`
	InstallationID int64      `json:"installation_id"`
	Seq            int64      `json:"seq"` // admission sequence of the triggering event
	State          RunState   `json:"state"`
	AttemptCount   int        `json:"attempt_count"`
	LastError      string     `json:"last_error,omitempty"`
	CommentRef     string     `json:"comment_ref,omitempty"`
	Summary        string     `json:"summary,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// RuleOrigin records how a rule entry came to exist.
type RuleOrigin string

const (
	OriginExplicitConfig RuleOrigin = "explicit_config"
	OriginLearnedLike    RuleOrigin = "learned_like"
	OriginLearnedDislike RuleOrigin = "learned_dislike"
	OriginLearnedIgnore  RuleOrigin = "learned_ignore"
)

// ScopeGlobal is the Scope value for rules that apply to every repository.
const ScopeGlobal = "global"

// RuleEntry is one entry in the append-only rule set consulted at prompt-build
// time. Scope is either ScopeGlobal or a repo ref.
type RuleEntry struct {
	ID        string     `json:"id"`
	Scope     string     `json:"scope"`
	Text      string     `json:"text"`
	Weight    int        `json:"weight"`
	Origin    RuleOrigin `json:"origin"`
	Simhash   uint64     `json:"simhash"`
	CreatedAt time.Time  `json:"created_at"`
}

// FeedbackKind is the user's reaction to a posted review.
type FeedbackKind string

const (
	FeedbackLike    FeedbackKind = "like"
	FeedbackDislike FeedbackKind = "dislike"
	FeedbackIgnore  FeedbackKind = "ignore"
)

// FeedbackSignal is a structured user reaction derived from a chat command.
// Immutable; applied to the rule set exactly once, idempotent by the
// (ReviewRunID, Kind, TargetExcerpt, Actor) composite.
type FeedbackSignal struct {
	ID            string       `json:"id"`
	ReviewRunID   string       `json:"review_run_id,omitempty"` // empty while no run exists to attach to
	RepoRef       string       `json:"repo_ref"`
	PRNumber      int          `json:"pr_number"`
	Kind          FeedbackKind `json:"kind"`
	TargetExcerpt string       `json:"target_excerpt,omitempty"`
	Actor         string       `json:"actor"`
	Applied       bool         `json:"applied"`
	ReceivedAt    time.Time    `json:"received_at"`
}

// Repository is a repo the app is installed on, kept current from
// installation events.
type Repository struct {
	FullName       string `json:"full_name"`
	RepoID         int64  `json:"repo_id"`
	InstallationID int64  `json:"installation_id"`
	AccountLogin   string `json:"account_login"`
	Private        bool   `json:"private"`
	DefaultBranch  string `json:"default_branch"`
	Active         bool   `json:"active"`
}
