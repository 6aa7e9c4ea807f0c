// Package engine orchestrates the review-run lifecycle: admitting normalized
// events, driving the run state machine from queue workers, and folding
// conversation activity back into runs and the rule set.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/reviewloop/internal/event"
	"github.com/reviewloop/internal/learner"
	"github.com/reviewloop/internal/publisher"
	"github.com/reviewloop/internal/reviewer"
	"github.com/reviewloop/internal/store"
)

// markerBody is published as soon as a run is claimed, then edited in place
// with the finished review.
const markerBody = "\U0001F441 Reviewing this PR now. I will post a full review shortly."

// ChatTurn is a conversational message on a PR, handled asynchronously.
type ChatTurn struct {
	RepoRef        string `json:"repo_ref"`
	PRNumber       int    `json:"pr_number"`
	InstallationID int64  `json:"installation_id"`
	Actor          string `json:"actor"`
	Text           string `json:"text"`
}

// Queue hands work to the durable job queue. Implemented by the jobqueue
// package; defined here so the engine stays import-cycle free.
type Queue interface {
	EnqueueReview(ctx context.Context, runID string) error
	EnqueueChatTurn(ctx context.Context, turn ChatTurn) error
	EnqueueFeedbackApply(ctx context.Context, feedbackID string) error
}

// Publisher is the conversation surface the engine writes to and reads
// context from.
type Publisher interface {
	PostOrUpdate(ctx context.Context, conv publisher.ConversationRef, commentRef, body string) (string, error)
	FetchDiff(ctx context.Context, conv publisher.ConversationRef) (string, error)
	ListRecentComments(ctx context.Context, conv publisher.ConversationRef, limit int) ([]publisher.Comment, error)
}

// Config carries the engine's tunables.
type Config struct {
	// MaxAttempts bounds reviewer attempts per run, first try included.
	MaxAttempts int

	// ReviewerTimeout is the wall-clock budget for one reviewer attempt.
	ReviewerTimeout time.Duration

	// BotLogin is the app's own comment author; its comments never trigger
	// commands or chat turns.
	BotLogin string
}

// Engine wires the stores, the reviewer backend, the publisher, and the
// queue together. Every method is safe for concurrent use across processes:
// correctness rests on the stores' conditional transitions, not on locks.
type Engine struct {
	Events   store.EventStore
	Runs     store.RunStore
	Repos    store.RepoStore
	Feedback store.FeedbackStore
	Learner  *learner.Learner

	Reviewer  reviewer.Reviewer
	Publisher Publisher
	Queue     Queue

	Config Config
	Logger zerolog.Logger
}

// HandleEvent dispatches an admitted event. It is called from intake after
// verification, normalization, and admission.
func (e *Engine) HandleEvent(ctx context.Context, ev *event.InboundEvent) error {
	switch ev.Kind {
	case event.KindInstall, event.KindInstallRepos:
		return e.handleInstallation(ctx, ev)
	case event.KindPROpened, event.KindPRSynchronized, event.KindPRReopened:
		return e.startRun(ctx, ev)
	case event.KindComment:
		return e.handleComment(ctx, ev)
	case event.KindNoop:
		return nil
	default:
		e.Logger.Warn().Str("kind", string(ev.Kind)).Msg("unhandled event kind")
		return nil
	}
}

func (e *Engine) handleInstallation(ctx context.Context, ev *event.InboundEvent) error {
	if ev.InstallationID != 0 {
		if err := e.Repos.UpsertInstallation(ctx, ev.InstallationID, ev.AccountLogin); err != nil {
			return fmt.Errorf("upsert installation %d: %w", ev.InstallationID, err)
		}
	}
	for _, info := range ev.ReposAdded {
		repo := &store.Repository{
			FullName:       info.FullName,
			RepoID:         info.RepoID,
			InstallationID: ev.InstallationID,
			AccountLogin:   ev.AccountLogin,
			Private:        info.Private,
			DefaultBranch:  info.DefaultBranch,
		}
		if err := e.Repos.UpsertRepo(ctx, repo); err != nil {
			return fmt.Errorf("upsert repo %s: %w", info.FullName, err)
		}
	}
	for _, info := range ev.ReposRemoved {
		if err := e.Repos.DeactivateRepo(ctx, info.FullName); err != nil {
			return fmt.Errorf("deactivate repo %s: %w", info.FullName, err)
		}
	}
	e.Logger.Info().
		Int64("installation_id", ev.InstallationID).
		Int("added", len(ev.ReposAdded)).
		Int("removed", len(ev.ReposRemoved)).
		Msg("installation updated")
	return nil
}

func (e *Engine) startRun(ctx context.Context, ev *event.InboundEvent) error {
	run := &store.ReviewRun{
		ID:             uuid.NewString(),
		RepoRef:        ev.RepoRef,
		PRNumber:       ev.PRNumber,
		RevisionSHA:    ev.RevisionSHA,
		InstallationID: ev.InstallationID,
		Seq:            ev.Seq,
	}

	created, err := e.Runs.CreateSuperseding(ctx, run)
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	if !created {
		e.Logger.Info().
			Str("repo", ev.RepoRef).Int("pr", ev.PRNumber).Str("revision", ev.RevisionSHA).
			Msg("revision already covered by an equal or newer run")
		return nil
	}

	if err := e.Queue.EnqueueReview(ctx, run.ID); err != nil {
		return fmt.Errorf("enqueue review %s: %w", run.ID, err)
	}

	e.Logger.Info().
		Str("run_id", run.ID).Str("repo", run.RepoRef).Int("pr", run.PRNumber).
		Str("revision", run.RevisionSHA).Msg("review run created")
	return nil
}

func (e *Engine) handleComment(ctx context.Context, ev *event.InboundEvent) error {
	if e.Config.BotLogin != "" && ev.Actor == e.Config.BotLogin {
		return nil
	}

	cmd, ok := publisher.ParseCommand(ev.CommentBody)
	if !ok {
		return nil
	}

	if cmd.Kind == publisher.CommandChat {
		return e.Queue.EnqueueChatTurn(ctx, ChatTurn{
			RepoRef:        ev.RepoRef,
			PRNumber:       ev.PRNumber,
			InstallationID: ev.InstallationID,
			Actor:          ev.Actor,
			Text:           cmd.Text,
		})
	}

	var kind store.FeedbackKind
	switch cmd.Kind {
	case publisher.CommandLike:
		kind = store.FeedbackLike
	case publisher.CommandDislike:
		kind = store.FeedbackDislike
	case publisher.CommandIgnore:
		kind = store.FeedbackIgnore
	}

	// Feedback attaches to the latest posted run; with no run yet it is
	// stored unattached and replayed once a run posts.
	var runID string
	if latest, err := e.Runs.LatestPostedForPR(ctx, ev.RepoRef, ev.PRNumber); err == nil {
		runID = latest.ID
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("lookup posted run: %w", err)
	}

	sig := &store.FeedbackSignal{
		ReviewRunID:   runID,
		RepoRef:       ev.RepoRef,
		PRNumber:      ev.PRNumber,
		Kind:          kind,
		TargetExcerpt: cmd.Excerpt,
		Actor:         ev.Actor,
		ReceivedAt:    ev.ReceivedAt,
	}
	recorded, err := e.Feedback.Record(ctx, sig)
	if err != nil {
		return fmt.Errorf("record feedback: %w", err)
	}
	if !recorded {
		e.Logger.Debug().Str("repo", ev.RepoRef).Int("pr", ev.PRNumber).Msg("duplicate feedback signal ignored")
		return nil
	}
	if runID == "" {
		e.Logger.Info().Str("repo", ev.RepoRef).Int("pr", ev.PRNumber).Msg("feedback recorded ahead of first posted run")
		return nil
	}
	return e.Queue.EnqueueFeedbackApply(ctx, sig.ID)
}

// ProcessRun executes one review attempt. Returning a non-nil error tells
// the queue to redeliver on the backoff schedule; terminal outcomes return
// nil so the job completes.
func (e *Engine) ProcessRun(ctx context.Context, runID string) error {
	run, err := e.Runs.Claim(ctx, runID)
	if errors.Is(err, store.ErrNotClaimable) || errors.Is(err, store.ErrNotFound) {
		e.Logger.Info().Str("run_id", runID).Msg("run no longer claimable, dropping job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("claim run %s: %w", runID, err)
	}

	log := e.Logger.With().
		Str("run_id", run.ID).Str("repo", run.RepoRef).Int("pr", run.PRNumber).
		Int("attempt", run.AttemptCount).Logger()

	conv := publisher.ConversationRef{
		RepoRef:        run.RepoRef,
		PRNumber:       run.PRNumber,
		InstallationID: run.InstallationID,
	}

	// Acknowledge visibly before the slow part. A failed marker never blocks
	// the review; the conversation may simply lag internal state.
	if ref, err := e.Publisher.PostOrUpdate(ctx, conv, run.CommentRef, markerBody); err != nil {
		log.Warn().Err(err).Msg("marker comment failed, continuing")
	} else if ref != run.CommentRef {
		run.CommentRef = ref
		if err := e.Runs.SetCommentRef(ctx, run.ID, ref); err != nil {
			log.Warn().Err(err).Msg("persisting comment ref failed")
		}
	}

	diff, err := e.Publisher.FetchDiff(ctx, conv)
	if err != nil {
		return e.failAttempt(ctx, run, conv, fmt.Errorf("fetch diff: %w", err), log)
	}

	rules, err := e.Learner.Snapshot(ctx, run.RepoRef)
	if err != nil {
		return e.failAttempt(ctx, run, conv, fmt.Errorf("snapshot rules: %w", err), log)
	}

	rctx, cancel := context.WithTimeout(ctx, e.Config.ReviewerTimeout)
	res, err := e.Reviewer.Review(rctx, reviewer.Request{
		Prompt: buildReviewPrompt(run, rules),
		Diff:   diff,
	})
	cancel()
	if err != nil {
		return e.failAttempt(ctx, run, conv, err, log)
	}

	body := res.ReviewText
	if strings.TrimSpace(body) == "" {
		body = "I reviewed this revision and found nothing to flag."
	}

	// State first, conversation second. Once another revision has taken the
	// slot the result is discarded without a trace in the conversation.
	posted, err := e.Runs.MarkPosted(ctx, run.ID, run.CommentRef, body)
	if err != nil {
		return fmt.Errorf("mark posted: %w", err)
	}
	if !posted {
		log.Info().Msg("run superseded mid-review, result discarded")
		return nil
	}

	if ref, err := e.Publisher.PostOrUpdate(ctx, conv, run.CommentRef, body); err != nil {
		// Internal state is authoritative; the comment will stay on the
		// marker text until a later edit succeeds.
		log.Error().Err(err).Msg("publishing review failed after state transition")
	} else if ref != run.CommentRef {
		if err := e.Runs.SetCommentRef(ctx, run.ID, ref); err != nil {
			log.Warn().Err(err).Msg("persisting comment ref failed")
		}
	}

	log.Info().Msg("review posted")
	return e.replayPendingFeedback(ctx, run, log)
}

// failAttempt requeues the run while attempts remain, otherwise fails it
// terminally and tells the author. The returned error drives the queue's
// backoff; terminal failure returns nil so the job is done.
func (e *Engine) failAttempt(ctx context.Context, run *store.ReviewRun, conv publisher.ConversationRef, cause error, log zerolog.Logger) error {
	kind := reviewer.Classify(cause)

	if run.AttemptCount < e.Config.MaxAttempts {
		log.Warn().Err(cause).Str("kind", string(kind)).Msg("review attempt failed, requeueing")
		if err := e.Runs.Requeue(ctx, run.ID, cause.Error()); err != nil {
			return fmt.Errorf("requeue run %s: %w", run.ID, err)
		}
		return cause
	}

	log.Error().Err(cause).Str("kind", string(kind)).Msg("review attempts exhausted")
	failed, err := e.Runs.MarkFailed(ctx, run.ID, cause.Error())
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", run.ID, err)
	}
	if !failed {
		// A newer revision took the slot while the last attempt was in
		// flight; the superseded run fails silently.
		log.Info().Msg("run superseded mid-review, failure notice suppressed")
		return nil
	}

	notice := fmt.Sprintf(
		"⚠️ I could not complete the review of this revision after %d attempts (%s). "+
			"This is a reviewer failure, not a clean review. A new push will trigger a fresh attempt.",
		run.AttemptCount, kind)
	if _, err := e.Publisher.PostOrUpdate(ctx, conv, run.CommentRef, notice); err != nil {
		log.Error().Err(err).Msg("publishing failure notice failed")
	}
	return nil
}

// replayPendingFeedback attaches feedback recorded before the PR had a
// posted run and queues it for application.
func (e *Engine) replayPendingFeedback(ctx context.Context, run *store.ReviewRun, log zerolog.Logger) error {
	pending, err := e.Feedback.PendingForPR(ctx, run.RepoRef, run.PRNumber)
	if err != nil {
		return fmt.Errorf("list pending feedback: %w", err)
	}
	for _, sig := range pending {
		if err := e.Feedback.AttachRun(ctx, sig.ID, run.ID); err != nil {
			return fmt.Errorf("attach feedback %s: %w", sig.ID, err)
		}
		if err := e.Queue.EnqueueFeedbackApply(ctx, sig.ID); err != nil {
			return fmt.Errorf("enqueue feedback %s: %w", sig.ID, err)
		}
	}
	if len(pending) > 0 {
		log.Info().Int("count", len(pending)).Msg("replayed feedback recorded before first posted run")
	}
	return nil
}

// chatContextComments bounds how much of the conversation feeds a chat turn.
const chatContextComments = 20

// ProcessChatTurn answers a conversational message using the latest posted
// review and the recent conversation as context. Chat never mutates run state.
func (e *Engine) ProcessChatTurn(ctx context.Context, turn ChatTurn) error {
	conv := publisher.ConversationRef{
		RepoRef:        turn.RepoRef,
		PRNumber:       turn.PRNumber,
		InstallationID: turn.InstallationID,
	}

	var reviewContext string
	if latest, err := e.Runs.LatestPostedForPR(ctx, turn.RepoRef, turn.PRNumber); err == nil {
		reviewContext = latest.Summary
	} else if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("lookup posted run: %w", err)
	}

	recent, err := e.Publisher.ListRecentComments(ctx, conv, chatContextComments)
	if err != nil {
		// The posted review alone is still workable context.
		e.Logger.Warn().Err(err).Str("repo", turn.RepoRef).Int("pr", turn.PRNumber).
			Msg("listing recent comments failed, answering without conversation context")
	}

	rctx, cancel := context.WithTimeout(ctx, e.Config.ReviewerTimeout)
	res, err := e.Reviewer.Review(rctx, reviewer.Request{
		Prompt:            buildChatPrompt(turn, reviewContext, recent),
		ExtraInstructions: turn.Text,
	})
	cancel()
	if err != nil {
		return fmt.Errorf("chat turn: %w", err)
	}

	if _, err := e.Publisher.PostOrUpdate(ctx, conv, "", res.ReviewText); err != nil {
		return fmt.Errorf("post chat reply: %w", err)
	}
	return nil
}

// ProcessFeedback applies one recorded feedback signal to the rule set.
func (e *Engine) ProcessFeedback(ctx context.Context, feedbackID string) error {
	sig, err := e.Feedback.GetFeedback(ctx, feedbackID)
	if errors.Is(err, store.ErrNotFound) {
		e.Logger.Warn().Str("feedback_id", feedbackID).Msg("feedback signal missing, dropping job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load feedback %s: %w", feedbackID, err)
	}
	return e.Learner.ApplyFeedback(ctx, sig)
}

func buildReviewPrompt(run *store.ReviewRun, rules []*store.RuleEntry) string {
	var b strings.Builder
	b.WriteString("You are an expert code reviewer. Review the following pull request diff ")
	b.WriteString("and write a concise review in Markdown.\n\n")
	b.WriteString("Focus on correctness, security, maintainability, and performance. ")
	b.WriteString("Skip trivia. If nothing is worth flagging, say so in one sentence.\n")
	fmt.Fprintf(&b, "\nRepository: %s\nPull request: #%d\nRevision: %s\n", run.RepoRef, run.PRNumber, run.RevisionSHA)

	if len(rules) > 0 {
		b.WriteString("\nThe maintainers have expressed these preferences; weight is how strongly they hold them:\n")
		for _, r := range rules {
			fmt.Fprintf(&b, "- (weight %d) %s\n", r.Weight, r.Text)
		}
	}
	return b.String()
}

func buildChatPrompt(turn ChatTurn, reviewContext string, recent []publisher.Comment) string {
	var b strings.Builder
	b.WriteString("You are a code review assistant in a pull request conversation. ")
	b.WriteString("Answer the user's message directly and briefly.\n")
	fmt.Fprintf(&b, "\nRepository: %s\nPull request: #%d\nUser: %s\n", turn.RepoRef, turn.PRNumber, turn.Actor)
	if reviewContext != "" {
		b.WriteString("\nYour most recent review of this PR:\n")
		b.WriteString(reviewContext)
		b.WriteString("\n")
	}
	if len(recent) > 0 {
		b.WriteString("\nRecent conversation, oldest first:\n")
		// The host returns newest first.
		for i := len(recent) - 1; i >= 0; i-- {
			body := recent[i].Body
			if len(body) > 500 {
				body = body[:500] + " [truncated]"
			}
			fmt.Fprintf(&b, "%s: %s\n", recent[i].Author, body)
		}
	}
	return b.String()
}
