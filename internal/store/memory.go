package store

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/reviewloop/internal/event"
)

// Memory is a threadsafe in-memory implementation of every store interface,
// used by tests and by the engine's unit-level scenarios.
type Memory struct {
	mu sync.Mutex

	events   map[string]*event.InboundEvent
	eventSeq int64

	runs map[string]*ReviewRun

	rules  []*RuleEntry
	ruleID int64

	feedback     map[string]*FeedbackSignal
	feedbackKeys map[feedbackKey]bool

	installations map[int64]string
	repos         map[string]*Repository

	now func() time.Time
}

type feedbackKey struct {
	runID    string
	repoRef  string
	prNumber int
	kind     FeedbackKind
	excerpt  string
	actor    string
}

func NewMemory() *Memory {
	return &Memory{
		events:        make(map[string]*event.InboundEvent),
		runs:          make(map[string]*ReviewRun),
		feedback:      make(map[string]*FeedbackSignal),
		feedbackKeys:  make(map[feedbackKey]bool),
		installations: make(map[int64]string),
		repos:         make(map[string]*Repository),
		now:           time.Now,
	}
}

// --- EventStore ---

func (m *Memory) Admit(ctx context.Context, ev *event.InboundEvent) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, seen := m.events[ev.ProviderEventID]; seen {
		return false, nil
	}
	m.eventSeq++
	ev.Seq = m.eventSeq
	cp := *ev
	m.events[ev.ProviderEventID] = &cp
	return true, nil
}

func (m *Memory) ByProviderID(ctx context.Context, providerEventID string) (*event.InboundEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[providerEventID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *ev
	return &cp, nil
}

func (m *Memory) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, ev := range m.events {
		if ev.ReceivedAt.Before(cutoff) {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

// --- RunStore ---

func (m *Memory) CreateSuperseding(ctx context.Context, run *ReviewRun) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.runs {
		if existing.RepoRef != run.RepoRef || existing.PRNumber != run.PRNumber {
			continue
		}
		// A same-revision run that is active or newer makes this a duplicate
		// delivery, even if the dedup record has expired.
		if existing.RevisionSHA == run.RevisionSHA && (existing.State.Active() || existing.Seq >= run.Seq) {
			return false, nil
		}
		// A run admitted later already holds or held the slot: the older
		// revision loses regardless of processing order.
		if existing.Seq >= run.Seq {
			return false, nil
		}
	}

	// The superseded run hands its comment over so the new run edits the
	// same visible comment instead of leaving an orphaned marker behind.
	now := m.now()
	for _, existing := range m.runs {
		if existing.RepoRef == run.RepoRef && existing.PRNumber == run.PRNumber &&
			existing.State.Active() && existing.Seq < run.Seq {
			existing.State = RunUpdated
			t := now
			existing.CompletedAt = &t
			if run.CommentRef == "" {
				run.CommentRef = existing.CommentRef
			}
		}
	}

	run.State = RunPending
	run.CreatedAt = now
	cp := *run
	m.runs[run.ID] = &cp
	return true, nil
}

func (m *Memory) getRunLocked(id string) (*ReviewRun, error) {
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return run, nil
}

func (m *Memory) GetRun(ctx context.Context, id string) (*ReviewRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, err := m.getRunLocked(id)
	if err != nil {
		return nil, err
	}
	cp := *run
	return &cp, nil
}

func (m *Memory) Claim(ctx context.Context, id string) (*ReviewRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, err := m.getRunLocked(id)
	if err != nil {
		return nil, err
	}
	if run.State != RunPending {
		return nil, ErrNotClaimable
	}
	run.State = RunRunning
	run.AttemptCount++
	t := m.now()
	run.StartedAt = &t
	cp := *run
	return &cp, nil
}

func (m *Memory) MarkPosted(ctx context.Context, id, commentRef, summary string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, err := m.getRunLocked(id)
	if err != nil {
		return false, err
	}
	if run.State != RunRunning {
		return false, nil
	}
	run.State = RunPosted
	run.CommentRef = commentRef
	run.Summary = summary
	t := m.now()
	run.CompletedAt = &t
	return true, nil
}

func (m *Memory) Requeue(ctx context.Context, id, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, err := m.getRunLocked(id)
	if err != nil {
		return err
	}
	if run.State != RunRunning {
		return nil
	}
	run.State = RunPending
	run.LastError = lastError
	return nil
}

func (m *Memory) MarkFailed(ctx context.Context, id, lastError string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, err := m.getRunLocked(id)
	if err != nil {
		return false, err
	}
	if run.State != RunRunning {
		return false, nil
	}
	run.State = RunFailed
	run.LastError = lastError
	t := m.now()
	run.CompletedAt = &t
	return true, nil
}

func (m *Memory) SetCommentRef(ctx context.Context, id, commentRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, err := m.getRunLocked(id)
	if err != nil {
		return err
	}
	run.CommentRef = commentRef
	return nil
}

func (m *Memory) ActiveForPR(ctx context.Context, repoRef string, prNumber int) (*ReviewRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, run := range m.runs {
		if run.RepoRef == repoRef && run.PRNumber == prNumber && run.State.Active() {
			cp := *run
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) LatestPostedForPR(ctx context.Context, repoRef string, prNumber int) (*ReviewRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *ReviewRun
	for _, run := range m.runs {
		if run.RepoRef == repoRef && run.PRNumber == prNumber && run.State == RunPosted {
			if best == nil || run.Seq > best.Seq {
				best = run
			}
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *Memory) ListRecent(ctx context.Context, limit int) ([]*ReviewRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ReviewRun, 0, len(m.runs))
	for _, run := range m.runs {
		cp := *run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- RuleStore ---

func (m *Memory) AppendRule(ctx context.Context, entry *RuleEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ruleID++
	if entry.ID == "" {
		entry.ID = "rule-" + strconv.FormatInt(m.ruleID, 10)
	}
	if entry.Weight == 0 {
		entry.Weight = 1
	}
	if entry.Scope == "" {
		entry.Scope = ScopeGlobal
	}
	entry.CreatedAt = m.now()
	cp := *entry
	m.rules = append(m.rules, &cp)
	return nil
}

func (m *Memory) IncrementWeight(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if r.ID == id {
			r.Weight++
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) ListForRepo(ctx context.Context, repoRef string) ([]*RuleEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*RuleEntry, 0)
	for _, r := range m.rules {
		if r.Scope == ScopeGlobal || r.Scope == repoRef {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out, nil
}

// --- FeedbackStore ---

func (m *Memory) Record(ctx context.Context, sig *FeedbackSignal) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := feedbackKey{
		runID:    sig.ReviewRunID,
		repoRef:  sig.RepoRef,
		prNumber: sig.PRNumber,
		kind:     sig.Kind,
		excerpt:  sig.TargetExcerpt,
		actor:    sig.Actor,
	}
	if m.feedbackKeys[key] {
		return false, nil
	}
	m.feedbackKeys[key] = true
	if sig.ID == "" {
		sig.ID = "fb-" + strconv.FormatInt(int64(len(m.feedback)+1), 10)
	}
	if sig.ReceivedAt.IsZero() {
		sig.ReceivedAt = m.now()
	}
	cp := *sig
	m.feedback[sig.ID] = &cp
	return true, nil
}

func (m *Memory) GetFeedback(ctx context.Context, id string) (*FeedbackSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.feedback[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sig
	return &cp, nil
}

func (m *Memory) MarkApplied(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.feedback[id]
	if !ok {
		return ErrNotFound
	}
	sig.Applied = true
	return nil
}

func (m *Memory) PendingForPR(ctx context.Context, repoRef string, prNumber int) ([]*FeedbackSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*FeedbackSignal, 0)
	for _, sig := range m.feedback {
		if sig.RepoRef == repoRef && sig.PRNumber == prNumber && !sig.Applied && sig.ReviewRunID == "" {
			cp := *sig
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (m *Memory) AttachRun(ctx context.Context, id, reviewRunID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sig, ok := m.feedback[id]
	if !ok {
		return ErrNotFound
	}
	sig.ReviewRunID = reviewRunID
	return nil
}

// --- RepoStore ---

func (m *Memory) UpsertInstallation(ctx context.Context, installationID int64, accountLogin string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.installations[installationID] = accountLogin
	return nil
}

func (m *Memory) UpsertRepo(ctx context.Context, repo *Repository) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *repo
	cp.Active = true
	m.repos[repo.FullName] = &cp
	return nil
}

func (m *Memory) DeactivateRepo(ctx context.Context, fullName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if repo, ok := m.repos[fullName]; ok {
		repo.Active = false
	}
	return nil
}

func (m *Memory) GetRepo(ctx context.Context, fullName string) (*Repository, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	repo, ok := m.repos[fullName]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *repo
	return &cp, nil
}


// Interface conformance.
var (
	_ EventStore    = (*Memory)(nil)
	_ RunStore      = (*Memory)(nil)
	_ RuleStore     = (*Memory)(nil)
	_ FeedbackStore = (*Memory)(nil)
	_ RepoStore     = (*Memory)(nil)
)
