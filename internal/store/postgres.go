package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/reviewloop/internal/event"
)

// Postgres implements every store interface on a shared *sql.DB. All run
// transitions are single conditional UPDATEs, so concurrent workers on
// separate processes stay correct without advisory locks.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres { return &Postgres{db: db} }

// --- EventStore ---

func (s *Postgres) Admit(ctx context.Context, ev *event.InboundEvent) (bool, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `
        INSERT INTO inbound_events (provider_event_id, kind, repo_ref, pr_number, revision_sha, actor, installation_id, raw_payload, received_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
        ON CONFLICT (provider_event_id) DO NOTHING
        RETURNING seq
    `,
		ev.ProviderEventID, string(ev.Kind), ev.RepoRef, ev.PRNumber, ev.RevisionSHA,
		ev.Actor, ev.InstallationID, nullIfEmptyBytes(ev.RawPayload), ev.ReceivedAt,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("admit event: %w", err)
	}
	ev.Seq = seq
	return true, nil
}

func (s *Postgres) ByProviderID(ctx context.Context, providerEventID string) (*event.InboundEvent, error) {
	var (
		ev   event.InboundEvent
		kind string
		raw  sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
        SELECT seq, provider_event_id, kind, repo_ref, pr_number, revision_sha, actor, installation_id, raw_payload, received_at
        FROM inbound_events WHERE provider_event_id = $1
    `, providerEventID).Scan(
		&ev.Seq, &ev.ProviderEventID, &kind, &ev.RepoRef, &ev.PRNumber,
		&ev.RevisionSHA, &ev.Actor, &ev.InstallationID, &raw, &ev.ReceivedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	ev.Kind = event.Kind(kind)
	if raw.Valid {
		ev.RawPayload = []byte(raw.String)
	}
	return &ev, nil
}

func (s *Postgres) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM inbound_events WHERE received_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// --- RunStore ---

const runColumns = `id, repo_ref, pr_number, revision_sha, installation_id, seq, state,
        attempt_count, last_error, comment_ref, summary, created_at, started_at, completed_at`

// CreateSuperseding retries on unique violations from the one-active-run
// index. Under READ COMMITTED, two racing transactions can both pass the
// guard before either commits; the index rejects the loser at insert, and a
// rerun then sees the committed winner and resolves against it.
func (s *Postgres) CreateSuperseding(ctx context.Context, run *ReviewRun) (bool, error) {
	return retryOnUniqueViolation(func() (bool, error) {
		return s.createSupersedingTx(ctx, run)
	})
}

func retryOnUniqueViolation(fn func() (bool, error)) (bool, error) {
	for attempt := 0; ; attempt++ {
		created, err := fn()
		if err != nil && isUniqueViolation(err) && attempt < 3 {
			continue
		}
		return created, err
	}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (s *Postgres) createSupersedingTx(ctx context.Context, run *ReviewRun) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	// A same-revision run that is active or newer makes this a duplicate
	// delivery. Any run with a newer admission sequence wins the slot
	// regardless of processing order.
	var blocked bool
	err = tx.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM review_runs
            WHERE repo_ref = $1 AND pr_number = $2
              AND (seq >= $4 OR (revision_sha = $3 AND state IN ('pending','running')))
        )
    `, run.RepoRef, run.PRNumber, run.RevisionSHA, run.Seq).Scan(&blocked)
	if err != nil {
		return false, fmt.Errorf("supersession guard: %w", err)
	}
	if blocked {
		return false, nil
	}

	// The superseded run hands its comment over so the new run edits the
	// same visible comment instead of leaving an orphaned marker behind.
	now := time.Now()
	var inherited string
	err = tx.QueryRowContext(ctx, `
        UPDATE review_runs
        SET state = 'updated', completed_at = $3
        WHERE repo_ref = $1 AND pr_number = $2 AND state IN ('pending','running') AND seq < $4
        RETURNING comment_ref
    `, run.RepoRef, run.PRNumber, now, run.Seq).Scan(&inherited)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("supersede active runs: %w", err)
	}

	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	run.State = RunPending
	run.CreatedAt = now
	if run.CommentRef == "" {
		run.CommentRef = inherited
	}
	_, err = tx.ExecContext(ctx, `
        INSERT INTO review_runs (id, repo_ref, pr_number, revision_sha, installation_id, seq, state, comment_ref, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,'pending',$7,$8)
    `, run.ID, run.RepoRef, run.PRNumber, run.RevisionSHA, run.InstallationID, run.Seq, run.CommentRef, now)
	if err != nil {
		return false, fmt.Errorf("insert run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Postgres) GetRun(ctx context.Context, id string) (*ReviewRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM review_runs WHERE id = $1`, id)
	return scanRun(row)
}

func (s *Postgres) Claim(ctx context.Context, id string) (*ReviewRun, error) {
	row := s.db.QueryRowContext(ctx, `
        UPDATE review_runs
        SET state = 'running', attempt_count = attempt_count + 1, started_at = NOW()
        WHERE id = $1 AND state = 'pending'
        RETURNING `+runColumns, id)
	run, err := scanRun(row)
	if errors.Is(err, ErrNotFound) {
		// Distinguish a missing run from one that moved on.
		if _, getErr := s.GetRun(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNotClaimable
	}
	return run, err
}

func (s *Postgres) MarkPosted(ctx context.Context, id, commentRef, summary string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE review_runs
        SET state = 'posted', comment_ref = $2, summary = $3, last_error = '', completed_at = NOW()
        WHERE id = $1 AND state = 'running'
    `, id, commentRef, summary)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Postgres) Requeue(ctx context.Context, id, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE review_runs SET state = 'pending', last_error = $2
        WHERE id = $1 AND state = 'running'
    `, id, lastError)
	return err
}

func (s *Postgres) MarkFailed(ctx context.Context, id, lastError string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE review_runs SET state = 'failed', last_error = $2, completed_at = NOW()
        WHERE id = $1 AND state = 'running'
    `, id, lastError)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Postgres) SetCommentRef(ctx context.Context, id, commentRef string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE review_runs SET comment_ref = $2 WHERE id = $1`, id, commentRef)
	return err
}

func (s *Postgres) ActiveForPR(ctx context.Context, repoRef string, prNumber int) (*ReviewRun, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT `+runColumns+` FROM review_runs
        WHERE repo_ref = $1 AND pr_number = $2 AND state IN ('pending','running')
        ORDER BY seq DESC LIMIT 1
    `, repoRef, prNumber)
	return scanRun(row)
}

func (s *Postgres) LatestPostedForPR(ctx context.Context, repoRef string, prNumber int) (*ReviewRun, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT `+runColumns+` FROM review_runs
        WHERE repo_ref = $1 AND pr_number = $2 AND state = 'posted'
        ORDER BY seq DESC LIMIT 1
    `, repoRef, prNumber)
	return scanRun(row)
}

func (s *Postgres) ListRecent(ctx context.Context, limit int) ([]*ReviewRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+runColumns+` FROM review_runs ORDER BY created_at DESC LIMIT $1
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*ReviewRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*ReviewRun, error) {
	var (
		run       ReviewRun
		state     string
		started   sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(
		&run.ID, &run.RepoRef, &run.PRNumber, &run.RevisionSHA, &run.InstallationID,
		&run.Seq, &state, &run.AttemptCount, &run.LastError, &run.CommentRef,
		&run.Summary, &run.CreatedAt, &started, &completed,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	run.State = RunState(state)
	if started.Valid {
		t := started.Time
		run.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

// --- RuleStore ---

func (s *Postgres) AppendRule(ctx context.Context, entry *RuleEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Weight == 0 {
		entry.Weight = 1
	}
	if entry.Scope == "" {
		entry.Scope = ScopeGlobal
	}
	err := s.db.QueryRowContext(ctx, `
        INSERT INTO rule_entries (id, scope, text, weight, origin, simhash)
        VALUES ($1,$2,$3,$4,$5,$6)
        RETURNING created_at
    `, entry.ID, entry.Scope, entry.Text, entry.Weight, string(entry.Origin),
		strconv.FormatUint(entry.Simhash, 10),
	).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("append rule: %w", err)
	}
	return nil
}

func (s *Postgres) IncrementWeight(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE rule_entries SET weight = weight + 1 WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) ListForRepo(ctx context.Context, repoRef string) ([]*RuleEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, scope, text, weight, origin, simhash, created_at
        FROM rule_entries
        WHERE scope = $1 OR scope = $2
        ORDER BY created_at ASC, id ASC
    `, ScopeGlobal, repoRef)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*RuleEntry
	for rows.Next() {
		var (
			entry   RuleEntry
			origin  string
			simhash string
		)
		if err := rows.Scan(&entry.ID, &entry.Scope, &entry.Text, &entry.Weight, &origin, &simhash, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Origin = RuleOrigin(origin)
		entry.Simhash, err = strconv.ParseUint(simhash, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("rule %s: bad simhash: %w", entry.ID, err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// --- FeedbackStore ---

func (s *Postgres) Record(ctx context.Context, sig *FeedbackSignal) (bool, error) {
	if sig.ID == "" {
		sig.ID = uuid.NewString()
	}
	res, err := s.db.ExecContext(ctx, `
        INSERT INTO feedback_signals (id, review_run_id, repo_ref, pr_number, kind, target_excerpt, actor, received_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
        ON CONFLICT (review_run_id, repo_ref, pr_number, kind, target_excerpt, actor) DO NOTHING
    `, sig.ID, sig.ReviewRunID, sig.RepoRef, sig.PRNumber, string(sig.Kind),
		sig.TargetExcerpt, sig.Actor, sig.ReceivedAt)
	if err != nil {
		return false, fmt.Errorf("record feedback: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Postgres) GetFeedback(ctx context.Context, id string) (*FeedbackSignal, error) {
	row := s.db.QueryRowContext(ctx, `
        SELECT id, review_run_id, repo_ref, pr_number, kind, target_excerpt, actor, applied, received_at
        FROM feedback_signals WHERE id = $1
    `, id)
	return scanFeedback(row)
}

func (s *Postgres) MarkApplied(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE feedback_signals SET applied = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Postgres) PendingForPR(ctx context.Context, repoRef string, prNumber int) ([]*FeedbackSignal, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, review_run_id, repo_ref, pr_number, kind, target_excerpt, actor, applied, received_at
        FROM feedback_signals
        WHERE repo_ref = $1 AND pr_number = $2 AND review_run_id = '' AND applied = FALSE
        ORDER BY received_at ASC
    `, repoRef, prNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sigs []*FeedbackSignal
	for rows.Next() {
		sig, err := scanFeedback(rows)
		if err != nil {
			return nil, err
		}
		sigs = append(sigs, sig)
	}
	return sigs, rows.Err()
}

func (s *Postgres) AttachRun(ctx context.Context, id, reviewRunID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE feedback_signals SET review_run_id = $2 WHERE id = $1`, id, reviewRunID)
	return err
}

func scanFeedback(row rowScanner) (*FeedbackSignal, error) {
	var (
		sig  FeedbackSignal
		kind string
	)
	err := row.Scan(&sig.ID, &sig.ReviewRunID, &sig.RepoRef, &sig.PRNumber, &kind,
		&sig.TargetExcerpt, &sig.Actor, &sig.Applied, &sig.ReceivedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sig.Kind = FeedbackKind(kind)
	return &sig, nil
}

// --- RepoStore ---

func (s *Postgres) UpsertInstallation(ctx context.Context, installationID int64, accountLogin string) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO installations (installation_id, account_login)
        VALUES ($1,$2)
        ON CONFLICT (installation_id) DO UPDATE SET account_login = EXCLUDED.account_login
    `, installationID, accountLogin)
	return err
}

func (s *Postgres) UpsertRepo(ctx context.Context, repo *Repository) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO repositories (full_name, repo_id, installation_id, account_login, private, default_branch, active, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,TRUE,NOW())
        ON CONFLICT (full_name) DO UPDATE SET
            repo_id = EXCLUDED.repo_id,
            installation_id = EXCLUDED.installation_id,
            account_login = EXCLUDED.account_login,
            private = EXCLUDED.private,
            default_branch = EXCLUDED.default_branch,
            active = TRUE,
            updated_at = NOW()
    `, repo.FullName, repo.RepoID, repo.InstallationID, repo.AccountLogin, repo.Private, repo.DefaultBranch)
	return err
}

func (s *Postgres) DeactivateRepo(ctx context.Context, fullName string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE repositories SET active = FALSE, updated_at = NOW() WHERE full_name = $1
    `, fullName)
	return err
}

func (s *Postgres) GetRepo(ctx context.Context, fullName string) (*Repository, error) {
	var repo Repository
	err := s.db.QueryRowContext(ctx, `
        SELECT full_name, repo_id, installation_id, account_login, private, default_branch, active
        FROM repositories WHERE full_name = $1
    `, fullName).Scan(&repo.FullName, &repo.RepoID, &repo.InstallationID,
		&repo.AccountLogin, &repo.Private, &repo.DefaultBranch, &repo.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

func nullIfEmptyBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

// Interface conformance.
var (
	_ EventStore    = (*Postgres)(nil)
	_ RunStore      = (*Postgres)(nil)
	_ RuleStore     = (*Postgres)(nil)
	_ FeedbackStore = (*Postgres)(nil)
	_ RepoStore     = (*Postgres)(nil)
)
