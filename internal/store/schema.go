package store

import (
	"context"
	"database/sql"
	"fmt"
)

const schema = `
-- Inbound events table (dedup ledger + admission ordering)
CREATE TABLE IF NOT EXISTS inbound_events (
    seq BIGSERIAL PRIMARY KEY,
    provider_event_id TEXT NOT NULL UNIQUE,
    kind TEXT NOT NULL,
    repo_ref TEXT NOT NULL DEFAULT '',
    pr_number INTEGER NOT NULL DEFAULT 0,
    revision_sha TEXT NOT NULL DEFAULT '',
    actor TEXT NOT NULL DEFAULT '',
    installation_id BIGINT NOT NULL DEFAULT 0,
    raw_payload JSONB,
    received_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_inbound_events_received_at ON inbound_events(received_at);

-- Review runs table
CREATE TABLE IF NOT EXISTS review_runs (
    id UUID PRIMARY KEY,
    repo_ref TEXT NOT NULL,
    pr_number INTEGER NOT NULL,
    revision_sha TEXT NOT NULL,
    installation_id BIGINT NOT NULL DEFAULT 0,
    seq BIGINT NOT NULL DEFAULT 0,
    state TEXT NOT NULL DEFAULT 'pending',
    attempt_count INTEGER NOT NULL DEFAULT 0,
    last_error TEXT NOT NULL DEFAULT '',
    comment_ref TEXT NOT NULL DEFAULT '',
    summary TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    started_at TIMESTAMPTZ,
    completed_at TIMESTAMPTZ
);

-- At most one active run per pull request. Conditional state transitions
-- keep this true under normal operation; the index is the backstop.
CREATE UNIQUE INDEX IF NOT EXISTS idx_review_runs_one_active
    ON review_runs(repo_ref, pr_number)
    WHERE state IN ('pending', 'running');

CREATE INDEX IF NOT EXISTS idx_review_runs_pr ON review_runs(repo_ref, pr_number);
CREATE INDEX IF NOT EXISTS idx_review_runs_created_at ON review_runs(created_at);

-- Rule entries (reviewer guidance, explicit plus learned)
CREATE TABLE IF NOT EXISTS rule_entries (
    id UUID PRIMARY KEY,
    scope TEXT NOT NULL DEFAULT 'global',
    text TEXT NOT NULL,
    weight INTEGER NOT NULL DEFAULT 1,
    origin TEXT NOT NULL DEFAULT 'explicit_config',
    simhash NUMERIC(20) NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_rule_entries_scope ON rule_entries(scope);

-- Feedback signals. The composite unique constraint makes recording
-- the same signal twice a no-op.
CREATE TABLE IF NOT EXISTS feedback_signals (
    id UUID PRIMARY KEY,
    review_run_id TEXT NOT NULL DEFAULT '',
    repo_ref TEXT NOT NULL,
    pr_number INTEGER NOT NULL,
    kind TEXT NOT NULL,
    target_excerpt TEXT NOT NULL DEFAULT '',
    actor TEXT NOT NULL,
    applied BOOLEAN NOT NULL DEFAULT FALSE,
    received_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP,
    UNIQUE (review_run_id, repo_ref, pr_number, kind, target_excerpt, actor)
);

CREATE INDEX IF NOT EXISTS idx_feedback_signals_pr ON feedback_signals(repo_ref, pr_number);

-- App installations and the repositories they expose
CREATE TABLE IF NOT EXISTS installations (
    installation_id BIGINT PRIMARY KEY,
    account_login TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS repositories (
    full_name TEXT PRIMARY KEY,
    repo_id BIGINT NOT NULL DEFAULT 0,
    installation_id BIGINT NOT NULL,
    account_login TEXT NOT NULL DEFAULT '',
    private BOOLEAN NOT NULL DEFAULT FALSE,
    default_branch TEXT NOT NULL DEFAULT '',
    active BOOLEAN NOT NULL DEFAULT TRUE,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_repositories_installation ON repositories(installation_id);
`

// ApplySchema creates all tables and indexes if they do not exist.
// Safe to run on every startup.
func ApplySchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
