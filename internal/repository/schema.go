package repository

import (
	"context"
	"fmt"

	"awards-be/pkg/database"
)

// postgresSchema creates the ledger and outbox tables. Statements are idempotent.
var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS categories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,

	`CREATE TABLE IF NOT EXISTS nominations (
		id TEXT PRIMARY KEY,
		category_id TEXT NOT NULL REFERENCES categories(id),
		nominee_name TEXT NOT NULL,
		nominee_email TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'submitted' CHECK (state IN ('submitted', 'approved', 'rejected')),
		system_votes BIGINT NOT NULL DEFAULT 0 CHECK (system_votes >= 0),
		manual_vote_adjustment BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT nominations_displayed_total_floor CHECK (system_votes + manual_vote_adjustment >= 0)
	)`,

	`CREATE TABLE IF NOT EXISTS voters (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		company TEXT NOT NULL DEFAULT '',
		marketing_opt_in BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS votes (
		id TEXT PRIMARY KEY,
		voter_id TEXT NOT NULL REFERENCES voters(id),
		nomination_id TEXT NOT NULL REFERENCES nominations(id),
		category_id TEXT NOT NULL REFERENCES categories(id),
		client_ip TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CONSTRAINT votes_voter_category_key UNIQUE (voter_id, category_id)
	)`,

	`CREATE TABLE IF NOT EXISTS vote_adjustments (
		id TEXT PRIMARY KEY,
		nomination_id TEXT NOT NULL REFERENCES nominations(id),
		previous_value BIGINT NOT NULL,
		new_value BIGINT NOT NULL,
		actor TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS outbox_entries (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload JSONB NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'processing', 'done', 'failed')),
		attempts INT NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ NOT NULL,
		claimed_at TIMESTAMPTZ,
		claim_id TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		processed_at TIMESTAMPTZ
	)`,

	`CREATE INDEX IF NOT EXISTS idx_nominations_category ON nominations(category_id, state)`,
	`CREATE INDEX IF NOT EXISTS idx_votes_nomination ON votes(nomination_id)`,
	`CREATE INDEX IF NOT EXISTS idx_vote_adjustments_nomination ON vote_adjustments(nomination_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox_entries(status, next_attempt_at)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_aggregate ON outbox_entries(aggregate_id)`,
}

// sqliteSchema mirrors postgresSchema. Timestamps are unix microseconds so
// comparisons and ordering stay numeric.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS categories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1
	)`,

	`CREATE TABLE IF NOT EXISTS nominations (
		id TEXT PRIMARY KEY,
		category_id TEXT NOT NULL REFERENCES categories(id),
		nominee_name TEXT NOT NULL,
		nominee_email TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'submitted' CHECK (state IN ('submitted', 'approved', 'rejected')),
		system_votes INTEGER NOT NULL DEFAULT 0 CHECK (system_votes >= 0),
		manual_vote_adjustment INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		CHECK (system_votes + manual_vote_adjustment >= 0)
	)`,

	`CREATE TABLE IF NOT EXISTS voters (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		first_name TEXT NOT NULL DEFAULT '',
		last_name TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		company TEXT NOT NULL DEFAULT '',
		marketing_opt_in INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS votes (
		id TEXT PRIMARY KEY,
		voter_id TEXT NOT NULL REFERENCES voters(id),
		nomination_id TEXT NOT NULL REFERENCES nominations(id),
		category_id TEXT NOT NULL REFERENCES categories(id),
		client_ip TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		UNIQUE (voter_id, category_id)
	)`,

	`CREATE TABLE IF NOT EXISTS vote_adjustments (
		id TEXT PRIMARY KEY,
		nomination_id TEXT NOT NULL REFERENCES nominations(id),
		previous_value INTEGER NOT NULL,
		new_value INTEGER NOT NULL,
		actor TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS outbox_entries (
		id TEXT PRIMARY KEY,
		event_type TEXT NOT NULL,
		aggregate_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending', 'processing', 'done', 'failed')),
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL,
		claimed_at INTEGER,
		claim_id TEXT NOT NULL DEFAULT '',
		last_error TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		processed_at INTEGER
	)`,

	`CREATE INDEX IF NOT EXISTS idx_nominations_category ON nominations(category_id, state)`,
	`CREATE INDEX IF NOT EXISTS idx_votes_nomination ON votes(nomination_id)`,
	`CREATE INDEX IF NOT EXISTS idx_vote_adjustments_nomination ON vote_adjustments(nomination_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox_entries(status, next_attempt_at)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_aggregate ON outbox_entries(aggregate_id)`,
}

// MigratePostgres creates all tables and indexes
func MigratePostgres(ctx context.Context, db *database.PostgresDB) error {
	for _, query := range postgresSchema {
		if _, err := db.Pool.Exec(ctx, query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}

// MigrateSQLite creates all tables and indexes
func MigrateSQLite(ctx context.Context, db *database.SQLiteDB) error {
	for _, query := range sqliteSchema {
		if _, err := db.DB.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute migration: %w", err)
		}
	}
	return nil
}
