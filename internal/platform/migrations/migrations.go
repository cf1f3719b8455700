// Package migrations holds the PostgreSQL schema for the lottery store.
package migrations

import (
	"context"
	"database/sql"
	"fmt"
)

// Execer is satisfied by *sql.DB, *sql.Tx and *sqlx.DB.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Amounts are uint256 values stored as NUMERIC(78, 0), wide enough for 2^256-1.
var statements = []string{
	`CREATE TABLE IF NOT EXISTS lottery_rounds (
		number           BIGINT PRIMARY KEY,
		state            TEXT NOT NULL,
		started_at       TIMESTAMPTZ,
		balance          NUMERIC(78, 0) NOT NULL DEFAULT 0,
		opening_balance  NUMERIC(78, 0) NOT NULL DEFAULT 0,
		pending_request  TEXT NOT NULL DEFAULT '',
		requested_at     TIMESTAMPTZ,
		settlement       JSONB,
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS lottery_tickets (
		round         BIGINT NOT NULL REFERENCES lottery_rounds (number),
		sequence      INTEGER NOT NULL,
		participant   TEXT NOT NULL,
		digits        CHAR(4) NOT NULL,
		purchased_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (round, sequence)
	)`,
	`CREATE TABLE IF NOT EXISTS lottery_reveals (
		round        BIGINT NOT NULL REFERENCES lottery_rounds (number),
		participant  TEXT NOT NULL,
		amount       NUMERIC(78, 0) NOT NULL,
		revealed_at  TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (round, participant)
	)`,
	`CREATE TABLE IF NOT EXISTS lottery_rewards (
		participant  TEXT PRIMARY KEY,
		amount       NUMERIC(78, 0) NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS lottery_payouts (
		seq            BIGSERIAL PRIMARY KEY,
		id             TEXT NOT NULL UNIQUE,
		participant    TEXT NOT NULL,
		tx_type        TEXT NOT NULL,
		amount         NUMERIC(79, 0) NOT NULL,
		balance_after  NUMERIC(78, 0) NOT NULL,
		reference_id   TEXT NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS lottery_tickets_participant_idx ON lottery_tickets (participant, round)`,
	`CREATE INDEX IF NOT EXISTS lottery_tickets_prefix_idx ON lottery_tickets (round, digits)`,
	`CREATE INDEX IF NOT EXISTS lottery_payouts_participant_idx ON lottery_payouts (participant, seq)`,
}

// Apply creates the schema. Every statement is idempotent.
func Apply(ctx context.Context, db Execer) error {
	for i, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	return nil
}
