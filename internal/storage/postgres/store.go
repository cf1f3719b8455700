// Package postgres implements lottery.Store on PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/jmoiron/sqlx"

	"github.com/R3E-Network/lottery_engine/internal/platform/migrations"
	"github.com/R3E-Network/lottery_engine/services/lottery"
)

// Store implements lottery.Store backed by PostgreSQL. Each batch is written
// in a single transaction.
type Store struct {
	db *sqlx.DB
}

var _ lottery.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// Open connects to dsn and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrations.Apply(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

type roundRow struct {
	Number         uint64       `db:"number"`
	State          string       `db:"state"`
	StartedAt      sql.NullTime `db:"started_at"`
	Balance        string       `db:"balance"`
	OpeningBalance string       `db:"opening_balance"`
	PendingRequest string       `db:"pending_request"`
	RequestedAt    sql.NullTime `db:"requested_at"`
	Settlement     []byte       `db:"settlement"`
}

type ticketRow struct {
	Round       uint64    `db:"round"`
	Sequence    int       `db:"sequence"`
	Participant string    `db:"participant"`
	Digits      string    `db:"digits"`
	PurchasedAt time.Time `db:"purchased_at"`
}

type revealRow struct {
	Round       uint64    `db:"round"`
	Participant string    `db:"participant"`
	Amount      string    `db:"amount"`
	RevealedAt  time.Time `db:"revealed_at"`
}

type rewardRow struct {
	Participant string `db:"participant"`
	Amount      string `db:"amount"`
}

// --- Commit -----------------------------------------------------------------

func (s *Store) Commit(ctx context.Context, batch lottery.Batch) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	for _, r := range batch.Rounds {
		row, err := toRoundRow(r)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lottery_rounds (number, state, started_at, balance, opening_balance,
				pending_request, requested_at, settlement, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (number) DO UPDATE SET
				state = EXCLUDED.state,
				started_at = EXCLUDED.started_at,
				balance = EXCLUDED.balance,
				opening_balance = EXCLUDED.opening_balance,
				pending_request = EXCLUDED.pending_request,
				requested_at = EXCLUDED.requested_at,
				settlement = EXCLUDED.settlement,
				updated_at = EXCLUDED.updated_at
		`, row.Number, row.State, row.StartedAt, row.Balance, row.OpeningBalance,
			row.PendingRequest, row.RequestedAt, row.Settlement, now); err != nil {
			return fmt.Errorf("upsert round %d: %w", r.Number, err)
		}
	}

	for _, t := range batch.Tickets {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lottery_tickets (round, sequence, participant, digits, purchased_at)
			VALUES ($1, $2, $3, $4, $5)
		`, t.Round, t.Sequence, string(t.Participant), t.Ticket.String(), t.PurchasedAt.UTC()); err != nil {
			return fmt.Errorf("insert ticket %d/%d: %w", t.Round, t.Sequence, err)
		}
	}

	for _, rv := range batch.Reveals {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lottery_reveals (round, participant, amount, revealed_at)
			VALUES ($1, $2, $3, $4)
		`, rv.Round, string(rv.Participant), amountString(rv.Amount), rv.RevealedAt.UTC()); err != nil {
			return fmt.Errorf("insert reveal %d/%s: %w", rv.Round, rv.Participant, err)
		}
	}

	for _, rw := range batch.Rewards {
		if rw.Amount == nil || rw.Amount.IsZero() {
			if _, err := tx.ExecContext(ctx, `DELETE FROM lottery_rewards WHERE participant = $1`,
				string(rw.Participant)); err != nil {
				return fmt.Errorf("clear reward %s: %w", rw.Participant, err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO lottery_rewards (participant, amount, updated_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (participant) DO UPDATE SET amount = EXCLUDED.amount, updated_at = EXCLUDED.updated_at
		`, string(rw.Participant), rw.Amount.Dec(), now); err != nil {
			return fmt.Errorf("upsert reward %s: %w", rw.Participant, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// --- Load -------------------------------------------------------------------

func (s *Store) Load(ctx context.Context) (lottery.Snapshot, error) {
	var snap lottery.Snapshot

	var rounds []roundRow
	if err := s.db.SelectContext(ctx, &rounds, `
		SELECT number, state, started_at, balance::TEXT AS balance, opening_balance::TEXT AS opening_balance,
			pending_request, requested_at, settlement
		FROM lottery_rounds
		ORDER BY number
	`); err != nil {
		return snap, fmt.Errorf("load rounds: %w", err)
	}
	for _, row := range rounds {
		rec, err := row.record()
		if err != nil {
			return snap, err
		}
		snap.Rounds = append(snap.Rounds, rec)
	}

	var tickets []ticketRow
	if err := s.db.SelectContext(ctx, &tickets, `
		SELECT round, sequence, participant, digits, purchased_at
		FROM lottery_tickets
		ORDER BY round, sequence
	`); err != nil {
		return snap, fmt.Errorf("load tickets: %w", err)
	}
	for _, row := range tickets {
		t, err := lottery.ParseTicket(row.Digits)
		if err != nil {
			return snap, fmt.Errorf("ticket %d/%d: %w", row.Round, row.Sequence, err)
		}
		snap.Tickets = append(snap.Tickets, lottery.TicketRecord{
			Round:       row.Round,
			Sequence:    row.Sequence,
			Participant: lottery.Participant(row.Participant),
			Ticket:      t,
			PurchasedAt: row.PurchasedAt.UTC(),
		})
	}

	var reveals []revealRow
	if err := s.db.SelectContext(ctx, &reveals, `
		SELECT round, participant, amount::TEXT AS amount, revealed_at
		FROM lottery_reveals
		ORDER BY round, revealed_at, participant
	`); err != nil {
		return snap, fmt.Errorf("load reveals: %w", err)
	}
	for _, row := range reveals {
		amount, err := lottery.ParseAmount(row.Amount)
		if err != nil {
			return snap, fmt.Errorf("reveal %d/%s: %w", row.Round, row.Participant, err)
		}
		snap.Reveals = append(snap.Reveals, lottery.RevealRecord{
			Round:       row.Round,
			Participant: lottery.Participant(row.Participant),
			Amount:      amount,
			RevealedAt:  row.RevealedAt.UTC(),
		})
	}

	var rewards []rewardRow
	if err := s.db.SelectContext(ctx, &rewards, `
		SELECT participant, amount::TEXT AS amount
		FROM lottery_rewards
		ORDER BY participant
	`); err != nil {
		return snap, fmt.Errorf("load rewards: %w", err)
	}
	for _, row := range rewards {
		amount, err := lottery.ParseAmount(row.Amount)
		if err != nil {
			return snap, fmt.Errorf("reward %s: %w", row.Participant, err)
		}
		snap.Rewards = append(snap.Rewards, lottery.RewardRecord{
			Participant: lottery.Participant(row.Participant),
			Amount:      amount,
		})
	}

	return snap, nil
}

// --- Helpers ----------------------------------------------------------------

func toRoundRow(r lottery.RoundRecord) (roundRow, error) {
	row := roundRow{
		Number:         r.Number,
		State:          r.State.String(),
		StartedAt:      nullTime(r.StartedAt),
		Balance:        amountString(r.Balance),
		OpeningBalance: amountString(r.OpeningBalance),
		PendingRequest: string(r.PendingRequest),
		RequestedAt:    nullTime(r.RequestedAt),
	}
	if r.Settlement != nil {
		raw, err := json.Marshal(r.Settlement)
		if err != nil {
			return roundRow{}, fmt.Errorf("encode settlement %d: %w", r.Number, err)
		}
		row.Settlement = raw
	}
	return row, nil
}

func (row roundRow) record() (lottery.RoundRecord, error) {
	state, err := lottery.ParseLotteryState(row.State)
	if err != nil {
		return lottery.RoundRecord{}, fmt.Errorf("round %d: %w", row.Number, err)
	}
	balance, err := lottery.ParseAmount(row.Balance)
	if err != nil {
		return lottery.RoundRecord{}, fmt.Errorf("round %d balance: %w", row.Number, err)
	}
	opening, err := lottery.ParseAmount(row.OpeningBalance)
	if err != nil {
		return lottery.RoundRecord{}, fmt.Errorf("round %d opening balance: %w", row.Number, err)
	}

	rec := lottery.RoundRecord{
		Number:         row.Number,
		State:          state,
		Balance:        balance,
		OpeningBalance: opening,
		PendingRequest: lottery.RequestToken(row.PendingRequest),
	}
	if row.StartedAt.Valid {
		rec.StartedAt = row.StartedAt.Time.UTC()
	}
	if row.RequestedAt.Valid {
		rec.RequestedAt = row.RequestedAt.Time.UTC()
	}
	if len(row.Settlement) > 0 {
		var st lottery.Settlement
		if err := json.Unmarshal(row.Settlement, &st); err != nil {
			return lottery.RoundRecord{}, fmt.Errorf("round %d settlement: %w", row.Number, err)
		}
		rec.Settlement = &st
	}
	return rec, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}
