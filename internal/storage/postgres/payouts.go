package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/R3E-Network/lottery_engine/internal/gasbank"
	"github.com/R3E-Network/lottery_engine/services/lottery"
)

var _ gasbank.Store = (*Store)(nil)

type payoutRow struct {
	ID           string    `db:"id"`
	Participant  string    `db:"participant"`
	TxType       string    `db:"tx_type"`
	Amount       string    `db:"amount"`
	BalanceAfter string    `db:"balance_after"`
	ReferenceID  string    `db:"reference_id"`
	CreatedAt    time.Time `db:"created_at"`
}

// AppendTransaction journals one payout bank transaction.
func (s *Store) AppendTransaction(ctx context.Context, tx gasbank.Transaction) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lottery_payouts (id, participant, tx_type, amount, balance_after, reference_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, tx.ID, string(tx.Participant), tx.TxType, tx.Amount, tx.BalanceAfter, tx.ReferenceID, tx.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert payout %s: %w", tx.ID, err)
	}
	return nil
}

// LoadTransactions returns the journal in insertion order.
func (s *Store) LoadTransactions(ctx context.Context) ([]gasbank.Transaction, error) {
	var rows []payoutRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, participant, tx_type, amount::TEXT AS amount, balance_after::TEXT AS balance_after,
			reference_id, created_at
		FROM lottery_payouts
		ORDER BY seq
	`); err != nil {
		return nil, fmt.Errorf("load payouts: %w", err)
	}

	out := make([]gasbank.Transaction, 0, len(rows))
	for _, row := range rows {
		out = append(out, gasbank.Transaction{
			ID:           row.ID,
			Participant:  lottery.Participant(row.Participant),
			TxType:       row.TxType,
			Amount:       row.Amount,
			BalanceAfter: row.BalanceAfter,
			ReferenceID:  row.ReferenceID,
			CreatedAt:    row.CreatedAt.UTC(),
		})
	}
	return out, nil
}
