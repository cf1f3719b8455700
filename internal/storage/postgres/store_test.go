package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/holiman/uint256"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/lottery_engine/services/lottery"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestCommit_WritesBatchInTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	started := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO lottery_rounds").
		WithArgs(uint64(1), "open", sqlmock.AnyArg(), "300", "0", "", sqlmock.AnyArg(), nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO lottery_tickets").
		WithArgs(uint64(1), 0, "alice", "1234", started).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO lottery_rewards").
		WithArgs("bob", "25", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM lottery_rewards").
		WithArgs("carol").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.Commit(context.Background(), lottery.Batch{
		Rounds: []lottery.RoundRecord{{
			Number:    1,
			State:     lottery.StateOpen,
			StartedAt: started,
			Balance:   uint256.NewInt(300),
		}},
		Tickets: []lottery.TicketRecord{{
			Round: 1, Sequence: 0, Participant: "alice",
			Ticket: lottery.Ticket{1, 2, 3, 4}, PurchasedAt: started,
		}},
		Rewards: []lottery.RewardRecord{
			{Participant: "bob", Amount: uint256.NewInt(25)},
			{Participant: "carol", Amount: new(uint256.Int)},
		},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCommit_RollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO lottery_reveals").WillReturnError(errors.New("duplicate key"))
	mock.ExpectRollback()

	err := store.Commit(context.Background(), lottery.Batch{
		Reveals: []lottery.RevealRecord{{Round: 1, Participant: "alice", Amount: uint256.NewInt(5), RevealedAt: time.Now()}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate key")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLoad_RestoresSnapshot(t *testing.T) {
	store, mock := newMockStore(t)
	started := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	settlement := lottery.Settlement{
		Token:          "req-1",
		WinningTicket:  lottery.Ticket{1, 2, 3, 4},
		Balance:        uint256.NewInt(300),
		TopPrize:       uint256.NewInt(195),
		CarriedForward: uint256.NewInt(15),
		Winner:         "alice",
		Winners:        []lottery.Participant{"alice"},
		ResolvedAt:     started.Add(time.Minute),
	}
	settlement.TierPools = [lottery.TicketSize]uint64{2, 1, 1, 1}
	raw, err := json.Marshal(settlement)
	require.NoError(t, err)

	mock.ExpectQuery("FROM lottery_rounds").WillReturnRows(
		sqlmock.NewRows([]string{"number", "state", "started_at", "balance", "opening_balance", "pending_request", "requested_at", "settlement"}).
			AddRow(1, "settling", started, "300", "0", "", started.Add(time.Minute), raw).
			AddRow(2, "open", nil, "15", "15", "", nil, nil))
	mock.ExpectQuery("FROM lottery_tickets").WillReturnRows(
		sqlmock.NewRows([]string{"round", "sequence", "participant", "digits", "purchased_at"}).
			AddRow(1, 0, "alice", "1234", started).
			AddRow(1, 1, "bob", "1299", started))
	mock.ExpectQuery("FROM lottery_reveals").WillReturnRows(
		sqlmock.NewRows([]string{"round", "participant", "amount", "revealed_at"}).
			AddRow(1, "bob", "30", started.Add(2*time.Minute)))
	mock.ExpectQuery("FROM lottery_rewards").WillReturnRows(
		sqlmock.NewRows([]string{"participant", "amount"}).
			AddRow("alice", "195").
			AddRow("bob", "30"))

	snap, err := store.Load(context.Background())
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())

	require.Len(t, snap.Rounds, 2)
	assert.Equal(t, lottery.StateSettling, snap.Rounds[0].State)
	require.NotNil(t, snap.Rounds[0].Settlement)
	assert.Equal(t, lottery.Participant("alice"), snap.Rounds[0].Settlement.Winner)
	assert.Equal(t, "195", snap.Rounds[0].Settlement.TopPrize.Dec())
	assert.True(t, snap.Rounds[1].StartedAt.IsZero())
	assert.Equal(t, "15", snap.Rounds[1].OpeningBalance.Dec())

	require.Len(t, snap.Tickets, 2)
	assert.Equal(t, lottery.Ticket{1, 2, 9, 9}, snap.Tickets[1].Ticket)
	require.Len(t, snap.Reveals, 1)
	assert.Equal(t, "30", snap.Reveals[0].Amount.Dec())
	require.Len(t, snap.Rewards, 2)
	assert.Equal(t, "195", snap.Rewards[0].Amount.Dec())
}

func TestLoad_RejectsCorruptTicket(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("FROM lottery_rounds").WillReturnRows(
		sqlmock.NewRows([]string{"number", "state", "started_at", "balance", "opening_balance", "pending_request", "requested_at", "settlement"}))
	mock.ExpectQuery("FROM lottery_tickets").WillReturnRows(
		sqlmock.NewRows([]string{"round", "sequence", "participant", "digits", "purchased_at"}).
			AddRow(1, 0, "alice", "12a4", time.Now()))

	_, err := store.Load(context.Background())
	assert.Error(t, err)
}

func TestStoreIntegration(t *testing.T) {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set; skipping postgres integration test")
	}

	ctx := context.Background()
	store, err := Open(ctx, dsn)
	require.NoError(t, err)
	defer store.Close()

	if _, err := store.db.ExecContext(ctx, `TRUNCATE lottery_tickets, lottery_reveals, lottery_rewards, lottery_rounds, lottery_payouts`); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	engine, err := lottery.New(ctx, lottery.DefaultConfig(), lottery.Dependencies{
		Store:  store,
		Oracle: lottery.NewMockOracle(),
		Fees:   lottery.StaticFee(100),
	})
	require.NoError(t, err)
	_, err = engine.BuyTickets(ctx, "alice", uint256.NewInt(300), 3)
	require.NoError(t, err)

	restored, err := lottery.New(ctx, lottery.DefaultConfig(), lottery.Dependencies{
		Store:  store,
		Oracle: lottery.NewMockOracle(),
		Fees:   lottery.StaticFee(100),
	})
	require.NoError(t, err)
	assert.Equal(t, "300", restored.Balance().Dec())
	assert.Len(t, restored.Tickets("alice"), 3)
}
