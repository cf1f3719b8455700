// Package gasbank keeps custodial balances for lottery participants.
//
// Payout Flow:
// 1. A participant claims rewards from the engine
// 2. The engine pays the claim into the participant's bank account
// 3. The participant withdraws to an external address
//
// A payout that would exceed the configured limit fails, and the engine
// restores the claim. Every transaction is appended to a Store before the
// balance changes, and Open rebuilds balances from the stored history.
package gasbank

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/lottery_engine/pkg/logger"
	"github.com/R3E-Network/lottery_engine/services/lottery"
)

const (
	// Transaction types
	TxTypePayout   = "payout"
	TxTypeWithdraw = "withdraw"
)

var (
	ErrInsufficientBalance = errors.New("gasbank: insufficient balance")
	ErrPayoutLimit         = errors.New("gasbank: payout exceeds limit")
	ErrInvalidAmount       = errors.New("gasbank: amount must be positive")
)

// Transaction is one balance change.
type Transaction struct {
	ID           string              `json:"id"`
	Participant  lottery.Participant `json:"participant"`
	TxType       string              `json:"tx_type"`
	Amount       string              `json:"amount"`
	BalanceAfter string              `json:"balance_after"`
	ReferenceID  string              `json:"reference_id,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

// Store persists bank transactions. LoadTransactions returns them in the
// order they were appended.
type Store interface {
	AppendTransaction(ctx context.Context, tx Transaction) error
	LoadTransactions(ctx context.Context) ([]Transaction, error)
}

// MemoryStore is a Store for tests and single-process runs without a
// database.
type MemoryStore struct {
	mu  sync.Mutex
	txs []Transaction
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) AppendTransaction(ctx context.Context, tx Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.txs = append(s.txs, tx)
	return nil
}

func (s *MemoryStore) LoadTransactions(ctx context.Context) ([]Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Transaction(nil), s.txs...), nil
}

// Manager handles all balance operations.
type Manager struct {
	mu       sync.RWMutex
	store    Store
	balances map[lottery.Participant]*uint256.Int
	txs      map[lottery.Participant][]Transaction

	// maxPayout caps a single payout; nil is unlimited.
	maxPayout *uint256.Int
	log       *logrus.Entry
	clock     func() time.Time
}

// NewManager creates a balance manager backed by a fresh MemoryStore. A nil
// maxPayout disables the payout limit.
func NewManager(maxPayout *uint256.Int, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.NewDefault("gasbank")
	}
	return &Manager{
		store:     NewMemoryStore(),
		balances:  make(map[lottery.Participant]*uint256.Int),
		txs:       make(map[lottery.Participant][]Transaction),
		maxPayout: maxPayout,
		log:       log.Component("gasbank"),
		clock:     time.Now,
	}
}

// Open creates a manager on store and restores balances from its history.
func Open(ctx context.Context, store Store, maxPayout *uint256.Int, log *logger.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("gasbank: store is required")
	}
	m := NewManager(maxPayout, log)
	m.store = store

	history, err := store.LoadTransactions(ctx)
	if err != nil {
		return nil, fmt.Errorf("gasbank: load transactions: %w", err)
	}
	for _, tx := range history {
		balance, err := uint256.FromDecimal(tx.BalanceAfter)
		if err != nil {
			return nil, fmt.Errorf("gasbank: transaction %s: balance %q: %w", tx.ID, tx.BalanceAfter, err)
		}
		m.balances[tx.Participant] = balance
		m.txs[tx.Participant] = append(m.txs[tx.Participant], tx)
	}

	m.log.WithFields(logrus.Fields{
		"transactions": len(history),
		"accounts":     len(m.balances),
	}).Info("payout bank restored")
	return m, nil
}

// =============================================================================
// Core Balance Operations
// =============================================================================

// Pay credits a claimed reward to participant. It implements lottery.Payer.
func (m *Manager) Pay(ctx context.Context, participant lottery.Participant, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}
	if m.maxPayout != nil && amount.Gt(m.maxPayout) {
		return fmt.Errorf("%w: %s > %s", ErrPayoutLimit, amount.Dec(), m.maxPayout.Dec())
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	balance := new(uint256.Int).Add(m.balanceLocked(participant), amount)
	if err := m.recordLocked(ctx, participant, TxTypePayout, amount.Dec(), balance, ""); err != nil {
		return err
	}

	m.log.WithFields(logrus.Fields{
		"participant": participant,
		"amount":      amount.Dec(),
		"balance":     balance.Dec(),
	}).Info("payout credited")
	return nil
}

// Withdraw removes funds from a participant's account.
func (m *Manager) Withdraw(ctx context.Context, participant lottery.Participant, amount *uint256.Int, address string) error {
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	available := m.balanceLocked(participant)
	if amount.Gt(available) {
		return fmt.Errorf("%w: available %s, requested %s", ErrInsufficientBalance, available.Dec(), amount.Dec())
	}

	balance := new(uint256.Int).Sub(available, amount)
	return m.recordLocked(ctx, participant, TxTypeWithdraw, "-"+amount.Dec(), balance, address)
}

// GetBalance returns the participant's balance.
func (m *Manager) GetBalance(participant lottery.Participant) *uint256.Int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return new(uint256.Int).Set(m.balanceLocked(participant))
}

// GetTransactions returns up to limit recent transactions, newest first.
// A non-positive limit returns all of them.
func (m *Manager) GetTransactions(participant lottery.Participant, limit int) []Transaction {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txs := m.txs[participant]
	if limit <= 0 || limit > len(txs) {
		limit = len(txs)
	}
	out := make([]Transaction, 0, limit)
	for i := len(txs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, txs[i])
	}
	return out
}

func (m *Manager) balanceLocked(p lottery.Participant) *uint256.Int {
	if b, ok := m.balances[p]; ok {
		return b
	}
	return new(uint256.Int)
}

// recordLocked persists the transaction, then applies the new balance.
func (m *Manager) recordLocked(ctx context.Context, p lottery.Participant, txType, amount string, balance *uint256.Int, ref string) error {
	tx := Transaction{
		ID:           uuid.New().String(),
		Participant:  p,
		TxType:       txType,
		Amount:       amount,
		BalanceAfter: balance.Dec(),
		ReferenceID:  ref,
		CreatedAt:    m.clock().UTC(),
	}
	if err := m.store.AppendTransaction(ctx, tx); err != nil {
		m.log.WithError(err).WithFields(logrus.Fields{
			"participant": p,
			"tx_type":     txType,
		}).Error("failed to persist bank transaction")
		return fmt.Errorf("gasbank: persist %s: %w", txType, err)
	}
	m.balances[p] = balance
	m.txs[p] = append(m.txs[p], tx)
	return nil
}
