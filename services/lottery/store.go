package lottery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// RoundRecord is the persisted header of a round.
type RoundRecord struct {
	Number         uint64
	State          LotteryState
	StartedAt      time.Time
	Balance        *uint256.Int
	OpeningBalance *uint256.Int
	PendingRequest RequestToken
	RequestedAt    time.Time
	Settlement     *Settlement
}

// TicketRecord is one purchased ticket. Tickets are append-only.
type TicketRecord struct {
	Round       uint64
	Sequence    int
	Participant Participant
	Ticket      Ticket
	PurchasedAt time.Time
}

// RevealRecord marks a participant's tickets in a round as revealed.
type RevealRecord struct {
	Round       uint64
	Participant Participant
	Amount      *uint256.Int
	RevealedAt  time.Time
}

// RewardRecord is a participant's claimable balance after an operation.
type RewardRecord struct {
	Participant Participant
	Amount      *uint256.Int
}

// Batch is the set of writes produced by one engine operation. A Store must
// apply a batch atomically.
type Batch struct {
	Rounds  []RoundRecord
	Tickets []TicketRecord
	Reveals []RevealRecord
	Rewards []RewardRecord
}

// Snapshot is the full persisted state, used to restore an engine.
type Snapshot struct {
	Rounds  []RoundRecord
	Tickets []TicketRecord
	Reveals []RevealRecord
	Rewards []RewardRecord
}

// Store persists engine state.
type Store interface {
	Commit(ctx context.Context, batch Batch) error
	Load(ctx context.Context) (Snapshot, error)
}

// MemoryStore provides an in-memory implementation of Store.
type MemoryStore struct {
	mu      sync.RWMutex
	rounds  map[uint64]RoundRecord
	tickets []TicketRecord
	reveals []RevealRecord
	rewards map[Participant]*uint256.Int
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rounds:  make(map[uint64]RoundRecord),
		rewards: make(map[Participant]*uint256.Int),
	}
}

func (s *MemoryStore) Commit(ctx context.Context, batch Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range batch.Rounds {
		s.rounds[r.Number] = cloneRecord(r)
	}
	s.tickets = append(s.tickets, batch.Tickets...)
	for _, rv := range batch.Reveals {
		rv.Amount = cloneAmount(rv.Amount)
		s.reveals = append(s.reveals, rv)
	}
	for _, rw := range batch.Rewards {
		if rw.Amount == nil || rw.Amount.IsZero() {
			delete(s.rewards, rw.Participant)
			continue
		}
		s.rewards[rw.Participant] = cloneAmount(rw.Amount)
	}
	return nil
}

func (s *MemoryStore) Load(ctx context.Context) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap Snapshot
	for _, r := range s.rounds {
		snap.Rounds = append(snap.Rounds, cloneRecord(r))
	}
	sort.Slice(snap.Rounds, func(i, j int) bool { return snap.Rounds[i].Number < snap.Rounds[j].Number })
	snap.Tickets = append(snap.Tickets, s.tickets...)
	for _, rv := range s.reveals {
		rv.Amount = cloneAmount(rv.Amount)
		snap.Reveals = append(snap.Reveals, rv)
	}
	for p, v := range s.rewards {
		snap.Rewards = append(snap.Rewards, RewardRecord{Participant: p, Amount: cloneAmount(v)})
	}
	sort.Slice(snap.Rewards, func(i, j int) bool { return snap.Rewards[i].Participant < snap.Rewards[j].Participant })
	return snap, nil
}

// TicketCount returns the number of persisted tickets.
func (s *MemoryStore) TicketCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tickets)
}

func cloneRecord(r RoundRecord) RoundRecord {
	r.Balance = cloneAmount(r.Balance)
	r.OpeningBalance = cloneAmount(r.OpeningBalance)
	r.Settlement = r.Settlement.Clone()
	return r
}
