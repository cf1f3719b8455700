package lottery

import (
	"sort"

	"github.com/holiman/uint256"
)

// Ledger holds claimable rewards per participant across all rounds.
// Mutations are staged in a LedgerTx and applied once the owning operation
// has been persisted.
type Ledger struct {
	balances map[Participant]*uint256.Int
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{balances: make(map[Participant]*uint256.Int)}
}

// Balance returns a copy of the participant's claimable amount.
func (l *Ledger) Balance(p Participant) *uint256.Int {
	if v, ok := l.balances[p]; ok {
		return new(uint256.Int).Set(v)
	}
	return new(uint256.Int)
}

// Participants returns every participant with a non-zero balance, sorted.
func (l *Ledger) Participants() []Participant {
	out := make([]Participant, 0, len(l.balances))
	for p := range l.balances {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Begin stages a set of mutations against the current balances.
func (l *Ledger) Begin() *LedgerTx {
	return &LedgerTx{base: l, changes: make(map[Participant]*uint256.Int)}
}

// Apply commits staged balances.
func (l *Ledger) Apply(tx *LedgerTx) {
	for p, v := range tx.changes {
		if v.IsZero() {
			delete(l.balances, p)
			continue
		}
		l.balances[p] = v
	}
}

func (l *Ledger) set(p Participant, v *uint256.Int) {
	if v == nil || v.IsZero() {
		delete(l.balances, p)
		return
	}
	l.balances[p] = new(uint256.Int).Set(v)
}

// LedgerTx accumulates credits and claims without touching the ledger.
type LedgerTx struct {
	base    *Ledger
	changes map[Participant]*uint256.Int
	order   []Participant
}

// Balance returns the staged balance.
func (tx *LedgerTx) Balance(p Participant) *uint256.Int {
	if v, ok := tx.changes[p]; ok {
		return new(uint256.Int).Set(v)
	}
	return tx.base.Balance(p)
}

// Credit adds amount to the participant's balance.
func (tx *LedgerTx) Credit(p Participant, amount *uint256.Int) {
	if amount == nil || amount.IsZero() {
		return
	}
	next := new(uint256.Int).Add(tx.Balance(p), amount)
	tx.stage(p, next)
}

// Claim zeroes the participant's balance and returns what it held.
func (tx *LedgerTx) Claim(p Participant) (*uint256.Int, error) {
	amount := tx.Balance(p)
	if amount.IsZero() {
		return nil, stateErr(ErrNoPendingRewards, string(p))
	}
	tx.stage(p, new(uint256.Int))
	return amount, nil
}

// Changes returns the staged balances in the order they were first touched.
func (tx *LedgerTx) Changes() []RewardRecord {
	out := make([]RewardRecord, 0, len(tx.order))
	for _, p := range tx.order {
		out = append(out, RewardRecord{Participant: p, Amount: new(uint256.Int).Set(tx.changes[p])})
	}
	return out
}

// Empty reports whether nothing was staged.
func (tx *LedgerTx) Empty() bool {
	return len(tx.changes) == 0
}

func (tx *LedgerTx) stage(p Participant, v *uint256.Int) {
	if _, ok := tx.changes[p]; !ok {
		tx.order = append(tx.order, p)
	}
	tx.changes[p] = v
}
