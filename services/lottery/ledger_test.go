package lottery

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func TestLedgerTx_StagesUntilApplied(t *testing.T) {
	l := NewLedger()

	tx := l.Begin()
	tx.Credit("bob", uint256.NewInt(30))
	tx.Credit("alice", uint256.NewInt(10))
	tx.Credit("bob", uint256.NewInt(5))
	tx.Credit("carol", nil)

	if !l.Balance("bob").IsZero() {
		t.Fatal("credit visible before Apply")
	}
	if !tx.Balance("bob").Eq(uint256.NewInt(35)) {
		t.Errorf("staged bob = %s", tx.Balance("bob"))
	}

	changes := tx.Changes()
	if len(changes) != 2 || changes[0].Participant != "bob" || changes[1].Participant != "alice" {
		t.Errorf("changes = %+v", changes)
	}

	l.Apply(tx)
	if !l.Balance("bob").Eq(uint256.NewInt(35)) || !l.Balance("alice").Eq(uint256.NewInt(10)) {
		t.Errorf("applied balances = %s/%s", l.Balance("bob"), l.Balance("alice"))
	}
	if ps := l.Participants(); len(ps) != 2 || ps[0] != "alice" {
		t.Errorf("participants = %v", ps)
	}
}

func TestLedgerTx_Claim(t *testing.T) {
	l := NewLedger()
	if _, err := l.Begin().Claim("alice"); !errors.Is(err, ErrNoPendingRewards) {
		t.Fatalf("claim on empty ledger: %v", err)
	}

	tx := l.Begin()
	tx.Credit("alice", uint256.NewInt(99))
	l.Apply(tx)

	claim := l.Begin()
	amount, err := claim.Claim("alice")
	if err != nil || !amount.Eq(uint256.NewInt(99)) {
		t.Fatalf("claim = %v, %v", amount, err)
	}
	if _, err := claim.Claim("alice"); !errors.Is(err, ErrNoPendingRewards) {
		t.Errorf("double claim in one tx: %v", err)
	}
	if changes := claim.Changes(); len(changes) != 1 || !changes[0].Amount.IsZero() {
		t.Errorf("claim changes = %+v", changes)
	}

	l.Apply(claim)
	if !l.Balance("alice").IsZero() || len(l.Participants()) != 0 {
		t.Error("claimed balance not removed")
	}
}

func TestLedger_BalanceIsACopy(t *testing.T) {
	l := NewLedger()
	tx := l.Begin()
	tx.Credit("alice", uint256.NewInt(7))
	l.Apply(tx)

	b := l.Balance("alice")
	b.SetUint64(1000)
	if !l.Balance("alice").Eq(uint256.NewInt(7)) {
		t.Error("caller mutated the ledger")
	}
}
