package lottery

import (
	"context"
	"testing"

	"github.com/holiman/uint256"
)

func TestMemoryStore_CommitAndLoad(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	r := NewRound(1, uint256.NewInt(5))
	err := s.Commit(ctx, Batch{
		Rounds:  []RoundRecord{r.Record()},
		Tickets: []TicketRecord{{Round: 1, Sequence: 0, Participant: "alice", Ticket: Ticket{1, 1, 1, 1}}},
		Rewards: []RewardRecord{{Participant: "bob", Amount: uint256.NewInt(3)}},
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := s.Commit(ctx, Batch{Rewards: []RewardRecord{{Participant: "bob", Amount: new(uint256.Int)}}}); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	snap, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Rounds) != 1 || !snap.Rounds[0].OpeningBalance.Eq(uint256.NewInt(5)) {
		t.Errorf("rounds = %+v", snap.Rounds)
	}
	if len(snap.Tickets) != 1 || s.TicketCount() != 1 {
		t.Errorf("tickets = %+v", snap.Tickets)
	}
	if len(snap.Rewards) != 0 {
		t.Errorf("zeroed reward still stored: %+v", snap.Rewards)
	}

	snap.Rounds[0].Balance.SetUint64(999)
	again, _ := s.Load(ctx)
	if !again.Rounds[0].Balance.Eq(uint256.NewInt(5)) {
		t.Error("snapshot aliases store state")
	}
}

func TestRestoreRounds_RejectsInconsistentSnapshots(t *testing.T) {
	open := func(n uint64) RoundRecord { return NewRound(n, nil).Record() }

	cases := map[string]Snapshot{
		"two open rounds": {Rounds: []RoundRecord{open(1), open(2)}},
		"orphan ticket":   {Rounds: []RoundRecord{open(1)}, Tickets: []TicketRecord{{Round: 7}}},
		"bad digit":       {Rounds: []RoundRecord{open(1)}, Tickets: []TicketRecord{{Round: 1, Ticket: Ticket{1, 2, 3, 12}}}},
		"orphan reveal":   {Rounds: []RoundRecord{open(1)}, Reveals: []RevealRecord{{Round: 3, Participant: "x"}}},
	}
	for name, snap := range cases {
		if _, _, err := restoreRounds(snap); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}

	current, history, err := restoreRounds(Snapshot{})
	if err != nil || current != nil || len(history) != 0 {
		t.Errorf("empty snapshot = %v, %v, %v", current, history, err)
	}
}
