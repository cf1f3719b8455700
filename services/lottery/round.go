package lottery

import (
	"fmt"
	"sort"
	"time"

	"github.com/holiman/uint256"
)

// Round is one lottery cycle. The engine owns the current round exclusively;
// resolved rounds are kept read-only in the history apart from reveal marks.
type Round struct {
	Number         uint64
	State          LotteryState
	StartedAt      time.Time
	Balance        *uint256.Int
	OpeningBalance *uint256.Int
	Participants   []Participant
	Tickets        map[Participant][]Ticket
	Combinations   *CombinationIndex
	Revealed       map[Participant]bool
	PendingRequest RequestToken
	RequestedAt    time.Time
	Settlement     *Settlement

	ticketCount int
}

// NewRound opens a round whose balance starts at the carried-forward amount.
func NewRound(number uint64, opening *uint256.Int) *Round {
	return &Round{
		Number:         number,
		State:          StateOpen,
		Balance:        new(uint256.Int).Set(amountOrZero(opening)),
		OpeningBalance: new(uint256.Int).Set(amountOrZero(opening)),
		Tickets:        make(map[Participant][]Ticket),
		Combinations:   NewCombinationIndex(),
		Revealed:       make(map[Participant]bool),
	}
}

// Resolved reports whether a winning ticket has been drawn for the round.
func (r *Round) Resolved() bool {
	return r.Settlement != nil
}

// Started reports whether the round has received its first entry.
func (r *Round) Started() bool {
	return !r.StartedAt.IsZero()
}

// HasParticipant reports whether p entered the round.
func (r *Round) HasParticipant(p Participant) bool {
	_, ok := r.Tickets[p]
	return ok
}

// TicketsOf returns a copy of p's tickets in purchase order.
func (r *Round) TicketsOf(p Participant) []Ticket {
	return append([]Ticket(nil), r.Tickets[p]...)
}

// TicketCount returns the number of tickets sold in the round.
func (r *Round) TicketCount() int {
	return r.ticketCount
}

// Record returns the persisted header of the round.
func (r *Round) Record() RoundRecord {
	return RoundRecord{
		Number:         r.Number,
		State:          r.State,
		StartedAt:      r.StartedAt,
		Balance:        cloneAmount(r.Balance),
		OpeningBalance: cloneAmount(r.OpeningBalance),
		PendingRequest: r.PendingRequest,
		RequestedAt:    r.RequestedAt,
		Settlement:     r.Settlement.Clone(),
	}
}

// Clone returns a deep copy.
func (r *Round) Clone() *Round {
	out := &Round{
		Number:         r.Number,
		State:          r.State,
		StartedAt:      r.StartedAt,
		Balance:        cloneAmount(r.Balance),
		OpeningBalance: cloneAmount(r.OpeningBalance),
		Participants:   append([]Participant(nil), r.Participants...),
		Tickets:        make(map[Participant][]Ticket, len(r.Tickets)),
		Combinations:   r.Combinations.Clone(),
		Revealed:       make(map[Participant]bool, len(r.Revealed)),
		PendingRequest: r.PendingRequest,
		RequestedAt:    r.RequestedAt,
		Settlement:     r.Settlement.Clone(),
		ticketCount:    r.ticketCount,
	}
	for p, ts := range r.Tickets {
		out.Tickets[p] = append([]Ticket(nil), ts...)
	}
	for p, v := range r.Revealed {
		out.Revealed[p] = v
	}
	return out
}

// addTicket records a ticket, adding the participant on first sight.
func (r *Round) addTicket(p Participant, t Ticket) {
	if !r.HasParticipant(p) {
		r.Participants = append(r.Participants, p)
	}
	r.Tickets[p] = append(r.Tickets[p], t)
	r.Combinations.Add(t)
	r.ticketCount++
}

// restoreRounds rebuilds the current round and the history from a snapshot.
// current is nil when nothing was persisted yet.
func restoreRounds(snap Snapshot) (current *Round, history map[uint64]*Round, err error) {
	rounds := make(map[uint64]*Round, len(snap.Rounds))
	for _, rec := range snap.Rounds {
		r := NewRound(rec.Number, rec.OpeningBalance)
		r.State = rec.State
		r.StartedAt = rec.StartedAt
		r.Balance = cloneAmount(amountOrZero(rec.Balance))
		r.PendingRequest = rec.PendingRequest
		r.RequestedAt = rec.RequestedAt
		r.Settlement = rec.Settlement.Clone()
		rounds[rec.Number] = r
	}

	tickets := append([]TicketRecord(nil), snap.Tickets...)
	sort.SliceStable(tickets, func(i, j int) bool {
		if tickets[i].Round != tickets[j].Round {
			return tickets[i].Round < tickets[j].Round
		}
		return tickets[i].Sequence < tickets[j].Sequence
	})
	for _, tr := range tickets {
		r, ok := rounds[tr.Round]
		if !ok {
			return nil, nil, fmt.Errorf("ticket %d references unknown round %d", tr.Sequence, tr.Round)
		}
		if err := tr.Ticket.validate(); err != nil {
			return nil, nil, fmt.Errorf("round %d ticket %d: %w", tr.Round, tr.Sequence, err)
		}
		r.addTicket(tr.Participant, tr.Ticket)
	}

	for _, rv := range snap.Reveals {
		r, ok := rounds[rv.Round]
		if !ok {
			return nil, nil, fmt.Errorf("reveal references unknown round %d", rv.Round)
		}
		r.Revealed[rv.Participant] = true
	}

	history = make(map[uint64]*Round, len(rounds))
	for n, r := range rounds {
		if r.Resolved() {
			history[n] = r
			continue
		}
		if current != nil {
			return nil, nil, fmt.Errorf("rounds %d and %d are both unresolved", current.Number, n)
		}
		current = r
	}
	if current == nil && len(history) > 0 {
		return nil, nil, fmt.Errorf("no open round after %d resolved rounds", len(history))
	}
	if current != nil {
		for n := range history {
			if n > current.Number {
				return nil, nil, fmt.Errorf("resolved round %d follows open round %d", n, current.Number)
			}
		}
	}
	return current, history, nil
}
