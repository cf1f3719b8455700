package lottery

import (
	"time"

	"github.com/holiman/uint256"
)

// credit is a reward owed to a participant by a settlement.
type credit struct {
	participant Participant
	amount      *uint256.Int
}

// distributor computes tier prizes from the share table.
type distributor struct {
	shares PrizeDistribution
}

// settle scores the round against the winning ticket. The top tier is split
// per exact-match ticket and credited at once; lower tiers are reserved for
// reveals; tiers nobody matched, plus the top-tier division remainder, carry
// forward.
func (d distributor) settle(r *Round, winning Ticket, token RequestToken, now time.Time) (*Settlement, []credit) {
	s := &Settlement{
		Token:          token,
		WinningTicket:  winning,
		Balance:        new(uint256.Int).Set(r.Balance),
		TopPrize:       new(uint256.Int),
		CarriedForward: new(uint256.Int),
		ResolvedAt:     now,
	}

	for l := TicketSize; l >= 1; l-- {
		pool := r.Combinations.CountMatchingPrefix(winning, l)
		prize := new(uint256.Int).Mul(r.Balance, uint256.NewInt(d.shares.Share(l)))
		prize.Div(prize, hundred)

		s.TierPools[l-1] = pool
		s.TierPrizes[l-1] = prize
		if pool == 0 {
			s.CarriedForward.Add(s.CarriedForward, prize)
		}
	}

	exact := s.TierPools[TicketSize-1]
	if exact == 0 {
		return s, nil
	}

	topPrize := s.TierPrizes[TicketSize-1]
	perTicket := new(uint256.Int).Div(topPrize, uint256.NewInt(exact))
	paid := new(uint256.Int).Mul(perTicket, uint256.NewInt(exact))
	s.CarriedForward.Add(s.CarriedForward, new(uint256.Int).Sub(topPrize, paid))
	s.TopPrize = perTicket

	var credits []credit
	for _, p := range r.Participants {
		var n uint64
		for _, t := range r.Tickets[p] {
			if t == winning {
				n++
			}
		}
		if n == 0 {
			continue
		}
		s.Winners = append(s.Winners, p)
		credits = append(credits, credit{
			participant: p,
			amount:      new(uint256.Int).Mul(perTicket, uint256.NewInt(n)),
		})
	}
	s.Winner = s.Winners[0]
	return s, credits
}

// reveal computes the lower-tier reward of p's tickets in a resolved round.
// Each ticket pays the share of its longest matched prefix shorter than a
// full ticket, divided by the number of tickets sharing that prefix. An exact
// match therefore also collects the tier just below the top.
func (d distributor) reveal(r *Round, p Participant) (*uint256.Int, error) {
	if r == nil || !r.Resolved() {
		return nil, stateErr(ErrNonExistingLottery, "")
	}
	if r.Revealed[p] {
		return nil, stateErrf(ErrAlreadyRevealed, "round %d", r.Number)
	}
	tickets := r.Tickets[p]
	if len(tickets) == 0 {
		return nil, stateErrf(ErrNoTicketsInRound, "round %d", r.Number)
	}

	s := r.Settlement
	total := new(uint256.Int)
	for _, t := range tickets {
		l := t.MatchLength(s.WinningTicket)
		if l == TicketSize {
			l = TicketSize - 1
		}
		if l == 0 {
			continue
		}
		pool := s.TierPool(l)
		if pool == 0 {
			continue
		}
		share := new(uint256.Int).Div(s.TierPrize(l), uint256.NewInt(pool))
		total.Add(total, share)
	}
	return total, nil
}
