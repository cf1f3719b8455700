package lottery

import (
	"time"

	"github.com/holiman/uint256"
)

var hundred = uint256.NewInt(100)

// lifecycle holds the transition guards of the OPEN -> SETTLING -> OPEN
// state machine. It never mutates a round.
type lifecycle struct {
	interval           time.Duration
	maxTicketsPerEntry uint64
	settlementTimeout  time.Duration
}

// checkReady is the upkeep guard: the round is open, funded, has entrants and
// its interval has strictly elapsed.
func (lc lifecycle) checkReady(r *Round, now time.Time) bool {
	return r.State == StateOpen &&
		!r.Balance.IsZero() &&
		len(r.Participants) > 0 &&
		r.Started() &&
		now.Sub(r.StartedAt) > lc.interval
}

// checkEntry validates everything about an entry that does not need the fee.
func (lc lifecycle) checkEntry(r *Round, p Participant, count uint64) error {
	if p == "" {
		return validationf(ErrInvalidParticipant, "empty participant")
	}
	if r.State != StateOpen {
		return stateErrf(ErrLotteryNotOpen, "round %d is %s", r.Number, r.State)
	}
	if count == 0 {
		return validationf(ErrInvalidTicketCount, "got 0")
	}
	if count > lc.maxTicketsPerEntry {
		return validationf(ErrTooManyTickets, "%d exceeds limit of %d", count, lc.maxTicketsPerEntry)
	}
	return nil
}

// checkStake verifies the stake covers count tickets and that the resulting
// balance stays within the range prize arithmetic can handle.
func (lc lifecycle) checkStake(balance, stake, fee *uint256.Int, count uint64) (*uint256.Int, error) {
	if stake == nil {
		stake = new(uint256.Int)
	}
	required, overflow := new(uint256.Int).MulOverflow(fee, uint256.NewInt(count))
	if overflow || stake.Lt(required) {
		return nil, validationf(ErrInsufficientStake, "stake %s, required %s", stake.Dec(), required.Dec())
	}
	next, overflow := new(uint256.Int).AddOverflow(balance, stake)
	if overflow {
		return nil, validationf(ErrStakeTooLarge, "balance overflow")
	}
	if _, overflow := new(uint256.Int).MulOverflow(next, hundred); overflow {
		return nil, validationf(ErrStakeTooLarge, "balance %s exceeds prize arithmetic range", next.Dec())
	}
	return next, nil
}

// checkSettlement guards beginning a settlement.
func (lc lifecycle) checkSettlement(r *Round, now time.Time) error {
	if r.State != StateOpen {
		return stateErrf(ErrLotteryNotOpen, "round %d is %s", r.Number, r.State)
	}
	if !lc.checkReady(r, now) {
		return stateErrf(ErrUpkeepNotNeeded, "round %d: balance %s, players %d, started %v",
			r.Number, r.Balance.Dec(), len(r.Participants), r.Started())
	}
	return nil
}

// checkCancel guards the administrative abort of a stuck settlement.
func (lc lifecycle) checkCancel(r *Round, now time.Time) error {
	if lc.settlementTimeout <= 0 {
		return stateErr(ErrSettlementNotCancellable, "cancellation disabled")
	}
	if r.State != StateSettling {
		return stateErrf(ErrSettlementNotCancellable, "round %d is %s", r.Number, r.State)
	}
	if waited := now.Sub(r.RequestedAt); waited < lc.settlementTimeout {
		return stateErrf(ErrSettlementNotCancellable, "request pending for %s, timeout %s",
			waited.Truncate(time.Second), lc.settlementTimeout)
	}
	return nil
}
