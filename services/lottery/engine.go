package lottery

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/R3E-Network/lottery_engine/internal/events"
	"github.com/R3E-Network/lottery_engine/internal/metrics"
	"github.com/R3E-Network/lottery_engine/pkg/logger"
)

// Config holds the engine parameters fixed at construction.
type Config struct {
	Interval           time.Duration
	MaxTicketsPerEntry uint64
	PrizeDistribution  PrizeDistribution
	// SettlementTimeout enables CancelSettlement once a randomness request has
	// been pending this long. Zero disables cancellation.
	SettlementTimeout time.Duration
	Oracle            OracleConfig
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		Interval:           DefaultInterval,
		MaxTicketsPerEntry: DefaultMaxTicketsPerEntry,
		PrizeDistribution:  DefaultPrizeDistribution.Clone(),
		Oracle: OracleConfig{
			Confirmations:    3,
			CallbackGasLimit: 500000,
		},
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.Interval <= 0 {
		return validationf(ErrInvalidConfig, "interval must be positive, got %s", c.Interval)
	}
	if c.MaxTicketsPerEntry == 0 {
		return validationf(ErrInvalidConfig, "max tickets per entry must be positive")
	}
	if c.SettlementTimeout < 0 {
		return validationf(ErrInvalidConfig, "settlement timeout must not be negative")
	}
	return c.PrizeDistribution.Validate()
}

// FeeResolver returns the current native-currency fee for one ticket.
type FeeResolver interface {
	TicketFee(ctx context.Context) (*uint256.Int, error)
}

// FeeResolverFunc adapts a function to the FeeResolver interface.
type FeeResolverFunc func(ctx context.Context) (*uint256.Int, error)

func (f FeeResolverFunc) TicketFee(ctx context.Context) (*uint256.Int, error) {
	return f(ctx)
}

// Payer transfers claimed rewards out of the engine.
type Payer interface {
	Pay(ctx context.Context, participant Participant, amount *uint256.Int) error
}

// Dependencies holds the collaborators of an Engine. Store, Oracle and Fees
// are required.
type Dependencies struct {
	Store     Store
	Oracle    RandomnessOracle
	Fees      FeeResolver
	Tickets   TicketGenerator
	Publisher events.Publisher
	Payer     Payer
	Logger    *logger.Logger
	Clock     func() time.Time
}

// Entry is the result of a successful ticket purchase.
type Entry struct {
	Round       uint64       `json:"round"`
	Participant Participant  `json:"participant"`
	Tickets     []Ticket     `json:"tickets"`
	Fee         *uint256.Int `json:"-"`
	Stake       *uint256.Int `json:"-"`
	StartedAt   time.Time    `json:"started_at"`
	// Started is true when this entry opened the round's interval.
	Started bool `json:"started"`
}

// Engine runs the lottery. Every operation is serialized by a single lock;
// state changes are persisted before they become visible and events are
// published after the lock is released.
type Engine struct {
	mu sync.Mutex

	cfg         Config
	lifecycle   lifecycle
	coordinator coordinator
	distributor distributor

	store     Store
	fees      FeeResolver
	tickets   TicketGenerator
	publisher events.Publisher
	payer     Payer
	log       *logrus.Entry
	clock     func() time.Time

	current *Round
	history map[uint64]*Round
	ledger  *Ledger
	// unsaved holds participants whose ledger balance is ahead of the store.
	// The next successful commit writes them.
	unsaved map[Participant]bool
}

// New restores an engine from the store, opening round 1 on an empty store.
func New(ctx context.Context, cfg Config, deps Dependencies) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Store == nil || deps.Oracle == nil || deps.Fees == nil {
		return nil, validationf(ErrInvalidConfig, "store, oracle and fee resolver are required")
	}
	if deps.Tickets == nil {
		deps.Tickets = HashTicketGenerator{}
	}
	if deps.Logger == nil {
		deps.Logger = logger.NewDefault("lottery")
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	e := &Engine{
		cfg: cfg,
		lifecycle: lifecycle{
			interval:           cfg.Interval,
			maxTicketsPerEntry: cfg.MaxTicketsPerEntry,
			settlementTimeout:  cfg.SettlementTimeout,
		},
		coordinator: coordinator{oracle: deps.Oracle, cfg: cfg.Oracle},
		distributor: distributor{shares: cfg.PrizeDistribution.Clone()},
		store:       deps.Store,
		fees:        deps.Fees,
		tickets:     deps.Tickets,
		publisher:   deps.Publisher,
		payer:       deps.Payer,
		log:         deps.Logger.Component("engine"),
		clock:       deps.Clock,
		ledger:      NewLedger(),
		unsaved:     make(map[Participant]bool),
	}

	snap, err := deps.Store.Load(ctx)
	if err != nil {
		return nil, external("store.load", ErrPersistence, err)
	}
	current, history, err := restoreRounds(snap)
	if err != nil {
		return nil, fmt.Errorf("restore lottery state: %w", err)
	}
	for _, rw := range snap.Rewards {
		e.ledger.set(rw.Participant, rw.Amount)
	}

	if current == nil {
		current = NewRound(1, nil)
		if err := e.commit(ctx, Batch{Rounds: []RoundRecord{current.Record()}}); err != nil {
			return nil, err
		}
		e.log.Info("opened first lottery round")
	}
	e.current = current
	e.history = history

	e.log.WithFields(logrus.Fields{
		"round":   current.Number,
		"state":   current.State.String(),
		"balance": current.Balance.Dec(),
		"history": len(history),
	}).Info("lottery engine ready")
	e.observeRound()
	return e, nil
}

// ---------------------------------------------------------------------------
// Mutations
// ---------------------------------------------------------------------------

// BuyTickets enters participant into the current round with count tickets.
// The whole stake joins the prize pool; it must cover count times the current
// ticket fee. A nil stake pays exactly that amount, priced from the same fee
// read that validates the entry.
func (e *Engine) BuyTickets(ctx context.Context, participant Participant, stake *uint256.Int, count uint64) (*Entry, error) {
	e.mu.Lock()
	entry, evs, err := e.buyTickets(ctx, participant, stake, count)
	e.mu.Unlock()

	issued := 0
	if entry != nil {
		issued = len(entry.Tickets)
	}
	metrics.RecordEntry(issued, err)
	e.emit(ctx, evs)
	return entry, err
}

func (e *Engine) buyTickets(ctx context.Context, p Participant, stake *uint256.Int, count uint64) (*Entry, []events.Event, error) {
	r := e.current
	if err := e.lifecycle.checkEntry(r, p, count); err != nil {
		return nil, nil, err
	}
	fee, err := e.fees.TicketFee(ctx)
	if err != nil {
		return nil, nil, external("fees.ticket_fee", ErrFeeUnavailable, err)
	}
	if fee == nil {
		return nil, nil, external("fees.ticket_fee", ErrFeeUnavailable, fmt.Errorf("nil fee"))
	}
	if stake == nil {
		exact, overflow := new(uint256.Int).MulOverflow(fee, uint256.NewInt(count))
		if overflow {
			return nil, nil, validationf(ErrStakeTooLarge, "fee %s times %d tickets overflows", fee.Dec(), count)
		}
		stake = exact
	}
	balance, err := e.lifecycle.checkStake(r.Balance, stake, fee, count)
	if err != nil {
		return nil, nil, err
	}

	now := e.now()
	started := !r.Started()
	startedAt := r.StartedAt
	if started {
		startedAt = now
	}

	seq := r.TicketCount()
	tickets := make([]Ticket, 0, count)
	records := make([]TicketRecord, 0, count)
	for i := 0; i < int(count); i++ {
		t := e.tickets.Generate(r.Number, p, now, seq+i)
		if err := t.validate(); err != nil {
			return nil, nil, fmt.Errorf("ticket generator: %w", err)
		}
		tickets = append(tickets, t)
		records = append(records, TicketRecord{
			Round:       r.Number,
			Sequence:    seq + i,
			Participant: p,
			Ticket:      t,
			PurchasedAt: now,
		})
	}

	rec := r.Record()
	rec.Balance = balance
	rec.StartedAt = startedAt
	if err := e.commit(ctx, Batch{Rounds: []RoundRecord{rec}, Tickets: records}); err != nil {
		return nil, nil, err
	}

	r.Balance = balance
	r.StartedAt = startedAt
	for _, t := range tickets {
		r.addTicket(p, t)
	}

	e.log.WithFields(logrus.Fields{
		"round":       r.Number,
		"participant": p,
		"tickets":     count,
		"stake":       stake.Dec(),
		"balance":     balance.Dec(),
	}).Info("tickets purchased")
	e.observeRound()

	var evs []events.Event
	if started {
		evs = append(evs, events.NewEvent(events.EventRoundStarted).
			Round(r.Number).At(now).
			Meta("opening_balance", r.OpeningBalance.Dec()).
			Build())
	}
	evs = append(evs, events.NewEvent(events.EventEntered).
		Round(r.Number).Participant(string(p)).At(now).
		Meta("stake", stake.Dec()).
		MetaUint("tickets", count).
		Build())
	for i, t := range tickets {
		evs = append(evs, events.NewEvent(events.EventTicketIssued).
			Round(r.Number).Participant(string(p)).At(now).
			Meta("ticket", t.String()).
			MetaUint("sequence", uint64(seq+i)).
			Build())
	}

	return &Entry{
		Round:       r.Number,
		Participant: p,
		Tickets:     tickets,
		Fee:         fee,
		Stake:       new(uint256.Int).Set(stake),
		StartedAt:   startedAt,
		Started:     started,
	}, evs, nil
}

// CheckUpkeep reports whether the current round is ready to settle. When it
// is, data carries the round number for PerformUpkeep.
func (e *Engine) CheckUpkeep(ctx context.Context) (bool, []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ready := e.lifecycle.checkReady(e.current, e.now())
	metrics.RecordUpkeepCheck(ready)
	if !ready {
		return false, nil
	}
	return true, []byte(strconv.FormatUint(e.current.Number, 10))
}

// PerformUpkeep moves a ready round to SETTLING and requests randomness for
// it. The check data is informational; readiness is always re-evaluated.
func (e *Engine) PerformUpkeep(ctx context.Context, checkData []byte) (RequestToken, error) {
	e.mu.Lock()
	token, evs, err := e.performUpkeep(ctx)
	e.mu.Unlock()

	e.emit(ctx, evs)
	return token, err
}

func (e *Engine) performUpkeep(ctx context.Context) (RequestToken, []events.Event, error) {
	r := e.current
	now := e.now()
	if err := e.lifecycle.checkSettlement(r, now); err != nil {
		return "", nil, err
	}

	token, err := e.coordinator.requestEntropy(ctx, r.Number)
	metrics.RecordOracleRequest(err)
	if err != nil {
		e.log.WithError(err).WithField("round", r.Number).Warn("randomness request failed")
		return "", nil, err
	}

	rec := r.Record()
	rec.State = StateSettling
	rec.PendingRequest = token
	rec.RequestedAt = now
	if err := e.commit(ctx, Batch{Rounds: []RoundRecord{rec}}); err != nil {
		// The oracle may still fulfill; the token is unknown and the words
		// will be rejected.
		return "", nil, err
	}

	r.State = StateSettling
	r.PendingRequest = token
	r.RequestedAt = now

	e.log.WithFields(logrus.Fields{
		"round":   r.Number,
		"request": token,
		"balance": r.Balance.Dec(),
		"players": len(r.Participants),
	}).Info("winner requested")
	e.observeRound()

	return token, []events.Event{
		events.NewEvent(events.EventWinnerRequested).
			Round(r.Number).At(now).
			Meta("request", string(token)).
			Meta("balance", r.Balance.Dec()).
			Build(),
	}, nil
}

// FulfillRandomWords completes the pending settlement with oracle words. The
// current round is resolved, exact-match winners are credited and the next
// round opens with the carried-forward balance.
func (e *Engine) FulfillRandomWords(ctx context.Context, token RequestToken, words []*uint256.Int) error {
	e.mu.Lock()
	evs, err := e.fulfillRandomWords(ctx, token, words)
	e.mu.Unlock()

	e.emit(ctx, evs)
	return err
}

func (e *Engine) fulfillRandomWords(ctx context.Context, token RequestToken, words []*uint256.Int) ([]events.Event, error) {
	r := e.current
	winning, err := e.coordinator.validateFulfillment(r, token, words)
	if err != nil {
		e.log.WithError(err).WithField("request", token).Warn("fulfillment rejected")
		return nil, err
	}

	now := e.now()
	settlement, credits := e.distributor.settle(r, winning, token, now)

	tx := e.ledger.Begin()
	for _, c := range credits {
		tx.Credit(c.participant, c.amount)
	}
	next := NewRound(r.Number+1, settlement.CarriedForward)

	resolved := r.Record()
	resolved.PendingRequest = ""
	resolved.Settlement = settlement
	batch := Batch{
		Rounds:  []RoundRecord{resolved, next.Record()},
		Rewards: tx.Changes(),
	}
	if err := e.commit(ctx, batch); err != nil {
		return nil, err
	}

	latency := now.Sub(r.RequestedAt)
	r.PendingRequest = ""
	r.Settlement = settlement
	e.history[r.Number] = r
	e.current = next
	e.ledger.Apply(tx)

	e.log.WithFields(logrus.Fields{
		"round":           r.Number,
		"winning_ticket":  winning.String(),
		"winners":         len(settlement.Winners),
		"top_prize":       settlement.TopPrize.Dec(),
		"carried_forward": settlement.CarriedForward.Dec(),
	}).Info("round settled")
	metrics.RecordSettlement(settlement.Winner != "", latency)
	e.observeRound()

	evs := []events.Event{
		events.NewEvent(events.EventWinningTicketPicked).
			Round(r.Number).At(now).
			Meta("ticket", winning.String()).
			Meta("carried_forward", settlement.CarriedForward.Dec()).
			MetaUint("exact_matches", settlement.TierPool(TicketSize)).
			Build(),
	}
	if settlement.Winner != "" {
		evs = append(evs, events.NewEvent(events.EventWinnerPicked).
			Round(r.Number).Participant(string(settlement.Winner)).At(now).
			Meta("prize", settlement.TopPrize.Dec()).
			MetaUint("winners", uint64(len(settlement.Winners))).
			Build())
	}
	return evs, nil
}

// RevealWinningTickets credits participant's lower-tier prizes for a resolved
// round. Each participant may reveal a round once; a zero amount still counts.
func (e *Engine) RevealWinningTickets(ctx context.Context, participant Participant, round uint64) (*uint256.Int, error) {
	e.mu.Lock()
	amount, evs, err := e.revealWinningTickets(ctx, participant, round)
	e.mu.Unlock()

	metrics.RecordReward("reveal", err)
	e.emit(ctx, evs)
	return amount, err
}

func (e *Engine) revealWinningTickets(ctx context.Context, p Participant, round uint64) (*uint256.Int, []events.Event, error) {
	if p == "" {
		return nil, nil, validationf(ErrInvalidParticipant, "empty participant")
	}
	r, ok := e.history[round]
	if !ok {
		return nil, nil, stateErrf(ErrNonExistingLottery, "round %d", round)
	}
	amount, err := e.distributor.reveal(r, p)
	if err != nil {
		return nil, nil, err
	}

	now := e.now()
	tx := e.ledger.Begin()
	tx.Credit(p, amount)
	batch := Batch{
		Reveals: []RevealRecord{{Round: round, Participant: p, Amount: amount, RevealedAt: now}},
		Rewards: tx.Changes(),
	}
	if err := e.commit(ctx, batch); err != nil {
		return nil, nil, err
	}

	r.Revealed[p] = true
	e.ledger.Apply(tx)

	e.log.WithFields(logrus.Fields{
		"round":       round,
		"participant": p,
		"amount":      amount.Dec(),
	}).Info("tickets revealed")

	return amount, []events.Event{
		events.NewEvent(events.EventTicketsRevealed).
			Round(round).Participant(string(p)).At(now).
			Meta("amount", amount.Dec()).
			Build(),
	}, nil
}

// ClaimRewards pays out participant's whole claimable balance. The balance is
// zeroed and persisted before the payer runs; a failed payout restores it.
func (e *Engine) ClaimRewards(ctx context.Context, participant Participant) (*uint256.Int, error) {
	e.mu.Lock()
	amount, err := e.claim(ctx, participant)
	e.mu.Unlock()
	if err != nil {
		metrics.RecordReward("claim", err)
		return nil, err
	}

	if e.payer != nil {
		if payErr := e.payer.Pay(ctx, participant, amount); payErr != nil {
			metrics.RecordReward("claim", payErr)
			failed := external("payer.pay", ErrPayoutFailed, payErr)
			if err := e.refund(ctx, participant, amount, payErr); err != nil {
				return nil, errors.Join(failed, err)
			}
			return nil, failed
		}
	}
	metrics.RecordReward("claim", nil)

	e.log.WithFields(logrus.Fields{
		"participant": participant,
		"amount":      amount.Dec(),
	}).Info("rewards claimed")
	e.emit(ctx, []events.Event{
		events.NewEvent(events.EventRewardsClaimed).
			Participant(string(participant)).At(e.now()).
			Meta("amount", amount.Dec()).
			Build(),
	})
	return amount, nil
}

func (e *Engine) claim(ctx context.Context, p Participant) (*uint256.Int, error) {
	if p == "" {
		return nil, validationf(ErrInvalidParticipant, "empty participant")
	}
	tx := e.ledger.Begin()
	amount, err := tx.Claim(p)
	if err != nil {
		return nil, err
	}
	if err := e.commit(ctx, Batch{Rewards: tx.Changes()}); err != nil {
		return nil, err
	}
	e.ledger.Apply(tx)
	return amount, nil
}

// refund re-credits a claim whose payout failed. When the store rejects the
// re-credit it is applied in memory anyway and written by the next commit.
func (e *Engine) refund(ctx context.Context, p Participant, amount *uint256.Int, cause error) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	tx := e.ledger.Begin()
	tx.Credit(p, amount)
	err := e.commit(ctx, Batch{Rewards: tx.Changes()})
	metrics.RecordReward("refund", err)
	if err != nil {
		e.ledger.Apply(tx)
		e.unsaved[p] = true
		e.log.WithError(err).WithFields(logrus.Fields{
			"participant": p,
			"amount":      amount.Dec(),
			"cause":       cause.Error(),
		}).Error("rewards restored in memory only; retrying with the next commit")
		return external("store.commit", ErrRefundPending, err)
	}
	e.ledger.Apply(tx)
	e.log.WithError(cause).WithFields(logrus.Fields{
		"participant": p,
		"amount":      amount.Dec(),
	}).Warn("payout failed, rewards restored")
	return nil
}

// CancelSettlement returns a round whose randomness request has been pending
// longer than the configured timeout to OPEN. A late fulfillment for the
// abandoned request is rejected.
func (e *Engine) CancelSettlement(ctx context.Context) error {
	e.mu.Lock()
	evs, err := e.cancelSettlement(ctx)
	e.mu.Unlock()

	e.emit(ctx, evs)
	return err
}

func (e *Engine) cancelSettlement(ctx context.Context) ([]events.Event, error) {
	r := e.current
	now := e.now()
	if err := e.lifecycle.checkCancel(r, now); err != nil {
		return nil, err
	}

	abandoned := r.PendingRequest
	rec := r.Record()
	rec.State = StateOpen
	rec.PendingRequest = ""
	rec.RequestedAt = time.Time{}
	if err := e.commit(ctx, Batch{Rounds: []RoundRecord{rec}}); err != nil {
		return nil, err
	}

	r.State = StateOpen
	r.PendingRequest = ""
	r.RequestedAt = time.Time{}

	e.log.WithFields(logrus.Fields{
		"round":   r.Number,
		"request": abandoned,
	}).Warn("settlement cancelled")
	e.observeRound()

	return []events.Event{
		events.NewEvent(events.EventSettlementCancelled).
			Round(r.Number).At(now).
			Meta("request", string(abandoned)).
			Build(),
	}, nil
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// State returns the state of the current round.
func (e *Engine) State() LotteryState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current.State
}

// RoundNumber returns the number of the current round.
func (e *Engine) RoundNumber() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current.Number
}

// Interval returns the minimum round duration.
func (e *Engine) Interval() time.Duration {
	return e.cfg.Interval
}

// MaxTicketsPerEntry returns the per-entry ticket limit.
func (e *Engine) MaxTicketsPerEntry() uint64 {
	return e.cfg.MaxTicketsPerEntry
}

// PrizeDistribution returns a copy of the tier shares.
func (e *Engine) PrizeDistribution() PrizeDistribution {
	return e.cfg.PrizeDistribution.Clone()
}

// TicketFee returns the current fee for one ticket.
func (e *Engine) TicketFee(ctx context.Context) (*uint256.Int, error) {
	fee, err := e.fees.TicketFee(ctx)
	if err != nil {
		return nil, external("fees.ticket_fee", ErrFeeUnavailable, err)
	}
	return fee, nil
}

// StartedAt returns when the current round received its first entry, or the
// zero time.
func (e *Engine) StartedAt() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current.StartedAt
}

// Balance returns the prize pool of the current round.
func (e *Engine) Balance() *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return new(uint256.Int).Set(e.current.Balance)
}

// RoundBalance returns the prize pool of round n as it stood when the round
// was settled, or the live balance for the current round.
func (e *Engine) RoundBalance(n uint64) (*uint256.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, err := e.round(n)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).Set(r.Balance), nil
}

// Players returns the current round's participants in entry order.
func (e *Engine) Players() []Participant {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Participant(nil), e.current.Participants...)
}

// Player returns the i-th participant of the current round.
func (e *Engine) Player(i int) (Participant, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.current.Participants) {
		return "", validationf(ErrIndexOutOfRange, "player %d of %d", i, len(e.current.Participants))
	}
	return e.current.Participants[i], nil
}

// Tickets returns participant's tickets in the current round.
func (e *Engine) Tickets(participant Participant) []Ticket {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current.TicketsOf(participant)
}

// PlayerTicket returns participant's i-th ticket in the current round.
func (e *Engine) PlayerTicket(participant Participant, i int) (Ticket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ts := e.current.Tickets[participant]
	if i < 0 || i >= len(ts) {
		return Ticket{}, validationf(ErrIndexOutOfRange, "ticket %d of %d", i, len(ts))
	}
	return ts[i], nil
}

// RoundTickets returns participant's tickets in round n.
func (e *Engine) RoundTickets(n uint64, participant Participant) ([]Ticket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, err := e.round(n)
	if err != nil {
		return nil, err
	}
	return r.TicketsOf(participant), nil
}

// CombinationCount returns how many current-round tickets start with prefix.
// The empty prefix counts every ticket.
func (e *Engine) CombinationCount(prefix string) (uint64, error) {
	if len(prefix) > TicketSize {
		return 0, validationf(ErrInvalidTicket, "prefix %q longer than %d digits", prefix, TicketSize)
	}
	for _, c := range prefix {
		if c < '0' || c > '9' {
			return 0, validationf(ErrInvalidTicket, "prefix %q is not numeric", prefix)
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current.Combinations.Count(prefix), nil
}

// WinningTicket returns the winning ticket of resolved round n.
func (e *Engine) WinningTicket(n uint64) (Ticket, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.history[n]
	if !ok {
		return Ticket{}, stateErrf(ErrNonExistingLottery, "round %d", n)
	}
	return r.Settlement.WinningTicket, nil
}

// Winner returns the first exact-match participant of resolved round n, or
// the empty participant when nobody matched all digits.
func (e *Engine) Winner(n uint64) (Participant, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.history[n]
	if !ok {
		return "", stateErrf(ErrNonExistingLottery, "round %d", n)
	}
	return r.Settlement.Winner, nil
}

// RewardBalance returns participant's claimable amount.
func (e *Engine) RewardBalance(participant Participant) *uint256.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.Balance(participant)
}

// IsRevealed reports whether participant revealed resolved round n.
func (e *Engine) IsRevealed(participant Participant, n uint64) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.history[n]
	if !ok {
		return false, stateErrf(ErrNonExistingLottery, "round %d", n)
	}
	return r.Revealed[participant], nil
}

// PendingRequest returns the outstanding randomness request, if any.
func (e *Engine) PendingRequest() RequestToken {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current.PendingRequest
}

// PendingRandomness returns the outstanding token together with the request
// parameters it was issued with, so an oracle restarted after PerformUpkeep
// can resume it.
func (e *Engine) PendingRandomness() (RequestToken, RandomnessRequest, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r := e.current
	if r.State != StateSettling || r.PendingRequest == "" {
		return "", RandomnessRequest{}, false
	}
	return r.PendingRequest, e.coordinator.request(r.Number), true
}

// RoundView is a read-only summary of a round.
type RoundView struct {
	Number         uint64        `json:"number"`
	State          LotteryState  `json:"state"`
	Resolved       bool          `json:"resolved"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	Balance        string        `json:"balance"`
	OpeningBalance string        `json:"opening_balance"`
	Players        []Participant `json:"players"`
	TicketCount    int           `json:"ticket_count"`
	PendingRequest RequestToken  `json:"pending_request,omitempty"`
	Settlement     *Settlement   `json:"settlement,omitempty"`
}

// CurrentRound summarizes the current round.
func (e *Engine) CurrentRound() RoundView {
	e.mu.Lock()
	defer e.mu.Unlock()
	return viewOf(e.current)
}

// Round summarizes round n.
func (e *Engine) Round(n uint64) (RoundView, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, err := e.round(n)
	if err != nil {
		return RoundView{}, err
	}
	return viewOf(r), nil
}

// Rounds returns the numbers of every resolved round, ascending.
func (e *Engine) Rounds() []uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]uint64, 0, len(e.history))
	for n := uint64(1); n < e.current.Number; n++ {
		if _, ok := e.history[n]; ok {
			out = append(out, n)
		}
	}
	return out
}

func viewOf(r *Round) RoundView {
	v := RoundView{
		Number:         r.Number,
		State:          r.State,
		Resolved:       r.Resolved(),
		Balance:        r.Balance.Dec(),
		OpeningBalance: r.OpeningBalance.Dec(),
		Players:        append([]Participant{}, r.Participants...),
		TicketCount:    r.TicketCount(),
		PendingRequest: r.PendingRequest,
		Settlement:     r.Settlement.Clone(),
	}
	if r.Started() {
		at := r.StartedAt
		v.StartedAt = &at
	}
	return v
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

func (e *Engine) round(n uint64) (*Round, error) {
	if n == e.current.Number {
		return e.current, nil
	}
	if r, ok := e.history[n]; ok {
		return r, nil
	}
	return nil, stateErrf(ErrNonExistingLottery, "round %d", n)
}

func (e *Engine) now() time.Time {
	return e.clock().UTC()
}

func (e *Engine) commit(ctx context.Context, batch Batch) error {
	batch.Rewards = e.withUnsaved(batch.Rewards)
	if err := e.store.Commit(ctx, batch); err != nil {
		e.log.WithError(err).Error("failed to persist lottery state")
		return external("store.commit", ErrPersistence, err)
	}
	if len(e.unsaved) > 0 {
		e.log.WithField("participants", len(e.unsaved)).Info("persisted restored rewards")
		clear(e.unsaved)
	}
	return nil
}

// withUnsaved adds the current balance of every unsaved participant the batch
// does not already write.
func (e *Engine) withUnsaved(rewards []RewardRecord) []RewardRecord {
	if len(e.unsaved) == 0 {
		return rewards
	}
	out := append([]RewardRecord(nil), rewards...)
	for p := range e.unsaved {
		if lo.ContainsBy(rewards, func(rw RewardRecord) bool { return rw.Participant == p }) {
			continue
		}
		out = append(out, RewardRecord{Participant: p, Amount: e.ledger.Balance(p)})
	}
	return out
}

// emit publishes events outside the engine lock. Publish failures are logged
// and never undo the operation.
func (e *Engine) emit(ctx context.Context, evs []events.Event) {
	if e.publisher == nil {
		return
	}
	for _, ev := range evs {
		if err := e.publisher.Publish(ctx, ev); err != nil {
			metrics.RecordPublishFailure(string(ev.Type))
			e.log.WithError(err).WithField("event", ev.Type).Warn("event publish failed")
		}
	}
}

func (e *Engine) observeRound() {
	balance, _ := new(big.Float).SetInt(e.current.Balance.ToBig()).Float64()
	metrics.SetRound(e.current.Number, e.current.State.String(), balance)
}
