package lottery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/holiman/uint256"

	"github.com/R3E-Network/lottery_engine/internal/events"
	"github.com/R3E-Network/lottery_engine/pkg/logger"
)

const testFee = 100

type fixture struct {
	ctx     context.Context
	cfg     Config
	engine  *Engine
	store   *FlakyStore
	oracle  *MockOracle
	tickets *SequenceTickets
	payer   *MockPayer
	events  *events.RingBuffer
	now     time.Time
}

func newFixture(t *testing.T, tickets ...string) *fixture {
	t.Helper()
	return newFixtureWithConfig(t, DefaultConfig(), tickets...)
}

func newFixtureWithConfig(t *testing.T, cfg Config, tickets ...string) *fixture {
	t.Helper()
	f := &fixture{
		ctx:     context.Background(),
		cfg:     cfg,
		store:   NewFlakyStore(NewMemoryStore()),
		oracle:  NewMockOracle(),
		tickets: NewSequenceTickets(tickets...),
		payer:   NewMockPayer(),
		events:  events.NewRingBuffer(256),
		now:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.engine = f.open(t)
	return f
}

// open builds an engine over the fixture's store, as a restart would.
func (f *fixture) open(t *testing.T) *Engine {
	t.Helper()
	e, err := New(f.ctx, f.cfg, Dependencies{
		Store:     f.store,
		Oracle:    f.oracle,
		Fees:      StaticFee(testFee),
		Tickets:   f.tickets,
		Publisher: f.events,
		Payer:     f.payer,
		Logger:    logger.NewDefault("lottery-test"),
		Clock:     func() time.Time { return f.now },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) buy(t *testing.T, p Participant, stake, count uint64) *Entry {
	t.Helper()
	entry, err := f.engine.BuyTickets(f.ctx, p, uint256.NewInt(stake), count)
	if err != nil {
		t.Fatalf("BuyTickets(%s, %d, %d): %v", p, stake, count, err)
	}
	return entry
}

func (f *fixture) request(t *testing.T) RequestToken {
	t.Helper()
	f.advance(f.cfg.Interval + time.Second)
	token, err := f.engine.PerformUpkeep(f.ctx, nil)
	if err != nil {
		t.Fatalf("PerformUpkeep: %v", err)
	}
	return token
}

func (f *fixture) settle(t *testing.T, winning string) *Settlement {
	t.Helper()
	round := f.engine.RoundNumber()
	token := f.request(t)
	if err := f.engine.FulfillRandomWords(f.ctx, token, WordsFor(mustTicket(t, winning))); err != nil {
		t.Fatalf("FulfillRandomWords: %v", err)
	}
	view, err := f.engine.Round(round)
	if err != nil {
		t.Fatalf("Round(%d): %v", round, err)
	}
	return view.Settlement
}

func mustTicket(t *testing.T, s string) Ticket {
	t.Helper()
	ticket, err := ParseTicket(s)
	if err != nil {
		t.Fatalf("ParseTicket(%q): %v", s, err)
	}
	return ticket
}

func assertAmount(t *testing.T, name string, got *uint256.Int, want uint64) {
	t.Helper()
	if got == nil || !got.Eq(uint256.NewInt(want)) {
		t.Errorf("%s = %v, want %d", name, got, want)
	}
}

func TestNew_OpensFirstRound(t *testing.T) {
	f := newFixture(t)

	if f.engine.State() != StateOpen {
		t.Errorf("state = %s, want open", f.engine.State())
	}
	if f.engine.RoundNumber() != 1 {
		t.Errorf("round = %d, want 1", f.engine.RoundNumber())
	}
	assertAmount(t, "balance", f.engine.Balance(), 0)
	if !f.engine.StartedAt().IsZero() {
		t.Error("round should not be started before the first entry")
	}
	if f.store.Commits() != 1 {
		t.Errorf("commits = %d, want 1", f.store.Commits())
	}
	if got := f.engine.PrizeDistribution(); len(got) != 4 || got[3] != 65 {
		t.Errorf("distribution = %v", got)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cases := map[string]func(*Config){
		"distribution sum":   func(c *Config) { c.PrizeDistribution = PrizeDistribution{5, 10, 20, 60} },
		"distribution tiers": func(c *Config) { c.PrizeDistribution = PrizeDistribution{50, 50} },
		"interval":           func(c *Config) { c.Interval = 0 },
		"ticket cap":         func(c *Config) { c.MaxTicketsPerEntry = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			_, err := New(context.Background(), cfg, Dependencies{
				Store:  NewMemoryStore(),
				Oracle: NewMockOracle(),
				Fees:   StaticFee(testFee),
			})
			if !IsValidation(err) {
				t.Fatalf("error = %v, want validation error", err)
			}
		})
	}

	cfg := DefaultConfig()
	cfg.PrizeDistribution = PrizeDistribution{5, 10, 20, 60}
	_, err := New(context.Background(), cfg, Dependencies{Store: NewMemoryStore(), Oracle: NewMockOracle(), Fees: StaticFee(1)})
	if !errors.Is(err, ErrInvalidPrizeDistribution) {
		t.Errorf("error = %v, want ErrInvalidPrizeDistribution", err)
	}
}

func TestBuyTickets_Validation(t *testing.T) {
	f := newFixture(t, "1234")

	cases := []struct {
		name        string
		participant Participant
		stake       uint64
		count       uint64
		want        error
	}{
		{"empty participant", "", 100, 1, ErrInvalidParticipant},
		{"zero tickets", "alice", 100, 0, ErrInvalidTicketCount},
		{"too many tickets", "alice", 1100, 11, ErrTooManyTickets},
		{"no stake", "alice", 0, 1, ErrInsufficientStake},
		{"stake short of fee", "alice", 199, 2, ErrInsufficientStake},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.engine.BuyTickets(f.ctx, tc.participant, uint256.NewInt(tc.stake), tc.count)
			if !errors.Is(err, tc.want) {
				t.Fatalf("error = %v, want %v", err, tc.want)
			}
			if !IsValidation(err) {
				t.Errorf("error = %v, want validation error", err)
			}
		})
	}

	assertAmount(t, "balance", f.engine.Balance(), 0)
	if len(f.engine.Players()) != 0 {
		t.Errorf("players = %v, want none", f.engine.Players())
	}
	if f.store.Commits() != 1 {
		t.Errorf("rejected entries were persisted: %d commits", f.store.Commits())
	}
}

func TestBuyTickets_AddsStakeAndTickets(t *testing.T) {
	f := newFixture(t, "1234", "1299", "1334")

	entry := f.buy(t, "alice", 250, 2)
	if !entry.Started {
		t.Error("first entry should start the round")
	}
	if entry.Round != 1 || len(entry.Tickets) != 2 {
		t.Errorf("entry = %+v", entry)
	}
	assertAmount(t, "fee", entry.Fee, testFee)
	assertAmount(t, "balance", f.engine.Balance(), 250)
	if !f.engine.StartedAt().Equal(f.now) {
		t.Errorf("startedAt = %v, want %v", f.engine.StartedAt(), f.now)
	}

	f.advance(5 * time.Second)
	startedAt := f.engine.StartedAt()
	second := f.buy(t, "alice", 100, 1)
	if second.Started {
		t.Error("second entry must not restart the round")
	}
	if !f.engine.StartedAt().Equal(startedAt) {
		t.Error("startedAt moved on a later entry")
	}
	assertAmount(t, "balance", f.engine.Balance(), 350)

	if players := f.engine.Players(); len(players) != 1 || players[0] != "alice" {
		t.Errorf("players = %v, want [alice]", players)
	}
	tickets := f.engine.Tickets("alice")
	if len(tickets) != 3 || tickets[2].String() != "1334" {
		t.Errorf("tickets = %v", tickets)
	}
	if tk, err := f.engine.PlayerTicket("alice", 1); err != nil || tk.String() != "1299" {
		t.Errorf("PlayerTicket(1) = %v, %v", tk, err)
	}
	if _, err := f.engine.PlayerTicket("alice", 3); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("PlayerTicket(3) error = %v", err)
	}

	counts := map[string]uint64{"": 3, "1": 3, "12": 2, "13": 1, "123": 1, "1234": 1, "9": 0}
	for prefix, want := range counts {
		got, err := f.engine.CombinationCount(prefix)
		if err != nil {
			t.Fatalf("CombinationCount(%q): %v", prefix, err)
		}
		if got != want {
			t.Errorf("CombinationCount(%q) = %d, want %d", prefix, got, want)
		}
	}
	if _, err := f.engine.CombinationCount("12a"); !errors.Is(err, ErrInvalidTicket) {
		t.Errorf("CombinationCount(12a) error = %v", err)
	}

	started := f.events.RecentByType(events.EventRoundStarted, 10)
	if len(started) != 1 {
		t.Errorf("round started events = %d, want 1", len(started))
	}
	if issued := f.events.RecentByType(events.EventTicketIssued, 10); len(issued) != 3 {
		t.Errorf("ticket issued events = %d, want 3", len(issued))
	}
}

func TestBuyTickets_NilStakePaysExactFee(t *testing.T) {
	ctx := context.Background()
	var reads int
	fees := FeeResolverFunc(func(context.Context) (*uint256.Int, error) {
		reads++
		return uint256.NewInt(uint64(100 + 50*(reads-1))), nil
	})
	engine, err := New(ctx, DefaultConfig(), Dependencies{
		Store:   NewMemoryStore(),
		Oracle:  NewMockOracle(),
		Fees:    fees,
		Tickets: NewSequenceTickets("1234"),
		Logger:  logger.NewDefault("lottery-test"),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	entry, err := engine.BuyTickets(ctx, "alice", nil, 3)
	if err != nil {
		t.Fatalf("BuyTickets: %v", err)
	}
	if reads != 1 {
		t.Errorf("fee reads = %d, want 1", reads)
	}
	assertAmount(t, "fee", entry.Fee, 100)
	assertAmount(t, "stake", entry.Stake, 300)
	assertAmount(t, "balance", engine.Balance(), 300)

	entry, err = engine.BuyTickets(ctx, "bob", nil, 2)
	if err != nil {
		t.Fatalf("BuyTickets: %v", err)
	}
	assertAmount(t, "second stake", entry.Stake, 300)
	assertAmount(t, "balance", engine.Balance(), 600)
}

func TestBuyTickets_ParticipantListedOnce(t *testing.T) {
	f := newFixture(t, "0000")

	f.buy(t, "alice", 100, 1)
	f.buy(t, "bob", 100, 1)
	f.buy(t, "alice", 200, 2)

	players := f.engine.Players()
	if len(players) != 2 || players[0] != "alice" || players[1] != "bob" {
		t.Errorf("players = %v, want [alice bob]", players)
	}
	if p, err := f.engine.Player(1); err != nil || p != "bob" {
		t.Errorf("Player(1) = %q, %v", p, err)
	}
	if _, err := f.engine.Player(2); !errors.Is(err, ErrIndexOutOfRange) {
		t.Errorf("Player(2) error = %v", err)
	}
}

func TestBuyTickets_FeeUnavailable(t *testing.T) {
	cfg := DefaultConfig()
	e, err := New(context.Background(), cfg, Dependencies{
		Store:  NewMemoryStore(),
		Oracle: NewMockOracle(),
		Fees: FeeResolverFunc(func(context.Context) (*uint256.Int, error) {
			return nil, errors.New("price feed stale")
		}),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = e.BuyTickets(context.Background(), "alice", uint256.NewInt(100), 1)
	if !errors.Is(err, ErrFeeUnavailable) || !IsExternal(err) {
		t.Fatalf("error = %v, want external ErrFeeUnavailable", err)
	}
	if !e.Balance().IsZero() {
		t.Error("balance changed on failed entry")
	}
}

func TestCheckUpkeep(t *testing.T) {
	f := newFixture(t, "1234")

	if ready, _ := f.engine.CheckUpkeep(f.ctx); ready {
		t.Error("empty round should not be ready")
	}

	f.buy(t, "alice", 100, 1)
	if ready, _ := f.engine.CheckUpkeep(f.ctx); ready {
		t.Error("round should not be ready before the interval")
	}

	f.advance(f.cfg.Interval)
	if ready, _ := f.engine.CheckUpkeep(f.ctx); ready {
		t.Error("interval must be strictly exceeded")
	}

	f.advance(time.Second)
	ready, data := f.engine.CheckUpkeep(f.ctx)
	if !ready {
		t.Fatal("round should be ready")
	}
	if string(data) != "1" {
		t.Errorf("check data = %q, want round number", data)
	}

	// Pure query.
	if again, _ := f.engine.CheckUpkeep(f.ctx); !again || f.engine.State() != StateOpen {
		t.Error("CheckUpkeep mutated state")
	}
}

func TestPerformUpkeep(t *testing.T) {
	f := newFixture(t, "1234")

	_, err := f.engine.PerformUpkeep(f.ctx, nil)
	if !errors.Is(err, ErrUpkeepNotNeeded) || !IsState(err) {
		t.Fatalf("error = %v, want ErrUpkeepNotNeeded", err)
	}
	if len(f.oracle.Requests()) != 0 {
		t.Error("oracle called while not ready")
	}

	f.buy(t, "alice", 100, 1)
	token := f.request(t)

	if token == "" || f.engine.PendingRequest() != token {
		t.Errorf("pending request = %q, token %q", f.engine.PendingRequest(), token)
	}
	if f.engine.State() != StateSettling {
		t.Errorf("state = %s, want settling", f.engine.State())
	}
	reqs := f.oracle.Requests()
	if len(reqs) != 1 {
		t.Fatalf("oracle requests = %d, want 1", len(reqs))
	}
	if reqs[0].NumWords != 4 || reqs[0].Confirmations != 3 || reqs[0].CallbackGasLimit != 500000 || reqs[0].Round != 1 {
		t.Errorf("request = %+v", reqs[0])
	}

	t.Run("second call while settling", func(t *testing.T) {
		_, err := f.engine.PerformUpkeep(f.ctx, nil)
		if !errors.Is(err, ErrLotteryNotOpen) {
			t.Errorf("error = %v, want ErrLotteryNotOpen", err)
		}
		if len(f.oracle.Requests()) != 1 {
			t.Error("a second request was issued")
		}
	})

	t.Run("entry while settling", func(t *testing.T) {
		_, err := f.engine.BuyTickets(f.ctx, "bob", uint256.NewInt(100), 1)
		if !errors.Is(err, ErrLotteryNotOpen) || !IsState(err) {
			t.Errorf("error = %v, want ErrLotteryNotOpen", err)
		}
	})

	if ready, _ := f.engine.CheckUpkeep(f.ctx); ready {
		t.Error("settling round reported ready")
	}
}

func TestPerformUpkeep_OracleFailureLeavesRoundOpen(t *testing.T) {
	f := newFixture(t, "1234")
	f.buy(t, "alice", 100, 1)
	f.advance(time.Minute)

	f.oracle.SetError(errors.New("subscription underfunded"))
	_, err := f.engine.PerformUpkeep(f.ctx, nil)
	if !errors.Is(err, ErrOracleUnavailable) || !IsExternal(err) {
		t.Fatalf("error = %v, want external ErrOracleUnavailable", err)
	}
	if f.engine.State() != StateOpen || f.engine.PendingRequest() != "" {
		t.Error("failed request changed round state")
	}

	f.oracle.SetError(nil)
	if _, err := f.engine.PerformUpkeep(f.ctx, nil); err != nil {
		t.Fatalf("retry: %v", err)
	}
}

func TestFulfillRandomWords_RejectsUnknownTokens(t *testing.T) {
	f := newFixture(t, "1234")
	words := WordsFor(mustTicket(t, "1234"))

	if err := f.engine.FulfillRandomWords(f.ctx, "mock-request-1", words); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("fulfill without request: %v", err)
	}

	f.buy(t, "alice", 100, 1)
	token := f.request(t)

	if err := f.engine.FulfillRandomWords(f.ctx, "forged", words); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("forged token: %v", err)
	}
	if err := f.engine.FulfillRandomWords(f.ctx, token, words[:3]); !errors.Is(err, ErrInsufficientRandomWords) {
		t.Errorf("short words: %v", err)
	}
	if f.engine.State() != StateSettling || f.engine.PendingRequest() != token || f.engine.RoundNumber() != 1 {
		t.Fatal("rejected fulfillment changed state")
	}

	if err := f.engine.FulfillRandomWords(f.ctx, token, words); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if err := f.engine.FulfillRandomWords(f.ctx, token, words); !errors.Is(err, ErrUnknownRequest) || !IsState(err) {
		t.Errorf("replayed token: %v", err)
	}
	if f.engine.RoundNumber() != 2 {
		t.Errorf("round = %d, want 2", f.engine.RoundNumber())
	}
}

func TestScenario_ExactMatchWinsTopTier(t *testing.T) {
	f := newFixture(t, "4271")
	f.buy(t, "alice", testFee, 1)
	balance := f.engine.Balance()

	s := f.settle(t, "4271")

	if s.WinningTicket.String() != "4271" {
		t.Errorf("winning ticket = %s", s.WinningTicket)
	}
	if w, err := f.engine.Winner(1); err != nil || w != "alice" {
		t.Errorf("Winner(1) = %q, %v", w, err)
	}
	want := new(uint256.Int).Div(new(uint256.Int).Mul(balance, uint256.NewInt(65)), uint256.NewInt(100))
	if got := f.engine.RewardBalance("alice"); !got.Eq(want) {
		t.Errorf("reward = %s, want %s", got, want)
	}

	if f.engine.State() != StateOpen || f.engine.RoundNumber() != 2 || len(f.engine.Players()) != 0 {
		t.Errorf("next round = %+v", f.engine.CurrentRound())
	}
	// Every tier was matched by the one ticket, nothing rolls over.
	assertAmount(t, "next balance", f.engine.Balance(), 0)

	if winners := f.events.RecentByType(events.EventWinnerPicked, 5); len(winners) != 1 || winners[0].Participant != "alice" {
		t.Errorf("winner picked events = %+v", winners)
	}
}

func TestScenario_LastDigitMissCarriesTopTier(t *testing.T) {
	f := newFixture(t, "1234")
	f.buy(t, "alice", 1000, 1)

	s := f.settle(t, "1235")

	if s.Winner != "" || s.TierPool(4) != 0 || s.TierPool(3) != 1 {
		t.Errorf("settlement = %+v", s)
	}
	if w, _ := f.engine.Winner(1); w != "" {
		t.Errorf("winner = %q, want none", w)
	}
	assertAmount(t, "reward before reveal", f.engine.RewardBalance("alice"), 0)

	next := f.engine.CurrentRound()
	if next.Balance != "650" || next.OpeningBalance != "650" {
		t.Errorf("next round balance = %s/%s, want 650", next.Balance, next.OpeningBalance)
	}

	amount, err := f.engine.RevealWinningTickets(f.ctx, "alice", 1)
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	assertAmount(t, "revealed", amount, 200)
	assertAmount(t, "reward", f.engine.RewardBalance("alice"), 200)
	if revealed, _ := f.engine.IsRevealed("alice", 1); !revealed {
		t.Error("alice should be marked revealed")
	}
}

func TestScenario_ExactMatchAlsoRevealsTierBelow(t *testing.T) {
	f := newFixture(t, "1234")
	f.buy(t, "alice", 1000, 1)
	f.settle(t, "1234")

	assertAmount(t, "top prize", f.engine.RewardBalance("alice"), 650)
	amount, err := f.engine.RevealWinningTickets(f.ctx, "alice", 1)
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	assertAmount(t, "revealed", amount, 200)
	assertAmount(t, "reward", f.engine.RewardBalance("alice"), 850)
}

func TestScenario_SplitsTopTierAmongExactMatches(t *testing.T) {
	f := newFixture(t, "1234", "1234", "1234", "9999")
	f.buy(t, "alice", 100, 1)
	f.buy(t, "bob", 200, 2)
	f.buy(t, "carol", 101, 1)

	s := f.settle(t, "1234")

	// 401 * 65 / 100 = 260, split over 3 tickets: 86 each, 2 left over.
	assertAmount(t, "top prize", s.TopPrize, 86)
	assertAmount(t, "alice", f.engine.RewardBalance("alice"), 86)
	assertAmount(t, "bob", f.engine.RewardBalance("bob"), 172)
	assertAmount(t, "carol", f.engine.RewardBalance("carol"), 0)
	assertAmount(t, "carried", s.CarriedForward, 2)
	assertAmount(t, "next balance", f.engine.Balance(), 2)

	if s.Winner != "alice" || len(s.Winners) != 2 || s.Winners[1] != "bob" {
		t.Errorf("winners = %q %v", s.Winner, s.Winners)
	}
}

func TestSettlement_ConservesBalance(t *testing.T) {
	cases := []struct {
		name    string
		tickets []string
		winning string
	}{
		{"no match at all", []string{"1111", "2222"}, "9999"},
		{"partial matches", []string{"1200", "1230", "1299", "5000"}, "1234"},
		{"exact and partial", []string{"1234", "1234", "1235", "1000", "7777"}, "1234"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, tc.tickets...)
			for i := range tc.tickets {
				f.buy(t, Participant(rune('a'+i)), 137+uint64(i), 1)
			}
			balance := f.engine.Balance()
			s := f.settle(t, tc.winning)

			accounted := new(uint256.Int).Set(s.CarriedForward)
			accounted.Add(accounted, new(uint256.Int).Mul(s.TopPrize, uint256.NewInt(s.TierPool(4))))
			for l := 1; l < TicketSize; l++ {
				if s.TierPool(l) > 0 {
					accounted.Add(accounted, s.TierPrize(l))
				}
			}
			if accounted.Gt(balance) {
				t.Fatalf("accounted %s exceeds balance %s", accounted, balance)
			}
			if diff := new(uint256.Int).Sub(balance, accounted); diff.GtUint64(TicketSize) {
				t.Errorf("balance %s, accounted %s: lost %s", balance, accounted, diff)
			}
		})
	}
}

func TestRevealWinningTickets_Errors(t *testing.T) {
	f := newFixture(t, "1234")
	f.buy(t, "alice", 100, 1)

	if _, err := f.engine.RevealWinningTickets(f.ctx, "alice", 1); !errors.Is(err, ErrNonExistingLottery) {
		t.Errorf("unresolved round: %v", err)
	}
	if _, err := f.engine.RevealWinningTickets(f.ctx, "alice", 9); !errors.Is(err, ErrNonExistingLottery) {
		t.Errorf("unknown round: %v", err)
	}

	f.settle(t, "5555")

	if _, err := f.engine.RevealWinningTickets(f.ctx, "mallory", 1); !errors.Is(err, ErrNoTicketsInRound) {
		t.Errorf("non-participant: %v", err)
	}

	amount, err := f.engine.RevealWinningTickets(f.ctx, "alice", 1)
	if err != nil {
		t.Fatalf("first reveal: %v", err)
	}
	assertAmount(t, "no-match reveal", amount, 0)

	if _, err := f.engine.RevealWinningTickets(f.ctx, "alice", 1); !errors.Is(err, ErrAlreadyRevealed) || !IsState(err) {
		t.Errorf("second reveal: %v", err)
	}
}

func TestClaimRewards(t *testing.T) {
	f := newFixture(t, "1234")

	if _, err := f.engine.ClaimRewards(f.ctx, "alice"); !errors.Is(err, ErrNoPendingRewards) {
		t.Fatalf("claim with nothing pending: %v", err)
	}

	f.buy(t, "alice", 1000, 1)
	f.settle(t, "1234")

	amount, err := f.engine.ClaimRewards(f.ctx, "alice")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	assertAmount(t, "claimed", amount, 650)
	assertAmount(t, "reward after claim", f.engine.RewardBalance("alice"), 0)

	if _, err := f.engine.ClaimRewards(f.ctx, "alice"); !errors.Is(err, ErrNoPendingRewards) {
		t.Errorf("second claim: %v", err)
	}
	payments := f.payer.Payments()
	if len(payments) != 1 || payments[0].Participant != "alice" || !payments[0].Amount.Eq(uint256.NewInt(650)) {
		t.Errorf("payments = %+v", payments)
	}
}

func TestClaimRewards_ReentrantClaimSeesZero(t *testing.T) {
	f := newFixture(t, "1234")
	f.buy(t, "alice", 1000, 1)
	f.settle(t, "1234")

	var nested error
	f.payer.OnPay(func() {
		_, nested = f.engine.ClaimRewards(f.ctx, "alice")
	})

	if _, err := f.engine.ClaimRewards(f.ctx, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !errors.Is(nested, ErrNoPendingRewards) {
		t.Errorf("nested claim error = %v, want ErrNoPendingRewards", nested)
	}
	if len(f.payer.Payments()) != 1 {
		t.Errorf("payments = %d, want 1", len(f.payer.Payments()))
	}
}

func TestClaimRewards_PayoutFailureRestoresBalance(t *testing.T) {
	f := newFixture(t, "1234")
	f.buy(t, "alice", 1000, 1)
	f.settle(t, "1234")

	f.payer.SetError(errors.New("transfer reverted"))
	_, err := f.engine.ClaimRewards(f.ctx, "alice")
	if !errors.Is(err, ErrPayoutFailed) || !IsExternal(err) {
		t.Fatalf("error = %v, want external ErrPayoutFailed", err)
	}
	assertAmount(t, "restored", f.engine.RewardBalance("alice"), 650)

	f.payer.SetError(nil)
	if amount, err := f.engine.ClaimRewards(f.ctx, "alice"); err != nil || !amount.Eq(uint256.NewInt(650)) {
		t.Errorf("retry = %v, %v", amount, err)
	}
}

func TestClaimRewards_UnsavedRefundIsRetried(t *testing.T) {
	f := newFixture(t, "1234")
	f.buy(t, "alice", 1000, 1)
	f.settle(t, "1234")

	boom := errors.New("connection reset")
	f.payer.SetError(errors.New("transfer reverted"))
	f.payer.OnPay(func() { f.store.FailCommits(boom) })

	_, err := f.engine.ClaimRewards(f.ctx, "alice")
	if !errors.Is(err, ErrPayoutFailed) || !errors.Is(err, ErrRefundPending) || !errors.Is(err, boom) {
		t.Fatalf("error = %v, want ErrPayoutFailed and ErrRefundPending", err)
	}
	assertAmount(t, "restored in memory", f.engine.RewardBalance("alice"), 650)
	if restarted := f.open(t); !restarted.RewardBalance("alice").IsZero() {
		t.Fatal("refund reached the store while commits were failing")
	}

	f.payer.OnPay(nil)
	f.payer.SetError(nil)
	f.store.FailCommits(nil)
	f.buy(t, "bob", 100, 1)

	assertAmount(t, "persisted after next commit", f.open(t).RewardBalance("alice"), 650)
	if amount, err := f.engine.ClaimRewards(f.ctx, "alice"); err != nil || !amount.Eq(uint256.NewInt(650)) {
		t.Errorf("retry = %v, %v", amount, err)
	}
	if !f.open(t).RewardBalance("alice").IsZero() {
		t.Error("claim after recovery was not persisted")
	}
}

func TestPersistenceFailureAppliesNothing(t *testing.T) {
	f := newFixture(t, "1234")
	boom := errors.New("disk full")

	f.store.FailCommits(boom)
	_, err := f.engine.BuyTickets(f.ctx, "alice", uint256.NewInt(100), 1)
	if !errors.Is(err, ErrPersistence) || !errors.Is(err, boom) {
		t.Fatalf("error = %v, want ErrPersistence wrapping cause", err)
	}
	if !f.engine.Balance().IsZero() || len(f.engine.Players()) != 0 || !f.engine.StartedAt().IsZero() {
		t.Error("failed commit leaked into memory")
	}

	f.store.FailCommits(nil)
	f.buy(t, "alice", 100, 1)
	token := f.request(t)

	f.store.FailCommits(boom)
	if err := f.engine.FulfillRandomWords(f.ctx, token, WordsFor(mustTicket(t, "1234"))); !errors.Is(err, ErrPersistence) {
		t.Fatalf("fulfill error = %v", err)
	}
	if f.engine.State() != StateSettling || f.engine.PendingRequest() != token {
		t.Fatal("failed settlement commit changed the round")
	}
	if !f.engine.RewardBalance("alice").IsZero() {
		t.Error("failed settlement credited rewards")
	}

	f.store.FailCommits(nil)
	if err := f.engine.FulfillRandomWords(f.ctx, token, WordsFor(mustTicket(t, "1234"))); err != nil {
		t.Fatalf("retry fulfill: %v", err)
	}
	assertAmount(t, "reward", f.engine.RewardBalance("alice"), 65)
}

func TestPendingRandomness(t *testing.T) {
	f := newFixture(t, "1234")
	if _, _, ok := f.engine.PendingRandomness(); ok {
		t.Fatal("open round reported a pending request")
	}

	f.buy(t, "alice", 100, 1)
	token := f.request(t)

	restarted := f.open(t)
	got, req, ok := restarted.PendingRandomness()
	if !ok || got != token {
		t.Fatalf("PendingRandomness = %q, %v, want %q", got, ok, token)
	}
	if req.Round != 1 || req.NumWords != DefaultNumWords || req.Confirmations != f.cfg.Oracle.Confirmations {
		t.Errorf("request = %+v", req)
	}
	if sent := f.oracle.Requests(); len(sent) != 1 || sent[0] != req {
		t.Errorf("resumed request %+v differs from original %+v", req, sent)
	}
}

func TestCancelSettlement(t *testing.T) {
	t.Run("disabled by default", func(t *testing.T) {
		f := newFixture(t, "1234")
		f.buy(t, "alice", 100, 1)
		f.request(t)
		f.advance(24 * time.Hour)

		if err := f.engine.CancelSettlement(f.ctx); !errors.Is(err, ErrSettlementNotCancellable) {
			t.Errorf("error = %v, want ErrSettlementNotCancellable", err)
		}
	})

	t.Run("after timeout", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.SettlementTimeout = 10 * time.Minute
		f := newFixtureWithConfig(t, cfg, "1234")
		f.buy(t, "alice", 100, 1)

		if err := f.engine.CancelSettlement(f.ctx); !errors.Is(err, ErrSettlementNotCancellable) {
			t.Errorf("cancel while open: %v", err)
		}

		stale := f.request(t)
		f.advance(5 * time.Minute)
		if err := f.engine.CancelSettlement(f.ctx); !errors.Is(err, ErrSettlementNotCancellable) {
			t.Errorf("cancel before timeout: %v", err)
		}

		f.advance(5 * time.Minute)
		if err := f.engine.CancelSettlement(f.ctx); err != nil {
			t.Fatalf("cancel: %v", err)
		}
		if f.engine.State() != StateOpen || f.engine.PendingRequest() != "" {
			t.Error("round not reopened")
		}
		assertAmount(t, "balance kept", f.engine.Balance(), 100)

		if err := f.engine.FulfillRandomWords(f.ctx, stale, WordsFor(mustTicket(t, "1234"))); !errors.Is(err, ErrUnknownRequest) {
			t.Errorf("late fulfillment: %v", err)
		}

		fresh, err := f.engine.PerformUpkeep(f.ctx, nil)
		if err != nil {
			t.Fatalf("re-request: %v", err)
		}
		if fresh == stale {
			t.Error("re-request reused the abandoned token")
		}
	})
}

func TestNew_RestoresPersistedState(t *testing.T) {
	f := newFixture(t, "1234", "1299", "5555")
	f.buy(t, "alice", 500, 2)
	f.buy(t, "bob", 500, 1)
	f.settle(t, "1234")
	if _, err := f.engine.RevealWinningTickets(f.ctx, "alice", 1); err != nil {
		t.Fatalf("reveal: %v", err)
	}
	f.buy(t, "carol", 300, 1)
	wantCurrent := f.engine.CurrentRound()
	wantAlice := f.engine.RewardBalance("alice")

	restored := f.open(t)

	got := restored.CurrentRound()
	if got.Number != wantCurrent.Number || got.Balance != wantCurrent.Balance || got.TicketCount != wantCurrent.TicketCount {
		t.Errorf("current round = %+v, want %+v", got, wantCurrent)
	}
	if !restored.RewardBalance("alice").Eq(wantAlice) {
		t.Errorf("alice reward = %s, want %s", restored.RewardBalance("alice"), wantAlice)
	}
	if revealed, err := restored.IsRevealed("alice", 1); err != nil || !revealed {
		t.Errorf("IsRevealed = %v, %v", revealed, err)
	}
	if _, err := restored.RevealWinningTickets(f.ctx, "alice", 1); !errors.Is(err, ErrAlreadyRevealed) {
		t.Errorf("reveal after restore: %v", err)
	}
	if tk, err := restored.WinningTicket(1); err != nil || tk.String() != "1234" {
		t.Errorf("WinningTicket(1) = %v, %v", tk, err)
	}
	if bal, err := restored.RoundBalance(1); err != nil || !bal.Eq(uint256.NewInt(1000)) {
		t.Errorf("RoundBalance(1) = %v, %v", bal, err)
	}
	if rounds := restored.Rounds(); len(rounds) != 1 || rounds[0] != 1 {
		t.Errorf("Rounds() = %v", rounds)
	}
}

func TestEvents_FullCycle(t *testing.T) {
	f := newFixture(t, "1234")
	f.buy(t, "alice", 1000, 1)
	f.settle(t, "1234")
	if _, err := f.engine.ClaimRewards(f.ctx, "alice"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	want := []events.EventType{
		events.EventRoundStarted,
		events.EventEntered,
		events.EventTicketIssued,
		events.EventWinnerRequested,
		events.EventWinningTicketPicked,
		events.EventWinnerPicked,
		events.EventRewardsClaimed,
	}
	recent := f.events.Recent(len(want) + 5)
	if len(recent) != len(want) {
		t.Fatalf("events = %d, want %d", len(recent), len(want))
	}
	for i, typ := range want {
		got := recent[len(recent)-1-i].Type
		if got != typ {
			t.Errorf("event %d = %s, want %s", i, got, typ)
		}
	}
}

func TestPublisherFailureDoesNotFailOperation(t *testing.T) {
	e, err := New(context.Background(), DefaultConfig(), Dependencies{
		Store:  NewMemoryStore(),
		Oracle: NewMockOracle(),
		Fees:   StaticFee(testFee),
		Publisher: events.PublisherFunc(func(context.Context, events.Event) error {
			return errors.New("broker down")
		}),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := e.BuyTickets(context.Background(), "alice", uint256.NewInt(100), 1); err != nil {
		t.Fatalf("BuyTickets: %v", err)
	}
	if !e.Balance().Eq(uint256.NewInt(100)) {
		t.Errorf("balance = %s", e.Balance())
	}
}

func TestBuyTickets_Concurrent(t *testing.T) {
	f := newFixture(t, "0001", "0002", "0003")

	const buyers = 20
	var wg sync.WaitGroup
	errs := make(chan error, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := Participant(rune('A' + i%5))
			if _, err := f.engine.BuyTickets(f.ctx, p, uint256.NewInt(200), 2); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("BuyTickets: %v", err)
	}

	assertAmount(t, "balance", f.engine.Balance(), buyers*200)
	if n, _ := f.engine.CombinationCount(""); n != buyers*2 {
		t.Errorf("tickets = %d, want %d", n, buyers*2)
	}
	if len(f.engine.Players()) != 5 {
		t.Errorf("players = %d, want 5", len(f.engine.Players()))
	}
}
