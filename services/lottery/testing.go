package lottery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/holiman/uint256"
)

// MockOracle records randomness requests and hands out sequential tokens.
type MockOracle struct {
	mu       sync.Mutex
	requests []RandomnessRequest
	tokens   []RequestToken
	err      error
}

// NewMockOracle creates a new mock oracle.
func NewMockOracle() *MockOracle {
	return &MockOracle{}
}

func (m *MockOracle) RequestRandomWords(ctx context.Context, req RandomnessRequest) (RequestToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return "", m.err
	}
	token := RequestToken(fmt.Sprintf("mock-request-%d", len(m.tokens)+1))
	m.requests = append(m.requests, req)
	m.tokens = append(m.tokens, token)
	return token, nil
}

// SetError makes subsequent requests fail with err. Pass nil to recover.
func (m *MockOracle) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Requests returns every accepted request.
func (m *MockOracle) Requests() []RandomnessRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RandomnessRequest(nil), m.requests...)
}

// LastToken returns the most recently issued token.
func (m *MockOracle) LastToken() RequestToken {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.tokens) == 0 {
		return ""
	}
	return m.tokens[len(m.tokens)-1]
}

// WordsFor returns random words that derive t. Each word is a large value
// congruent to the digit mod 10.
func WordsFor(t Ticket) []*uint256.Int {
	words := make([]*uint256.Int, TicketSize)
	for i, d := range t {
		w := new(uint256.Int).Lsh(uint256.NewInt(uint64(i)+7), 200)
		w.Sub(w, new(uint256.Int).Mod(w, uint256.NewInt(DigitBase)))
		words[i] = w.Add(w, uint256.NewInt(uint64(d)))
	}
	return words
}

// StaticFee returns a resolver that always quotes fee.
func StaticFee(fee uint64) FeeResolver {
	return FeeResolverFunc(func(context.Context) (*uint256.Int, error) {
		return uint256.NewInt(fee), nil
	})
}

// SequenceTickets issues a fixed list of tickets in order, cycling when the
// list is exhausted.
type SequenceTickets struct {
	mu      sync.Mutex
	tickets []Ticket
	next    int
}

// NewSequenceTickets creates a generator over the given ticket strings.
// It panics on malformed input.
func NewSequenceTickets(tickets ...string) *SequenceTickets {
	g := &SequenceTickets{}
	for _, s := range tickets {
		t, err := ParseTicket(s)
		if err != nil {
			panic(err)
		}
		g.tickets = append(g.tickets, t)
	}
	return g
}

// Push appends tickets to the sequence.
func (g *SequenceTickets) Push(tickets ...Ticket) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tickets = append(g.tickets, tickets...)
}

func (g *SequenceTickets) Generate(round uint64, participant Participant, at time.Time, sequence int) Ticket {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.tickets) == 0 {
		return Ticket{}
	}
	t := g.tickets[g.next%len(g.tickets)]
	g.next++
	return t
}

// FlakyStore wraps a Store and fails commits on demand.
type FlakyStore struct {
	Store

	mu      sync.Mutex
	failErr error
	commits int
}

// NewFlakyStore wraps inner.
func NewFlakyStore(inner Store) *FlakyStore {
	return &FlakyStore{Store: inner}
}

// FailCommits makes subsequent commits fail with err. Pass nil to recover.
func (s *FlakyStore) FailCommits(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Commits returns the number of successful commits.
func (s *FlakyStore) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func (s *FlakyStore) Commit(ctx context.Context, batch Batch) error {
	s.mu.Lock()
	err := s.failErr
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if err := s.Store.Commit(ctx, batch); err != nil {
		return err
	}
	s.mu.Lock()
	s.commits++
	s.mu.Unlock()
	return nil
}

// Payment is a payout recorded by MockPayer.
type Payment struct {
	Participant Participant
	Amount      *uint256.Int
}

// MockPayer records payouts.
type MockPayer struct {
	mu       sync.Mutex
	payments []Payment
	err      error
	onPay    func()
}

// NewMockPayer creates a new mock payer.
func NewMockPayer() *MockPayer {
	return &MockPayer{}
}

// SetError makes subsequent payouts fail with err.
func (m *MockPayer) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// OnPay registers a hook invoked during each payout, before it is recorded.
func (m *MockPayer) OnPay(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPay = fn
}

func (m *MockPayer) Pay(ctx context.Context, p Participant, amount *uint256.Int) error {
	m.mu.Lock()
	hook, err := m.onPay, m.err
	m.mu.Unlock()

	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments = append(m.payments, Payment{Participant: p, Amount: new(uint256.Int).Set(amount)})
	return nil
}

// Payments returns the recorded payouts.
func (m *MockPayer) Payments() []Payment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Payment(nil), m.payments...)
}
