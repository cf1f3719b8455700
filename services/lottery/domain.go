// Package lottery implements the round lifecycle and prize accounting engine
// of a ticket lottery: entries, settlement against oracle randomness, tiered
// prefix-match prizes, reveals and reward claims.
package lottery

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
)

// Default configuration values.
const (
	TicketSize                = 4  // digits per ticket
	DigitBase                 = 10 // digits are drawn from [0, DigitBase)
	DefaultMaxTicketsPerEntry = 10
	DefaultInterval           = 30 * time.Second
	DefaultNumWords           = TicketSize
)

// DefaultPrizeDistribution holds the tier shares in percent. Index L-1 is the
// share for tickets whose longest matched prefix has length L.
var DefaultPrizeDistribution = PrizeDistribution{5, 10, 20, 65}

// Participant identifies an entrant.
type Participant string

// LotteryState is the lifecycle state of the current round.
type LotteryState int32

const (
	StateOpen LotteryState = iota
	StateSettling
)

func (s LotteryState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateSettling:
		return "settling"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// MarshalJSON implements json.Marshaler.
func (s LotteryState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *LotteryState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseLotteryState(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseLotteryState converts a string to a LotteryState.
func ParseLotteryState(s string) (LotteryState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "open":
		return StateOpen, nil
	case "settling", "calculating":
		return StateSettling, nil
	default:
		return StateOpen, fmt.Errorf("unknown lottery state: %q", s)
	}
}

// RequestToken correlates a randomness request with its fulfillment.
type RequestToken string

// PrizeDistribution is the per-tier share table in percent.
type PrizeDistribution []uint64

// Validate checks that there is one share per ticket digit and that the
// shares add up to 100.
func (d PrizeDistribution) Validate() error {
	if len(d) != TicketSize {
		return validationf(ErrInvalidPrizeDistribution, "want %d tiers, got %d", TicketSize, len(d))
	}
	var sum uint64
	for _, share := range d {
		sum += share
	}
	if sum != 100 {
		return validationf(ErrInvalidPrizeDistribution, "shares sum to %d", sum)
	}
	return nil
}

// Share returns the percentage for prefix length l (1-based).
func (d PrizeDistribution) Share(l int) uint64 {
	if l < 1 || l > len(d) {
		return 0
	}
	return d[l-1]
}

// Clone returns a copy of the table.
func (d PrizeDistribution) Clone() PrizeDistribution {
	return append(PrizeDistribution(nil), d...)
}

// Settlement records how a round was resolved.
type Settlement struct {
	Token          RequestToken
	WinningTicket  Ticket
	Balance        *uint256.Int             // balance at settlement
	TierPrizes     [TicketSize]*uint256.Int // index L-1: balance*share/100
	TierPools      [TicketSize]uint64       // index L-1: tickets matching the first L digits
	Winner         Participant              // first exact-match participant
	Winners        []Participant            // every exact-match participant, entry order
	TopPrize       *uint256.Int             // credited per exact-match ticket
	CarriedForward *uint256.Int
	ResolvedAt     time.Time
}

// TierPrize returns the prize reserved for prefix length l (1-based).
func (s *Settlement) TierPrize(l int) *uint256.Int {
	if l < 1 || l > TicketSize || s.TierPrizes[l-1] == nil {
		return new(uint256.Int)
	}
	return s.TierPrizes[l-1]
}

// TierPool returns the number of tickets matching the first l digits.
func (s *Settlement) TierPool(l int) uint64 {
	if l < 1 || l > TicketSize {
		return 0
	}
	return s.TierPools[l-1]
}

// Clone returns a deep copy.
func (s *Settlement) Clone() *Settlement {
	if s == nil {
		return nil
	}
	out := *s
	out.Balance = cloneAmount(s.Balance)
	out.TopPrize = cloneAmount(s.TopPrize)
	out.CarriedForward = cloneAmount(s.CarriedForward)
	for i := range s.TierPrizes {
		out.TierPrizes[i] = cloneAmount(s.TierPrizes[i])
	}
	out.Winners = append([]Participant(nil), s.Winners...)
	return &out
}

type settlementJSON struct {
	Token          RequestToken  `json:"request_token"`
	WinningTicket  Ticket        `json:"winning_ticket"`
	Balance        string        `json:"balance"`
	TierPrizes     []string      `json:"tier_prizes"`
	TierPools      []uint64      `json:"tier_pools"`
	Winner         Participant   `json:"winner,omitempty"`
	Winners        []Participant `json:"winners,omitempty"`
	TopPrize       string        `json:"top_prize"`
	CarriedForward string        `json:"carried_forward"`
	ResolvedAt     time.Time     `json:"resolved_at"`
}

// MarshalJSON encodes amounts as decimal strings.
func (s Settlement) MarshalJSON() ([]byte, error) {
	doc := settlementJSON{
		Token:          s.Token,
		WinningTicket:  s.WinningTicket,
		Balance:        amountString(s.Balance),
		Winner:         s.Winner,
		Winners:        s.Winners,
		TopPrize:       amountString(s.TopPrize),
		CarriedForward: amountString(s.CarriedForward),
		ResolvedAt:     s.ResolvedAt,
	}
	for i := 0; i < TicketSize; i++ {
		doc.TierPrizes = append(doc.TierPrizes, amountString(s.TierPrizes[i]))
		doc.TierPools = append(doc.TierPools, s.TierPools[i])
	}
	return json.Marshal(doc)
}

// UnmarshalJSON decodes the representation written by MarshalJSON.
func (s *Settlement) UnmarshalJSON(data []byte) error {
	var doc settlementJSON
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if len(doc.TierPrizes) != TicketSize || len(doc.TierPools) != TicketSize {
		return fmt.Errorf("settlement: want %d tiers", TicketSize)
	}
	out := Settlement{
		Token:         doc.Token,
		WinningTicket: doc.WinningTicket,
		Winner:        doc.Winner,
		Winners:       doc.Winners,
		ResolvedAt:    doc.ResolvedAt,
	}
	var err error
	if out.Balance, err = ParseAmount(doc.Balance); err != nil {
		return fmt.Errorf("settlement balance: %w", err)
	}
	if out.TopPrize, err = ParseAmount(doc.TopPrize); err != nil {
		return fmt.Errorf("settlement top prize: %w", err)
	}
	if out.CarriedForward, err = ParseAmount(doc.CarriedForward); err != nil {
		return fmt.Errorf("settlement carry: %w", err)
	}
	for i := 0; i < TicketSize; i++ {
		if out.TierPrizes[i], err = ParseAmount(doc.TierPrizes[i]); err != nil {
			return fmt.Errorf("settlement tier %d: %w", i+1, err)
		}
		out.TierPools[i] = doc.TierPools[i]
	}
	*s = out
	return nil
}

// ParseAmount parses a base-10 amount. The empty string is zero.
func ParseAmount(s string) (*uint256.Int, error) {
	if s == "" {
		return new(uint256.Int), nil
	}
	return uint256.FromDecimal(s)
}

func amountString(v *uint256.Int) string {
	if v == nil {
		return "0"
	}
	return v.Dec()
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return new(uint256.Int).Set(v)
}

func amountOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
