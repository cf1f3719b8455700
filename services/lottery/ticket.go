package lottery

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// Ticket is a fixed-length sequence of digits.
type Ticket [TicketSize]uint8

// ParseTicket parses a string of TicketSize decimal digits such as "0427".
func ParseTicket(s string) (Ticket, error) {
	var t Ticket
	if len(s) != TicketSize {
		return t, validationf(ErrInvalidTicket, "want %d digits, got %q", TicketSize, s)
	}
	for i := 0; i < TicketSize; i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return t, validationf(ErrInvalidTicket, "non-digit in %q", s)
		}
		t[i] = c - '0'
	}
	return t, nil
}

// String renders the digits without separators.
func (t Ticket) String() string {
	return t.Prefix(TicketSize)
}

// Prefix returns the first l digits as a string; this is the combination
// identifier used by the index.
func (t Ticket) Prefix(l int) string {
	if l > TicketSize {
		l = TicketSize
	}
	var b strings.Builder
	for i := 0; i < l; i++ {
		b.WriteByte('0' + t[i])
	}
	return b.String()
}

// MatchLength returns the length of the longest common prefix with other.
func (t Ticket) MatchLength(other Ticket) int {
	for i := 0; i < TicketSize; i++ {
		if t[i] != other[i] {
			return i
		}
	}
	return TicketSize
}

// MarshalJSON encodes the ticket as its digit string.
func (t Ticket) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON decodes a digit string.
func (t *Ticket) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTicket(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// TicketFromWords derives a ticket from oracle random words, one digit per
// word (word mod 10).
func TicketFromWords(words []*uint256.Int) (Ticket, error) {
	var t Ticket
	if len(words) < TicketSize {
		return t, validationf(ErrInsufficientRandomWords, "want %d words, got %d", TicketSize, len(words))
	}
	base := uint256.NewInt(DigitBase)
	for i := 0; i < TicketSize; i++ {
		if words[i] == nil {
			return t, validationf(ErrInsufficientRandomWords, "word %d is empty", i)
		}
		t[i] = uint8(new(uint256.Int).Mod(words[i], base).Uint64())
	}
	return t, nil
}

// TicketGenerator assigns digits to purchased tickets.
type TicketGenerator interface {
	Generate(round uint64, participant Participant, at time.Time, sequence int) Ticket
}

// TicketGeneratorFunc adapts a function to the TicketGenerator interface.
type TicketGeneratorFunc func(round uint64, participant Participant, at time.Time, sequence int) Ticket

func (f TicketGeneratorFunc) Generate(round uint64, participant Participant, at time.Time, sequence int) Ticket {
	return f(round, participant, at, sequence)
}

// HashTicketGenerator derives ticket digits from a Keccak-256 hash of the
// purchase timestamp, the participant and the ticket's sequence number. It is
// predictable and must never be used for settlement randomness.
type HashTicketGenerator struct{}

func (HashTicketGenerator) Generate(round uint64, participant Participant, at time.Time, sequence int) Ticket {
	h := sha3.NewLegacyKeccak256()
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(at.Unix()))
	h.Write(buf[:])
	h.Write([]byte(participant))
	binary.BigEndian.PutUint64(buf[:], uint64(sequence))
	h.Write(buf[:])
	binary.BigEndian.PutUint64(buf[:], round)
	h.Write(buf[:])

	n := new(uint256.Int).SetBytes(h.Sum(nil))
	base := uint256.NewInt(DigitBase)
	var t Ticket
	for i := 0; i < TicketSize; i++ {
		digit := new(uint256.Int).Mod(n, base)
		t[i] = uint8(digit.Uint64())
		n.Div(n, base)
	}
	return t
}

func (t Ticket) validate() error {
	for i, d := range t {
		if d >= DigitBase {
			return fmt.Errorf("digit %d out of range: %d", i, d)
		}
	}
	return nil
}
