package lottery

import (
	"errors"
	"fmt"
)

// Errors
var (
	ErrLotteryNotOpen           = errors.New("lottery is not open")
	ErrInsufficientStake        = errors.New("stake does not cover ticket fee")
	ErrTooManyTickets           = errors.New("too many tickets in one entry")
	ErrInvalidTicketCount       = errors.New("ticket count must be positive")
	ErrInvalidTicket            = errors.New("invalid ticket")
	ErrInvalidParticipant       = errors.New("participant is required")
	ErrUpkeepNotNeeded          = errors.New("upkeep not needed")
	ErrUnknownRequest           = errors.New("unknown randomness request")
	ErrInsufficientRandomWords  = errors.New("not enough random words")
	ErrNonExistingLottery       = errors.New("lottery round does not exist or is not resolved")
	ErrAlreadyRevealed          = errors.New("tickets already revealed")
	ErrNoTicketsInRound         = errors.New("no tickets in round")
	ErrNoPendingRewards         = errors.New("no pending rewards")
	ErrInvalidPrizeDistribution = errors.New("prize distribution must sum to 100")
	ErrSettlementNotCancellable = errors.New("settlement cannot be cancelled")
	ErrOracleUnavailable        = errors.New("randomness oracle unavailable")
	ErrFeeUnavailable           = errors.New("ticket fee unavailable")
	ErrPersistence              = errors.New("state could not be persisted")
	ErrPayoutFailed             = errors.New("reward payout failed")
	ErrRefundPending            = errors.New("restored rewards not yet persisted")
	ErrStakeTooLarge            = errors.New("stake too large")
	ErrInvalidConfig            = errors.New("invalid lottery configuration")
	ErrIndexOutOfRange          = errors.New("index out of range")
)

// ValidationError reports input rejected before any state was touched.
type ValidationError struct {
	Err    error
	Detail string
}

func (e *ValidationError) Error() string { return describe(e.Err, e.Detail) }
func (e *ValidationError) Unwrap() error { return e.Err }

// StateError reports an operation that is invalid in the current lifecycle
// state.
type StateError struct {
	Err    error
	Detail string
}

func (e *StateError) Error() string { return describe(e.Err, e.Detail) }
func (e *StateError) Unwrap() error { return e.Err }

// ExternalFailure reports a collaborator (oracle, price feed, store, payer)
// that failed. Kind is one of the sentinels above; Cause is the original error.
type ExternalFailure struct {
	Op    string
	Kind  error
	Cause error
}

func (e *ExternalFailure) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Cause)
}

func (e *ExternalFailure) Unwrap() []error { return []error{e.Kind, e.Cause} }

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsState reports whether err is a StateError.
func IsState(err error) bool {
	var s *StateError
	return errors.As(err, &s)
}

// IsExternal reports whether err is an ExternalFailure.
func IsExternal(err error) bool {
	var x *ExternalFailure
	return errors.As(err, &x)
}

func validationf(sentinel error, format string, args ...interface{}) error {
	return &ValidationError{Err: sentinel, Detail: fmt.Sprintf(format, args...)}
}

func stateErr(sentinel error, detail string) error {
	return &StateError{Err: sentinel, Detail: detail}
}

func stateErrf(sentinel error, format string, args ...interface{}) error {
	return &StateError{Err: sentinel, Detail: fmt.Sprintf(format, args...)}
}

func external(op string, kind, cause error) error {
	return &ExternalFailure{Op: op, Kind: kind, Cause: cause}
}

func describe(err error, detail string) string {
	if detail == "" {
		return err.Error()
	}
	return err.Error() + ": " + detail
}
