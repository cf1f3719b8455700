package lottery

import (
	"context"
	"errors"

	"github.com/holiman/uint256"
)

// RandomnessRequest carries the oracle parameters of one entropy request.
type RandomnessRequest struct {
	Round            uint64 `json:"round"`
	SubscriptionID   uint64 `json:"subscription_id"`
	KeyHash          string `json:"key_hash"`
	Confirmations    uint16 `json:"confirmations"`
	CallbackGasLimit uint32 `json:"callback_gas_limit"`
	NumWords         uint32 `json:"num_words"`
}

// RandomnessOracle issues entropy requests. The fulfillment arrives later
// through Engine.FulfillRandomWords with the returned token.
type RandomnessOracle interface {
	RequestRandomWords(ctx context.Context, req RandomnessRequest) (RequestToken, error)
}

// FulfillmentHandler receives oracle fulfillments.
type FulfillmentHandler interface {
	FulfillRandomWords(ctx context.Context, token RequestToken, words []*uint256.Int) error
}

// OracleConfig holds the static oracle request parameters.
type OracleConfig struct {
	SubscriptionID   uint64
	KeyHash          string
	Confirmations    uint16
	CallbackGasLimit uint32
}

// coordinator owns the single outstanding request of a settlement.
type coordinator struct {
	oracle RandomnessOracle
	cfg    OracleConfig
}

func (c coordinator) request(round uint64) RandomnessRequest {
	return RandomnessRequest{
		Round:            round,
		SubscriptionID:   c.cfg.SubscriptionID,
		KeyHash:          c.cfg.KeyHash,
		Confirmations:    c.cfg.Confirmations,
		CallbackGasLimit: c.cfg.CallbackGasLimit,
		NumWords:         DefaultNumWords,
	}
}

func (c coordinator) requestEntropy(ctx context.Context, round uint64) (RequestToken, error) {
	token, err := c.oracle.RequestRandomWords(ctx, c.request(round))
	if err != nil {
		return "", external("oracle.request", ErrOracleUnavailable, err)
	}
	if token == "" {
		return "", external("oracle.request", ErrOracleUnavailable, errors.New("empty request token"))
	}
	return token, nil
}

// validateFulfillment accepts words only for the round's pending token and
// derives the winning ticket from them.
func (c coordinator) validateFulfillment(r *Round, token RequestToken, words []*uint256.Int) (Ticket, error) {
	if r.State != StateSettling || r.PendingRequest == "" || token != r.PendingRequest {
		return Ticket{}, stateErrf(ErrUnknownRequest, "token %q", token)
	}
	return TicketFromWords(words)
}
