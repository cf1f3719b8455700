// Package vrf provides a local verifiable randomness coordinator for the
// lottery engine. Requests are queued, delayed by the configured number of
// confirmations and fulfilled by calling back into the consumer with words
// derived from a deterministic signature over the request seed.
package vrf

import (
	"time"

	"github.com/R3E-Network/lottery_engine/services/lottery"
)

// Output is the result of a VRF evaluation.
type Output struct {
	Randomness []byte `json:"randomness"`
	Proof      []byte `json:"proof"`
	Input      []byte `json:"input"`
}

// RequestStatus represents the status of a VRF request.
type RequestStatus string

const (
	RequestStatusPending   RequestStatus = "pending"
	RequestStatusFulfilled RequestStatus = "fulfilled"
	RequestStatusFailed    RequestStatus = "failed"
)

// Request is a tracked randomness request.
type Request struct {
	ID               lottery.RequestToken `json:"id"`
	Round            uint64               `json:"round"`
	SubscriptionID   uint64               `json:"subscription_id"`
	KeyHash          string               `json:"key_hash,omitempty"`
	Confirmations    uint16               `json:"confirmations"`
	CallbackGasLimit uint32               `json:"callback_gas_limit"`
	NumWords         uint32               `json:"num_words"`
	Seed             []byte               `json:"seed"`
	Status           RequestStatus        `json:"status"`

	// Output (filled when fulfilled)
	RandomWords []string `json:"random_words,omitempty"`
	Proof       []byte   `json:"proof,omitempty"`

	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	FulfilledAt time.Time `json:"fulfilled_at,omitempty"`
}

// Stats provides coordinator statistics.
type Stats struct {
	TotalRequests     int64     `json:"total_requests"`
	FulfilledRequests int64     `json:"fulfilled_requests"`
	PendingRequests   int64     `json:"pending_requests"`
	FailedRequests    int64     `json:"failed_requests"`
	GeneratedAt       time.Time `json:"generated_at"`
}
