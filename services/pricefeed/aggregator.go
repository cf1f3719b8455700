// Package pricefeed resolves the USD-denominated ticket fee into native
// currency units using a price aggregator.
package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/lottery_engine/internal/httputil"
)

var (
	ErrInvalidAnswer = errors.New("pricefeed: invalid answer")
	ErrStaleAnswer   = errors.New("pricefeed: stale answer")
)

// Answer is the latest native/USD price as a fixed-point integer with
// Decimals fractional digits.
type Answer struct {
	Value     *big.Int
	Decimals  uint8
	UpdatedAt time.Time
}

// Price returns the answer as a decimal.
func (a Answer) Price() decimal.Decimal {
	if a.Value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(a.Value, -int32(a.Decimals))
}

// Aggregator reports the latest native/USD price.
type Aggregator interface {
	LatestAnswer(ctx context.Context) (Answer, error)
}

// StaticAggregator serves a fixed answer. It backs local deployments and tests.
type StaticAggregator struct {
	mu     sync.RWMutex
	answer Answer
}

// NewStaticAggregator creates an aggregator answering value with the given
// number of decimals, e.g. 200000000000 with 8 decimals for 2000 USD.
func NewStaticAggregator(value int64, decimals uint8) *StaticAggregator {
	return &StaticAggregator{answer: Answer{
		Value:     big.NewInt(value),
		Decimals:  decimals,
		UpdatedAt: time.Now().UTC(),
	}}
}

// Update replaces the answer.
func (s *StaticAggregator) Update(value int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answer.Value = big.NewInt(value)
	s.answer.UpdatedAt = time.Now().UTC()
}

func (s *StaticAggregator) LatestAnswer(ctx context.Context) (Answer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Answer{
		Value:     new(big.Int).Set(s.answer.Value),
		Decimals:  s.answer.Decimals,
		UpdatedAt: s.answer.UpdatedAt,
	}, nil
}

// HTTPConfig configures an HTTPAggregator.
type HTTPConfig struct {
	URL string
	// AnswerPath is a gjson path to the price, e.g. "ethereum.usd" or
	// "data.answer". Decimal strings and numbers are accepted.
	AnswerPath string
	// TimestampPath optionally points at a unix-seconds update time.
	TimestampPath string
	// Decimals is the fixed-point precision the price is scaled to.
	Decimals uint8
	Timeout  time.Duration
}

// HTTPAggregator reads the price from a JSON HTTP endpoint.
type HTTPAggregator struct {
	client        *httputil.ServiceClient
	url           string
	answerPath    string
	timestampPath string
	decimals      uint8
}

// NewHTTPAggregator creates an HTTP-backed aggregator.
func NewHTTPAggregator(cfg HTTPConfig) (*HTTPAggregator, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("pricefeed: url required")
	}
	if cfg.AnswerPath == "" {
		return nil, fmt.Errorf("pricefeed: answer path required")
	}
	if cfg.Decimals == 0 {
		cfg.Decimals = 8
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPAggregator{
		client: httputil.NewServiceClient(httputil.ServiceClientConfig{
			Timeout:    cfg.Timeout,
			MaxRetries: 2,
		}),
		url:           cfg.URL,
		answerPath:    cfg.AnswerPath,
		timestampPath: cfg.TimestampPath,
		decimals:      cfg.Decimals,
	}, nil
}

func (h *HTTPAggregator) LatestAnswer(ctx context.Context) (Answer, error) {
	var body json.RawMessage
	if err := h.client.GetJSON(ctx, h.url, &body); err != nil {
		return Answer{}, fmt.Errorf("fetch price: %w", err)
	}

	raw := gjson.GetBytes(body, h.answerPath)
	if !raw.Exists() {
		return Answer{}, fmt.Errorf("%w: path %q not found", ErrInvalidAnswer, h.answerPath)
	}
	price, err := decimal.NewFromString(raw.String())
	if err != nil {
		return Answer{}, fmt.Errorf("%w: %v", ErrInvalidAnswer, err)
	}

	updatedAt := time.Now().UTC()
	if h.timestampPath != "" {
		if ts := gjson.GetBytes(body, h.timestampPath); ts.Exists() {
			updatedAt = time.Unix(ts.Int(), 0).UTC()
		}
	}

	return Answer{
		Value:     price.Shift(int32(h.decimals)).Truncate(0).BigInt(),
		Decimals:  h.decimals,
		UpdatedAt: updatedAt,
	}, nil
}
