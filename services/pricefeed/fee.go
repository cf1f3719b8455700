package pricefeed

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"
)

// NativeDecimals is the precision of the native currency (wei per ether).
const NativeDecimals = 18

// FeeResolver converts a USD ticket fee into native units at the latest
// aggregator price. It implements lottery.FeeResolver and reads the price on
// every call.
type FeeResolver struct {
	aggregator Aggregator
	usdFee     decimal.Decimal
	maxAge     time.Duration
	now        func() time.Time
}

// NewFeeResolver creates a resolver for a positive USD fee. A positive maxAge
// rejects answers older than maxAge.
func NewFeeResolver(aggregator Aggregator, usdFee decimal.Decimal, maxAge time.Duration) (*FeeResolver, error) {
	if aggregator == nil {
		return nil, fmt.Errorf("pricefeed: aggregator required")
	}
	if !usdFee.IsPositive() {
		return nil, fmt.Errorf("pricefeed: usd fee must be positive, got %s", usdFee)
	}
	return &FeeResolver{
		aggregator: aggregator,
		usdFee:     usdFee,
		maxAge:     maxAge,
		now:        time.Now,
	}, nil
}

// UsdTicketFee returns the configured USD fee.
func (f *FeeResolver) UsdTicketFee() decimal.Decimal {
	return f.usdFee
}

// TicketFee returns the native fee:
// usdFee*10^18 * 10^18 / (answer * 10^(18-decimals)), rounded down.
func (f *FeeResolver) TicketFee(ctx context.Context) (*uint256.Int, error) {
	answer, err := f.aggregator.LatestAnswer(ctx)
	if err != nil {
		return nil, err
	}
	if answer.Value == nil || answer.Value.Sign() <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAnswer, answer.Value)
	}
	if f.maxAge > 0 && !answer.UpdatedAt.IsZero() && f.now().Sub(answer.UpdatedAt) > f.maxAge {
		return nil, fmt.Errorf("%w: updated %s", ErrStaleAnswer, answer.UpdatedAt.Format(time.RFC3339))
	}

	num := f.usdFee.Shift(NativeDecimals).Truncate(0).BigInt()
	num.Mul(num, pow10(NativeDecimals))
	den := new(big.Int).Set(answer.Value)
	if d := int(answer.Decimals); d <= NativeDecimals {
		den.Mul(den, pow10(NativeDecimals-d))
	} else {
		num.Mul(num, pow10(d-NativeDecimals))
	}

	fee, overflow := uint256.FromBig(num.Quo(num, den))
	if overflow {
		return nil, fmt.Errorf("%w: fee overflows 256 bits", ErrInvalidAnswer)
	}
	return fee, nil
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
