package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/compute-wallet-billing/interfaces"
	"github.com/ruteri/compute-wallet-billing/metrics"
	"github.com/shopspring/decimal"
)

var (
	lamportsPerSOL = decimal.NewFromInt(interfaces.LamportsPerSOL)
	centsPerDollar = decimal.NewFromInt(100)
)

// Converter quotes fiat costs in lamports against a live rate. Rates are
// fetched for every quote and never cached.
type Converter struct {
	rates interfaces.RateSource
	now   func() time.Time
	log   *slog.Logger
}

// NewConverter creates a converter on rates.
func NewConverter(rates interfaces.RateSource, log *slog.Logger) *Converter {
	return &Converter{rates: rates, now: time.Now, log: log}
}

// Quote prices one hour at hourlyCostCents.
func (c *Converter) Quote(ctx context.Context, hourlyCostCents int64) (*interfaces.PricingQuote, error) {
	return c.QuoteHours(ctx, hourlyCostCents, 1)
}

// QuoteHours prices hours at hourlyCostCents per hour.
func (c *Converter) QuoteHours(ctx context.Context, hourlyCostCents, hours int64) (*interfaces.PricingQuote, error) {
	if hourlyCostCents <= 0 {
		return nil, fmt.Errorf("%w: hourly cost must be positive", interfaces.ErrValidation)
	}
	if hours <= 0 {
		return nil, fmt.Errorf("%w: hours must be positive", interfaces.ErrValidation)
	}

	rate, err := c.rates.Rate(ctx)
	if err == nil {
		rate, err = ValidateRate(rate)
	}
	if err != nil {
		c.log.Warn("Exchange rate unavailable", "err", err)
		metrics.PricingQuotes.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: %v", interfaces.ErrPricingUnavailable, err)
	}

	required, err := RequiredLamports(hourlyCostCents*hours, rate)
	if err != nil {
		metrics.PricingQuotes.WithLabelValues("unavailable").Inc()
		return nil, err
	}

	metrics.PricingQuotes.WithLabelValues("ok").Inc()
	return &interfaces.PricingQuote{
		HourlyCostCents:  hourlyCostCents,
		Hours:            hours,
		ExchangeRate:     rate,
		RequiredLamports: required,
		QuotedAt:         c.now(),
	}, nil
}

// RequiredLamports converts cents at rate (USD per SOL) into lamports,
// rounding half-up at lamport precision:
//
//	lamports = round_half_up(cents * 1e9 / (100 * rate))
func RequiredLamports(cents int64, rate decimal.Decimal) (interfaces.Lamports, error) {
	if !rate.IsPositive() {
		return 0, fmt.Errorf("%w: rate %s is not positive", interfaces.ErrPricingUnavailable, rate)
	}

	numerator := decimal.NewFromInt(cents).Mul(lamportsPerSOL)
	denominator := centsPerDollar.Mul(rate)
	// DivRound rounds half away from zero, which is half-up for positive amounts.
	lamports := numerator.DivRound(denominator, 0)

	if !lamports.IsPositive() {
		return 0, fmt.Errorf("%w: quote rounds to zero lamports", interfaces.ErrPricingUnavailable)
	}
	if !lamports.BigInt().IsUint64() {
		return 0, fmt.Errorf("%w: quote out of range", interfaces.ErrPricingUnavailable)
	}
	return interfaces.Lamports(lamports.BigInt().Uint64()), nil
}
