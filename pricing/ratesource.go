package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/compute-wallet-billing/interfaces"
	"github.com/shopspring/decimal"
)

const (
	// DefaultRateURL is a CoinGecko-compatible simple price endpoint.
	DefaultRateURL = "https://api.coingecko.com/api/v3/simple/price?ids=solana&vs_currencies=usd"

	maxRateResponseSize = 64 * 1024
)

// HTTPRateSource reads the SOL/USD price from a CoinGecko-compatible
// simple price endpoint returning {"solana":{"usd":123.45}}.
type HTTPRateSource struct {
	url        string
	apiKey     string
	httpClient *http.Client
	log        *slog.Logger
}

// NewHTTPRateSource creates a rate source. An optional apiKey is sent in the
// x-cg-pro-api-key header.
func NewHTTPRateSource(rawURL, apiKey string, timeout time.Duration, log *slog.Logger) (*HTTPRateSource, error) {
	if rawURL == "" {
		rawURL = DefaultRateURL
	}
	if _, err := url.ParseRequestURI(rawURL); err != nil {
		return nil, fmt.Errorf("invalid rate source URL: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRateSource{
		url:        rawURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
		log:        log,
	}, nil
}

// Rate fetches the current USD price of one SOL. Any failure, including a
// non-positive price, is reported as ErrPricingUnavailable.
func (s *HTTPRateSource) Rate(ctx context.Context) (decimal.Decimal, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", interfaces.ErrPricingUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("x-cg-pro-api-key", s.apiKey)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.log.Warn("Rate request failed", "err", err)
		return decimal.Zero, fmt.Errorf("%w: %v", interfaces.ErrPricingUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRateResponseSize))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: reading response: %v", interfaces.ErrPricingUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		s.log.Warn("Rate request failed", slog.Int("status", resp.StatusCode), slog.String("body", string(body)))
		return decimal.Zero, fmt.Errorf("%w: rate request failed with code %d", interfaces.ErrPricingUnavailable, resp.StatusCode)
	}

	return parseRate(body)
}

func parseRate(body []byte) (decimal.Decimal, error) {
	var payload map[string]map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return decimal.Zero, fmt.Errorf("%w: malformed rate response", interfaces.ErrPricingUnavailable)
	}
	raw, ok := payload["solana"]["usd"]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: rate missing from response", interfaces.ErrPricingUnavailable)
	}

	// Both numbers and numeric strings are accepted; NaN and Inf are not
	// valid decimals and fail here.
	rate, err := decimal.NewFromString(strings.Trim(string(raw), `"`))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: rate is not a finite number", interfaces.ErrPricingUnavailable)
	}
	return ValidateRate(rate)
}

// ValidateRate rejects non-positive rates.
func ValidateRate(rate decimal.Decimal) (decimal.Decimal, error) {
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: rate %s is not positive", interfaces.ErrPricingUnavailable, rate)
	}
	return rate, nil
}

// FixedRateSource always returns the same operator-configured rate. Intended
// for development clusters where no market price exists.
type FixedRateSource struct {
	rate decimal.Decimal
}

// NewFixedRateSource parses rate and rejects non-positive values.
func NewFixedRateSource(rate string) (*FixedRateSource, error) {
	d, err := decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid fixed rate %q", interfaces.ErrPricingUnavailable, rate)
	}
	if _, err := ValidateRate(d); err != nil {
		return nil, err
	}
	return &FixedRateSource{rate: d}, nil
}

// Rate returns the configured rate.
func (s *FixedRateSource) Rate(ctx context.Context) (decimal.Decimal, error) {
	return s.rate, nil
}
