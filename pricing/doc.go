// Package pricing converts fiat compute costs into native-token amounts.
//
// A quote always uses a freshly fetched exchange rate. Rates that are missing,
// non-numeric or non-positive fail the quote with
// interfaces.ErrPricingUnavailable; there is no fallback rate.
package pricing
