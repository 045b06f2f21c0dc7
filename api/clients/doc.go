// Package clients provides Go clients for the billing HTTP API.
//
// AdminClient drives the reconciliation endpoints and is used by walletctl.
package clients
