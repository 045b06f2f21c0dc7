// Package ledger talks to the Solana network on behalf of custodial wallets.
//
// Client implements interfaces.Ledger over JSON-RPC. A transfer is validated
// locally, built against the latest blockhash, signed, submitted exactly once
// and polled until it is confirmed, fails, or the confirmation timeout
// elapses. A timeout is reported as interfaces.ErrRpcTimeout together with a
// pending Confirmation carrying the signature, so callers can poll Status
// instead of resubmitting.
//
// Error mapping:
//
//   - malformed address or zero amount: interfaces.ErrValidation, no RPC made
//   - preflight reports missing funds: interfaces.ErrInsufficientLedgerFunds
//   - any other ledger-side failure: interfaces.ErrTransferRejected
//   - unreachable node before submission: interfaces.ErrLedgerUnavailable
//
// MemoryLedger is an in-memory stand-in with fault injection for tests and
// local development.
package ledger
