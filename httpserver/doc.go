/*
Package httpserver serves the wallet and compute billing API.

Every /api route requires an HS256 bearer token. The caller's user id is
taken from the "id" claim (or "sub"), the email from the "email" claim or,
when absent, from the user directory.

# Wallet

	POST /api/wallet                 create (idempotent)
	GET  /api/wallet                 public key and creation time
	GET  /api/wallet/balance         on-ledger balance
	POST /api/wallet/mnemonic        reveal the recovery phrase
	POST /api/wallet/withdraw        {"to": "...", "amount_lamports": n}
	POST /api/wallet/airdrop         devnet only
	GET  /api/transfers/{signature}  confirmation status

# Instances

	GET  /api/instance-types
	GET  /api/instances
	POST /api/instances              launch, charging the first hour
	POST /api/instances/terminate    {"instance_ids": [...]}

# Reconciliation (role "admin")

	GET  /api/admin/reconciliation
	POST /api/admin/reconciliation/{id}/retry
	POST /api/admin/reconciliation/{id}/resolve  {"outcome": "refunded"|"committed", "note": "..."}

# Errors

Errors are returned as {"code", "message"} with one of three user-facing
meanings: not enough funds, try again, or contact support. A payment that
was submitted but not yet confirmed answers 202 with code "pending" and the
transfer signature; clients must poll it rather than retry.

# Operations

/livez, /readyz, /drain and /undrain support rolling deployments. Metrics
are served on a separate listener.
*/
package httpserver
