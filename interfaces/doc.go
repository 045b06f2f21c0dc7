// Package interfaces defines the contracts between the components of the
// custodial wallet and billing service, separating them from implementations.
//
// # Capability Interfaces
//
// KeyDeriver and SecretVault: symmetric key derivation from a user secret and
// authenticated encryption of mnemonics and signing keys.
//
// Ledger: balance queries and signed native-token transfers with bounded
// confirmation polling.
//
// RateSource and Quoter: live exchange rate and fiat to lamport conversion.
//
// Provisioner: the external compute provisioning API.
//
// WalletLocker: per-wallet mutual exclusion spanning read-balance to transfer.
//
// # Persistence Interfaces
//
// WalletStore, CheckpointStore and BillingRecordStore persist wallets,
// metering checkpoints and the phase journal of every debit.
// StorageBackend archives reconciliation records in content-addressed form.
//
// # Errors
//
// All failures are reported through the sentinel errors in errors.go and
// matched with errors.Is. PublicError maps them onto three user-facing
// classes: not enough funds, try again, contact support.
package interfaces
