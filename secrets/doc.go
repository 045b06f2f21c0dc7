// Package secrets loads the signing key of the treasury wallet, the service
// wallet that receives payments and pays refunds.
//
// Sources are selected by URI (see NewTreasurySource): an environment
// variable holding the base58 key, a passphrase-sealed key file written by
// SealKeyFile, or a HashiCorp Vault KV v2 secret. The key itself is never
// logged.
package secrets
