// Package wallet implements the custodial wallet of each user.
//
// A wallet is created on first use: a 12-word mnemonic is generated, the
// ed25519 keypair is derived from it, and both the mnemonic and the private
// key are sealed with a key derived from the user's secret and a per-wallet
// salt. Only the public address is stored in the clear.
//
// Balance-dependent operations hold the wallet lock (LockKey) from the
// balance read until the transfer settles, so two withdrawals or billing
// debits of one wallet never both pass the balance check.
package wallet
