// Package cryptoutils provides the key material handling of custodial wallets.
//
// # Key Derivation
//
// KeyDerivation turns a low-entropy user secret into a 256-bit symmetric key
// with PBKDF2-HMAC-SHA256 (default) or Argon2id. Each wallet stores its own
// random salt; wallets without one fall back to the shared configured salt.
// An empty secret is rejected.
//
// # Encryption Format
//
// MnemonicVault uses AES-256-GCM with a fresh random nonce per call:
//
//	[nonce (12 bytes)][ciphertext][tag (16 bytes)]
//
// Decrypting with a wrong key or a modified blob fails with
// interfaces.ErrDecryptionFailure instead of returning garbage.
//
// # Wallet Keys
//
// GenerateKeypair creates a 12-word BIP-39 mnemonic and derives the ed25519
// keypair from the first 32 bytes of its seed, so the mnemonic alone is
// sufficient to recover the wallet in any standard Solana wallet.
package cryptoutils
