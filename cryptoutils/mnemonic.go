package cryptoutils

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/mr-tron/base58"
	"github.com/ruteri/compute-wallet-billing/interfaces"
	"github.com/tyler-smith/go-bip39"
)

// MnemonicEntropyBits yields a 12-word BIP-39 mnemonic.
const MnemonicEntropyBits = 128

// Keypair is a freshly generated or recovered wallet keypair together with
// the mnemonic it was derived from.
type Keypair struct {
	Mnemonic   string
	PrivateKey solana.PrivateKey
	PublicKey  solana.PublicKey
}

// GenerateKeypair creates a new random mnemonic and the keypair derived from it.
func GenerateKeypair() (*Keypair, error) {
	entropy, err := bip39.NewEntropy(MnemonicEntropyBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate entropy: %w", err)
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return KeypairFromMnemonic(mnemonic)
}

// KeypairFromMnemonic derives the ed25519 keypair from the first 32 bytes of
// the BIP-39 seed (empty passphrase).
func KeypairFromMnemonic(mnemonic string) (*Keypair, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("%w: invalid mnemonic", interfaces.ErrValidation)
	}
	seed := bip39.NewSeed(mnemonic, "")
	priv := solana.PrivateKey(ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize]))

	return &Keypair{
		Mnemonic:   mnemonic,
		PrivateKey: priv,
		PublicKey:  priv.PublicKey(),
	}, nil
}

// EncodePrivateKey renders the 64-byte secret key in base58.
func EncodePrivateKey(key solana.PrivateKey) string {
	return base58.Encode(key)
}

// DecodePrivateKey parses a base58 secret key and checks that its public half
// matches its seed half.
func DecodePrivateKey(encoded string) (solana.PrivateKey, error) {
	raw, err := base58.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed private key", interfaces.ErrDecryptionFailure)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: private key has length %d", interfaces.ErrDecryptionFailure, len(raw))
	}

	expected := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
	if !expected.Equal(ed25519.PrivateKey(raw)) {
		return nil, errors.New("private key public half does not match seed")
	}
	return solana.PrivateKey(raw), nil
}
