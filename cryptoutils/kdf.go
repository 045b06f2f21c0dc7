package cryptoutils

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/ruteri/compute-wallet-billing/interfaces"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/pbkdf2"
)

// KDFAlgorithm selects the key derivation function.
type KDFAlgorithm string

const (
	KDFPBKDF2   KDFAlgorithm = "pbkdf2-sha256"
	KDFArgon2id KDFAlgorithm = "argon2id"
)

const (
	// MinPBKDF2Iterations is the lowest iteration count accepted.
	MinPBKDF2Iterations = 10000
	// DefaultPBKDF2Iterations is used when no count is configured.
	DefaultPBKDF2Iterations = 210000
	// SaltSize is the length of generated per-wallet salts.
	SaltSize = 16
)

// KeyDerivation turns a user secret into a 256-bit key. The same
// (secret, salt, parameters) always produce the same key.
type KeyDerivation struct {
	algorithm  KDFAlgorithm
	sharedSalt []byte
	iterations int
}

// NewKeyDerivation creates a derivation with the shared salt used for wallets
// that carry no per-wallet salt.
func NewKeyDerivation(algorithm KDFAlgorithm, sharedSalt []byte, iterations int) (*KeyDerivation, error) {
	switch algorithm {
	case KDFPBKDF2, KDFArgon2id:
	case "":
		algorithm = KDFPBKDF2
	default:
		return nil, fmt.Errorf("unsupported key derivation algorithm %q", algorithm)
	}
	if len(sharedSalt) == 0 {
		return nil, fmt.Errorf("%w: shared salt must not be empty", interfaces.ErrValidation)
	}
	if iterations == 0 {
		iterations = DefaultPBKDF2Iterations
	}
	if algorithm == KDFPBKDF2 && iterations < MinPBKDF2Iterations {
		return nil, fmt.Errorf("%w: pbkdf2 iterations must be at least %d", interfaces.ErrValidation, MinPBKDF2Iterations)
	}

	return &KeyDerivation{
		algorithm:  algorithm,
		sharedSalt: append([]byte(nil), sharedSalt...),
		iterations: iterations,
	}, nil
}

// Iterations returns the configured PBKDF2 iteration count.
func (k *KeyDerivation) Iterations() int {
	return k.iterations
}

// DeriveKey derives a key from secret using the shared salt.
func (k *KeyDerivation) DeriveKey(secret string) (interfaces.Key256, error) {
	return k.deriveWithIterations(secret, k.sharedSalt, k.iterations)
}

// DeriveKeyWithSalt derives a key from secret and an explicit salt. An empty
// secret or salt is rejected rather than producing a predictable key.
func (k *KeyDerivation) DeriveKeyWithSalt(secret string, salt []byte) (interfaces.Key256, error) {
	if len(salt) == 0 {
		return interfaces.Key256{}, fmt.Errorf("%w: empty salt", interfaces.ErrValidation)
	}
	return k.deriveWithIterations(secret, salt, k.iterations)
}

// DeriveKeyWithParams derives using the salt and iteration count recorded
// for an existing wallet. Wallets stored without a salt use the shared one.
func (k *KeyDerivation) DeriveKeyWithParams(secret string, salt []byte, iterations int) (interfaces.Key256, error) {
	if len(salt) == 0 {
		salt = k.sharedSalt
	}
	if iterations <= 0 {
		iterations = k.iterations
	}
	return k.deriveWithIterations(secret, salt, iterations)
}

func (k *KeyDerivation) deriveWithIterations(secret string, salt []byte, iterations int) (interfaces.Key256, error) {
	var key interfaces.Key256
	if secret == "" {
		return key, fmt.Errorf("%w: empty secret", interfaces.ErrValidation)
	}

	var derived []byte
	switch k.algorithm {
	case KDFArgon2id:
		// Parameters: time=1, memory=64*1024, threads=4, keyLen=32
		derived = argon2.IDKey([]byte(secret), salt, 1, 64*1024, 4, 32)
	default:
		derived = pbkdf2.Key([]byte(secret), salt, iterations, 32, sha256.New)
	}
	copy(key[:], derived)
	return key, nil
}

// NewSalt returns a fresh random per-wallet salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}
