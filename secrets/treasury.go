package secrets

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/ruteri/compute-wallet-billing/cryptoutils"
	"github.com/ruteri/compute-wallet-billing/interfaces"
)

// EnvSource reads a base58 treasury key from an environment variable.
type EnvSource struct {
	name string
}

func NewEnvSource(name string) *EnvSource {
	return &EnvSource{name: name}
}

func (s *EnvSource) TreasuryKey(ctx context.Context) (solana.PrivateKey, error) {
	value := strings.TrimSpace(os.Getenv(s.name))
	if value == "" {
		return nil, fmt.Errorf("%w: treasury key variable %s is empty", interfaces.ErrBackendUnavailable, s.name)
	}
	return cryptoutils.DecodePrivateKey(value)
}

// sealedKeyFile is the on-disk format of FileSource.
type sealedKeyFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
	Blob       string `json:"blob"`
}

// FileSource reads a treasury key sealed with a passphrase by SealKeyFile.
type FileSource struct {
	path       string
	passphrase string
	kdf        *cryptoutils.KeyDerivation
	vault      *cryptoutils.MnemonicVault
}

func NewFileSource(path, passphrase string, kdf *cryptoutils.KeyDerivation) *FileSource {
	return &FileSource{
		path:       path,
		passphrase: passphrase,
		kdf:        kdf,
		vault:      cryptoutils.NewMnemonicVault(),
	}
}

func (s *FileSource) TreasuryKey(ctx context.Context) (solana.PrivateKey, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	var sealed sealedKeyFile
	if err := json.Unmarshal(raw, &sealed); err != nil {
		return nil, fmt.Errorf("%w: malformed key file", interfaces.ErrDecryptionFailure)
	}
	salt, err := base64.StdEncoding.DecodeString(sealed.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed salt", interfaces.ErrDecryptionFailure)
	}
	blob, err := base64.StdEncoding.DecodeString(sealed.Blob)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed blob", interfaces.ErrDecryptionFailure)
	}

	key, err := s.kdf.DeriveKeyWithParams(s.passphrase, salt, sealed.Iterations)
	if err != nil {
		return nil, err
	}
	encoded, err := s.vault.DecryptString(blob, key)
	if err != nil {
		return nil, err
	}
	return cryptoutils.DecodePrivateKey(encoded)
}

// SealKeyFile encrypts key under passphrase and writes it to path with
// owner-only permissions.
func SealKeyFile(path string, key solana.PrivateKey, passphrase string, kdf *cryptoutils.KeyDerivation) error {
	salt, err := cryptoutils.NewSalt()
	if err != nil {
		return err
	}
	derived, err := kdf.DeriveKeyWithSalt(passphrase, salt)
	if err != nil {
		return err
	}
	blob, err := cryptoutils.NewMnemonicVault().Encrypt([]byte(cryptoutils.EncodePrivateKey(key)), derived)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(sealedKeyFile{
		Version:    1,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Iterations: kdf.Iterations(),
		Blob:       base64.StdEncoding.EncodeToString(blob),
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, out, 0o600)
}

// staticSource serves a key held in memory. Used by development setups that
// generate a throwaway treasury.
type staticSource struct {
	key solana.PrivateKey
}

// NewStaticSource returns a source that always yields key.
func NewStaticSource(key solana.PrivateKey) interfaces.TreasurySource {
	return &staticSource{key: key}
}

func (s *staticSource) TreasuryKey(context.Context) (solana.PrivateKey, error) {
	return s.key, nil
}

// describe is used for logging the configured source without secrets.
func describe(source interfaces.TreasurySource) string {
	switch s := source.(type) {
	case *EnvSource:
		return "env:" + s.name
	case *FileSource:
		return "file:" + s.path
	case *VaultSource:
		return "vault:" + s.path
	case *CachedSource:
		return "cached(" + describe(s.source) + ")"
	default:
		return fmt.Sprintf("%T", source)
	}
}
