package secrets

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ruteri/compute-wallet-billing/cryptoutils"
	"github.com/ruteri/compute-wallet-billing/interfaces"
)

// DefaultCacheTTL bounds how long a fetched treasury key stays in memory.
const DefaultCacheTTL = 5 * time.Minute

// NewTreasurySource creates a treasury key source from a URI:
//
//	env://TREASURY_PRIVATE_KEY
//	file:///etc/billing/treasury.json?passphrase_env=TREASURY_PASSPHRASE
//	vault://vault.internal:8200/secret/billing/treasury?field=private_key&tls=true
//
// File and Vault sources are wrapped in a CachedSource.
func NewTreasurySource(uri string, kdf *cryptoutils.KeyDerivation, log *slog.Logger) (interfaces.TreasurySource, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	var source interfaces.TreasurySource
	switch strings.ToLower(u.Scheme) {
	case "env":
		if u.Host == "" {
			return nil, fmt.Errorf("%w: missing variable name", interfaces.ErrInvalidLocationURI)
		}
		source = NewEnvSource(u.Host)

	case "file":
		path := u.Path
		if u.Host != "" {
			path = u.Host + "/" + strings.TrimPrefix(path, "/")
		}
		passphraseEnv := u.Query().Get("passphrase_env")
		if passphraseEnv == "" {
			passphraseEnv = "TREASURY_PASSPHRASE"
		}
		passphrase := os.Getenv(passphraseEnv)
		if path == "" || passphrase == "" {
			return nil, fmt.Errorf("%w: file source needs a path and %s", interfaces.ErrInvalidLocationURI, passphraseEnv)
		}
		source = NewCachedSource(NewFileSource(path, passphrase, kdf), DefaultCacheTTL)

	case "vault":
		mount, secretPath, _ := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
		scheme := "http"
		if u.Query().Get("tls") == "true" {
			scheme = "https"
		}
		vault, err := NewVaultSource(VaultConfig{
			Address:    fmt.Sprintf("%s://%s", scheme, u.Host),
			MountPath:  mount,
			SecretPath: secretPath,
			Field:      u.Query().Get("field"),
		}, log)
		if err != nil {
			return nil, err
		}
		source = NewCachedSource(vault, DefaultCacheTTL)

	default:
		return nil, fmt.Errorf("%w: unsupported treasury scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}

	log.Info("Treasury key source configured", slog.String("source", describe(source)))
	return source, nil
}
