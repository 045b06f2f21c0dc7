package secrets

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/hashicorp/vault/api"
	"github.com/ruteri/compute-wallet-billing/cryptoutils"
	"github.com/ruteri/compute-wallet-billing/interfaces"
)

// DefaultVaultField is the KV field holding the base58 treasury key.
const DefaultVaultField = "private_key"

// VaultSource reads the treasury key from a HashiCorp Vault KV v2 secret.
type VaultSource struct {
	client *api.Client
	path   string
	field  string
	log    *slog.Logger
}

// VaultConfig configures NewVaultSource. Token falls back to VAULT_TOKEN.
type VaultConfig struct {
	Address   string
	Token     string
	MountPath string
	// SecretPath is relative to the mount, e.g. "billing/treasury".
	SecretPath string
	Field      string
	// ClientCert enables TLS client certificate authentication.
	ClientCert *tls.Certificate
	Timeout    time.Duration
}

func NewVaultSource(cfg VaultConfig, log *slog.Logger) (*VaultSource, error) {
	config := api.DefaultConfig()
	config.Address = cfg.Address

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if cfg.ClientCert != nil {
		config.HttpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{Certificates: []tls.Certificate{*cfg.ClientCert}},
			},
			Timeout: timeout,
		}
	} else {
		config.Timeout = timeout
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}

	field := cfg.Field
	if field == "" {
		field = DefaultVaultField
	}

	mount := strings.Trim(cfg.MountPath, "/")
	if mount == "" {
		mount = "secret"
	}
	secretPath := strings.Trim(cfg.SecretPath, "/")
	if secretPath == "" {
		return nil, fmt.Errorf("%w: missing vault secret path", interfaces.ErrValidation)
	}

	return &VaultSource{
		client: client,
		path:   fmt.Sprintf("%s/data/%s", mount, secretPath),
		field:  field,
		log:    log,
	}, nil
}

func (s *VaultSource) TreasuryKey(ctx context.Context) (solana.PrivateKey, error) {
	start := time.Now()

	secret, err := s.client.Logical().ReadWithContext(ctx, s.path)
	if err != nil {
		s.log.Error("Failed to read treasury key from Vault", slog.String("path", s.path), "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: no secret at %s", interfaces.ErrBackendUnavailable, s.path)
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid KV v2 response at %s", s.path)
	}
	encoded, ok := data[s.field].(string)
	if !ok || encoded == "" {
		return nil, fmt.Errorf("field %q missing at %s", s.field, s.path)
	}

	s.log.Debug("Fetched treasury key from Vault",
		slog.String("path", s.path),
		slog.Duration("duration", time.Since(start)))
	return cryptoutils.DecodePrivateKey(encoded)
}
