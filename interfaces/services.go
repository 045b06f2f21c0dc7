package interfaces

import (
	"context"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// KeyDeriver turns a low-entropy user secret into a symmetric key.
type KeyDeriver interface {
	// DeriveKey derives with the shared configured salt.
	DeriveKey(secret string) (Key256, error)
	DeriveKeyWithSalt(secret string, salt []byte) (Key256, error)
}

// SecretVault provides authenticated symmetric encryption.
type SecretVault interface {
	Encrypt(plaintext []byte, key Key256) (EncryptedBlob, error)
	Decrypt(blob EncryptedBlob, key Key256) ([]byte, error)
}

// TransferStatus is the ledger's view of a submitted transfer.
type TransferStatus string

const (
	TransferPending   TransferStatus = "pending"
	TransferConfirmed TransferStatus = "confirmed"
	TransferFailed    TransferStatus = "failed"
	// TransferUnknown means the ledger has no record of the signature.
	TransferUnknown TransferStatus = "unknown"
)

// Confirmation is the handle of a submitted transfer.
type Confirmation struct {
	Signature string         `json:"signature"`
	Status    TransferStatus `json:"status"`
	Amount    Lamports       `json:"amount_lamports"`
}

// Ledger is the native-token network.
type Ledger interface {
	GetBalance(ctx context.Context, address string) (Lamports, error)
	// Transfer submits exactly once. On ErrRpcTimeout the returned
	// confirmation carries the signature in pending state.
	Transfer(ctx context.Context, signer solana.PrivateKey, to string, amount Lamports) (*Confirmation, error)
	Status(ctx context.Context, signature string) (TransferStatus, error)
	RequestAirdrop(ctx context.Context, address string, amount Lamports) (string, error)
}

// RateSource provides the current USD price of one SOL.
type RateSource interface {
	Rate(ctx context.Context) (decimal.Decimal, error)
}

// Quoter converts fiat costs into native-token amounts.
type Quoter interface {
	Quote(ctx context.Context, hourlyCostCents int64) (*PricingQuote, error)
	QuoteHours(ctx context.Context, hourlyCostCents, hours int64) (*PricingQuote, error)
}

// Provisioner is the external compute provisioning API.
type Provisioner interface {
	ListInstanceTypes(ctx context.Context) ([]InstanceType, error)
	Launch(ctx context.Context, spec LaunchSpec) (string, error)
	Terminate(ctx context.Context, ids []string) error
	Stop(ctx context.Context, id string) error
	ListInstances(ctx context.Context) ([]Instance, error)
}

// WalletLocker serialises balance-dependent operations on one wallet.
type WalletLocker interface {
	// Lock blocks until the key is held or ctx is done. The returned
	// function releases the lock and is safe to call once.
	Lock(ctx context.Context, key string) (func(), error)
}

// EventPublisher emits billing outcomes to downstream consumers.
type EventPublisher interface {
	Publish(ctx context.Context, event BillingEvent) error
}

// TreasurySource yields the signing key of the service collection wallet.
type TreasurySource interface {
	TreasuryKey(ctx context.Context) (solana.PrivateKey, error)
}
