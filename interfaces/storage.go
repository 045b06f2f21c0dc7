package interfaces

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// WalletStore persists custodial wallets.
type WalletStore interface {
	// GetWallet returns ErrWalletNotFound when the owner has no wallet.
	GetWallet(ctx context.Context, owner UserID) (*WalletAccount, error)

	// CreateWallet inserts w unless the owner already has a wallet, in which
	// case the stored wallet is returned unchanged.
	CreateWallet(ctx context.Context, w *WalletAccount) (*WalletAccount, error)
}

// CheckpointStore persists billing checkpoints of provisioned resources.
type CheckpointStore interface {
	CreateCheckpoint(ctx context.Context, c *BillingCheckpoint) error
	// GetCheckpoint returns ErrRecordNotFound for unknown resources.
	GetCheckpoint(ctx context.Context, resourceID string) (*BillingCheckpoint, error)
	UpdateCheckpoint(ctx context.Context, c *BillingCheckpoint) error
	ListCheckpoints(ctx context.Context, filter CheckpointFilter) ([]*BillingCheckpoint, error)
}

// BillingRecordStore persists the phase journal of every debit.
type BillingRecordStore interface {
	CreateRecord(ctx context.Context, r *BillingRecord) error
	UpdateRecord(ctx context.Context, r *BillingRecord) error
	// GetRecord returns ErrRecordNotFound for unknown ids.
	GetRecord(ctx context.Context, id string) (*BillingRecord, error)
	ListRecordsByPhase(ctx context.Context, phase BillingPhase) ([]*BillingRecord, error)
}

// UserDirectory resolves user ids to identities for background jobs.
type UserDirectory interface {
	LookupUser(ctx context.Context, id UserID) (*Identity, error)
}

// ContentID is a 32-byte SHA-256 hash uniquely identifying archived content.
type ContentID [32]byte

// NewContentIDFromHex parses a hex encoded content id.
func NewContentIDFromHex(source string) (ContentID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ContentID{}, errors.New("invalid content ID length: hex string must be 64 characters")
	}

	hashBytes, err := hex.DecodeString(clean)
	if err != nil {
		return ContentID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var id ContentID
	copy(id[:], hashBytes)
	return id, nil
}

// ComputeID calculates content ID from data.
func ComputeID(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

// String returns hex representation.
func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// Equal compares two content IDs.
func (id ContentID) Equal(other ContentID) bool {
	return bytes.Equal(id[:], other[:])
}

// ContentType indicates the archive namespace.
type ContentType int

const (
	// ReconciliationType holds billing records that need operator action.
	ReconciliationType ContentType = iota
	// ReceiptType holds committed debits.
	ReceiptType
)

// String returns type name.
func (ct ContentType) String() string {
	switch ct {
	case ReconciliationType:
		return "reconciliation"
	case ReceiptType:
		return "receipts"
	default:
		return "unknown"
	}
}

// StorageBackendLocation is a backend URI such as file:///var/lib/billing or
// s3://bucket/prefix?region=us-east-1.
type StorageBackendLocation string

// StorageBackend provides content-addressed archival storage.
type StorageBackend interface {
	// Fetch retrieves data by content ID and type.
	Fetch(ctx context.Context, id ContentID, contentType ContentType) ([]byte, error)

	// Store saves data and returns its content ID.
	Store(ctx context.Context, data []byte, contentType ContentType) (ContentID, error)

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}
