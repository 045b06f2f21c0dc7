// Package interfaces defines the core types and capability interfaces shared by
// the wallet, ledger, pricing and billing packages.
package interfaces

import (
	"encoding/base64"
	"fmt"
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// UserID identifies a user as issued by the identity service.
type UserID string

// Identity is the authenticated caller. Email doubles as the secret that
// protects the user's custodial key material.
type Identity struct {
	UserID UserID
	Email  string
}

// Lamports is an amount of the native token in its smallest unit.
type Lamports uint64

// LamportsPerSOL is the number of lamports in one SOL.
const LamportsPerSOL = 1_000_000_000

// SOL returns the amount in whole-token units.
func (l Lamports) SOL() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(uint64(l)), -9)
}

// String formats the amount in SOL with full lamport precision.
func (l Lamports) String() string {
	return l.SOL().StringFixed(9)
}

// ParseSOL converts a decimal SOL amount into lamports, truncating anything
// below one lamport. Zero, negative and out-of-range amounts are rejected.
func ParseSOL(amount string) (Lamports, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid amount %q", ErrValidation, amount)
	}
	lamports := d.Shift(9).Floor().BigInt()
	if lamports.Sign() <= 0 {
		return 0, fmt.Errorf("%w: amount must be positive", ErrValidation)
	}
	if !lamports.IsUint64() {
		return 0, fmt.Errorf("%w: amount out of range", ErrValidation)
	}
	return Lamports(lamports.Uint64()), nil
}

// Key256 is a symmetric 256-bit key.
type Key256 [32]byte

// EncryptedBlob is nonce || ciphertext || tag as produced by the vault.
type EncryptedBlob []byte

// String returns the standard base64 encoding used for persistence.
func (b EncryptedBlob) String() string {
	return base64.StdEncoding.EncodeToString(b)
}

// ParseEncryptedBlob decodes the persisted base64 form of a blob.
func ParseEncryptedBlob(s string) (EncryptedBlob, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed blob encoding", ErrDecryptionFailure)
	}
	return EncryptedBlob(raw), nil
}

// WalletAccount is the custodial wallet of a single user. Exactly one exists
// per OwnerID. Key material is never held in plaintext.
type WalletAccount struct {
	OwnerID             UserID
	PublicKey           string
	EncryptedPrivateKey EncryptedBlob
	EncryptedMnemonic   EncryptedBlob
	// KDFSalt is the per-wallet salt; empty for wallets keyed with the shared salt.
	KDFSalt       []byte
	KDFIterations int
	CreatedAt     time.Time
}

// PricingQuote is a point-in-time conversion of a fiat cost into lamports.
type PricingQuote struct {
	HourlyCostCents  int64
	Hours            int64
	ExchangeRate     decimal.Decimal // USD per SOL
	RequiredLamports Lamports
	QuotedAt         time.Time
}

// TotalCents is the fiat amount covered by the quote.
func (q PricingQuote) TotalCents() int64 {
	return q.HourlyCostCents * q.Hours
}

// ResourceStatus is the lifecycle state of a provisioned resource.
type ResourceStatus string

const (
	ResourcePending    ResourceStatus = "pending"
	ResourceRunning    ResourceStatus = "running"
	ResourceStopped    ResourceStatus = "stopped"
	ResourceTerminated ResourceStatus = "terminated"
)

// Billable reports whether the metered sweep charges resources in this state.
func (s ResourceStatus) Billable() bool {
	return s == ResourcePending || s == ResourceRunning
}

// BillingCheckpoint tracks how far a running resource has been billed.
// LastBilledAt only ever advances by whole hours.
type BillingCheckpoint struct {
	ResourceID      string
	OwnerID         UserID
	InstanceType    string
	Region          string
	Name            string
	HourlyCostCents int64
	LastBilledAt    time.Time
	Status          ResourceStatus
	// PendingRecordID references a metered debit whose confirmation is outstanding.
	PendingRecordID string
	LaunchedAt      time.Time
	UpdatedAt       time.Time
}

// CheckpointFilter narrows checkpoint listings. Zero values match everything.
type CheckpointFilter struct {
	OwnerID  UserID
	Statuses []ResourceStatus
}

// InstanceType is a purchasable resource class offered by the provisioning API.
type InstanceType struct {
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	PriceCentsPerHour int64    `json:"price_cents_per_hour"`
	VCPUs             int      `json:"vcpus"`
	MemoryGiB         int      `json:"memory_gib"`
	StorageGiB        int      `json:"storage_gib"`
	GPUs              int      `json:"gpus"`
	Regions           []string `json:"regions_with_capacity_available"`
}

// LaunchSpec describes a resource to provision.
type LaunchSpec struct {
	InstanceType    string   `json:"instance_type_name"`
	Region          string   `json:"region_name"`
	SSHKeyNames     []string `json:"ssh_key_names"`
	FileSystemNames []string `json:"file_system_names,omitempty"`
	Name            string   `json:"name,omitempty"`
	Hostname        string   `json:"hostname,omitempty"`
	UserData        string   `json:"user_data,omitempty"`
}

// Validate checks the fields the provisioning API requires.
func (s LaunchSpec) Validate() error {
	if s.InstanceType == "" {
		return fmt.Errorf("%w: instance type is required", ErrValidation)
	}
	if s.Region == "" {
		return fmt.Errorf("%w: region is required", ErrValidation)
	}
	if len(s.SSHKeyNames) != 1 {
		return fmt.Errorf("%w: exactly one ssh key name is required", ErrValidation)
	}
	return nil
}

// Instance is the provisioning API's view of a resource.
type Instance struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Name         string `json:"name,omitempty"`
	IP           string `json:"ip,omitempty"`
	Region       string `json:"region,omitempty"`
	InstanceType string `json:"instance_type,omitempty"`
}
