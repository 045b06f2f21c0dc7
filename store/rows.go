package store

import (
	"fmt"
	"math"
	"time"

	"github.com/ruteri/compute-wallet-billing/interfaces"
	"github.com/shopspring/decimal"
)

type walletRow struct {
	OwnerID             string    `db:"owner_id"`
	PublicKey           string    `db:"public_key"`
	EncryptedPrivateKey string    `db:"encrypted_private_key"`
	EncryptedMnemonic   string    `db:"encrypted_mnemonic"`
	KDFSalt             []byte    `db:"kdf_salt"`
	KDFIterations       int       `db:"kdf_iterations"`
	CreatedAt           time.Time `db:"created_at"`
}

func (r *walletRow) toWallet() (*interfaces.WalletAccount, error) {
	privateKey, err := interfaces.ParseEncryptedBlob(r.EncryptedPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("wallet %s: private key: %w", r.OwnerID, err)
	}
	mnemonic, err := interfaces.ParseEncryptedBlob(r.EncryptedMnemonic)
	if err != nil {
		return nil, fmt.Errorf("wallet %s: mnemonic: %w", r.OwnerID, err)
	}
	return &interfaces.WalletAccount{
		OwnerID:             interfaces.UserID(r.OwnerID),
		PublicKey:           r.PublicKey,
		EncryptedPrivateKey: privateKey,
		EncryptedMnemonic:   mnemonic,
		KDFSalt:             r.KDFSalt,
		KDFIterations:       r.KDFIterations,
		CreatedAt:           r.CreatedAt,
	}, nil
}

type checkpointRow struct {
	ResourceID      string    `db:"resource_id"`
	OwnerID         string    `db:"owner_id"`
	InstanceType    string    `db:"instance_type"`
	Region          string    `db:"region"`
	Name            string    `db:"name"`
	HourlyCostCents int64     `db:"hourly_cost_cents"`
	LastBilledAt    time.Time `db:"last_billed_at"`
	Status          string    `db:"status"`
	PendingRecordID string    `db:"pending_record_id"`
	LaunchedAt      time.Time `db:"launched_at"`
	UpdatedAt       time.Time `db:"updated_at"`
}

func (r *checkpointRow) toCheckpoint() *interfaces.BillingCheckpoint {
	return &interfaces.BillingCheckpoint{
		ResourceID:      r.ResourceID,
		OwnerID:         interfaces.UserID(r.OwnerID),
		InstanceType:    r.InstanceType,
		Region:          r.Region,
		Name:            r.Name,
		HourlyCostCents: r.HourlyCostCents,
		LastBilledAt:    r.LastBilledAt.UTC(),
		Status:          interfaces.ResourceStatus(r.Status),
		PendingRecordID: r.PendingRecordID,
		LaunchedAt:      r.LaunchedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

type recordRow struct {
	ID              string          `db:"id"`
	Kind            string          `db:"kind"`
	OwnerID         string          `db:"owner_id"`
	ResourceID      string          `db:"resource_id"`
	Hours           int64           `db:"hours"`
	AmountLamports  int64           `db:"amount_lamports"`
	ExchangeRate    decimal.Decimal `db:"exchange_rate"`
	Phase           string          `db:"phase"`
	Signature       string          `db:"signature"`
	RefundSignature string          `db:"refund_signature"`
	Reason          string          `db:"reason"`
	JournalRef      string          `db:"journal_ref"`
	CreatedAt       time.Time       `db:"created_at"`
	UpdatedAt       time.Time       `db:"updated_at"`
}

func (r *recordRow) toRecord() *interfaces.BillingRecord {
	return &interfaces.BillingRecord{
		ID:              r.ID,
		Kind:            interfaces.RecordKind(r.Kind),
		OwnerID:         interfaces.UserID(r.OwnerID),
		ResourceID:      r.ResourceID,
		Hours:           r.Hours,
		AmountLamports:  interfaces.Lamports(r.AmountLamports),
		ExchangeRate:    r.ExchangeRate,
		Phase:           interfaces.BillingPhase(r.Phase),
		Signature:       r.Signature,
		RefundSignature: r.RefundSignature,
		Reason:          r.Reason,
		JournalRef:      r.JournalRef,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

func lamportsToColumn(l interfaces.Lamports) (int64, error) {
	if uint64(l) > math.MaxInt64 {
		return 0, fmt.Errorf("%w: amount %d exceeds storable range", interfaces.ErrValidation, l)
	}
	return int64(l), nil
}
