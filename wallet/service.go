package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/ruteri/compute-wallet-billing/cryptoutils"
	"github.com/ruteri/compute-wallet-billing/interfaces"
	"github.com/ruteri/compute-wallet-billing/ledger"
	"github.com/ruteri/compute-wallet-billing/metrics"
)

// DefaultMaxAirdrop caps a single devnet airdrop.
const DefaultMaxAirdrop = 2 * interfaces.LamportsPerSOL

// LockKey is the wallet lock key shared by every balance-dependent operation
// on the wallet of owner.
func LockKey(owner interfaces.UserID) string {
	return "wallet:" + string(owner)
}

// Balance is the on-ledger balance of a wallet.
type Balance struct {
	Address  string              `json:"address"`
	Lamports interfaces.Lamports `json:"lamports"`
	SOL      string              `json:"sol"`
}

// ServiceConfig holds the optional wallet features.
type ServiceConfig struct {
	// AirdropEnabled allows users to request devnet airdrops.
	AirdropEnabled bool
	MaxAirdrop     interfaces.Lamports
}

// Service manages custodial wallets. Key material is decrypted only for the
// duration of a call and never logged.
type Service struct {
	wallets interfaces.WalletStore
	records interfaces.BillingRecordStore
	kdf     *cryptoutils.KeyDerivation
	vault   interfaces.SecretVault
	ledger  interfaces.Ledger
	locker  interfaces.WalletLocker
	cfg     ServiceConfig
	now     func() time.Time
	log     *slog.Logger
}

// NewService creates a wallet service. records may be nil, in which case
// withdrawals are not journaled.
func NewService(
	wallets interfaces.WalletStore,
	records interfaces.BillingRecordStore,
	kdf *cryptoutils.KeyDerivation,
	vault interfaces.SecretVault,
	l interfaces.Ledger,
	locker interfaces.WalletLocker,
	cfg ServiceConfig,
	log *slog.Logger,
) *Service {
	if cfg.MaxAirdrop == 0 {
		cfg.MaxAirdrop = DefaultMaxAirdrop
	}
	return &Service{
		wallets: wallets,
		records: records,
		kdf:     kdf,
		vault:   vault,
		ledger:  l,
		locker:  locker,
		cfg:     cfg,
		now:     time.Now,
		log:     log,
	}
}

func validateIdentity(id interfaces.Identity) error {
	if id.UserID == "" {
		return fmt.Errorf("%w: missing user id", interfaces.ErrValidation)
	}
	if id.Email == "" {
		return fmt.Errorf("%w: missing email", interfaces.ErrValidation)
	}
	return nil
}

// Create returns the wallet of the caller, generating one on first use.
// Concurrent calls for the same user yield the same wallet.
func (s *Service) Create(ctx context.Context, id interfaces.Identity) (*interfaces.WalletAccount, error) {
	if err := validateIdentity(id); err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, LockKey(id.UserID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	existing, err := s.wallets.GetWallet(ctx, id.UserID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, interfaces.ErrWalletNotFound) {
		return nil, err
	}

	keypair, err := cryptoutils.GenerateKeypair()
	if err != nil {
		return nil, err
	}
	salt, err := cryptoutils.NewSalt()
	if err != nil {
		return nil, err
	}
	key, err := s.kdf.DeriveKeyWithSalt(id.Email, salt)
	if err != nil {
		return nil, err
	}

	encryptedKey, err := s.vault.Encrypt([]byte(cryptoutils.EncodePrivateKey(keypair.PrivateKey)), key)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt private key: %w", err)
	}
	encryptedMnemonic, err := s.vault.Encrypt([]byte(keypair.Mnemonic), key)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt mnemonic: %w", err)
	}

	stored, err := s.wallets.CreateWallet(ctx, &interfaces.WalletAccount{
		OwnerID:             id.UserID,
		PublicKey:           keypair.PublicKey.String(),
		EncryptedPrivateKey: encryptedKey,
		EncryptedMnemonic:   encryptedMnemonic,
		KDFSalt:             salt,
		KDFIterations:       s.kdf.Iterations(),
		CreatedAt:           s.now().UTC(),
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("Created wallet", "uid", id.UserID, "address", stored.PublicKey)
	return stored, nil
}

// Get returns the wallet of owner.
func (s *Service) Get(ctx context.Context, owner interfaces.UserID) (*interfaces.WalletAccount, error) {
	return s.wallets.GetWallet(ctx, owner)
}

func (s *Service) unlockKey(id interfaces.Identity, w *interfaces.WalletAccount) (interfaces.Key256, error) {
	return s.kdf.DeriveKeyWithParams(id.Email, w.KDFSalt, w.KDFIterations)
}

// GetDecryptedMnemonic reveals the recovery phrase of the caller's wallet.
func (s *Service) GetDecryptedMnemonic(ctx context.Context, id interfaces.Identity) (string, error) {
	if err := validateIdentity(id); err != nil {
		return "", err
	}
	w, err := s.wallets.GetWallet(ctx, id.UserID)
	if err != nil {
		return "", err
	}
	key, err := s.unlockKey(id, w)
	if err != nil {
		return "", err
	}
	plaintext, err := s.vault.Decrypt(w.EncryptedMnemonic, key)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

// Signer decrypts the signing key of the caller's wallet and checks it
// against the stored address.
func (s *Service) Signer(ctx context.Context, id interfaces.Identity) (solana.PrivateKey, *interfaces.WalletAccount, error) {
	if err := validateIdentity(id); err != nil {
		return nil, nil, err
	}
	w, err := s.wallets.GetWallet(ctx, id.UserID)
	if err != nil {
		return nil, nil, err
	}
	key, err := s.unlockKey(id, w)
	if err != nil {
		return nil, nil, err
	}
	encoded, err := s.vault.Decrypt(w.EncryptedPrivateKey, key)
	if err != nil {
		return nil, nil, err
	}
	signer, err := cryptoutils.DecodePrivateKey(string(encoded))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", interfaces.ErrDecryptionFailure, err)
	}
	if signer.PublicKey().String() != w.PublicKey {
		return nil, nil, fmt.Errorf("%w: signing key does not match wallet address", interfaces.ErrDecryptionFailure)
	}
	return signer, w, nil
}

// Balance reads the on-ledger balance of the caller's wallet.
func (s *Service) Balance(ctx context.Context, owner interfaces.UserID) (*Balance, error) {
	w, err := s.wallets.GetWallet(ctx, owner)
	if err != nil {
		return nil, err
	}
	lamports, err := s.ledger.GetBalance(ctx, w.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Balance{Address: w.PublicKey, Lamports: lamports, SOL: lamports.String()}, nil
}

// Withdraw sends amount from the caller's wallet to an external address.
// Input is validated before any ledger call.
func (s *Service) Withdraw(ctx context.Context, id interfaces.Identity, to string, amount interfaces.Lamports) (*interfaces.Confirmation, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", interfaces.ErrValidation)
	}
	if _, err := ledger.ParseAddress(to); err != nil {
		return nil, err
	}

	signer, w, err := s.Signer(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.PublicKey == to {
		return nil, fmt.Errorf("%w: cannot withdraw to the wallet itself", interfaces.ErrValidation)
	}

	unlock, err := s.locker.Lock(ctx, LockKey(id.UserID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	balance, err := s.ledger.GetBalance(ctx, w.PublicKey)
	if err != nil {
		return nil, err
	}
	if balance < amount {
		return nil, fmt.Errorf("%w: balance %s below %s", interfaces.ErrInsufficientFunds, balance, amount)
	}

	record, err := s.openWithdrawal(ctx, id.UserID, amount)
	if err != nil {
		return nil, err
	}

	confirmation, err := s.ledger.Transfer(ctx, signer, to, amount)
	switch {
	case errors.Is(err, interfaces.ErrRpcTimeout) && confirmation != nil:
		s.log.Warn("Withdrawal awaiting confirmation", "uid", id.UserID, "signature", confirmation.Signature)
		s.settleWithdrawal(ctx, record, confirmation.Signature, interfaces.PhasePending)
		return confirmation, fmt.Errorf("%w: %s", interfaces.ErrTransferPending, confirmation.Signature)
	case err != nil:
		s.settleWithdrawal(ctx, record, "", interfaces.PhaseReleased)
		return confirmation, err
	}

	s.settleWithdrawal(ctx, record, confirmation.Signature, interfaces.PhaseDebited, interfaces.PhaseCommitted)
	s.log.Info("Withdrawal confirmed", "uid", id.UserID, "to", to, "amount", amount.String(), "signature", confirmation.Signature)
	return confirmation, nil
}

func (s *Service) openWithdrawal(ctx context.Context, owner interfaces.UserID, amount interfaces.Lamports) (*interfaces.BillingRecord, error) {
	if s.records == nil {
		return nil, nil
	}
	now := s.now().UTC()
	record := &interfaces.BillingRecord{
		ID:             uuid.NewString(),
		Kind:           interfaces.KindWithdrawal,
		OwnerID:        owner,
		AmountLamports: amount,
		Phase:          interfaces.PhaseReserved,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.records.CreateRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to journal withdrawal: %w", err)
	}
	metrics.BillingPhaseTransitions.WithLabelValues(string(record.Kind), string(record.Phase)).Inc()
	return record, nil
}

// settleWithdrawal walks record through phases. The transfer has already
// happened, so journal failures are logged rather than returned.
func (s *Service) settleWithdrawal(ctx context.Context, record *interfaces.BillingRecord, signature string, phases ...interfaces.BillingPhase) {
	if record == nil {
		return
	}
	if signature != "" {
		record.Signature = signature
	}
	for _, phase := range phases {
		if err := record.Advance(phase, s.now().UTC()); err != nil {
			s.log.Error("Withdrawal journal out of order", "record", record.ID, "err", err)
			return
		}
		metrics.BillingPhaseTransitions.WithLabelValues(string(record.Kind), string(phase)).Inc()
	}
	if err := s.records.UpdateRecord(ctx, record); err != nil {
		s.log.Error("Failed to update withdrawal record", "record", record.ID, "phase", record.Phase, "err", err)
	}
}

// Airdrop requests test funds for the caller's wallet. Only available when
// enabled, which must be limited to devnet deployments.
func (s *Service) Airdrop(ctx context.Context, owner interfaces.UserID, amount interfaces.Lamports) (string, error) {
	if !s.cfg.AirdropEnabled {
		return "", fmt.Errorf("%w: airdrops are disabled", interfaces.ErrValidation)
	}
	if amount == 0 || amount > s.cfg.MaxAirdrop {
		return "", fmt.Errorf("%w: airdrop amount must be between 1 and %d lamports", interfaces.ErrValidation, s.cfg.MaxAirdrop)
	}
	w, err := s.wallets.GetWallet(ctx, owner)
	if err != nil {
		return "", err
	}
	signature, err := s.ledger.RequestAirdrop(ctx, w.PublicKey, amount)
	if err != nil {
		return "", err
	}
	s.log.Info("Airdrop requested", "uid", owner, "address", w.PublicKey, "signature", signature)
	return signature, nil
}

// TransferStatus reports the ledger status of a signature.
func (s *Service) TransferStatus(ctx context.Context, signature string) (interfaces.TransferStatus, error) {
	if signature == "" {
		return "", fmt.Errorf("%w: missing signature", interfaces.ErrValidation)
	}
	return s.ledger.Status(ctx, signature)
}
