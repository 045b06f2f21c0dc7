package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/ruteri/compute-wallet-billing/interfaces"
	"github.com/ruteri/compute-wallet-billing/ledger"
	"github.com/ruteri/compute-wallet-billing/wallet"
)

// PrepaidHours is charged at launch; metered billing starts after it.
const PrepaidHours = 1

const (
	DefaultPendingExpiry = 10 * time.Minute
	DefaultLockTimeout   = 30 * time.Second
)

// Wallets is the subset of the wallet service the gate signs with.
type Wallets interface {
	Get(ctx context.Context, owner interfaces.UserID) (*interfaces.WalletAccount, error)
	Signer(ctx context.Context, id interfaces.Identity) (solana.PrivateKey, *interfaces.WalletAccount, error)
}

// Config tunes the gate.
type Config struct {
	// CollectionAddress receives every debit.
	CollectionAddress string
	// PendingExpiry is how long a signature the ledger has never seen stays
	// pending before its debit is released.
	PendingExpiry time.Duration
	// LockTimeout bounds waiting for a busy wallet.
	LockTimeout time.Duration
}

// Dependencies are the collaborators of the gate. Events and Archive are optional.
type Dependencies struct {
	Wallets     Wallets
	Users       interfaces.UserDirectory
	Checkpoints interfaces.CheckpointStore
	Records     interfaces.BillingRecordStore
	Quoter      interfaces.Quoter
	Ledger      interfaces.Ledger
	Provisioner interfaces.Provisioner
	Locker      interfaces.WalletLocker
	Treasury    interfaces.TreasurySource
	Events      interfaces.EventPublisher
	Archive     interfaces.StorageBackend
}

// Gate charges wallets for provisioned resources. Every debit runs the
// quoted -> reserved -> debited -> committed protocol with each phase
// persisted; failures end in released, refunded or reconcile.
type Gate struct {
	wallets     Wallets
	users       interfaces.UserDirectory
	checkpoints interfaces.CheckpointStore
	quoter      interfaces.Quoter
	ledger      interfaces.Ledger
	provisioner interfaces.Provisioner
	locker      interfaces.WalletLocker
	treasury    interfaces.TreasurySource
	journal     *journal
	records     interfaces.BillingRecordStore

	cfg Config
	now func() time.Time
	log *slog.Logger
}

// NewGate validates deps and cfg and creates a gate.
func NewGate(deps Dependencies, cfg Config, log *slog.Logger) (*Gate, error) {
	switch {
	case deps.Wallets == nil, deps.Users == nil, deps.Checkpoints == nil, deps.Records == nil,
		deps.Quoter == nil, deps.Ledger == nil, deps.Provisioner == nil, deps.Locker == nil, deps.Treasury == nil:
		return nil, errors.New("billing gate is missing a dependency")
	}
	if _, err := ledger.ParseAddress(cfg.CollectionAddress); err != nil {
		return nil, fmt.Errorf("collection address: %w", err)
	}
	if cfg.PendingExpiry == 0 {
		cfg.PendingExpiry = DefaultPendingExpiry
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}

	g := &Gate{
		wallets:     deps.Wallets,
		users:       deps.Users,
		checkpoints: deps.Checkpoints,
		quoter:      deps.Quoter,
		ledger:      deps.Ledger,
		provisioner: deps.Provisioner,
		locker:      deps.Locker,
		treasury:    deps.Treasury,
		records:     deps.Records,
		cfg:         cfg,
		now:         time.Now,
		log:         log,
	}
	g.journal = &journal{
		records: deps.Records,
		events:  deps.Events,
		archive: deps.Archive,
		now:     func() time.Time { return g.now() },
		log:     log,
	}
	return g, nil
}

func (g *Gate) lockWallet(ctx context.Context, owner interfaces.UserID) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, g.cfg.LockTimeout)
	defer cancel()
	return g.locker.Lock(lockCtx, wallet.LockKey(owner))
}

func (g *Gate) hourlyCost(ctx context.Context, instanceType string) (int64, error) {
	types, err := g.provisioner.ListInstanceTypes(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: listing instance types: %v", interfaces.ErrProvisioningFailure, err)
	}
	for _, t := range types {
		if t.Name == instanceType {
			if t.PriceCentsPerHour <= 0 {
				return 0, fmt.Errorf("%w: instance type %s has no price", interfaces.ErrPricingUnavailable, instanceType)
			}
			return t.PriceCentsPerHour, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown instance type %q", interfaces.ErrValidation, instanceType)
}

// InstanceTypes passes the provider's offer through.
func (g *Gate) InstanceTypes(ctx context.Context) ([]interfaces.InstanceType, error) {
	types, err := g.provisioner.ListInstanceTypes(ctx)
	if err != nil {
		g.log.Error("Failed to list instance types", "err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrProvisioningFailure, err)
	}
	return types, nil
}

// Launch charges the first hour of spec and provisions it. The provider is
// called only after the payment is confirmed; if it then fails the payment
// is refunded exactly once.
func (g *Gate) Launch(ctx context.Context, id interfaces.Identity, spec interfaces.LaunchSpec) (*interfaces.BillingCheckpoint, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	log := g.log.With("uid", id.UserID, "instance_type", spec.InstanceType)

	hourly, err := g.hourlyCost(ctx, spec.InstanceType)
	if err != nil {
		return nil, err
	}

	signer, w, err := g.wallets.Signer(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock, err := g.lockWallet(ctx, id.UserID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	quote, err := g.quoter.QuoteHours(ctx, hourly, PrepaidHours)
	if err != nil {
		return nil, err
	}
	record, err := g.journal.open(ctx, interfaces.KindLaunch, id.UserID, "", quote)
	if err != nil {
		return nil, err
	}
	log = log.With("record", record.ID)

	balance, err := g.ledger.GetBalance(ctx, w.PublicKey)
	if err != nil {
		_ = g.journal.advance(ctx, record, interfaces.PhaseReleased, "balance unavailable")
		return nil, err
	}
	if balance < quote.RequiredLamports {
		_ = g.journal.advance(ctx, record, interfaces.PhaseReleased, "insufficient funds")
		log.Info("Launch declined", "balance", balance.String(), "required", quote.RequiredLamports.String())
		return nil, fmt.Errorf("%w: balance %s below %s", interfaces.ErrInsufficientFunds, balance, quote.RequiredLamports)
	}

	if err := g.journal.advance(ctx, record, interfaces.PhaseReserved, ""); err != nil {
		return nil, err
	}

	confirmation, err := g.ledger.Transfer(ctx, signer, g.cfg.CollectionAddress, quote.RequiredLamports)
	if errors.Is(err, interfaces.ErrRpcTimeout) && confirmation != nil {
		record.Signature = confirmation.Signature
		_ = g.journal.settle(ctx, record, interfaces.PhasePending, "awaiting confirmation")
		log.Warn("Launch payment awaiting confirmation", "signature", confirmation.Signature)
		return nil, fmt.Errorf("%w: %s", interfaces.ErrTransferPending, confirmation.Signature)
	}
	if err != nil {
		_ = g.journal.advance(ctx, record, interfaces.PhaseReleased, "transfer failed")
		log.Warn("Launch payment failed", "err", err)
		return nil, err
	}

	// The payment is final from here on: journal failures are logged by
	// settle and never stop provisioning or the refund.
	record.Signature = confirmation.Signature
	_ = g.journal.settle(ctx, record, interfaces.PhaseDebited, "")

	instanceID, err := g.provisioner.Launch(ctx, spec)
	if err != nil {
		log.Error("Provisioning failed after payment", "err", err)
		return nil, g.refund(ctx, record, w.PublicKey, fmt.Sprintf("provisioning failed: %v", err))
	}
	record.ResourceID = instanceID

	now := g.now().UTC()
	checkpoint := &interfaces.BillingCheckpoint{
		ResourceID:      instanceID,
		OwnerID:         id.UserID,
		InstanceType:    spec.InstanceType,
		Region:          spec.Region,
		Name:            spec.Name,
		HourlyCostCents: hourly,
		LastBilledAt:    now.Add(PrepaidHours * time.Hour),
		Status:          interfaces.ResourcePending,
		LaunchedAt:      now,
		UpdatedAt:       now,
	}
	if err := g.checkpoints.CreateCheckpoint(ctx, checkpoint); err != nil {
		log.Error("Failed to store billing checkpoint", "instance", instanceID, "err", err)
		return nil, g.unwindLaunch(ctx, record, w.PublicKey, instanceID, err)
	}
	_ = g.journal.settle(ctx, record, interfaces.PhaseCommitted, "")

	log.Info("Instance launched", "instance", instanceID, "amount", quote.RequiredLamports.String(), "signature", confirmation.Signature)
	return checkpoint, nil
}

// unwindLaunch handles an instance that launched but could not be tracked:
// it is terminated and its payment refunded. When termination fails the
// instance may still be running, so the record goes to reconciliation.
func (g *Gate) unwindLaunch(ctx context.Context, record *interfaces.BillingRecord, userAddress, instanceID string, cause error) error {
	if err := g.provisioner.Terminate(ctx, []string{instanceID}); err != nil {
		g.log.Error("Failed to terminate untracked instance", "record", record.ID, "instance", instanceID, "err", err)
		_ = g.journal.settle(ctx, record, interfaces.PhaseReconcile,
			fmt.Sprintf("instance %s launched without a billing checkpoint (%v); terminate failed: %v", instanceID, cause, err))
		return fmt.Errorf("%w: record %s", interfaces.ErrReconciliationRequired, record.ID)
	}
	return g.refund(ctx, record, userAddress, fmt.Sprintf("billing checkpoint not stored, instance %s terminated: %v", instanceID, cause))
}

// refund returns a debited amount from the treasury to the user. It makes
// exactly one transfer attempt. The returned error is ErrProvisioningFailure
// when the refund landed and ErrReconciliationRequired otherwise.
func (g *Gate) refund(ctx context.Context, record *interfaces.BillingRecord, userAddress, reason string) error {
	log := g.log.With("record", record.ID, "uid", record.OwnerID)

	treasuryKey, err := g.treasury.TreasuryKey(ctx)
	if err != nil {
		log.Error("Treasury key unavailable for refund", "err", err)
		_ = g.journal.settle(ctx, record, interfaces.PhaseReconcile, reason+"; refund not attempted: treasury unavailable")
		return fmt.Errorf("%w: record %s", interfaces.ErrReconciliationRequired, record.ID)
	}

	confirmation, err := g.ledger.Transfer(ctx, treasuryKey, userAddress, record.AmountLamports)
	if confirmation != nil {
		record.RefundSignature = confirmation.Signature
	}
	if err != nil {
		log.Error("Refund failed", "err", err, "refund_signature", record.RefundSignature)
		_ = g.journal.settle(ctx, record, interfaces.PhaseReconcile, fmt.Sprintf("%s; refund failed: %v", reason, err))
		return fmt.Errorf("%w: record %s", interfaces.ErrReconciliationRequired, record.ID)
	}

	_ = g.journal.settle(ctx, record, interfaces.PhaseRefunded, reason)
	log.Info("Payment refunded", "amount", record.AmountLamports.String(), "refund_signature", record.RefundSignature)
	return fmt.Errorf("%w: payment refunded", interfaces.ErrProvisioningFailure)
}

// Terminate stops billing and terminates resources owned by the caller.
func (g *Gate) Terminate(ctx context.Context, id interfaces.Identity, resourceIDs []string) error {
	if len(resourceIDs) == 0 {
		return fmt.Errorf("%w: no instance ids", interfaces.ErrValidation)
	}

	unlock, err := g.lockWallet(ctx, id.UserID)
	if err != nil {
		return err
	}
	defer unlock()

	checkpoints := make([]*interfaces.BillingCheckpoint, 0, len(resourceIDs))
	for _, resourceID := range resourceIDs {
		cp, err := g.checkpoints.GetCheckpoint(ctx, resourceID)
		if err != nil {
			return err
		}
		if cp.OwnerID != id.UserID {
			return fmt.Errorf("%w: %s", interfaces.ErrNotOwner, resourceID)
		}
		checkpoints = append(checkpoints, cp)
	}

	if err := g.provisioner.Terminate(ctx, resourceIDs); err != nil {
		g.log.Error("Failed to terminate instances", "uid", id.UserID, "instances", resourceIDs, "err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrProvisioningFailure, err)
	}

	now := g.now().UTC()
	for _, cp := range checkpoints {
		cp.Status = interfaces.ResourceTerminated
		cp.UpdatedAt = now
		if err := g.checkpoints.UpdateCheckpoint(ctx, cp); err != nil {
			g.log.Error("Failed to mark checkpoint terminated", "instance", cp.ResourceID, "err", err)
			return err
		}
	}
	g.log.Info("Instances terminated", "uid", id.UserID, "instances", resourceIDs)
	return nil
}

// InstanceSummary is a billed resource joined with the provider's view.
type InstanceSummary struct {
	ID              string                    `json:"id"`
	Name            string                    `json:"name,omitempty"`
	InstanceType    string                    `json:"instance_type"`
	Region          string                    `json:"region"`
	Status          interfaces.ResourceStatus `json:"status"`
	ProviderStatus  string                    `json:"provider_status,omitempty"`
	IP              string                    `json:"ip,omitempty"`
	HourlyCostCents int64                     `json:"hourly_cost_cents"`
	PaidUntil       time.Time                 `json:"paid_until"`
	LaunchedAt      time.Time                 `json:"launched_at"`
	PaymentPending  bool                      `json:"payment_pending"`
}

// ListInstances returns the caller's live resources. Provider details are
// omitted when the provider cannot be reached.
func (g *Gate) ListInstances(ctx context.Context, owner interfaces.UserID) ([]InstanceSummary, error) {
	checkpoints, err := g.checkpoints.ListCheckpoints(ctx, interfaces.CheckpointFilter{
		OwnerID:  owner,
		Statuses: []interfaces.ResourceStatus{interfaces.ResourcePending, interfaces.ResourceRunning, interfaces.ResourceStopped},
	})
	if err != nil {
		return nil, err
	}

	live := make(map[string]interfaces.Instance)
	if len(checkpoints) > 0 {
		instances, err := g.provisioner.ListInstances(ctx)
		if err != nil {
			g.log.Warn("Provider instance listing unavailable", "err", err)
		}
		for _, inst := range instances {
			live[inst.ID] = inst
		}
	}

	result := make([]InstanceSummary, 0, len(checkpoints))
	for _, cp := range checkpoints {
		inst := live[cp.ResourceID]
		result = append(result, InstanceSummary{
			ID:              cp.ResourceID,
			Name:            cp.Name,
			InstanceType:    cp.InstanceType,
			Region:          cp.Region,
			Status:          cp.Status,
			ProviderStatus:  inst.Status,
			IP:              inst.IP,
			HourlyCostCents: cp.HourlyCostCents,
			PaidUntil:       cp.LastBilledAt,
			LaunchedAt:      cp.LaunchedAt,
			PaymentPending:  cp.PendingRecordID != "",
		})
	}
	return result, nil
}
