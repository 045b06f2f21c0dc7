package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/compute-wallet-billing/interfaces"
	"github.com/ruteri/compute-wallet-billing/metrics"
	"github.com/ruteri/compute-wallet-billing/provider"
)

// Sweep outcomes, also used as metric labels.
const (
	OutcomeBilled   = "billed"
	OutcomeNotDue   = "not_due"
	OutcomeAwaiting = "awaiting_confirmation"
	OutcomePending  = "pending"
	OutcomeStopped  = "stopped"
	OutcomeFailed   = "failed"
)

// SweepReport summarises one metered billing pass.
type SweepReport struct {
	Visited  int                 `json:"visited"`
	Outcomes map[string]int      `json:"outcomes"`
	Billed   interfaces.Lamports `json:"billed_lamports"`
}

func (r *SweepReport) add(outcome string, billed interfaces.Lamports) {
	r.Visited++
	r.Outcomes[outcome]++
	r.Billed += billed
}

var billableStatuses = []interfaces.ResourceStatus{interfaces.ResourcePending, interfaces.ResourceRunning}

// Sweep bills every running resource for the whole hours elapsed since its
// checkpoint. Resources are billed independently: an error or panic on one
// is logged and the sweep moves on.
func (g *Gate) Sweep(ctx context.Context, now time.Time) SweepReport {
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	report := SweepReport{Outcomes: make(map[string]int)}
	g.syncStatuses(ctx, now)

	checkpoints, err := g.checkpoints.ListCheckpoints(ctx, interfaces.CheckpointFilter{Statuses: billableStatuses})
	if err != nil {
		g.log.Error("Sweep could not list checkpoints", "err", err)
		return report
	}

	for _, cp := range checkpoints {
		if ctx.Err() != nil {
			g.log.Warn("Sweep interrupted", "err", ctx.Err(), "remaining", len(checkpoints)-report.Visited)
			break
		}
		outcome, billed := g.sweepIsolated(ctx, cp.ResourceID, now)
		metrics.SweepResources.WithLabelValues(outcome).Inc()
		report.add(outcome, billed)
	}

	g.log.Info("Sweep finished", "visited", report.Visited, "outcomes", report.Outcomes, "billed", report.Billed.String(),
		"duration", time.Since(start))
	return report
}

func (g *Gate) sweepIsolated(ctx context.Context, resourceID string, now time.Time) (outcome string, billed interfaces.Lamports) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("Panic while billing resource", "instance", resourceID, "panic", r)
			outcome, billed = OutcomeFailed, 0
		}
	}()

	outcome, billed, err := g.billResource(ctx, resourceID, now)
	if err != nil {
		g.log.Error("Failed to bill resource", "instance", resourceID, "outcome", outcome, "err", err)
	}
	return outcome, billed
}

// dueHours is the number of whole hours elapsed since the checkpoint.
func dueHours(cp *interfaces.BillingCheckpoint, now time.Time) int64 {
	if !now.After(cp.LastBilledAt) {
		return 0
	}
	return int64(now.Sub(cp.LastBilledAt) / time.Hour)
}

func (g *Gate) billResource(ctx context.Context, resourceID string, now time.Time) (string, interfaces.Lamports, error) {
	cp, err := g.checkpoints.GetCheckpoint(ctx, resourceID)
	if err != nil {
		return OutcomeFailed, 0, err
	}
	if !cp.Status.Billable() || (cp.PendingRecordID == "" && dueHours(cp, now) <= 0) {
		return OutcomeNotDue, 0, nil
	}

	identity, err := g.users.LookupUser(ctx, cp.OwnerID)
	if err != nil {
		return OutcomeFailed, 0, fmt.Errorf("owner lookup: %w", err)
	}
	signer, w, err := g.wallets.Signer(ctx, *identity)
	if err != nil {
		return OutcomeFailed, 0, err
	}

	unlock, err := g.lockWallet(ctx, cp.OwnerID)
	if err != nil {
		return OutcomeFailed, 0, err
	}
	defer unlock()

	// Re-read under the lock; a terminate or a settled pending debit may
	// have changed the checkpoint.
	cp, err = g.checkpoints.GetCheckpoint(ctx, resourceID)
	if err != nil {
		return OutcomeFailed, 0, err
	}
	if cp.PendingRecordID != "" {
		if awaiting, err := g.awaitingDebit(ctx, cp); awaiting || err != nil {
			return OutcomeAwaiting, 0, err
		}
	}
	hours := dueHours(cp, now)
	if !cp.Status.Billable() || hours <= 0 {
		return OutcomeNotDue, 0, nil
	}

	quote, err := g.quoter.QuoteHours(ctx, cp.HourlyCostCents, hours)
	if err != nil {
		return OutcomeFailed, 0, err
	}
	record, err := g.journal.open(ctx, interfaces.KindMetered, cp.OwnerID, cp.ResourceID, quote)
	if err != nil {
		return OutcomeFailed, 0, err
	}
	log := g.log.With("instance", cp.ResourceID, "uid", cp.OwnerID, "record", record.ID, "hours", hours)

	balance, err := g.ledger.GetBalance(ctx, w.PublicKey)
	if err != nil {
		_ = g.journal.advance(ctx, record, interfaces.PhaseReleased, "balance unavailable")
		return OutcomeFailed, 0, err
	}

	if balance < quote.RequiredLamports {
		_ = g.journal.advance(ctx, record, interfaces.PhaseReleased, "insufficient funds")
		log.Info("Stopping resource for insufficient funds", "balance", balance.String(), "required", quote.RequiredLamports.String())
		if err := g.provisioner.Stop(ctx, cp.ResourceID); err != nil {
			return OutcomeFailed, 0, fmt.Errorf("stop after insufficient funds: %w", err)
		}
		cp.Status = interfaces.ResourceStopped
		cp.UpdatedAt = g.now().UTC()
		if err := g.checkpoints.UpdateCheckpoint(ctx, cp); err != nil {
			return OutcomeFailed, 0, err
		}
		g.journal.publish(ctx, interfaces.BillingEvent{
			Type:       interfaces.EventResourceStopped,
			RecordID:   record.ID,
			OwnerID:    cp.OwnerID,
			ResourceID: cp.ResourceID,
			Amount:     quote.RequiredLamports,
			Reason:     "insufficient funds",
		})
		return OutcomeStopped, 0, nil
	}

	if err := g.journal.advance(ctx, record, interfaces.PhaseReserved, ""); err != nil {
		return OutcomeFailed, 0, err
	}
	// The checkpoint points at the record before any money moves, so the
	// hours cannot be billed again until this record is settled.
	cp.PendingRecordID = record.ID
	cp.UpdatedAt = g.now().UTC()
	if err := g.checkpoints.UpdateCheckpoint(ctx, cp); err != nil {
		_ = g.journal.advance(ctx, record, interfaces.PhaseReleased, "checkpoint reservation failed")
		return OutcomeFailed, 0, err
	}

	confirmation, err := g.ledger.Transfer(ctx, signer, g.cfg.CollectionAddress, quote.RequiredLamports)
	if errors.Is(err, interfaces.ErrRpcTimeout) && confirmation != nil {
		record.Signature = confirmation.Signature
		_ = g.journal.settle(ctx, record, interfaces.PhasePending, "awaiting confirmation")
		log.Warn("Metered debit awaiting confirmation", "signature", confirmation.Signature)
		return OutcomePending, 0, nil
	}
	if err != nil {
		_ = g.journal.advance(ctx, record, interfaces.PhaseReleased, "transfer failed")
		g.clearReservation(ctx, cp, record.ID)
		return OutcomeFailed, 0, err
	}

	record.Signature = confirmation.Signature
	_ = g.journal.settle(ctx, record, interfaces.PhaseDebited, "")
	if err := g.settleMetered(ctx, cp, record); err != nil {
		return OutcomeFailed, quote.RequiredLamports, err
	}

	log.Info("Resource billed", "amount", quote.RequiredLamports.String(), "signature", confirmation.Signature,
		"paid_until", cp.LastBilledAt)
	return OutcomeBilled, quote.RequiredLamports, nil
}

// awaitingDebit reports whether the debit referenced by cp is still
// outstanding. A reference to a released record is cleared so the resource
// becomes billable again; every other phase keeps the resource waiting for
// ResolvePending or an operator.
func (g *Gate) awaitingDebit(ctx context.Context, cp *interfaces.BillingCheckpoint) (bool, error) {
	record, err := g.records.GetRecord(ctx, cp.PendingRecordID)
	if err != nil {
		return true, err
	}
	if record.Phase != interfaces.PhaseReleased {
		return true, nil
	}
	cp.PendingRecordID = ""
	cp.UpdatedAt = g.now().UTC()
	if err := g.checkpoints.UpdateCheckpoint(ctx, cp); err != nil {
		return true, err
	}
	return false, nil
}

// clearReservation drops the checkpoint's reference to a debit that moved no
// money. A failure is only logged; awaitingDebit clears it later.
func (g *Gate) clearReservation(ctx context.Context, cp *interfaces.BillingCheckpoint, recordID string) {
	if cp.PendingRecordID != recordID {
		return
	}
	cp.PendingRecordID = ""
	cp.UpdatedAt = g.now().UTC()
	if err := g.checkpoints.UpdateCheckpoint(ctx, cp); err != nil {
		g.log.Warn("Failed to clear checkpoint reservation", "instance", cp.ResourceID, "record", recordID, "err", err)
	}
}

// settleMetered advances the checkpoint by the whole hours a debited record
// paid for and commits the record. If the checkpoint cannot be advanced the
// record is parked for reconciliation and the checkpoint stays reserved.
func (g *Gate) settleMetered(ctx context.Context, cp *interfaces.BillingCheckpoint, record *interfaces.BillingRecord) error {
	paidUntil := cp.LastBilledAt
	cp.LastBilledAt = cp.LastBilledAt.Add(time.Duration(record.Hours) * time.Hour)
	if cp.PendingRecordID == record.ID {
		cp.PendingRecordID = ""
	}
	cp.UpdatedAt = g.now().UTC()
	if err := g.checkpoints.UpdateCheckpoint(ctx, cp); err != nil {
		cp.LastBilledAt = paidUntil
		cp.PendingRecordID = record.ID
		_ = g.journal.settle(ctx, record, interfaces.PhaseReconcile, fmt.Sprintf("checkpoint update failed: %v", err))
		return fmt.Errorf("%w: record %s", interfaces.ErrReconciliationRequired, record.ID)
	}
	_ = g.journal.settle(ctx, record, interfaces.PhaseCommitted, "")
	return nil
}

// syncStatuses refreshes billable checkpoints from the provider. Instances
// missing from the listing are treated as terminated once they are older
// than the pending expiry.
func (g *Gate) syncStatuses(ctx context.Context, now time.Time) {
	instances, err := g.provisioner.ListInstances(ctx)
	if err != nil {
		g.log.Warn("Instance status sync failed", "err", err)
		return
	}
	live := make(map[string]string, len(instances))
	for _, inst := range instances {
		live[inst.ID] = inst.Status
	}

	checkpoints, err := g.checkpoints.ListCheckpoints(ctx, interfaces.CheckpointFilter{Statuses: billableStatuses})
	if err != nil {
		g.log.Warn("Instance status sync could not list checkpoints", "err", err)
		return
	}

	for _, cp := range checkpoints {
		apiStatus, listed := live[cp.ResourceID]
		var next interfaces.ResourceStatus
		switch {
		case listed:
			next = provider.ResourceStatus(apiStatus)
		case now.Sub(cp.LaunchedAt) > g.cfg.PendingExpiry:
			next = interfaces.ResourceTerminated
		}
		if next == "" || next == cp.Status {
			continue
		}
		if err := g.setStatus(ctx, cp, next, now); err != nil {
			g.log.Warn("Failed to update instance status", "instance", cp.ResourceID, "err", err)
			continue
		}
		g.log.Info("Instance status changed", "instance", cp.ResourceID, "status", next, "provider_status", apiStatus)
	}
}

// setStatus rewrites a checkpoint status under the owner's wallet lock so it
// never clobbers a concurrent billing update.
func (g *Gate) setStatus(ctx context.Context, stale *interfaces.BillingCheckpoint, next interfaces.ResourceStatus, now time.Time) error {
	unlock, err := g.lockWallet(ctx, stale.OwnerID)
	if err != nil {
		return err
	}
	defer unlock()

	cp, err := g.checkpoints.GetCheckpoint(ctx, stale.ResourceID)
	if err != nil {
		return err
	}
	if !cp.Status.Billable() {
		return nil
	}
	cp.Status = next
	cp.UpdatedAt = now.UTC()
	return g.checkpoints.UpdateCheckpoint(ctx, cp)
}
