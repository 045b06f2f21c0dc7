package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ruteri/compute-wallet-billing/interfaces"
)

// Resolution outcomes, also reported per record.
const (
	ResolvedCommitted = "committed"
	ResolvedReleased  = "released"
	ResolvedRefunded  = "refunded"
	ResolvedReconcile = "reconcile"
	ResolvedWaiting   = "waiting"
	ResolvedFailed    = "failed"
)

// ResolveReport summarises one pass over pending debits.
type ResolveReport struct {
	Visited  int            `json:"visited"`
	Outcomes map[string]int `json:"outcomes"`
}

// ResolvePending settles debits whose confirmation timed out. A confirmed
// metered debit advances its checkpoint; a confirmed launch payment is
// refunded since nothing was provisioned for it. Failed debits, and those the
// ledger has not seen within the pending expiry, are released. Records left
// reserved past the pending expiry lost track of their transfer and are
// escalated to reconciliation.
func (g *Gate) ResolvePending(ctx context.Context, now time.Time) ResolveReport {
	report := ResolveReport{Outcomes: make(map[string]int)}

	var records []*interfaces.BillingRecord
	for _, phase := range []interfaces.BillingPhase{interfaces.PhasePending, interfaces.PhaseReserved} {
		listed, err := g.records.ListRecordsByPhase(ctx, phase)
		if err != nil {
			g.log.Error("Could not list billing records", "phase", phase, "err", err)
			continue
		}
		records = append(records, listed...)
	}

	for _, record := range records {
		if ctx.Err() != nil {
			break
		}
		outcome := g.resolveIsolated(ctx, record, now)
		report.Visited++
		report.Outcomes[outcome]++
	}
	if report.Visited > 0 {
		g.log.Info("Pending debits resolved", "visited", report.Visited, "outcomes", report.Outcomes)
	}
	return report
}

func (g *Gate) resolveIsolated(ctx context.Context, record *interfaces.BillingRecord, now time.Time) (outcome string) {
	defer func() {
		if r := recover(); r != nil {
			g.log.Error("Panic while resolving pending debit", "record", record.ID, "panic", r)
			outcome = ResolvedFailed
		}
	}()

	outcome, err := g.resolveRecord(ctx, record, now)
	if err != nil {
		g.log.Error("Failed to resolve pending debit", "record", record.ID, "outcome", outcome, "err", err)
	}
	return outcome
}

func (g *Gate) resolveRecord(ctx context.Context, record *interfaces.BillingRecord, now time.Time) (string, error) {
	unlock, err := g.lockWallet(ctx, record.OwnerID)
	if err != nil {
		return ResolvedFailed, err
	}
	defer unlock()

	record, err = g.records.GetRecord(ctx, record.ID)
	if err != nil {
		return ResolvedFailed, err
	}
	switch record.Phase {
	case interfaces.PhasePending:
	case interfaces.PhaseReserved:
		// The lock is free, so no operation is still working on it.
		if now.Sub(record.UpdatedAt) <= g.cfg.PendingExpiry {
			return ResolvedWaiting, nil
		}
		if err := g.journal.settle(ctx, record, interfaces.PhaseReconcile, "transfer outcome was not journaled"); err != nil {
			return ResolvedFailed, err
		}
		return ResolvedReconcile, nil
	default:
		return ResolvedWaiting, nil
	}

	status, err := g.ledger.Status(ctx, record.Signature)
	if err != nil {
		return ResolvedFailed, err
	}

	switch status {
	case interfaces.TransferConfirmed:
		return g.confirmPending(ctx, record)
	case interfaces.TransferFailed:
		return g.releasePending(ctx, record, "transfer failed on ledger")
	case interfaces.TransferUnknown:
		if now.Sub(record.UpdatedAt) > g.cfg.PendingExpiry {
			return g.releasePending(ctx, record, "transfer never observed on ledger")
		}
	}
	return ResolvedWaiting, nil
}

func (g *Gate) confirmPending(ctx context.Context, record *interfaces.BillingRecord) (string, error) {
	_ = g.journal.settle(ctx, record, interfaces.PhaseDebited, "")

	switch record.Kind {
	case interfaces.KindLaunch:
		w, err := g.wallets.Get(ctx, record.OwnerID)
		if err != nil {
			_ = g.journal.advance(ctx, record, interfaces.PhaseReconcile, fmt.Sprintf("wallet lookup for refund failed: %v", err))
			return ResolvedReconcile, err
		}
		err = g.refund(ctx, record, w.PublicKey, "launch payment confirmed after timeout; nothing provisioned")
		if errors.Is(err, interfaces.ErrReconciliationRequired) {
			return ResolvedReconcile, err
		}
		return ResolvedRefunded, nil

	case interfaces.KindMetered:
		cp, err := g.checkpoints.GetCheckpoint(ctx, record.ResourceID)
		if err != nil {
			_ = g.journal.advance(ctx, record, interfaces.PhaseReconcile, fmt.Sprintf("checkpoint lookup failed: %v", err))
			return ResolvedReconcile, err
		}
		if err := g.settleMetered(ctx, cp, record); err != nil {
			return ResolvedReconcile, err
		}
		return ResolvedCommitted, nil

	default:
		_ = g.journal.settle(ctx, record, interfaces.PhaseCommitted, "")
		return ResolvedCommitted, nil
	}
}

func (g *Gate) releasePending(ctx context.Context, record *interfaces.BillingRecord, reason string) (string, error) {
	if err := g.journal.advance(ctx, record, interfaces.PhaseReleased, reason); err != nil {
		return ResolvedFailed, err
	}
	if record.Kind != interfaces.KindMetered {
		return ResolvedReleased, nil
	}

	cp, err := g.checkpoints.GetCheckpoint(ctx, record.ResourceID)
	if err != nil {
		return ResolvedReleased, err
	}
	if cp.PendingRecordID == record.ID {
		cp.PendingRecordID = ""
		cp.UpdatedAt = g.now().UTC()
		if err := g.checkpoints.UpdateCheckpoint(ctx, cp); err != nil {
			return ResolvedReleased, err
		}
	}
	return ResolvedReleased, nil
}

// ListReconciliation returns debits waiting for operator action.
func (g *Gate) ListReconciliation(ctx context.Context) ([]*interfaces.BillingRecord, error) {
	return g.records.ListRecordsByPhase(ctx, interfaces.PhaseReconcile)
}

// RetryRefund attempts the refund of a reconcile record again. A refund
// submitted earlier is checked first so it is never paid twice.
func (g *Gate) RetryRefund(ctx context.Context, id string) (*interfaces.BillingRecord, error) {
	record, err := g.records.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock, err := g.lockWallet(ctx, record.OwnerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	record, err = g.records.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Phase != interfaces.PhaseReconcile {
		return nil, fmt.Errorf("%w: record %s is %s", interfaces.ErrValidation, id, record.Phase)
	}
	if record.Kind != interfaces.KindLaunch && record.Kind != interfaces.KindMetered {
		return nil, fmt.Errorf("%w: %s records are resolved, not refunded", interfaces.ErrValidation, record.Kind)
	}
	log := g.log.With("record", record.ID, "uid", record.OwnerID)

	if record.RefundSignature != "" {
		status, err := g.ledger.Status(ctx, record.RefundSignature)
		if err != nil {
			return nil, err
		}
		switch status {
		case interfaces.TransferConfirmed:
			if err := g.journal.advance(ctx, record, interfaces.PhaseRefunded, "earlier refund confirmed"); err != nil {
				return nil, err
			}
			g.closeReservation(ctx, record)
			return record, nil
		case interfaces.TransferPending:
			return record, fmt.Errorf("%w: %s", interfaces.ErrTransferPending, record.RefundSignature)
		}
	}

	w, err := g.wallets.Get(ctx, record.OwnerID)
	if err != nil {
		return nil, err
	}
	treasuryKey, err := g.treasury.TreasuryKey(ctx)
	if err != nil {
		return nil, err
	}

	confirmation, err := g.ledger.Transfer(ctx, treasuryKey, w.PublicKey, record.AmountLamports)
	if confirmation != nil {
		record.RefundSignature = confirmation.Signature
	}
	if err != nil {
		record.UpdatedAt = g.now().UTC()
		if uerr := g.records.UpdateRecord(ctx, record); uerr != nil {
			log.Error("Failed to store refund signature", "refund_signature", record.RefundSignature, "err", uerr)
		}
		if errors.Is(err, interfaces.ErrRpcTimeout) {
			return record, fmt.Errorf("%w: %s", interfaces.ErrTransferPending, record.RefundSignature)
		}
		return record, err
	}

	_ = g.journal.settle(ctx, record, interfaces.PhaseRefunded, "refund retried by operator")
	g.closeReservation(ctx, record)
	log.Info("Refund retried", "refund_signature", record.RefundSignature, "amount", record.AmountLamports.String())
	return record, nil
}

// ResolveReconciliation closes a reconcile record after manual handling.
// outcome is refunded when the user was paid back out of band, or committed
// when the debit stands.
func (g *Gate) ResolveReconciliation(ctx context.Context, id string, outcome interfaces.BillingPhase, note string) (*interfaces.BillingRecord, error) {
	if outcome != interfaces.PhaseRefunded && outcome != interfaces.PhaseCommitted {
		return nil, fmt.Errorf("%w: outcome must be refunded or committed", interfaces.ErrValidation)
	}
	if note == "" {
		return nil, fmt.Errorf("%w: a note is required", interfaces.ErrValidation)
	}

	record, err := g.records.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock, err := g.lockWallet(ctx, record.OwnerID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	record, err = g.records.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Phase != interfaces.PhaseReconcile {
		return nil, fmt.Errorf("%w: record %s is %s", interfaces.ErrValidation, id, record.Phase)
	}
	if err := g.journal.advance(ctx, record, outcome, "operator: "+note); err != nil {
		return nil, err
	}
	g.closeReservation(ctx, record)
	g.log.Info("Reconciliation resolved", "record", id, "outcome", outcome)
	return record, nil
}

// closeReservation releases the checkpoint held by a closed metered record.
// A committed debit advances the checkpoint by the hours it paid for.
func (g *Gate) closeReservation(ctx context.Context, record *interfaces.BillingRecord) {
	if record.Kind != interfaces.KindMetered || record.ResourceID == "" {
		return
	}
	cp, err := g.checkpoints.GetCheckpoint(ctx, record.ResourceID)
	if err != nil {
		g.log.Warn("Checkpoint of reconciled record unavailable", "record", record.ID, "instance", record.ResourceID, "err", err)
		return
	}
	if cp.PendingRecordID != record.ID {
		return
	}
	if record.Phase == interfaces.PhaseCommitted {
		cp.LastBilledAt = cp.LastBilledAt.Add(time.Duration(record.Hours) * time.Hour)
	}
	cp.PendingRecordID = ""
	cp.UpdatedAt = g.now().UTC()
	if err := g.checkpoints.UpdateCheckpoint(ctx, cp); err != nil {
		g.log.Error("Failed to release checkpoint of reconciled record", "record", record.ID, "instance", cp.ResourceID, "err", err)
	}
}
