package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/ruteri/compute-wallet-billing/interfaces"
)

// Deposit tops up owner's wallet from the treasury. The transfer runs under
// the wallet lock and is journaled like a debit, so a timed-out deposit is
// settled by ResolvePending instead of being sent twice.
func (g *Gate) Deposit(ctx context.Context, owner interfaces.UserID, amount interfaces.Lamports) (*interfaces.BillingRecord, error) {
	if amount == 0 {
		return nil, fmt.Errorf("%w: amount must be positive", interfaces.ErrValidation)
	}
	w, err := g.wallets.Get(ctx, owner)
	if err != nil {
		return nil, err
	}
	treasuryKey, err := g.treasury.TreasuryKey(ctx)
	if err != nil {
		return nil, err
	}
	log := g.log.With("uid", owner, "amount", amount.String())

	unlock, err := g.lockWallet(ctx, owner)
	if err != nil {
		return nil, err
	}
	defer unlock()

	record, err := g.journal.open(ctx, interfaces.KindDeposit, owner, "", &interfaces.PricingQuote{RequiredLamports: amount})
	if err != nil {
		return nil, err
	}
	if err := g.journal.advance(ctx, record, interfaces.PhaseReserved, ""); err != nil {
		return nil, err
	}

	confirmation, err := g.ledger.Transfer(ctx, treasuryKey, w.PublicKey, amount)
	if errors.Is(err, interfaces.ErrRpcTimeout) && confirmation != nil {
		record.Signature = confirmation.Signature
		_ = g.journal.settle(ctx, record, interfaces.PhasePending, "awaiting confirmation")
		log.Warn("Deposit awaiting confirmation", "record", record.ID, "signature", confirmation.Signature)
		return record, fmt.Errorf("%w: %s", interfaces.ErrTransferPending, confirmation.Signature)
	}
	if err != nil {
		_ = g.journal.advance(ctx, record, interfaces.PhaseReleased, "transfer failed")
		log.Warn("Deposit failed", "record", record.ID, "err", err)
		return record, err
	}

	record.Signature = confirmation.Signature
	_ = g.journal.settle(ctx, record, interfaces.PhaseDebited, "")
	_ = g.journal.settle(ctx, record, interfaces.PhaseCommitted, "")
	log.Info("Deposit confirmed", "record", record.ID, "signature", confirmation.Signature)
	return record, nil
}
