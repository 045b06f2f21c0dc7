package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/compute-wallet-billing/interfaces"
	"github.com/ruteri/compute-wallet-billing/metrics"
)

// journal persists every phase of a debit before the next side effect and
// fans terminal outcomes out to the archive and the event stream.
type journal struct {
	records interfaces.BillingRecordStore
	events  interfaces.EventPublisher
	archive interfaces.StorageBackend
	now     func() time.Time
	log     *slog.Logger
}

var phaseEvents = map[interfaces.BillingPhase]string{
	interfaces.PhaseCommitted: interfaces.EventDebitCommitted,
	interfaces.PhaseReleased:  interfaces.EventDebitReleased,
	interfaces.PhaseRefunded:  interfaces.EventRefundIssued,
	interfaces.PhaseReconcile: interfaces.EventReconciliation,
}

var archivedPhases = map[interfaces.BillingPhase]interfaces.ContentType{
	interfaces.PhaseCommitted: interfaces.ReceiptType,
	interfaces.PhaseReconcile: interfaces.ReconciliationType,
}

// open records a freshly quoted debit.
func (j *journal) open(ctx context.Context, kind interfaces.RecordKind, owner interfaces.UserID, resourceID string, quote *interfaces.PricingQuote) (*interfaces.BillingRecord, error) {
	now := j.now().UTC()
	record := &interfaces.BillingRecord{
		ID:             uuid.NewString(),
		Kind:           kind,
		OwnerID:        owner,
		ResourceID:     resourceID,
		Hours:          quote.Hours,
		AmountLamports: quote.RequiredLamports,
		ExchangeRate:   quote.ExchangeRate,
		Phase:          interfaces.PhaseQuoted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := j.records.CreateRecord(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to create billing record: %w", err)
	}
	metrics.BillingPhaseTransitions.WithLabelValues(string(kind), string(record.Phase)).Inc()
	return record, nil
}

// Post-transfer journal writes are retried this many times before the
// failure is logged and settlement carries on without them.
var (
	settleAttempts   = 3
	settleRetryDelay = 100 * time.Millisecond
)

// advance moves record to phase and persists it. A non-empty reason replaces
// the stored one.
func (j *journal) advance(ctx context.Context, record *interfaces.BillingRecord, phase interfaces.BillingPhase, reason string) error {
	if err := record.Advance(phase, j.now().UTC()); err != nil {
		return err
	}
	if reason != "" {
		record.Reason = reason
	}
	if contentType, ok := archivedPhases[phase]; ok {
		j.archiveRecord(ctx, record, contentType)
	}
	return j.persist(ctx, record)
}

// settle is advance for phases reached after funds have moved on the ledger.
// The store write is retried; a final failure is logged and returned, but the
// in-memory record has advanced so the caller can keep settling.
func (j *journal) settle(ctx context.Context, record *interfaces.BillingRecord, phase interfaces.BillingPhase, reason string) error {
	err := j.advance(ctx, record, phase, reason)
	for attempt := 1; err != nil && record.Phase == phase && attempt < settleAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return err
		case <-time.After(time.Duration(attempt) * settleRetryDelay):
		}
		err = j.persist(ctx, record)
	}
	if err != nil {
		j.log.Error("Billing phase reached on ledger but not journaled", "record", record.ID, "phase", phase,
			"signature", record.Signature, "refund_signature", record.RefundSignature, "err", err)
	}
	return err
}

func (j *journal) persist(ctx context.Context, record *interfaces.BillingRecord) error {
	if err := j.records.UpdateRecord(ctx, record); err != nil {
		j.log.Error("Failed to persist billing phase", "record", record.ID, "phase", record.Phase, "err", err)
		return fmt.Errorf("failed to update billing record: %w", err)
	}
	metrics.BillingPhaseTransitions.WithLabelValues(string(record.Kind), string(record.Phase)).Inc()

	if eventType, ok := phaseEvents[record.Phase]; ok {
		j.publish(ctx, interfaces.BillingEvent{
			Type:       eventType,
			RecordID:   record.ID,
			OwnerID:    record.OwnerID,
			ResourceID: record.ResourceID,
			Phase:      record.Phase,
			Amount:     record.AmountLamports,
			Signature:  record.Signature,
			Reason:     record.Reason,
		})
	}
	return nil
}

func (j *journal) archiveRecord(ctx context.Context, record *interfaces.BillingRecord, contentType interfaces.ContentType) {
	if j.archive == nil {
		return
	}
	data, err := json.Marshal(record)
	if err != nil {
		j.log.Error("Failed to encode billing record for archive", "record", record.ID, "err", err)
		return
	}
	id, err := j.archive.Store(ctx, data, contentType)
	if err != nil {
		j.log.Error("Failed to archive billing record", "record", record.ID, "archive", j.archive.Name(), "err", err)
		return
	}
	record.JournalRef = id.String()
}

// publish is best effort; the durable record is the source of truth.
func (j *journal) publish(ctx context.Context, event interfaces.BillingEvent) {
	if j.events == nil {
		return
	}
	event.OccurredAt = j.now().UTC()
	if err := j.events.Publish(ctx, event); err != nil {
		j.log.Warn("Failed to publish billing event", "type", event.Type, "record", event.RecordID, "err", err)
	}
}
