package interfaces

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// RecordKind distinguishes the debit protocol a BillingRecord belongs to.
type RecordKind string

const (
	KindLaunch     RecordKind = "launch"
	KindMetered    RecordKind = "metered"
	KindWithdrawal RecordKind = "withdrawal"
	// KindDeposit is a treasury-funded top-up of a user wallet.
	KindDeposit RecordKind = "deposit"
)

// BillingPhase is the durable state of a debit protocol run.
type BillingPhase string

const (
	PhaseQuoted    BillingPhase = "quoted"
	PhaseReserved  BillingPhase = "reserved"
	PhasePending   BillingPhase = "pending"
	PhaseDebited   BillingPhase = "debited"
	PhaseCommitted BillingPhase = "committed"
	PhaseReleased  BillingPhase = "released"
	PhaseRefunded  BillingPhase = "refunded"
	PhaseReconcile BillingPhase = "reconcile"
)

var phaseTransitions = map[BillingPhase][]BillingPhase{
	PhaseQuoted:    {PhaseReserved, PhaseReleased},
	PhaseReserved:  {PhasePending, PhaseDebited, PhaseReleased, PhaseReconcile},
	PhasePending:   {PhaseDebited, PhaseReleased},
	PhaseDebited:   {PhaseCommitted, PhaseRefunded, PhaseReconcile},
	PhaseReconcile: {PhaseRefunded, PhaseCommitted},
}

// CanTransition reports whether a record may move from one phase to another.
func CanTransition(from, to BillingPhase) bool {
	for _, next := range phaseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (p BillingPhase) Terminal() bool {
	return len(phaseTransitions[p]) == 0
}

// BillingRecord is the durable journal entry of one debit. Every phase change
// is persisted before the next side effect is attempted.
type BillingRecord struct {
	ID              string          `json:"id"`
	Kind            RecordKind      `json:"kind"`
	OwnerID         UserID          `json:"owner_id"`
	ResourceID      string          `json:"resource_id,omitempty"`
	Hours           int64           `json:"hours"`
	AmountLamports  Lamports        `json:"amount_lamports"`
	ExchangeRate    decimal.Decimal `json:"exchange_rate"`
	Phase           BillingPhase    `json:"phase"`
	Signature       string          `json:"signature,omitempty"`
	RefundSignature string          `json:"refund_signature,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	JournalRef      string          `json:"journal_ref,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Advance moves the record to the next phase, rejecting illegal transitions.
func (r *BillingRecord) Advance(to BillingPhase, now time.Time) error {
	if !CanTransition(r.Phase, to) {
		return fmt.Errorf("illegal billing phase transition %s -> %s for record %s", r.Phase, to, r.ID)
	}
	r.Phase = to
	r.UpdatedAt = now
	return nil
}

// BillingEvent is published after a billing outcome becomes durable.
type BillingEvent struct {
	Type       string       `json:"type"`
	RecordID   string       `json:"record_id,omitempty"`
	OwnerID    UserID       `json:"owner_id"`
	ResourceID string       `json:"resource_id,omitempty"`
	Phase      BillingPhase `json:"phase,omitempty"`
	Amount     Lamports     `json:"amount_lamports,omitempty"`
	Signature  string       `json:"signature,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// Billing event types.
const (
	EventDebitCommitted  = "billing.debit_committed"
	EventDebitReleased   = "billing.debit_released"
	EventRefundIssued    = "billing.refund_issued"
	EventReconciliation  = "billing.reconciliation_required"
	EventResourceStopped = "billing.resource_stopped"
)
