package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/compute-wallet-billing/interfaces"
	"github.com/ruteri/compute-wallet-billing/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDBDown = errors.New("db down")

// failingRecords rejects record updates into one phase. failures < 0 fails
// every write; otherwise only that many writes fail.
type failingRecords struct {
	interfaces.BillingRecordStore
	mu       sync.Mutex
	phase    interfaces.BillingPhase
	failures int
}

func (s *failingRecords) UpdateRecord(ctx context.Context, r *interfaces.BillingRecord) error {
	s.mu.Lock()
	fail := r.Phase == s.phase && s.failures != 0
	if fail && s.failures > 0 {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return errDBDown
	}
	return s.BillingRecordStore.UpdateRecord(ctx, r)
}

// failingCheckpoints can reject checkpoint creation and any update that
// moves LastBilledAt.
type failingCheckpoints struct {
	interfaces.CheckpointStore
	mu          sync.Mutex
	failCreate  bool
	failAdvance bool
}

func (s *failingCheckpoints) set(create, advance bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCreate, s.failAdvance = create, advance
}

func (s *failingCheckpoints) CreateCheckpoint(ctx context.Context, c *interfaces.BillingCheckpoint) error {
	s.mu.Lock()
	fail := s.failCreate
	s.mu.Unlock()
	if fail {
		return errDBDown
	}
	return s.CheckpointStore.CreateCheckpoint(ctx, c)
}

func (s *failingCheckpoints) UpdateCheckpoint(ctx context.Context, c *interfaces.BillingCheckpoint) error {
	s.mu.Lock()
	fail := s.failAdvance
	s.mu.Unlock()
	if fail {
		stored, err := s.CheckpointStore.GetCheckpoint(ctx, c.ResourceID)
		if err == nil && !stored.LastBilledAt.Equal(c.LastBilledAt) {
			return errDBDown
		}
	}
	return s.CheckpointStore.UpdateCheckpoint(ctx, c)
}

func fastSettleRetries(t *testing.T) {
	t.Helper()
	prev := settleRetryDelay
	settleRetryDelay = time.Millisecond
	t.Cleanup(func() { settleRetryDelay = prev })
}

func withRecords(records *failingRecords) func(*Dependencies) {
	return func(d *Dependencies) {
		records.BillingRecordStore = d.Records
		d.Records = records
	}
}

func withCheckpoints(checkpoints *failingCheckpoints) func(*Dependencies) {
	return func(d *Dependencies) {
		checkpoints.CheckpointStore = d.Checkpoints
		d.Checkpoints = checkpoints
	}
}

func TestLaunchProvisionsWhenDebitIsNotJournaled(t *testing.T) {
	fastSettleRetries(t)
	records := &failingRecords{phase: interfaces.PhaseDebited, failures: -1}
	f := newFixture(t, withRecords(records))
	f.fund(t, alice, oneHourLamports)

	cp, err := f.gate.Launch(context.Background(), alice, launchSpec(oneDollarType))
	require.NoError(t, err)
	assert.Equal(t, 1, f.provider.Calls("launch"))
	assert.Equal(t, oneHourLamports, f.ledger.Balance(f.collector))
	f.checkpoint(t, cp.ResourceID)

	stored := f.store.Records()
	require.Len(t, stored, 1)
	assert.Equal(t, interfaces.PhaseCommitted, stored[0].Phase)
	assert.Equal(t, cp.ResourceID, stored[0].ResourceID)
	assert.NotEmpty(t, stored[0].Signature)
}

func TestLaunchTransientJournalFailureIsRetried(t *testing.T) {
	fastSettleRetries(t)
	records := &failingRecords{phase: interfaces.PhaseCommitted, failures: 1}
	f := newFixture(t, withRecords(records))
	f.fund(t, alice, oneHourLamports)

	_, err := f.gate.Launch(context.Background(), alice, launchSpec(oneDollarType))
	require.NoError(t, err)

	stored := f.store.Records()
	require.Len(t, stored, 1)
	assert.Equal(t, interfaces.PhaseCommitted, stored[0].Phase)
}

func TestUnjournaledPendingPaymentIsEscalated(t *testing.T) {
	fastSettleRetries(t)
	records := &failingRecords{phase: interfaces.PhasePending, failures: -1}
	f := newFixture(t, withRecords(records))
	ctx := context.Background()
	f.fund(t, alice, oneHourLamports)
	f.ledger.TimeoutNextTransfer(true)

	_, err := f.gate.Launch(ctx, alice, launchSpec(oneDollarType))
	require.ErrorIs(t, err, interfaces.ErrTransferPending)
	require.Equal(t, interfaces.PhaseReserved, f.store.Records()[0].Phase)

	report := f.gate.ResolvePending(ctx, t0.Add(time.Minute))
	assert.Equal(t, 1, report.Outcomes[ResolvedWaiting])

	report = f.gate.ResolvePending(ctx, t0.Add(DefaultPendingExpiry+time.Minute))
	assert.Equal(t, 1, report.Outcomes[ResolvedReconcile])

	pending, err := f.gate.ListReconciliation(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, interfaces.KindLaunch, pending[0].Kind)
	assert.Equal(t, 0, f.provider.Calls("launch"))
}

func TestLaunchUntrackedInstanceIsTerminatedAndRefunded(t *testing.T) {
	checkpoints := &failingCheckpoints{failCreate: true}
	f := newFixture(t, withCheckpoints(checkpoints))
	ctx := context.Background()
	f.fund(t, alice, oneHourLamports)

	_, err := f.gate.Launch(ctx, alice, launchSpec(oneDollarType))
	assert.ErrorIs(t, err, interfaces.ErrProvisioningFailure)

	assert.Equal(t, 1, f.provider.Calls("launch"))
	assert.Equal(t, 1, f.provider.Calls("terminate"))
	assert.Equal(t, oneHourLamports, f.ledger.Balance(f.address(t, alice)))

	stored := f.store.Records()
	require.Len(t, stored, 1)
	assert.Equal(t, interfaces.PhaseRefunded, stored[0].Phase)
	require.NotEmpty(t, stored[0].ResourceID)
	inst, ok := f.provider.Instance(stored[0].ResourceID)
	require.True(t, ok)
	assert.Equal(t, provider.StatusTerminated, inst.Status)
}

func TestLaunchUntrackedInstanceThatSurvivesIsReconciled(t *testing.T) {
	checkpoints := &failingCheckpoints{failCreate: true}
	f := newFixture(t, withCheckpoints(checkpoints))
	ctx := context.Background()
	f.fund(t, alice, oneHourLamports)
	f.provider.FailTerminates(errors.New("api down"))

	_, err := f.gate.Launch(ctx, alice, launchSpec(oneDollarType))
	assert.ErrorIs(t, err, interfaces.ErrReconciliationRequired)

	pending, err := f.gate.ListReconciliation(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NotEmpty(t, pending[0].ResourceID)
	assert.Contains(t, pending[0].Reason, pending[0].ResourceID)
	assert.Equal(t, 1, f.ledger.Calls("transfer"), "no refund while the instance may be running")
}

func TestSweepDoesNotRebillWhenDebitIsNotJournaled(t *testing.T) {
	fastSettleRetries(t)
	records := &failingRecords{phase: interfaces.PhaseDebited, failures: -1}
	f := newFixture(t, withRecords(records))
	ctx := context.Background()
	f.fund(t, alice, 10*oneHourLamports)
	id := f.running(t, alice, t0)

	report := f.gate.Sweep(ctx, t0.Add(2*time.Hour))
	assert.Equal(t, 1, report.Outcomes[OutcomeBilled])
	assert.Equal(t, t0.Add(2*time.Hour), f.checkpoint(t, id).LastBilledAt)

	report = f.gate.Sweep(ctx, t0.Add(2*time.Hour+time.Minute))
	assert.Equal(t, 1, report.Outcomes[OutcomeNotDue])
	assert.Equal(t, 8*oneHourLamports, f.ledger.Balance(f.address(t, alice)))
	assert.Equal(t, interfaces.PhaseCommitted, f.store.Records()[0].Phase)
}

func TestSweepKeepsReservationWhenCheckpointCannotAdvance(t *testing.T) {
	fastSettleRetries(t)
	checkpoints := &failingCheckpoints{failAdvance: true}
	f := newFixture(t, withCheckpoints(checkpoints))
	ctx := context.Background()
	f.fund(t, alice, 10*oneHourLamports)
	id := f.running(t, alice, t0)

	report := f.gate.Sweep(ctx, t0.Add(2*time.Hour))
	assert.Equal(t, 1, report.Outcomes[OutcomeFailed])
	cp := f.checkpoint(t, id)
	assert.Equal(t, t0, cp.LastBilledAt)
	require.NotEmpty(t, cp.PendingRecordID)

	pending, err := f.gate.ListReconciliation(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, cp.PendingRecordID, pending[0].ID)

	// The paid hours are not billed again while the record is open.
	report = f.gate.Sweep(ctx, t0.Add(3*time.Hour))
	assert.Equal(t, 1, report.Outcomes[OutcomeAwaiting])
	assert.Equal(t, 1, f.ledger.Calls("transfer"))

	checkpoints.set(false, false)
	_, err = f.gate.ResolveReconciliation(ctx, pending[0].ID, interfaces.PhaseCommitted, "debit confirmed on chain")
	require.NoError(t, err)

	cp = f.checkpoint(t, id)
	assert.Empty(t, cp.PendingRecordID)
	assert.Equal(t, t0.Add(2*time.Hour), cp.LastBilledAt)
	assert.Equal(t, 8*oneHourLamports, f.ledger.Balance(f.address(t, alice)))
}

func TestConcurrentLaunchesShareOneBalance(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, oneHourLamports)

	const launches = 4
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		declined  int
	)
	for i := 0; i < launches; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.gate.Launch(context.Background(), alice, launchSpec(oneDollarType))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, interfaces.ErrInsufficientFunds):
				declined++
			default:
				t.Errorf("unexpected launch error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, launches-1, declined)
	assert.Equal(t, 1, f.provider.Calls("launch"))
	assert.Equal(t, 1, f.ledger.Calls("transfer"))
	assert.Equal(t, interfaces.Lamports(0), f.ledger.Balance(f.address(t, alice)))
}

func TestLaunchAndWithdrawAreSerialized(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, oneHourLamports)
	destination := f.address(t, bob)

	var (
		wg          sync.WaitGroup
		launchErr   error
		withdrawErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, launchErr = f.gate.Launch(context.Background(), alice, launchSpec(oneDollarType))
	}()
	go func() {
		defer wg.Done()
		_, withdrawErr = f.wallets.Withdraw(context.Background(), alice, destination, oneHourLamports)
	}()
	wg.Wait()

	// Exactly one wins; the other is declined by the balance check, never by
	// the ledger.
	if launchErr == nil {
		assert.ErrorIs(t, withdrawErr, interfaces.ErrInsufficientFunds)
	} else {
		assert.ErrorIs(t, launchErr, interfaces.ErrInsufficientFunds)
		assert.NoError(t, withdrawErr)
	}
	assert.Equal(t, 1, f.ledger.Calls("transfer"))
	assert.Equal(t, interfaces.Lamports(0), f.ledger.Balance(f.address(t, alice)))
}
