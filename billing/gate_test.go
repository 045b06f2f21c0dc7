package billing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/ruteri/compute-wallet-billing/cryptoutils"
	"github.com/ruteri/compute-wallet-billing/interfaces"
	"github.com/ruteri/compute-wallet-billing/ledger"
	"github.com/ruteri/compute-wallet-billing/pricing"
	"github.com/ruteri/compute-wallet-billing/provider"
	"github.com/ruteri/compute-wallet-billing/store"
	"github.com/ruteri/compute-wallet-billing/wallet"
	"github.com/ruteri/compute-wallet-billing/walletlock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alice = interfaces.Identity{UserID: "1", Email: "alice@example.com"}
	bob   = interfaces.Identity{UserID: "2", Email: "bob@example.com"}

	t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
)

const (
	oneDollarType  = "gpu_1x_a10"
	dollarCentType = "gpu_1x_a100"
	// 100 cents at 100 USD per SOL.
	oneHourLamports = interfaces.Lamports(10_000_000)
)

type staticTreasury struct {
	mu  sync.Mutex
	key solana.PrivateKey
	err error
}

func (s *staticTreasury) TreasuryKey(context.Context) (solana.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.key, nil
}

func (s *staticTreasury) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []interfaces.BillingEvent
}

func (p *recordingPublisher) Publish(_ context.Context, e interfaces.BillingEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

type memArchive struct {
	mu    sync.Mutex
	items map[interfaces.ContentType][][]byte
}

func (a *memArchive) Fetch(context.Context, interfaces.ContentID, interfaces.ContentType) ([]byte, error) {
	return nil, interfaces.ErrContentNotFound
}

func (a *memArchive) Store(_ context.Context, data []byte, ct interfaces.ContentType) (interfaces.ContentID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.items == nil {
		a.items = make(map[interfaces.ContentType][][]byte)
	}
	a.items[ct] = append(a.items[ct], data)
	return interfaces.ComputeID(data), nil
}

func (a *memArchive) count(ct interfaces.ContentType) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.items[ct])
}

func (a *memArchive) Available(context.Context) bool { return true }
func (a *memArchive) Name() string                   { return "memory" }
func (a *memArchive) LocationURI() string            { return "memory://" }

type fixture struct {
	gate      *Gate
	wallets   *wallet.Service
	store     *store.Memory
	ledger    *ledger.MemoryLedger
	provider  *provider.Memory
	treasury  *staticTreasury
	events    *recordingPublisher
	archive   *memArchive
	collector string
}

func newFixture(t *testing.T, opts ...func(*Dependencies)) *fixture {
	t.Helper()

	kdf, err := cryptoutils.NewKeyDerivation(cryptoutils.KDFPBKDF2, []byte("test-shared-salt"), cryptoutils.MinPBKDF2Iterations)
	require.NoError(t, err)
	rates, err := pricing.NewFixedRateSource("100")
	require.NoError(t, err)

	mem := store.NewMemory()
	l := ledger.NewMemoryLedger()
	locker := walletlock.NewLocal()
	wallets := wallet.NewService(mem, mem, kdf, cryptoutils.NewMnemonicVault(), l, locker, wallet.ServiceConfig{}, slog.Default())
	prov := provider.NewMemory(
		interfaces.InstanceType{Name: oneDollarType, PriceCentsPerHour: 100},
		interfaces.InstanceType{Name: dollarCentType, PriceCentsPerHour: 101},
	)
	treasury := &staticTreasury{key: solana.NewWallet().PrivateKey}
	events := &recordingPublisher{}
	archive := &memArchive{}

	deps := Dependencies{
		Wallets:     wallets,
		Users:       mem,
		Checkpoints: mem,
		Records:     mem,
		Quoter:      pricing.NewConverter(rates, slog.Default()),
		Ledger:      l,
		Provisioner: prov,
		Locker:      locker,
		Treasury:    treasury,
		Events:      events,
		Archive:     archive,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	gate, err := NewGate(deps, Config{CollectionAddress: treasury.key.PublicKey().String()}, slog.Default())
	require.NoError(t, err)
	gate.now = func() time.Time { return t0 }

	for _, id := range []interfaces.Identity{alice, bob} {
		mem.AddUser(id)
		_, err := wallets.Create(context.Background(), id)
		require.NoError(t, err)
	}

	return &fixture{
		gate:      gate,
		wallets:   wallets,
		store:     mem,
		ledger:    l,
		provider:  prov,
		treasury:  treasury,
		events:    events,
		archive:   archive,
		collector: treasury.key.PublicKey().String(),
	}
}

func (f *fixture) address(t *testing.T, id interfaces.Identity) string {
	t.Helper()
	w, err := f.wallets.Get(context.Background(), id.UserID)
	require.NoError(t, err)
	return w.PublicKey
}

func (f *fixture) fund(t *testing.T, id interfaces.Identity, amount interfaces.Lamports) {
	t.Helper()
	f.ledger.Fund(f.address(t, id), amount)
}

func launchSpec(instanceType string) interfaces.LaunchSpec {
	return interfaces.LaunchSpec{InstanceType: instanceType, Region: "us-east-1", SSHKeyNames: []string{"laptop"}}
}

func TestLaunchAtRoundingBoundary(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, oneHourLamports)

	cp, err := f.gate.Launch(context.Background(), alice, launchSpec(oneDollarType))
	require.NoError(t, err)

	assert.Equal(t, interfaces.ResourcePending, cp.Status)
	assert.Equal(t, t0.Add(time.Hour), cp.LastBilledAt)
	assert.Equal(t, int64(100), cp.HourlyCostCents)
	assert.Equal(t, interfaces.Lamports(0), f.ledger.Balance(f.address(t, alice)))
	assert.Equal(t, oneHourLamports, f.ledger.Balance(f.collector))
	assert.Equal(t, 1, f.provider.Calls("launch"))

	records := f.store.Records()
	require.Len(t, records, 1)
	assert.Equal(t, interfaces.PhaseCommitted, records[0].Phase)
	assert.Equal(t, interfaces.KindLaunch, records[0].Kind)
	assert.Equal(t, cp.ResourceID, records[0].ResourceID)
	assert.NotEmpty(t, records[0].Signature)
	assert.NotEmpty(t, records[0].JournalRef)
	assert.Equal(t, 1, f.archive.count(interfaces.ReceiptType))
	assert.Equal(t, []string{interfaces.EventDebitCommitted}, f.events.types())

	stored, err := f.store.GetCheckpoint(context.Background(), cp.ResourceID)
	require.NoError(t, err)
	assert.Equal(t, cp.LastBilledAt, stored.LastBilledAt)
}

func TestLaunchInsufficientFundsNeverProvisions(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, oneHourLamports)

	_, err := f.gate.Launch(context.Background(), alice, launchSpec(dollarCentType))
	assert.ErrorIs(t, err, interfaces.ErrInsufficientFunds)

	assert.Equal(t, 0, f.provider.Calls("launch"))
	assert.Equal(t, 0, f.ledger.Calls("transfer"))
	assert.Equal(t, oneHourLamports, f.ledger.Balance(f.address(t, alice)))

	records := f.store.Records()
	require.Len(t, records, 1)
	assert.Equal(t, interfaces.PhaseReleased, records[0].Phase)
	assert.Equal(t, interfaces.Lamports(10_100_000), records[0].AmountLamports)
}

func TestLaunchValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.gate.Launch(ctx, alice, interfaces.LaunchSpec{InstanceType: oneDollarType})
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	_, err = f.gate.Launch(ctx, alice, launchSpec("gpu_8x_imaginary"))
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	_, err = f.gate.Launch(ctx, interfaces.Identity{UserID: "99", Email: "nobody@example.com"}, launchSpec(oneDollarType))
	assert.ErrorIs(t, err, interfaces.ErrWalletNotFound)

	assert.Empty(t, f.store.Records())
	assert.Equal(t, 0, f.provider.Calls("launch"))
}

func TestLaunchProvisioningFailureRefunds(t *testing.T) {
	f := newFixture(t)
	f.fund(t, alice, oneHourLamports)
	f.provider.FailLaunches(errors.New("insufficient capacity"))

	_, err := f.gate.Launch(context.Background(), alice, launchSpec(oneDollarType))
	assert.ErrorIs(t, err, interfaces.ErrProvisioningFailure)

	assert.Equal(t, oneHourLamports, f.ledger.Balance(f.address(t, alice)))
	assert.Equal(t, interfaces.Lamports(0), f.ledger.Balance(f.collector))
	assert.Equal(t, 2, f.ledger.Calls("transfer"))

	records := f.store.Records()
	require.Len(t, records, 1)
	assert.Equal(t, interfaces.PhaseRefunded, records[0].Phase)
	assert.NotEmpty(t, records[0].RefundSignature)
	assert.Contains(t, records[0].Reason, "insufficient capacity")
	assert.Equal(t, []string{interfaces.EventRefundIssued}, f.events.types())

	checkpoints, err := f.store.ListCheckpoints(context.Background(), interfaces.CheckpointFilter{})
	require.NoError(t, err)
	assert.Empty(t, checkpoints)
}

func TestLaunchRefundFailureRequiresReconciliation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, alice, oneHourLamports)
	f.provider.FailLaunches(errors.New("api down"))
	f.treasury.fail(errors.New("vault sealed"))

	_, err := f.gate.Launch(ctx, alice, launchSpec(oneDollarType))
	assert.ErrorIs(t, err, interfaces.ErrReconciliationRequired)
	assert.Equal(t, interfaces.CodeContactSupport, interfaces.PublicError(err).Code)

	pending, err := f.gate.ListReconciliation(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.NotEmpty(t, pending[0].JournalRef)
	assert.Equal(t, 1, f.archive.count(interfaces.ReconciliationType))
	assert.Equal(t, []string{interfaces.EventReconciliation}, f.events.types())

	// Operator retries once the treasury is reachable again.
	f.treasury.fail(nil)
	record, err := f.gate.RetryRefund(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.PhaseRefunded, record.Phase)
	assert.Equal(t, oneHourLamports, f.ledger.Balance(f.address(t, alice)))

	_, err = f.gate.RetryRefund(ctx, pending[0].ID)
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestRetryRefundChecksEarlierSignature(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, alice, oneHourLamports)

	// Both the payment and its refund time out but land.
	f.ledger.TimeoutNextTransfer(true)
	f.ledger.TimeoutNextTransfer(true)
	_, err := f.gate.Launch(ctx, alice, launchSpec(oneDollarType))
	assert.ErrorIs(t, err, interfaces.ErrTransferPending)

	report := f.gate.ResolvePending(ctx, t0.Add(time.Minute))
	assert.Equal(t, 1, report.Outcomes[ResolvedReconcile])

	pending, err := f.gate.ListReconciliation(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.NotEmpty(t, pending[0].RefundSignature)

	transfers := f.ledger.Calls("transfer")
	record, err := f.gate.RetryRefund(ctx, pending[0].ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.PhaseRefunded, record.Phase)
	assert.Equal(t, transfers, f.ledger.Calls("transfer"), "a landed refund must not be paid again")
	assert.Equal(t, oneHourLamports, f.ledger.Balance(f.address(t, alice)))
	assert.Equal(t, 0, f.provider.Calls("launch"))
}

func TestResolveReconciliation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, alice, oneHourLamports)
	f.provider.FailLaunches(errors.New("api down"))
	f.treasury.fail(errors.New("vault sealed"))

	_, err := f.gate.Launch(ctx, alice, launchSpec(oneDollarType))
	require.ErrorIs(t, err, interfaces.ErrReconciliationRequired)
	pending, err := f.gate.ListReconciliation(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = f.gate.ResolveReconciliation(ctx, pending[0].ID, interfaces.PhaseReleased, "no")
	assert.ErrorIs(t, err, interfaces.ErrValidation)
	_, err = f.gate.ResolveReconciliation(ctx, pending[0].ID, interfaces.PhaseRefunded, "")
	assert.ErrorIs(t, err, interfaces.ErrValidation)

	record, err := f.gate.ResolveReconciliation(ctx, pending[0].ID, interfaces.PhaseRefunded, "refunded manually, ticket 812")
	require.NoError(t, err)
	assert.Equal(t, interfaces.PhaseRefunded, record.Phase)
	assert.Contains(t, record.Reason, "ticket 812")

	remaining, err := f.gate.ListReconciliation(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestLaunchPendingPaymentDoesNotProvision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, alice, oneHourLamports)
	f.ledger.TimeoutNextTransfer(true)

	_, err := f.gate.Launch(ctx, alice, launchSpec(oneDollarType))
	assert.ErrorIs(t, err, interfaces.ErrTransferPending)
	assert.Equal(t, 0, f.provider.Calls("launch"))

	records := f.store.Records()
	require.Len(t, records, 1)
	assert.Equal(t, interfaces.PhasePending, records[0].Phase)
	assert.NotEmpty(t, records[0].Signature)

	report := f.gate.ResolvePending(ctx, t0.Add(time.Minute))
	assert.Equal(t, 1, report.Outcomes[ResolvedRefunded])

	record, err := f.store.GetRecord(ctx, records[0].ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.PhaseRefunded, record.Phase)
	assert.Equal(t, oneHourLamports, f.ledger.Balance(f.address(t, alice)))
}

func TestPendingPaymentThatNeverLandsIsReleased(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, alice, oneHourLamports)
	f.ledger.TimeoutNextTransfer(false)

	_, err := f.gate.Launch(ctx, alice, launchSpec(oneDollarType))
	require.ErrorIs(t, err, interfaces.ErrTransferPending)

	report := f.gate.ResolvePending(ctx, t0.Add(time.Minute))
	assert.Equal(t, 1, report.Outcomes[ResolvedWaiting])

	report = f.gate.ResolvePending(ctx, t0.Add(DefaultPendingExpiry+time.Minute))
	assert.Equal(t, 1, report.Outcomes[ResolvedReleased])

	records := f.store.Records()
	require.Len(t, records, 1)
	assert.Equal(t, interfaces.PhaseReleased, records[0].Phase)
	assert.Equal(t, oneHourLamports, f.ledger.Balance(f.address(t, alice)))
}

func TestTerminate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, alice, oneHourLamports)

	cp, err := f.gate.Launch(ctx, alice, launchSpec(oneDollarType))
	require.NoError(t, err)

	err = f.gate.Terminate(ctx, bob, []string{cp.ResourceID})
	assert.ErrorIs(t, err, interfaces.ErrNotOwner)
	err = f.gate.Terminate(ctx, alice, []string{"missing"})
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)
	assert.ErrorIs(t, f.gate.Terminate(ctx, alice, nil), interfaces.ErrValidation)
	assert.Equal(t, 0, f.provider.Calls("terminate"))

	require.NoError(t, f.gate.Terminate(ctx, alice, []string{cp.ResourceID}))
	stored, err := f.store.GetCheckpoint(ctx, cp.ResourceID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ResourceTerminated, stored.Status)

	inst, ok := f.provider.Instance(cp.ResourceID)
	require.True(t, ok)
	assert.Equal(t, provider.StatusTerminated, inst.Status)

	listed, err := f.gate.ListInstances(ctx, alice.UserID)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestListInstances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, alice, oneHourLamports)

	cp, err := f.gate.Launch(ctx, alice, launchSpec(oneDollarType))
	require.NoError(t, err)
	f.provider.SetStatus(cp.ResourceID, provider.StatusActive)

	listed, err := f.gate.ListInstances(ctx, alice.UserID)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, cp.ResourceID, listed[0].ID)
	assert.Equal(t, provider.StatusActive, listed[0].ProviderStatus)
	assert.Equal(t, t0.Add(time.Hour), listed[0].PaidUntil)

	others, err := f.gate.ListInstances(ctx, bob.UserID)
	require.NoError(t, err)
	assert.Empty(t, others)
}
