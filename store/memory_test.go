package store

import (
	"context"
	"testing"
	"time"

	"github.com/ruteri/compute-wallet-billing/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryWalletIsCreatedOnce(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, err := m.GetWallet(ctx, "1")
	assert.ErrorIs(t, err, interfaces.ErrWalletNotFound)

	first, err := m.CreateWallet(ctx, &interfaces.WalletAccount{OwnerID: "1", PublicKey: "a"})
	require.NoError(t, err)
	second, err := m.CreateWallet(ctx, &interfaces.WalletAccount{OwnerID: "1", PublicKey: "b"})
	require.NoError(t, err)
	assert.Equal(t, first.PublicKey, second.PublicKey)
}

func TestMemoryCheckpointsReturnCopies(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.CreateCheckpoint(ctx, &interfaces.BillingCheckpoint{ResourceID: "b", OwnerID: "1", Status: interfaces.ResourceRunning, LaunchedAt: t0.Add(time.Hour)}))
	require.NoError(t, m.CreateCheckpoint(ctx, &interfaces.BillingCheckpoint{ResourceID: "a", OwnerID: "1", Status: interfaces.ResourcePending, LaunchedAt: t0}))
	require.NoError(t, m.CreateCheckpoint(ctx, &interfaces.BillingCheckpoint{ResourceID: "c", OwnerID: "2", Status: interfaces.ResourceTerminated, LaunchedAt: t0}))

	got, err := m.ListCheckpoints(ctx, interfaces.CheckpointFilter{Statuses: []interfaces.ResourceStatus{interfaces.ResourcePending, interfaces.ResourceRunning}})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ResourceID)
	assert.Equal(t, "b", got[1].ResourceID)

	got[0].Status = interfaces.ResourceStopped
	stored, err := m.GetCheckpoint(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, interfaces.ResourcePending, stored.Status)

	owned, err := m.ListCheckpoints(ctx, interfaces.CheckpointFilter{OwnerID: "2"})
	require.NoError(t, err)
	assert.Len(t, owned, 1)

	assert.ErrorIs(t, m.UpdateCheckpoint(ctx, &interfaces.BillingCheckpoint{ResourceID: "zzz"}), interfaces.ErrRecordNotFound)
}

func TestMemoryRecordsByPhase(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, m.CreateRecord(ctx, &interfaces.BillingRecord{ID: "1", Phase: interfaces.PhaseReconcile, CreatedAt: now}))
	require.NoError(t, m.CreateRecord(ctx, &interfaces.BillingRecord{ID: "2", Phase: interfaces.PhaseCommitted, CreatedAt: now}))

	got, err := m.ListRecordsByPhase(ctx, interfaces.PhaseReconcile)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "1", got[0].ID)

	_, err = m.GetRecord(ctx, "3")
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)
	assert.ErrorIs(t, m.UpdateRecord(ctx, &interfaces.BillingRecord{ID: "3"}), interfaces.ErrRecordNotFound)
}

func TestMemoryLookupUser(t *testing.T) {
	m := NewMemory()
	m.AddUser(interfaces.Identity{UserID: "1", Email: "a@example.com"})

	id, err := m.LookupUser(context.Background(), "1")
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", id.Email)

	_, err = m.LookupUser(context.Background(), "2")
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)
}
