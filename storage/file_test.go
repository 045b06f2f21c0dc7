package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ruteri/compute-wallet-billing/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileBackend(t *testing.T) (*FileBackend, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "archive")
	backend, err := NewFileBackend(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return backend, dir
}

func TestFileBackendLayout(t *testing.T) {
	backend, dir := newTestFileBackend(t)

	for _, sub := range []string{"reconciliation", "receipts"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
	assert.True(t, backend.Available(context.Background()))
	assert.Equal(t, "file://"+dir, backend.LocationURI())
	assert.Equal(t, "file-archive", backend.Name())
}

func TestFileBackendStoreFetch(t *testing.T) {
	backend, dir := newTestFileBackend(t)
	ctx := context.Background()
	data := []byte(`{"id":"rec-1","phase":"reconcile"}`)

	id, err := backend.Store(ctx, data, interfaces.ReconciliationType)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ComputeID(data), id)
	assert.FileExists(t, filepath.Join(dir, "reconciliation", id.String()))

	again, err := backend.Store(ctx, data, interfaces.ReconciliationType)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	got, err := backend.Fetch(ctx, id, interfaces.ReconciliationType)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = backend.Fetch(ctx, id, interfaces.ReceiptType)
	assert.ErrorIs(t, err, interfaces.ErrContentNotFound, "namespaces are separate")
}

func TestFileBackendDetectsCorruption(t *testing.T) {
	backend, dir := newTestFileBackend(t)
	ctx := context.Background()

	id, err := backend.Store(ctx, []byte("receipt"), interfaces.ReceiptType)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "receipts", id.String()), []byte("edited"), 0o600))

	_, err = backend.Fetch(ctx, id, interfaces.ReceiptType)
	assert.Error(t, err)
}

func TestFileBackendUnavailable(t *testing.T) {
	backend, dir := newTestFileBackend(t)
	require.NoError(t, os.RemoveAll(dir))
	assert.False(t, backend.Available(context.Background()))
}
