package storage

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/ruteri/compute-wallet-billing/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageBackendFor(t *testing.T) {
	factory := NewStorageBackendFactory(slog.New(slog.NewTextHandler(io.Discard, nil)))
	dir := t.TempDir()

	backend, err := factory.StorageBackendFor(interfaces.StorageBackendLocation("file://" + dir))
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, backend)

	backend, err = factory.StorageBackendFor("s3://archive-bucket/billing?region=eu-west-1")
	require.NoError(t, err)
	s3Backend, ok := backend.(*S3Backend)
	require.True(t, ok)
	assert.Equal(t, "billing", s3Backend.prefix)
	assert.Equal(t, "s3-archive-bucket", s3Backend.Name())

	_, err = factory.StorageBackendFor("ipfs://localhost:5001")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	_, err = factory.StorageBackendFor("file://")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}

func TestCreateMultiBackend(t *testing.T) {
	factory := NewStorageBackendFactory(slog.New(slog.NewTextHandler(io.Discard, nil)))
	dir := filepath.Join(t.TempDir(), "archive")

	multi, err := factory.CreateMultiBackend([]interfaces.StorageBackendLocation{
		"unsupported://nowhere",
		interfaces.StorageBackendLocation("file://" + dir),
	})
	require.NoError(t, err)
	assert.Equal(t, "multi:[file://"+dir+"]", multi.LocationURI())

	_, err = factory.CreateMultiBackend([]interfaces.StorageBackendLocation{"unsupported://nowhere"})
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}

func TestRedactURI(t *testing.T) {
	assert.Equal(t, "s3://AKIA@bucket/p", redactURI("s3://AKIA:secret@bucket/p"))
	assert.Equal(t, "file:///tmp/a", redactURI("file:///tmp/a"))
}
