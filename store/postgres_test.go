package store

import (
	"context"
	"database/sql"
	"log/slog"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/ruteri/compute-wallet-billing/interfaces"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(sqlx.NewDb(db, "pgx"), slog.Default()), mock
}

var walletColumns = []string{"owner_id", "public_key", "encrypted_private_key", "encrypted_mnemonic", "kdf_salt", "kdf_iterations", "created_at"}

func TestPostgresMigrate(t *testing.T) {
	p, mock := newMockPostgres(t)
	for range schema {
		mock.ExpectExec("CREATE").WillReturnResult(sqlmock.NewResult(0, 0))
	}
	require.NoError(t, p.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetWallet(t *testing.T) {
	p, mock := newMockPostgres(t)
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	blob := interfaces.EncryptedBlob{1, 2, 3}

	mock.ExpectQuery(regexp.QuoteMeta("FROM wallets WHERE owner_id = $1")).
		WithArgs("42").
		WillReturnRows(sqlmock.NewRows(walletColumns).
			AddRow("42", "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin", blob.String(), blob.String(), []byte("salt"), 210000, created))

	w, err := p.GetWallet(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, interfaces.UserID("42"), w.OwnerID)
	assert.Equal(t, blob, w.EncryptedPrivateKey)
	assert.Equal(t, []byte("salt"), w.KDFSalt)
	assert.Equal(t, 210000, w.KDFIterations)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresGetWalletNotFound(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM wallets")).WithArgs("7").WillReturnError(sql.ErrNoRows)

	_, err := p.GetWallet(context.Background(), "7")
	assert.ErrorIs(t, err, interfaces.ErrWalletNotFound)
}

func TestPostgresCreateWalletReturnsStored(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Now().UTC()
	stored := interfaces.EncryptedBlob{9, 9}

	mock.ExpectExec(regexp.QuoteMeta("ON CONFLICT (owner_id) DO NOTHING")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("FROM wallets WHERE owner_id = $1")).
		WithArgs("42").
		WillReturnRows(sqlmock.NewRows(walletColumns).
			AddRow("42", "existing-key", stored.String(), stored.String(), nil, 0, now))

	w, err := p.CreateWallet(context.Background(), &interfaces.WalletAccount{
		OwnerID:             "42",
		PublicKey:           "new-key",
		EncryptedPrivateKey: interfaces.EncryptedBlob{1},
		EncryptedMnemonic:   interfaces.EncryptedBlob{2},
		CreatedAt:           now,
	})
	require.NoError(t, err)
	assert.Equal(t, "existing-key", w.PublicKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresListCheckpointsFilters(t *testing.T) {
	p, mock := newMockPostgres(t)
	launched := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("FROM billing_checkpoints WHERE owner_id = $1 AND status IN ($2, $3) ORDER BY launched_at")).
		WithArgs("42", "pending", "running").
		WillReturnRows(sqlmock.NewRows([]string{"resource_id", "owner_id", "instance_type", "region", "name", "hourly_cost_cents",
			"last_billed_at", "status", "pending_record_id", "launched_at", "updated_at"}).
			AddRow("i-1", "42", "gpu_1x_a10", "us-east-1", "", 75, launched.Add(time.Hour), "running", "", launched, launched))

	got, err := p.ListCheckpoints(context.Background(), interfaces.CheckpointFilter{
		OwnerID:  "42",
		Statuses: []interfaces.ResourceStatus{interfaces.ResourcePending, interfaces.ResourceRunning},
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "i-1", got[0].ResourceID)
	assert.Equal(t, interfaces.ResourceRunning, got[0].Status)
	assert.Equal(t, launched.Add(time.Hour), got[0].LastBilledAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUpdateCheckpointMissing(t *testing.T) {
	p, mock := newMockPostgres(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE billing_checkpoints")).WillReturnResult(sqlmock.NewResult(0, 0))

	err := p.UpdateCheckpoint(context.Background(), &interfaces.BillingCheckpoint{ResourceID: "gone"})
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)
}

func TestPostgresRecords(t *testing.T) {
	p, mock := newMockPostgres(t)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	record := &interfaces.BillingRecord{
		ID:             "rec-1",
		Kind:           interfaces.KindLaunch,
		OwnerID:        "42",
		Hours:          1,
		AmountLamports: 10_000_000,
		ExchangeRate:   decimal.RequireFromString("150.25"),
		Phase:          interfaces.PhaseReserved,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO billing_records")).
		WithArgs("rec-1", "launch", "42", "", int64(1), int64(10_000_000), record.ExchangeRate, "reserved",
			"", "", "", "", now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, p.CreateRecord(context.Background(), record))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE billing_records")).
		WithArgs("rec-1", "debited", "sig", "", "", "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, record.Advance(interfaces.PhaseDebited, now.Add(time.Second)))
	record.Signature = "sig"
	require.NoError(t, p.UpdateRecord(context.Background(), record))

	mock.ExpectQuery(regexp.QuoteMeta("FROM billing_records WHERE phase = $1")).
		WithArgs("reconcile").
		WillReturnRows(sqlmock.NewRows([]string{"id", "kind", "owner_id", "resource_id", "hours", "amount_lamports", "exchange_rate",
			"phase", "signature", "refund_signature", "reason", "journal_ref", "created_at", "updated_at"}).
			AddRow("rec-2", "launch", "42", "", 1, 10_000_000, "150.25", "reconcile", "sig", "", "refund failed", "", now, now))

	pending, err := p.ListRecordsByPhase(context.Background(), interfaces.PhaseReconcile)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, interfaces.Lamports(10_000_000), pending[0].AmountLamports)
	assert.True(t, decimal.RequireFromString("150.25").Equal(pending[0].ExchangeRate))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLookupUser(t *testing.T) {
	p, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM "user" WHERE id::text = $1`)).
		WithArgs("42").
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).AddRow("42", "alice@example.com"))
	id, err := p.LookupUser(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", id.Email)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM "user"`)).WithArgs("43").WillReturnError(sql.ErrNoRows)
	_, err = p.LookupUser(context.Background(), "43")
	assert.ErrorIs(t, err, interfaces.ErrRecordNotFound)
}
