package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/ruteri/compute-wallet-billing/interfaces"
)

// Postgres implements the wallet, checkpoint and billing record stores on
// PostgreSQL through sqlx and the pgx stdlib driver.
type Postgres struct {
	db  *sqlx.DB
	log *slog.Logger
}

// Connect opens a connection pool to dsn and verifies it.
func Connect(ctx context.Context, dsn string, log *slog.Logger) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return NewPostgres(db, log), nil
}

// NewPostgres wraps an existing sqlx handle.
func NewPostgres(db *sqlx.DB, log *slog.Logger) *Postgres {
	return &Postgres{db: db, log: log}
}

// Migrate creates missing tables and indexes.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	p.log.Info("Database schema up to date", slog.Int("statements", len(schema)))
	return nil
}

// Close releases the connection pool.
func (p *Postgres) Close() error {
	return p.db.Close()
}

// Ping checks database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

const selectWallet = `SELECT owner_id, public_key, encrypted_private_key, encrypted_mnemonic, kdf_salt, kdf_iterations, created_at
	FROM wallets WHERE owner_id = $1`

// GetWallet returns the wallet of owner.
func (p *Postgres) GetWallet(ctx context.Context, owner interfaces.UserID) (*interfaces.WalletAccount, error) {
	var row walletRow
	err := p.db.GetContext(ctx, &row, selectWallet, string(owner))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrWalletNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load wallet: %w", err)
	}
	return row.toWallet()
}

// CreateWallet inserts w; if owner already has a wallet the stored one wins.
func (p *Postgres) CreateWallet(ctx context.Context, w *interfaces.WalletAccount) (*interfaces.WalletAccount, error) {
	_, err := p.db.ExecContext(ctx, `INSERT INTO wallets
		(owner_id, public_key, encrypted_private_key, encrypted_mnemonic, kdf_salt, kdf_iterations, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (owner_id) DO NOTHING`,
		string(w.OwnerID), w.PublicKey, w.EncryptedPrivateKey.String(), w.EncryptedMnemonic.String(),
		w.KDFSalt, w.KDFIterations, w.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert wallet: %w", err)
	}
	return p.GetWallet(ctx, w.OwnerID)
}

const checkpointColumns = `resource_id, owner_id, instance_type, region, name, hourly_cost_cents,
	last_billed_at, status, pending_record_id, launched_at, updated_at`

// CreateCheckpoint inserts a new checkpoint.
func (p *Postgres) CreateCheckpoint(ctx context.Context, c *interfaces.BillingCheckpoint) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO billing_checkpoints (`+checkpointColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		c.ResourceID, string(c.OwnerID), c.InstanceType, c.Region, c.Name, c.HourlyCostCents,
		c.LastBilledAt, string(c.Status), c.PendingRecordID, c.LaunchedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint returns the checkpoint of resourceID.
func (p *Postgres) GetCheckpoint(ctx context.Context, resourceID string) (*interfaces.BillingCheckpoint, error) {
	var row checkpointRow
	err := p.db.GetContext(ctx, &row, `SELECT `+checkpointColumns+` FROM billing_checkpoints WHERE resource_id = $1`, resourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return row.toCheckpoint(), nil
}

// UpdateCheckpoint overwrites the mutable fields of a checkpoint.
func (p *Postgres) UpdateCheckpoint(ctx context.Context, c *interfaces.BillingCheckpoint) error {
	res, err := p.db.ExecContext(ctx, `UPDATE billing_checkpoints
		SET last_billed_at = $2, status = $3, pending_record_id = $4, updated_at = $5
		WHERE resource_id = $1`,
		c.ResourceID, c.LastBilledAt, string(c.Status), c.PendingRecordID, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update checkpoint: %w", err)
	}
	return expectOneRow(res)
}

// ListCheckpoints returns checkpoints matching filter ordered by launch time.
func (p *Postgres) ListCheckpoints(ctx context.Context, filter interfaces.CheckpointFilter) ([]*interfaces.BillingCheckpoint, error) {
	var (
		conditions []string
		args       []interface{}
	)
	if filter.OwnerID != "" {
		conditions = append(conditions, "owner_id = ?")
		args = append(args, string(filter.OwnerID))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		conditions = append(conditions, "status IN (?)")
		args = append(args, statuses)
	}

	query := `SELECT ` + checkpointColumns + ` FROM billing_checkpoints`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY launched_at"

	if len(args) > 0 {
		var err error
		query, args, err = sqlx.In(query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to build checkpoint query: %w", err)
		}
	}
	query = p.db.Rebind(query)

	var rows []checkpointRow
	if err := p.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	result := make([]*interfaces.BillingCheckpoint, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toCheckpoint())
	}
	return result, nil
}

const recordColumns = `id, kind, owner_id, resource_id, hours, amount_lamports, exchange_rate, phase,
	signature, refund_signature, reason, journal_ref, created_at, updated_at`

// CreateRecord inserts a billing record.
func (p *Postgres) CreateRecord(ctx context.Context, r *interfaces.BillingRecord) error {
	amount, err := lamportsToColumn(r.AmountLamports)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `INSERT INTO billing_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		r.ID, string(r.Kind), string(r.OwnerID), r.ResourceID, r.Hours, amount, r.ExchangeRate, string(r.Phase),
		r.Signature, r.RefundSignature, r.Reason, r.JournalRef, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert billing record: %w", err)
	}
	return nil
}

// UpdateRecord persists the phase and settlement fields of a record.
func (p *Postgres) UpdateRecord(ctx context.Context, r *interfaces.BillingRecord) error {
	res, err := p.db.ExecContext(ctx, `UPDATE billing_records
		SET phase = $2, signature = $3, refund_signature = $4, reason = $5, journal_ref = $6, updated_at = $7
		WHERE id = $1`,
		r.ID, string(r.Phase), r.Signature, r.RefundSignature, r.Reason, r.JournalRef, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update billing record: %w", err)
	}
	return expectOneRow(res)
}

// GetRecord returns the record with id.
func (p *Postgres) GetRecord(ctx context.Context, id string) (*interfaces.BillingRecord, error) {
	var row recordRow
	err := p.db.GetContext(ctx, &row, `SELECT `+recordColumns+` FROM billing_records WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load billing record: %w", err)
	}
	return row.toRecord(), nil
}

// ListRecordsByPhase returns records in phase, oldest first.
func (p *Postgres) ListRecordsByPhase(ctx context.Context, phase interfaces.BillingPhase) ([]*interfaces.BillingRecord, error) {
	var rows []recordRow
	err := p.db.SelectContext(ctx, &rows, `SELECT `+recordColumns+` FROM billing_records WHERE phase = $1 ORDER BY created_at`, string(phase))
	if err != nil {
		return nil, fmt.Errorf("failed to list billing records: %w", err)
	}
	result := make([]*interfaces.BillingRecord, 0, len(rows))
	for i := range rows {
		result = append(result, rows[i].toRecord())
	}
	return result, nil
}

// usersTable is owned by the identity service.
const usersTable = `"user"`

// LookupUser resolves a user id to its identity.
func (p *Postgres) LookupUser(ctx context.Context, id interfaces.UserID) (*interfaces.Identity, error) {
	var row struct {
		ID    string         `db:"id"`
		Email sql.NullString `db:"email"`
	}
	err := p.db.GetContext(ctx, &row, `SELECT id::text AS id, email FROM `+usersTable+` WHERE id::text = $1`, string(id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, interfaces.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if !row.Email.Valid || row.Email.String == "" {
		return nil, fmt.Errorf("%w: user %s has no email", interfaces.ErrValidation, id)
	}
	return &interfaces.Identity{UserID: interfaces.UserID(row.ID), Email: row.Email.String}, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return interfaces.ErrRecordNotFound
	}
	return nil
}
