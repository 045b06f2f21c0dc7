package store

// schema is applied by Migrate. Statements are idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS wallets (
		owner_id              TEXT PRIMARY KEY,
		public_key            TEXT NOT NULL UNIQUE,
		encrypted_private_key TEXT NOT NULL,
		encrypted_mnemonic    TEXT NOT NULL,
		kdf_salt              BYTEA,
		kdf_iterations        INTEGER NOT NULL DEFAULT 0,
		created_at            TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS billing_checkpoints (
		resource_id       TEXT PRIMARY KEY,
		owner_id          TEXT NOT NULL,
		instance_type     TEXT NOT NULL,
		region            TEXT NOT NULL DEFAULT '',
		name              TEXT NOT NULL DEFAULT '',
		hourly_cost_cents BIGINT NOT NULL CHECK (hourly_cost_cents > 0),
		last_billed_at    TIMESTAMPTZ NOT NULL,
		status            TEXT NOT NULL,
		pending_record_id TEXT NOT NULL DEFAULT '',
		launched_at       TIMESTAMPTZ NOT NULL,
		updated_at        TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS billing_checkpoints_owner_idx ON billing_checkpoints (owner_id)`,
	`CREATE INDEX IF NOT EXISTS billing_checkpoints_status_idx ON billing_checkpoints (status)`,
	`CREATE TABLE IF NOT EXISTS billing_records (
		id               TEXT PRIMARY KEY,
		kind             TEXT NOT NULL,
		owner_id         TEXT NOT NULL,
		resource_id      TEXT NOT NULL DEFAULT '',
		hours            BIGINT NOT NULL DEFAULT 0,
		amount_lamports  BIGINT NOT NULL CHECK (amount_lamports >= 0),
		exchange_rate    NUMERIC NOT NULL,
		phase            TEXT NOT NULL,
		signature        TEXT NOT NULL DEFAULT '',
		refund_signature TEXT NOT NULL DEFAULT '',
		reason           TEXT NOT NULL DEFAULT '',
		journal_ref      TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS billing_records_phase_idx ON billing_records (phase)`,
	`CREATE INDEX IF NOT EXISTS billing_records_owner_idx ON billing_records (owner_id)`,
}
