// Package store persists wallets, billing checkpoints and the billing record
// journal.
//
// Postgres is the production implementation, built on sqlx with the pgx
// stdlib driver. Migrate creates the tables on startup. User identities are
// read from the "user" table owned by the identity service.
//
// Memory implements the same interfaces in process for development and tests.
package store
