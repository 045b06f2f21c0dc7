// Package storage archives billing records that leave the normal protocol
// path: committed receipts and records that need operator reconciliation.
//
// Content is addressed by the SHA-256 hash of its bytes and kept in one
// namespace per interfaces.ContentType ("reconciliation", "receipts").
// Fetch verifies the hash, so an edited archive entry is reported as an error
// instead of being returned.
//
// Backends are created from location URIs:
//
//	file:///var/lib/billing/archive
//	s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-east-1&endpoint=minio:9000
//
// CreateMultiBackend combines several URIs into a MultiStorageBackend that
// writes to every available backend and reads from the first that answers.
package storage
