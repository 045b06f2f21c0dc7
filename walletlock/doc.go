// Package walletlock provides the per-wallet mutual exclusion that makes
// read-balance followed by transfer atomic with respect to other debits of
// the same wallet.
//
// Local serves a single process. Redis serves several replicas through a
// SET NX PX lock with a compare-and-delete release script.
package walletlock
