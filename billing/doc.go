// Package billing gates compute provisioning behind payment from the user's
// custodial wallet.
//
// # Debit protocol
//
// Every debit is journaled as a BillingRecord whose phase is persisted
// before the next side effect:
//
//	quoted -> reserved -> debited -> committed
//	   |         |            |-> refunded   (provisioning failed, refund landed)
//	   |         |            '-> reconcile  (refund failed, operator action)
//	   '---------'-> released (insufficient funds, transfer rejected)
//	reserved -> pending -> debited | released  (confirmation timed out)
//	reserved -> reconcile                      (transfer outcome not journaled)
//
// A signed transfer is submitted exactly once. When its confirmation times
// out the record stays pending and ResolvePending settles it later from the
// ledger's view of the signature. Phase writes after a transfer are retried
// and then logged; they never stop settlement.
//
// # Metered billing
//
// Launch prepays the first hour. Sweep then bills each running resource for
// the whole hours elapsed since its checkpoint and advances the checkpoint by
// exactly those hours. A resource whose owner cannot pay is stopped. The
// checkpoint references its open debit from the reserved phase on, so the
// same hours are never charged twice.
//
// Deposit moves treasury funds to a user wallet under the same protocol.
//
// Balance reads and transfers of one wallet are serialised by the wallet
// lock shared with the wallet package.
package billing
