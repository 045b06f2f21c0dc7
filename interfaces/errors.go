package interfaces

import (
	"errors"
	"net/http"
)

var (
	// ErrValidation reports malformed caller input. No side effects were performed.
	ErrValidation = errors.New("validation failed")

	// ErrWalletNotFound reports that the user has no custodial wallet.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrDecryptionFailure reports a wrong key or a tampered blob.
	ErrDecryptionFailure = errors.New("decryption failed")

	// ErrInsufficientFunds reports a balance below the quoted price.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientLedgerFunds reports that the ledger itself rejected a
	// transfer for lack of funds.
	ErrInsufficientLedgerFunds = errors.New("insufficient ledger funds")

	// ErrRpcTimeout reports that a submitted transfer was not observed as
	// confirmed within the timeout. Its outcome is unknown.
	ErrRpcTimeout = errors.New("ledger confirmation timed out")

	// ErrTransferPending reports that a debit was submitted but not yet
	// confirmed; the caller should poll rather than resubmit.
	ErrTransferPending = errors.New("transfer pending confirmation")

	// ErrTransferRejected reports a transfer that failed on the ledger.
	ErrTransferRejected = errors.New("transfer rejected")

	// ErrLedgerUnavailable reports that the ledger could not be reached.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrPricingUnavailable reports a missing or invalid exchange rate.
	ErrPricingUnavailable = errors.New("pricing unavailable")

	// ErrProvisioningFailure reports that the provisioning API failed after
	// payment; the payment was refunded.
	ErrProvisioningFailure = errors.New("provisioning failed")

	// ErrReconciliationRequired reports a failed refund that needs operator action.
	ErrReconciliationRequired = errors.New("reconciliation required")

	// ErrRecordNotFound reports a missing checkpoint or billing record.
	ErrRecordNotFound = errors.New("record not found")

	// ErrNotOwner reports an operation on a resource owned by another user.
	ErrNotOwner = errors.New("resource not owned by caller")

	// ErrLockTimeout reports that the wallet lock could not be acquired in time.
	ErrLockTimeout = errors.New("wallet busy")

	// ErrContentNotFound reports missing content in an archive backend.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable reports an unreachable archive or secrets backend.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI reports a malformed backend URI.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// Public error codes returned to API clients.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeNotFound          = "not_found"
	CodeInsufficientFunds = "insufficient_funds"
	CodeTryAgain          = "try_again"
	CodePending           = "pending"
	CodeContactSupport    = "contact_support"
	CodeForbidden         = "forbidden"
)

// PublicErrorInfo is the client-safe rendering of an internal error.
type PublicErrorInfo struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PublicError classifies err into a non-leaking response. Library error
// text never reaches the message.
func PublicError(err error) PublicErrorInfo {
	switch {
	case errors.Is(err, ErrValidation):
		return PublicErrorInfo{http.StatusBadRequest, CodeInvalidRequest, "The request is invalid."}
	case errors.Is(err, ErrWalletNotFound):
		return PublicErrorInfo{http.StatusNotFound, CodeNotFound, "No wallet exists for this account."}
	case errors.Is(err, ErrRecordNotFound):
		return PublicErrorInfo{http.StatusNotFound, CodeNotFound, "Not found."}
	case errors.Is(err, ErrNotOwner):
		return PublicErrorInfo{http.StatusForbidden, CodeForbidden, "Not allowed."}
	case errors.Is(err, ErrDecryptionFailure):
		return PublicErrorInfo{http.StatusUnauthorized, CodeForbidden, "Unable to unlock wallet."}
	case errors.Is(err, ErrInsufficientFunds), errors.Is(err, ErrInsufficientLedgerFunds):
		return PublicErrorInfo{http.StatusPaymentRequired, CodeInsufficientFunds, "Not enough funds in wallet."}
	case errors.Is(err, ErrTransferPending), errors.Is(err, ErrRpcTimeout):
		return PublicErrorInfo{http.StatusAccepted, CodePending, "Payment submitted and awaiting confirmation. Do not retry."}
	case errors.Is(err, ErrReconciliationRequired):
		return PublicErrorInfo{http.StatusInternalServerError, CodeContactSupport, "Something went wrong with your payment. Please contact support."}
	case errors.Is(err, ErrPricingUnavailable),
		errors.Is(err, ErrLedgerUnavailable),
		errors.Is(err, ErrTransferRejected),
		errors.Is(err, ErrProvisioningFailure),
		errors.Is(err, ErrLockTimeout):
		return PublicErrorInfo{http.StatusServiceUnavailable, CodeTryAgain, "Temporarily unavailable. Please try again."}
	default:
		return PublicErrorInfo{http.StatusInternalServerError, CodeContactSupport, "Internal error. Please contact support."}
	}
}
