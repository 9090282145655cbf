// Package fault defines the error taxonomy shared by every gateway service.
// Low-level transport and library failures are re-wrapped into a *Error at
// the boundary of each public method, carrying a stable kind, a message fit
// for end users, and the original cause for diagnostics. Nothing crosses the
// gateway boundary as a raw untyped error.
package fault

import (
	"errors"
	"fmt"
)

// Kind is the stable classification code of a gateway error.
type Kind string

const (
	// Identity and vault errors.
	KindIdentityNotFound Kind = "IDENTITY_NOT_FOUND"
	KindVaultWriteFailed Kind = "VAULT_WRITE_FAILED"
	KindReadFailed       Kind = "VAULT_READ_FAILED"
	KindQueryFailed      Kind = "VAULT_QUERY_FAILED"
	KindDeleteFailed     Kind = "VAULT_DELETE_FAILED"
	KindNotFound         Kind = "RECORD_NOT_FOUND"

	// Permission errors.
	KindGrantFailed  Kind = "PERMISSION_GRANT_FAILED"
	KindRevokeFailed Kind = "PERMISSION_REVOKE_FAILED"

	// Wallet and chain errors.
	KindNoWalletDetected       Kind = "NO_WALLET_DETECTED"
	KindWalletConnectionFailed Kind = "WALLET_CONNECTION_FAILED"
	KindWrongNetwork           Kind = "WRONG_NETWORK"
	KindNetworkSwitchFailed    Kind = "NETWORK_SWITCH_FAILED"
	KindUserRejected           Kind = "USER_REJECTED"
	KindInsufficientFunds      Kind = "INSUFFICIENT_FUNDS"
	KindTransactionFailed      Kind = "TRANSACTION_FAILED"
	KindContractError          Kind = "CONTRACT_ERROR"
	KindContractNotFound       Kind = "CONTRACT_NOT_FOUND"

	// Generic errors.
	KindNetworkError    Kind = "NETWORK_ERROR"
	KindTimeoutError    Kind = "TIMEOUT_ERROR"
	KindValidationError Kind = "VALIDATION_ERROR"
	KindUnknown         Kind = "UNKNOWN_ERROR"
)

// defaultMessages maps each kind to a user-presentable message. Callers may
// override with WithMessage; the cause is never shown to users directly.
var defaultMessages = map[Kind]string{
	KindIdentityNotFound:       "No identity found. Please register first.",
	KindVaultWriteFailed:       "Failed to save data to your personal storage",
	KindReadFailed:             "Failed to read data from storage",
	KindQueryFailed:            "Failed to query data from storage",
	KindDeleteFailed:           "Failed to delete data from storage",
	KindNotFound:               "Record not found",
	KindGrantFailed:            "Failed to grant access permission",
	KindRevokeFailed:           "Failed to revoke access permission",
	KindNoWalletDetected:       "No wallet found. Please configure a wallet provider.",
	KindWalletConnectionFailed: "Failed to connect wallet. Please try again.",
	KindWrongNetwork:           "Connected to the wrong network",
	KindNetworkSwitchFailed:    "Failed to switch network. Please switch manually in your wallet.",
	KindUserRejected:           "Transaction was cancelled",
	KindInsufficientFunds:      "Insufficient funds to complete this transaction",
	KindTransactionFailed:      "Transaction failed. Please try again.",
	KindContractError:          "Smart contract operation failed",
	KindContractNotFound:       "Smart contract not found on this network",
	KindNetworkError:           "Network connection error",
	KindTimeoutError:           "Request timed out. Please try again.",
	KindValidationError:        "Invalid input. Please check your data and try again.",
	KindUnknown:                "An unexpected error occurred. Please try again.",
}

// Error is a classified gateway error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the original cause to errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches two fault errors by kind, so errors.Is(err, fault.New(kind))
// works without comparing messages or causes.
func (e *Error) Is(target error) bool {
	var fe *Error
	if !errors.As(target, &fe) {
		return false
	}
	return e.Kind == fe.Kind
}

// New returns a bare error of the given kind with its default message.
func New(kind Kind) *Error {
	return &Error{Kind: kind, Message: defaultMessages[kind]}
}

// Wrap classifies cause under kind, keeping it available via Unwrap. A nil
// cause is allowed and equivalent to New.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Message: defaultMessages[kind], Cause: cause}
}

// WithMessage replaces the user-presentable message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// KindOf extracts the kind from any error in the chain, or KindUnknown.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindUnknown
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
