package ledger

import (
	"errors"
	"fmt"
)

// Code is the stable, machine-readable identifier of a ledger failure.
type Code string

const (
	CodeInvalidAmount          Code = "INVALID_AMOUNT"
	CodeInvalidCurrency        Code = "INVALID_CURRENCY"
	CodeSelfTransfer           Code = "SELF_TRANSFER_NOT_ALLOWED"
	CodeCurrencyMismatch       Code = "CURRENCY_MISMATCH"
	CodeInsufficientBalance    Code = "INSUFFICIENT_BALANCE"
	CodeIdempotencyKeyConflict Code = "IDEMPOTENCY_KEY_CONFLICT"
	CodeWalletNotFound         Code = "WALLET_NOT_FOUND"
	CodeTransientStorage       Code = "TRANSIENT_STORAGE_FAILURE"
)

// Error is the typed failure returned by the engine. Message is safe to show
// to callers; Err keeps the underlying cause for logs only.
type Error struct {
	Code      Code
	Message   string
	Available int64
	Requested int64
	Err       error
}

func (e *Error) Error() string { return e.Message }

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so the package sentinels
// work with errors.Is regardless of message or figures.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

var (
	// ErrInvalidAmount occurs when an amount is zero or negative.
	ErrInvalidAmount = &Error{Code: CodeInvalidAmount, Message: "amount must be greater than zero"}

	// ErrInvalidCurrency occurs when a wallet currency is not a three letter code.
	ErrInvalidCurrency = &Error{Code: CodeInvalidCurrency, Message: "currency must be a three letter ISO 4217 code"}

	// ErrSelfTransfer occurs when source and target of a transfer are the same wallet.
	ErrSelfTransfer = &Error{Code: CodeSelfTransfer, Message: "cannot transfer to the same wallet"}

	// ErrCurrencyMismatch occurs when a transfer crosses currencies.
	ErrCurrencyMismatch = &Error{Code: CodeCurrencyMismatch, Message: "cannot transfer between different currencies"}

	// ErrInsufficientBalance occurs when a debit would drive a balance negative.
	ErrInsufficientBalance = &Error{Code: CodeInsufficientBalance, Message: "insufficient balance"}

	// ErrIdempotencyKeyConflict occurs when a key is reused for a different request.
	ErrIdempotencyKeyConflict = &Error{Code: CodeIdempotencyKeyConflict, Message: "idempotency key reused with different request data"}

	// ErrWalletNotFound occurs when a referenced wallet does not exist.
	ErrWalletNotFound = &Error{Code: CodeWalletNotFound, Message: "wallet not found"}

	// ErrTransientStorage is the only retryable failure kind.
	ErrTransientStorage = &Error{Code: CodeTransientStorage, Message: "storage temporarily unavailable, retry the request"}
)

// Store-level signals. Stores wrap these; the engine translates them.
var (
	errKeyTaken    = errors.New("idempotency key already recorded")
	errLockTimeout = errors.New("wallet lock wait timed out")
)

func insufficientBalance(available, requested int64) *Error {
	return &Error{
		Code:      CodeInsufficientBalance,
		Message:   fmt.Sprintf("Insufficient balance. Available: %d, Requested: %d", available, requested),
		Available: available,
		Requested: requested,
	}
}

func currencyMismatch(from, to string) *Error {
	return &Error{
		Code:    CodeCurrencyMismatch,
		Message: fmt.Sprintf("Cannot transfer between different currencies (%s -> %s)", from, to),
	}
}

func transient(cause error) *Error {
	return &Error{Code: CodeTransientStorage, Message: ErrTransientStorage.Message, Err: cause}
}

// IsRetryable reports whether the caller may safely retry the failed request.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientStorage)
}

// CodeOf returns the code of a ledger error, or an empty code for foreign errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
