package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/congo-pay/wallet_ledger/internal/ledger"
)

// Gateway-level error codes, alongside the ledger's own.
const (
	CodeValidationFailed = "VALIDATION_FAILED"
	CodeRateLimited      = "RATE_LIMITED"
	CodeNotFound         = "NOT_FOUND"
	CodeInternal         = "INTERNAL_ERROR"
)

type errorBody struct {
	Status    string            `json:"status"`
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Available *int64            `json:"available,omitempty"`
	Requested *int64            `json:"requested,omitempty"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// ErrorHandler renders every error returned by a handler as the JSON error
// envelope. Ledger errors keep their code; anything unknown becomes a 500
// whose cause is logged but never sent.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		status, body := renderError(err)
		if status >= http.StatusInternalServerError {
			logger.Error("request failed",
				slog.String("method", c.Method()),
				slog.String("path", c.Path()),
				slog.String("code", body.Code),
				slog.String("error", err.Error()),
				slog.Any("cause", errors.Unwrap(err)))
		}
		if body.Code == string(ledger.CodeTransientStorage) {
			c.Set(fiber.HeaderRetryAfter, "1")
		}
		return c.Status(status).JSON(body)
	}
}

func renderError(err error) (int, errorBody) {
	body := errorBody{Status: "error"}

	var ledgerErr *ledger.Error
	var validationErr *ValidationError
	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &ledgerErr):
		body.Code = string(ledgerErr.Code)
		body.Message = ledgerErr.Message
		if ledgerErr.Code == ledger.CodeInsufficientBalance {
			body.Available = &ledgerErr.Available
			body.Requested = &ledgerErr.Requested
		}
		return statusForCode(ledgerErr.Code), body

	case errors.As(err, &validationErr):
		body.Code = CodeValidationFailed
		body.Message = validationErr.Message
		body.Errors = validationErr.Fields
		return http.StatusUnprocessableEntity, body

	case errors.As(err, &fiberErr):
		body.Message = fiberErr.Message
		switch fiberErr.Code {
		case http.StatusNotFound:
			body.Code = CodeNotFound
		case http.StatusTooManyRequests:
			body.Code = CodeRateLimited
		case http.StatusBadRequest, http.StatusUnprocessableEntity:
			body.Code = CodeValidationFailed
		default:
			body.Code = CodeInternal
		}
		return fiberErr.Code, body
	}

	body.Code = CodeInternal
	body.Message = "internal server error"
	return http.StatusInternalServerError, body
}

func statusForCode(code ledger.Code) int {
	switch code {
	case ledger.CodeWalletNotFound:
		return http.StatusNotFound
	case ledger.CodeIdempotencyKeyConflict:
		return http.StatusConflict
	case ledger.CodeTransientStorage:
		return http.StatusServiceUnavailable
	case ledger.CodeInvalidAmount, ledger.CodeInvalidCurrency, ledger.CodeSelfTransfer,
		ledger.CodeCurrencyMismatch, ledger.CodeInsufficientBalance:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
