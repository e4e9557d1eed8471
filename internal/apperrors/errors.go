// Package apperrors defines the coded errors surfaced by the plan engine.
package apperrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode identifies an error class
type ErrorCode string

// Input validation
const (
	CodeInvalidAmount       ErrorCode = "INVALID_AMOUNT"
	CodeInvalidInstallments ErrorCode = "INVALID_INSTALLMENTS"
	CodeDatesMismatch       ErrorCode = "DATES_MISMATCH"
	CodeInvalidDueDate      ErrorCode = "INVALID_DUE_DATE"
	CodeInvalidRequest      ErrorCode = "INVALID_REQUEST"
)

// Collateral sufficiency at creation
const (
	CodeInsufficientCollateral ErrorCode = "INSUFFICIENT_COLLATERAL"
	CodeInsufficientAvailable  ErrorCode = "INSUFFICIENT_AVAILABLE"
	CodeExceedsMaxLTV          ErrorCode = "EXCEEDS_MAX_LTV"
)

// State and request errors
const (
	CodeUnauthenticated     ErrorCode = "UNAUTHENTICATED"
	CodeUnauthorized        ErrorCode = "UNAUTHORIZED"
	CodePlanNotFound        ErrorCode = "PLAN_NOT_FOUND"
	CodeInstallmentNotFound ErrorCode = "INSTALLMENT_NOT_FOUND"
	CodeAlreadyPaid         ErrorCode = "ALREADY_PAID"
	CodeNotDueYet           ErrorCode = "NOT_DUE_YET"
	CodePlanNotActive       ErrorCode = "PLAN_NOT_ACTIVE"
)

// Business outcome persisted rather than rolled back
const (
	CodeInsufficientFunds ErrorCode = "INSUFFICIENT_FUNDS"
)

// Collaborator and system errors
const (
	CodeBufferContractError ErrorCode = "BUFFER_CONTRACT_ERROR"
	CodeDebitOutcomeUnknown ErrorCode = "DEBIT_OUTCOME_UNKNOWN"
	CodeInvalidShares       ErrorCode = "INVALID_SHARES"
	CodeInternal            ErrorCode = "INTERNAL_ERROR"
)

// AppError is a coded error carrying its HTTP status
type AppError struct {
	Code     ErrorCode   `json:"code"`
	Message  string      `json:"message"`
	Details  interface{} `json:"details,omitempty"`
	Err      error       `json:"-"`
	HTTPCode int         `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError with the same code, so wrapped copies of the
// predefined errors still satisfy errors.Is.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// MarshalJSON renders the client-visible part of the error
func (e *AppError) MarshalJSON() ([]byte, error) {
	type alias struct {
		Code    ErrorCode   `json:"code"`
		Message string      `json:"message"`
		Details interface{} `json:"details,omitempty"`
	}
	return json.Marshal(&alias{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	})
}

// New creates an AppError
func New(code ErrorCode, message string, httpCode int) *AppError {
	return &AppError{
		Code:     code,
		Message:  message,
		HTTPCode: httpCode,
	}
}

// Wrap returns a copy of base with err attached as the cause
func Wrap(base *AppError, err error) *AppError {
	cp := *base
	cp.Err = err
	return &cp
}

// WithDetails returns a copy of e carrying details
func (e *AppError) WithDetails(details interface{}) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// Predefined errors
var (
	ErrInvalidAmount       = New(CodeInvalidAmount, "Total amount must be positive", http.StatusBadRequest)
	ErrInvalidInstallments = New(CodeInvalidInstallments, "Installments count must be between 1 and 12", http.StatusBadRequest)
	ErrDatesMismatch       = New(CodeDatesMismatch, "Number of due dates does not match installments count", http.StatusBadRequest)
	ErrInvalidDueDate      = New(CodeInvalidDueDate, "Due date must be in the future", http.StatusBadRequest)
	ErrInvalidRequest      = New(CodeInvalidRequest, "Invalid request", http.StatusBadRequest)

	ErrInsufficientCollateral = New(CodeInsufficientCollateral, "Total collateral value is below the requested amount", http.StatusUnprocessableEntity)
	ErrInsufficientAvailable  = New(CodeInsufficientAvailable, "Available collateral value is below the requested amount", http.StatusUnprocessableEntity)
	ErrExceedsMaxLTV          = New(CodeExceedsMaxLTV, "Requested amount exceeds the maximum loan-to-value ratio", http.StatusUnprocessableEntity)

	ErrUnauthenticated     = New(CodeUnauthenticated, "Missing or invalid bearer token", http.StatusUnauthorized)
	ErrUnauthorized        = New(CodeUnauthorized, "Caller is not allowed to perform this operation", http.StatusForbidden)
	ErrPlanNotFound        = New(CodePlanNotFound, "Plan not found", http.StatusNotFound)
	ErrInstallmentNotFound = New(CodeInstallmentNotFound, "Installment not found", http.StatusNotFound)
	ErrAlreadyPaid         = New(CodeAlreadyPaid, "Installment is not pending", http.StatusConflict)
	ErrNotDueYet           = New(CodeNotDueYet, "Installment is not due yet", http.StatusConflict)
	ErrPlanNotActive       = New(CodePlanNotActive, "Plan is not in the expected state", http.StatusConflict)

	ErrInsufficientFunds = New(CodeInsufficientFunds, "Insufficient funds to pay installment; plan defaulted", http.StatusPaymentRequired)

	ErrBufferContract = New(CodeBufferContractError, "Collateral collaborator call failed", http.StatusBadGateway)
	ErrInvalidShares  = New(CodeInvalidShares, "Share calculation produced an invalid result", http.StatusInternalServerError)
	ErrInternal       = New(CodeInternal, "Internal error", http.StatusInternalServerError)

	// ErrDebitOutcomeUnknown is not retried: the debit may have been applied
	ErrDebitOutcomeUnknown = New(CodeDebitOutcomeUnknown, "Collateral debit outcome unknown; reconciliation required", http.StatusBadGateway)
)

// HTTPStatus returns the HTTP status for err, 500 for uncoded errors
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) && appErr.HTTPCode != 0 {
		return appErr.HTTPCode
	}
	return http.StatusInternalServerError
}

// From returns err as an AppError, wrapping uncoded errors as internal
func From(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return Wrap(ErrInternal, err)
}
