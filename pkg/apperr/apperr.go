// Package apperr carries the engine's error taxonomy. Every error that crosses a
// package boundary is an *Error with a Code, so callers can branch on the code
// instead of matching strings.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeValidation          Code = "VALIDATION"
	CodeNotFound            Code = "NOT_FOUND"
	CodeInsufficientStock   Code = "INSUFFICIENT_STOCK"
	CodeInvalidTransition   Code = "INVALID_TRANSITION"
	CodeInvalidOrderState   Code = "INVALID_ORDER_STATE"
	CodeGatewayAuth         Code = "GATEWAY_AUTH"
	CodeGatewayNetwork      Code = "GATEWAY_NETWORK"
	CodeGatewayRejected     Code = "GATEWAY_REJECTED"
	CodeInvalidPhone        Code = "INVALID_PHONE"
	CodeConcurrencyConflict Code = "CONCURRENCY_CONFLICT"
	CodeAmountMismatch      Code = "AMOUNT_MISMATCH"
	CodeDuplicateRequest    Code = "DUPLICATE_REQUEST"
	CodeUnauthorized        Code = "UNAUTHORIZED"
	CodeInternal            Code = "INTERNAL"
)

type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.Err == nil:
		return string(e.Code)
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	case e.Message == "":
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same code, so the sentinels below work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrValidation          = &Error{Code: CodeValidation}
	ErrNotFound            = &Error{Code: CodeNotFound}
	ErrInsufficientStock   = &Error{Code: CodeInsufficientStock}
	ErrInvalidTransition   = &Error{Code: CodeInvalidTransition}
	ErrInvalidOrderState   = &Error{Code: CodeInvalidOrderState}
	ErrGatewayAuth         = &Error{Code: CodeGatewayAuth}
	ErrGatewayNetwork      = &Error{Code: CodeGatewayNetwork}
	ErrGatewayRejected     = &Error{Code: CodeGatewayRejected}
	ErrInvalidPhone        = &Error{Code: CodeInvalidPhone}
	ErrConcurrencyConflict = &Error{Code: CodeConcurrencyConflict}
	ErrAmountMismatch      = &Error{Code: CodeAmountMismatch}
	ErrDuplicateRequest    = &Error{Code: CodeDuplicateRequest}
	ErrUnauthorized        = &Error{Code: CodeUnauthorized}
)

func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(CodeValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, format, args...)
}

func InsufficientStock(format string, args ...any) *Error {
	return New(CodeInsufficientStock, format, args...)
}

func InvalidTransition(format string, args ...any) *Error {
	return New(CodeInvalidTransition, format, args...)
}

func InvalidOrderState(format string, args ...any) *Error {
	return New(CodeInvalidOrderState, format, args...)
}

func GatewayAuth(err error, format string, args ...any) *Error {
	return Wrap(CodeGatewayAuth, err, format, args...)
}

func GatewayNetwork(err error, format string, args ...any) *Error {
	return Wrap(CodeGatewayNetwork, err, format, args...)
}

func GatewayRejected(err error, format string, args ...any) *Error {
	return Wrap(CodeGatewayRejected, err, format, args...)
}

func InvalidPhone(format string, args ...any) *Error {
	return New(CodeInvalidPhone, format, args...)
}

func ConcurrencyConflict(err error, format string, args ...any) *Error {
	return Wrap(CodeConcurrencyConflict, err, format, args...)
}

func AmountMismatch(format string, args ...any) *Error {
	return New(CodeAmountMismatch, format, args...)
}

// CodeOf returns the code of the outermost *Error in the chain, or CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Retryable reports whether err is transient: gateway network failures and lost
// concurrency races. Auth failures are never retryable.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeGatewayNetwork, CodeConcurrencyConflict:
		return true
	default:
		return false
	}
}

func IsConflict(err error) bool {
	return CodeOf(err) == CodeConcurrencyConflict
}

func HTTPStatus(code Code) int {
	switch code {
	case CodeValidation, CodeInvalidPhone, CodeAmountMismatch:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInsufficientStock, CodeInvalidTransition, CodeInvalidOrderState, CodeDuplicateRequest:
		return http.StatusConflict
	case CodeGatewayAuth, CodeGatewayRejected:
		return http.StatusBadGateway
	case CodeGatewayNetwork, CodeConcurrencyConflict:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
