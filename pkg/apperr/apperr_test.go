package apperr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
)

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("create order: %w", apperr.InsufficientStock("medication %s", "m-1"))

	assert.ErrorIs(t, err, apperr.ErrInsufficientStock)
	assert.NotErrorIs(t, err, apperr.ErrNotFound)
	assert.Equal(t, apperr.CodeInsufficientStock, apperr.CodeOf(err))
}

func TestCodeOfPlainErrorIsInternal(t *testing.T) {
	assert.Equal(t, apperr.CodeInternal, apperr.CodeOf(errors.New("boom")))
	assert.Equal(t, apperr.Code(""), apperr.CodeOf(nil))
}

func TestRetryable(t *testing.T) {
	cause := errors.New("dial tcp: timeout")

	assert.True(t, apperr.Retryable(apperr.GatewayNetwork(cause, "token")))
	assert.True(t, apperr.Retryable(apperr.ConcurrencyConflict(cause, "allocate")))
	assert.False(t, apperr.Retryable(apperr.GatewayAuth(cause, "token")))
	assert.False(t, apperr.Retryable(apperr.Validation("bad")))
	assert.False(t, apperr.Retryable(cause))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := apperr.GatewayNetwork(cause, "stk push")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "GATEWAY_NETWORK: stk push: connection refused", err.Error())
}

func TestHTTPStatus(t *testing.T) {
	cases := map[apperr.Code]int{
		apperr.CodeValidation:          http.StatusBadRequest,
		apperr.CodeInvalidPhone:        http.StatusBadRequest,
		apperr.CodeAmountMismatch:      http.StatusBadRequest,
		apperr.CodeNotFound:            http.StatusNotFound,
		apperr.CodeInsufficientStock:   http.StatusConflict,
		apperr.CodeInvalidTransition:   http.StatusConflict,
		apperr.CodeInvalidOrderState:   http.StatusConflict,
		apperr.CodeGatewayAuth:         http.StatusBadGateway,
		apperr.CodeGatewayNetwork:      http.StatusServiceUnavailable,
		apperr.CodeConcurrencyConflict: http.StatusServiceUnavailable,
		apperr.CodeInternal:            http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, apperr.HTTPStatus(code), code)
	}
}
