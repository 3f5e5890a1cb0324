package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/pharmacy-order-engine/internal/inventory/application"
	"github.com/dmehra2102/pharmacy-order-engine/internal/inventory/infrastructure/memory"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/logging"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/txn"
)

func newHandler() http.Handler {
	ledger := application.NewLedger(logging.Nop(), memory.NewRepository(), txn.NewMemoryManager())
	return NewHandler(logging.Nop(), ledger).Routes()
}

func send(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestInventoryHandler_AddBatchThenAvailable(t *testing.T) {
	h := newHandler()

	w := send(h, http.MethodPost, "/inventory/batches",
		`{"pharmacyId":"ph-1","medicationId":"amox","quantity":30,"expiryDate":"2027-01-31T00:00:00Z","price":"200"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var b batchResp
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b))
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, 30, b.Quantity)
	require.NotNil(t, b.ExpiryDate)

	w = send(h, http.MethodPost, "/inventory/batches", `{"pharmacyId":"ph-1","medicationId":"amox","quantity":5,"price":"210"}`)
	require.Equal(t, http.StatusCreated, w.Code)

	w = send(h, http.MethodGet, "/inventory/ph-1/amox", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"pharmacyId":"ph-1","medicationId":"amox","available":35}`, w.Body.String())

	w = send(h, http.MethodGet, "/inventory/ph-1/unknown", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"pharmacyId":"ph-1","medicationId":"unknown","available":0}`, w.Body.String())
}

func TestInventoryHandler_AddBatchRejectsBadInput(t *testing.T) {
	h := newHandler()
	tests := []struct {
		name string
		body string
	}{
		{name: "missing_pharmacy", body: `{"medicationId":"amox","quantity":1,"price":"1"}`},
		{name: "zero_quantity", body: `{"pharmacyId":"ph-1","medicationId":"amox","quantity":0,"price":"1"}`},
		{name: "negative_price", body: `{"pharmacyId":"ph-1","medicationId":"amox","quantity":1,"price":"-1"}`},
		{name: "unknown_field", body: `{"pharmacyId":"ph-1","medicationId":"amox","quantity":1,"price":"1","lot":"x"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := send(h, http.MethodPost, "/inventory/batches", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}
