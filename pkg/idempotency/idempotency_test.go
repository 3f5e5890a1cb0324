package idempotency_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmehra2102/pharmacy-order-engine/pkg/idempotency"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/logging"
)

func newStore(t *testing.T) (*idempotency.Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return idempotency.NewStore(rdb, 10*time.Minute), mr
}

func TestSeenClaimsOnce(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	key := store.Key("payment.callbacks", 0, 42)
	assert.Equal(t, "idem:payment.callbacks:0:42", key)

	seen, err := store.Seen(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = store.Seen(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen)

	mr.FastForward(11 * time.Minute)
	seen, err = store.Seen(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestMiddlewareRejectsReplay(t *testing.T) {
	store, _ := newStore(t)
	calls := 0
	h := idempotency.Middleware(logging.Nop(), store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
	}))

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/orders", nil)
		req.Header.Set(idempotency.HeaderKey, "abc")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusCreated, send())
	assert.Equal(t, http.StatusConflict, send())
	assert.Equal(t, 1, calls)
}

func TestMiddlewareReleasesOnServerError(t *testing.T) {
	store, _ := newStore(t)
	status := http.StatusServiceUnavailable
	h := idempotency.Middleware(logging.Nop(), store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/payments/card", nil)
		req.Header.Set(idempotency.HeaderKey, "retry-me")
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		return rr.Code
	}

	assert.Equal(t, http.StatusServiceUnavailable, send())
	status = http.StatusOK
	assert.Equal(t, http.StatusOK, send())
}

func TestMiddlewarePassesWithoutHeader(t *testing.T) {
	store, _ := newStore(t)
	calls := 0
	h := idempotency.Middleware(logging.Nop(), store)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
	}))
	for i := 0; i < 2; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/orders", nil))
	}
	assert.Equal(t, 2, calls)
}
