package idempotency

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dmehra2102/pharmacy-order-engine/pkg/apperr"
	"github.com/dmehra2102/pharmacy-order-engine/pkg/httpx"
)

const HeaderKey = "Idempotency-Key"

type Claimer interface {
	Seen(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Middleware rejects a repeated Idempotency-Key for the same route within the
// store's TTL. Requests without the header pass through. A claim is released when
// the handler fails with a server error so the client may retry.
func Middleware(log *slog.Logger, store Claimer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(HeaderKey)
			if key == "" {
				next.ServeHTTP(w, r)
				return
			}

			claim := "idem:http:" + r.Method + ":" + r.URL.Path + ":" + key
			seen, err := store.Seen(r.Context(), claim)
			if err != nil {
				log.Warn("idempotency check failed", "key", key, "err", err)
				next.ServeHTTP(w, r)
				return
			}
			if seen {
				httpx.WriteError(w, log, apperr.New(apperr.CodeDuplicateRequest, "request %s already processed", key))
				return
			}

			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			if sw.status >= http.StatusInternalServerError {
				if err := store.Release(context.WithoutCancel(r.Context()), claim); err != nil {
					log.Warn("idempotency release failed", "key", key, "err", err)
				}
			}
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
