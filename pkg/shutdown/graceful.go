package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

func WithSignals(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
}

type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Run starts every task and waits. The first task to fail cancels the rest.
func Run(ctx context.Context, log *slog.Logger, tasks ...Task) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		g.Go(func() error {
			log.Info("task starting", "task", t.Name)
			err := t.Run(ctx)
			if err != nil {
				log.Error("task stopped with error", "task", t.Name, "err", err)
				return err
			}
			log.Info("task stopped", "task", t.Name)
			return nil
		})
	}
	return g.Wait()
}

// HTTPServer wraps srv as a Task. When ctx ends the server drains in-flight
// requests for up to grace.
func HTTPServer(name string, srv *http.Server, grace time.Duration) Task {
	return Task{Name: name, Run: func(ctx context.Context) error {
		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()

		select {
		case err := <-errc:
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}}
}
