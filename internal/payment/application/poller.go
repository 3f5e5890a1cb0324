package application

import (
	"context"
	"log/slog"
	"time"
)

type StalePoller interface {
	PollStale(ctx context.Context) (int, error)
}

// Poller runs the status-query fallback for payments whose callback never
// arrived.
type Poller struct {
	log      *slog.Logger
	svc      StalePoller
	interval time.Duration
}

func NewPoller(log *slog.Logger, svc StalePoller, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{log: log, svc: svc, interval: interval}
}

func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			p.log.Info("payment poller stopping")
			return nil
		case <-t.C:
			n, err := p.svc.PollStale(ctx)
			if err != nil && ctx.Err() == nil {
				p.log.Error("payment poll failed", "err", err)
				continue
			}
			if n > 0 {
				p.log.Info("stale payments settled", "count", n)
			}
		}
	}
}
