package retry

import (
	"context"
	"time"
)

type Config struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	Factor       float64       `yaml:"factor"`
}

func DefaultConfig() Config {
	return Config{MaxAttempts: 3, InitialDelay: 300 * time.Millisecond, Factor: 2}
}

type options struct {
	shouldRetry func(error) bool
	onRetry     func(attempt int, err error, wait time.Duration)
	sleep       func(ctx context.Context, d time.Duration) error
}

type Option func(*options)

// If sets the predicate deciding whether an error is worth another attempt.
// Without it every error is retried.
func If(fn func(error) bool) Option {
	return func(o *options) { o.shouldRetry = fn }
}

func OnRetry(fn func(attempt int, err error, wait time.Duration)) Option {
	return func(o *options) { o.onRetry = fn }
}

func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *options) { o.sleep = fn }
}

func Do(ctx context.Context, cfg Config, op func(ctx context.Context) error, opts ...Option) error {
	_, err := DoValue(ctx, cfg, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	}, opts...)
	return err
}

// DoValue runs op until it succeeds, the predicate rejects the error, attempts run
// out or ctx is done. The last error from op is returned unchanged.
func DoValue[T any](ctx context.Context, cfg Config, op func(ctx context.Context) (T, error), opts ...Option) (T, error) {
	o := options{
		shouldRetry: func(error) bool { return true },
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Factor < 1 {
		cfg.Factor = 1
	}

	wait := cfg.InitialDelay
	var (
		zero T
		err  error
	)
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		var v T
		v, err = op(ctx)
		if err == nil {
			return v, nil
		}
		if attempt == cfg.MaxAttempts || !o.shouldRetry(err) {
			break
		}
		if o.onRetry != nil {
			o.onRetry(attempt, err, wait)
		}
		if serr := o.sleep(ctx, wait); serr != nil {
			return zero, err
		}
		wait = time.Duration(float64(wait) * cfg.Factor)
	}
	return zero, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
