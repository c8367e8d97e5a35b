package ai

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// GuardConfig bounds how a Client is called.
type GuardConfig struct {
	RequestsPerSecond float64       // <= 0 disables rate limiting
	Burst             int           // token bucket size, at least 1
	Timeout           time.Duration // per call, 0 disables
	MaxAttempts       int           // total attempts per call, at least 1
	BaseDelay         time.Duration // first retry delay, doubled for each further retry
}

// Guarded wraps a Client with a shared rate limiter, per-call timeouts and
// bounded retries. Only transient failures are retried: timeouts of a single
// attempt and StatusErrors that report themselves retryable.
type Guarded struct {
	inner   Client
	limiter *rate.Limiter
	cfg     GuardConfig
}

// Guard wraps c. The returned client is safe for concurrent use if c is.
func Guard(c Client, cfg GuardConfig) *Guarded {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 250 * time.Millisecond
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	return &Guarded{
		inner:   c,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		cfg:     cfg,
	}
}

func (g *Guarded) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var out [][]float32
	err := g.do(ctx, "embed", func(ctx context.Context) error {
		var err error
		out, err = g.inner.EmbedBatch(ctx, texts)
		return err
	})
	return out, err
}

func (g *Guarded) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	var out string
	err := g.do(ctx, "complete", func(ctx context.Context) error {
		var err error
		out, err = g.inner.Complete(ctx, req)
		return err
	})
	return out, err
}

func (g *Guarded) Dim() int { return g.inner.Dim() }

func (g *Guarded) do(ctx context.Context, op string, call func(context.Context) error) error {
	delay := g.cfg.BaseDelay
	var err error
	for attempt := 1; attempt <= g.cfg.MaxAttempts; attempt++ {
		if err = g.limiter.Wait(ctx); err != nil {
			return err
		}
		err = g.attempt(ctx, call)
		if err == nil {
			return nil
		}
		if attempt == g.cfg.MaxAttempts || !retryable(ctx, err) {
			return err
		}

		log.Debug().Err(err).Str("op", op).Int("attempt", attempt).Dur("next_delay", delay).Msg("retrying service call")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return err
}

func (g *Guarded) attempt(ctx context.Context, call func(context.Context) error) error {
	if g.cfg.Timeout <= 0 {
		return call(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	return call(ctx)
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}
