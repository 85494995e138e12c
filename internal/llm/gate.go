package llm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"

	"github.com/chatbi-core/server/internal/metrics"
	logx "github.com/chatbi-core/server/pkg/logger"
)

// Gate is the process-wide LLM concurrency limit. Callers block, never
// fail, while the pool is exhausted; only ctx cancellation unblocks them.
type Gate struct {
	sem  *semaphore.Weighted
	size int64
}

func NewGate(size int64) *Gate {
	if size <= 0 {
		size = 1
	}
	return &Gate{sem: semaphore.NewWeighted(size), size: size}
}

// Acquire takes one permit and returns its release func.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	start := time.Now()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	metrics.LLMGateWait.Observe(time.Since(start).Seconds())
	metrics.LLMInflight.Inc()
	return func() {
		metrics.LLMInflight.Dec()
		g.sem.Release(1)
	}, nil
}

// Size is the number of permits.
func (g *Gate) Size() int64 {
	return g.size
}

// GatedClient wraps a Client with the shared gate, a per-call timeout and
// retry with exponential backoff for transient errors.
type GatedClient struct {
	next       Client
	gate       *Gate
	timeout    time.Duration
	maxTries   uint
	newBackOff func() backoff.BackOff
}

type GatedOption func(*GatedClient)

// WithBackOff overrides the retry schedule.
func WithBackOff(fn func() backoff.BackOff) GatedOption {
	return func(c *GatedClient) { c.newBackOff = fn }
}

func NewGatedClient(next Client, gate *Gate, timeout time.Duration, maxRetries int, opts ...GatedOption) *GatedClient {
	if maxRetries < 0 {
		maxRetries = 0
	}
	c := &GatedClient{
		next:     next,
		gate:     gate,
		timeout:  timeout,
		maxTries: uint(maxRetries) + 1,
		newBackOff: func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *GatedClient) Complete(ctx context.Context, req Request) (string, error) {
	attempt := 0
	out, err := backoff.Retry(ctx, func() (string, error) {
		attempt++
		if attempt > 1 {
			logx.Warn().Str("task", string(req.Task)).Int("attempt", attempt).Msg("Retrying LLM call")
		}
		text, err := c.once(ctx, req)
		if err == nil {
			return text, nil
		}
		if !Transient(err) {
			return "", backoff.Permanent(err)
		}
		return "", err
	}, backoff.WithBackOff(c.newBackOff()), backoff.WithMaxTries(c.maxTries))

	result := "ok"
	if err != nil {
		result = resultLabel(err)
	}
	metrics.LLMCalls.WithLabelValues(string(req.Task), result).Inc()
	return out, err
}

func (c *GatedClient) once(ctx context.Context, req Request) (string, error) {
	release, err := c.gate.Acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	text, err := c.next.Complete(callCtx, req)
	if err != nil {
		// a parent cancellation is not a provider fault
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", Classify(err)
	}
	return text, nil
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrProvider):
		return "provider_error"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "error"
	}
}
