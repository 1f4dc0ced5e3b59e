package agent

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Middleware decorates a Provider with a cross-cutting concern.
type Middleware func(Provider) Provider

// Wrap applies middlewares left to right: Wrap(p, A, B) is A(B(p)).
func Wrap(inner Provider, mws ...Middleware) Provider {
	out := inner
	for i := len(mws) - 1; i >= 0; i-- {
		out = mws[i](out)
	}
	return out
}

// -------- Rate limiting --------

// RateLimit caps the request rate. rps <= 0 disables it.
func RateLimit(rps float64, burst int) Middleware {
	return func(next Provider) Provider {
		return &rateLimited{next: next, rl: newRPSLimiter(rps, burst)}
	}
}

type rateLimited struct {
	next Provider
	rl   *rpsLimiter
}

func (c *rateLimited) Name() string { return c.next.Name() }

func (c *rateLimited) Generate(ctx context.Context, req Request) (string, error) {
	if err := c.rl.Acquire(ctx); err != nil {
		return "", err
	}
	return c.next.Generate(ctx, req)
}

func (c *rateLimited) Stream(ctx context.Context, req Request, onChunk func(string)) (string, error) {
	if err := c.rl.Acquire(ctx); err != nil {
		return "", err
	}
	return c.next.Stream(ctx, req, onChunk)
}

// -------- Retry with exponential backoff --------

// Retry retries failed calls up to maxAttempts times, doubling baseDelay each
// time. Permanent errors and context cancellation stop it immediately.
// A stream that already delivered a chunk is never retried.
func Retry(maxAttempts int, baseDelay time.Duration) Middleware {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 300 * time.Millisecond
	}
	return func(next Provider) Provider {
		return &retrying{next: next, max: maxAttempts, base: baseDelay}
	}
}

type retrying struct {
	next Provider
	max  int
	base time.Duration
}

func (r *retrying) Name() string { return r.next.Name() }

func (r *retrying) Generate(ctx context.Context, req Request) (string, error) {
	var last error
	for i := 0; i < r.max; i++ {
		resp, err := r.next.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		if isPermanent(err) {
			return "", err
		}
		last = err
		if err := r.wait(ctx, i); err != nil {
			return "", err
		}
	}
	return "", last
}

func (r *retrying) Stream(ctx context.Context, req Request, onChunk func(string)) (string, error) {
	var last error
	for i := 0; i < r.max; i++ {
		delivered := false
		resp, err := r.next.Stream(ctx, req, func(chunk string) {
			delivered = true
			if onChunk != nil {
				onChunk(chunk)
			}
		})
		if err == nil {
			return resp, nil
		}
		if delivered || isPermanent(err) {
			return resp, err
		}
		last = err
		if err := r.wait(ctx, i); err != nil {
			return "", err
		}
	}
	return "", last
}

func (r *retrying) wait(ctx context.Context, attempt int) error {
	if attempt == r.max-1 {
		return ctx.Err()
	}
	t := time.NewTimer(r.base * time.Duration(1<<attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func isPermanent(err error) bool {
	var pErr *PermanentError
	return errors.As(err, &pErr)
}

// -------- Fallback --------

// Fallback sends a call to secondary when next fails for a reason other than
// cancellation. A nil secondary disables it.
func Fallback(secondary Provider, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Provider) Provider {
		if secondary == nil {
			return next
		}
		return &fallback{next: next, secondary: secondary, log: logger}
	}
}

type fallback struct {
	next      Provider
	secondary Provider
	log       *zap.Logger
}

func (f *fallback) Name() string { return f.next.Name() }

func (f *fallback) Generate(ctx context.Context, req Request) (string, error) {
	resp, err := f.next.Generate(ctx, req)
	if err == nil || ctx.Err() != nil {
		return resp, err
	}
	f.log.Warn("primary provider failed, using fallback",
		zap.String("primary", f.next.Name()),
		zap.String("fallback", f.secondary.Name()),
		zap.Error(err))
	return f.secondary.Generate(ctx, req)
}

func (f *fallback) Stream(ctx context.Context, req Request, onChunk func(string)) (string, error) {
	delivered := false
	resp, err := f.next.Stream(ctx, req, func(chunk string) {
		delivered = true
		if onChunk != nil {
			onChunk(chunk)
		}
	})
	if err == nil || delivered || ctx.Err() != nil {
		return resp, err
	}
	f.log.Warn("primary provider stream failed, using fallback",
		zap.String("primary", f.next.Name()),
		zap.String("fallback", f.secondary.Name()),
		zap.Error(err))
	return f.secondary.Stream(ctx, req, onChunk)
}

// -------- Logging --------

// WithLogging logs request size, latency and errors at debug level.
func WithLogging(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Provider) Provider {
		return &logging{next: next, log: logger}
	}
}

type logging struct {
	next Provider
	log  *zap.Logger
}

func (l *logging) Name() string { return l.next.Name() }

func (l *logging) Generate(ctx context.Context, req Request) (string, error) {
	start := time.Now()
	resp, err := l.next.Generate(ctx, req)
	l.record("generate", req, len(resp), start, err)
	return resp, err
}

func (l *logging) Stream(ctx context.Context, req Request, onChunk func(string)) (string, error) {
	start := time.Now()
	resp, err := l.next.Stream(ctx, req, onChunk)
	l.record("stream", req, len(resp), start, err)
	return resp, err
}

func (l *logging) record(op string, req Request, respBytes int, start time.Time, err error) {
	fields := []zap.Field{
		zap.String("provider", l.next.Name()),
		zap.String("op", op),
		zap.Int("request_bytes", requestSize(req)),
		zap.Int("response_bytes", respBytes),
		zap.Bool("structured", req.Schema != nil),
		zap.Duration("latency", time.Since(start)),
	}
	if err != nil {
		l.log.Error("llm call failed", append(fields, zap.Error(err))...)
		return
	}
	l.log.Debug("llm call", fields...)
}

func requestSize(req Request) int {
	n := len(req.System)
	for _, m := range req.Messages {
		n += len(m.Text)
		for _, img := range m.Images {
			n += len(img.Data)
		}
	}
	return n
}
