package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"golang.org/x/time/rate"

	"github.com/vthunder/patterngraph/internal/logging"
	"github.com/vthunder/patterngraph/internal/metrics"
)

// ResolverOptions tunes provider usage
type ResolverOptions struct {
	MaxInputChars int           // text is truncated to this many characters
	Timeout       time.Duration // per provider call
	RatePerSecond float64       // 0 disables limiting
	Burst         int
	Cache         Cache // optional
}

// Resolver decides where an entity's vector comes from: the producer, the
// cache, or one provider call. It never fails the caller; a provider error
// yields a nil vector and a warning.
type Resolver struct {
	embedder Embedder
	opts     ResolverOptions
	limiter  *rate.Limiter
}

// NewResolver creates a resolver over embedder
func NewResolver(embedder Embedder, opts ResolverOptions) *Resolver {
	if opts.MaxInputChars <= 0 {
		opts.MaxInputChars = 8000
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	r := &Resolver{embedder: embedder, opts: opts}
	if opts.RatePerSecond > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}
	return r
}

// Request describes the text to embed
type Request struct {
	Text        string
	Precomputed []float64 // producer-supplied vector, used as-is
	ContentHash string    // optional cache key; computed from Text when empty
}

// ContentHash returns the hex sha256 of text
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Resolve returns the vector for req, or nil when none could be obtained
func (r *Resolver) Resolve(ctx context.Context, req Request) []float64 {
	m := metrics.Get()
	if len(req.Precomputed) > 0 {
		m.EmbeddingRequests.WithLabelValues("precomputed").Inc()
		return req.Precomputed
	}
	if req.Text == "" {
		return nil
	}

	text := TruncateRunes(req.Text, r.opts.MaxInputChars)
	hash := req.ContentHash
	if hash == "" {
		hash = ContentHash(text)
	}

	if r.opts.Cache != nil {
		emb, ok, err := r.opts.Cache.Get(ctx, hash)
		if err != nil {
			logging.Warn("embedding", "cache lookup failed: %v", err)
		} else if ok {
			m.EmbeddingRequests.WithLabelValues("cached").Inc()
			return emb
		}
	}

	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			logging.Warn("embedding", "rate limiter: %v", err)
			m.EmbeddingRequests.WithLabelValues("failed").Inc()
			return nil
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	start := time.Now()
	emb, err := r.embedder.Embed(callCtx, text)
	m.ProviderLatency.WithLabelValues("embed").Observe(time.Since(start).Seconds())
	if err != nil {
		logging.Warn("embedding", "provider failed, continuing without vector: %v", err)
		m.EmbeddingRequests.WithLabelValues("failed").Inc()
		return nil
	}
	m.EmbeddingRequests.WithLabelValues("provider").Inc()

	if r.opts.Cache != nil {
		if err := r.opts.Cache.Set(ctx, hash, emb); err != nil {
			logging.Debug("embedding", "cache store failed: %v", err)
		}
	}
	return emb
}

// Complete runs a completion with the resolver's deadline and rate limit
func (r *Resolver) Complete(ctx context.Context, c Completer, prompt string) (string, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	start := time.Now()
	out, err := c.Complete(callCtx, prompt)
	metrics.Get().ProviderLatency.WithLabelValues("complete").Observe(time.Since(start).Seconds())
	return out, err
}

// Limit wraps c so each completion shares the resolver's limiter and deadline
func (r *Resolver) Limit(c Completer) Completer {
	return limitedCompleter{r: r, c: c}
}

type limitedCompleter struct {
	r *Resolver
	c Completer
}

func (l limitedCompleter) Complete(ctx context.Context, prompt string) (string, error) {
	return l.r.Complete(ctx, l.c, prompt)
}
