package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// Gateway routes completion calls upstream with alias resolution, circuit
// breaking, per-model fallback, and request pacing.
type Gateway struct {
	upstream  Upstream
	catalogue *Catalogue
	brk       *breaker
	limiter   *rate.Limiter
	timeout   time.Duration
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithTimeout bounds each upstream call.
func WithTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.timeout = d
		}
	}
}

// WithPacing throttles upstream calls to rps requests per second.
// Waiting callers provide natural back-pressure on bursts.
func WithPacing(rps float64) GatewayOption {
	return func(g *Gateway) {
		if rps > 0 {
			g.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// WithBreakerReset overrides the open→half-open interval.
func WithBreakerReset(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.brk.reset = d
		}
	}
}

// NewGateway creates a gateway over the given upstream and catalogue.
func NewGateway(upstream Upstream, catalogue *Catalogue, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		upstream:  upstream,
		catalogue: catalogue,
		brk:       newBreaker(),
		timeout:   120 * time.Second,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Complete issues one completion call with breaker and fallback semantics.
func (g *Gateway) Complete(ctx context.Context, req Request) (*Response, error) {
	return g.call(ctx, req, nil)
}

// Stream issues one streaming call. Chunks are forwarded strictly as
// received from upstream; on error before the first chunk the fallback
// chain applies, afterwards the stream terminates with the error.
func (g *Gateway) Stream(ctx context.Context, req Request, onChunk func(Chunk)) (*Response, error) {
	return g.call(ctx, req, onChunk)
}

// CircuitOpen reports whether the breaker currently fails calls fast.
func (g *Gateway) CircuitOpen() bool { return g.brk.isOpen() }

func (g *Gateway) call(ctx context.Context, req Request, onChunk func(Chunk)) (*Response, error) {
	alias := req.Model
	models := append([]string{alias}, g.catalogue.Fallbacks(alias)...)

	var lastErr error
	for i, m := range models {
		resp, err := g.callOne(ctx, req, m, onChunk)
		if err == nil {
			resp.Model = m
			return resp, nil
		}
		lastErr = err
		if !retryable(err) {
			return nil, err
		}
		if i < len(models)-1 {
			slog.Warn("llm fallback", "from", m, "to", models[i+1], "error", err)
		}
	}
	return nil, lastErr
}

func (g *Gateway) callOne(ctx context.Context, req Request, alias string, onChunk func(Chunk)) (*Response, error) {
	if !g.brk.allow() {
		return nil, &Error{Kind: KindCircuitOpen, Err: fmt.Errorf("upstream suspended")}
	}

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, &Error{Kind: KindTimeout, Err: err}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	upReq := req
	upReq.Model = g.catalogue.Resolve(alias)

	start := time.Now()
	var resp *Response
	var err error
	if onChunk != nil {
		resp, err = g.upstream.Stream(callCtx, upReq, onChunk)
	} else {
		resp, err = g.upstream.Complete(callCtx, upReq)
	}
	if err != nil {
		g.brk.failure()
		return nil, err
	}
	g.brk.success()

	resp.LatencyMs = time.Since(start).Milliseconds()
	resp.Cost = g.catalogue.Cost(alias, resp.PromptTokens, resp.CompletionTokens)
	return resp, nil
}
