package llm

import (
	"context"
	"log/slog"

	"github.com/dmdzco/donna2-sub004/internal/guidance"
	"github.com/dmdzco/donna2-sub004/internal/turn"
)

// Router dispatches generation to the fast or smart tier based on the
// compiled guidance. When the smart tier fails, the turn falls back to the
// fast tier rather than leaving the caller in silence.
type Router struct {
	fast  turn.ResponseGenerator
	smart turn.ResponseGenerator
	log   *slog.Logger
}

func NewRouter(fast, smart turn.ResponseGenerator, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{fast: fast, smart: smart, log: log}
}

func (r *Router) pick(tier guidance.Tier) turn.ResponseGenerator {
	if tier == guidance.TierSmart && r.smart != nil {
		return r.smart
	}
	return r.fast
}

func (r *Router) Generate(ctx context.Context, system string, msgs []turn.Message, opts turn.GenOptions) (string, error) {
	gen := r.pick(opts.Tier)
	text, err := gen.Generate(ctx, system, msgs, opts)
	if err != nil && gen != r.fast {
		r.log.Warn("smart tier failed, falling back to fast", "err", err)
		return r.fast.Generate(ctx, system, msgs, opts)
	}
	return text, err
}

func (r *Router) Stream(ctx context.Context, system string, msgs []turn.Message, opts turn.GenOptions, onToken func(string)) (string, error) {
	gen := r.pick(opts.Tier)
	delivered := false
	wrapped := func(token string) {
		delivered = true
		onToken(token)
	}
	text, err := gen.Stream(ctx, system, msgs, opts, wrapped)
	// fall back only if nothing was spoken yet; a mid-stream failure after
	// delivered tokens would repeat the reply from the top
	if err != nil && gen != r.fast && !delivered {
		r.log.Warn("smart tier stream failed, falling back to fast", "err", err)
		return r.fast.Stream(ctx, system, msgs, opts, onToken)
	}
	return text, err
}
