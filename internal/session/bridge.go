package session

import (
	"context"

	"github.com/yukin371/streamgate/internal/core"
	"github.com/yukin371/streamgate/pkg/logger"
)

// Bridge turns a provider's callback stream into one blocking call.
type Bridge struct {
	log *logger.Logger
}

// NewBridge creates a bridge. A nil logger discards output.
func NewBridge(log *logger.Logger) *Bridge {
	if log == nil {
		log = logger.Nop()
	}
	return &Bridge{log: log}
}

// Open creates the handle for a new request without starting it, so callers can learn
// the request ID first.
func (b *Bridge) Open(emit core.ChunkFunc) *Handle {
	return NewHandle(emit)
}

// Stream starts provider on h and blocks until h resolves.
func (b *Bridge) Stream(ctx context.Context, h *Handle, prompt string, provider core.Provider) (core.ChatOutcome, error) {
	log := b.log.With("request_id", h.ID())
	log.Debug("starting %s stream (model %s)", provider.Kind(), provider.Model())

	if err := provider.StartStream(ctx, prompt, h); err != nil {
		h.OnError(err)
	}

	outcome, err := h.Wait(ctx)
	if err != nil {
		log.Debug("stream failed after %d chunks: %v", h.Chunks(), err)
		return core.ChatOutcome{}, err
	}

	outcome.ApproxInputTokens = core.ApproxTokens(prompt)
	log.Debug("stream completed: %d chunks in %s", outcome.Chunks, outcome.Duration)
	return outcome, nil
}

// Run is Open followed by Stream.
func (b *Bridge) Run(ctx context.Context, prompt string, provider core.Provider, emit core.ChunkFunc) (core.ChatOutcome, error) {
	return b.Stream(ctx, b.Open(emit), prompt, provider)
}
