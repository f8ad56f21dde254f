// Package gateway selects a provider client for a model config and runs one streaming
// request through it.
package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/yukin371/streamgate/internal/adapters/bedrock"
	"github.com/yukin371/streamgate/internal/adapters/gemini"
	"github.com/yukin371/streamgate/internal/adapters/openai"
	"github.com/yukin371/streamgate/internal/core"
	"github.com/yukin371/streamgate/internal/eventbus"
	"github.com/yukin371/streamgate/internal/session"
	"github.com/yukin371/streamgate/pkg/logger"
)

// Factory builds a provider client for cfg
type Factory func(cfg core.ModelConfig, log *logger.Logger) core.Provider

// Gateway 网关门面
type Gateway struct {
	log       *logger.Logger
	bus       *eventbus.EventBus
	bridge    *session.Bridge
	factories map[core.ProviderKind]Factory
}

// Option 配置 Gateway
type Option func(*Gateway)

// WithFactory replaces the client factory for one provider kind
func WithFactory(kind core.ProviderKind, f Factory) Option {
	return func(g *Gateway) { g.factories[kind] = f }
}

// New creates a gateway with the built-in provider factories. bus may be nil.
func New(log *logger.Logger, bus *eventbus.EventBus, opts ...Option) *Gateway {
	if log == nil {
		log = logger.Nop()
	}
	g := &Gateway{
		log:    log,
		bus:    bus,
		bridge: session.NewBridge(log),
		factories: map[core.ProviderKind]Factory{
			core.ProviderBedrock: func(cfg core.ModelConfig, log *logger.Logger) core.Provider {
				return bedrock.New(cfg, log)
			},
			core.ProviderGemini: func(cfg core.ModelConfig, log *logger.Logger) core.Provider {
				return gemini.New(cfg, log)
			},
			core.ProviderOpenAI: func(cfg core.ModelConfig, log *logger.Logger) core.Provider {
				return openai.New(cfg, log)
			},
		},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// CreateClient returns the client for cfg.Provider. Tuning parameters the client cannot
// honor are reported as warnings and dropped by the client.
func (g *Gateway) CreateClient(cfg core.ModelConfig) (core.Provider, error) {
	factory, ok := g.factories[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnsupportedProvider, cfg.Provider)
	}

	client := factory(cfg, g.log.With("provider", string(cfg.Provider)))
	if ts, ok := client.(core.TuningSupport); ok {
		for _, name := range cfg.Tuning.Names() {
			if !ts.SupportsTuning(name) {
				g.log.Warn("%s: %s does not support %s, ignoring it", core.ErrUnsupportedTuning, cfg.Provider, name)
			}
		}
	}
	return client, nil
}

// SendAndStream sends prompt to the model in cfg, forwarding each chunk to emit as it
// arrives, and blocks until the stream ends.
//
// An empty prompt is logged and rejected with core.ErrEmptyPrompt before any client is
// created. Only the zero-length string counts as empty: two empty files still join to "\n".
func (g *Gateway) SendAndStream(ctx context.Context, cfg core.ModelConfig, prompt string, emit core.ChunkFunc) (core.ChatOutcome, error) {
	if prompt == "" {
		g.log.Warn("prompt is empty, nothing to send")
		return core.ChatOutcome{}, core.ErrEmptyPrompt
	}

	client, err := g.CreateClient(cfg)
	if err != nil {
		return core.ChatOutcome{}, err
	}

	h := g.bridge.Open(emit)
	info := eventbus.StreamInfo{
		RequestID:   h.ID(),
		Provider:    string(client.Kind()),
		Model:       client.Model(),
		InputTokens: core.ApproxTokens(prompt),
	}
	g.log.Info("sending %d approx input tokens to %s/%s", info.InputTokens, info.Provider, info.Model)
	g.publish(ctx, func(ctx context.Context) error { return g.bus.PublishStreamStarted(ctx, info) })

	start := time.Now()
	outcome, err := g.bridge.Stream(ctx, h, prompt, client)
	if err != nil {
		info.Chunks = h.Chunks()
		info.Duration = time.Since(start)
		if pe, ok := core.AsProviderError(err); ok {
			info.StatusCode = pe.StatusCode
		}
		g.publish(ctx, func(ctx context.Context) error { return g.bus.PublishStreamFailed(ctx, info, err) })
		return core.ChatOutcome{}, err
	}

	info.OutputTokens = outcome.ApproxOutputTokens
	info.Chunks = outcome.Chunks
	info.Duration = outcome.Duration
	g.publish(ctx, func(ctx context.Context) error { return g.bus.PublishStreamCompleted(ctx, info) })
	return outcome, nil
}

// publish 事件处理失败只记录日志，不影响请求结果
func (g *Gateway) publish(ctx context.Context, fn func(context.Context) error) {
	if g.bus == nil {
		return
	}
	// 请求被取消时仍需记录结果
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		g.log.Warn("event handler failed: %v", err)
	}
}
