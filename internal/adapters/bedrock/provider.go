// Package bedrock 通过 AWS Bedrock Runtime 的 ConverseStream 调用云端模型
package bedrock

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/yukin371/streamgate/internal/core"
	"github.com/yukin371/streamgate/pkg/logger"
)

const (
	DefaultRegion = "ap-northeast-1"
	DefaultModel  = "anthropic.claude-3-5-sonnet-20240620-v1:0"
)

// EventStream is the part of *bedrockruntime.ConverseStreamEventStream the provider reads.
type EventStream interface {
	Events() <-chan types.ConverseStreamOutput
	Close() error
	Err() error
}

// Opener starts a ConverseStream call.
type Opener func(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (EventStream, error)

// Provider 实现 core.Provider
type Provider struct {
	region  string
	model   string
	profile string
	tuning  core.Tuning
	open    Opener
	log     *logger.Logger
}

// Option 配置 Provider
type Option func(*Provider)

// WithOpener 替换流的打开方式（测试用）
func WithOpener(o Opener) Option {
	return func(p *Provider) { p.open = o }
}

// New 创建 Provider。凭证走 AWS 默认链，CredentialRef 可指定共享配置中的 profile
func New(cfg core.ModelConfig, log *logger.Logger, opts ...Option) *Provider {
	if log == nil {
		log = logger.Nop()
	}
	p := &Provider{
		region:  cfg.RegionOrEndpoint,
		model:   cfg.Model,
		profile: cfg.CredentialRef,
		tuning:  cfg.Tuning,
		log:     log,
	}
	if p.region == "" {
		p.region = DefaultRegion
	}
	if p.model == "" {
		p.model = DefaultModel
	}
	p.open = p.openAWS
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Kind() core.ProviderKind { return core.ProviderBedrock }
func (p *Provider) Model() string          { return p.model }
func (p *Provider) Region() string         { return p.region }

// SupportsTuning 三个调参都映射到 InferenceConfiguration
func (p *Provider) SupportsTuning(name string) bool {
	switch name {
	case core.TuningMaxTokens, core.TuningTemperature, core.TuningTopP:
		return true
	}
	return false
}

// StartStream 打开流后立即返回，事件在独立 goroutine 中读取
func (p *Provider) StartStream(ctx context.Context, prompt string, sink core.Sink) error {
	stream, err := p.open(ctx, p.buildInput(prompt))
	if err != nil {
		if errors.Is(err, core.ErrMissingCredential) {
			return err
		}
		return toProviderError(err)
	}

	go p.consume(stream, sink)
	return nil
}

func (p *Provider) buildInput(prompt string) *bedrockruntime.ConverseStreamInput {
	in := &bedrockruntime.ConverseStreamInput{
		ModelId: aws.String(p.model),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: prompt}},
		}},
	}

	if !p.tuning.IsZero() {
		ic := &types.InferenceConfiguration{}
		if p.tuning.MaxTokens != nil {
			ic.MaxTokens = aws.Int32(int32(*p.tuning.MaxTokens))
		}
		if p.tuning.Temperature != nil {
			ic.Temperature = aws.Float32(float32(*p.tuning.Temperature))
		}
		if p.tuning.TopP != nil {
			ic.TopP = aws.Float32(float32(*p.tuning.TopP))
		}
		in.InferenceConfig = ic
	}
	return in
}

func (p *Provider) consume(stream EventStream, sink core.Sink) {
	for event := range stream.Events() {
		switch v := event.(type) {
		case *types.ConverseStreamOutputMemberContentBlockDelta:
			if text, ok := v.Value.Delta.(*types.ContentBlockDeltaMemberText); ok {
				sink.OnChunk(text.Value)
			}
		case *types.ConverseStreamOutputMemberMessageStop:
			p.log.Debug("stop reason: %s", v.Value.StopReason)
		case *types.ConverseStreamOutputMemberMetadata:
			if u := v.Value.Usage; u != nil {
				p.log.Debug("reported usage: input=%d output=%d",
					aws.ToInt32(u.InputTokens), aws.ToInt32(u.OutputTokens))
			}
		}
	}

	err := stream.Err()
	if cerr := stream.Close(); cerr != nil {
		p.log.Debug("close event stream: %v", cerr)
	}
	if err != nil {
		sink.OnError(toProviderError(err))
		return
	}
	sink.OnComplete()
}

// openAWS 使用默认凭证链创建客户端并发起 ConverseStream
func (p *Provider) openAWS(ctx context.Context, in *bedrockruntime.ConverseStreamInput) (EventStream, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(p.region)}
	if p.profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(p.profile))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: load AWS config: %v", core.ErrMissingCredential, err)
	}
	if _, err := cfg.Credentials.Retrieve(ctx); err != nil {
		return nil, fmt.Errorf("%w: resolve AWS credentials: %v", core.ErrMissingCredential, err)
	}

	p.log.Info("invoking %s in %s (streaming)", p.model, p.region)
	out, err := bedrockruntime.NewFromConfig(cfg).ConverseStream(ctx, in)
	if err != nil {
		return nil, err
	}
	return out.GetStream(), nil
}

// toProviderError 从 SDK 错误中取出 HTTP 状态码
func toProviderError(err error) error {
	pe := &core.ProviderError{Provider: core.ProviderBedrock, Err: err}
	var status interface{ HTTPStatusCode() int }
	if errors.As(err, &status) {
		pe.StatusCode = status.HTTPStatusCode()
	}
	return pe
}
