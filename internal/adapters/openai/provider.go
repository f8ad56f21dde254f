// Package openai 提供 OpenAI 兼容 /chat/completions 接口的 Provider 实现
// 也兼容 Azure OpenAI 部署（api-key 头 + api-version 参数）
package openai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/yukin371/streamgate/internal/core"
	"github.com/yukin371/streamgate/internal/metrics"
	"github.com/yukin371/streamgate/pkg/logger"
)

const (
	DefaultBaseURL    = "https://api.openai.com/v1"
	DefaultAPIKeyEnv  = "OPENAI_API_KEY"
	AzureAPIVersion   = "2024-06-01"
	azureHostSuffix   = ".openai.azure.com"
	chatCompletionsEP = "/chat/completions"
)

// Provider 实现 core.Provider
type Provider struct {
	baseURL   string
	model     string
	apiKeyEnv string
	tuning    core.Tuning
	client    *http.Client
	lookupEnv func(string) (string, bool)
	log       *logger.Logger
}

// Option 配置 Provider
type Option func(*Provider)

// WithLookupEnv 替换环境变量读取函数（测试用）
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(p *Provider) { p.lookupEnv = fn }
}

// New 创建一个新的 Provider。RegionOrEndpoint 为 BaseURL，Azure 时为部署地址
// （https://<resource>.openai.azure.com/openai/deployments/<deployment>）
func New(cfg core.ModelConfig, log *logger.Logger, opts ...Option) *Provider {
	if log == nil {
		log = logger.Nop()
	}
	p := &Provider{
		baseURL:   strings.TrimRight(cfg.RegionOrEndpoint, "/"),
		model:     cfg.Model,
		apiKeyEnv: cfg.CredentialRef,
		tuning:    cfg.Tuning,
		client:    &http.Client{Timeout: 10 * time.Minute},
		lookupEnv: os.LookupEnv,
		log:       log,
	}
	if p.baseURL == "" {
		p.baseURL = DefaultBaseURL
	}
	if p.apiKeyEnv == "" {
		p.apiKeyEnv = DefaultAPIKeyEnv
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Kind() core.ProviderKind { return core.ProviderOpenAI }

// Model 返回当前模型名称
func (p *Provider) Model() string { return p.model }

// SupportsTuning 三个调参都会写入请求体
func (p *Provider) SupportsTuning(name string) bool {
	switch name {
	case core.TuningMaxTokens, core.TuningTemperature, core.TuningTopP:
		return true
	}
	return false
}

// IsAzure 判断是否为 Azure OpenAI 端点
func (p *Provider) IsAzure() bool {
	u, err := url.Parse(p.baseURL)
	return err == nil && strings.HasSuffix(u.Hostname(), azureHostSuffix)
}

// StartStream 发起流式聊天请求。连接建立后在独立 goroutine 中读取流
func (p *Provider) StartStream(ctx context.Context, prompt string, sink core.Sink) error {
	apiKey, ok := p.lookupEnv(p.apiKeyEnv)
	if !ok || apiKey == "" {
		return fmt.Errorf("%w: environment variable %s is not set", core.ErrMissingCredential, p.apiKeyEnv)
	}

	requestBody, err := p.buildChatRequest(prompt)
	if err != nil {
		return fmt.Errorf("构建请求失败: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.requestURL(), strings.NewReader(requestBody))
	if err != nil {
		return fmt.Errorf("创建 HTTP 请求失败: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if p.IsAzure() {
		httpReq.Header.Set("api-key", apiKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	p.log.Info("sending chat completion request (model %s)", p.model)
	resp, err := p.client.Do(httpReq)
	if err != nil {
		return &core.ProviderError{Provider: core.ProviderOpenAI, Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return &core.ProviderError{Provider: core.ProviderOpenAI, StatusCode: resp.StatusCode, Body: string(body)}
	}

	go p.processStream(resp.Body, sink)
	return nil
}

func (p *Provider) requestURL() string {
	u := p.baseURL + chatCompletionsEP
	if p.IsAzure() {
		u += "?api-version=" + AzureAPIVersion
	}
	return u
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionRequest struct {
	Model       string        `json:"model,omitempty"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
	TopP        *float64      `json:"top_p,omitempty"`
	Stream      bool          `json:"stream"`
}

// buildChatRequest 构建请求体；Azure 的模型由部署地址决定，不发送 model 字段
func (p *Provider) buildChatRequest(prompt string) (string, error) {
	req := chatCompletionRequest{
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		MaxTokens:   p.tuning.MaxTokens,
		Temperature: p.tuning.Temperature,
		TopP:        p.tuning.TopP,
		Stream:      true,
	}
	if !p.IsAzure() {
		req.Model = p.model
	}

	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// processStream 处理 SSE 流式响应
func (p *Provider) processStream(body io.ReadCloser, sink core.Sink) {
	defer body.Close()

	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if strings.HasPrefix(line, "data: ") {
			data := strings.TrimSpace(strings.TrimPrefix(line, "data: "))

			// [DONE] 表示流结束
			if data == "[DONE]" {
				sink.OnComplete()
				return
			}

			var chunk chatChunk
			if jsonErr := json.Unmarshal([]byte(data), &chunk); jsonErr != nil {
				metrics.MalformedFramesTotal.WithLabelValues(string(core.ProviderOpenAI)).Inc()
				p.log.Debug("%v: %v", core.ErrMalformedStreamFrame, jsonErr)
			} else if len(chunk.Choices) > 0 {
				choice := chunk.Choices[0]
				if choice.Delta.Content != "" {
					sink.OnChunk(choice.Delta.Content)
				}
				if choice.FinishReason != nil && *choice.FinishReason != "" {
					p.log.Debug("finish reason: %s", *choice.FinishReason)
					sink.OnComplete()
					return
				}
			}
		}

		if err != nil {
			if err == io.EOF {
				sink.OnComplete()
			} else {
				sink.OnError(&core.ProviderError{Provider: core.ProviderOpenAI, Err: fmt.Errorf("读取错误: %w", err)})
			}
			return
		}
	}
}
