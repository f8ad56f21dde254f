// Package gemini 实现基于 HTTP + SSE 的 Provider（Gemini 风格的请求体）
package gemini

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/yukin371/streamgate/internal/core"
	"github.com/yukin371/streamgate/internal/metrics"
	"github.com/yukin371/streamgate/pkg/logger"
	"github.com/yukin371/streamgate/pkg/utils"
)

const (
	DefaultEndpoint  = "https://generativelanguage.googleapis.com/v1beta/models/gemini-pro:generateContent"
	DefaultAPIKeyEnv = "API_KEY"
)

// Provider 通过 HTTP POST 发送提示词并读取 SSE 响应
type Provider struct {
	endpoint  string
	model     string
	apiKeyEnv string
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

// New 根据配置创建 Provider。RegionOrEndpoint 为空时使用默认端点
func New(cfg core.ModelConfig, log *logger.Logger, opts ...Option) *Provider {
	if log == nil {
		log = logger.Nop()
	}
	p := &Provider{
		endpoint:  cfg.RegionOrEndpoint,
		model:     cfg.Model,
		apiKeyEnv: cfg.CredentialRef,
		client:    &http.Client{Timeout: 10 * time.Minute},
		lookupEnv: os.LookupEnv,
		log:       log,
	}
	if p.endpoint == "" {
		p.endpoint = DefaultEndpoint
	}
	if p.apiKeyEnv == "" {
		p.apiKeyEnv = DefaultAPIKeyEnv
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Kind() core.ProviderKind { return core.ProviderGemini }

// Model 返回模型名。端点 URL 已经决定了实际模型，这里只用于日志和记账
func (p *Provider) Model() string { return p.model }

// Endpoint 返回请求地址
func (p *Provider) Endpoint() string { return p.endpoint }

// SupportsTuning 请求体格式固定，不携带任何调参
func (p *Provider) SupportsTuning(string) bool { return false }

// StartStream 同步执行：读完整个流才返回
func (p *Provider) StartStream(ctx context.Context, prompt string, sink core.Sink) error {
	apiKey, ok := p.lookupEnv(p.apiKeyEnv)
	if !ok || apiKey == "" {
		return fmt.Errorf("%w: environment variable %s is not set", core.ErrMissingCredential, p.apiKeyEnv)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, strings.NewReader(BuildBody(prompt)))
	if err != nil {
		return fmt.Errorf("创建 HTTP 请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Accept", "text/event-stream")

	p.log.Info("sending request to %s (streaming)", p.endpoint)
	resp, err := p.client.Do(req)
	if err != nil {
		return &core.ProviderError{Provider: core.ProviderGemini, Err: err}
	}
	defer resp.Body.Close()

	p.log.Debug("HTTP status: %d", resp.StatusCode)
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &core.ProviderError{Provider: core.ProviderGemini, StatusCode: resp.StatusCode, Body: string(body)}
	}

	// 非流式端点（如 :generateContent）直接返回一个 JSON 文档
	if isJSON(resp.Header.Get("Content-Type")) {
		if err := p.readDocument(resp.Body, sink); err != nil {
			return err
		}
		sink.OnComplete()
		return nil
	}

	if err := p.readStream(resp.Body, sink); err != nil {
		return err
	}
	sink.OnComplete()
	return nil
}

// readStream 逐行读取 SSE，遇到 [DONE] 或 EOF 结束
func (p *Provider) readStream(body io.Reader, sink core.Sink) error {
	reader := bufio.NewReader(body)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			data, ok := frameData(line)
			if ok {
				if data == "[DONE]" {
					return nil
				}
				p.emitFrame(data, sink)
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return &core.ProviderError{Provider: core.ProviderGemini, Err: fmt.Errorf("读取流失败: %w", err)}
		}
	}
}

func (p *Provider) readDocument(body io.Reader, sink core.Sink) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return &core.ProviderError{Provider: core.ProviderGemini, Err: fmt.Errorf("读取响应失败: %w", err)}
	}
	p.emitFrame(string(data), sink)
	return nil
}

// emitFrame 从一帧 JSON 中提取 candidates[].content.parts[].text；无法解析的帧直接跳过
func (p *Provider) emitFrame(data string, sink core.Sink) {
	if !gjson.Valid(data) {
		metrics.MalformedFramesTotal.WithLabelValues(string(core.ProviderGemini)).Inc()
		p.log.Debug("%v: %s", core.ErrMalformedStreamFrame, utils.TruncateString(data, 120))
		return
	}
	for _, text := range ExtractTexts(data) {
		sink.OnChunk(text)
	}
}

// ExtractTexts 按顺序返回一帧中所有非空文本片段
func ExtractTexts(frame string) []string {
	var texts []string
	gjson.Get(frame, "candidates").ForEach(func(_, candidate gjson.Result) bool {
		candidate.Get("content.parts").ForEach(func(_, part gjson.Result) bool {
			if t := part.Get("text"); t.Exists() {
				if s := t.String(); s != "" {
					texts = append(texts, s)
				}
			}
			return true
		})
		return true
	})
	return texts
}

// frameData 识别 "data: " 行并返回去掉空白后的负载
func frameData(line string) (string, bool) {
	if !strings.HasPrefix(line, "data: ") {
		return "", false
	}
	return strings.TrimSpace(line[len("data: "):]), true
}

var bodyEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`)

// BuildBody 生成请求体。只转义反斜杠、双引号和换行，其他控制字符原样保留
func BuildBody(prompt string) string {
	return `{"contents":[{"parts":[{"text":"` + bodyEscaper.Replace(prompt) + `"}]}]}`
}

func isJSON(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "application/json"
}
