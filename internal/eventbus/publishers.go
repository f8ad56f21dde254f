package eventbus

import (
	"context"
	"time"
)

// 流事件数据字段
const (
	KeyRequestID    = "request_id"
	KeyProvider     = "provider"
	KeyModel        = "model"
	KeyInputTokens  = "input_tokens"
	KeyOutputTokens = "output_tokens"
	KeyChunks       = "chunks"
	KeyDurationMS   = "duration_ms"
	KeyStatusCode   = "status_code"
	KeyError        = "error"
)

// StreamInfo 描述一次流式请求，是三种流事件的公共载荷
type StreamInfo struct {
	RequestID    string
	Provider     string
	Model        string
	InputTokens  int
	OutputTokens int
	Chunks       int
	Duration     time.Duration
	StatusCode   int // 后端返回的 HTTP 状态码，仅失败事件
	Error        string
}

// Data 转换为事件数据
func (s StreamInfo) Data() map[string]interface{} {
	data := map[string]interface{}{
		KeyRequestID:    s.RequestID,
		KeyProvider:     s.Provider,
		KeyModel:        s.Model,
		KeyInputTokens:  s.InputTokens,
		KeyOutputTokens: s.OutputTokens,
		KeyChunks:       s.Chunks,
		KeyDurationMS:   s.Duration.Milliseconds(),
	}
	if s.StatusCode != 0 {
		data[KeyStatusCode] = s.StatusCode
	}
	if s.Error != "" {
		data[KeyError] = s.Error
	}
	return data
}

// StreamInfoFrom 从事件数据还原 StreamInfo
func StreamInfoFrom(event Event) StreamInfo {
	data := event.GetData()
	str := func(k string) string {
		s, _ := data[k].(string)
		return s
	}
	num := func(k string) int64 {
		switch v := data[k].(type) {
		case int:
			return int64(v)
		case int64:
			return v
		case float64:
			return int64(v)
		}
		return 0
	}
	return StreamInfo{
		RequestID:    str(KeyRequestID),
		Provider:     str(KeyProvider),
		Model:        str(KeyModel),
		InputTokens:  int(num(KeyInputTokens)),
		OutputTokens: int(num(KeyOutputTokens)),
		Chunks:       int(num(KeyChunks)),
		Duration:     time.Duration(num(KeyDurationMS)) * time.Millisecond,
		StatusCode:   int(num(KeyStatusCode)),
		Error:        str(KeyError),
	}
}

// PublishStreamStarted 发布请求开始事件
func (bus *EventBus) PublishStreamStarted(ctx context.Context, info StreamInfo) error {
	return bus.Publish(ctx, EventStreamStarted, info.Data())
}

// PublishStreamCompleted 发布请求完成事件
func (bus *EventBus) PublishStreamCompleted(ctx context.Context, info StreamInfo) error {
	return bus.Publish(ctx, EventStreamCompleted, info.Data())
}

// PublishStreamFailed 发布请求失败事件
func (bus *EventBus) PublishStreamFailed(ctx context.Context, info StreamInfo, err error) error {
	if err != nil {
		info.Error = err.Error()
	}
	return bus.Publish(ctx, EventStreamFailed, info.Data())
}
