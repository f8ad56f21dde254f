package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType 事件类型
type EventType string

const (
	// 流式请求生命周期事件
	EventStreamStarted   EventType = "stream.started"
	EventStreamCompleted EventType = "stream.completed"
	EventStreamFailed    EventType = "stream.failed"
)

// Event 事件接口
type Event interface {
	// GetType 获取事件类型
	GetType() EventType

	// GetTimestamp 获取时间戳（Unix 毫秒）
	GetTimestamp() int64

	// GetData 获取事件数据
	GetData() map[string]interface{}
}

// BaseEvent 基础事件实现
type BaseEvent struct {
	Type      EventType              `json:"type"`
	Timestamp int64                  `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

func (e *BaseEvent) GetType() EventType              { return e.Type }
func (e *BaseEvent) GetTimestamp() int64             { return e.Timestamp }
func (e *BaseEvent) GetData() map[string]interface{} { return e.Data }

// NewEvent 创建新事件
func NewEvent(eventType EventType, data map[string]interface{}) Event {
	if data == nil {
		data = make(map[string]interface{})
	}
	return &BaseEvent{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
		Data:      data,
	}
}

// EventHandler 事件处理器函数
type EventHandler func(ctx context.Context, event Event) error

// EventFilter 事件过滤器函数
type EventFilter func(event Event) bool

// MiddlewareFunc 中间件函数
type MiddlewareFunc func(next EventHandler) EventHandler

// Subscription 事件订阅
type Subscription struct {
	ID        string
	EventType EventType // 空字符串表示全局订阅
	Handler   EventHandler
	Filters   []EventFilter
}

// SubscriptionOptions 订阅选项
type SubscriptionOptions struct {
	Filters []EventFilter // 过滤器链，全部通过才执行
}

// Stats 事件总线统计信息
type Stats struct {
	EventsPublished  int64
	HandlersRun      int64
	HandlersFailed   int64
	SubscribersCount int
	LastError        string
}

// EventBus 同步事件总线。
//
// Publish 在调用者的 goroutine 上依次执行所有匹配的处理器，返回时所有处理器都已结束，
// 进程退出前不会丢事件。
type EventBus struct {
	mu                sync.RWMutex
	subscribers       map[EventType][]*Subscription
	globalSubscribers []*Subscription
	middlewares       []MiddlewareFunc

	statsMu sync.Mutex
	stats   Stats
}

// NewEventBus 创建事件总线
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[EventType][]*Subscription),
	}
}

// Subscribe 订阅事件
func (bus *EventBus) Subscribe(eventType EventType, handler EventHandler) string {
	return bus.SubscribeWithOptions(eventType, handler, nil)
}

// SubscribeWithOptions 使用选项订阅事件
func (bus *EventBus) SubscribeWithOptions(eventType EventType, handler EventHandler, options *SubscriptionOptions) string {
	if options == nil {
		options = &SubscriptionOptions{}
	}
	sub := &Subscription{
		ID:        uuid.New().String(),
		EventType: eventType,
		Handler:   handler,
		Filters:   options.Filters,
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()

	if eventType == "" {
		bus.globalSubscribers = append(bus.globalSubscribers, sub)
	} else {
		bus.subscribers[eventType] = append(bus.subscribers[eventType], sub)
	}
	bus.addSubscriberCount(1)
	return sub.ID
}

// SubscribeGlobal 全局订阅，filters 为空时监听所有事件
func (bus *EventBus) SubscribeGlobal(handler EventHandler, filters ...EventFilter) string {
	return bus.SubscribeWithOptions("", handler, &SubscriptionOptions{Filters: filters})
}

// Unsubscribe 取消订阅，返回是否找到该订阅
func (bus *EventBus) Unsubscribe(subID string) bool {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	return bus.removeLocked(subID)
}

func (bus *EventBus) removeLocked(subID string) bool {
	for eventType, subs := range bus.subscribers {
		for i, sub := range subs {
			if sub.ID == subID {
				bus.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				bus.addSubscriberCount(-1)
				return true
			}
		}
	}
	for i, sub := range bus.globalSubscribers {
		if sub.ID == subID {
			bus.globalSubscribers = append(bus.globalSubscribers[:i:i], bus.globalSubscribers[i+1:]...)
			bus.addSubscriberCount(-1)
			return true
		}
	}
	return false
}

// Use 添加中间件，先添加的在最外层
func (bus *EventBus) Use(middleware MiddlewareFunc) {
	bus.mu.Lock()
	defer bus.mu.Unlock()
	bus.middlewares = append(bus.middlewares, middleware)
}

// Publish 发布事件并等待所有处理器完成
func (bus *EventBus) Publish(ctx context.Context, eventType EventType, data map[string]interface{}) error {
	return bus.PublishEvent(ctx, NewEvent(eventType, data))
}

// PublishEvent 发布事件对象。处理器的错误会合并返回，不影响其他处理器执行
func (bus *EventBus) PublishEvent(ctx context.Context, event Event) error {
	bus.statsMu.Lock()
	bus.stats.EventsPublished++
	bus.statsMu.Unlock()

	subs, middlewares := bus.match(event)

	var errs []error
	for _, sub := range subs {
		handler := sub.Handler
		for i := len(middlewares) - 1; i >= 0; i-- {
			handler = middlewares[i](handler)
		}

		err := handler(ctx, event)

		bus.statsMu.Lock()
		bus.stats.HandlersRun++
		if err != nil {
			bus.stats.HandlersFailed++
			bus.stats.LastError = err.Error()
		}
		bus.statsMu.Unlock()

		if err != nil {
			errs = append(errs, fmt.Errorf("%s handler %s: %w", event.GetType(), sub.ID, err))
		}
	}
	return errors.Join(errs...)
}

// match 收集匹配的订阅者
func (bus *EventBus) match(event Event) ([]*Subscription, []MiddlewareFunc) {
	bus.mu.RLock()
	defer bus.mu.RUnlock()

	var matched []*Subscription
	candidates := append(append([]*Subscription(nil), bus.globalSubscribers...), bus.subscribers[event.GetType()]...)
	for _, sub := range candidates {
		if sub.Handler == nil || !checkFilters(sub, event) {
			continue
		}
		matched = append(matched, sub)
	}
	return matched, append([]MiddlewareFunc(nil), bus.middlewares...)
}

func checkFilters(sub *Subscription, event Event) bool {
	for _, filter := range sub.Filters {
		if !filter(event) {
			return false
		}
	}
	return true
}

func (bus *EventBus) addSubscriberCount(delta int) {
	bus.statsMu.Lock()
	bus.stats.SubscribersCount += delta
	bus.statsMu.Unlock()
}

// GetStats 获取统计信息副本
func (bus *EventBus) GetStats() Stats {
	bus.statsMu.Lock()
	defer bus.statsMu.Unlock()
	return bus.stats
}
