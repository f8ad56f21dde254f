package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yukin371/streamgate/internal/core"
)

// State 表示一次请求的生命周期状态
type State int

const (
	StateCreated   State = iota // 已创建，尚未收到数据
	StateStreaming              // 正在接收数据块
	StateCompleted              // 正常结束
	StateFailed                 // 失败
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

var errUnknownFailure = errors.New("stream failed without an error")

// Handle is one in-flight streaming call. It implements core.Sink and resolves exactly
// once; callbacks after the terminal transition are ignored.
type Handle struct {
	id      string
	created time.Time
	emit    core.ChunkFunc

	mu     sync.Mutex
	state  State
	buf    strings.Builder
	chunks int

	done    chan struct{}
	outcome core.ChatOutcome
	err     error
}

// NewHandle creates a handle that forwards every chunk to emit before recording it.
// emit may be nil.
func NewHandle(emit core.ChunkFunc) *Handle {
	return &Handle{
		id:      uuid.New().String(),
		created: time.Now(),
		emit:    emit,
		state:   StateCreated,
		done:    make(chan struct{}),
	}
}

// ID 返回请求 ID
func (h *Handle) ID() string { return h.id }

// State 返回当前状态
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Chunks 返回已接收的数据块数量
func (h *Handle) Chunks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.chunks
}

// Done is closed when the handle reaches a terminal state.
func (h *Handle) Done() <-chan struct{} { return h.done }

// OnChunk implements core.Sink.
func (h *Handle) OnChunk(text string) {
	if text == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.Terminal() {
		return
	}
	h.state = StateStreaming

	// 先输出再累积；持锁调用保证每个数据块完整、按顺序写出
	if h.emit != nil {
		h.emit(text)
	}
	h.buf.WriteString(text)
	h.chunks++
}

// OnComplete implements core.Sink.
func (h *Handle) OnComplete() {
	h.resolve(nil)
}

// OnError implements core.Sink.
func (h *Handle) OnError(err error) {
	if err == nil {
		err = errUnknownFailure
	}
	h.resolve(err)
}

func (h *Handle) resolve(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.Terminal() {
		return
	}

	if err != nil {
		h.state = StateFailed
		h.err = err
	} else {
		text := h.buf.String()
		h.state = StateCompleted
		h.outcome = core.ChatOutcome{
			RequestID:          h.id,
			FullText:           text,
			ApproxOutputTokens: core.ApproxTokens(text),
			Chunks:             h.chunks,
			Duration:           time.Since(h.created),
		}
	}
	close(h.done)
}

// Wait blocks until the handle resolves. If ctx ends first the handle is failed with
// ctx.Err(), unless it resolved concurrently.
func (h *Handle) Wait(ctx context.Context) (core.ChatOutcome, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		h.resolve(ctx.Err())
		<-h.done
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome, h.err
}
