// Package storage 提供 SQLite 存储测试
package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/yukin371/streamgate/internal/eventbus"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "data", "usage.db"))
	if err != nil {
		t.Fatalf("Failed to create SQLite store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStore(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t.Run("Initialize", func(t *testing.T) {
		if store.db == nil {
			t.Error("Database not initialized")
		}
	})

	t.Run("SaveAndLoad", func(t *testing.T) {
		finished := time.UnixMilli(1718000000123)
		rec := Record{
			ID:           "req-1",
			Provider:     "gemini",
			Model:        "gemini-pro",
			Status:       StatusCompleted,
			FinishedAt:   finished,
			Duration:     1500 * time.Millisecond,
			InputTokens:  12,
			OutputTokens: 40,
			Chunks:       5,
		}
		if err := store.Save(ctx, rec); err != nil {
			t.Fatalf("Failed to save record: %v", err)
		}

		got, err := store.Load(ctx, "req-1")
		if err != nil {
			t.Fatalf("Failed to load record: %v", err)
		}
		if got.Provider != "gemini" || got.Model != "gemini-pro" || got.Status != StatusCompleted {
			t.Errorf("Unexpected record: %+v", got)
		}
		if !got.FinishedAt.Equal(finished) {
			t.Errorf("Expected finished_at %v, got %v", finished, got.FinishedAt)
		}
		if got.Duration != 1500*time.Millisecond {
			t.Errorf("Expected duration 1.5s, got %v", got.Duration)
		}
		if got.OutputTokens != 40 || got.Chunks != 5 || got.Error != "" {
			t.Errorf("Unexpected counters: %+v", got)
		}
	})

	t.Run("LoadMissing", func(t *testing.T) {
		_, err := store.Load(ctx, "nope")
		if !errors.Is(err, ErrRecordNotFound) {
			t.Errorf("Expected ErrRecordNotFound, got %v", err)
		}
	})

	t.Run("RejectInvalid", func(t *testing.T) {
		err := store.Save(ctx, Record{Provider: "gemini"})
		if !errors.Is(err, ErrInvalidData) {
			t.Errorf("Expected ErrInvalidData, got %v", err)
		}
	})
}

func TestSummaries(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	records := []Record{
		{ID: "a", Provider: "bedrock", Model: "m1", Status: StatusCompleted, InputTokens: 10, OutputTokens: 20, Chunks: 3, Duration: time.Second},
		{ID: "b", Provider: "bedrock", Model: "m1", Status: StatusFailed, InputTokens: 5, Duration: 500 * time.Millisecond, Error: "throttled"},
		{ID: "c", Provider: "gemini", Model: "gemini-pro", Status: StatusCompleted, InputTokens: 1, OutputTokens: 2, Chunks: 1},
	}
	for _, r := range records {
		r.FinishedAt = time.Now()
		if err := store.Save(ctx, r); err != nil {
			t.Fatalf("Failed to save %s: %v", r.ID, err)
		}
	}

	sums, err := store.Summaries(ctx)
	if err != nil {
		t.Fatalf("Summaries() error = %v", err)
	}
	if len(sums) != 2 {
		t.Fatalf("Expected 2 groups, got %d", len(sums))
	}

	b := sums[0]
	if b.Provider != "bedrock" || b.Requests != 2 || b.Failed != 1 {
		t.Errorf("Unexpected bedrock summary: %+v", b)
	}
	if b.InputTokens != 15 || b.OutputTokens != 20 || b.Chunks != 3 {
		t.Errorf("Unexpected bedrock totals: %+v", b)
	}
	if b.TotalTime != 1500*time.Millisecond {
		t.Errorf("Expected 1.5s total, got %v", b.TotalTime)
	}
	if sums[1].Provider != "gemini" || sums[1].Requests != 1 {
		t.Errorf("Unexpected gemini summary: %+v", sums[1])
	}
}

func TestAttachRecordsLifecycleEvents(t *testing.T) {
	store := newTestStore(t)
	bus := eventbus.NewEventBus()
	detach := store.Attach(bus)
	ctx := context.Background()

	info := eventbus.StreamInfo{RequestID: "ok", Provider: "openai", Model: "gpt-4o", OutputTokens: 7, Chunks: 2, Duration: 20 * time.Millisecond}
	if err := bus.PublishStreamCompleted(ctx, info); err != nil {
		t.Fatalf("publish completed: %v", err)
	}
	info.RequestID = "bad"
	info.StatusCode = 500
	if err := bus.PublishStreamFailed(ctx, info, errors.New("HTTP 500")); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	// started events are not recorded
	if err := bus.PublishStreamStarted(ctx, eventbus.StreamInfo{RequestID: "pending", Provider: "openai"}); err != nil {
		t.Fatalf("publish started: %v", err)
	}

	ok, err := store.Load(ctx, "ok")
	if err != nil {
		t.Fatalf("Load(ok) error = %v", err)
	}
	if ok.Status != StatusCompleted || ok.OutputTokens != 7 {
		t.Errorf("Unexpected record: %+v", ok)
	}

	bad, err := store.Load(ctx, "bad")
	if err != nil {
		t.Fatalf("Load(bad) error = %v", err)
	}
	if bad.Status != StatusFailed || bad.Error != "HTTP 500" || bad.StatusCode != 500 {
		t.Errorf("Unexpected record: %+v", bad)
	}

	if _, err := store.Load(ctx, "pending"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Expected started event to be ignored, got %v", err)
	}

	// 取消订阅后不再记录
	detach()
	if got := bus.GetStats().SubscribersCount; got != 0 {
		t.Errorf("Expected 0 subscribers after detach, got %d", got)
	}
	if err := bus.PublishStreamCompleted(ctx, eventbus.StreamInfo{RequestID: "late", Provider: "openai"}); err != nil {
		t.Fatalf("publish late: %v", err)
	}
	if _, err := store.Load(ctx, "late"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Expected detached store to ignore events, got %v", err)
	}
}

func TestClosedStore(t *testing.T) {
	store := newTestStore(t)
	if err := store.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := store.Save(context.Background(), Record{ID: "x", Provider: "p"}); !errors.Is(err, ErrStorageClosed) {
		t.Errorf("Expected ErrStorageClosed, got %v", err)
	}
	// second close is a no-op
	if err := store.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
