// Package storage 记录每次请求的用量（不保存提示词和回复内容）
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yukin371/streamgate/internal/eventbus"
	"github.com/yukin371/streamgate/pkg/utils"
)

// 请求状态
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Record 一次请求的用量记录
type Record struct {
	ID           string
	Provider     string
	Model        string
	Status       string
	FinishedAt   time.Time
	Duration     time.Duration
	InputTokens  int
	OutputTokens int
	Chunks       int
	StatusCode   int // 失败时后端返回的 HTTP 状态码，没有则为 0
	Error        string
}

// Summary 按 provider/model 聚合的用量
type Summary struct {
	Provider     string
	Model        string
	Requests     int
	Failed       int
	InputTokens  int
	OutputTokens int
	Chunks       int
	TotalTime    time.Duration
}

// SQLiteStore SQLite 用量账本
type SQLiteStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	closed bool
}

// NewSQLiteStore 打开（或创建）dbPath 处的账本
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	// 确保数据目录存在
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := utils.EnsureDir(dir); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite 不支持并发写入
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// initSchema 初始化数据库表结构
func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS requests (
		id TEXT PRIMARY KEY,
		provider TEXT NOT NULL,
		model TEXT NOT NULL,
		status TEXT NOT NULL,
		finished_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		input_tokens INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		chunks INTEGER NOT NULL,
		status_code INTEGER NOT NULL DEFAULT 0,
		error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_requests_provider_model ON requests(provider, model);
	CREATE INDEX IF NOT EXISTS idx_requests_finished_at ON requests(finished_at);
	`

	_, err := db.Exec(schema)
	return err
}

// Save 写入一条记录，ID 相同则覆盖
func (s *SQLiteStore) Save(ctx context.Context, r Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStorageClosed
	}
	if r.ID == "" || r.Provider == "" {
		return fmt.Errorf("%w: record needs id and provider", ErrInvalidData)
	}

	query := `
		INSERT OR REPLACE INTO requests
		(id, provider, model, status, finished_at, duration_ms, input_tokens, output_tokens, chunks, status_code, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		r.ID,
		r.Provider,
		r.Model,
		r.Status,
		r.FinishedAt.UnixMilli(),
		r.Duration.Milliseconds(),
		r.InputTokens,
		r.OutputTokens,
		r.Chunks,
		r.StatusCode,
		nullString(r.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to save record: %w", err)
	}
	return nil
}

// Load 按 ID 读取一条记录
func (s *SQLiteStore) Load(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStorageClosed
	}

	query := `
		SELECT id, provider, model, status, finished_at, duration_ms, input_tokens, output_tokens, chunks, status_code, error
		FROM requests
		WHERE id = ?
	`
	var r Record
	var finishedAt, durationMS int64
	var errText sql.NullString
	err := s.db.QueryRowContext(ctx, query, id).Scan(&r.ID, &r.Provider, &r.Model, &r.Status,
		&finishedAt, &durationMS, &r.InputTokens, &r.OutputTokens, &r.Chunks, &r.StatusCode, &errText)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("%w: %s", ErrRecordNotFound, id)
		}
		return nil, fmt.Errorf("failed to load record: %w", err)
	}

	r.FinishedAt = time.UnixMilli(finishedAt)
	r.Duration = time.Duration(durationMS) * time.Millisecond
	r.Error = errText.String
	return &r, nil
}

// Summaries 返回按 provider、model 排序的聚合用量
func (s *SQLiteStore) Summaries(ctx context.Context) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStorageClosed
	}

	query := `
		SELECT provider, model, COUNT(*),
			COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
			COALESCE(SUM(chunks), 0), COALESCE(SUM(duration_ms), 0)
		FROM requests
		GROUP BY provider, model
		ORDER BY provider, model
	`
	rows, err := s.db.QueryContext(ctx, query, StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var sum Summary
		var totalMS int64
		if err := rows.Scan(&sum.Provider, &sum.Model, &sum.Requests, &sum.Failed,
			&sum.InputTokens, &sum.OutputTokens, &sum.Chunks, &totalMS); err != nil {
			return nil, fmt.Errorf("failed to scan usage: %w", err)
		}
		sum.TotalTime = time.Duration(totalMS) * time.Millisecond
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Attach 订阅流完成/失败事件并写入账本。返回的函数取消订阅，须在 Close 之前调用
func (s *SQLiteStore) Attach(bus *eventbus.EventBus) (detach func()) {
	id := bus.SubscribeGlobal(func(ctx context.Context, event eventbus.Event) error {
		status := StatusCompleted
		if event.GetType() == eventbus.EventStreamFailed {
			status = StatusFailed
		}
		info := eventbus.StreamInfoFrom(event)
		return s.Save(ctx, Record{
			ID:           info.RequestID,
			Provider:     info.Provider,
			Model:        info.Model,
			Status:       status,
			FinishedAt:   time.UnixMilli(event.GetTimestamp()),
			Duration:     info.Duration,
			InputTokens:  info.InputTokens,
			OutputTokens: info.OutputTokens,
			Chunks:       info.Chunks,
			StatusCode:   info.StatusCode,
			Error:        info.Error,
		})
	}, eventbus.FilterFinished())

	return func() { bus.Unsubscribe(id) }
}

// Close 关闭数据库
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
