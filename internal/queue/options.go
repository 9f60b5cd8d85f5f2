package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChuLiYu/offline-sync/internal/clock"
	"github.com/ChuLiYu/offline-sync/pkg/types"
)

// Config 引擎設定
type Config struct {
	MaxRetries     int           // 入列請求未指定時的預設上限
	HandlerTimeout time.Duration // 單次 handler 呼叫上限，<= 0 表示不限制
	Backoff        Backoff       // 每個動作的指數退避，Base 為 0 時停用
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetries:     types.DefaultMaxRetries,
		HandlerTimeout: 15 * time.Second,
	}
}

func (c Config) normalized() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = types.DefaultMaxRetries
	}
	return c
}

// Store 是引擎持久化佇列所需的介面，storage.QueueStore 實作此介面
type Store interface {
	Load(ctx context.Context) []types.QueuedAction
	Save(ctx context.Context, actions []types.QueuedAction) error
}

// Observer is told when a drain pass starts and finishes.
type Observer interface {
	DrainStarted(snapshot int)
	DrainFinished(report types.DrainReport)
}

// Recorder receives engine metrics. metrics.Collector implements it.
type Recorder interface {
	RecordEnqueue(actionType types.ActionType)
	RecordAttempt(actionType types.ActionType, outcome types.Outcome, latency time.Duration)
	RecordTerminal(actionType types.ActionType, reason types.TerminalReason)
	RecordPersistFailure()
	RecordDrain(report types.DrainReport)
	SetQueueDepth(depth int)
}

// TerminalFunc is called once for every action removed without being applied.
type TerminalFunc func(ctx context.Context, action types.QueuedAction, reason types.TerminalReason, cause error)

// EnqueueFunc is called after an action has been appended and persisted.
type EnqueueFunc func(action types.QueuedAction)

// Option 引擎選項
type Option func(*Engine)

// WithClock 替換時間來源（測試用）
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger 設定日誌
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithObserver 加入 drain 觀察者
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observers = append(e.observers, o) }
}

// WithRecorder 設定指標記錄器
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

type nopRecorder struct{}

func (nopRecorder) RecordEnqueue(types.ActionType)                               {}
func (nopRecorder) RecordAttempt(types.ActionType, types.Outcome, time.Duration) {}
func (nopRecorder) RecordTerminal(types.ActionType, types.TerminalReason)        {}
func (nopRecorder) RecordPersistFailure()                                        {}
func (nopRecorder) RecordDrain(types.DrainReport)                                {}
func (nopRecorder) SetQueueDepth(int)                                            {}
