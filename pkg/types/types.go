// Package types 定義了 offline-sync 系統中使用的核心領域模型
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionID 動作唯一識別碼（type + 單調時間戳 + 隨機後綴）
type ActionID string

// ActionType 動作類型，決定由哪個 handler 套用到遠端
type ActionType string

// 封閉的動作類型集合
const (
	ActionAddFavorite    ActionType = "ADD_FAVORITE"    // 加入收藏
	ActionRemoveFavorite ActionType = "REMOVE_FAVORITE" // 移除收藏
	ActionSyncFavorites  ActionType = "SYNC_FAVORITES"  // 以本地完整集合覆蓋遠端
)

// KnownActionTypes lists every action type this build can enqueue.
var KnownActionTypes = []ActionType{
	ActionAddFavorite,
	ActionRemoveFavorite,
	ActionSyncFavorites,
}

// Valid reports whether t belongs to the closed set of action types.
func (t ActionType) Valid() bool {
	for _, known := range KnownActionTypes {
		if t == known {
			return true
		}
	}
	return false
}

// DefaultMaxRetries 預設最大重試次數
const DefaultMaxRetries = 3

// QueuedAction 佇列中的一個待同步動作
type QueuedAction struct {
	// 識別與資料
	ID      ActionID        `json:"id"`      // 建立後不可變
	Type    ActionType      `json:"type"`    // 動作類型
	Payload json.RawMessage `json:"payload"` // 對引擎不透明，由功能模組解碼

	// 時間（Unix 毫秒）
	Timestamp     int64 `json:"timestamp"`                 // 入列時間，只設定一次
	LastAttemptAt int64 `json:"last_attempt_at,omitempty"` // 最近一次失敗嘗試時間

	// 重試追蹤
	Retries    int    `json:"retries"`              // 失敗次數
	MaxRetries int    `json:"max_retries"`          // 重試上限
	LastError  string `json:"last_error,omitempty"` // 最近一次失敗原因
}

// EnqueuedAt returns the enqueue time.
func (a QueuedAction) EnqueuedAt() time.Time {
	return time.UnixMilli(a.Timestamp)
}

// Exhausted reports whether the action already used up its retry budget.
func (a QueuedAction) Exhausted() bool {
	return a.Retries >= a.MaxRetries
}

// DecodePayload unmarshals the opaque payload into v.
func (a QueuedAction) DecodePayload(v any) error {
	if len(a.Payload) == 0 {
		return fmt.Errorf("action %s has empty payload", a.ID)
	}
	if err := json.Unmarshal(a.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", a.Type, err)
	}
	return nil
}

// EnqueueRequest 功能模組提交給引擎的入列請求
type EnqueueRequest struct {
	Type       ActionType
	Payload    any // 會被序列化為 JSON
	MaxRetries int // <= 0 時使用引擎預設值
}

// Outcome 單次 handler 呼叫的結果（三態）
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"  // 成功套用，從佇列移除
	OutcomeRetry    Outcome = "retry"    // 暫時性失敗，可重試
	OutcomeRejected Outcome = "rejected" // 永久性失敗，不再重試
)

// TerminalReason 動作被終止（移出佇列但未套用）的原因
type TerminalReason string

const (
	ReasonExhausted      TerminalReason = "EXHAUSTED"       // 重試次數用盡
	ReasonRejected       TerminalReason = "REJECTED"        // handler 回報永久性失敗
	ReasonMissingHandler TerminalReason = "MISSING_HANDLER" // 沒有註冊對應的 handler
)

// SyncStatus 對 UI 公開的粗粒度同步狀態
type SyncStatus string

const (
	StatusIdle    SyncStatus = "idle"
	StatusSyncing SyncStatus = "syncing"
	StatusError   SyncStatus = "error"
)

// DrainReport 一次 drain 的統計結果
type DrainReport struct {
	Skipped   bool          `json:"skipped"`   // 已有 drain 進行中，本次為 no-op
	Snapshot  int           `json:"snapshot"`  // 快照中的動作數
	Applied   int           `json:"applied"`   // 成功
	Retried   int           `json:"retried"`   // 重新排隊
	Terminal  int           `json:"terminal"`  // 終止失敗（已移除）
	Deferred  int           `json:"deferred"`  // 退避未到期或被取消而未處理
	Remaining int           `json:"remaining"` // drain 結束後佇列長度
	Persisted bool          `json:"persisted"` // 是否成功持久化
	Duration  time.Duration `json:"duration"`
}

// QueueDocument 持久化格式，SchemaVer 用於向後相容
type QueueDocument struct {
	SchemaVer int            `json:"schema_version"`
	Actions   []QueuedAction `json:"actions"`
}

// CurrentSchemaVersion 目前的持久化格式版本
const CurrentSchemaVersion = 1
