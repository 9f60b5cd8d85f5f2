// ============================================================================
// offline-sync 動作佇列引擎 - 核心狀態機
// ============================================================================
//
// Package: internal/queue
// 文件: engine.go
// 功能: 持久化的離線變更佇列，在連線恢復時依序套用到遠端
//
// 動作狀態轉換 (State Machine):
//   pending (待處理)
//      ↓ Drain() 取快照
//   in-flight (執行中)
//      ↓ handler 結果
//   applied (移除) / retry-pending (retries+1 後回到 pending) / terminal (移除)
//
// 規則:
//   - Drain 同時最多一個（atomic guard），第二個呼叫直接返回 Skipped；
//     guard 持有到 terminal hook 與觀察者通知結束
//   - 每次 Drain 處理開始時的快照，期間新入列的動作留給下一次
//   - retries+1 >= maxRetries 時終止；載入時已達上限的動作不再呼叫 handler
//   - 找不到 handler 直接終止，不增加 retries
//   - 每次變更後整個佇列寫回儲存（write-through）；每次 Drain 只寫一次
//
// 並發安全:
//   - mu 保護 queue 與持久化順序（單一寫入者）
//   - handler 呼叫期間不持有 mu，Enqueue 可與 Drain 並行
//
// ============================================================================

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/ChuLiYu/offline-sync/internal/clock"
	"github.com/ChuLiYu/offline-sync/internal/registry"
	"github.com/ChuLiYu/offline-sync/internal/worker"
	"github.com/ChuLiYu/offline-sync/pkg/types"
)

// ============================================================================
// 錯誤定義
// ============================================================================

var (
	// ErrExhausted 動作在載入時已用盡重試次數
	ErrExhausted = errors.New("retry budget exhausted")
	// ErrInvalidPayload payload 無法序列化為 JSON
	ErrInvalidPayload = errors.New("invalid payload")
)

// Engine 動作佇列引擎
type Engine struct {
	mu     sync.Mutex
	queue  []types.QueuedAction
	lastTs int64

	draining atomic.Bool

	store    Store
	registry *registry.Registry
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	recorder Recorder

	observers []Observer

	hooksMu    sync.RWMutex
	onEnqueue  []EnqueueFunc
	onTerminal []TerminalFunc
}

// New 建立引擎；呼叫 Restore 載入持久化的佇列
func New(cfg Config, store Store, reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		registry: reg,
		cfg:      cfg.normalized(),
		clock:    clock.Real{},
		logger:   slog.Default(),
		recorder: nopRecorder{},
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "queue")
	return e
}

// Restore replaces the in-memory queue with the persisted one and returns its
// length. Call it once at startup, before the first Enqueue.
func (e *Engine) Restore(ctx context.Context) int {
	actions := e.store.Load(ctx)

	e.mu.Lock()
	e.queue = actions
	for _, a := range actions {
		if a.Timestamp > e.lastTs {
			e.lastTs = a.Timestamp
		}
	}
	n := len(e.queue)
	e.mu.Unlock()

	e.recorder.SetQueueDepth(n)
	e.logger.Info("queue restored", "pending", n)
	return n
}

// OnEnqueue registers fn to run after every successful Enqueue.
func (e *Engine) OnEnqueue(fn EnqueueFunc) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.onEnqueue = append(e.onEnqueue, fn)
}

// OnTerminal registers fn to run for every terminally failed action.
func (e *Engine) OnTerminal(fn TerminalFunc) {
	e.hooksMu.Lock()
	defer e.hooksMu.Unlock()
	e.onTerminal = append(e.onTerminal, fn)
}

// Enqueue 建立動作並寫入佇列，不等待送達
//
// 只有類型不在封閉集合或 payload 無法序列化時回傳錯誤；
// 持久化失敗只記錄日誌，動作仍保留在記憶體佇列中。
func (e *Engine) Enqueue(ctx context.Context, req types.EnqueueRequest) (types.QueuedAction, error) {
	if !req.Type.Valid() {
		return types.QueuedAction{}, fmt.Errorf("enqueue %q: %w", req.Type, registry.ErrUnknownActionType)
	}
	payload, err := marshalPayload(req.Payload)
	if err != nil {
		return types.QueuedAction{}, fmt.Errorf("enqueue %s: %w", req.Type, err)
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.cfg.MaxRetries
	}

	e.mu.Lock()
	ts := e.nextTimestamp()
	action := types.QueuedAction{
		ID:         newActionID(req.Type, ts),
		Type:       req.Type,
		Payload:    payload,
		Timestamp:  ts,
		MaxRetries: maxRetries,
	}
	e.queue = append(e.queue, action)
	depth := len(e.queue)
	saveErr := e.store.Save(context.WithoutCancel(ctx), cloneQueue(e.queue))
	e.mu.Unlock()

	if saveErr != nil {
		e.recorder.RecordPersistFailure()
		e.logger.Warn("enqueue not persisted, keeping in memory",
			"action_id", action.ID, "error", saveErr)
	}
	e.recorder.RecordEnqueue(action.Type)
	e.recorder.SetQueueDepth(depth)
	e.logger.Debug("action enqueued", "action_id", action.ID, "type", action.Type, "pending", depth)

	e.hooksMu.RLock()
	listeners := append([]EnqueueFunc(nil), e.onEnqueue...)
	e.hooksMu.RUnlock()
	for _, fn := range listeners {
		fn(action)
	}
	return action, nil
}

// terminalEvent 一次 drain 中被終止的動作
type terminalEvent struct {
	action types.QueuedAction
	reason types.TerminalReason
	cause  error
}

// Drain 對當前佇列快照執行一次完整的送達嘗試
func (e *Engine) Drain(ctx context.Context) types.DrainReport {
	if !e.draining.CompareAndSwap(false, true) {
		e.logger.Debug("drain already in progress, skipping")
		return types.DrainReport{Skipped: true, Remaining: e.Len()}
	}
	// terminal hook 與觀察者通知結束後才釋放
	defer e.draining.Store(false)

	report, terminals := e.drainPass(ctx)

	for _, ev := range terminals {
		e.recorder.RecordTerminal(ev.action.Type, ev.reason)
	}
	e.recorder.RecordDrain(report)
	e.recorder.SetQueueDepth(report.Remaining)

	e.hooksMu.RLock()
	hooks := append([]TerminalFunc(nil), e.onTerminal...)
	e.hooksMu.RUnlock()
	for _, ev := range terminals {
		for _, fn := range hooks {
			fn(ctx, ev.action, ev.reason, ev.cause)
		}
	}
	for _, o := range e.observers {
		o.DrainFinished(report)
	}
	return report
}

func (e *Engine) drainPass(ctx context.Context) (types.DrainReport, []terminalEvent) {
	start := e.clock.Now()

	e.mu.Lock()
	snapshot := cloneQueue(e.queue)
	e.mu.Unlock()

	for _, o := range e.observers {
		o.DrainStarted(len(snapshot))
	}

	report := types.DrainReport{Snapshot: len(snapshot)}
	if len(snapshot) == 0 {
		report.Persisted = true
		report.Duration = e.clock.Now().Sub(start)
		return report, nil
	}

	removed := make(map[types.ActionID]bool)
	updated := make(map[types.ActionID]types.QueuedAction)
	var terminals []terminalEvent

	terminate := func(a types.QueuedAction, reason types.TerminalReason, cause error) {
		removed[a.ID] = true
		terminals = append(terminals, terminalEvent{action: a, reason: reason, cause: cause})
		report.Terminal++
	}

pass:
	for i, action := range snapshot {
		if ctx.Err() != nil {
			report.Deferred += len(snapshot) - i
			break
		}
		now := e.clock.Now()
		if !e.cfg.Backoff.Due(action, now) {
			report.Deferred++
			continue
		}
		if action.Exhausted() {
			e.logger.Warn("dropping action with exhausted retries",
				"action_id", action.ID, "type", action.Type, "retries", action.Retries)
			terminate(action, types.ReasonExhausted, ErrExhausted)
			continue
		}

		handler, ok := e.registry.Lookup(action.Type)
		if !ok {
			err := fmt.Errorf("%w for %s", registry.ErrMissingHandler, action.Type)
			e.logger.Error("no handler registered, dropping action (configuration error)",
				"action_id", action.ID, "type", action.Type)
			terminate(action, types.ReasonMissingHandler, err)
			continue
		}

		res := worker.Execute(ctx, worker.Task{
			Action:  action,
			Handler: handler,
			Timeout: e.cfg.HandlerTimeout,
		})
		e.recorder.RecordAttempt(action.Type, res.Outcome, res.Duration)

		switch res.Outcome {
		case types.OutcomeApplied:
			removed[action.ID] = true
			report.Applied++
			e.logger.Debug("action applied", "action_id", action.ID, "latency", res.Duration)

		case types.OutcomeRejected:
			e.logger.Warn("action rejected by remote, dropping",
				"action_id", action.ID, "type", action.Type, "error", res.Err)
			terminate(action, types.ReasonRejected, res.Err)

		default:
			// drain 本身被取消：這次失敗不算在動作頭上
			if ctx.Err() != nil {
				report.Deferred += len(snapshot) - i
				e.logger.Info("drain cancelled", "remaining_in_pass", len(snapshot)-i)
				break pass
			}
			next := action
			next.Retries++
			next.LastAttemptAt = now.UnixMilli()
			if res.Err != nil {
				next.LastError = res.Err.Error()
			}
			if next.Retries >= next.MaxRetries {
				e.logger.Warn("action failed permanently after retries",
					"action_id", action.ID, "type", action.Type,
					"retries", next.Retries, "error", res.Err)
				terminate(next, types.ReasonExhausted, res.Err)
				continue
			}
			updated[action.ID] = next
			report.Retried++
			e.logger.Info("action failed, will retry",
				"action_id", action.ID, "retries", next.Retries,
				"max_retries", next.MaxRetries, "error", res.Err)
		}
	}

	e.mu.Lock()
	merged := make([]types.QueuedAction, 0, len(e.queue))
	for _, a := range e.queue {
		if removed[a.ID] {
			continue
		}
		if u, ok := updated[a.ID]; ok {
			merged = append(merged, u)
			continue
		}
		merged = append(merged, a)
	}
	e.queue = merged
	report.Remaining = len(merged)
	saveErr := e.store.Save(context.WithoutCancel(ctx), cloneQueue(merged))
	e.mu.Unlock()

	report.Persisted = saveErr == nil
	if saveErr != nil {
		e.recorder.RecordPersistFailure()
		e.logger.Warn("drain result not persisted, keeping in memory", "error", saveErr)
	}
	report.Duration = e.clock.Now().Sub(start)

	e.logger.Info("drain finished",
		"snapshot", report.Snapshot,
		"applied", report.Applied,
		"retried", report.Retried,
		"terminal", report.Terminal,
		"deferred", report.Deferred,
		"remaining", report.Remaining,
		"duration", report.Duration)
	return report, terminals
}

// Pending 回傳目前佇列的副本（依入列順序）
func (e *Engine) Pending() []types.QueuedAction {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneQueue(e.queue)
}

// Len 回傳目前佇列長度
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}

// Draining reports whether a drain pass is running.
func (e *Engine) Draining() bool {
	return e.draining.Load()
}

// nextTimestamp 回傳嚴格遞增的毫秒時間戳，呼叫時需持有 mu
func (e *Engine) nextTimestamp() int64 {
	ts := e.clock.Now().UnixMilli()
	if ts <= e.lastTs {
		ts = e.lastTs + 1
	}
	e.lastTs = ts
	return ts
}

func newActionID(t types.ActionType, ts int64) types.ActionID {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return types.ActionID(fmt.Sprintf("%s-%d-%s", strings.ToLower(string(t)), ts, suffix))
}

func marshalPayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, ErrInvalidPayload
		}
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		if !json.Valid(p) {
			return nil, ErrInvalidPayload
		}
		return append(json.RawMessage(nil), p...), nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return data, nil
}

func cloneQueue(q []types.QueuedAction) []types.QueuedAction {
	out := make([]types.QueuedAction, len(q))
	copy(out, q)
	return out
}
