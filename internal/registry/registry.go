// Package registry maps action types to the handlers that apply them to the
// remote store.
//
// Handlers MUST be idempotent: an action can be delivered more than once when a
// handler succeeds remotely but the local persist that records the success
// fails.
package registry

// ============================================================================
// Handler 註冊表
// 職責：
// 1. 維護 ActionType → Handler 的對應（封閉集合）
// 2. 啟動時驗證所有已知類型都有 handler
// 3. 將 handler 的錯誤分類為 applied / retry / rejected
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ChuLiYu/offline-sync/pkg/types"
)

var (
	// ErrUnknownActionType 動作類型不在封閉集合中
	ErrUnknownActionType = errors.New("unknown action type")
	// ErrDuplicateHandler 同一類型重複註冊
	ErrDuplicateHandler = errors.New("handler already registered")
	// ErrMissingHandler 已知類型缺少 handler
	ErrMissingHandler = errors.New("missing handler")
	// ErrNotApplied is returned by BoolHandler when the wrapped function
	// reports false without an error.
	ErrNotApplied = errors.New("handler reported not applied")
)

// Handler applies one queued action to the remote store.
//
// A nil error means applied. An error wrapped with Permanent, or one whose
// ErrorKind is validation, rejected or not_found, means the action can never
// succeed. Any other error is retried.
type Handler interface {
	Apply(ctx context.Context, action types.QueuedAction) error
}

// HandlerFunc 讓普通函式實作 Handler
type HandlerFunc func(ctx context.Context, action types.QueuedAction) error

// Apply calls f.
func (f HandlerFunc) Apply(ctx context.Context, action types.QueuedAction) error {
	return f(ctx, action)
}

// BoolHandler adapts a handler with a boolean result. false and a non-nil
// error are both retryable failures.
func BoolHandler(fn func(ctx context.Context, action types.QueuedAction) (bool, error)) Handler {
	return HandlerFunc(func(ctx context.Context, action types.QueuedAction) error {
		ok, err := fn(ctx, action)
		if err != nil {
			return err
		}
		if !ok {
			return ErrNotApplied
		}
		return nil
	})
}

// Registry 動作類型到 handler 的對應表
type Registry struct {
	mu       sync.RWMutex
	handlers map[types.ActionType]Handler
}

// New 建立空的註冊表
func New() *Registry {
	return &Registry{handlers: make(map[types.ActionType]Handler)}
}

// Register installs handler for actionType.
func (r *Registry) Register(actionType types.ActionType, handler Handler) error {
	if !actionType.Valid() {
		return fmt.Errorf("register %q: %w", actionType, ErrUnknownActionType)
	}
	if handler == nil {
		return fmt.Errorf("register %q: nil handler", actionType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[actionType]; exists {
		return fmt.Errorf("register %q: %w", actionType, ErrDuplicateHandler)
	}
	r.handlers[actionType] = handler
	return nil
}

// MustRegister 同 Register，失敗時 panic（只用於程式啟動）
func (r *Registry) MustRegister(actionType types.ActionType, handler Handler) {
	if err := r.Register(actionType, handler); err != nil {
		panic(err)
	}
}

// Lookup 取得 handler，不存在時 ok 為 false
func (r *Registry) Lookup(actionType types.ActionType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	return h, ok
}

// Validate reports every known action type without a handler.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var errs []error
	for _, t := range types.KnownActionTypes {
		if _, ok := r.handlers[t]; !ok {
			errs = append(errs, fmt.Errorf("%w for %s", ErrMissingHandler, t))
		}
	}
	return errors.Join(errs...)
}

// Types 回傳已註冊的類型（排序後）
func (r *Registry) Types() []types.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.ActionType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
