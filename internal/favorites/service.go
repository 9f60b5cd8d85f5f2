// Package favorites is the first feature built on the sync engine: a per-user
// set of favorite items mutated optimistically on the device and pushed to
// the remote store through the action queue.
package favorites

// ============================================================================
// 收藏功能服務
// 職責：
// 1. 先修改本地樂觀狀態，再入列對應動作
// 2. 為三種收藏動作註冊冪等的 handler
// 3. 動作終止失敗時執行補償回滾（可關閉）
// ============================================================================

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/offline-sync/internal/logging"
	"github.com/ChuLiYu/offline-sync/internal/registry"
	"github.com/ChuLiYu/offline-sync/internal/remote"
	"github.com/ChuLiYu/offline-sync/pkg/types"
)

// Queue 是服務入列與檢查待處理動作所需的介面，queue.Engine 實作此介面
type Queue interface {
	Enqueue(ctx context.Context, req types.EnqueueRequest) (types.QueuedAction, error)
	Pending() []types.QueuedAction
}

// Remote 遠端收藏服務，remote.Client 實作此介面
type Remote interface {
	Apply(ctx context.Context, action types.QueuedAction) (remote.ApplyResult, error)
	ListFavorites(ctx context.Context, userID string) ([]remote.Favorite, error)
}

// Config 收藏功能設定
type Config struct {
	RollbackOnFailure bool // 終止失敗時回滾本地狀態
	MaxRetries        int  // <= 0 使用引擎預設
}

// RollbackEvent 描述一次終止失敗對本地狀態的處理
type RollbackEvent struct {
	ActionID   types.ActionID
	ActionType types.ActionType
	UserID     string
	ItemID     string
	Reason     types.TerminalReason
	Reverted   bool   // 本地狀態是否已回滾
	Skipped    string // 未回滾的原因
	Cause      error
}

// Service 收藏功能服務
type Service struct {
	store  *Store
	queue  Queue
	remote Remote
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	listeners []func(RollbackEvent)

	// appliedMu 保護 applied：每個對象最後一次送達遠端的動作時間戳
	appliedMu sync.Mutex
	applied   map[target]int64
}

// NewService 建立收藏服務
func NewService(store *Store, q Queue, r Remote, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:   store,
		queue:   q,
		remote:  r,
		cfg:     cfg,
		logger:  logging.OrDefault(logger).With("component", "favorites"),
		now:     time.Now,
		applied: make(map[target]int64),
	}
}

// OnRollback registers fn to be told about every terminal failure handled by
// the service, reverted or not.
func (s *Service) OnRollback(fn func(RollbackEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// List 回傳本地（樂觀）收藏
func (s *Service) List(ctx context.Context, userID string) []Item {
	return s.store.List(ctx, userID)
}

// RemoteList 直接查詢遠端收藏
func (s *Service) RemoteList(ctx context.Context, userID string) ([]Item, error) {
	favs, err := s.remote.ListFavorites(ctx, userID)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(favs))
	for _, f := range favs {
		items = append(items, Item{ID: f.ID, Title: f.Title, AddedAt: f.AddedAt})
	}
	return items, nil
}

// Pull replaces the local set with the remote one, then replays the user's
// still pending actions on top so unsent local changes survive.
func (s *Service) Pull(ctx context.Context, userID string) ([]Item, error) {
	if userID == "" {
		return nil, ErrInvalidPayload
	}
	items, err := s.RemoteList(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("favorites: pull %s: %w", userID, err)
	}
	set := make(map[string]Item, len(items))
	for _, it := range items {
		set[it.ID] = it
	}

	replayed := 0
	for _, a := range s.queue.Pending() {
		if replayPending(set, userID, a) {
			replayed++
		}
	}
	merged := sortedItems(set)
	s.store.Replace(ctx, userID, merged)
	s.logger.Info("favorites pulled from remote",
		"user", userID, "remote", len(items), "replayed_pending", replayed, "local", len(merged))
	return merged, nil
}

// replayPending 把一個待處理動作套到 set 上；不屬於 userID 的動作略過
func replayPending(set map[string]Item, userID string, a types.QueuedAction) bool {
	switch a.Type {
	case types.ActionAddFavorite:
		var p AddPayload
		if a.DecodePayload(&p) != nil || p.UserID != userID || p.Item.ID == "" {
			return false
		}
		set[p.Item.ID] = p.Item
	case types.ActionRemoveFavorite:
		var p RemovePayload
		if a.DecodePayload(&p) != nil || p.UserID != userID {
			return false
		}
		delete(set, p.ItemID)
	case types.ActionSyncFavorites:
		var p SyncPayload
		if a.DecodePayload(&p) != nil || p.UserID != userID {
			return false
		}
		clear(set)
		for _, it := range p.Items {
			set[it.ID] = it
		}
	default:
		return false
	}
	return true
}

// Add 加入收藏：本地立即生效，遠端同步交由佇列
func (s *Service) Add(ctx context.Context, userID string, item Item) (types.QueuedAction, error) {
	if userID == "" || item.ID == "" {
		return types.QueuedAction{}, ErrInvalidPayload
	}
	if item.AddedAt == 0 {
		item.AddedAt = s.now().UnixMilli()
	}
	s.store.Put(ctx, userID, item)
	return s.enqueue(ctx, types.ActionAddFavorite, AddPayload{UserID: userID, Item: item})
}

// Remove 移除收藏
func (s *Service) Remove(ctx context.Context, userID, itemID string) (types.QueuedAction, error) {
	if userID == "" || itemID == "" {
		return types.QueuedAction{}, ErrInvalidPayload
	}
	payload := RemovePayload{UserID: userID, ItemID: itemID}
	if removed, ok := s.store.Delete(ctx, userID, itemID); ok {
		payload.Item = &removed
	}
	return s.enqueue(ctx, types.ActionRemoveFavorite, payload)
}

// SyncAll 以本地完整集合覆蓋遠端
func (s *Service) SyncAll(ctx context.Context, userID string) (types.QueuedAction, error) {
	if userID == "" {
		return types.QueuedAction{}, ErrInvalidPayload
	}
	return s.enqueue(ctx, types.ActionSyncFavorites, SyncPayload{
		UserID: userID,
		Items:  s.store.List(ctx, userID),
	})
}

func (s *Service) enqueue(ctx context.Context, t types.ActionType, payload any) (types.QueuedAction, error) {
	action, err := s.queue.Enqueue(ctx, types.EnqueueRequest{
		Type:       t,
		Payload:    payload,
		MaxRetries: s.cfg.MaxRetries,
	})
	if err != nil {
		return types.QueuedAction{}, fmt.Errorf("favorites: %w", err)
	}
	return action, nil
}

// Register 為三種收藏動作註冊 handler
func (s *Service) Register(reg *registry.Registry) error {
	for _, t := range []types.ActionType{
		types.ActionAddFavorite,
		types.ActionRemoveFavorite,
		types.ActionSyncFavorites,
	} {
		if err := reg.Register(t, registry.HandlerFunc(s.apply)); err != nil {
			return err
		}
	}
	return nil
}

// apply 驗證 payload 後送往遠端；遠端依動作 ID 去重，重送安全
func (s *Service) apply(ctx context.Context, action types.QueuedAction) error {
	tgt, err := decodeTarget(action)
	if err != nil {
		return registry.Permanent(fmt.Errorf("%s: %w", action.ID, err))
	}
	res, err := s.remote.Apply(ctx, action)
	if err != nil {
		return err
	}
	s.markApplied(tgt, action.Timestamp)
	if res.Duplicate {
		s.logger.Debug("remote already had action", "action_id", action.ID)
	}
	return nil
}

// HandleTerminal is the engine's terminal hook. With rollback enabled it
// undoes the local mutation of a failed ADD or REMOVE unless an action for the
// same item enqueued after it is still pending or has already reached the
// remote (including earlier in the same drain pass).
func (s *Service) HandleTerminal(ctx context.Context, action types.QueuedAction, reason types.TerminalReason, cause error) {
	ev := RollbackEvent{
		ActionID:   action.ID,
		ActionType: action.Type,
		Reason:     reason,
		Cause:      cause,
	}
	defer s.notify(&ev)

	tgt, err := decodeTarget(action)
	if err != nil {
		ev.Skipped = "undecodable payload"
		return
	}
	ev.UserID, ev.ItemID = tgt.UserID, tgt.ItemID

	switch {
	case !s.cfg.RollbackOnFailure:
		ev.Skipped = "rollback disabled"
		return
	case tgt.All:
		// 整體覆蓋無法精確還原，只通知
		ev.Skipped = "full set sync cannot be reverted"
		return
	case s.appliedSince(tgt, action.Timestamp):
		ev.Skipped = "newer action for item already applied"
		return
	case s.pendingSince(tgt, action.Timestamp):
		ev.Skipped = "newer pending action for item"
		return
	}

	switch action.Type {
	case types.ActionAddFavorite:
		_, ev.Reverted = s.store.Delete(ctx, tgt.UserID, tgt.ItemID)
	case types.ActionRemoveFavorite:
		var p RemovePayload
		if err := action.DecodePayload(&p); err == nil && p.Item != nil {
			s.store.Put(ctx, tgt.UserID, *p.Item)
			ev.Reverted = true
		} else {
			ev.Skipped = "removed item unknown"
		}
	}
}

// pendingSince 佇列中是否有比 ts 更晚入列、影響同一對象的動作
func (s *Service) pendingSince(tgt target, ts int64) bool {
	for _, a := range s.queue.Pending() {
		if a.Timestamp <= ts {
			continue
		}
		other, err := decodeTarget(a)
		if err != nil {
			continue
		}
		if tgt.overlaps(other) {
			return true
		}
	}
	return false
}

func (s *Service) markApplied(tgt target, ts int64) {
	if tgt.All {
		tgt.ItemID = ""
	}
	s.appliedMu.Lock()
	defer s.appliedMu.Unlock()
	if ts > s.applied[tgt] {
		s.applied[tgt] = ts
	}
}

// appliedSince 比 ts 更晚入列、影響同一對象的動作是否已送達遠端
func (s *Service) appliedSince(tgt target, ts int64) bool {
	s.appliedMu.Lock()
	defer s.appliedMu.Unlock()
	item := target{UserID: tgt.UserID, ItemID: tgt.ItemID}
	all := target{UserID: tgt.UserID, All: true}
	return s.applied[item] > ts || s.applied[all] > ts
}

func (s *Service) notify(ev *RollbackEvent) {
	if ev.Reverted {
		s.logger.Warn("favorite change failed permanently, local state reverted",
			"action_id", ev.ActionID, "type", ev.ActionType, "user", ev.UserID,
			"item", ev.ItemID, "reason", ev.Reason, "error", ev.Cause)
	} else {
		s.logger.Warn("favorite change failed permanently",
			"action_id", ev.ActionID, "type", ev.ActionType, "reason", ev.Reason,
			"kept_local", ev.Skipped, "error", ev.Cause)
	}

	s.mu.RLock()
	listeners := make([]func(RollbackEvent), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()
	for _, fn := range listeners {
		fn(*ev)
	}
}
