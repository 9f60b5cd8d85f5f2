package favorites

// ============================================================================
// 本地樂觀狀態
// 職責：每個使用者一份收藏集合，使用者操作時同步修改並立即持久化
// 引擎永遠不會直接修改這份狀態
// ============================================================================

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/ChuLiYu/offline-sync/internal/logging"
	"github.com/ChuLiYu/offline-sync/internal/storage"
)

// Item 一筆收藏
type Item struct {
	ID      string `json:"id"`
	Title   string `json:"title,omitempty"`
	AddedAt int64  `json:"addedAt,omitempty"` // Unix 毫秒
}

// Store 本地收藏儲存，每個使用者一個 key：favorites/<user>
type Store struct {
	mu      sync.Mutex
	backend storage.Backend
	sets    map[string]map[string]Item
	logger  *slog.Logger
}

// NewStore 建立本地收藏儲存
func NewStore(backend storage.Backend, logger *slog.Logger) *Store {
	return &Store{
		backend: backend,
		sets:    make(map[string]map[string]Item),
		logger:  logging.OrDefault(logger).With("component", "favorites_store"),
	}
}

// Key returns the blob key holding userID's favorites.
func Key(userID string) string {
	return "favorites/" + userID
}

// List 回傳使用者的收藏，依加入時間排序
func (s *Store) List(ctx context.Context, userID string) []Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedItems(s.setLocked(ctx, userID))
}

// Has reports whether itemID is in userID's set.
func (s *Store) Has(ctx context.Context, userID, itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.setLocked(ctx, userID)[itemID]
	return ok
}

// Put 加入或覆寫一筆收藏，回傳先前是否不存在
func (s *Store) Put(ctx context.Context, userID string, item Item) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.setLocked(ctx, userID)
	_, existed := set[item.ID]
	set[item.ID] = item
	s.persistLocked(ctx, userID, set)
	return !existed
}

// Delete 移除一筆收藏並回傳被移除的內容
func (s *Store) Delete(ctx context.Context, userID, itemID string) (Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.setLocked(ctx, userID)
	item, ok := set[itemID]
	if !ok {
		return Item{}, false
	}
	delete(set, itemID)
	s.persistLocked(ctx, userID, set)
	return item, true
}

// Replace 以 items 取代整個集合
func (s *Store) Replace(ctx context.Context, userID string, items []Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]Item, len(items))
	for _, it := range items {
		set[it.ID] = it
	}
	s.sets[userID] = set
	s.persistLocked(ctx, userID, set)
}

// setLocked 取得（必要時從儲存載入）使用者集合，呼叫時需持有 mu
func (s *Store) setLocked(ctx context.Context, userID string) map[string]Item {
	if set, ok := s.sets[userID]; ok {
		return set
	}
	set := make(map[string]Item)
	data, err := s.backend.Read(ctx, Key(userID))
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		s.logger.Error("failed to read favorites, starting empty", "user", userID, "error", err)
	default:
		var items []Item
		if err := json.Unmarshal(data, &items); err != nil {
			s.logger.Error("favorites blob unreadable, starting empty", "user", userID, "error", err)
		}
		for _, it := range items {
			if it.ID != "" {
				set[it.ID] = it
			}
		}
	}
	s.sets[userID] = set
	return set
}

func (s *Store) persistLocked(ctx context.Context, userID string, set map[string]Item) {
	data, err := json.Marshal(sortedItems(set))
	if err != nil {
		s.logger.Error("failed to encode favorites", "user", userID, "error", err)
		return
	}
	if err := s.backend.Write(context.WithoutCancel(ctx), Key(userID), data); err != nil {
		s.logger.Warn("favorites not persisted, keeping in memory", "user", userID, "error", err)
	}
}

func sortedItems(set map[string]Item) []Item {
	out := make([]Item, 0, len(set))
	for _, it := range set {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AddedAt != out[j].AddedAt {
			return out[i].AddedAt < out[j].AddedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}
