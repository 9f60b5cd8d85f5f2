package favorites

import (
	"errors"

	"github.com/ChuLiYu/offline-sync/pkg/types"
)

// ErrInvalidPayload 收藏動作的 payload 缺少必要欄位
var ErrInvalidPayload = errors.New("invalid favorites payload")

// AddPayload ADD_FAVORITE 的 payload
type AddPayload struct {
	UserID string `json:"userId"`
	Item   Item   `json:"item"`
}

// RemovePayload REMOVE_FAVORITE 的 payload；Item 保留被移除的內容以便回滾
type RemovePayload struct {
	UserID string `json:"userId"`
	ItemID string `json:"itemId"`
	Item   *Item  `json:"item,omitempty"`
}

// SyncPayload SYNC_FAVORITES 的 payload，以完整集合覆蓋遠端
type SyncPayload struct {
	UserID string `json:"userId"`
	Items  []Item `json:"items"`
}

// target 動作影響的對象；All 表示整個集合
type target struct {
	UserID string
	ItemID string
	All    bool
}

func (t target) overlaps(o target) bool {
	if t.UserID != o.UserID {
		return false
	}
	return t.All || o.All || t.ItemID == o.ItemID
}

// decodeTarget 解碼並驗證 payload，回傳影響對象
func decodeTarget(action types.QueuedAction) (target, error) {
	switch action.Type {
	case types.ActionAddFavorite:
		var p AddPayload
		if err := action.DecodePayload(&p); err != nil {
			return target{}, err
		}
		if p.UserID == "" || p.Item.ID == "" {
			return target{}, ErrInvalidPayload
		}
		return target{UserID: p.UserID, ItemID: p.Item.ID}, nil

	case types.ActionRemoveFavorite:
		var p RemovePayload
		if err := action.DecodePayload(&p); err != nil {
			return target{}, err
		}
		if p.UserID == "" || p.ItemID == "" {
			return target{}, ErrInvalidPayload
		}
		return target{UserID: p.UserID, ItemID: p.ItemID}, nil

	case types.ActionSyncFavorites:
		var p SyncPayload
		if err := action.DecodePayload(&p); err != nil {
			return target{}, err
		}
		if p.UserID == "" {
			return target{}, ErrInvalidPayload
		}
		return target{UserID: p.UserID, All: true}, nil
	}
	return target{}, ErrInvalidPayload
}
