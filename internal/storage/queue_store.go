package storage

// ============================================================================
// 佇列持久化
// 職責：
// 1. 將完整佇列序列化為帶版本號的 JSON 文件，整份覆寫
// 2. 載入時容忍缺失與損壞：損壞資料視為空佇列，但一定記錄並另存
// 3. I/O 失敗只記錄不拋出，記憶體中的佇列仍是本行程的真實來源
// ============================================================================

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/offline-sync/internal/logging"
	"github.com/ChuLiYu/offline-sync/pkg/types"
)

var (
	// ErrCorruptedQueue indicates the stored blob could not be parsed.
	ErrCorruptedQueue = errors.New("queue document is corrupted")
	// ErrIncompatibleVersion indicates the blob was written by a newer schema.
	ErrIncompatibleVersion = errors.New("queue document schema version is incompatible")
)

// corruptSuffix is appended to the key when an unreadable blob is set aside.
const corruptSuffix = ".corrupt"

// QueueStore 佇列存取層
type QueueStore struct {
	backend Backend
	key     string
	logger  *slog.Logger
}

// NewQueueStore 建立佇列存取層，key 代表一個佇列實例
func NewQueueStore(backend Backend, key string, logger *slog.Logger) *QueueStore {
	return &QueueStore{
		backend: backend,
		key:     key,
		logger:  logging.OrDefault(logger).With("component", "queue_store", "key", key),
	}
}

// Key returns the blob key of this queue.
func (s *QueueStore) Key() string {
	return s.key
}

// Load 載入持久化的佇列
//
// 行為：
//   - 不存在：回傳空佇列（首次啟動）
//   - 讀取失敗：記錄錯誤，回傳空佇列
//   - 整份損壞：記錄錯誤，原始資料另存為 <key>.corrupt，回傳空佇列
//   - 個別紀錄無效（缺 id/type）或 id 重複：逐筆記錄後略過
func (s *QueueStore) Load(ctx context.Context) []types.QueuedAction {
	data, err := s.backend.Read(ctx, s.key)
	if errors.Is(err, ErrNotFound) {
		return []types.QueuedAction{}
	}
	if err != nil {
		s.logger.Error("failed to read persisted queue, starting empty", "error", err)
		return []types.QueuedAction{}
	}

	actions, err := DecodeQueue(data)
	if err != nil {
		s.logger.Error("persisted queue is unreadable, starting empty", "error", err, "bytes", len(data))
		s.quarantine(ctx, data)
		return []types.QueuedAction{}
	}

	seen := make(map[types.ActionID]struct{}, len(actions))
	valid := make([]types.QueuedAction, 0, len(actions))
	for i, action := range actions {
		if action.ID == "" || action.Type == "" {
			s.logger.Warn("dropping invalid persisted action",
				"index", i, "id", action.ID, "type", action.Type)
			continue
		}
		if _, dup := seen[action.ID]; dup {
			s.logger.Warn("dropping duplicate persisted action", "index", i, "id", action.ID)
			continue
		}
		seen[action.ID] = struct{}{}
		if action.MaxRetries <= 0 {
			action.MaxRetries = types.DefaultMaxRetries
		}
		valid = append(valid, action)
	}
	return valid
}

// Save 原子性覆寫整份佇列
//
// 失敗時在此層記錄；回傳錯誤僅供呼叫端統計，不應往上拋
func (s *QueueStore) Save(ctx context.Context, actions []types.QueuedAction) error {
	data, err := EncodeQueue(actions)
	if err != nil {
		s.logger.Error("failed to encode queue", "error", err, "actions", len(actions))
		return err
	}
	if err := s.backend.Write(ctx, s.key, data); err != nil {
		s.logger.Error("failed to persist queue", "error", err, "actions", len(actions))
		return err
	}
	return nil
}

func (s *QueueStore) quarantine(ctx context.Context, data []byte) {
	if err := s.backend.Write(ctx, s.key+corruptSuffix, data); err != nil {
		s.logger.Warn("failed to preserve corrupt queue blob", "error", err)
		return
	}
	s.logger.Warn("corrupt queue blob preserved", "key", s.key+corruptSuffix)
}

// EncodeQueue 序列化為目前版本的佇列文件（帶縮排，方便人工閱讀與除錯）
func EncodeQueue(actions []types.QueuedAction) ([]byte, error) {
	if actions == nil {
		actions = []types.QueuedAction{}
	}
	doc := types.QueueDocument{
		SchemaVer: types.CurrentSchemaVersion,
		Actions:   actions,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal queue: %w", err)
	}
	return data, nil
}

// DecodeQueue 解析佇列文件；同時接受舊版無版本號的 JSON 陣列格式
func DecodeQueue(data []byte) ([]types.QueuedAction, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrCorruptedQueue)
	}

	if trimmed[0] == '[' {
		var legacy []types.QueuedAction
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptedQueue, err)
		}
		return legacy, nil
	}

	var doc types.QueueDocument
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptedQueue, err)
	}
	if doc.SchemaVer > types.CurrentSchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want <= %d", ErrIncompatibleVersion, doc.SchemaVer, types.CurrentSchemaVersion)
	}
	if doc.Actions == nil {
		doc.Actions = []types.QueuedAction{}
	}
	return doc.Actions, nil
}
