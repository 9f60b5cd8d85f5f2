package worker

import (
	"time"

	"github.com/ChuLiYu/offline-sync/internal/registry"
	"github.com/ChuLiYu/offline-sync/pkg/types"
)

// Task 代表一次 handler 呼叫
type Task struct {
	Action  types.QueuedAction // 要套用的動作
	Handler registry.Handler   // 對應的 handler
	Timeout time.Duration      // 執行超時時間，<= 0 表示不限制
}

// Result 代表 handler 呼叫結果
type Result struct {
	ActionID types.ActionID // 動作 ID
	Outcome  types.Outcome  // 三態結果
	Err      error          // 錯誤訊息（如果有）
	Duration time.Duration  // 實際執行時間
}
