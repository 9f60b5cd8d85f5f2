// ============================================================================
// offline-sync 端到端測試套件
// ============================================================================
//
// Package: test/integration
// 文件: recovery_test.go
// 功能: 透過 gRPC（bufconn）驗證完整的離線 → 上線流程
//
// TestOfflineToOnline:
//   - 遠端停機時加入 / 移除收藏，只寫入本地與佇列
//   - 連線探測器偵測到遠端恢復後，控制器自動 drain
//   - 驗證遠端集合與本地樂觀狀態一致、佇列清空、狀態回到 idle
//
// TestRestartPreservesQueue:
//   - 離線入列後關閉儲存（模擬行程結束）
//   - 以同一目錄重建堆疊，佇列與收藏完整恢復並送達
//
// TestExhaustedActionIsJournaledAndRolledBack:
//   - 遠端持續不可用，手動 drain 直到重試次數用盡
//   - 驗證 handler 恰好被呼叫 3 次、死信日誌有紀錄、本地收藏已回滾
//
// ============================================================================

package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/offline-sync/internal/connectivity"
	"github.com/ChuLiYu/offline-sync/internal/controller"
	"github.com/ChuLiYu/offline-sync/internal/favorites"
	"github.com/ChuLiYu/offline-sync/internal/logging"
	"github.com/ChuLiYu/offline-sync/internal/remote"
	"github.com/ChuLiYu/offline-sync/internal/storage"
	"github.com/ChuLiYu/offline-sync/internal/storage/journal"
	"github.com/ChuLiYu/offline-sync/pkg/types"
)

func TestOfflineToOnline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, conn := startRemote(t)
	srv.SetUnavailable(true)

	backend, err := storage.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	defer backend.Close()
	n := newNode(t, backend, conn, "")

	prober := connectivity.NewProber(connectivity.GRPCHealthCheck(conn, remote.ServiceName), 20*time.Millisecond, logging.Nop())
	ctrl := controller.New(controller.Config{}, n.engine, prober, logging.Nop())
	prober.Start(ctx)
	defer prober.Stop()
	require.NoError(t, ctrl.Start(ctx))
	defer ctrl.Stop()

	require.False(t, prober.Reachable())

	for _, id := range []string{"1", "2", "3"} {
		_, err := n.favorites.Add(ctx, "u1", favorites.Item{ID: id})
		require.NoError(t, err)
	}
	_, err = n.favorites.Remove(ctx, "u1", "2")
	require.NoError(t, err)

	// 離線時不會呼叫遠端
	assert.Equal(t, 4, n.engine.Len())
	assert.Equal(t, []string{"1", "3"}, localIDs(n, "u1"))
	assert.Zero(t, srv.Calls())

	srv.SetUnavailable(false)

	require.Eventually(t, func() bool { return n.engine.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"1", "3"}, remoteIDs(srv, "u1"))
	assert.Equal(t, localIDs(n, "u1"), remoteIDs(srv, "u1"))
	assert.Equal(t, 4, srv.Calls())
	assert.Equal(t, types.StatusIdle, n.status.Current())
	assert.GreaterOrEqual(t, ctrl.Stats().Drains, int64(1))

	// 在線時入列立即觸發 drain
	_, err = n.favorites.Add(ctx, "u1", favorites.Item{ID: "4"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return n.engine.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"1", "3", "4"}, remoteIDs(srv, "u1"))
}

func TestRestartPreservesQueue(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	srv, conn := startRemote(t)

	// 第一次啟動：離線入列
	backend, err := storage.NewFileBackend(dir)
	require.NoError(t, err)
	first := newNode(t, backend, conn, "")
	for _, id := range []string{"a", "b"} {
		_, err := first.favorites.Add(ctx, "u1", favorites.Item{ID: id, Title: "title " + id})
		require.NoError(t, err)
	}
	pending := first.engine.Pending()
	require.Len(t, pending, 2)
	require.NoError(t, backend.Close())

	// 重啟
	backend, err = storage.NewFileBackend(dir)
	require.NoError(t, err)
	defer backend.Close()
	second := newNode(t, backend, conn, "")

	restored := second.engine.Pending()
	require.Len(t, restored, 2)
	for i := range pending {
		assert.Equal(t, pending[i].ID, restored[i].ID)
		assert.Equal(t, pending[i].Timestamp, restored[i].Timestamp)
		assert.JSONEq(t, string(pending[i].Payload), string(restored[i].Payload))
	}
	assert.Equal(t, []string{"a", "b"}, localIDs(second, "u1"))

	report := second.engine.Drain(ctx)
	assert.Equal(t, 2, report.Applied)
	assert.Zero(t, second.engine.Len())
	assert.Equal(t, []string{"a", "b"}, remoteIDs(srv, "u1"))

	// 新動作的時間戳不早於恢復的動作
	action, err := second.favorites.Add(ctx, "u1", favorites.Item{ID: "c"})
	require.NoError(t, err)
	assert.Greater(t, action.Timestamp, restored[1].Timestamp)
}

func TestExhaustedActionIsJournaledAndRolledBack(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	srv, conn := startRemote(t)
	srv.SetUnavailable(true)

	backend, err := storage.NewFileBackend(dir)
	require.NoError(t, err)
	defer backend.Close()
	journalPath := filepath.Join(dir, "deadletter.log")
	n := newNode(t, backend, conn, journalPath)

	var events []favorites.RollbackEvent
	n.favorites.OnRollback(func(ev favorites.RollbackEvent) { events = append(events, ev) })

	added, err := n.favorites.Add(ctx, "u1", favorites.Item{ID: "42"})
	require.NoError(t, err)

	for i := 1; i <= 2; i++ {
		report := n.engine.Drain(ctx)
		assert.Equal(t, 1, report.Retried, "pass %d", i)
		require.Equal(t, 1, n.engine.Len())
		assert.Equal(t, i, n.engine.Pending()[0].Retries)
	}

	report := n.engine.Drain(ctx)
	assert.Equal(t, 1, report.Terminal)
	assert.Zero(t, n.engine.Len())
	assert.Equal(t, 3, srv.Calls())
	assert.Equal(t, types.StatusError, n.status.Current())

	// 本地樂觀狀態已回滾
	assert.Empty(t, localIDs(n, "u1"))
	require.Len(t, events, 1)
	assert.True(t, events[0].Reverted)
	assert.Equal(t, types.ReasonExhausted, events[0].Reason)

	var entries []journal.Entry
	require.NoError(t, journal.ReplayFile(journalPath, func(e journal.Entry) error {
		entries = append(entries, e)
		return nil
	}))
	require.Len(t, entries, 1)
	assert.Equal(t, added.ID, entries[0].ActionID)
	assert.Equal(t, types.ReasonExhausted, entries[0].Reason)
	assert.Contains(t, entries[0].Error, "Unavailable")

	// 之後成功的 drain 讓狀態回到 idle
	srv.SetUnavailable(false)
	_, err = n.favorites.Add(ctx, "u1", favorites.Item{ID: "43"})
	require.NoError(t, err)
	n.engine.Drain(ctx)
	assert.Equal(t, types.StatusIdle, n.status.Current())
}
