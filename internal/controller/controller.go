// ============================================================================
// offline-sync 控制器 - Drain 觸發策略
// ============================================================================
//
// Package: internal/controller
// 文件: controller.go
// 功能: 決定何時呼叫 Engine.Drain，並保證同一時間只有一個 drain loop
//
// 觸發來源:
//   1. 連線狀態 offline → online
//   2. 在線時有新的 Enqueue
//   3. 在線且佇列非空時的週期性計時器（PeriodicInterval 為 0 時停用）
//   4. 手動 Trigger（CLI drain 指令）
//
// 核心循環 (3 個並發 Goroutine):
//   1. Drain Loop - 消費 triggerCh，在線時執行一次 drain
//   2. Connectivity Loop - 監聽連線事件，上線時觸發
//   3. Periodic Loop - 定期觸發，補救暫時性失敗
//
// 合併觸發:
//   triggerCh 容量為 1，drain 進行中累積的多個觸發合併為一次後續 drain，
//   呼叫端永遠不會被阻塞（fire-and-forget）
//
// 並發安全:
//   - stopCh channel 用於優雅關閉所有循環
//   - sync.WaitGroup 確保所有 goroutine 正確退出
//   - 進行中的 drain 透過 context 取消
//
// ============================================================================

package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/offline-sync/internal/connectivity"
	"github.com/ChuLiYu/offline-sync/internal/logging"
	"github.com/ChuLiYu/offline-sync/internal/queue"
	"github.com/ChuLiYu/offline-sync/pkg/types"
)

// ============================================================================
// 資料結構定義
// ============================================================================

var (
	// ErrAlreadyStarted Start 被呼叫兩次
	ErrAlreadyStarted = errors.New("controller already started")
	// ErrStopped 控制器已停止
	ErrStopped = errors.New("controller stopped")
)

// 觸發原因（寫入日誌）
const (
	ReasonOnline   = "online"
	ReasonEnqueue  = "enqueue"
	ReasonPeriodic = "periodic"
	ReasonManual   = "manual"
	ReasonStartup  = "startup"
)

// Engine 是控制器驅動的佇列，queue.Engine 實作此介面
type Engine interface {
	Drain(ctx context.Context) types.DrainReport
	Len() int
	OnEnqueue(fn queue.EnqueueFunc)
}

// Config Controller 配置
type Config struct {
	PeriodicInterval time.Duration // 週期性 drain 間隔，0 表示停用
}

// Stats 控制器統計
type Stats struct {
	Triggers  int64  // 收到的觸發次數（含被合併的）
	Drains    int64  // 實際執行的 drain 次數
	Offline   int64  // 因離線而略過的觸發
	LastCause string // 最近一次 drain 的觸發原因
}

// Controller drain 觸發控制器
type Controller struct {
	engine  Engine
	monitor connectivity.Monitor
	config  Config
	logger  *slog.Logger

	triggerCh chan string   // 容量 1 的合併觸發通道
	stopCh    chan struct{} // 停止訊號
	cancel    context.CancelFunc
	unsub     func()
	loopWg    sync.WaitGroup // 等待所有循環退出

	mu        sync.Mutex
	started   bool
	stopped   bool
	lastCause string

	triggers atomic.Int64
	drains   atomic.Int64
	offline  atomic.Int64

	onDrain func(reason string, report types.DrainReport)
}

// ============================================================================
// 核心方法實作
// ============================================================================

// New 建立新的 Controller 實例
func New(config Config, engine Engine, monitor connectivity.Monitor, logger *slog.Logger) *Controller {
	return &Controller{
		engine:    engine,
		monitor:   monitor,
		config:    config,
		logger:    logging.OrDefault(logger).With("component", "controller"),
		triggerCh: make(chan string, 1),
		stopCh:    make(chan struct{}),
	}
}

// OnDrain registers a callback run after every drain the controller starts.
// Must be called before Start.
func (c *Controller) OnDrain(fn func(reason string, report types.DrainReport)) {
	c.onDrain = fn
}

// Start 啟動三個核心循環
//
// 流程：
//  1. 訂閱連線事件、註冊 enqueue 監聽
//  2. 啟動 drain / connectivity / periodic 循環
//  3. 若已在線且佇列非空，立即觸發一次
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return ErrStopped
	}
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	transitions, unsub := c.monitor.Subscribe()
	c.unsub = unsub
	c.mu.Unlock()

	c.engine.OnEnqueue(func(types.QueuedAction) {
		if c.monitor.Reachable() {
			c.Trigger(ReasonEnqueue)
		}
	})

	c.loopWg.Add(2)
	go c.drainLoop(runCtx)
	go c.connectivityLoop(runCtx, transitions)
	if c.config.PeriodicInterval > 0 {
		c.loopWg.Add(1)
		go c.periodicLoop(runCtx)
	}

	if c.monitor.Reachable() && c.engine.Len() > 0 {
		c.Trigger(ReasonStartup)
	}

	c.logger.Info("controller started",
		"online", c.monitor.Reachable(),
		"pending", c.engine.Len(),
		"periodic_interval", c.config.PeriodicInterval)
	return nil
}

// Trigger requests a drain without waiting for it. Triggers that arrive while
// one is already queued are merged.
func (c *Controller) Trigger(reason string) {
	c.triggers.Add(1)
	select {
	case c.triggerCh <- reason:
	default:
		// 已有待處理的觸發，合併
	}
}

// drainLoop 消費觸發並執行 drain
func (c *Controller) drainLoop(ctx context.Context) {
	defer c.loopWg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case reason := <-c.triggerCh:
			if !c.monitor.Reachable() {
				c.offline.Add(1)
				c.logger.Debug("drain trigger ignored while offline", "reason", reason)
				continue
			}
			c.drains.Add(1)
			c.mu.Lock()
			c.lastCause = reason
			c.mu.Unlock()

			report := c.engine.Drain(ctx)
			c.logger.Debug("drain triggered", "reason", reason,
				"applied", report.Applied, "remaining", report.Remaining)
			if c.onDrain != nil {
				c.onDrain(reason, report)
			}
		}
	}
}

// connectivityLoop 上線事件觸發 drain
func (c *Controller) connectivityLoop(ctx context.Context, transitions <-chan connectivity.Transition) {
	defer c.loopWg.Done()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case tr, ok := <-transitions:
			if !ok {
				return
			}
			if tr.Online {
				c.logger.Info("connectivity restored, draining", "pending", c.engine.Len())
				c.Trigger(ReasonOnline)
			} else {
				c.logger.Info("connectivity lost", "pending", c.engine.Len())
			}
		}
	}
}

// periodicLoop 在線且佇列非空時定期觸發
func (c *Controller) periodicLoop(ctx context.Context) {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.config.PeriodicInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.monitor.Reachable() && c.engine.Len() > 0 {
				c.Trigger(ReasonPeriodic)
			}
		}
	}
}

// Stats 回傳控制器統計
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	last := c.lastCause
	c.mu.Unlock()
	return Stats{
		Triggers:  c.triggers.Load(),
		Drains:    c.drains.Load(),
		Offline:   c.offline.Load(),
		LastCause: last,
	}
}

// Stop 停止所有循環並等待退出，可重複呼叫
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	started := c.started
	c.mu.Unlock()

	close(c.stopCh)
	if !started {
		return
	}
	c.cancel()
	c.loopWg.Wait()
	c.unsub()
	c.logger.Info("controller stopped", "drains", c.drains.Load(), "pending", c.engine.Len())
}
