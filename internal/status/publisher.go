// Package status derives the coarse idle/syncing/error value shown to users
// from engine drain events. It is advisory only and never gates the engine.
package status

import (
	"context"
	"sync"

	"github.com/ChuLiYu/offline-sync/pkg/types"
)

// Publisher 實作 queue.Observer，維護目前的同步狀態
type Publisher struct {
	mu      sync.RWMutex
	current types.SyncStatus
	last    types.DrainReport
	hasLast bool
	failed  bool // 最近一次完成的 drain 有終止失敗
	subs    map[chan types.SyncStatus]struct{}
}

// NewPublisher 建立初始狀態為 idle 的發布者
func NewPublisher() *Publisher {
	return &Publisher{
		current: types.StatusIdle,
		subs:    make(map[chan types.SyncStatus]struct{}),
	}
}

// Current 目前的狀態
func (p *Publisher) Current() types.SyncStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// LastReport returns the report of the most recent non-skipped drain.
func (p *Publisher) LastReport() (types.DrainReport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last, p.hasLast
}

// Subscribe returns a channel that receives the current status immediately
// and then every change. Slow readers only see the latest value. The channel
// is closed when ctx is done.
func (p *Publisher) Subscribe(ctx context.Context) <-chan types.SyncStatus {
	ch := make(chan types.SyncStatus, 1)

	p.mu.Lock()
	ch <- p.current
	p.subs[ch] = struct{}{}
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		delete(p.subs, ch)
		close(ch)
		p.mu.Unlock()
	}()
	return ch
}

// DrainStarted 進入 syncing
func (p *Publisher) DrainStarted(int) {
	p.set(types.StatusSyncing)
}

// DrainFinished 依結果進入 error 或 idle
func (p *Publisher) DrainFinished(report types.DrainReport) {
	if report.Skipped {
		return
	}
	p.mu.Lock()
	p.last = report
	p.hasLast = true
	p.failed = report.Terminal > 0
	next := types.StatusIdle
	if p.failed {
		next = types.StatusError
	}
	p.setLocked(next)
	p.mu.Unlock()
}

func (p *Publisher) set(s types.SyncStatus) {
	p.mu.Lock()
	p.setLocked(s)
	p.mu.Unlock()
}

func (p *Publisher) setLocked(s types.SyncStatus) {
	if p.current == s {
		return
	}
	p.current = s
	for ch := range p.subs {
		// 只保留最新值
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}
