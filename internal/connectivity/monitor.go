// Package connectivity reports whether the remote store is reachable and
// emits an event on every offline/online edge.
package connectivity

import (
	"sync"
	"time"
)

// Transition 一次連線狀態變化
type Transition struct {
	Online bool
	At     time.Time
}

// Monitor 連線狀態來源
type Monitor interface {
	Reachable() bool
	// Subscribe returns a channel of transitions and a cancel function that
	// stops delivery and closes the channel.
	Subscribe() (<-chan Transition, func())
}

// Switch 可手動設定的連線狀態，只在狀態改變時發出事件
type Switch struct {
	mu     sync.Mutex
	online bool
	subs   map[chan Transition]struct{}
	now    func() time.Time
}

// NewSwitch 建立初始狀態為 online 的 Switch
func NewSwitch(online bool) *Switch {
	return &Switch{
		online: online,
		subs:   make(map[chan Transition]struct{}),
		now:    time.Now,
	}
}

// Reachable 目前是否在線
func (s *Switch) Reachable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

// Set updates the state and reports whether it changed.
func (s *Switch) Set(online bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return false
	}
	s.online = online
	tr := Transition{Online: online, At: s.now()}
	for ch := range s.subs {
		// 訂閱者跟不上時丟掉舊事件，保留最新狀態
		select {
		case ch <- tr:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- tr
		}
	}
	return true
}

// Subscribe 訂閱狀態變化
func (s *Switch) Subscribe() (<-chan Transition, func()) {
	ch := make(chan Transition, 8)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, ch)
			close(ch)
			s.mu.Unlock()
		})
	}
	return ch, cancel
}
