package queue

import (
	"time"

	"github.com/ChuLiYu/offline-sync/pkg/types"
)

// Backoff gates retries of a failed action on the time since its last
// attempt. The n-th retry waits Base * 2^(n-1), capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Enabled reports whether time-based backoff applies.
func (b Backoff) Enabled() bool {
	return b.Base > 0
}

// Delay 回傳失敗 retries 次後應等待的時間
func (b Backoff) Delay(retries int) time.Duration {
	if !b.Enabled() || retries <= 0 {
		return 0
	}
	delay := b.Base
	for i := 1; i < retries; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
		// 溢位保護
		if delay <= 0 {
			if b.Max > 0 {
				return b.Max
			}
			return time.Duration(1<<63 - 1)
		}
	}
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}

// Due reports whether action may be attempted at now.
func (b Backoff) Due(action types.QueuedAction, now time.Time) bool {
	if !b.Enabled() || action.Retries == 0 || action.LastAttemptAt == 0 {
		return true
	}
	next := time.UnixMilli(action.LastAttemptAt).Add(b.Delay(action.Retries))
	return !now.Before(next)
}
