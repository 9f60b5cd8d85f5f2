package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/offline-sync/pkg/types"
)

func TestTransitions(t *testing.T) {
	p := NewPublisher()
	assert.Equal(t, types.StatusIdle, p.Current())
	_, ok := p.LastReport()
	assert.False(t, ok)

	p.DrainStarted(2)
	assert.Equal(t, types.StatusSyncing, p.Current())

	p.DrainFinished(types.DrainReport{Snapshot: 2, Applied: 1, Terminal: 1})
	assert.Equal(t, types.StatusError, p.Current())

	// error 持續到下一次沒有終止失敗的 drain
	p.DrainStarted(0)
	assert.Equal(t, types.StatusSyncing, p.Current())
	p.DrainFinished(types.DrainReport{Snapshot: 1, Retried: 1, Remaining: 1})
	assert.Equal(t, types.StatusIdle, p.Current())

	report, ok := p.LastReport()
	require.True(t, ok)
	assert.Equal(t, 1, report.Retried)
}

func TestSkippedDrainIgnored(t *testing.T) {
	p := NewPublisher()
	p.DrainStarted(1)
	p.DrainFinished(types.DrainReport{Skipped: true})
	assert.Equal(t, types.StatusSyncing, p.Current())
}

func TestSubscribe(t *testing.T) {
	p := NewPublisher()
	ctx, cancel := context.WithCancel(context.Background())
	ch := p.Subscribe(ctx)

	assert.Equal(t, types.StatusIdle, <-ch)

	p.DrainStarted(1)
	assert.Equal(t, types.StatusSyncing, <-ch)

	// 慢速讀者只看到最新值
	p.DrainFinished(types.DrainReport{Terminal: 1})
	p.DrainStarted(1)
	p.DrainFinished(types.DrainReport{})
	assert.Equal(t, types.StatusIdle, <-ch)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}
