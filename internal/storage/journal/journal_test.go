package journal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/ChuLiYu/offline-sync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAction(id string) types.QueuedAction {
	return types.QueuedAction{
		ID:         types.ActionID(id),
		Type:       types.ActionAddFavorite,
		Payload:    json.RawMessage(`{"userId":"1","item":{"id":"42"}}`),
		Timestamp:  1700000000000,
		Retries:    3,
		MaxRetries: 3,
	}
}

func collect(t *testing.T, j *Journal) []Entry {
	t.Helper()
	var entries []Entry
	require.NoError(t, j.Replay(func(e Entry) error {
		entries = append(entries, e)
		return nil
	}))
	return entries
}

func TestAppendAndReplay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.log")
	j, err := Open(path)
	require.NoError(t, err)
	defer j.Close()

	j.Record(context.Background(), newTestAction("a-1"), types.ReasonExhausted, errors.New("unavailable"))
	j.Record(context.Background(), newTestAction("a-2"), types.ReasonRejected, nil)

	entries := collect(t, j)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Seq)
	assert.Equal(t, types.ActionID("a-1"), entries[0].ActionID)
	assert.Equal(t, types.ReasonExhausted, entries[0].Reason)
	assert.Equal(t, "unavailable", entries[0].Error)
	assert.Equal(t, 3, entries[0].Retries)
	assert.Equal(t, uint64(2), entries[1].Seq)
	assert.Empty(t, entries[1].Error)
	assert.Equal(t, uint64(2), j.LastSeq())
}

func TestReopenContinuesSequence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.log")

	j, err := Open(path)
	require.NoError(t, err)
	_, err = j.Append(Entry{ActionID: "a-1", Reason: types.ReasonExhausted})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j, err = Open(path)
	require.NoError(t, err)
	defer j.Close()
	assert.Equal(t, uint64(1), j.LastSeq())

	entry, err := j.Append(Entry{ActionID: "a-2", Reason: types.ReasonMissingHandler})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), entry.Seq)
}

func TestReplayDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.log")
	j, err := Open(path)
	require.NoError(t, err)
	_, err = j.Append(Entry{ActionID: "a-1", Reason: types.ReasonRejected})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry Entry
	require.NoError(t, json.Unmarshal(data, &entry))
	entry.ActionID = "a-999"
	tampered, err := json.Marshal(entry)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, append(tampered, '\n'), 0o644))

	err = ReplayFile(path, func(Entry) error { return nil })
	assert.ErrorIs(t, err, ErrChecksumMismatch)

	var csErr *ChecksumError
	require.ErrorAs(t, err, &csErr)
	assert.Equal(t, uint64(1), csErr.Seq)
	assert.Contains(t, csErr.Error(), "seq=1")
}

func TestReplayCorruptLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.log")
	require.NoError(t, os.WriteFile(path, []byte("{not json\n"), 0o644))

	// 完整但無法解析的行後面還有紀錄：視為損壞
	j, err := Open(path)
	require.NoError(t, err)
	_, err = j.Append(Entry{ActionID: "a-1", Reason: types.ReasonRejected})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	err = ReplayFile(path, func(Entry) error { return nil })
	assert.ErrorIs(t, err, ErrCorruptedJournal)
}

func TestReplaySkipsUnparseableFinalLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.log")
	j, err := Open(path)
	require.NoError(t, err)
	_, err = j.Append(Entry{ActionID: "a-1", Reason: types.ReasonExhausted})
	require.NoError(t, err)
	require.NoError(t, j.Close())

	appendRaw(t, path, `{"seq":2,"action_id":"to`)

	var ids []types.ActionID
	err = ReplayFile(path, func(e Entry) error {
		ids = append(ids, e.ActionID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []types.ActionID{"a-1"}, ids)
}

func TestOpenTruncatesTornTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.log")
	j, err := Open(path)
	require.NoError(t, err)
	_, err = j.Append(Entry{ActionID: "a-1", Reason: types.ReasonExhausted})
	require.NoError(t, err)
	require.NoError(t, j.Close())
	intact, err := os.ReadFile(path)
	require.NoError(t, err)

	// 寫入途中崩潰留下的殘缺行
	appendRaw(t, path, `{"seq":2,"action_id":"to`)

	var logs bytes.Buffer
	j, err = Open(path, WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), j.LastSeq())
	assert.Contains(t, logs.String(), "dropped torn journal tail")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, intact, data)

	j.Record(context.Background(), newTestAction("a-3"), types.ReasonRejected, errors.New("bad request"))
	require.NoError(t, j.Close())

	entries := collectFile(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, types.ActionID("a-1"), entries[0].ActionID)
	assert.Equal(t, types.ActionID("a-3"), entries[1].ActionID)
	assert.Equal(t, uint64(2), entries[1].Seq)
}

func TestRecordLogsAppendFailure(t *testing.T) {
	var logs bytes.Buffer
	j, err := Open(filepath.Join(t.TempDir(), "deadletter.log"),
		WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	require.NoError(t, err)
	require.NoError(t, j.Close())

	j.Record(context.Background(), newTestAction("a-1"), types.ReasonExhausted, nil)

	out := logs.String()
	assert.Contains(t, out, "level=ERROR")
	assert.Contains(t, out, "dead letter not journaled")
	assert.Contains(t, out, "action_id=a-1")
	assert.Contains(t, out, ErrJournalClosed.Error())
}

func appendRaw(t *testing.T, path, raw string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(raw)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func collectFile(t *testing.T, path string) []Entry {
	t.Helper()
	var entries []Entry
	require.NoError(t, ReplayFile(path, func(e Entry) error {
		entries = append(entries, e)
		return nil
	}))
	return entries
}

func TestReplayMissingFile(t *testing.T) {
	called := false
	err := ReplayFile(filepath.Join(t.TempDir(), "absent.log"), func(Entry) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, called)
}

func TestReplayStopsOnHandlerError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deadletter.log")
	j, err := Open(path)
	require.NoError(t, err)
	defer j.Close()
	for _, id := range []string{"a-1", "a-2", "a-3"} {
		_, err := j.Append(Entry{ActionID: types.ActionID(id), Reason: types.ReasonExhausted})
		require.NoError(t, err)
	}

	stop := errors.New("stop")
	seen := 0
	err = j.Replay(func(Entry) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 2, seen)
}

func TestAppendAfterClose(t *testing.T) {
	j, err := Open(filepath.Join(t.TempDir(), "deadletter.log"))
	require.NoError(t, err)
	require.NoError(t, j.Close())
	require.NoError(t, j.Close())

	_, err = j.Append(Entry{ActionID: "a-1"})
	assert.ErrorIs(t, err, ErrJournalClosed)
}

func TestChecksumIgnoresTimestamp(t *testing.T) {
	e := Entry{Seq: 7, ActionID: "a", Reason: types.ReasonRejected, Payload: json.RawMessage(`{}`)}
	e.Checksum = CalculateChecksum(e)
	e.Timestamp = 12345
	assert.True(t, VerifyChecksum(e))

	e.Reason = types.ReasonExhausted
	assert.False(t, VerifyChecksum(e))
}
