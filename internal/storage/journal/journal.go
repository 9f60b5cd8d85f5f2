// Package journal keeps an append-only record of actions that left the queue
// without being applied.
//
// Every terminal failure is appended as one JSON line carrying a CRC32
// checksum, so an operator can replay what was dropped long after the queue
// itself has moved on.
package journal

// ============================================================================
// 死信日誌核心實作
// 職責：
// 1. 追加紀錄到日誌檔案（append-only，每筆 fsync）
// 2. 提供重放功能以檢視所有死信
// 3. 開啟時延續既有序號，截掉崩潰留下的殘缺尾行
// ============================================================================

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/offline-sync/pkg/types"
)

// FileInterface 定義檔案操作所需的方法，允許在測試中模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Journal 死信日誌實例
type Journal struct {
	mu      sync.Mutex
	file    FileInterface
	encoder *json.Encoder
	path    string
	seq     uint64
	closed  bool
	now     func() time.Time
	logger  *slog.Logger
}

// Option 日誌選項
type Option func(*Journal)

// WithLogger 設定記錄寫入失敗用的 logger
func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) {
		if l != nil {
			j.logger = l
		}
	}
}

// Open 建立或開啟一個死信日誌
//
// 行為：
//   - 檔案不存在時建立新檔案，seq 從 0 開始
//   - 檔案已存在時讀取最後一筆紀錄的 seq 並繼續
//   - 最後一行沒有換行結尾（寫入途中崩潰）時截斷到上一個完整行
//   - 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
func Open(path string, opts ...Option) (*Journal, error) {
	j := &Journal{
		path:   path,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.logger = j.logger.With("component", "journal", "path", path)

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: create dir: %w", err)
		}
	}

	tail, err := scanTail(path)
	if err != nil {
		return nil, err
	}
	if tail.size > tail.validEnd {
		if err := os.Truncate(path, tail.validEnd); err != nil {
			return nil, fmt.Errorf("journal: truncate torn tail: %w", err)
		}
		j.logger.Warn("dropped torn journal tail", "bytes", tail.size-tail.validEnd, "last_seq", tail.seq)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("journal: open: %w", err)
	}

	j.file = file
	j.seq = tail.seq
	j.encoder = json.NewEncoder(file)
	j.encoder.SetEscapeHTML(false)
	return j, nil
}

// Append 追加一筆紀錄，自動遞增 seq、計算 checksum 並同步到磁碟
func (j *Journal) Append(entry Entry) (Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.closed {
		return Entry{}, ErrJournalClosed
	}

	j.seq++
	entry.Seq = j.seq
	if entry.Timestamp == 0 {
		entry.Timestamp = j.now().UnixMilli()
	}
	entry.Checksum = CalculateChecksum(entry)

	if err := j.encoder.Encode(entry); err != nil {
		j.seq--
		return Entry{}, fmt.Errorf("journal: append seq=%d: %w", entry.Seq, err)
	}
	if err := j.file.Sync(); err != nil {
		return Entry{}, fmt.Errorf("journal: sync seq=%d: %w", entry.Seq, err)
	}
	return entry, nil
}

// Record appends the terminal failure of action. It matches the engine's
// terminal hook signature so the journal can be attached directly.
func (j *Journal) Record(_ context.Context, action types.QueuedAction, reason types.TerminalReason, cause error) {
	entry := Entry{
		ActionID:   action.ID,
		ActionType: action.Type,
		Payload:    action.Payload,
		Retries:    action.Retries,
		Reason:     reason,
		EnqueuedAt: action.Timestamp,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if _, err := j.Append(entry); err != nil {
		j.logger.Error("dead letter not journaled",
			"action_id", action.ID, "type", action.Type, "reason", reason, "error", err)
	}
}

// Replay 依序重放所有紀錄，驗證每筆 checksum，handler 回傳錯誤即停止
func (j *Journal) Replay(handler EntryHandler) error {
	j.mu.Lock()
	path := j.path
	j.mu.Unlock()
	return ReplayFile(path, handler)
}

// ReplayFile replays a journal file without opening it for writing.
// A missing file replays nothing. An unparseable final line is a torn append
// and is skipped; an unparseable line followed by more entries is corruption.
func ReplayFile(path string, handler EntryHandler) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("journal: open for replay: %w", err)
	}
	defer file.Close()

	var torn error
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if torn != nil {
			return torn
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			torn = fmt.Errorf("%w: %v", ErrCorruptedJournal, err)
			continue
		}
		if expected := CalculateChecksum(entry); expected != entry.Checksum {
			return &ChecksumError{Seq: entry.Seq, Expected: expected, Actual: entry.Checksum}
		}
		if err := handler(entry); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// LastSeq 取得當前的紀錄序號
func (j *Journal) LastSeq() uint64 {
	if j == nil {
		return 0
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Close 關閉日誌；關閉後的實例不可重用
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.file.Close()
}

// tailInfo 開啟時掃描既有日誌的結果
type tailInfo struct {
	seq      uint64 // 最大序號
	validEnd int64  // 最後一個以換行結尾的行之後的位移
	size     int64
}

// scanTail scans an existing journal for its highest sequence number and the
// end of its last complete line.
func scanTail(path string) (tailInfo, error) {
	var info tailInfo
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return info, nil
		}
		return info, fmt.Errorf("journal: open for scan: %w", err)
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for {
		line, err := reader.ReadBytes('\n')
		info.size += int64(len(line))
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return info, fmt.Errorf("journal: scan: %w", err)
		}
		info.validEnd = info.size

		var entry struct {
			Seq uint64 `json:"seq"`
		}
		if json.Unmarshal(bytes.TrimSpace(line), &entry) == nil && entry.Seq > info.seq {
			info.seq = entry.Seq
		}
	}
	return info, nil
}
