package storage

// ============================================================================
// 檔案後端
// 職責：
// 1. 每個 key 對應目錄下的一個 JSON 檔
// 2. 使用原子性寫入（temp file + fsync + rename）防止損壞
// 3. 以 flock 保護跨行程寫入（CLI 與常駐 agent 可同時存在）
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	lockFileName   = ".syncq.lock"
	lockRetryDelay = 10 * time.Millisecond
)

// FileBackend 檔案後端
type FileBackend struct {
	dir    string
	mu     sync.Mutex   // 同一行程內的互斥（flock 以 fd 為單位，無法保護同行程 goroutine）
	lock   *flock.Flock // 跨行程互斥
	closed bool
}

// NewFileBackend 建立檔案後端，目錄不存在時自動建立
func NewFileBackend(dir string) (*FileBackend, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("storage: file backend requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: create dir: %w", err)
	}
	return &FileBackend{
		dir:  dir,
		lock: flock.New(filepath.Join(dir, lockFileName)),
	}, nil
}

// Dir 取得資料目錄（用於測試與除錯）
func (b *FileBackend) Dir() string {
	return b.dir
}

// Path returns the file that holds key.
func (b *FileBackend) Path(key string) string {
	return filepath.Join(b.dir, fileNameForKey(key))
}

// Read 讀取 key 對應的檔案內容
func (b *FileBackend) Read(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	locked, err := b.lock.TryRLockContext(ctx, lockRetryDelay)
	if err != nil {
		return nil, fmt.Errorf("storage: acquire read lock: %w", err)
	}
	if locked {
		defer b.lock.Unlock()
	}

	data, err := os.ReadFile(b.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: read %s: %w", key, err)
	}
	return data, nil
}

// Write 原子性寫入
//
// 流程：
//  1. 寫入臨時檔案（.tmp）並 fsync
//  2. 使用 os.Rename 原子性替換原始檔案
func (b *FileBackend) Write(ctx context.Context, key string, data []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	locked, err := b.lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("storage: acquire write lock: %w", err)
	}
	if locked {
		defer b.lock.Unlock()
	}

	path := b.Path(key)
	tmpPath := path + ".tmp"

	if err := writeAndSync(tmpPath, data); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("storage: write temp file: %w", err)
	}

	// 原子性重新命名（關鍵步驟）
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("storage: rename %s: %w", key, err)
	}
	return nil
}

// Close 關閉後端並釋放鎖檔
func (b *FileBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.lock.Close()
}

func writeAndSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// fileNameForKey maps a key to a flat, filesystem-safe file name. '/' becomes
// '_' and every other byte outside [A-Za-z0-9.-] (including '_' itself) is
// percent-encoded, so distinct keys never share a file.
func fileNameForKey(key string) string {
	var sb strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '.':
			sb.WriteByte(c)
		case c == '/':
			sb.WriteByte('_')
		default:
			fmt.Fprintf(&sb, "%%%02X", c)
		}
	}
	return sb.String() + ".json"
}
