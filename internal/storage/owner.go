package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
)

// ErrOwned indicates another process already owns the queue at that location.
var ErrOwned = errors.New("storage: queue is owned by another process")

const ownerFileName = ".syncq.owner"

// Owner 是對資料位置的獨佔宣告，持有期間為整個行程
//
// Backend 的寫入鎖只保證單次寫入不交錯；引擎在記憶體中保有整個佇列，
// 兩個引擎同時開啟同一個佇列會互相覆蓋。Owner 防止這種情況。
type Owner struct {
	lock *flock.Flock
}

// ClaimOwner 取得 driver/path 對應資料位置的獨佔權
//
// memory driver 沒有跨行程狀態，回傳 nil Owner（Release 可安全呼叫）。
func ClaimOwner(driver, path string) (*Owner, error) {
	var lockPath string
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "file", "":
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("storage: create dir: %w", err)
		}
		lockPath = filepath.Join(path, ownerFileName)
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("storage: create dir: %w", err)
		}
		lockPath = path + ".owner"
	case "memory":
		return nil, nil
	default:
		return nil, fmt.Errorf("storage: unsupported driver %q", driver)
	}

	lock := flock.New(lockPath)
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("storage: claim %s: %w", lockPath, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w (%s)", ErrOwned, lockPath)
	}
	return &Owner{lock: lock}, nil
}

// Release gives up ownership.
func (o *Owner) Release() error {
	if o == nil {
		return nil
	}
	return o.lock.Unlock()
}
