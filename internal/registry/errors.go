package registry

// ============================================================================
// 錯誤分類
// 永久性錯誤不再重試，其餘一律視為暫時性
// ============================================================================

import (
	"errors"

	"github.com/ChuLiYu/offline-sync/pkg/types"
)

// 可被識別為永久性失敗的錯誤種類
const (
	KindValidation = "validation"
	KindRejected   = "rejected"
	KindNotFound   = "not_found"
)

// kinded 由能回報種類的錯誤實作
type kinded interface {
	ErrorKind() string
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string     { return e.err.Error() }
func (e *permanentError) Unwrap() error     { return e.err }
func (e *permanentError) ErrorKind() string { return KindRejected }

// Permanent marks err as a failure that retrying cannot fix.
// Permanent(nil) returns nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or any error it wraps, is permanent.
func IsPermanent(err error) bool {
	var k kinded
	if !errors.As(err, &k) {
		return false
	}
	switch k.ErrorKind() {
	case KindValidation, KindRejected, KindNotFound:
		return true
	}
	return false
}

// Classify 將 handler 的回傳值轉為三態結果
func Classify(err error) types.Outcome {
	switch {
	case err == nil:
		return types.OutcomeApplied
	case IsPermanent(err):
		return types.OutcomeRejected
	default:
		return types.OutcomeRetry
	}
}
