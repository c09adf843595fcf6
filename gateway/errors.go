package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrTransient 超时、网络错误、限流等可重试错误的哨兵。
	ErrTransient = errors.New("transient broker error")
	// ErrRejected 券商明确拒绝，不重试。
	ErrRejected = errors.New("broker rejected")
	// ErrOrderNotFound 券商侧不存在该订单。
	ErrOrderNotFound = errors.New("broker order not found")
)

// TransientError 可重试的券商错误。
type TransientError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient (status %d): %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Is 使 errors.Is(err, ErrTransient) 成立。
func (e *TransientError) Is(target error) bool { return target == ErrTransient }

// RejectedError 券商拒单。
type RejectedError struct {
	Op         string
	StatusCode int
	Reason     string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s: rejected by broker: %s", e.Op, e.Reason)
}

func (e *RejectedError) Is(target error) bool { return target == ErrRejected }

// Transient 包装一个可重试错误。
func Transient(op string, err error) error {
	return &TransientError{Op: op, Err: err}
}

// Rejected 构造拒单错误。
func Rejected(op, reason string) error {
	return &RejectedError{Op: op, Reason: reason}
}

// IsTransient 判断是否值得重试。
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
