package order

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownOrder      = errors.New("unknown order")
	ErrDuplicateFill     = errors.New("duplicate fill")
	ErrOverfill          = errors.New("fill exceeds order quantity")
	ErrIllegalTransition = errors.New("illegal state transition")
	ErrInvalidOrder      = errors.New("invalid order")
	ErrOrderTerminal     = errors.New("order already terminal")
)

// ValidationError 提交的订单格式错误，调用方问题，不重试
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid order: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidOrder }

// TransitionError 非法状态转换
type TransitionError struct {
	OrderID string
	From    Status
	To      Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: illegal state transition: %s -> %s", e.OrderID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrIllegalTransition }
